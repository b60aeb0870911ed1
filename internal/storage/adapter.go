package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Record names one of the two entries kept per (assistant type, user key).
type Record string

const (
	RecordMessages       Record = "messages"
	RecordConversationID Record = "conversation-id"
)

// Adapter namespaces KV access by assistant type and swallows every storage
// failure: callers only ever observe hits and misses. After the first backend
// failure the adapter stops touching the backend for the rest of its lifetime.
type Adapter struct {
	kv            KV
	assistantType string
	logger        *zap.Logger

	mu      sync.RWMutex
	onError func(op string)

	degraded atomic.Bool
}

func NewAdapter(kv KV, assistantType string, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	assistantType = strings.TrimSpace(assistantType)
	return &Adapter{
		kv:            kv,
		assistantType: assistantType,
		logger:        logger.With(zap.String("assistant", assistantType)),
	}
}

// SetErrorHook registers a callback invoked once per swallowed failure.
func (a *Adapter) SetErrorHook(hook func(op string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onError = hook
}

// AssistantType returns the namespace this adapter writes under.
func (a *Adapter) AssistantType() string { return a.assistantType }

// Degraded reports whether the adapter has fallen back to in-memory-only mode.
func (a *Adapter) Degraded() bool { return a.degraded.Load() }

// Key returns the storage key for a record, e.g. "ops-chat-messages-guest".
func (a *Adapter) Key(rec Record, userKey string) string {
	return fmt.Sprintf("%s-chat-%s-%s", a.assistantType, rec, userKey)
}

// SaveJSON serializes v and stores it. It reports whether the write reached the backend.
func (a *Adapter) SaveJSON(ctx context.Context, rec Record, userKey string, v any) bool {
	raw, err := json.Marshal(v)
	if err != nil {
		a.fail("encode", a.Key(rec, userKey), err, false)
		return false
	}
	return a.SaveString(ctx, rec, userKey, string(raw))
}

// LoadJSON decodes a stored record into out. A record that cannot be decoded is
// removed and reported as missing.
func (a *Adapter) LoadJSON(ctx context.Context, rec Record, userKey string, out any) bool {
	raw, ok := a.LoadString(ctx, rec, userKey)
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		a.fail("decode", a.Key(rec, userKey), err, false)
		a.Remove(ctx, rec, userKey)
		return false
	}
	return true
}

func (a *Adapter) SaveString(ctx context.Context, rec Record, userKey, value string) bool {
	if a.degraded.Load() || a.kv == nil {
		return false
	}
	key := a.Key(rec, userKey)
	if err := a.kv.Set(ctx, key, value); err != nil {
		a.fail("set", key, err, true)
		return false
	}
	return true
}

func (a *Adapter) LoadString(ctx context.Context, rec Record, userKey string) (string, bool) {
	if a.degraded.Load() || a.kv == nil {
		return "", false
	}
	key := a.Key(rec, userKey)
	v, ok, err := a.kv.Get(ctx, key)
	if err != nil {
		a.fail("get", key, err, true)
		return "", false
	}
	return v, ok
}

func (a *Adapter) Remove(ctx context.Context, rec Record, userKey string) {
	if a.degraded.Load() || a.kv == nil {
		return
	}
	key := a.Key(rec, userKey)
	if err := a.kv.Delete(ctx, key); err != nil {
		a.fail("delete", key, err, true)
	}
}

func (a *Adapter) fail(op, key string, err error, backend bool) {
	// A canceled caller is not a broken backend.
	degrade := backend && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	if degrade && a.degraded.CompareAndSwap(false, true) {
		a.logger.Warn("chat storage unavailable, continuing in memory only",
			zap.String("op", op), zap.String("key", key), zap.Error(err))
	} else {
		a.logger.Warn("chat storage operation failed",
			zap.String("op", op), zap.String("key", key), zap.Error(err))
	}

	a.mu.RLock()
	hook := a.onError
	a.mu.RUnlock()
	if hook != nil {
		hook(op)
	}
}
