package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/chatsession/internal/chat"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrEnded    = errors.New("session ended")
)

// Session is one open chat surface (a browser tab, a REPL) bound to an
// assistant type. The active identity may change during its lifetime.
type Session struct {
	ID             string    `json:"session_id"`
	AssistantType  string    `json:"assistant"`
	UserKey        string    `json:"user_key"`
	Status         Status    `json:"status"`
	TurnCount      int       `json:"turn_count"`
	CancelCount    int       `json:"cancel_count"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// ControllerFactory builds the chat controller for an assistant type.
type ControllerFactory func(assistantType string) (*chat.Controller, error)

type entry struct {
	session *Session
	ctrl    *chat.Controller
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*entry
	inactivityTimeout time.Duration
	factory           ControllerFactory
	onExpire          func(*Session)
	logger            *zap.Logger
	now               func() time.Time
}

func NewManager(inactivityTimeout time.Duration, factory ControllerFactory, logger *zap.Logger) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		sessions:          make(map[string]*entry),
		inactivityTimeout: inactivityTimeout,
		factory:           factory,
		logger:            logger,
		now:               time.Now,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

// Create opens a session for assistantType and loads the state of userID.
func (m *Manager) Create(ctx context.Context, assistantType, userID string) (*Session, error) {
	if m.factory == nil {
		return nil, errors.New("session manager has no controller factory")
	}
	ctrl, err := m.factory(assistantType)
	if err != nil {
		return nil, fmt.Errorf("build chat controller: %w", err)
	}
	view := ctrl.Observe(ctx, userID)

	now := m.now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		AssistantType:  assistantType,
		UserKey:        view.UserKey,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = &entry{session: s, ctrl: ctrl}
	return clone(s), nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e.session), nil
}

// Controller returns the controller of an active session and marks activity.
func (m *Manager) Controller(sessionID string) (*chat.Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if e.session.Status != StatusActive {
		return nil, ErrEnded
	}
	e.session.LastActivityAt = m.now().UTC()
	return e.ctrl, nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.session.LastActivityAt = m.now().UTC()
	return nil
}

// RecordIdentity updates the identity the session last rendered for.
func (m *Manager) RecordIdentity(sessionID, userKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.session.UserKey = userKey
	e.session.LastActivityAt = m.now().UTC()
	return nil
}

// RecordTurn counts a finished turn; canceled turns also count as cancels.
func (m *Manager) RecordTurn(sessionID string, outcome chat.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.session.TurnCount++
	if outcome == chat.OutcomeCanceled {
		e.session.CancelCount++
	}
	e.session.LastActivityAt = m.now().UTC()
	return nil
}

// End closes the session: its in-flight turn is discarded and pending
// conversation state is flushed.
func (m *Manager) End(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	wasActive := e.session.Status == StatusActive
	e.session.Status = StatusEnded
	e.session.LastActivityAt = m.now().UTC()
	out := clone(e.session)
	ctrl := e.ctrl
	m.mu.Unlock()

	if wasActive {
		ctrl.Close(ctx)
	}
	return out, nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive(ctx)
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.sessions {
		if e.session.Status == StatusActive {
			count++
		}
	}
	return count
}

// FlushAll writes pending conversation state of every active session.
func (m *Manager) FlushAll(ctx context.Context) {
	m.mu.RLock()
	ctrls := make([]*chat.Controller, 0, len(m.sessions))
	for _, e := range m.sessions {
		if e.session.Status == StatusActive {
			ctrls = append(ctrls, e.ctrl)
		}
	}
	m.mu.RUnlock()
	for _, c := range ctrls {
		c.Flush(ctx)
	}
}

// CloseAll ends every active session.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id, e := range m.sessions {
		if e.session.Status == StatusActive {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range ids {
		_, _ = m.End(ctx, id)
	}
}

// expireInactive ends idle sessions and forgets sessions that ended more than
// one inactivity period ago.
func (m *Manager) expireInactive(ctx context.Context) {
	now := m.now().UTC()
	var (
		expired []*Session
		ctrls   []*chat.Controller
	)

	m.mu.Lock()
	for id, e := range m.sessions {
		s := e.session
		if s.Status != StatusActive {
			if now.Sub(s.LastActivityAt) >= m.inactivityTimeout {
				delete(m.sessions, id)
			}
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		s.Status = StatusEnded
		s.LastActivityAt = now
		expired = append(expired, clone(s))
		ctrls = append(ctrls, e.ctrl)
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, c := range ctrls {
		c.Close(ctx)
	}
	for _, s := range expired {
		m.logger.Info("chat session expired", zap.String("session_id", s.ID), zap.String("assistant", s.AssistantType))
	}
	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
