package turn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ent0n29/chatsession/internal/assistant"
	"github.com/ent0n29/chatsession/internal/reliability"
)

// Sender issues a single turn request.
type Sender interface {
	SendTurn(ctx context.Context, req assistant.TurnRequest) (assistant.TurnResult, error)
}

// Outcome is the terminal result of one Send.
type Outcome struct {
	Result assistant.TurnResult
	Err    error
	// Canceled is set when the caller's Cancel aborted the request.
	Canceled bool
	// Stale is set when the request was superseded or invalidated; its result
	// must be ignored.
	Stale bool
}

// LoadingHook observes loading changes. startedAt is zero when loading is false.
type LoadingHook func(loading bool, startedAt time.Time)

// Coordinator owns the in-flight turn request and its cancellation token.
type Coordinator struct {
	sender Sender
	now    func() time.Time

	mu               sync.Mutex
	cancel           context.CancelFunc
	activeToken      uint64
	nextToken        uint64
	userCanceled     bool
	loadingStartedAt time.Time
	hook             LoadingHook
}

func NewCoordinator(sender Sender) *Coordinator {
	return &Coordinator{sender: sender, now: time.Now}
}

// SetLoadingHook registers a loading observer. The hook runs outside the
// coordinator lock.
func (c *Coordinator) SetLoadingHook(hook LoadingHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hook = hook
}

// Send issues req with a fresh cancellation token. A previous request still in
// flight is invalidated first and reports Stale. A ctx that is already
// canceled reports Canceled without calling the sender.
func (c *Coordinator) Send(ctx context.Context, req assistant.TurnRequest) Outcome {
	if err := ctx.Err(); errors.Is(err, context.Canceled) {
		// Canceled before the request went out; nothing is sent.
		return Outcome{Canceled: true, Err: reliability.Wrap(reliability.KindCanceled, err)}
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.nextToken++
	token := c.nextToken
	reqCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.activeToken = token
	c.userCanceled = false
	c.loadingStartedAt = c.now()
	startedAt := c.loadingStartedAt
	hook := c.hook
	c.mu.Unlock()

	if hook != nil {
		hook(true, startedAt)
	}

	res, err := c.sender.SendTurn(reqCtx, req)
	cancel()

	c.mu.Lock()
	if c.activeToken != token {
		c.mu.Unlock()
		return Outcome{Stale: true, Err: err}
	}
	userCanceled := c.userCanceled
	c.cancel = nil
	c.activeToken = 0
	c.userCanceled = false
	wasLoading := !c.loadingStartedAt.IsZero()
	c.loadingStartedAt = time.Time{}
	hook = c.hook
	c.mu.Unlock()

	if hook != nil && wasLoading {
		hook(false, time.Time{})
	}

	if userCanceled {
		if err == nil {
			err = reliability.Wrap(reliability.KindCanceled, context.Canceled)
		}
		return Outcome{Canceled: true, Err: err}
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			// The caller abandoned the turn; handled like a cancel, never retried.
			return Outcome{Canceled: true, Err: reliability.Wrap(reliability.KindCanceled, ctx.Err())}
		}
		return Outcome{Err: err}
	}
	return Outcome{Result: res}
}

// Cancel aborts the in-flight request at user request. The pending Send
// reports Canceled. Calling Cancel with nothing in flight is a no-op.
func (c *Coordinator) Cancel() bool {
	c.mu.Lock()
	if c.cancel == nil || c.userCanceled {
		c.mu.Unlock()
		return false
	}
	c.userCanceled = true
	c.cancel()
	c.loadingStartedAt = time.Time{}
	hook := c.hook
	c.mu.Unlock()

	if hook != nil {
		hook(false, time.Time{})
	}
	return true
}

// Invalidate silently aborts the in-flight request; its Send reports Stale.
func (c *Coordinator) Invalidate() bool {
	c.mu.Lock()
	if c.cancel == nil {
		c.mu.Unlock()
		return false
	}
	c.cancel()
	c.cancel = nil
	c.activeToken = 0
	c.userCanceled = false
	wasLoading := !c.loadingStartedAt.IsZero()
	c.loadingStartedAt = time.Time{}
	hook := c.hook
	c.mu.Unlock()

	if hook != nil && wasLoading {
		hook(false, time.Time{})
	}
	return true
}

func (c *Coordinator) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.loadingStartedAt.IsZero()
}

// LoadingStartedAt returns when the current request started; ok is false when idle.
func (c *Coordinator) LoadingStartedAt() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadingStartedAt, !c.loadingStartedAt.IsZero()
}
