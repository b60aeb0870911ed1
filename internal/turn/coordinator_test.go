package turn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/chatsession/internal/assistant"
	"github.com/ent0n29/chatsession/internal/reliability"
)

// gatedSender blocks every call until released or canceled. It ignores
// cancellation when ignoreCancel is set, simulating a late response.
type gatedSender struct {
	mu           sync.Mutex
	calls        int
	started      chan struct{}
	release      chan assistant.TurnResult
	ignoreCancel bool
}

func newGatedSender() *gatedSender {
	return &gatedSender{
		started: make(chan struct{}, 8),
		release: make(chan assistant.TurnResult, 8),
	}
}

func (g *gatedSender) SendTurn(ctx context.Context, _ assistant.TurnRequest) (assistant.TurnResult, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	g.started <- struct{}{}
	if g.ignoreCancel {
		return <-g.release, nil
	}
	select {
	case <-ctx.Done():
		return assistant.TurnResult{}, reliability.Wrap(reliability.KindCanceled, ctx.Err())
	case res := <-g.release:
		return res, nil
	}
}

type funcSender func(ctx context.Context, req assistant.TurnRequest) (assistant.TurnResult, error)

func (f funcSender) SendTurn(ctx context.Context, req assistant.TurnRequest) (assistant.TurnResult, error) {
	return f(ctx, req)
}

func TestCoordinatorSendSuccessClearsLoading(t *testing.T) {
	g := newGatedSender()
	c := NewCoordinator(g)

	var mu sync.Mutex
	var transitions []bool
	c.SetLoadingHook(func(loading bool, startedAt time.Time) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, loading)
		assert.Equal(t, loading, !startedAt.IsZero())
	})

	done := make(chan Outcome, 1)
	go func() { done <- c.Send(context.Background(), assistant.TurnRequest{Message: "hi"}) }()
	<-g.started

	assert.True(t, c.Loading())
	started, ok := c.LoadingStartedAt()
	assert.True(t, ok)
	assert.False(t, started.IsZero())

	g.release <- assistant.TurnResult{Answer: "hello", ConversationID: "c1"}
	out := <-done
	require.NoError(t, out.Err)
	assert.False(t, out.Canceled)
	assert.False(t, out.Stale)
	assert.Equal(t, "hello", out.Result.Answer)
	assert.False(t, c.Loading())
	_, ok = c.LoadingStartedAt()
	assert.False(t, ok)

	mu.Lock()
	assert.Equal(t, []bool{true, false}, transitions)
	mu.Unlock()
}

func TestCoordinatorCancel(t *testing.T) {
	g := newGatedSender()
	c := NewCoordinator(g)

	assert.False(t, c.Cancel(), "cancel with nothing in flight is a no-op")

	done := make(chan Outcome, 1)
	go func() { done <- c.Send(context.Background(), assistant.TurnRequest{Message: "hi"}) }()
	<-g.started

	assert.True(t, c.Cancel())
	assert.False(t, c.Loading(), "cancel clears loading immediately")
	assert.False(t, c.Cancel(), "cancel is idempotent")

	out := <-done
	assert.True(t, out.Canceled)
	assert.False(t, out.Stale)
	assert.Equal(t, reliability.KindCanceled, reliability.KindOf(out.Err))
}

func TestCoordinatorCancelWinsOverLateSuccess(t *testing.T) {
	g := newGatedSender()
	g.ignoreCancel = true
	c := NewCoordinator(g)

	done := make(chan Outcome, 1)
	go func() { done <- c.Send(context.Background(), assistant.TurnRequest{Message: "hi"}) }()
	<-g.started
	c.Cancel()
	g.release <- assistant.TurnResult{Answer: "too late"}

	out := <-done
	assert.True(t, out.Canceled)
	assert.Empty(t, out.Result.Answer)
}

func TestCoordinatorInvalidateMarksStale(t *testing.T) {
	g := newGatedSender()
	g.ignoreCancel = true
	c := NewCoordinator(g)

	done := make(chan Outcome, 1)
	go func() { done <- c.Send(context.Background(), assistant.TurnRequest{Message: "hi"}) }()
	<-g.started

	assert.True(t, c.Invalidate())
	assert.False(t, c.Loading())
	g.release <- assistant.TurnResult{Answer: "late"}

	out := <-done
	assert.True(t, out.Stale)
	assert.False(t, out.Canceled)
	assert.False(t, c.Invalidate(), "nothing left to invalidate")
}

func TestCoordinatorNewSendSupersedesPrevious(t *testing.T) {
	g := newGatedSender()
	c := NewCoordinator(g)

	first := make(chan Outcome, 1)
	go func() { first <- c.Send(context.Background(), assistant.TurnRequest{Message: "one"}) }()
	<-g.started

	second := make(chan Outcome, 1)
	go func() { second <- c.Send(context.Background(), assistant.TurnRequest{Message: "two"}) }()

	out := <-first
	assert.True(t, out.Stale)

	<-g.started
	assert.True(t, c.Loading())
	g.release <- assistant.TurnResult{Answer: "two"}
	out = <-second
	require.NoError(t, out.Err)
	assert.Equal(t, "two", out.Result.Answer)
}

func TestCoordinatorPropagatesErrors(t *testing.T) {
	c := NewCoordinator(funcSender(func(context.Context, assistant.TurnRequest) (assistant.TurnResult, error) {
		return assistant.TurnResult{}, reliability.Errorf(reliability.KindConversationExpired, 404, "gone")
	}))
	out := c.Send(context.Background(), assistant.TurnRequest{Message: "x"})
	assert.Equal(t, reliability.KindConversationExpired, reliability.KindOf(out.Err))
	assert.False(t, out.Canceled)
	assert.False(t, c.Loading())
}

func TestCoordinatorParentCancelIsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := NewCoordinator(funcSender(func(ctx context.Context, _ assistant.TurnRequest) (assistant.TurnResult, error) {
		cancel()
		<-ctx.Done()
		return assistant.TurnResult{}, errors.New("request aborted")
	}))
	out := c.Send(ctx, assistant.TurnRequest{Message: "x"})
	assert.True(t, out.Canceled)
	assert.Equal(t, reliability.KindCanceled, reliability.KindOf(out.Err))
}

func TestCoordinatorCanceledContextSendsNothing(t *testing.T) {
	calls := 0
	c := NewCoordinator(funcSender(func(context.Context, assistant.TurnRequest) (assistant.TurnResult, error) {
		calls++
		return assistant.TurnResult{Answer: "should not be sent"}, nil
	}))
	var hookCalls int
	c.SetLoadingHook(func(bool, time.Time) { hookCalls++ })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := c.Send(ctx, assistant.TurnRequest{Message: "x"})

	assert.True(t, out.Canceled)
	assert.Equal(t, reliability.KindCanceled, reliability.KindOf(out.Err))
	assert.Zero(t, calls)
	assert.Zero(t, hookCalls)
	assert.False(t, c.Loading())
}
