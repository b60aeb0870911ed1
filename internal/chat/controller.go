package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/chatsession/internal/assistant"
	"github.com/ent0n29/chatsession/internal/conversation"
	"github.com/ent0n29/chatsession/internal/identity"
	"github.com/ent0n29/chatsession/internal/observability"
	"github.com/ent0n29/chatsession/internal/policy"
	"github.com/ent0n29/chatsession/internal/reliability"
	"github.com/ent0n29/chatsession/internal/turn"
)

const (
	emptyAnswerText = "The assistant returned an empty answer. Please rephrase your question."
	logPreviewRunes = 80
	storageTimeout  = 5 * time.Second
)

// Config wires a Controller.
type Config struct {
	AssistantType string
	Client        assistant.Client
	Store         *conversation.Store
	Metrics       *observability.Metrics
	Logger        *zap.Logger
	Now           func() time.Time
}

// Controller runs the chat session of one assistant type for whichever
// identity is currently active. It owns at most one turn at a time.
type Controller struct {
	assistantType string
	client        assistant.Client
	store         *conversation.Store
	detector      *identity.Detector
	coord         *turn.Coordinator
	metrics       *observability.Metrics
	logger        *zap.Logger
	now           func() time.Time

	// mu serializes identity switches, clears and conversation mutations.
	// It is never held across a network call.
	mu              sync.Mutex
	state           TurnState
	epoch           uint64
	cancelRequested bool
	// turnCancel aborts the context of the running turn, covering both
	// attempts and the gap between them.
	turnCancel context.CancelFunc

	subMu       sync.Mutex
	subscribers map[int]chan Event
	nextSubID   int
}

func NewController(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Store == nil {
		cfg.Store = conversation.NewStore(conversation.Config{Logger: cfg.Logger})
	}
	c := &Controller{
		assistantType: cfg.AssistantType,
		client:        cfg.Client,
		store:         cfg.Store,
		detector:      identity.NewDetector(),
		coord:         turn.NewCoordinator(cfg.Client),
		metrics:       cfg.Metrics,
		logger:        cfg.Logger.With(zap.String("assistant", cfg.AssistantType)),
		now:           cfg.Now,
		state:         TurnIdle,
		subscribers:   make(map[int]chan Event),
	}
	// Loading ends when the turn ends, not when one attempt ends, so only the
	// start of each attempt is taken from the coordinator.
	c.coord.SetLoadingHook(func(loading bool, startedAt time.Time) {
		if !loading {
			return
		}
		at := startedAt.UTC()
		c.publish(Event{Type: EventLoadingChanged, Loading: true, LoadingStartedAt: &at, UserKey: c.store.UserKey()})
	})
	return c
}

func (c *Controller) AssistantType() string { return c.assistantType }

// Observe reports the identity active at render time. The first observation
// loads that identity's session; a different identity later triggers a switch.
func (c *Controller) Observe(ctx context.Context, userID string) View {
	key := identity.UserKey(userID)
	c.mu.Lock()
	c.observeLocked(ctx, key, "render")
	c.mu.Unlock()
	return c.View()
}

func (c *Controller) observeLocked(ctx context.Context, key, trigger string) identity.TransitionKind {
	tr := c.detector.Observe(key)
	switch tr.Kind {
	case identity.TransitionFirst:
		msgs := c.store.Load(ctx, key)
		c.detector.Settle(key)
		c.logger.Debug("chat session loaded", zap.String("user_key", key), zap.Int("messages", len(msgs)))
		c.publish(Event{
			Type:               EventSessionLoaded,
			UserKey:            key,
			Messages:           msgs,
			ConversationHandle: c.store.ConversationHandle(),
		})
	case identity.TransitionSwitched:
		// Any in-flight turn belongs to the previous identity and must not land
		// in the new one's log.
		wasRunning := c.abortLocked()
		msgs := c.store.Load(ctx, key)
		c.detector.Settle(key)
		c.metrics.ObserveIdentitySwitch(c.assistantType, trigger)
		c.logger.Info("chat identity switched",
			zap.String("from", tr.From),
			zap.String("to", tr.To),
			zap.String("trigger", trigger),
			zap.Int("messages", len(msgs)),
		)
		if wasRunning {
			c.publish(Event{Type: EventLoadingChanged, UserKey: tr.From})
		}
		c.publish(Event{
			Type:               EventIdentitySwitch,
			UserKey:            key,
			Messages:           msgs,
			ConversationHandle: c.store.ConversationHandle(),
		})
	}
	return tr.Kind
}

// Send appends text as a user message and runs one assistant turn for it,
// retrying once with a fresh conversation if the current one expired.
func (c *Controller) Send(ctx context.Context, userID, text string) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, ErrEmptyMessage
	}
	key := identity.UserKey(userID)

	c.mu.Lock()
	if c.detector.State() == identity.StateUninitialized {
		c.observeLocked(ctx, key, "render")
	}
	if bound, _ := c.detector.Bound(); bound != key {
		c.observeLocked(ctx, key, "send")
		c.mu.Unlock()
		c.publish(Event{Type: EventResendRequired, UserKey: key})
		return Result{Outcome: OutcomeResendRequired}, ErrIdentityChanged
	}
	if c.state != TurnIdle {
		c.mu.Unlock()
		return Result{}, ErrTurnInProgress
	}
	c.state = TurnSending
	c.cancelRequested = false
	turnCtx, turnCancel := context.WithCancel(ctx)
	defer turnCancel()
	c.turnCancel = turnCancel
	epoch := c.epoch
	userMsg := c.store.Append(conversation.Message{Role: conversation.RoleUser, Text: text})
	handle := c.store.ConversationHandle()
	c.mu.Unlock()

	c.publish(Event{Type: EventMessageAppended, UserKey: key, Message: &userMsg})

	started := c.now()
	res := c.runTurn(turnCtx, epoch, key, text, handle)
	res.User = &userMsg

	latency := c.now().Sub(started)
	c.metrics.ObserveTurn(c.assistantType, string(res.Outcome), latency)
	fields := []zap.Field{
		zap.String("user_key", key),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("attempts", res.Attempts),
		zap.Duration("latency", latency),
		zap.String("preview", policy.LogPreview(text, logPreviewRunes)),
	}
	if res.ErrorKind != reliability.KindNone {
		fields = append(fields, zap.String("error_kind", string(res.ErrorKind)))
	}
	if res.Outcome == OutcomeFailed {
		c.logger.Warn("chat turn failed", fields...)
	} else {
		c.logger.Info("chat turn finished", fields...)
	}
	return res, nil
}

func (c *Controller) runTurn(ctx context.Context, epoch uint64, key, text, handle string) Result {
	req := assistant.TurnRequest{Message: text, ConversationID: handle, UserID: backendUserID(key)}

	out, _ := c.attempt(ctx, req)
	if out.Stale || out.Canceled || out.Err == nil || reliability.KindOf(out.Err) != reliability.KindConversationExpired {
		return c.finish(ctx, epoch, key, out, 1, false)
	}

	// The backend forgot the conversation. Drop the handle and resend the same
	// text once as a new dialogue.
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return Result{Outcome: OutcomeDiscarded, Attempts: 1}
	}
	if c.cancelRequested {
		c.mu.Unlock()
		return c.finish(ctx, epoch, key, turn.Outcome{Canceled: true}, 1, false)
	}
	c.state = TurnExpiredRetrying
	storeCtx, cancel := storageContext(ctx)
	c.store.SetConversationHandle(storeCtx, "")
	cancel()
	c.mu.Unlock()

	c.logger.Info("chat conversation expired, retrying with a new conversation",
		zap.String("user_key", key),
		zap.String("expired_conversation_id", handle),
	)
	c.publish(Event{Type: EventHandleChanged, UserKey: key})

	req.ConversationID = ""
	retry, took := c.attempt(ctx, req)
	switch {
	case retry.Stale:
	case retry.Canceled:
		c.metrics.ObserveExpiryRetry(c.assistantType, "canceled", took)
	case retry.Err != nil:
		c.metrics.ObserveExpiryRetry(c.assistantType, "failed", took)
	default:
		c.metrics.ObserveExpiryRetry(c.assistantType, "ok", took)
	}
	return c.finish(ctx, epoch, key, retry, 2, true)
}

// attempt sends one request. took is zero when nothing was sent.
func (c *Controller) attempt(ctx context.Context, req assistant.TurnRequest) (out turn.Outcome, took time.Duration) {
	if ctx.Err() != nil {
		return c.coord.Send(ctx, req), 0
	}
	started := c.now()
	out = c.coord.Send(ctx, req)
	took = c.now().Sub(started)
	if !out.Stale {
		c.metrics.ObserveAttempt(c.assistantType, string(reliability.KindOf(out.Err)), took)
	}
	return out, took
}

// finish applies the terminal outcome of a turn to the log, unless the
// session moved on to another identity or was cleared meanwhile.
func (c *Controller) finish(ctx context.Context, epoch uint64, key string, out turn.Outcome, attempts int, retried bool) Result {
	res := Result{Attempts: attempts}
	if out.Stale {
		res.Outcome = OutcomeDiscarded
		return res
	}

	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		res.Outcome = OutcomeDiscarded
		return res
	}
	if c.cancelRequested && !out.Canceled {
		// Cancel arrived while no request was on the wire.
		out = turn.Outcome{Canceled: true}
	}

	var (
		reply     conversation.Message
		newHandle string
	)
	switch {
	case out.Canceled:
		res.Outcome = OutcomeCanceled
		res.ErrorKind = reliability.KindCanceled
		reply = conversation.Message{Role: conversation.RoleAssistant, Text: reliability.UserMessage(out.Err), Notice: true}
		if out.Err == nil {
			reply.Text = reliability.UserMessage(reliability.Wrap(reliability.KindCanceled, context.Canceled))
		}
	case out.Err != nil:
		res.Outcome = OutcomeFailed
		res.ErrorKind = reliability.KindOf(out.Err)
		reply = conversation.Message{Role: conversation.RoleAssistant, Text: reliability.UserMessage(out.Err), Error: true}
		c.logger.Debug("chat turn error detail", zap.String("user_key", key), zap.Error(out.Err))
	default:
		res.Outcome = OutcomeSuccess
		if retried {
			res.Outcome = OutcomeRecovered
		}
		reply = c.replyFromResult(out.Result)
		if id := strings.TrimSpace(out.Result.ConversationID); id != "" && id != c.store.ConversationHandle() {
			newHandle = id
			storeCtx, cancel := storageContext(ctx)
			c.store.SetConversationHandle(storeCtx, id)
			cancel()
		}
	}
	reply = c.store.Append(reply)
	c.state = TurnIdle
	c.cancelRequested = false
	c.turnCancel = nil
	c.mu.Unlock()

	c.publish(Event{Type: EventLoadingChanged, UserKey: key})
	res.Reply = &reply
	if newHandle != "" {
		c.publish(Event{Type: EventHandleChanged, UserKey: key, ConversationHandle: newHandle})
	}
	c.publish(Event{Type: EventMessageAppended, UserKey: key, Message: &reply})
	return res
}

func (c *Controller) replyFromResult(r assistant.TurnResult) conversation.Message {
	msg := conversation.Message{
		Role:            conversation.RoleAssistant,
		Text:            r.Answer,
		ServerMessageID: strings.TrimSpace(r.MessageID),
		Metadata:        r.Metadata,
	}
	if strings.TrimSpace(msg.Text) == "" {
		msg.Text = emptyAnswerText
	}
	if r.ResponseTime != nil {
		v := *r.ResponseTime
		msg.ResponseTimeSeconds = &v
	} else if r.Elapsed > 0 {
		v := r.Elapsed.Seconds()
		msg.ResponseTimeSeconds = &v
	}
	if r.Usage != nil && r.Usage.TotalTokens > 0 {
		v := r.Usage.TotalTokens
		msg.TokenUsage = &v
	}
	return msg
}

// Cancel aborts the in-flight turn. It reports whether a turn was running.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	running := c.state != TurnIdle && !c.cancelRequested
	if running {
		c.cancelRequested = true
		if c.turnCancel != nil {
			c.turnCancel()
		}
	}
	c.mu.Unlock()
	if !running {
		return false
	}

	c.coord.Cancel()
	key := c.store.UserKey()
	c.logger.Info("chat turn cancel requested", zap.String("user_key", key))
	c.publish(Event{Type: EventLoadingChanged, UserKey: key})
	return true
}

// Clear starts over: the in-flight turn is discarded, the log is replaced by
// the welcome message and the conversation handle is dropped.
func (c *Controller) Clear(ctx context.Context) View {
	c.mu.Lock()
	wasRunning := c.abortLocked()
	msgs := c.store.Reset(ctx)
	key := c.store.UserKey()
	c.mu.Unlock()

	c.logger.Info("chat session cleared", zap.String("user_key", key))
	if wasRunning {
		c.publish(Event{Type: EventLoadingChanged, UserKey: key})
	}
	c.publish(Event{Type: EventSessionCleared, UserKey: key, Messages: msgs})
	return c.View()
}

// Feedback rates an assistant reply by its server message id.
func (c *Controller) Feedback(ctx context.Context, serverMessageID string, helpful bool) error {
	serverMessageID = strings.TrimSpace(serverMessageID)
	found := false
	if serverMessageID != "" {
		for _, m := range c.store.Messages() {
			if m.Role == conversation.RoleAssistant && m.ServerMessageID == serverMessageID {
				found = true
				break
			}
		}
	}
	if !found {
		return ErrUnknownMessage
	}
	key := c.store.UserKey()
	if err := c.client.SubmitFeedback(ctx, assistant.Feedback{
		MessageID: serverMessageID,
		IsHelpful: helpful,
		UserID:    backendUserID(key),
	}); err != nil {
		c.logger.Warn("chat feedback failed", zap.String("user_key", key), zap.Error(err))
		return err
	}
	return nil
}

// View returns the current render state.
func (c *Controller) View() View {
	c.mu.Lock()
	state := c.state
	loading := state != TurnIdle && !c.cancelRequested
	c.mu.Unlock()

	v := View{
		AssistantType:      c.assistantType,
		UserKey:            c.store.UserKey(),
		Messages:           c.store.Messages(),
		ConversationHandle: c.store.ConversationHandle(),
		TurnState:          state,
		Loading:            loading,
	}
	if startedAt, ok := c.coord.LoadingStartedAt(); ok && loading {
		at := startedAt.UTC()
		v.LoadingStartedAt = &at
		v.LoadingHint = LoadingHint(c.now().Sub(startedAt))
	}
	return v
}

// Close discards any in-flight turn and flushes pending writes.
func (c *Controller) Close(ctx context.Context) {
	c.mu.Lock()
	c.abortLocked()
	c.mu.Unlock()
	c.store.Flush(ctx)

	c.subMu.Lock()
	for id, ch := range c.subscribers {
		delete(c.subscribers, id)
		close(ch)
	}
	c.subMu.Unlock()
}

// Flush writes pending conversation state.
func (c *Controller) Flush(ctx context.Context) {
	c.store.Flush(ctx)
}

// abortLocked discards the in-flight turn, if any, so that its result is
// never applied. It reports whether a turn was running.
func (c *Controller) abortLocked() bool {
	wasRunning := c.state != TurnIdle
	c.epoch++
	c.coord.Invalidate()
	c.state = TurnIdle
	c.cancelRequested = false
	c.turnCancel = nil
	return wasRunning
}

func backendUserID(key string) string {
	if key == identity.GuestKey {
		return ""
	}
	return key
}

func storageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), storageTimeout)
}
