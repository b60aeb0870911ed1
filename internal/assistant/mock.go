package assistant

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/chatsession/internal/reliability"
)

// MockClient provides deterministic local replies when no backend is configured.
// Conversations expire after ExpireAfterTurns turns so the recovery path can be
// exercised without a real service.
type MockClient struct {
	// Delay holds each reply back, honouring cancellation.
	Delay            time.Duration
	ExpireAfterTurns int

	mu            sync.Mutex
	conversations map[string]int
	feedback      []Feedback
}

func NewMockClient() *MockClient {
	return &MockClient{
		ExpireAfterTurns: 20,
		conversations:    make(map[string]int),
	}
}

func (m *MockClient) SendTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	started := time.Now()
	if m.Delay > 0 {
		timer := time.NewTimer(m.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return TurnResult{}, reliability.Wrap(reliability.KindCanceled, ctx.Err())
		case <-timer.C:
		}
	}
	select {
	case <-ctx.Done():
		return TurnResult{}, reliability.Wrap(reliability.KindCanceled, ctx.Err())
	default:
	}

	m.mu.Lock()
	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID != "" {
		turns, ok := m.conversations[conversationID]
		if !ok || (m.ExpireAfterTurns > 0 && turns >= m.ExpireAfterTurns) {
			delete(m.conversations, conversationID)
			m.mu.Unlock()
			return TurnResult{}, reliability.Errorf(reliability.KindConversationExpired, 404, "Conversation Not Exists")
		}
	} else {
		conversationID = uuid.NewString()
	}
	m.conversations[conversationID]++
	turn := m.conversations[conversationID]
	m.mu.Unlock()

	answer := buildMockReply(req.Message, turn)
	elapsed := time.Since(started)
	seconds := elapsed.Seconds()
	tokens := len(strings.Fields(req.Message)) + len(strings.Fields(answer))
	return TurnResult{
		Answer:         answer,
		ConversationID: conversationID,
		Usage:          &Usage{TotalTokens: tokens},
		ResponseTime:   &seconds,
		MessageID:      uuid.NewString(),
		Elapsed:        elapsed,
	}, nil
}

func (m *MockClient) SubmitFeedback(ctx context.Context, fb Feedback) error {
	if err := ctx.Err(); err != nil {
		return reliability.Wrap(reliability.KindCanceled, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedback = append(m.feedback, fb)
	return nil
}

// FeedbackCount reports how many ratings were submitted.
func (m *MockClient) FeedbackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.feedback)
}

func buildMockReply(input string, turn int) string {
	base := strings.TrimSpace(input)
	if base == "" {
		base = "(empty message)"
	}
	if turn <= 1 {
		return fmt.Sprintf("I heard you: %s", base)
	}
	return fmt.Sprintf("I heard you: %s\n(turn %d of this conversation)", base, turn)
}
