package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TurnRequest is one user turn sent to the assistant backend. An empty
// ConversationID asks the backend to start a new dialogue.
type TurnRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
}

// Usage reports token accounting for a turn.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// TurnResult is the structured success of a turn.
type TurnResult struct {
	Answer         string
	ConversationID string
	Metadata       map[string]any
	Usage          *Usage
	// ResponseTime is the backend-reported processing time in seconds.
	ResponseTime *float64
	MessageID    string
	// Elapsed is the client-measured round trip.
	Elapsed time.Duration
}

// Feedback rates an assistant message.
type Feedback struct {
	MessageID string `json:"messageId"`
	IsHelpful bool   `json:"isHelpful"`
	UserID    string `json:"userId,omitempty"`
}

// Client talks to the remote assistant service. Failures are *reliability.Error.
type Client interface {
	SendTurn(ctx context.Context, req TurnRequest) (TurnResult, error)
	SubmitFeedback(ctx context.Context, fb Feedback) error
}

// Config controls client construction.
type Config struct {
	Mode        string
	ChatURL     string
	FeedbackURL string
	APIKey      string
	Timeout     time.Duration
}

func NewClient(cfg Config) (Client, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.ChatURL) != "" {
			return NewHTTPClient(cfg), nil
		}
		return NewMockClient(), nil
	case "http":
		if strings.TrimSpace(cfg.ChatURL) == "" {
			return nil, errors.New("assistant chat url is required for http mode")
		}
		return NewHTTPClient(cfg), nil
	case "mock":
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unsupported assistant client mode %q", cfg.Mode)
	}
}
