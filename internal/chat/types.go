package chat

import (
	"errors"
	"time"

	"github.com/ent0n29/chatsession/internal/conversation"
	"github.com/ent0n29/chatsession/internal/reliability"
)

var (
	ErrEmptyMessage    = errors.New("message is empty")
	ErrTurnInProgress  = errors.New("a turn is already in progress")
	ErrIdentityChanged = errors.New("the active user changed before sending; please resend your message")
	ErrUnknownMessage  = errors.New("message not found in this conversation")
)

// TurnState is the state of the single turn a controller may run.
type TurnState string

const (
	TurnIdle            TurnState = "idle"
	TurnSending         TurnState = "sending"
	TurnExpiredRetrying TurnState = "expired_retrying"
)

// Outcome is the terminal result of a Send.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	// OutcomeRecovered: succeeded on the automatic retry after the conversation expired.
	OutcomeRecovered Outcome = "recovered"
	OutcomeFailed    Outcome = "failed"
	OutcomeCanceled  Outcome = "canceled"
	// OutcomeDiscarded: the identity switched or the session was cleared while
	// the request was in flight; nothing was appended.
	OutcomeDiscarded Outcome = "discarded"
	// OutcomeResendRequired: the identity changed between render and send.
	OutcomeResendRequired Outcome = "resend_required"
)

// Result describes what a Send did to the conversation log.
type Result struct {
	Outcome   Outcome               `json:"outcome"`
	Attempts  int                   `json:"attempts"`
	ErrorKind reliability.Kind      `json:"error_kind,omitempty"`
	User      *conversation.Message `json:"user_message,omitempty"`
	Reply     *conversation.Message `json:"reply,omitempty"`
}

// View is what a chat surface renders.
type View struct {
	AssistantType      string                 `json:"assistant"`
	UserKey            string                 `json:"user_key"`
	Messages           []conversation.Message `json:"messages"`
	Loading            bool                   `json:"loading"`
	LoadingStartedAt   *time.Time             `json:"loading_started_at,omitempty"`
	LoadingHint        string                 `json:"loading_hint,omitempty"`
	ConversationHandle string                 `json:"conversation_id"`
	TurnState          TurnState              `json:"turn_state"`
}

type EventType string

const (
	EventSessionLoaded   EventType = "session_loaded"
	EventMessageAppended EventType = "message_appended"
	EventLoadingChanged  EventType = "loading_changed"
	EventIdentitySwitch  EventType = "identity_switched"
	EventSessionCleared  EventType = "session_cleared"
	EventHandleChanged   EventType = "handle_changed"
	EventResendRequired  EventType = "resend_required"
)

// Event is published to subscribers whenever the rendered state changes.
type Event struct {
	Type               EventType              `json:"type"`
	AssistantType      string                 `json:"assistant"`
	UserKey            string                 `json:"user_key"`
	Message            *conversation.Message  `json:"message,omitempty"`
	Messages           []conversation.Message `json:"messages,omitempty"`
	Loading            bool                   `json:"loading"`
	LoadingStartedAt   *time.Time             `json:"loading_started_at,omitempty"`
	ConversationHandle string                 `json:"conversation_id,omitempty"`
	At                 time.Time              `json:"at"`
}
