package conversation

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// WelcomeMessageID is the fixed id of the seeded welcome message.
const WelcomeMessageID int64 = 1

// Message is one immutable entry of the conversation log.
type Message struct {
	ID                  int64     `json:"id"`
	Role                Role      `json:"role"`
	Text                string    `json:"text"`
	CreatedAt           time.Time `json:"createdAt"`
	ResponseTimeSeconds *float64  `json:"responseTimeSeconds,omitempty"`
	TokenUsage          *int      `json:"tokenUsage,omitempty"`
	// ServerMessageID is set on assistant replies that accept feedback.
	ServerMessageID string         `json:"serverMessageId,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	// Error marks assistant turns that describe a failed request.
	Error bool `json:"error,omitempty"`
	// Notice marks neutral assistant notices such as a cancelled request.
	Notice bool `json:"notice,omitempty"`
}

// SessionRecord is the persisted message log of one (assistant type, user key).
type SessionRecord struct {
	UserKey  string    `json:"userKey"`
	Messages []Message `json:"messages"`
	SavedAt  time.Time `json:"savedAt"`
}

// ConversationIDRecord pairs a persisted conversation handle with its owner.
// The handle is stored as a plain string under a key that already embeds UserKey.
type ConversationIDRecord struct {
	UserKey string `json:"userKey"`
	Handle  string `json:"conversationId"`
}
