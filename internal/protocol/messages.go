package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientSend     MessageType = "client_send"
	TypeClientControl  MessageType = "client_control"
	TypeClientFeedback MessageType = "client_feedback"

	TypeSnapshot    MessageType = "snapshot"
	TypeChatEvent   MessageType = "chat_event"
	TypeTurnResult  MessageType = "turn_result"
	TypeSystemEvent MessageType = "system_event"
	TypeErrorEvent  MessageType = "error_event"
)

// Control actions accepted in client_control.
const (
	ActionCancel  = "cancel"
	ActionClear   = "clear"
	ActionObserve = "observe"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientSend submits user text. UserID is the identity active when the user
// pressed send.
type ClientSend struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	UserID    string      `json:"user_id"`
	Text      string      `json:"text"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	UserID    string      `json:"user_id,omitempty"`
}

type ClientFeedback struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	MessageID string      `json:"message_id"`
	Helpful   bool        `json:"helpful"`
}

// Snapshot carries the full render state, sent on connect and after
// observe.
type Snapshot struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	View      any         `json:"view"`
}

type ChatEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Event     any         `json:"event"`
}

type TurnResult struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Outcome   string      `json:"outcome"`
	Attempts  int         `json:"attempts"`
	ErrorKind string      `json:"error_kind,omitempty"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientSend:
		var msg ClientSend
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid client_send")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid client_control")
		}
		switch msg.Action {
		case ActionCancel, ActionClear, ActionObserve:
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	case TypeClientFeedback:
		var msg ClientFeedback
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.MessageID == "" {
			return nil, errors.New("invalid client_feedback")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
