package reliability

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Kind classifies a failed assistant turn.
type Kind string

const (
	KindNone                Kind = ""
	KindTransport           Kind = "transport"
	KindUnauthorized        Kind = "unauthorized"
	KindConversationExpired Kind = "conversation_expired"
	KindMalformedResponse   Kind = "malformed_response"
	KindCanceled            Kind = "canceled"
	KindUpstream            Kind = "upstream"
)

// Error is the typed failure returned by assistant transports.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a typed error with a formatted message.
func Errorf(kind Kind, status int, format string, args ...any) *Error {
	return &Error{Kind: kind, Status: status, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the classification of err. Context cancellation is always
// KindCanceled, untyped errors are KindTransport.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var typed *Error
	if errors.As(err, &typed) && typed.Kind != KindNone {
		return typed.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindTransport
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ClassifyHTTPStatus maps a non-2xx status from the turn endpoint.
func ClassifyHTTPStatus(code int) Kind {
	switch {
	case code >= 200 && code < 300:
		return KindNone
	case code == 401 || code == 403:
		return KindUnauthorized
	case code == 404:
		return KindConversationExpired
	default:
		return KindUpstream
	}
}

// ClassifyFeedbackStatus maps a non-2xx status from the feedback endpoint.
func ClassifyFeedbackStatus(code int) Kind {
	switch {
	case code >= 200 && code < 300:
		return KindNone
	case code == 401 || code == 403:
		return KindUnauthorized
	default:
		return KindUpstream
	}
}

// Only phrases that name the conversation itself count as expiry. A bare "404"
// inside an unrelated message does not.
var expiredConversationPattern = regexp.MustCompile(
	`(?i)\bconversation\b[^.]*\b(not[\s_-]*exists?|not[\s_-]*found|expired|does[\s_-]*not[\s_-]*exist)\b`,
)

// expiredErrorCodes are machine-readable codes the backend may send alongside
// success:false.
var expiredErrorCodes = map[string]struct{}{
	"conversation_not_found":  {},
	"conversation_not_exists": {},
	"conversation_expired":    {},
}

// ClassifyFailureMessage maps a success:false body to a kind.
func ClassifyFailureMessage(code, message string) Kind {
	if _, ok := expiredErrorCodes[strings.ToLower(strings.TrimSpace(code))]; ok {
		return KindConversationExpired
	}
	if expiredConversationPattern.MatchString(message) {
		return KindConversationExpired
	}
	return KindUpstream
}
