package reliability

import (
	"errors"
	"strings"
)

// UserMessage renders the assistant-turn text shown for a failed turn.
func UserMessage(err error) string {
	kind := KindOf(err)
	switch kind {
	case KindCanceled:
		return "Request cancelled."
	case KindTransport:
		return "Network error: the assistant service could not be reached. Please check your connection and try again."
	case KindUnauthorized:
		return "The assistant service did not accept the current login. You can keep chatting as a guest; personalized answers may be unavailable."
	case KindConversationExpired:
		return "The previous conversation has expired and could not be restored. Please send your message again."
	case KindMalformedResponse:
		return "Server response format error. Please try again later."
	}

	detail := ""
	status := 0
	var typed *Error
	if errors.As(err, &typed) {
		detail = strings.TrimSpace(typed.Message)
		status = typed.Status
	}
	if IsRetryableHTTPStatus(status) {
		return "The assistant service is busy right now. Please try again in a moment."
	}
	if detail == "" {
		return "The assistant service returned an error. Please try again."
	}
	return "The assistant service returned an error: " + detail
}
