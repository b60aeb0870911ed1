package chat

import "time"

// LoadingHint escalates the "still working" text as a turn takes longer.
func LoadingHint(elapsed time.Duration) string {
	switch {
	case elapsed < 5*time.Second:
		return "Thinking…"
	case elapsed < 15*time.Second:
		return "Still working on it…"
	case elapsed < 45*time.Second:
		return "This is taking longer than usual. Complex questions can need up to a minute."
	default:
		return "Still waiting for the assistant. You can cancel and try again."
	}
}
