package policy

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	tokenPattern = regexp.MustCompile(`(?i)\b(bearer\s+)[a-z0-9._\-]{16,}`)
)

// RedactPII masks common high-risk PII patterns in chat text.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	apply := func(re *regexp.Regexp, repl string) {
		next := re.ReplaceAllString(out, repl)
		changed = changed || next != out
		out = next
	}

	apply(emailPattern, "[REDACTED_EMAIL]")
	apply(tokenPattern, "${1}[REDACTED_TOKEN]")
	// Cards before phones, otherwise long card numbers match the phone pattern.
	apply(cardPattern, "[REDACTED_CARD]")
	apply(phonePattern, "[REDACTED_PHONE]")

	return out, changed
}

// LogPreview returns a redacted, single-line excerpt of user or assistant text
// suitable for log fields.
func LogPreview(text string, maxRunes int) string {
	out, _ := RedactPII(strings.Join(strings.Fields(text), " "))
	if maxRunes <= 0 || utf8.RuneCountInString(out) <= maxRunes {
		return out
	}
	runes := []rune(out)
	return string(runes[:maxRunes]) + "…"
}
