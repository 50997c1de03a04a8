// Package sanitize scrubs personal data from text that is shown to users.
package sanitize

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	DefaultMaxLength = 500
	fallbackMessage  = "analysis failed"
)

var rules = []struct {
	pattern *regexp.Regexp
	token   string
}{
	{regexp.MustCompile(`"[^"]{40,}"|“[^”]{40,}”|'[^']{40,}'`), "[REDACTED_TEXT]"},
	{regexp.MustCompile(`(?i)\b(acct\.?|account)((?:\s+(?:no\.?|number|ending in))?[\s:#]*)\d(?:[ -]?\d){5,}`), "${1}${2}[REDACTED_ACCOUNT]"},
	{regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[REDACTED_SSN]"},
	{regexp.MustCompile(`(?i)\b[a-z]{2}\d{2}(?: ?[a-z0-9]{4}){2,7}(?: ?[a-z0-9]{1,4})?\b`), "[REDACTED_ACCOUNT]"},
	{regexp.MustCompile(`\b\d(?:[ -]?\d){7,18}\b`), "[REDACTED_NUMBER]"},
	{regexp.MustCompile(`\+?\(?\d{3}\)?[ .\-]\d{3}[ .\-]\d{4}\b`), "[REDACTED_PHONE]"},
	// Sixteen or more plain words in a row read as copied contract prose.
	{regexp.MustCompile(`[\p{L}'’]+(?:[\s,;]+[\p{L}'’]+){15,}`), "[REDACTED_TEXT]"},
}

var whitespace = regexp.MustCompile(`\s+`)

// Message returns text with emails, SSNs, account and phone numbers and long
// passages, quoted or not, replaced by tokens, collapsed to one line and cut to
// maxLen runes. An empty result falls back to a generic message.
func Message(text string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}
	out := text
	for _, rule := range rules {
		out = rule.pattern.ReplaceAllString(out, rule.token)
	}
	out = strings.TrimSpace(whitespace.ReplaceAllString(out, " "))
	if out == "" {
		return fallbackMessage
	}
	return truncate(out, maxLen)
}

// Error is Message applied to err.Error().
func Error(err error) string {
	if err == nil {
		return fallbackMessage
	}
	return Message(err.Error(), DefaultMaxLength)
}

func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	const ellipsis = "..."
	if maxLen <= len(ellipsis) {
		return string([]rune(s)[:maxLen])
	}
	return string([]rune(s)[:maxLen-len(ellipsis)]) + ellipsis
}
