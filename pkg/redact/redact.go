package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
	"unicode/utf8"
)

var enabled atomic.Bool

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	// card numbers are matched before phones so a 16 digit run is not
	// reported as a phone number
	cardRe  = regexp.MustCompile(`\b(?:\d[ \-]?){12,18}\d\b`)
	phoneRe = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
)

// MaxTranscriptRunes bounds transcript text in log records.
const MaxTranscriptRunes = 120

// SetEnabled toggles PII redaction.
func SetEnabled(v bool) {
	enabled.Store(v)
}

func Enabled() bool {
	return enabled.Load()
}

// Text redacts emails, card numbers and phone numbers when enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[REDACTED_EMAIL]")
	out = cardRe.ReplaceAllString(out, "[REDACTED_CARD]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}

// Transcript prepares recognized text for a log record: redacted, trimmed and
// clipped to MaxTranscriptRunes.
func Transcript(in string) string {
	out := strings.TrimSpace(Text(in))
	if utf8.RuneCountInString(out) <= MaxTranscriptRunes {
		return out
	}
	runes := []rune(out)
	return string(runes[:MaxTranscriptRunes]) + "..."
}

// Secret masks a credential for logs, keeping only its last four characters.
// It applies whether or not transcript redaction is enabled.
func Secret(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 8 {
		return "****"
	}
	return "****" + v[len(v)-4:]
}
