package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
	// Transcribers often spell numbers out ("five five five, one two...").
	spokenDigitsRe = regexp.MustCompile(`(?i)\b(?:(?:zero|oh|one|two|three|four|five|six|seven|eight|nine|double|triple)[\s,.\-]+){5,}(?:zero|oh|one|two|three|four|five|six|seven|eight|nine)\b`)
)

const (
	emailMask  = "[REDACTED_EMAIL]"
	phoneMask  = "[REDACTED_PHONE]"
	numberMask = "[REDACTED_NUMBER]"
)

// SetEnabled toggles PII redaction for transcripts, replies and logs.
func SetEnabled(v bool) {
	enabled.Store(v)
}

func Enabled() bool {
	return enabled.Load()
}

// Text masks emails, digit phone numbers and spoken digit runs when
// redaction is enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, emailMask)
	out = phoneRe.ReplaceAllString(out, phoneMask)
	out = spokenDigitsRe.ReplaceAllString(out, numberMask)
	return out
}

// Fields returns a copy of in with every string value passed through Text.
// The input map is returned as is when redaction is off.
func Fields(in map[string]any) map[string]any {
	if in == nil || !enabled.Load() {
		return in
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = Text(s)
			continue
		}
		out[k] = v
	}
	return out
}
