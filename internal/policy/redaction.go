package policy

import (
	"regexp"
	"strings"
)

var (
	emailPattern   = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern   = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern    = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	badgeIDPattern = regexp.MustCompile(`(?i)\b(?:id|emp|employee|badge|no)\.?\s*[#:\-]?\s*[a-z]{0,2}\d{3,}\b`)
)

// RedactPII masks common high-risk PII patterns. Names are left alone: they
// are what the scanner is looking for.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Cards before phones, badge numbers before both.
	next = badgeIDPattern.ReplaceAllString(out, "[REDACTED_ID]")
	changed = changed || next != out
	out = next

	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// RedactCandidates redacts each recognized string and joins them for a log
// line, truncating at max runes when max > 0.
func RedactCandidates(candidates []string, max int) string {
	parts := make([]string, 0, len(candidates))
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		r, _ := RedactPII(c)
		parts = append(parts, r)
	}
	out := strings.Join(parts, " | ")
	if max > 0 {
		if runes := []rune(out); len(runes) > max {
			out = string(runes[:max]) + "..."
		}
	}
	return out
}
