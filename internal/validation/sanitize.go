package validation

import (
	"strings"
	"unicode"
)

// Sanitize removes NUL and control characters other than newline and tab,
// normalizes CRLF and CR to LF, trims surrounding whitespace and truncates to
// maxChars runes. maxChars <= 0 disables truncation.
func Sanitize(s string, maxChars int) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if r == unicode.ReplacementChar || unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if maxChars > 0 {
		runes := []rune(out)
		if len(runes) > maxChars {
			out = strings.TrimSpace(string(runes[:maxChars]))
		}
	}
	return out
}
