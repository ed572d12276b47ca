package firewall

import "regexp"

// Pattern is one sensitive-data detector.
type Pattern struct {
	Name       string
	Type       string
	Regexp     *regexp.Regexp
	Mask       string // replacement used by Redact, e.g. "[EMAIL]"
	Confidence float64
	// Block marks detections that reject the payload; others are only reported.
	Block bool
	// Validate optionally confirms a regexp match (e.g. a checksum).
	Validate func(match string) bool
}

var defaultPatterns = []Pattern{
	{
		Name:       "anthropic_key",
		Type:       "API_KEY",
		Regexp:     regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_-]{20,}`),
		Mask:       "[API_KEY]",
		Confidence: 0.99,
		Block:      true,
	},
	{
		Name:       "api_key",
		Type:       "API_KEY",
		Regexp:     regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`),
		Mask:       "[API_KEY]",
		Confidence: 0.9,
		Block:      true,
	},
	{
		Name:       "aws_access_key",
		Type:       "API_KEY",
		Regexp:     regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),
		Mask:       "[API_KEY]",
		Confidence: 0.95,
		Block:      true,
	},
	{
		Name:       "github_token",
		Type:       "API_KEY",
		Regexp:     regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`),
		Mask:       "[API_KEY]",
		Confidence: 0.95,
		Block:      true,
	},
	{
		Name:       "private_key",
		Type:       "PRIVATE_KEY",
		Regexp:     regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH |DSA )?PRIVATE KEY-----`),
		Mask:       "[PRIVATE_KEY]",
		Confidence: 0.99,
		Block:      true,
	},
	{
		Name:       "password_assignment",
		Type:       "CREDENTIAL",
		Regexp:     regexp.MustCompile(`(?i)\b(?:password|passwd|pwd)\s*[:=]\s*\S{6,}`),
		Mask:       "[CREDENTIAL]",
		Confidence: 0.8,
		Block:      true,
	},
	{
		Name:       "ssn",
		Type:       "SSN",
		Regexp:     regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		Mask:       "[SSN]",
		Confidence: 0.95,
		Block:      true,
	},
	{
		Name:       "credit_card",
		Type:       "CREDIT_CARD",
		Regexp:     regexp.MustCompile(`\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`),
		Mask:       "[CREDIT_CARD]",
		Confidence: 0.85,
		Block:      true,
		Validate:   luhnValid,
	},
	{
		Name:       "email",
		Type:       "EMAIL",
		Regexp:     regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
		Mask:       "[EMAIL]",
		Confidence: 0.95,
	},
	{
		Name:       "phone_us",
		Type:       "PHONE",
		Regexp:     regexp.MustCompile(`\b(\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`),
		Mask:       "[PHONE]",
		Confidence: 0.9,
	},
}

// DefaultPatterns returns a copy of the built-in detectors.
func DefaultPatterns() []Pattern {
	out := make([]Pattern, len(defaultPatterns))
	copy(out, defaultPatterns)
	return out
}

// luhnValid reports whether the digits in s pass the Luhn checksum.
func luhnValid(s string) bool {
	sum, n := 0, 0
	double := false
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			continue
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
		n++
	}
	return n >= 13 && sum%10 == 0
}
