// Package firewall scans inbound chat content for credentials and personal
// data before it is forwarded upstream.
package firewall

import (
	"fmt"
	"sort"
	"strings"
)

// Detection is one pattern match.
type Detection struct {
	Pattern    string
	Type       string
	Start, End int
	Confidence float64
	Block      bool
}

// Violation is returned by Check for the first blocking detection. Its message
// names the pattern type, never the matched content.
type Violation struct {
	Detection Detection
}

func (v *Violation) Error() string {
	return fmt.Sprintf("message appears to contain sensitive data (%s)", strings.ToLower(v.Detection.Type))
}

// Scanner runs a fixed set of patterns. It is safe for concurrent use.
type Scanner struct {
	patterns      []Pattern
	minConfidence float64
}

// NewScanner creates a scanner; nil patterns selects the defaults. Detections
// below minConfidence are ignored.
func NewScanner(patterns []Pattern, minConfidence float64) *Scanner {
	if patterns == nil {
		patterns = DefaultPatterns()
	}
	return &Scanner{patterns: patterns, minConfidence: minConfidence}
}

// Scan returns every detection in text ordered by position.
func (s *Scanner) Scan(text string) []Detection {
	var out []Detection
	for _, p := range s.patterns {
		if p.Confidence < s.minConfidence {
			continue
		}
		for _, loc := range p.Regexp.FindAllStringIndex(text, -1) {
			if p.Validate != nil && !p.Validate(text[loc[0]:loc[1]]) {
				continue
			}
			out = append(out, Detection{
				Pattern:    p.Name,
				Type:       p.Type,
				Start:      loc[0],
				End:        loc[1],
				Confidence: p.Confidence,
				Block:      p.Block,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// Check returns a *Violation for the first blocking detection, plus every
// detection found so callers can log the non-blocking ones.
func (s *Scanner) Check(text string) ([]Detection, error) {
	detections := s.Scan(text)
	for _, d := range detections {
		if d.Block {
			return detections, &Violation{Detection: d}
		}
	}
	return detections, nil
}

// Redact replaces every detection with its pattern mask, for log previews.
func (s *Scanner) Redact(text string) string {
	masks := make(map[string]string, len(s.patterns))
	for _, p := range s.patterns {
		masks[p.Name] = p.Mask
	}
	var sb strings.Builder
	last := 0
	for _, d := range s.Scan(text) {
		if d.Start < last {
			continue // overlaps a previous match
		}
		sb.WriteString(text[last:d.Start])
		sb.WriteString(masks[d.Pattern])
		last = d.End
	}
	sb.WriteString(text[last:])
	return sb.String()
}
