package ratelimit

import (
	"math"
	"net/http"
	"strconv"
)

// WriteHeaders sets the X-RateLimit-* headers for d and, when the request was
// denied, Retry-After in whole seconds (at least 1).
func (d Decision) WriteHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatFloat(d.Limit, 'f', 0, 64))
	h.Set("X-RateLimit-Remaining", strconv.FormatFloat(math.Max(0, math.Floor(d.Remaining)), 'f', 0, 64))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	h.Set("X-RateLimit-Scope", string(d.Scope))
	if !d.Allowed {
		h.Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
	}
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below 1.
func (d Decision) RetryAfterSeconds() int {
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
