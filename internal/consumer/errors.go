package consumer

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCancelled is returned by Send after Cancel or parent cancellation.
	ErrCancelled = errors.New("consumer: request cancelled")
	// ErrBusy is returned by Send while another request is streaming.
	ErrBusy = errors.New("consumer: a request is already streaming")
	// ErrSessionNotFound is returned when the gateway has no such session.
	ErrSessionNotFound = errors.New("consumer: session not found")
)

// RateLimitedError is a 429 from the gateway.
type RateLimitedError struct {
	RetryAfter time.Duration
	ResetAt    time.Time
	Message    string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// StatusError is a non-streaming error response.
type StatusError struct {
	Status  int
	Type    string
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway returned %d (%s): %s", e.Status, e.Type, e.Message)
}

// StreamError is a terminal error event received mid-stream.
type StreamError struct {
	ErrorType string
	Message   string
	SessionID string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream failed (%s): %s", e.ErrorType, e.Message)
}

// transportError marks failures eligible for whole-request retry.
type transportError struct{ err error }

func (e *transportError) Error() string { return "transport: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// IsTransport reports whether err is a dropped connection or truncated stream
// rather than a structured gateway response.
func IsTransport(err error) bool {
	var te *transportError
	return errors.As(err, &te)
}
