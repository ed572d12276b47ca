// Package sse frames chat stream events as `data: <json>\n\n` units and
// reassembles them on the receiving side.
package sse

import "fmt"

// Type tags a stream event.
type Type string

const (
	TypeStart    Type = "start"
	TypeToken    Type = "token"
	TypeUsage    Type = "usage"
	TypeComplete Type = "complete"
	TypeError    Type = "error"
)

// Terminal reports whether t ends a stream.
func (t Type) Terminal() bool { return t == TypeComplete || t == TypeError }

// Usage carries token counters.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Event is one frame payload.
type Event struct {
	Type           Type   `json:"type"`
	Content        string `json:"content,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	ErrorType      string `json:"error_type,omitempty"`
	Usage          *Usage `json:"usage,omitempty"`
}

// OrderError reports an event that breaks per-session ordering.
type OrderError struct {
	Got   Type
	State string
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("sse: %s event not allowed %s", e.Got, e.State)
}

// Sequencer enforces per-session order: exactly one start, then tokens and
// usage, then exactly one terminal event. It is not safe for concurrent use.
type Sequencer struct {
	started    bool
	terminated bool
}

// Advance validates t against the events seen so far and records it.
func (s *Sequencer) Advance(t Type) error {
	switch {
	case s.terminated:
		return &OrderError{Got: t, State: "after terminal event"}
	case t == TypeStart:
		if s.started {
			return &OrderError{Got: t, State: "twice"}
		}
		s.started = true
	case !s.started:
		return &OrderError{Got: t, State: "before start"}
	case t.Terminal():
		s.terminated = true
	case t == TypeToken, t == TypeUsage:
	default:
		return &OrderError{Got: t, State: "(unknown type)"}
	}
	return nil
}

// Started reports whether start was emitted.
func (s *Sequencer) Started() bool { return s.started }

// Terminated reports whether a terminal event was emitted.
func (s *Sequencer) Terminated() bool { return s.terminated }
