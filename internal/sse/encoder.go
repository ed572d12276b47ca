package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Encoder writes ordered events to a response and flushes after each frame.
type Encoder struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	seq     Sequencer
}

// NewEncoder wraps w. Flushing is skipped when w is not an http.Flusher.
func NewEncoder(w io.Writer) *Encoder {
	flusher, _ := w.(http.Flusher)
	return &Encoder{w: w, flusher: flusher}
}

// Encode writes ev as one frame. Events that break ordering are rejected
// without writing anything.
func (e *Encoder) Encode(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("sse: marshal %s event: %w", ev.Type, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.seq.Advance(ev.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	e.flush()
	return nil
}

// WriteComment writes a `: text` keep-alive line that decoders ignore.
func (e *Encoder) WriteComment(text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seq.Terminated() {
		return nil
	}
	if _, err := fmt.Fprintf(e.w, ": %s\n\n", text); err != nil {
		return err
	}
	e.flush()
	return nil
}

// Started reports whether the start event was written.
func (e *Encoder) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq.Started()
}

// Terminated reports whether a terminal event was written.
func (e *Encoder) Terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq.Terminated()
}

func (e *Encoder) flush() {
	if e.flusher != nil {
		e.flusher.Flush()
	}
}
