// Package session tracks in-flight streaming sessions so they can be
// cancelled from a separate request.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrDuplicate = errors.New("session already registered")
)

// Session is one streaming exchange. Its context is cancelled by Cancel,
// Unregister, or the parent context.
type Session struct {
	ID             string
	CallerID       string
	ConversationID string
	CreatedAt      time.Time

	ctx    context.Context
	cancel context.CancelFunc
	tokens atomic.Int64
	active atomic.Bool
}

// New derives a cancellable session context from parent.
func New(parent context.Context, id, callerID, conversationID string, now time.Time) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		ID:             id,
		CallerID:       callerID,
		ConversationID: conversationID,
		CreatedAt:      now,
		ctx:            ctx,
		cancel:         cancel,
	}
	s.active.Store(true)
	return s
}

// Context is observed by every suspension point of the producing stream.
func (s *Session) Context() context.Context { return s.ctx }

// Done is closed once the session is cancelled.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// AddTokens increments the running token count and returns the new total.
func (s *Session) AddTokens(n int64) int64 { return s.tokens.Add(n) }

// Tokens returns the number of tokens emitted so far.
func (s *Session) Tokens() int64 { return s.tokens.Load() }

// Active reports whether the session has not been cancelled or finished.
func (s *Session) Active() bool { return s.active.Load() && s.ctx.Err() == nil }

func (s *Session) stop() {
	s.active.Store(false)
	s.cancel()
}

// Info is a point-in-time view of a session.
type Info struct {
	ID             string    `json:"id"`
	CallerID       string    `json:"caller_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Tokens         int64     `json:"tokens"`
	Active         bool      `json:"active"`
}

func (s *Session) info() Info {
	return Info{
		ID:             s.ID,
		CallerID:       s.CallerID,
		ConversationID: s.ConversationID,
		CreatedAt:      s.CreatedAt,
		Tokens:         s.Tokens(),
		Active:         s.Active(),
	}
}

// Registry maps session ids to live sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	// onChange observes every registration (+1) and removal (-1).
	onChange func(delta int)
}

// NewRegistry returns an empty registry. onChange may be nil.
func NewRegistry(onChange func(delta int)) *Registry {
	return &Registry{sessions: make(map[string]*Session), onChange: onChange}
}

// Register adds s. Registering an id twice fails.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	if _, exists := r.sessions[s.ID]; exists {
		r.mu.Unlock()
		return ErrDuplicate
	}
	r.sessions[s.ID] = s
	r.mu.Unlock()
	r.notify(1)
	return nil
}

// Cancel signals the session and marks it inactive. It stays registered
// until its producer unregisters it. Returns false for unknown ids and for
// sessions that are no longer active.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok || !s.Active() {
		return false
	}
	s.stop()
	return true
}

// CancelOwned cancels id only when it belongs to callerID. A session owned by
// someone else is reported as not found.
func (r *Registry) CancelOwned(id, callerID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok || s.CallerID != callerID || !s.Active() {
		return false
	}
	s.stop()
	return true
}

// Unregister removes id and cancels its context. Safe to call more than once.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	s.stop()
	r.notify(-1)
}

// Get returns the live session for id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// List returns a snapshot ordered by creation time.
func (r *Registry) List() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.info())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CancelAll cancels every registered session, for shutdown. Producers still
// unregister their own sessions.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()
	for _, s := range live {
		s.stop()
	}
	return len(live)
}

func (r *Registry) notify(delta int) {
	if r.onChange != nil {
		r.onChange(delta)
	}
}
