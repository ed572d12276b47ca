// Package store defines the conversation storage the gateway depends on:
// conversation ownership lookups, message persistence and a usage ledger.
package store

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("store: not found")

// Conversation is a chat thread owned by one caller.
type Conversation struct {
	ID        string    `json:"id"`
	CallerID  string    `json:"caller_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one persisted conversation turn.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Role           string            `json:"role"`
	Content        string            `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// UsageEntry records the token usage of one completed generation.
type UsageEntry struct {
	ID             int64     `json:"id"`
	CallerID       string    `json:"caller_id"`
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	Model          string    `json:"model"`
	InputTokens    int64     `json:"input_tokens"`
	OutputTokens   int64     `json:"output_tokens"`
	CreatedAt      time.Time `json:"created_at"`
}

// UsageSummary aggregates usage for a caller.
type UsageSummary struct {
	Requests     int64 `json:"requests"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Store is the storage collaborator.
type Store interface {
	// OwnerOf returns the caller that owns conversationID, or ErrNotFound.
	OwnerOf(ctx context.Context, conversationID string) (string, error)
	CreateConversation(ctx context.Context, callerID, title string) (Conversation, error)
	// PersistMessage stores msg. An empty ID or zero CreatedAt is filled in.
	PersistMessage(ctx context.Context, msg Message) error
	// ListMessages returns up to limit most recent messages, oldest first.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	RecordUsage(ctx context.Context, entry UsageEntry) error
	UsageSummary(ctx context.Context, callerID string) (UsageSummary, error)
	Ping(ctx context.Context) error
	Close() error
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a lexically sortable ULID for t.
func NewID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Normalize fills a message's ID and CreatedAt when unset.
func Normalize(msg Message) Message {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.ID == "" {
		msg.ID = NewID(msg.CreatedAt)
	}
	return msg
}

// DefaultTitle derives a conversation title from the first user message.
func DefaultTitle(message string) string {
	const max = 60
	runes := []rune(message)
	for i, r := range runes {
		if r == '\n' {
			runes = runes[:i]
			break
		}
	}
	if len(runes) > max {
		return string(runes[:max-1]) + "…"
	}
	return string(runes)
}
