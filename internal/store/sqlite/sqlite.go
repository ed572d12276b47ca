package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/tokligence/chatstream-gateway/internal/store"
)

// Store implements store.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one writer avoids SQLITE_BUSY under concurrent sessions
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	caller_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_caller ON conversations(caller_id, created_at DESC);
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role TEXT NOT NULL CHECK(role IN ('user','assistant')),
	content TEXT NOT NULL,
	metadata TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);
CREATE TABLE IF NOT EXISTS usage_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	caller_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	conversation_id TEXT,
	model TEXT,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_entries_caller_created ON usage_entries(caller_id, created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// OwnerOf returns the owner of a conversation.
func (s *Store) OwnerOf(ctx context.Context, conversationID string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT caller_id FROM conversations WHERE id = ?`, conversationID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	return owner, err
}

// CreateConversation inserts a new conversation for callerID.
func (s *Store) CreateConversation(ctx context.Context, callerID, title string) (store.Conversation, error) {
	if strings.TrimSpace(callerID) == "" {
		return store.Conversation{}, errors.New("caller id required")
	}
	now := time.Now().UTC()
	conv := store.Conversation{ID: store.NewID(now), CallerID: callerID, Title: title, CreatedAt: now}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations(id, caller_id, title, created_at) VALUES(?, ?, ?, ?)`,
		conv.ID, conv.CallerID, conv.Title, conv.CreatedAt)
	if err != nil {
		return store.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

// PersistMessage inserts a message.
func (s *Store) PersistMessage(ctx context.Context, msg store.Message) error {
	if msg.ConversationID == "" {
		return errors.New("message requires conversation id")
	}
	msg = store.Normalize(msg)
	var metadata sql.NullString
	if len(msg.Metadata) > 0 {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO messages(id, conversation_id, role, content, metadata, created_at)
VALUES(?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, metadata, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages returns the latest limit messages of a conversation, oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, conversation_id, role, content, metadata, created_at FROM (
	SELECT id, conversation_id, role, content, metadata, created_at
	FROM messages
	WHERE conversation_id = ?
	ORDER BY id DESC
	LIMIT ?
) ORDER BY id ASC`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		var m store.Message
		var metadata sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &metadata, &m.CreatedAt); err != nil {
			return nil, err
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecordUsage inserts a usage entry.
func (s *Store) RecordUsage(ctx context.Context, entry store.UsageEntry) error {
	if entry.CallerID == "" {
		return errors.New("usage record requires caller id")
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO usage_entries(caller_id, session_id, conversation_id, model, input_tokens, output_tokens, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
		entry.CallerID, entry.SessionID, entry.ConversationID, entry.Model,
		entry.InputTokens, entry.OutputTokens, created)
	return err
}

// UsageSummary returns aggregated usage for callerID.
func (s *Store) UsageSummary(ctx context.Context, callerID string) (store.UsageSummary, error) {
	if callerID == "" {
		return store.UsageSummary{}, errors.New("caller id required")
	}
	var summary store.UsageSummary
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
FROM usage_entries
WHERE caller_id = ?`, callerID).Scan(&summary.Requests, &summary.InputTokens, &summary.OutputTokens)
	return summary, err
}
