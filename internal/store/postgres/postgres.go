package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/tokligence/chatstream-gateway/internal/store"
)

// Config holds the connection and pool settings.
type Config struct {
	DSN             string
	Schema          string // optional; tables are created inside it
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Store implements store.Store backed by PostgreSQL.
type Store struct {
	db     *sql.DB
	tables tableNames
}

var _ store.Store = (*Store)(nil)

type tableNames struct {
	conversations string
	messages      string
	usage         string
}

func newTableNames(schema string) tableNames {
	qualify := func(table string) string {
		if schema == "" {
			return pq.QuoteIdentifier(table)
		}
		return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(table)
	}
	return tableNames{
		conversations: qualify("conversations"),
		messages:      qualify("messages"),
		usage:         qualify("usage_entries"),
	}
}

// New opens a PostgreSQL-backed store.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn required")
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	s := &Store{db: db, tables: newTableNames(cfg.Schema)}
	if err := s.initSchema(cfg.Schema); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(schema string) error {
	var b strings.Builder
	if schema != "" {
		fmt.Fprintf(&b, "CREATE SCHEMA IF NOT EXISTS %s;\n", pq.QuoteIdentifier(schema))
	}
	fmt.Fprintf(&b, `
CREATE TABLE IF NOT EXISTS %[1]s (
	id TEXT PRIMARY KEY,
	caller_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS %[2]s (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES %[1]s(id) ON DELETE CASCADE,
	role TEXT NOT NULL CHECK(role IN ('user','assistant')),
	content TEXT NOT NULL,
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON %[2]s(conversation_id, id);
CREATE TABLE IF NOT EXISTS %[3]s (
	id BIGSERIAL PRIMARY KEY,
	caller_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	conversation_id TEXT,
	model TEXT,
	input_tokens BIGINT NOT NULL,
	output_tokens BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_usage_entries_caller_created ON %[3]s(caller_id, created_at DESC);
`, s.tables.conversations, s.tables.messages, s.tables.usage)
	if _, err := s.db.Exec(b.String()); err != nil {
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
	query := fmt.Sprintf(`SELECT caller_id FROM %s WHERE id = $1`, s.tables.conversations)
	err := s.db.QueryRowContext(ctx, query, conversationID).Scan(&owner)
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
	query := fmt.Sprintf(`INSERT INTO %s(id, caller_id, title, created_at) VALUES($1, $2, $3, $4)`, s.tables.conversations)
	if _, err := s.db.ExecContext(ctx, query, conv.ID, conv.CallerID, conv.Title, conv.CreatedAt); err != nil {
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
	var metadata []byte
	if len(msg.Metadata) > 0 {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metadata = raw
	}
	query := fmt.Sprintf(`
INSERT INTO %s(id, conversation_id, role, content, metadata, created_at)
VALUES($1, $2, $3, $4, $5, $6)`, s.tables.messages)
	if _, err := s.db.ExecContext(ctx, query, msg.ID, msg.ConversationID, msg.Role, msg.Content, metadata, msg.CreatedAt); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages returns the latest limit messages of a conversation, oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
SELECT id, conversation_id, role, content, metadata, created_at FROM (
	SELECT id, conversation_id, role, content, metadata, created_at
	FROM %s
	WHERE conversation_id = $1
	ORDER BY id DESC
	LIMIT $2
) recent ORDER BY id ASC`, s.tables.messages)
	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		var m store.Message
		var metadata []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &metadata, &m.CreatedAt); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
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
	query := fmt.Sprintf(`
INSERT INTO %s(caller_id, session_id, conversation_id, model, input_tokens, output_tokens, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7)`, s.tables.usage)
	_, err := s.db.ExecContext(ctx, query,
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
	query := fmt.Sprintf(`
SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
FROM %s
WHERE caller_id = $1`, s.tables.usage)
	err := s.db.QueryRowContext(ctx, query, callerID).Scan(&summary.Requests, &summary.InputTokens, &summary.OutputTokens)
	return summary, err
}
