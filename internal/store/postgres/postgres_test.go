package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/chatstream-gateway/internal/store"
)

func TestTableNamesQuoted(t *testing.T) {
	names := newTableNames("")
	assert.Equal(t, `"conversations"`, names.conversations)

	names = newTableNames(`chat"stream`)
	assert.Equal(t, `"chat""stream"."messages"`, names.messages)
	assert.Equal(t, `"chat""stream"."usage_entries"`, names.usage)
}

func TestNewRequiresDSN(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

// TestStoreAgainstDatabase runs only when CHATSTREAM_TEST_POSTGRES_DSN is set.
func TestStoreAgainstDatabase(t *testing.T) {
	dsn := os.Getenv("CHATSTREAM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CHATSTREAM_TEST_POSTGRES_DSN not set")
	}
	s, err := New(Config{DSN: dsn, Schema: "chatstream_test", MaxOpenConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "alice", "t")
	require.NoError(t, err)
	owner, err := s.OwnerOf(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)

	require.NoError(t, s.PersistMessage(ctx, store.Message{ConversationID: conv.ID, Role: "user", Content: "hi"}))
	msgs, err := s.ListMessages(ctx, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	_, err = s.OwnerOf(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
