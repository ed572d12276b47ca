package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func TestRegisterCancelUnregister(t *testing.T) {
	var deltas []int
	reg := NewRegistry(func(d int) { deltas = append(deltas, d) })
	s := New(context.Background(), "s1", "alice", "", t0)

	require.NoError(t, reg.Register(s))
	assert.ErrorIs(t, reg.Register(s), ErrDuplicate)
	assert.Equal(t, 1, reg.Count())
	assert.True(t, s.Active())

	assert.True(t, reg.Cancel("s1"))
	assert.False(t, s.Active())
	select {
	case <-s.Done():
	default:
		t.Fatal("cancel did not close the session context")
	}
	// Cancelled sessions stay registered until the producer cleans up.
	assert.Equal(t, 1, reg.Count())

	reg.Unregister("s1")
	reg.Unregister("s1")
	assert.Equal(t, 0, reg.Count())
	assert.False(t, reg.Cancel("s1"))
	assert.Equal(t, []int{1, -1}, deltas)

	_, err := reg.Get("s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnregisterCancelsContext(t *testing.T) {
	reg := NewRegistry(nil)
	s := New(context.Background(), "s1", "alice", "", t0)
	require.NoError(t, reg.Register(s))
	reg.Unregister("s1")
	assert.Error(t, s.Context().Err())
}

func TestParentCancellationPropagates(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	s := New(parent, "s1", "alice", "", t0)
	cancel()
	assert.False(t, s.Active())
	assert.ErrorIs(t, s.Context().Err(), context.Canceled)
}

func TestCancelOwned(t *testing.T) {
	reg := NewRegistry(nil)
	s := New(context.Background(), "s1", "alice", "", t0)
	require.NoError(t, reg.Register(s))

	assert.False(t, reg.CancelOwned("s1", "mallory"))
	assert.True(t, s.Active())
	assert.True(t, reg.CancelOwned("s1", "alice"))
	assert.False(t, s.Active())
}

func TestListAndTokens(t *testing.T) {
	reg := NewRegistry(nil)
	a := New(context.Background(), "a", "alice", "c1", t0.Add(time.Second))
	b := New(context.Background(), "b", "bob", "", t0)
	require.NoError(t, reg.Register(a))
	require.NoError(t, reg.Register(b))
	a.AddTokens(3)
	assert.EqualValues(t, 5, a.AddTokens(2))

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, "a", list[1].ID)
	assert.EqualValues(t, 5, list[1].Tokens)
	assert.Equal(t, "c1", list[1].ConversationID)
}

func TestCancelAll(t *testing.T) {
	reg := NewRegistry(nil)
	var sessions []*Session
	for i := 0; i < 3; i++ {
		s := New(context.Background(), fmt.Sprintf("s%d", i), "alice", "", t0)
		require.NoError(t, reg.Register(s))
		sessions = append(sessions, s)
	}
	assert.Equal(t, 3, reg.CancelAll())
	for _, s := range sessions {
		assert.False(t, s.Active())
	}
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	reg := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			s := New(context.Background(), id, "alice", "", t0)
			if err := reg.Register(s); err != nil {
				t.Error(err)
				return
			}
			reg.Cancel(id)
			reg.Unregister(id)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, reg.Count())
}

func TestCancelReportsInactiveSessionAsNotFound(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(New(context.Background(), "s1", "alice", "", t0)))

	assert.True(t, reg.CancelOwned("s1", "alice"))
	assert.False(t, reg.CancelOwned("s1", "alice"))
	assert.False(t, reg.Cancel("s1"))
	// still registered until the producer unregisters
	assert.Equal(t, 1, reg.Count())
}
