package provider

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLorem_StreamMessage(t *testing.T) {
	up := NewLorem(LoremConfig{Words: 12})
	var sb strings.Builder
	deltas := 0
	usage, err := up.StreamMessage(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "Hello"}}},
		func(d string) error {
			deltas++
			sb.WriteString(d)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 12, deltas)
	assert.Len(t, strings.Fields(sb.String()), 12)
	assert.Positive(t, usage.InputTokens)
	assert.Positive(t, usage.OutputTokens)
}

func TestLorem_MaxTokensCapsReply(t *testing.T) {
	up := NewLorem(LoremConfig{Words: 50})
	res, err := up.CreateMessage(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "Hello"}},
		Options:  Options{MaxTokens: 5},
	})
	require.NoError(t, err)
	assert.Len(t, strings.Fields(res.Text), 5)
	assert.Equal(t, "lorem", res.Model)
}

func TestLorem_RejectsEmptyConversation(t *testing.T) {
	_, err := NewLorem(LoremConfig{}).StreamMessage(context.Background(), Request{}, func(string) error { return nil })
	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, KindInvalidRequest, apiErr.Kind)
}

func TestLorem_StopsWhenDeltaRejected(t *testing.T) {
	up := NewLorem(LoremConfig{Words: 30})
	stop := context.Canceled
	n := 0
	_, err := up.StreamMessage(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}},
		func(string) error {
			n++
			if n == 3 {
				return stop
			}
			return nil
		})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 3, n)
}

func TestCountTokens(t *testing.T) {
	assert.Zero(t, CountTokens(""))
	assert.Positive(t, CountTokens("hello world"))
	assert.Greater(t, CountRequestTokens(Request{Messages: []Message{{Content: "a b c"}}, Options: Options{SystemPrompt: "sys"}}), 1)
}
