package ratelimit

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket_TakeUntilEmpty(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	tb := NewTokenBucket(3, 1, start)

	for i := 0; i < 3; i++ {
		ok, wait := tb.Take(start)
		require.True(t, ok, "take %d", i)
		assert.Zero(t, wait)
	}

	ok, wait := tb.Take(start)
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait)
}

func TestTokenBucket_Refill(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	tb := NewTokenBucket(10, 2, start)
	for i := 0; i < 10; i++ {
		tb.Take(start)
	}

	assert.InDelta(t, 0, tb.Remaining(start), 1e-9)
	assert.InDelta(t, 1, tb.Remaining(start.Add(500*time.Millisecond)), 1e-9)
	// never above capacity
	assert.InDelta(t, 10, tb.Remaining(start.Add(time.Hour)), 1e-9)
}

func TestTokenBucket_WaitTimeFractional(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	tb := NewTokenBucket(1, 0.5, start)
	ok, _ := tb.Take(start)
	require.True(t, ok)

	// half a second later 0.25 tokens are back, 0.75 missing at 0.5/s
	ok, wait := tb.Take(start.Add(500 * time.Millisecond))
	assert.False(t, ok)
	assert.Equal(t, 1500*time.Millisecond, wait)
}

func TestTokenBucket_ClockBackwards(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	tb := NewTokenBucket(2, 1, start)
	tb.Take(start)
	tb.Take(start)

	assert.InDelta(t, 0, tb.Remaining(start.Add(-time.Minute)), 1e-9)
	assert.Equal(t, start, tb.LastActivity())
}

func TestTokenBucket_RefundCapped(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	tb := NewTokenBucket(2, 1, start)
	tb.Refund()
	assert.InDelta(t, 2, tb.Remaining(start), 1e-9)
}

func TestTokenBucket_BoundsHoldForRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		capacity := float64(1 + rng.Intn(50))
		rate := 0.1 + rng.Float64()*20
		now := time.Unix(1_700_000_000, 0)
		tb := NewTokenBucket(capacity, rate, now)

		for step := 0; step < 500; step++ {
			now = now.Add(time.Duration(rng.Intn(300)) * time.Millisecond)
			tb.Take(now)
			if rng.Intn(10) == 0 {
				tb.Refund()
			}
			require.GreaterOrEqual(t, tb.tokens, 0.0)
			require.LessOrEqual(t, tb.tokens, capacity)
		}
	}
}
