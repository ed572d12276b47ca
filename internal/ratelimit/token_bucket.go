package ratelimit

import (
	"math"
	"time"
)

// TokenBucket holds the state of one token bucket. The bucket is refilled at a
// constant rate and allows bursts up to its capacity.
//
// TokenBucket does no locking of its own; Limiter serializes every access under
// the lock that also guards the bucket map.
type TokenBucket struct {
	capacity   float64   // maximum tokens in bucket
	refillRate float64   // tokens added per second
	tokens     float64   // current tokens available
	lastRefill time.Time // last time bucket was refilled
}

// NewTokenBucket creates a full bucket.
//   - capacity: maximum number of tokens (burst size)
//   - refillRate: tokens added per second (sustained rate)
func NewTokenBucket(capacity, refillRate float64, now time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		lastRefill: now,
	}
}

// Take refills the bucket up to now and consumes one token if available.
// When no token is available it reports how long until one will be.
func (tb *TokenBucket) Take(now time.Time) (bool, time.Duration) {
	tb.refill(now)
	if tb.tokens >= 1 {
		tb.tokens--
		return true, 0
	}
	return false, tb.waitTime()
}

// Refund returns one token consumed by Take, never exceeding capacity.
func (tb *TokenBucket) Refund() {
	tb.tokens = math.Min(tb.capacity, tb.tokens+1)
}

// Remaining returns the tokens available at now.
func (tb *TokenBucket) Remaining(now time.Time) float64 {
	tb.refill(now)
	return tb.tokens
}

// Capacity returns the burst size of the bucket.
func (tb *TokenBucket) Capacity() float64 {
	return tb.capacity
}

// LastActivity returns the time of the last refill, which every access performs.
func (tb *TokenBucket) LastActivity() time.Time {
	return tb.lastRefill
}

// refill adds tokens based on elapsed time since last refill.
func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		// clock went backwards or no time passed; keep lastRefill monotonic
		return
	}
	tb.tokens = math.Min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now
}

// waitTime returns the duration until one token is available.
func (tb *TokenBucket) waitTime() time.Duration {
	if tb.tokens >= 1 {
		return 0
	}
	if tb.refillRate <= 0 {
		return time.Duration(math.MaxInt64)
	}
	seconds := (1 - tb.tokens) / tb.refillRate
	return time.Duration(math.Ceil(seconds * float64(time.Second)))
}
