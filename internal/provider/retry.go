package provider

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds the retry loop around upstream calls.
type RetryPolicy struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // delay before the first retry, doubled per attempt
	MaxDelay    time.Duration // cap on any computed delay
}

// DefaultRetryPolicy returns 3 attempts, 1s base, 30s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	return p
}

// Backoff returns the delay after the given zero-based failed attempt:
// base*2^attempt plus jitter in [0, base), capped at MaxDelay. A positive
// retryAfter from the provider replaces the computed value.
func (p RetryPolicy) Backoff(attempt int, retryAfter time.Duration, jitter func(time.Duration) time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	p = p.withDefaults()
	if attempt > 30 {
		attempt = 30
	}
	delay := p.BaseDelay << attempt
	if delay <= 0 || delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if jitter != nil {
		delay += jitter(p.BaseDelay)
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

func randomJitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(base)))
}

// sleepContext waits for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
