package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Scope names the bucket that produced a decision.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeCaller Scope = "caller"
)

// Config holds configuration for the rate limiter.
type Config struct {
	// Global limits shared by every caller
	GlobalCapacity   float64
	GlobalRefillRate float64

	// Caller limits (per caller id)
	CallerCapacity   float64
	CallerRefillRate float64

	// IdleTTL evicts caller buckets that have not been touched for this long.
	// It is raised to the full-refill time of a caller bucket, so only a
	// bucket that would have been full again is ever dropped.
	IdleTTL time.Duration
	// SweepInterval controls how often Run evicts idle buckets.
	SweepInterval time.Duration

	// Now overrides the clock, mostly for tests.
	Now    func() time.Time
	Logger logrus.FieldLogger
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		GlobalCapacity:   1000,
		GlobalRefillRate: 100,
		CallerCapacity:   30,
		CallerRefillRate: 0.5,
		IdleTTL:          10 * time.Minute,
		SweepInterval:    time.Minute,
	}
}

// Decision is the result of one admission check.
type Decision struct {
	Allowed    bool
	Scope      Scope
	RetryAfter time.Duration
	Limit      float64
	Remaining  float64
	ResetAt    time.Time
}

// Limiter admits requests against one global bucket and one bucket per caller.
// A single mutex guards the global bucket, the caller map and every caller
// bucket, so refill, check, consume and eviction are one atomic step.
type Limiter struct {
	cfg    Config
	now    func() time.Time
	logger logrus.FieldLogger

	mu      sync.Mutex
	global  *TokenBucket
	callers map[string]*TokenBucket
}

// NewLimiter creates a limiter, filling missing values from DefaultConfig.
func NewLimiter(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.GlobalCapacity <= 0 {
		cfg.GlobalCapacity = def.GlobalCapacity
	}
	if cfg.GlobalRefillRate <= 0 {
		cfg.GlobalRefillRate = def.GlobalRefillRate
	}
	if cfg.CallerCapacity <= 0 {
		cfg.CallerCapacity = def.CallerCapacity
	}
	if cfg.CallerRefillRate <= 0 {
		cfg.CallerRefillRate = def.CallerRefillRate
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	if refill := time.Duration(cfg.CallerCapacity / cfg.CallerRefillRate * float64(time.Second)); cfg.IdleTTL < refill {
		cfg.IdleTTL = refill
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Limiter{
		cfg:     cfg,
		now:     now,
		logger:  logger,
		global:  NewTokenBucket(cfg.GlobalCapacity, cfg.GlobalRefillRate, now()),
		callers: make(map[string]*TokenBucket),
	}
}

// Admit checks and consumes the global bucket first, then the caller bucket.
// A denial at either level denies the request; a global token taken for a
// request the caller bucket then denies is refunded.
func (l *Limiter) Admit(callerID string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	ok, wait := l.global.Take(now)
	if !ok {
		return l.denied(ScopeGlobal, l.global, now, wait)
	}

	bucket, exists := l.callers[callerID]
	if !exists {
		bucket = NewTokenBucket(l.cfg.CallerCapacity, l.cfg.CallerRefillRate, now)
		l.callers[callerID] = bucket
	}
	ok, wait = bucket.Take(now)
	if !ok {
		l.global.Refund()
		return l.denied(ScopeCaller, bucket, now, wait)
	}

	return Decision{
		Allowed:   true,
		Scope:     ScopeCaller,
		Limit:     bucket.Capacity(),
		Remaining: bucket.Remaining(now),
		ResetAt:   now.Add(timeToFull(bucket, now, l.cfg.CallerRefillRate)),
	}
}

func (l *Limiter) denied(scope Scope, b *TokenBucket, now time.Time, wait time.Duration) Decision {
	return Decision{
		Scope:      scope,
		RetryAfter: wait,
		Limit:      b.Capacity(),
		Remaining:  b.Remaining(now),
		ResetAt:    now.Add(wait),
	}
}

func timeToFull(b *TokenBucket, now time.Time, rate float64) time.Duration {
	missing := b.Capacity() - b.Remaining(now)
	if missing <= 0 || rate <= 0 {
		return 0
	}
	return time.Duration(missing / rate * float64(time.Second))
}

// EvictIdle removes caller buckets idle for at least the configured TTL and
// returns how many were removed.
func (l *Limiter) EvictIdle() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.cfg.IdleTTL)
	removed := 0
	for id, bucket := range l.callers {
		if !bucket.LastActivity().After(cutoff) {
			delete(l.callers, id)
			removed++
		}
	}
	return removed
}

// Run evicts idle buckets every SweepInterval until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.EvictIdle(); n > 0 {
				l.logger.WithField("evicted", n).Debug("ratelimit: evicted idle caller buckets")
			}
		}
	}
}

// TrackedCallers returns the number of caller buckets currently held.
func (l *Limiter) TrackedCallers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.callers)
}
