// Package breaker implements the process-wide circuit breaker that guards every
// call to the upstream model provider.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrOpen is returned without contacting upstream while the circuit is open,
// or while the single half-open probe is already in flight.
var ErrOpen = errors.New("circuit breaker is open")

// State of the breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config controls thresholds and timing.
type Config struct {
	// Threshold is the number of consecutive failures that opens the circuit.
	Threshold int
	// Cooldown is how long the circuit stays open before a probe is allowed.
	Cooldown time.Duration
	// Timeout bounds every call; exceeding it counts as a failure.
	Timeout time.Duration
	// IsFailure decides whether an error returned by a call counts against the
	// circuit. Nil counts every error.
	IsFailure func(error) bool
	// OnStateChange is called outside the lock after each transition.
	OnStateChange func(from, to State)

	Now    func() time.Time
	Logger logrus.FieldLogger
}

// Snapshot is a point-in-time copy of the breaker state.
type Snapshot struct {
	State       State
	Failures    int
	LastFailure time.Time
	OpenedAt    time.Time
}

// Breaker is a closed/open/half_open state machine shared by all sessions.
type Breaker struct {
	cfg    Config
	now    func() time.Time
	logger logrus.FieldLogger

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	openedAt      time.Time
	probeInFlight bool
}

// New creates a closed breaker. Zero config values take the defaults
// (5 failures, 60s cooldown, 60s timeout).
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Breaker{cfg: cfg, now: now, logger: logger}
}

// ignoredError marks a call outcome that says nothing about upstream health.
type ignoredError struct{ err error }

func (e *ignoredError) Error() string { return e.err.Error() }
func (e *ignoredError) Unwrap() error { return e.err }

// Ignore wraps err so that Execute records neither success nor failure for
// the call, even when it ran past the timeout. Execute returns err unwrapped.
func Ignore(err error) error {
	if err == nil {
		return nil
	}
	return &ignoredError{err: err}
}

// Execute runs fn through the breaker. fn receives a context bounded by the
// configured timeout. If ctx itself is cancelled, or fn returns an error
// wrapped by Ignore, the outcome is not recorded; errors rejected by
// IsFailure count as a healthy answer from upstream.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := b.acquire()
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	callErr := fn(callCtx)
	var ignored *ignoredError
	switch {
	case callErr == nil:
		b.onSuccess(probe)
	case errors.As(callErr, &ignored):
		b.release(probe)
		return ignored.err
	case ctx.Err() != nil:
		b.release(probe)
	case errors.Is(callCtx.Err(), context.DeadlineExceeded) || b.isFailure(callErr):
		b.onFailure(probe)
	default:
		b.onSuccess(probe)
	}
	return callErr
}

// Ready reports whether a call would currently be let through, without
// changing state or claiming the probe.
func (b *Breaker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		return !b.now().Before(b.openedAt.Add(b.cfg.Cooldown))
	case HalfOpen:
		return !b.probeInFlight
	default:
		return true
	}
}

// RetryAfter returns the remaining cooldown while open, else zero.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return 0
	}
	remaining := b.openedAt.Add(b.cfg.Cooldown).Sub(b.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Snapshot returns the current state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:       b.state,
		Failures:    b.failures,
		LastFailure: b.lastFailure,
		OpenedAt:    b.openedAt,
	}
}

// acquire admits a call. It reports whether the call is the half-open probe.
func (b *Breaker) acquire() (bool, error) {
	b.mu.Lock()
	switch b.state {
	case Closed:
		b.mu.Unlock()
		return false, nil
	case Open:
		if b.now().Before(b.openedAt.Add(b.cfg.Cooldown)) {
			b.mu.Unlock()
			return false, ErrOpen
		}
		b.state = HalfOpen
		b.probeInFlight = true
		b.mu.Unlock()
		b.notify(Open, HalfOpen)
		return true, nil
	default: // HalfOpen
		if b.probeInFlight {
			b.mu.Unlock()
			return false, ErrOpen
		}
		b.probeInFlight = true
		b.mu.Unlock()
		return true, nil
	}
}

func (b *Breaker) onSuccess(probe bool) {
	b.mu.Lock()
	from := b.state
	if probe {
		b.probeInFlight = false
		b.state = Closed
		b.failures = 0
	} else if b.state == Closed {
		b.failures = 0
	}
	to := b.state
	b.mu.Unlock()
	if from != to {
		b.notify(from, to)
	}
}

func (b *Breaker) onFailure(probe bool) {
	b.mu.Lock()
	from := b.state
	now := b.now()
	b.lastFailure = now
	if probe {
		b.probeInFlight = false
		b.state = Open
		b.openedAt = now
	} else if b.state == Closed {
		b.failures++
		if b.failures >= b.cfg.Threshold {
			b.state = Open
			b.openedAt = now
		}
	}
	to := b.state
	failures := b.failures
	b.mu.Unlock()

	if from != to {
		b.logger.WithFields(logrus.Fields{"failures": failures, "cooldown": b.cfg.Cooldown}).Warn("breaker: circuit opened")
		b.notify(from, to)
	}
}

// release gives the probe slot back when the caller abandoned the call. The
// circuit returns to open with its original cooldown already elapsed, so the
// next call probes again.
func (b *Breaker) release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	b.probeInFlight = false
	b.state = Open
	b.mu.Unlock()
	b.notify(HalfOpen, Open)
}

func (b *Breaker) isFailure(err error) bool {
	if b.cfg.IsFailure == nil {
		return true
	}
	return b.cfg.IsFailure(err)
}

func (b *Breaker) notify(from, to State) {
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
