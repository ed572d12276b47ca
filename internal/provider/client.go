package provider

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tokligence/chatstream-gateway/internal/breaker"
)

// Chunk is one item on the stream returned by Client.Stream. Exactly one
// terminal chunk (Done or Err) ends a stream that was not cancelled.
type Chunk struct {
	Text  string // delta text, or the accumulated reply when Done
	Done  bool
	Usage Usage
	Err   error // *APIError or breaker.ErrOpen
}

// Config wires a Client.
type Config struct {
	Upstream Upstream
	Breaker  *breaker.Breaker
	Retry    RetryPolicy
	// BufferSize bounds the chunk channel between the provider goroutine and
	// the response writer.
	BufferSize int

	// Sleep and Jitter are replaceable for tests.
	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func(base time.Duration) time.Duration
	// OnRetry observes every scheduled retry.
	OnRetry func(attempt int, err *APIError, delay time.Duration)

	Logger logrus.FieldLogger
}

// Client issues streaming and non-streaming requests through the breaker
// with retry and backoff.
type Client struct {
	upstream Upstream
	breaker  *breaker.Breaker
	retry    RetryPolicy
	buffer   int
	sleep    func(ctx context.Context, d time.Duration) error
	jitter   func(base time.Duration) time.Duration
	onRetry  func(attempt int, err *APIError, delay time.Duration)
	logger   logrus.FieldLogger
}

// NewClient validates cfg and applies defaults.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Upstream == nil {
		return nil, errors.New("provider: upstream is required")
	}
	if cfg.Breaker == nil {
		cfg.Breaker = breaker.New(breaker.Config{IsFailure: IsUpstreamFailure})
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 32
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Jitter == nil {
		cfg.Jitter = randomJitter
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Client{
		upstream: cfg.Upstream,
		breaker:  cfg.Breaker,
		retry:    cfg.Retry.withDefaults(),
		buffer:   cfg.BufferSize,
		sleep:    cfg.Sleep,
		jitter:   cfg.Jitter,
		onRetry:  cfg.OnRetry,
		logger:   cfg.Logger,
	}, nil
}

// Name returns the upstream name.
func (c *Client) Name() string { return c.upstream.Name() }

// Breaker exposes the breaker guarding this client.
func (c *Client) Breaker() *breaker.Breaker { return c.breaker }

// IsUpstreamFailure is the breaker failure predicate for provider calls: only
// retryable kinds say something about upstream health.
func IsUpstreamFailure(err error) bool {
	if errors.Is(err, errConsumerStalled) {
		return false
	}
	if apiErr, ok := AsAPIError(Classify(err)); ok {
		return apiErr.Retryable()
	}
	return false
}

// Stream starts a generation and returns its chunks. The channel is closed
// when the stream ends; if ctx is cancelled it is closed without a terminal
// chunk. A failed attempt is retried only if it had not produced any text.
func (c *Client) Stream(ctx context.Context, req Request) <-chan Chunk {
	out := make(chan Chunk, c.buffer)
	go func() {
		defer close(out)
		c.runStream(ctx, req, out)
	}()
	return out
}

func (c *Client) runStream(ctx context.Context, req Request, out chan<- Chunk) {
	logger := c.logger.WithField("upstream", c.upstream.Name())
	for attempt := 0; ; attempt++ {
		var text strings.Builder
		var usage Usage
		emitted := false

		err := c.breaker.Execute(ctx, func(callCtx context.Context) error {
			u, err := c.upstream.StreamMessage(callCtx, req, func(delta string) error {
				emitted = true
				text.WriteString(delta)
				return deliver(ctx, callCtx, out, Chunk{Text: delta})
			})
			usage = u
			if errors.Is(err, errConsumerStalled) {
				return breaker.Ignore(err)
			}
			return Classify(err)
		})
		if err == nil {
			_ = send(ctx, out, Chunk{Done: true, Text: text.String(), Usage: usage})
			return
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errConsumerStalled) {
			logger.Warn("provider: reader stopped consuming, abandoning stream")
			_ = send(ctx, out, Chunk{Err: &APIError{Kind: KindTimeout, Message: "stream reader stopped consuming", Err: err}})
			return
		}
		if errors.Is(err, breaker.ErrOpen) {
			_ = send(ctx, out, Chunk{Err: err})
			return
		}

		apiErr, _ := AsAPIError(Classify(err))
		if apiErr == nil {
			apiErr = &APIError{Kind: KindAPI, Message: err.Error(), Err: err}
		}
		if !apiErr.Retryable() || emitted || attempt+1 >= c.retry.MaxAttempts {
			_ = send(ctx, out, Chunk{Err: apiErr})
			return
		}
		if !c.wait(ctx, logger, attempt, apiErr) {
			return
		}
	}
}

// Complete performs a non-streaming generation with the same retry policy.
func (c *Client) Complete(ctx context.Context, req Request) (Completion, error) {
	logger := c.logger.WithField("upstream", c.upstream.Name())
	for attempt := 0; ; attempt++ {
		var completion Completion
		err := c.breaker.Execute(ctx, func(callCtx context.Context) error {
			res, err := c.upstream.CreateMessage(callCtx, req)
			completion = res
			return Classify(err)
		})
		if err == nil {
			return completion, nil
		}
		if ctx.Err() != nil {
			return Completion{}, ctx.Err()
		}
		if errors.Is(err, breaker.ErrOpen) {
			return Completion{}, err
		}
		apiErr, _ := AsAPIError(Classify(err))
		if apiErr == nil {
			apiErr = &APIError{Kind: KindAPI, Message: err.Error(), Err: err}
		}
		if !apiErr.Retryable() || attempt+1 >= c.retry.MaxAttempts {
			return Completion{}, apiErr
		}
		if !c.wait(ctx, logger, attempt, apiErr) {
			return Completion{}, ctx.Err()
		}
	}
}

// wait sleeps before the next attempt and reports false if ctx ended first.
func (c *Client) wait(ctx context.Context, logger logrus.FieldLogger, attempt int, apiErr *APIError) bool {
	delay := c.retry.Backoff(attempt, apiErr.RetryAfter, c.jitter)
	logger.WithFields(logrus.Fields{
		"attempt":    attempt + 1,
		"error_type": apiErr.Kind,
		"status":     apiErr.Status,
		"delay":      delay,
	}).Warn("provider: retrying after failure")
	if c.onRetry != nil {
		c.onRetry(attempt+1, apiErr, delay)
	}
	return c.sleep(ctx, delay) == nil
}

// errConsumerStalled reports that the breaker's call timeout ran out while a
// delta waited for room on the chunk channel.
var errConsumerStalled = errors.New("provider: chunk reader stalled")

// deliver hands a delta to the reader. Time blocked on a full channel is the
// reader's, so a call timeout that expires there yields errConsumerStalled
// instead of counting against upstream.
func deliver(ctx, callCtx context.Context, out chan<- Chunk, chunk Chunk) error {
	select {
	case out <- chunk:
		return nil
	default:
	}
	if err := callCtx.Err(); err != nil {
		return err
	}
	if err := send(callCtx, out, chunk); err != nil {
		if ctx.Err() == nil {
			return errConsumerStalled
		}
		return err
	}
	return nil
}

func send(ctx context.Context, out chan<- Chunk, chunk Chunk) error {
	select {
	case out <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
