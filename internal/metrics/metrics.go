// Package metrics records gateway instruments through OpenTelemetry.
package metrics

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "chatstream-gateway"

// Recorder holds the gateway instruments. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	requests      metric.Int64Counter
	rejections    metric.Int64Counter
	retries       metric.Int64Counter
	providerErrs  metric.Int64Counter
	transitions   metric.Int64Counter
	tokens        metric.Int64Counter
	ttfb          metric.Float64Histogram
	activeStreams metric.Int64UpDownCounter
}

// NewRecorder creates the instruments on meter.
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	r := &Recorder{}
	var err error

	if r.requests, err = meter.Int64Counter("chat.requests",
		metric.WithDescription("Chat requests received"),
		metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	if r.rejections, err = meter.Int64Counter("chat.rejections",
		metric.WithDescription("Chat requests rejected before streaming, by reason"),
		metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	if r.retries, err = meter.Int64Counter("provider.retries",
		metric.WithDescription("Upstream retries by error kind"),
		metric.WithUnit("{retry}")); err != nil {
		return nil, err
	}
	if r.providerErrs, err = meter.Int64Counter("provider.errors",
		metric.WithDescription("Terminal upstream errors by kind"),
		metric.WithUnit("{error}")); err != nil {
		return nil, err
	}
	if r.transitions, err = meter.Int64Counter("breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions by target state"),
		metric.WithUnit("{transition}")); err != nil {
		return nil, err
	}
	if r.tokens, err = meter.Int64Counter("chat.tokens",
		metric.WithDescription("Tokens by direction (input/output)"),
		metric.WithUnit("{token}")); err != nil {
		return nil, err
	}
	if r.ttfb, err = meter.Float64Histogram("chat.ttfb_ms",
		metric.WithDescription("Time from request to first streamed token"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if r.activeStreams, err = meter.Int64UpDownCounter("chat.sessions.active",
		metric.WithDescription("Streaming sessions currently registered"),
		metric.WithUnit("{session}")); err != nil {
		return nil, err
	}
	return r, nil
}

// Request counts an inbound chat request.
func (r *Recorder) Request(ctx context.Context) {
	if r == nil {
		return
	}
	r.requests.Add(ctx, 1)
}

// Rejection counts a request refused before streaming.
func (r *Recorder) Rejection(ctx context.Context, reason string) {
	if r == nil {
		return
	}
	r.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// Retry counts an upstream retry caused by an error of kind.
func (r *Recorder) Retry(ctx context.Context, kind string) {
	if r == nil {
		return
	}
	r.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// ProviderError counts a terminal upstream failure.
func (r *Recorder) ProviderError(ctx context.Context, kind string) {
	if r == nil {
		return
	}
	r.providerErrs.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// BreakerTransition counts a breaker state change.
func (r *Recorder) BreakerTransition(ctx context.Context, to string) {
	if r == nil {
		return
	}
	r.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", to)))
}

// Tokens records usage of one completed generation.
func (r *Recorder) Tokens(ctx context.Context, input, output int64) {
	if r == nil {
		return
	}
	r.tokens.Add(ctx, input, metric.WithAttributes(attribute.String("direction", "input")))
	r.tokens.Add(ctx, output, metric.WithAttributes(attribute.String("direction", "output")))
}

// TTFB records time to first token.
func (r *Recorder) TTFB(ctx context.Context, d time.Duration) {
	if r == nil {
		return
	}
	r.ttfb.Record(ctx, float64(d)/float64(time.Millisecond))
}

// SessionOpened increments the active session gauge.
func (r *Recorder) SessionOpened(ctx context.Context) {
	if r == nil {
		return
	}
	r.activeStreams.Add(ctx, 1)
}

// SessionClosed decrements the active session gauge.
func (r *Recorder) SessionClosed(ctx context.Context) {
	if r == nil {
		return
	}
	r.activeStreams.Add(ctx, -1)
}

// Options configures the exporter pipeline.
type Options struct {
	// Stdout enables periodic export as JSON to Writer.
	Stdout   bool
	Interval time.Duration
	Writer   io.Writer
}

// Setup holds the meter provider and recorder.
type Setup struct {
	provider *sdkmetric.MeterProvider
	recorder *Recorder
}

// NewSetup builds a meter provider. Without an enabled exporter the provider
// still aggregates in memory so instruments stay cheap and valid.
func NewSetup(opts Options) (*Setup, error) {
	var providerOpts []sdkmetric.Option
	if opts.Stdout {
		w := opts.Writer
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("metrics: stdout exporter: %w", err)
		}
		interval := opts.Interval
		if interval <= 0 {
			interval = time.Minute
		}
		providerOpts = append(providerOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval)),
		))
	}
	provider := sdkmetric.NewMeterProvider(providerOpts...)
	otel.SetMeterProvider(provider)

	rec, err := NewRecorder(provider.Meter(meterName))
	if err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, fmt.Errorf("metrics: create instruments: %w", err)
	}
	return &Setup{provider: provider, recorder: rec}, nil
}

// Recorder returns the instrument set.
func (s *Setup) Recorder() *Recorder {
	if s == nil {
		return nil
	}
	return s.recorder
}

// Shutdown flushes and stops the exporters.
func (s *Setup) Shutdown(ctx context.Context) error {
	if s == nil || s.provider == nil {
		return nil
	}
	return s.provider.Shutdown(ctx)
}
