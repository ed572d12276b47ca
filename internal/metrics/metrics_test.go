package metrics

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newManualRecorder(t *testing.T) (*Recorder, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	rec, err := NewRecorder(provider.Meter("test"))
	require.NoError(t, err)
	return rec, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumFor(t *testing.T, m metricdata.Metrics, key, value string) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		if key == "" {
			total += dp.Value
			continue
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestRecorderCounters(t *testing.T) {
	rec, reader := newManualRecorder(t)
	ctx := context.Background()

	rec.Request(ctx)
	rec.Request(ctx)
	rec.Rejection(ctx, "rate_limited")
	rec.Retry(ctx, "overloaded_error")
	rec.Retry(ctx, "overloaded_error")
	rec.ProviderError(ctx, "overloaded_error")
	rec.BreakerTransition(ctx, "open")
	rec.Tokens(ctx, 12, 40)
	rec.SessionOpened(ctx)
	rec.SessionOpened(ctx)
	rec.SessionClosed(ctx)
	rec.TTFB(ctx, 150*time.Millisecond)

	got := collect(t, reader)
	assert.EqualValues(t, 2, sumFor(t, got["chat.requests"], "", ""))
	assert.EqualValues(t, 1, sumFor(t, got["chat.rejections"], "reason", "rate_limited"))
	assert.EqualValues(t, 2, sumFor(t, got["provider.retries"], "kind", "overloaded_error"))
	assert.EqualValues(t, 1, sumFor(t, got["provider.errors"], "kind", "overloaded_error"))
	assert.EqualValues(t, 1, sumFor(t, got["breaker.transitions"], "to", "open"))
	assert.EqualValues(t, 12, sumFor(t, got["chat.tokens"], "direction", "input"))
	assert.EqualValues(t, 40, sumFor(t, got["chat.tokens"], "direction", "output"))
	assert.EqualValues(t, 1, sumFor(t, got["chat.sessions.active"], "", ""))

	hist, ok := got["chat.ttfb_ms"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.EqualValues(t, 1, hist.DataPoints[0].Count)
	assert.InDelta(t, 150.0, hist.DataPoints[0].Sum, 0.001)
}

func TestNilRecorderIsNoop(t *testing.T) {
	var rec *Recorder
	ctx := context.Background()
	assert.NotPanics(t, func() {
		rec.Request(ctx)
		rec.Rejection(ctx, "x")
		rec.Tokens(ctx, 1, 1)
		rec.TTFB(ctx, time.Second)
		rec.SessionOpened(ctx)
	})
	var s *Setup
	assert.Nil(t, s.Recorder())
	assert.NoError(t, s.Shutdown(ctx))
}

func TestSetupStdoutExportsOnShutdown(t *testing.T) {
	var buf bytes.Buffer
	setup, err := NewSetup(Options{Stdout: true, Interval: time.Hour, Writer: &buf})
	require.NoError(t, err)

	setup.Recorder().Request(context.Background())
	require.NoError(t, setup.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "chat.requests")
}
