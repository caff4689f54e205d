package observability

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"scan/internal/logging"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.False(t, config.Metrics.Enabled)
	assert.False(t, config.Tracing.Enabled)
	assert.Equal(t, "otlp", config.Tracing.Exporter)
	assert.Equal(t, 1.0, config.Tracing.SampleRate)
}

func TestDisabledCollectorIsNoop(t *testing.T) {
	collector, err := NewMetricsCollector(MetricsConfig{}, logging.Nop())
	require.NoError(t, err)
	require.False(t, collector.Enabled())

	ctx := context.Background()
	collector.RecordDecoded(ctx, "text")
	collector.RecordDropped(ctx, "malformed")
	collector.RecordCorrelationMiss(ctx, "fetch")
	collector.RecordTurn(ctx, OutcomeDone, time.Second)
	require.NoError(t, collector.Shutdown(ctx))

	var nilCollector *MetricsCollector
	nilCollector.RecordDecoded(ctx, "text")
}

func TestCollectorExportsPrometheus(t *testing.T) {
	collector, err := NewMetricsCollector(MetricsConfig{Enabled: true}, logging.Nop())
	require.NoError(t, err)
	defer collector.Shutdown(context.Background())

	ctx := context.Background()
	collector.RecordDecoded(ctx, "detail")
	collector.RecordDecoded(ctx, "detail")
	collector.RecordDropped(ctx, "malformed")
	collector.RecordCorrelationMiss(ctx, "search")
	collector.RecordTurn(ctx, OutcomePartial, 1500*time.Millisecond)

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Regexp(t, `scan[._]events[._]decoded`, text)
	assert.Contains(t, text, `event="detail"`)
	assert.Contains(t, text, `reason="malformed"`)
	assert.Contains(t, text, `kind="search"`)
	assert.Contains(t, text, `outcome="partial"`)
	assert.Regexp(t, `scan[._]stream[._]duration`, text)
}

func TestTracerProviderDisabledIsNoop(t *testing.T) {
	tp, err := NewTracerProvider(TracingConfig{Enabled: false})
	require.NoError(t, err)

	_, span := tp.StartSpan(context.Background(), SpanStreamSession)
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestTracerProviderRejectsUnknownExporter(t *testing.T) {
	_, err := NewTracerProvider(TracingConfig{Enabled: true, Exporter: "carrier-pigeon"})
	require.Error(t, err)
}

func TestSpanAttributes(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := NewTracerProviderWith(sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter)))

	_, span := tp.StartSpan(context.Background(), SpanStreamSession, SessionAttrs("chat-1", 2)...)
	span.SetAttributes(OutcomeAttrs(OutcomeDone, 3)...)
	span.SetAttributes(ErrorAttrs(errors.New("boom"))...)
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, SpanStreamSession, spans[0].Name)

	attrs := map[string]any{}
	for _, kv := range spans[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, "chat-1", attrs[AttrChatID])
	assert.EqualValues(t, 2, attrs[AttrReconnect])
	assert.Equal(t, OutcomeDone, attrs[AttrOutcome])
	assert.Equal(t, true, attrs[AttrError])
	assert.Nil(t, ErrorAttrs(nil))
}
