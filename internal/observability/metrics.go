package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"scan/internal/logging"
)

// Turn outcomes recorded by RecordTurn.
const (
	OutcomeDone          = "done"
	OutcomeError         = "error"
	OutcomePartial       = "partial"
	OutcomeEmpty         = "empty"
	OutcomeClarification = "clarification"
	OutcomeCancelled     = "cancelled"
)

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled" mapstructure:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port" mapstructure:"port"`
}

// MetricsCollector records stream console metrics. A collector built with
// metrics disabled accepts every call and records nothing.
type MetricsCollector struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	eventsDecoded     metric.Int64Counter
	eventsDropped     metric.Int64Counter
	correlationMisses metric.Int64Counter
	turnsCompleted    metric.Int64Counter
	streamDuration    metric.Float64Histogram

	prometheusServer *http.Server
	logger           logging.Logger
}

// NewMetricsCollector creates the collector. With metrics enabled the
// instruments are exported through a private prometheus registry; a
// positive port also starts the scrape endpoint.
func NewMetricsCollector(config MetricsConfig, logger logging.Logger) (*MetricsCollector, error) {
	if logger == nil {
		logger = logging.NewComponentLogger("Metrics")
	}
	if !config.Enabled {
		return &MetricsCollector{logger: logger}, nil
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("scan")

	collector := &MetricsCollector{registry: registry, provider: provider, logger: logger}

	if collector.eventsDecoded, err = meter.Int64Counter(
		"scan.events.decoded",
		metric.WithDescription("Stream events decoded, by event name"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create events_decoded counter: %w", err)
	}
	if collector.eventsDropped, err = meter.Int64Counter(
		"scan.events.dropped",
		metric.WithDescription("Stream events dropped by the decoder, by reason"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create events_dropped counter: %w", err)
	}
	if collector.correlationMisses, err = meter.Int64Counter(
		"scan.correlation.misses",
		metric.WithDescription("Completion events that matched no running tool call"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create correlation_misses counter: %w", err)
	}
	if collector.turnsCompleted, err = meter.Int64Counter(
		"scan.turns.completed",
		metric.WithDescription("Finished stream sessions, by outcome"),
		metric.WithUnit("{turn}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create turns_completed counter: %w", err)
	}
	if collector.streamDuration, err = meter.Float64Histogram(
		"scan.stream.duration",
		metric.WithDescription("Stream session duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create stream_duration histogram: %w", err)
	}

	if config.PrometheusPort > 0 {
		if err := collector.StartPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("failed to start prometheus server: %w", err)
		}
	}
	return collector, nil
}

// Enabled reports whether the collector records anything.
func (m *MetricsCollector) Enabled() bool {
	return m != nil && m.registry != nil
}

// Handler serves the prometheus exposition for this collector.
func (m *MetricsCollector) Handler() http.Handler {
	if !m.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartPrometheusServer serves /metrics on port in the background.
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	m.prometheusServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		m.logger.Info("Prometheus metrics server listening on :%d", port)
		if err := m.prometheusServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("Prometheus server error: %v", err)
		}
	}()
	return nil
}

// Shutdown stops the scrape endpoint and the meter provider.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	var errs []error
	if m.prometheusServer != nil {
		errs = append(errs, m.prometheusServer.Shutdown(ctx))
	}
	if m.provider != nil {
		errs = append(errs, m.provider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// RecordDecoded counts a decoded event.
func (m *MetricsCollector) RecordDecoded(ctx context.Context, event string) {
	if m == nil || m.eventsDecoded == nil {
		return
	}
	m.eventsDecoded.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// RecordDropped counts an event the decoder dropped.
func (m *MetricsCollector) RecordDropped(ctx context.Context, reason string) {
	if m == nil || m.eventsDropped == nil {
		return
	}
	m.eventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordCorrelationMiss counts a completion without a running call.
func (m *MetricsCollector) RecordCorrelationMiss(ctx context.Context, kind string) {
	if m == nil || m.correlationMisses == nil {
		return
	}
	m.correlationMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordTurn records how a stream session ended and how long it ran.
func (m *MetricsCollector) RecordTurn(ctx context.Context, outcome string, duration time.Duration) {
	if m == nil || m.turnsCompleted == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.turnsCompleted.Add(ctx, 1, attrs)
	m.streamDuration.Record(ctx, duration.Seconds(), attrs)
}
