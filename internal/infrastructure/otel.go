package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.28.0"
	"go.opentelemetry.io/otel/trace"

	"keygen/internal/config"
)

// InstrumentationName is the tracer and meter name used by every package.
const InstrumentationName = "keygen"

// OTelProviders holds the OpenTelemetry providers
type OTelProviders struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Registry       *promclient.Registry
	Tracer         trace.Tracer
	Meter          metric.Meter
	Metrics        *Metrics
	logger         *slog.Logger
}

// InitializeOTel sets up tracing and Prometheus-backed metrics. With
// telemetry disabled the providers are no-ops but Metrics is still usable.
func InitializeOTel(cfg config.TelemetryConfig, logger *slog.Logger) (*OTelProviders, error) {
	p := &OTelProviders{logger: logger}

	if !cfg.Enabled {
		p.Tracer = otel.Tracer(InstrumentationName)
		p.Meter = noop.NewMeterProvider().Meter(InstrumentationName)
		m, err := NewMetrics(p.Meter)
		if err != nil {
			return nil, err
		}
		p.Metrics = m
		return p, nil
	}

	hostname, _ := os.Hostname()
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(config.AppVersion),
		attribute.String("host.name", hostname),
	)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceStdout {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	p.TracerProvider = sdktrace.NewTracerProvider(tpOpts...)
	p.Tracer = p.TracerProvider.Tracer(InstrumentationName)
	otel.SetTracerProvider(p.TracerProvider)

	p.Registry = promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(p.Registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	p.MeterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	p.Meter = p.MeterProvider.Meter(InstrumentationName)
	otel.SetMeterProvider(p.MeterProvider)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if p.Metrics, err = NewMetrics(p.Meter); err != nil {
		return nil, err
	}

	logger.Info("telemetry initialized",
		slog.String("service", cfg.ServiceName),
		slog.Bool("trace_stdout", cfg.TraceStdout))
	return p, nil
}

// MetricsHandler serves the Prometheus registry, or 404 when disabled.
func (p *OTelProviders) MetricsHandler() http.Handler {
	if p == nil || p.Registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(p.Registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops both providers.
func (p *OTelProviders) Shutdown(ctx context.Context) error {
	var errs []error
	if p.TracerProvider != nil {
		if err := p.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}
	if p.MeterProvider != nil {
		if err := p.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Metrics are the counters and histograms recorded by the client.
type Metrics struct {
	Requests         metric.Int64Counter
	RequestDuration  metric.Float64Histogram
	Validations      metric.Int64Counter
	Activations      metric.Int64Counter
	Checkouts        metric.Int64Counter
	HeartbeatPings   metric.Int64Counter
	HeartbeatFailure metric.Int64Counter
	CacheHits        metric.Int64Counter
	CacheMisses      metric.Int64Counter
	OfflineFallbacks metric.Int64Counter
	AgentRequests    metric.Int64Counter
	AgentDuration    metric.Float64Histogram
}

// NewMetrics creates every instrument on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.Requests, "keygen_requests_total", "Requests sent to the licensing service"},
		{&m.Validations, "keygen_validations_total", "License validations by result code"},
		{&m.Activations, "keygen_activations_total", "Machine activations"},
		{&m.Checkouts, "keygen_checkouts_total", "Certificate checkouts"},
		{&m.HeartbeatPings, "keygen_heartbeat_pings_total", "Heartbeat pings sent"},
		{&m.HeartbeatFailure, "keygen_heartbeat_failures_total", "Heartbeat pings that failed"},
		{&m.CacheHits, "keygen_validation_cache_hits_total", "Validation cache hits"},
		{&m.CacheMisses, "keygen_validation_cache_misses_total", "Validation cache misses"},
		{&m.OfflineFallbacks, "keygen_offline_fallbacks_total", "Validations answered from a stored certificate"},
		{&m.AgentRequests, "keygen_agent_requests_total", "Requests served by the local agent"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, fmt.Errorf("create %s: %w", c.name, err)
		}
	}

	m.RequestDuration, err = meter.Float64Histogram(
		"keygen_request_duration_seconds",
		metric.WithDescription("Licensing service request duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	m.AgentDuration, err = meter.Float64Histogram(
		"keygen_agent_request_duration_seconds",
		metric.WithDescription("Local agent request duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(InstrumentationName))
	return m
}

// RecordError records an error on the current span
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
