// Package telemetry wires OpenTelemetry metrics and tracing with a
// Prometheus scrape endpoint.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/integration-fleet-dispatcher/ifd/internal/config"
)

// Telemetry owns the meter and tracer providers and the Prometheus
// scrape server.
type Telemetry struct {
	cfg            config.TelemetryConfig
	logger         *zap.Logger
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	server         *http.Server

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
}

// New builds a telemetry instance. When disabled every recording call is
// a no-op.
func New(cfg config.TelemetryConfig, logger *zap.Logger) (*Telemetry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Telemetry{
		cfg:        cfg,
		logger:     logger,
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
	if !cfg.Enabled {
		return t, nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Spans stay in-process; they exist for trace-id correlation in logs
	// and in operation responses.
	t.tracerProvider = sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(t.tracerProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.tracer = otel.Tracer(cfg.ServiceName)

	exporter, err := otelprom.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}
	t.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(t.meterProvider)
	t.meter = otel.Meter(cfg.ServiceName)

	return t, nil
}

// Start launches the Prometheus scrape endpoint.
func (t *Telemetry) Start(ctx context.Context) error {
	if !t.cfg.Enabled || t.cfg.PrometheusPort <= 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	t.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler: mux,
	}
	go func() {
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("prometheus scrape server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts down the scrape server and both providers.
func (t *Telemetry) Stop(ctx context.Context) error {
	if !t.cfg.Enabled {
		return nil
	}
	if t.server != nil {
		if err := t.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown prometheus server: %w", err)
		}
	}
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown tracer provider: %w", err)
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown meter provider: %w", err)
		}
	}
	return nil
}

// StartSpan starts a span, or passes the context through when disabled.
func (t *Telemetry) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if !t.cfg.Enabled || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, opts...)
}

// IncrementCounter adds one to a named counter, creating it on first use.
func (t *Telemetry) IncrementCounter(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if !t.cfg.Enabled {
		return
	}
	t.mu.Lock()
	counter, ok := t.counters[name]
	if !ok {
		var err error
		counter, err = t.meter.Int64Counter(name)
		if err != nil {
			t.mu.Unlock()
			return
		}
		t.counters[name] = counter
	}
	t.mu.Unlock()
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordHistogram records one observation into a named histogram.
func (t *Telemetry) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	if !t.cfg.Enabled {
		return
	}
	t.mu.Lock()
	histogram, ok := t.histograms[name]
	if !ok {
		var err error
		histogram, err = t.meter.Float64Histogram(name)
		if err != nil {
			t.mu.Unlock()
			return
		}
		t.histograms[name] = histogram
	}
	t.mu.Unlock()
	histogram.Record(ctx, value, metric.WithAttributes(attrs...))
}

// RecordDuration records elapsed time since start in seconds.
func (t *Telemetry) RecordDuration(ctx context.Context, name string, start time.Time, attrs ...attribute.KeyValue) {
	t.RecordHistogram(ctx, name+"_duration_seconds", time.Since(start).Seconds(), attrs...)
}

var global *Telemetry

// SetGlobal installs the process-wide telemetry instance.
func SetGlobal(t *Telemetry) { global = t }

// StartSpan starts a span on the global instance.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if global != nil {
		return global.StartSpan(ctx, name, opts...)
	}
	return ctx, trace.SpanFromContext(ctx)
}

// IncrementCounter increments on the global instance.
func IncrementCounter(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if global != nil {
		global.IncrementCounter(ctx, name, attrs...)
	}
}

// RecordDuration records on the global instance.
func RecordDuration(ctx context.Context, name string, start time.Time, attrs ...attribute.KeyValue) {
	if global != nil {
		global.RecordDuration(ctx, name, start, attrs...)
	}
}
