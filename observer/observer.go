// Package observer provides OTEL-based observability for the workflow
// engine: a driftkit.Tracer implementation for step spans, and
// engine metrics (instances, steps, retries, async tasks).
//
// Export to any OTEL-compatible backend by installing your own exporters via
// Init options or by configuring the global providers before calling
// NewTracer.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const scopeName = "github.com/driftkit-ai/driftkit-go/observer"

// InitOption customizes provider setup.
type InitOption func(*initConfig)

type initConfig struct {
	serviceName string
	exporters   []sdktrace.SpanExporter
	readers     []sdkmetric.Reader
}

// WithServiceName overrides the resource service name (default "driftkit").
func WithServiceName(name string) InitOption {
	return func(c *initConfig) { c.serviceName = name }
}

// WithSpanExporter adds a span exporter (OTLP, stdout, ...) to the trace
// provider.
func WithSpanExporter(exp sdktrace.SpanExporter) InitOption {
	return func(c *initConfig) { c.exporters = append(c.exporters, exp) }
}

// WithMetricReader adds a metric reader to the meter provider.
func WithMetricReader(r sdkmetric.Reader) InitOption {
	return func(c *initConfig) { c.readers = append(c.readers, r) }
}

// Init installs global OTEL trace and metric providers. Without exporters
// the providers are valid but drop data, which keeps instrumented code paths
// identical in tests. Returns a shutdown function that must be called on
// application exit.
func Init(ctx context.Context, opts ...InitOption) (func(context.Context) error, error) {
	cfg := initConfig{serviceName: "driftkit"}
	for _, opt := range opts {
		opt(&cfg)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.serviceName)))
	if err != nil {
		return nil, err
	}

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	for _, exp := range cfg.exporters {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tp)

	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range cfg.readers {
		metricOpts = append(metricOpts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(metricOpts...)
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
	return shutdown, nil
}
