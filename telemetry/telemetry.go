// Package telemetry wires the node's span/metric emission into OpenTelemetry.
// The engine and the HTTP surface take a Provider; the engine starts a span
// around planning and the HTTP handlers around submit and simulate, and both
// record metrics through it. Provider is safe to leave as the no-op implementation in tests and in
// any deployment that sets OTEL_EXPORTER=none.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/orpheon-systems/node/config"
	"github.com/orpheon-systems/node/logging"
)

// Span is the unit of work a Provider hands back from StartSpan.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// Provider starts spans and records metrics for the rest of the node.
type Provider interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
	Shutdown(ctx context.Context) error
}

// NewProvider builds a Provider for the given exporter selection. "none"
// returns a Provider whose spans and metrics are discarded; "stdout" prints
// spans to stdout (useful for local development); "otlp" exports over OTLP/
// gRPC to endpoint.
func NewProvider(serviceName string, exporter config.OTelExporter, endpoint string) (Provider, error) {
	if exporter == config.OTelExporterNone {
		return NewNoOpProvider(), nil
	}

	logger := logging.NewProductionLogger().WithComponent("node/telemetry")

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("building telemetry resource: %w", err)
	}

	traceExporter, err := newTraceExporter(exporter, endpoint)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.Info("telemetry provider initialized", map[string]interface{}{
		"service_name": serviceName,
		"exporter":     string(exporter),
		"endpoint":     endpoint,
	})

	return &OTelProvider{
		tracer:         tp.Tracer("orpheon-node"),
		traceProvider:  tp,
		metricProvider: mp,
		metrics:        NewMetricInstruments("orpheon-node"),
		logger:         logger,
	}, nil
}

func newTraceExporter(exporter config.OTelExporter, endpoint string) (sdktrace.SpanExporter, error) {
	switch exporter {
	case config.OTelExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case config.OTelExporterOTLP:
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		return otlptracegrpc.New(context.Background(),
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unknown OTel exporter %q", exporter)
	}
}

// OTelProvider implements Provider on top of the OpenTelemetry SDK.
type OTelProvider struct {
	tracer         trace.Tracer
	traceProvider  *sdktrace.TracerProvider
	metricProvider *sdkmetric.MeterProvider
	metrics        *MetricInstruments
	logger         logging.Logger

	shutdownOnce sync.Once
	mu           sync.RWMutex
	shutdown     bool
}

func (p *OTelProvider) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	p.mu.RLock()
	shutdown := p.shutdown
	p.mu.RUnlock()
	if shutdown || p.tracer == nil {
		return ctx, noOpSpan{}
	}

	ctx, span := p.tracer.Start(ctx, name)
	return ctx, otelSpan{span: span}
}

// RecordMetric routes a metric to a counter or a histogram based on its name:
// "*duration_ms"/"*latency_ms"/"*_time" -> histogram,
// "*_total"/"*_count"/"*_errors" -> counter, anything else -> histogram.
func (p *OTelProvider) RecordMetric(name string, value float64, labels map[string]string) {
	p.mu.RLock()
	shutdown := p.shutdown
	p.mu.RUnlock()
	if shutdown || p.metrics == nil {
		return
	}

	ctx := context.Background()
	var attrs []attribute.KeyValue
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}

	switch {
	case hasSuffix(name, "duration_ms", "latency_ms", "_time"):
		_ = p.metrics.RecordHistogram(ctx, name, value, metric.WithAttributes(attrs...))
	case hasSuffix(name, "_total", "_count", "_errors"):
		_ = p.metrics.RecordCounter(ctx, name, int64(value), metric.WithAttributes(attrs...))
	default:
		_ = p.metrics.RecordHistogram(ctx, name, value, metric.WithAttributes(attrs...))
	}
}

func hasSuffix(name string, suffixes ...string) bool {
	for _, s := range suffixes {
		if len(name) >= len(s) && name[len(name)-len(s):] == s {
			return true
		}
	}
	return false
}

func (p *OTelProvider) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.shutdown = true
		p.mu.Unlock()

		var errs []error
		if shutdownErr := p.metricProvider.Shutdown(ctx); shutdownErr != nil {
			errs = append(errs, shutdownErr)
		}
		if shutdownErr := p.traceProvider.Shutdown(ctx); shutdownErr != nil {
			errs = append(errs, shutdownErr)
		}
		if len(errs) > 0 {
			err = fmt.Errorf("telemetry shutdown errors: %v", errs)
			return
		}
		p.logger.Info("telemetry provider shut down", nil)
	})
	return err
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) End() { s.span.End() }

func (s otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s otelSpan) RecordError(err error) { s.span.RecordError(err) }

type noOpSpan struct{}

func (noOpSpan) End()                                       {}
func (noOpSpan) SetAttribute(key string, value interface{}) {}
func (noOpSpan) RecordError(err error)                      {}

// NewNoOpProvider returns a Provider that discards every span and metric.
// Components default to this so they never need a nil Provider check.
func NewNoOpProvider() Provider { return noOpProvider{} }

type noOpProvider struct{}

func (noOpProvider) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, noOpSpan{}
}
func (noOpProvider) RecordMetric(name string, value float64, labels map[string]string) {}
func (noOpProvider) Shutdown(ctx context.Context) error                                { return nil }
