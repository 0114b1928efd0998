package telemetry

import (
	"context"
	"fmt"

	"github.com/draftmill/flywheel"
	"github.com/draftmill/flywheel/core"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// OTelProvider implements core.Telemetry with OpenTelemetry
type OTelProvider struct {
	tracer        trace.Tracer
	meter         metric.Meter
	traceProvider *sdktrace.TracerProvider
	instruments   *MetricInstruments
	guard         *CardinalityGuard
}

// NewOTelProvider creates a new OpenTelemetry provider. When endpoint is
// empty, spans are written to stdout instead of an OTLP collector, which
// keeps local development zero-config.
func NewOTelProvider(serviceName string, endpoint string) (*OTelProvider, error) {
	// Create resource
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(flywheel.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Create exporter: OTLP when an endpoint is configured, stdout otherwise
	var exporter sdktrace.SpanExporter
	if endpoint != "" {
		ctx := context.Background()
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	}

	// Create trace provider
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	// Set global providers
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &OTelProvider{
		tracer:        tp.Tracer("flywheel-telemetry"),
		meter:         otel.Meter("flywheel-telemetry"),
		traceProvider: tp,
		instruments:   NewMetricInstruments("flywheel-telemetry"),
		guard:         NewCardinalityGuard(defaultLabelLimit),
	}, nil
}

// StartSpan starts a new telemetry span
func (o *OTelProvider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := o.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric records a metric through the cached instrument set. Label
// values pass through the cardinality guard first: keys, model names, and
// shop domains are caller-controlled, and an unbounded label would mint a
// new time series per value.
func (o *OTelProvider) RecordMetric(name string, value float64, labels map[string]string) {
	labels = o.guard.Admit(name, labels)
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}

	// Recording failures are swallowed: telemetry must never break callers
	_ = o.instruments.RecordFloatCounter(context.Background(), name, value,
		metric.WithAttributes(attrs...))
}

// Instruments exposes the cached instrument set for callers that need
// histograms or gauges beyond the counter-shaped RecordMetric.
func (o *OTelProvider) Instruments() *MetricInstruments {
	return o.instruments
}

// Shutdown gracefully shuts down the telemetry provider
func (o *OTelProvider) Shutdown(ctx context.Context) error {
	if err := o.instruments.Shutdown(); err != nil {
		return err
	}
	return o.traceProvider.Shutdown(ctx)
}

// otelSpan wraps an OpenTelemetry span to implement core.Span
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
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

func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
}
