package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type contextKey int

const correlationIDKey contextKey = iota

// WithCorrelationID stores a correlation ID in the context. Context-aware
// log calls pick it up automatically, which lets a reader follow a single
// operation across subsystems.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFromContext extracts a correlation ID set via
// WithCorrelationID. Returns "" when none is present.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// TraceContext holds trace and span identifiers for log correlation.
// This struct bridges OpenTelemetry trace context with logging.
type TraceContext struct {
	// TraceID is the 32-character hex trace identifier
	TraceID string

	// SpanID is the 16-character hex span identifier
	SpanID string

	// Sampled indicates whether this trace is being recorded
	Sampled bool
}

// GetTraceContext extracts trace identifiers from the context for inclusion
// in logs. Returns the zero value when no valid span is present.
func GetTraceContext(ctx context.Context) TraceContext {
	if ctx == nil {
		return TraceContext{}
	}

	span := trace.SpanFromContext(ctx)
	sc := span.SpanContext()

	if !sc.IsValid() {
		return TraceContext{}
	}

	return TraceContext{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
		Sampled: sc.IsSampled(),
	}
}

// ContextFields collects every correlation field the context carries:
// correlation_id when set, and trace_id/span_id when a valid span exists.
// Returns nil when the context carries nothing useful.
func ContextFields(ctx context.Context) map[string]interface{} {
	if ctx == nil {
		return nil
	}

	var fields map[string]interface{}

	if id := CorrelationIDFromContext(ctx); id != "" {
		fields = map[string]interface{}{"correlation_id": id}
	}

	if tc := GetTraceContext(ctx); tc.TraceID != "" {
		if fields == nil {
			fields = make(map[string]interface{}, 2)
		}
		fields["trace_id"] = tc.TraceID
		fields["span_id"] = tc.SpanID
	}

	return fields
}
