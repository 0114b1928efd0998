package telemetry

import (
	"context"
	"testing"
)

func TestCorrelationID(t *testing.T) {
	ctx := context.Background()

	if id := CorrelationIDFromContext(ctx); id != "" {
		t.Errorf("Empty context should have no correlation ID, got %q", id)
	}

	ctx = WithCorrelationID(ctx, "op-12345678")
	if id := CorrelationIDFromContext(ctx); id != "op-12345678" {
		t.Errorf("Expected op-12345678, got %q", id)
	}
}

func TestCorrelationIDNilContext(t *testing.T) {
	// Must not panic
	if id := CorrelationIDFromContext(nil); id != "" {
		t.Errorf("nil context should yield empty ID, got %q", id)
	}
}

func TestGetTraceContext_NoSpan(t *testing.T) {
	tc := GetTraceContext(context.Background())
	if tc.TraceID != "" || tc.SpanID != "" {
		t.Errorf("Context without span should yield zero TraceContext, got %+v", tc)
	}

	tc = GetTraceContext(nil)
	if tc.TraceID != "" {
		t.Errorf("nil context should yield zero TraceContext, got %+v", tc)
	}
}

func TestContextFields(t *testing.T) {
	if fields := ContextFields(context.Background()); fields != nil {
		t.Errorf("Bare context should yield no fields, got %v", fields)
	}

	ctx := WithCorrelationID(context.Background(), "batch-deadbeef")
	fields := ContextFields(ctx)
	if fields["correlation_id"] != "batch-deadbeef" {
		t.Errorf("Expected correlation_id field, got %v", fields)
	}

	// No active span: trace fields stay absent
	if _, ok := fields["trace_id"]; ok {
		t.Errorf("trace_id should be absent without a span, got %v", fields)
	}
}
