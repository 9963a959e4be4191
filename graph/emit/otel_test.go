package emit

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*OTelEmitter, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewOTelEmitter(tp.Tracer("test")), exporter
}

// TestOTelEmitter_Emit verifies a committed event becomes one span carrying
// the recorded timestamps and identifying attributes.
func TestOTelEmitter_Emit(t *testing.T) {
	emitter, exporter := newTestTracer(t)

	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	emitter.Emit(TraceEvent{
		Sequence:     3,
		RunID:        "run-001",
		SessionID:    "sess-1",
		NodeID:       "draft",
		UnitKey:      "section:intro",
		Kind:         KindNode,
		StartedAt:    started,
		EndedAt:      started.Add(250 * time.Millisecond),
		InputDigest:  "sha256:in",
		OutputDigest: "sha256:out",
		Status:       StatusOK,
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]

	if span.Name != "node:draft" {
		t.Errorf("span name = %q, want %q", span.Name, "node:draft")
	}
	if !span.StartTime.Equal(started) {
		t.Errorf("start = %v, want %v", span.StartTime, started)
	}
	if got := span.EndTime.Sub(span.StartTime); got != 250*time.Millisecond {
		t.Errorf("duration = %v, want 250ms", got)
	}

	attrs := attributeMap(span.Attributes)
	if got := attrs["draftgraph.run_id"]; got != "run-001" {
		t.Errorf("run_id = %v, want %q", got, "run-001")
	}
	if got := attrs["draftgraph.unit_key"]; got != "section:intro" {
		t.Errorf("unit_key = %v, want %q", got, "section:intro")
	}
	if got := attrs["draftgraph.sequence"]; got != int64(3) {
		t.Errorf("sequence = %v, want 3", got)
	}
	if span.Status.Code != codes.Ok {
		t.Errorf("status = %v, want Ok", span.Status.Code)
	}
}

// TestOTelEmitter_Failed verifies failed events set error status.
func TestOTelEmitter_Failed(t *testing.T) {
	emitter, exporter := newTestTracer(t)

	now := time.Now()
	emitter.Emit(TraceEvent{
		RunID:     "run-001",
		NodeID:    "plan",
		Kind:      KindNode,
		StartedAt: now,
		EndedAt:   now,
		Status:    StatusFailed,
		Error:     "model unavailable",
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", spans[0].Status.Code)
	}
	if spans[0].Status.Description != "model unavailable" {
		t.Errorf("description = %q", spans[0].Status.Description)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected recorded error event")
	}
}

// TestOTelEmitter_EmitBatch verifies batches export every event and stop on
// a cancelled context.
func TestOTelEmitter_EmitBatch(t *testing.T) {
	emitter, exporter := newTestTracer(t)

	now := time.Now()
	events := []TraceEvent{
		{Sequence: 1, NodeID: "plan", Kind: KindNode, StartedAt: now, EndedAt: now, Status: StatusOK},
		{Sequence: 2, NodeID: "validate", Kind: KindInterrupt, StartedAt: now, EndedAt: now, Status: StatusInterrupted},
	}
	if err := emitter.EmitBatch(context.Background(), events); err != nil {
		t.Fatalf("EmitBatch: %v", err)
	}
	if got := len(exporter.GetSpans()); got != 2 {
		t.Fatalf("expected 2 spans, got %d", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := emitter.EmitBatch(ctx, events); err == nil {
		t.Error("expected context error from cancelled batch")
	}
}

func attributeMap(attrs []attribute.KeyValue) map[string]interface{} {
	m := make(map[string]interface{})
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}
