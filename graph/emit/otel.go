package emit

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter exports trace events as OpenTelemetry spans.
//
// Each event becomes one span named "<kind>:<node_id>" whose start and end
// timestamps are the recorded StartedAt/EndedAt, so spans exported after the
// fact (for example by the replay command) keep their original timing.
//
// Attributes use the "draftgraph." prefix:
//   - draftgraph.run_id, draftgraph.session_id, draftgraph.node_id
//   - draftgraph.unit_key, draftgraph.sequence, draftgraph.kind
//   - draftgraph.input_digest, draftgraph.output_digest, draftgraph.effect_digest
//   - draftgraph.origin_trace_id, draftgraph.origin_span_id
//
// Failed events set the span status to codes.Error; interrupted events add a
// "paused" span event.
//
// Example:
//
//	tracer := otel.Tracer("draftgraph")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter backed by tracer. A nil tracer uses the
// global provider.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	if tracer == nil {
		tracer = otel.Tracer("draftgraph")
	}
	return &OTelEmitter{tracer: tracer}
}

// Emit implements Emitter.
func (o *OTelEmitter) Emit(event TraceEvent) {
	o.emit(context.Background(), event)
}

// EmitBatch exports events as sibling spans under ctx.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []TraceEvent) error {
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.emit(ctx, event)
	}
	return nil
}

// Flush forces export of pending spans when the global provider supports it.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) emit(ctx context.Context, event TraceEvent) {
	name := string(event.Kind) + ":" + event.NodeID
	_, span := o.tracer.Start(ctx, name,
		trace.WithTimestamp(event.StartedAt),
		trace.WithAttributes(eventAttributes(event)...),
	)

	switch event.Status {
	case StatusFailed:
		span.SetStatus(codes.Error, event.Error)
		span.RecordError(errors.New(event.Error))
	case StatusInterrupted:
		span.AddEvent("paused")
	default:
		span.SetStatus(codes.Ok, "")
	}

	end := event.EndedAt
	if end.Before(event.StartedAt) {
		end = event.StartedAt
	}
	span.End(trace.WithTimestamp(end))
}

func eventAttributes(event TraceEvent) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("draftgraph.run_id", event.RunID),
		attribute.String("draftgraph.session_id", event.SessionID),
		attribute.String("draftgraph.node_id", event.NodeID),
		attribute.Int64("draftgraph.sequence", int64(event.Sequence)),
		attribute.String("draftgraph.kind", string(event.Kind)),
		attribute.String("draftgraph.status", string(event.Status)),
		attribute.String("draftgraph.input_digest", event.InputDigest),
	}
	if event.UnitKey != "" {
		attrs = append(attrs, attribute.String("draftgraph.unit_key", event.UnitKey))
	}
	if event.OutputDigest != "" {
		attrs = append(attrs, attribute.String("draftgraph.output_digest", event.OutputDigest))
	}
	if event.EffectDigest != "" {
		attrs = append(attrs, attribute.String("draftgraph.effect_digest", event.EffectDigest))
	}
	if event.TraceID != "" {
		attrs = append(attrs,
			attribute.String("draftgraph.origin_trace_id", event.TraceID),
			attribute.String("draftgraph.origin_span_id", event.SpanID),
		)
	}
	return attrs
}
