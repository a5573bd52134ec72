package observe

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelObserver implements Observer by creating OpenTelemetry spans, one per
// event. Events represent points in time (a node starting, an item being
// dropped) rather than durations, so each span is started and ended
// immediately; the "duration_ms" meta key, when present, is recorded as a
// span attribute rather than stretching the span itself.
type OTelObserver struct {
	tracer trace.Tracer
}

// NewOTelObserver builds an OTelObserver from an OpenTelemetry tracer, e.g.
// otel.Tracer("nodestream").
func NewOTelObserver(tracer trace.Tracer) *OTelObserver {
	return &OTelObserver{tracer: tracer}
}

// Emit implements Observer.
func (o *OTelObserver) Emit(event Event) {
	ctx := context.Background()
	_, span := o.tracer.Start(ctx, event.Msg)
	defer span.End()
	o.annotate(span, event)
}

// EmitBatch implements Observer.
func (o *OTelObserver) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		_, span := o.tracer.Start(ctx, event.Msg)
		o.annotate(span, event)
		span.End()
	}
	return nil
}

func (o *OTelObserver) annotate(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("nodestream.run_id", event.RunID),
		attribute.String("nodestream.node_id", event.NodeID),
		attribute.Int("nodestream.attempt", event.Attempt),
		attribute.String("nodestream.correlation_id", event.CorrelationID),
	)
	for key, value := range event.Meta {
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(key, v))
		case int:
			span.SetAttributes(attribute.Int(key, v))
		case int64:
			span.SetAttributes(attribute.Int64(key, v))
		case float64:
			span.SetAttributes(attribute.Float64(key, v))
		case bool:
			span.SetAttributes(attribute.Bool(key, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(key, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
		}
	}
	if errMsg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}

// Flush forces export of pending spans via the global tracer provider's
// ForceFlush, when the configured provider supports it (noop providers do
// not and Flush becomes a no-op in that case).
func (o *OTelObserver) Flush(ctx context.Context) error {
	tp := otel.GetTracerProvider()

	type flusher interface {
		ForceFlush(context.Context) error
	}

	if f, ok := tp.(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}
