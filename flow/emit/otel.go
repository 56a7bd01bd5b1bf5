package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by turning each Event into an
// instantaneous OpenTelemetry span: name is event.Msg (the signal,
// e.g. "S_OK"), attributes carry runID/seq/nodeID plus event.Meta
// (task return codes and anything else a future caller sets), and the
// span's status is set to error when Meta["error"] is present.
//
// Usage:
//
//	tracer := otel.Tracer("abiflow")
//	emitter := emit.NewOTelEmitter(tracer)
//	flow.Bus().AddEmitter(emitter)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter wraps tracer (e.g. otel.Tracer("abiflow")) as an Emitter.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit starts and immediately ends a span for event.
func (o *OTelEmitter) Emit(event Event) {
	ctx := context.Background()
	_, span := o.tracer.Start(ctx, event.Msg)
	defer span.End()

	o.addStandardAttributes(span, event)
	o.addMetadataAttributes(span, event.Meta)

	if err, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, err)
		span.RecordError(fmt.Errorf("%s", err))
	}
}

// EmitBatch emits every event as its own span, in order. The
// OpenTelemetry SDK's batch span processor is what actually amortizes
// export cost; this just avoids a second interface hop per event.
func (o *OTelEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, event := range events {
		o.Emit(event)
	}
	return nil
}

// Flush force-flushes the active TracerProvider if it supports
// ForceFlush (the SDK provider does; the no-op provider silently
// doesn't and Flush is then itself a no-op).
func (o *OTelEmitter) Flush(ctx context.Context) error {
	tp := otel.GetTracerProvider()

	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := tp.(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) addStandardAttributes(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("abiflow.run_id", event.RunID),
		attribute.Int("abiflow.seq", event.Seq),
		attribute.String("abiflow.node_id", event.NodeID),
	)
}

// addMetadataAttributes maps event.Meta onto span attributes, using
// abiflow-namespaced keys for the fields the engine itself sets
// (task.returncode) and the value's own key otherwise.
func (o *OTelEmitter) addMetadataAttributes(span trace.Span, meta map[string]interface{}) {
	if meta == nil {
		return
	}

	for key, value := range meta {
		attrKey := key
		if key == "returncode" {
			attrKey = "abiflow.task.returncode"
		}

		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}
