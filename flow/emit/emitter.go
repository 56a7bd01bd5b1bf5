// Package emit provides event emission and observability for workflow
// execution: every status transition a flow.Bus publishes can fan out
// to one or more Emitters (log, OpenTelemetry, in-memory history, or
// none at all).
package emit

import "context"

// Emitter receives Events from a flow.Bus as tasks and workflows move
// through their status transitions.
//
// Implementations should be non-blocking and safe for concurrent use —
// Publish calls Emit synchronously from whatever goroutine raised the
// signal, so a slow or panicking Emitter would otherwise stall or break
// task execution.
type Emitter interface {
	// Emit sends a single event. It should not block or panic;
	// implementations that need to talk to a slow backend should buffer
	// and flush instead.
	Emit(event Event)

	// EmitBatch sends multiple events in one call, preserving order.
	// Returns error only on failures that affect the whole batch
	// (e.g. a closed writer); individual bad events should be logged
	// and skipped rather than aborting the batch.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until any buffered events have been delivered, or
	// ctx is done. Call it before process exit and at run completion.
	// Safe to call more than once.
	Flush(ctx context.Context) error
}
