package emit

// Event represents an observability event emitted during workflow execution.
//
// Events carry:
//   - Status signals published by tasks and workflows (the engine
//     publishes S_OK)
//   - Which node emitted the transition
//   - Task-level metadata such as exit code
//
// Events are emitted to an Emitter which can log them, forward them to
// OpenTelemetry, store them for later querying, or discard them.
type Event struct {
	// RunID identifies the Flow run that emitted this event.
	RunID string

	// Seq is a monotonically increasing counter assigned by Bus.Publish,
	// one per signal published on that bus. It orders events from
	// a single run the way a step counter would in a strictly staged
	// pipeline, but here it reflects the bus's actual publish order
	// across however many tasks are running concurrently.
	Seq int

	// NodeID identifies which node emitted this event. Empty string for
	// run-level events with no single sender.
	NodeID string

	// Msg is the signal name (e.g. "S_OK", "S_ERROR") as produced by
	// Status.String().
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "returncode": task exit code, set when sender is a *Task
	Meta map[string]interface{}
}
