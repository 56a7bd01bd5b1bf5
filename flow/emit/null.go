package emit

import "context"

// NullEmitter discards every event. Useful where a Flow wants to run
// with no AddEmitter call but callers still expect a non-nil Emitter
// (e.g. tests exercising Bus.Publish without caring about its output).
type NullEmitter struct{}

// NewNullEmitter returns an Emitter that does nothing.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards event.
func (n *NullEmitter) Emit(event Event) {}

// EmitBatch discards events and always returns nil.
func (n *NullEmitter) EmitBatch(_ context.Context, events []Event) error {
	return nil
}

// Flush is a no-op; there is nothing buffered to send.
func (n *NullEmitter) Flush(_ context.Context) error {
	return nil
}
