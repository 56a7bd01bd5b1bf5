package flow

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/latticeflow/abiflow/flow/emit"
)

// Handler reacts to a published signal. signal is the status that was
// published and sender is the node that published it. A non-nil error
// is logged by the bus; it never aborts sibling handlers.
type Handler func(signal Status, sender Node) error

// subscription key. The bus is keyed by (signal, sender) exactly as
// spec §4.5 requires: a handler only fires for the specific status and
// node it subscribed to. Node is implemented by *Task and *Workflow, so
// two interface values wrapping the same pointer compare equal and can
// be used as a map key directly.
type subKey struct {
	signal Status
	sender Node
}

type subscriber struct {
	id      int
	handler Handler
}

// Bus is a publish/subscribe registry for node status signals. It is
// stored on the Flow (one Bus per Flow) rather than as a package-level
// global, which lets multiple independent flows coexist in one process
// per design note §9 while keeping every subscription a regular Go
// closure — there is no Python-style weakref distinction in this
// implementation; every registration behaves like weak=false in the
// spec, since Go's GC offers no portable weak-reference hook and the
// spec itself only requires strong retention to work correctly.
type Bus struct {
	mu       sync.Mutex
	subs     map[subKey][]subscriber
	nextID   int
	nextSeq  int
	onErr    func(err error)
	metrics  *Metrics
	runID    string
	emitters []emit.Emitter
}

// NewBus creates an empty signal bus. onErr, if non-nil, receives
// errors returned by handlers; if nil, handler errors are silently
// swallowed (still non-fatal to sibling handlers either way).
func NewBus(onErr func(err error)) *Bus {
	return &Bus{
		subs:  make(map[subKey][]subscriber),
		onErr: onErr,
	}
}

// SetRunID tags every emitted event with runID (flow.Flow.RunID).
func (b *Bus) SetRunID(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runID = runID
}

// AddEmitter registers e to receive an Event for every published
// signal, in addition to any existing emitters.
func (b *Bus) AddEmitter(e emit.Emitter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitters = append(b.emitters, e)
}

// Subscribe registers handler to fire whenever Publish(signal, sender)
// is called. weak is accepted for interface fidelity with the spec but
// has no effect: see the Bus doc comment.
func (b *Bus) Subscribe(handler Handler, signal Status, sender Node, weak bool) {
	_ = weak
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	key := subKey{signal: signal, sender: sender}
	b.subs[key] = append(b.subs[key], subscriber{id: b.nextID, handler: handler})
}

// Unsubscribe removes every handler registered for (signal, sender).
// Not part of the original spec's minimal contract, but needed so a
// reloaded flow can rebuild subscriptions without leaking the stale
// ones a naive reconnect would otherwise accumulate.
func (b *Bus) Unsubscribe(signal Status, sender Node) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, subKey{signal: signal, sender: sender})
}

// SetMetrics installs the collector Publish reports each signal to.
func (b *Bus) SetMetrics(m *Metrics) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics = m
}

// Publish synchronously invokes every handler subscribed to
// (signal, sender). Handler errors are reported via onErr and do not
// prevent sibling handlers from running.
func (b *Bus) Publish(signal Status, sender Node) {
	b.mu.Lock()
	m := b.metrics
	runID := b.runID
	b.nextSeq++
	seq := b.nextSeq
	emitters := append([]emit.Emitter(nil), b.emitters...)
	b.mu.Unlock()
	m.RecordTransition(signal)

	if len(emitters) > 0 {
		nodeID := ""
		if sender != nil {
			nodeID = strconv.Itoa(sender.NodeID())
		}
		ev := emit.Event{RunID: runID, Seq: seq, NodeID: nodeID, Msg: signal.String(), Meta: metaFor(sender)}
		for _, e := range emitters {
			e.Emit(ev)
		}
	}

	key := subKey{signal: signal, sender: sender}
	b.mu.Lock()
	subs := make([]subscriber, len(b.subs[key]))
	copy(subs, b.subs[key])
	b.mu.Unlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil && b.onErr != nil {
					b.onErr(fmt.Errorf("signal handler panicked: %v", r))
				}
			}()
			if err := s.handler(signal, sender); err != nil && b.onErr != nil {
				b.onErr(err)
			}
		}()
	}
}

// LiveReceivers reports how many handlers are currently subscribed to
// (signal, sender). Useful for tests asserting connect_signals rewired
// subscriptions after a snapshot load.
func (b *Bus) LiveReceivers(signal Status, sender Node) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[subKey{signal: signal, sender: sender}])
}

// metaFor extracts the event metadata an emitter can report for sender
// without the bus needing a dependency back on *Task's internals beyond
// ReturnCode. Only *Task carries a return code; a *Workflow publishes
// without one.
func metaFor(sender Node) map[string]interface{} {
	t, ok := sender.(*Task)
	if !ok {
		return nil
	}
	return map[string]interface{}{"returncode": t.ReturnCode()}
}
