package flow

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/latticeflow/abiflow/flow/emit"
)

// Flow is the top-level container: an ordered sequence of Workflows
// under workdir/work_i/, the shared manager template each registered
// workflow deep-copies, the flow-wide signal bus, and the callback
// registry that synthesizes workflows just-in-time (spec §4.4).
type Flow struct {
	*nodeBase

	mu sync.Mutex

	Workdir string
	RunID   string
	manager TaskManager
	bus     *Bus
	warn    func(msg string)
	metrics *Metrics

	works     []*Workflow
	callbacks []*Callback
	nodes     map[int]Node // every Task/Workflow ever registered, by id
}

// NewFlow constructs an empty flow rooted at workdir. A private bus is
// created up front; every workflow subsequently registered shares it,
// which is what lets Flow.onDepOK see every task's and workflow's S_OK
// signal regardless of which workflow produced it. RunID is a fresh
// UUID used to correlate this run's logs, traces and store rows; it is
// not used for node identity.
func NewFlow(workdir string) *Flow {
	f := &Flow{
		nodeBase: newNodeBase(),
		Workdir:  workdir,
		RunID:    uuid.NewString(),
		bus:      NewBus(nil),
		warn:     func(string) {},
		nodes:    make(map[int]Node),
	}
	f.bus.SetRunID(f.RunID)
	return f
}

// OutDir implements Node. A flow has no outdata of its own; callers
// referencing a flow as a Dependency upstream should reference one of
// its workflows instead.
func (f *Flow) OutDir() string { return f.Workdir }

// SetManager installs the TaskManager template deep-copied onto every
// workflow registered from this point on.
func (f *Flow) SetManager(m TaskManager) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manager = m
}

// SetWarnFunc installs the sink for advisory deadlock warnings,
// forwarded to every workflow registered from this point on.
func (f *Flow) SetWarnFunc(warn func(msg string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if warn == nil {
		warn = func(string) {}
	}
	f.warn = warn
}

// Bus returns the flow-wide signal bus.
func (f *Flow) Bus() *Bus { return f.bus }

// AddEmitter attaches e to the flow's signal bus so every published
// signal produces an Event (flow/emit), alongside whatever Subscribe
// handlers are registered. Tasks and workflows publish only on
// reaching S_OK.
func (f *Flow) AddEmitter(e emit.Emitter) {
	f.bus.AddEmitter(e)
}

// SetMetrics installs the Prometheus collector CheckStatus and
// callback firing report to. Passing nil disables instrumentation.
func (f *Flow) SetMetrics(m *Metrics) {
	f.mu.Lock()
	f.metrics = m
	f.mu.Unlock()
	f.bus.SetMetrics(m)
}

// Works returns the registered workflows in index order. Defensive
// copy.
func (f *Flow) Works() []*Workflow {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Workflow, len(f.works))
	copy(out, f.works)
	return out
}

func (f *Flow) register(w *Workflow, manager TaskManager, deps []Dependency) (*Workflow, error) {
	f.mu.Lock()
	idx := len(f.works)
	dir := f.Workdir
	if manager == nil {
		manager = f.manager
	}
	f.mu.Unlock()

	if manager != nil {
		w.SetManager(manager.DeepCopy())
	}
	w.mu.Lock()
	w.bus = f.bus
	for _, t := range w.tasks {
		t.mu.Lock()
		t.bus = f.bus
		t.mu.Unlock()
	}
	w.mu.Unlock()
	w.SetWarnFunc(f.warn)
	if dir != "" {
		if err := w.SetWorkdir(filepath.Join(dir, "work_"+strconv.Itoa(idx))); err != nil {
			return nil, err
		}
	}
	for _, d := range deps {
		w.AddDependency(d)
	}

	f.mu.Lock()
	f.works = append(f.works, w)
	f.nodes[w.NodeID()] = w
	f.mu.Unlock()
	return w, nil
}

// RegisterWork appends work at slot work_i, deep-copies manager (or the
// flow's shared manager template if manager is nil) onto it, and
// attaches the given inter-workflow dependency edges.
func (f *Flow) RegisterWork(work *Workflow, deps []Dependency, manager TaskManager) (*Workflow, error) {
	return f.register(work, manager, deps)
}

// RegisterCallback creates an empty workflow at the next slot, attaches
// deps to it (at least one is required, matching Callback.depsAllOK),
// and registers a Callback that will populate the workflow once every
// dependency reaches S_OK (spec §4.4).
func (f *Flow) RegisterCallback(fn CallbackFunc, userData any, deps []Dependency, manager TaskManager) (*Workflow, error) {
	if len(deps) == 0 {
		return nil, NewConfigError("register_callback requires at least one dependency")
	}
	work := NewWorkflow(f.bus)
	if _, err := f.register(work, manager, deps); err != nil {
		return nil, err
	}

	cb := &Callback{Func: fn, Work: work, Deps: append([]Dependency(nil), deps...), UserData: userData}
	f.mu.Lock()
	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()
	return work, nil
}

// Allocate delegates to every registered workflow.
func (f *Flow) Allocate() error {
	for _, w := range f.Works() {
		if err := w.Allocate(); err != nil {
			return err
		}
	}
	return nil
}

// Build delegates to every registered workflow, then connects the
// flow-level signal subscriptions (spec §4.4 connect_signals).
func (f *Flow) Build() error {
	for _, w := range f.Works() {
		if err := w.Build(); err != nil {
			return err
		}
	}
	return f.ConnectSignals()
}

// ConnectSignals subscribes Flow.onDepOK to the S_OK signal of every
// upstream node referenced by any pending callback. Workflow.Build has
// already re-subscribed each workflow's own onOK to its child tasks;
// this only adds the flow-level layer.
func (f *Flow) ConnectSignals() error {
	for _, cb := range f.pendingCallbacks() {
		for _, d := range cb.Deps {
			if d.Upstream == nil {
				return NewDependencyError(0, "", "callback dependency has unresolved upstream node")
			}
			f.bus.Subscribe(func(signal Status, sender Node) error {
				return f.onDepOK(signal, sender)
			}, SOk, d.Upstream, false)
		}
	}
	return nil
}

func (f *Flow) pendingCallbacks() []*Callback {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Callback, 0, len(f.callbacks))
	for _, cb := range f.callbacks {
		if !cb.Disabled {
			out = append(out, cb)
		}
	}
	return out
}

// onDepOK is the flow-level signal handler (spec §4.4). It walks the
// callback registry in registration order and invokes every callback
// that is gated on sender, not disabled, and whose dependencies have
// all reached S_OK.
func (f *Flow) onDepOK(_ Status, sender Node) error {
	f.mu.Lock()
	callbacks := append([]*Callback(nil), f.callbacks...)
	f.mu.Unlock()

	for _, cb := range callbacks {
		if cb.Disabled || cb.Func == nil || !cb.gatesOn(sender) || !cb.depsAllOK() {
			continue
		}
		if err := f.fireCallback(cb); err != nil {
			return err
		}
	}
	return nil
}

func (f *Flow) fireCallback(cb *Callback) error {
	f.mu.Lock()
	m := f.metrics
	f.mu.Unlock()

	newWork, err := cb.Func(f, cb.Work, cb.UserData)
	if err != nil {
		m.RecordCallback("error")
		return err
	}
	m.RecordCallback("ok")
	if newWork != nil && newWork != cb.Work {
		for _, d := range cb.Deps {
			newWork.AddDependency(d)
		}
		f.mu.Lock()
		for i, w := range f.works {
			if w == cb.Work {
				f.works[i] = newWork
				f.nodes[newWork.NodeID()] = newWork
				break
			}
		}
		f.mu.Unlock()
		cb.Work = newWork
	}
	cb.Disabled = true
	return nil
}

// CheckStatus delegates to every registered workflow, then reports
// the flow's current CPU accounting to its metrics collector (if
// any).
func (f *Flow) CheckStatus() error {
	for _, w := range f.Works() {
		if err := w.CheckStatus(); err != nil {
			return err
		}
	}
	f.mu.Lock()
	m := f.metrics
	f.mu.Unlock()
	m.SetCPUGauges(f.NCPUsReserved(), f.NCPUsAllocated(), f.NCPUsInUse())
	return nil
}

// Run drives every workflow to completion in registration order: build
// (if not already built), Setup, then repeatedly fetch and run ready
// tasks while polling for completions, until the workflow reports
// AllDone or a task reaches a terminal failure status. Workflows
// synthesized later by a firing callback are picked up because Works()
// re-reads the live slice on each outer iteration.
func (f *Flow) Run(ctx context.Context) error {
	if err := f.Allocate(); err != nil {
		return err
	}
	if err := f.Build(); err != nil {
		return err
	}

	i := 0
	for {
		works := f.Works()
		if i >= len(works) {
			return nil
		}
		w := works[i]
		if !w.depsAllOK() {
			return NewDependencyError(w.NodeID(), "", "workflow not ready: an upstream dependency has not reached S_OK")
		}
		if w.Setup != nil {
			if err := w.Setup(w); err != nil {
				return err
			}
			w.Setup = nil
		}
		if err := w.submitTasks(ctx); err != nil {
			return err
		}
		if err := f.CheckStatus(); err != nil {
			return err
		}
		i++
	}
}

// NCPUsReserved sums NCPUsReserved across every registered workflow.
func (f *Flow) NCPUsReserved() int { return f.sumNCPUs((*Workflow).NCPUsReserved) }

// NCPUsAllocated sums NCPUsAllocated across every registered workflow.
func (f *Flow) NCPUsAllocated() int { return f.sumNCPUs((*Workflow).NCPUsAllocated) }

// NCPUsInUse sums NCPUsInUse across every registered workflow.
func (f *Flow) NCPUsInUse() int { return f.sumNCPUs((*Workflow).NCPUsInUse) }

func (f *Flow) sumNCPUs(count func(*Workflow) int) int {
	total := 0
	for _, w := range f.Works() {
		total += count(w)
	}
	return total
}

// node looks up a previously registered Task or Workflow by id, for use
// by the persistence layer when re-resolving a Dependency's UpstreamID
// after loading a snapshot.
func (f *Flow) node(id int) (Node, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	return n, ok
}

// registerNode records n in the flow's id registry. Called by Load for
// every restored Task and Workflow; register records live workflows in
// the same map directly.
func (f *Flow) registerNode(n Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[n.NodeID()] = n
}
