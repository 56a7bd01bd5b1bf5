package flow

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
)

// Strategy renders a task's input deck into its workdir. The core does
// not interpret the deck's contents; it only requires that rendering
// succeed before a task is launched. See flow/strategy for a concrete
// implementation.
type Strategy interface {
	// Render writes whatever input files the task needs into workdir.
	Render(workdir string) error
}

// TaskManager is the external collaborator that actually runs a task as
// a queued or shell subprocess. The core only needs to launch, poll,
// wait, and ask for a CPU count; everything about how the job actually
// runs is the manager's concern. See flow/manager for a concrete local
// implementation.
type TaskManager interface {
	// DeepCopy returns an independent manager, used when a Workflow's
	// shared manager template is copied onto each registered task
	// (spec §3: Flow's manager is "deep-copied into each registered
	// workflow").
	DeepCopy() TaskManager
	// Launch starts t running and returns once the process has been
	// handed to the queue/shell; it does not block for completion.
	Launch(ctx context.Context, t *Task) error
	// Wait blocks until t's process exits.
	Wait(ctx context.Context, t *Task) error
	// Poll returns the manager's current view of t's process state and
	// exit code (exit code is meaningful only once status is S_DONE or
	// later).
	Poll(t *Task) (Status, int, error)
	// TotNCPUs reports how many CPUs t is configured to request.
	TotNCPUs(t *Task) int
}

// TaskKind names a family of tasks that accept the same strategy type
// and produce the same output-tag contract. Per design note §9, task
// kinds are a thin variant tag, not a class hierarchy: the scheduler
// never branches on Kind, only the manager and the caller who chose it
// do.
type TaskKind string

// Built-in task kinds mirroring the layered ab-initio patterns named in
// the original source (band-structure and GW chains): each kind is
// just documentation of which tags a task of that kind is expected to
// write to its outdir, not a distinct Go type.
const (
	KindGeneric    TaskKind = "generic"
	KindSCF        TaskKind = "scf"
	KindNSCF       TaskKind = "nscf"
	KindScreening  TaskKind = "screening"
	KindSigma      TaskKind = "sigma"
	KindHaydockBSE TaskKind = "haydock_bse"
	KindDOS        TaskKind = "dos"
	KindRelax      TaskKind = "relax"
)

// Task is a leaf unit of work executed as an external process. It owns
// a workdir, a rendered (or raw) input, a Strategy, a TaskManager, an
// output directory, and its position in the status lifecycle.
type Task struct {
	*nodeBase

	mu sync.Mutex

	Kind    TaskKind
	Workdir string
	Outdir  string
	Tmpdir  string
	Input   Strategy
	Manager TaskManager
	NCPUs   int

	deps  []Dependency
	index int // stable position within the owning Workflow
	bus   *Bus

	returncode int
	started    bool
}

// NewTask constructs a task in S_INIT. Callers normally go through
// Workflow.Register rather than calling this directly, which also
// wires the workdir and dependency edges.
func NewTask(kind TaskKind, input Strategy) *Task {
	return &Task{
		nodeBase: newNodeBase(),
		Kind:     kind,
		Input:    input,
		NCPUs:    1,
	}
}

// OutDir implements Node.
func (t *Task) OutDir() string { return t.Outdir }

// setStatus transitions the task and, on a genuine transition into
// S_OK, publishes that signal on the owning workflow's bus so gated
// callbacks and Workflow.onOK can react (spec §4.4).
func (t *Task) setStatus(s Status) {
	if t.SetStatus(s) && s == SOk {
		t.mu.Lock()
		bus := t.bus
		t.mu.Unlock()
		if bus != nil {
			bus.Publish(SOk, t)
		}
	}
}

// Deps returns the task's dependency edges.
func (t *Task) Deps() []Dependency {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Dependency, len(t.deps))
	copy(out, t.deps)
	return out
}

// AddDependency attaches a dependency edge. The upstream node must
// already exist (spec §3 invariant); callers are expected to have
// constructed it first.
func (t *Task) AddDependency(dep Dependency) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deps = append(t.deps, dep)
}

// depsAllOK reports whether every dependency's upstream node is S_OK.
func (t *Task) depsAllOK() bool {
	for _, d := range t.Deps() {
		if !d.Satisfied() {
			return false
		}
	}
	return true
}

// bindWorkdir sets the task's directory layout under its owning
// workflow. Rebinding to a different path is a ConfigError, matching
// the Workflow.workdir invariant in spec §3.
func (t *Task) bindWorkdir(dir string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Workdir != "" && t.Workdir != dir {
		return NewConfigError("task " + strconv.Itoa(t.NodeID()) + ": cannot rebind workdir from " + t.Workdir + " to " + dir)
	}
	t.Workdir = dir
	t.Outdir = filepath.Join(dir, "outdata")
	t.Tmpdir = filepath.Join(dir, "tmpdata")
	return nil
}

// Start renders the strategy and launches the task via its manager,
// transitioning S_READY -> S_SUB.
func (t *Task) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	manager, input, workdir := t.Manager, t.Input, t.Workdir
	t.mu.Unlock()

	if input != nil {
		if err := input.Render(workdir); err != nil {
			t.setStatus(SError)
			t.AppendHistory("render_failed", err.Error())
			return err
		}
	}
	if err := manager.Launch(ctx, t); err != nil {
		t.setStatus(SError)
		t.AppendHistory("launch_failed", err.Error())
		return err
	}
	t.setStatus(SSub)
	t.AppendHistory("submitted", "")
	return nil
}

// Poll asks the manager for the task's current status and reclassifies
// it (spec §4.1: S_SUB -> S_RUN -> S_DONE). It never downgrades a
// terminal status.
func (t *Task) Poll() error {
	t.mu.Lock()
	manager := t.Manager
	t.mu.Unlock()
	if manager == nil {
		return nil
	}
	status, rc, err := manager.Poll(t)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.returncode = rc
	t.mu.Unlock()
	t.setStatus(status)
	return nil
}

// Wait blocks until the task's process exits, then classifies the
// final status based on the manager's return code: zero means S_OK,
// non-zero means S_ERROR. A manager wishing to report S_UNCONVERGED
// should do so from its own Poll implementation before Wait returns.
func (t *Task) Wait(ctx context.Context) error {
	t.mu.Lock()
	manager := t.Manager
	t.mu.Unlock()
	if err := manager.Wait(ctx, t); err != nil {
		t.setStatus(SError)
		t.AppendHistory("wait_failed", err.Error())
		return err
	}
	if err := t.Poll(); err != nil {
		return err
	}
	if t.CurrentStatus().Terminal() {
		return nil
	}
	// Manager reported completion without classifying terminal state;
	// fall back to the recorded return code.
	t.mu.Lock()
	rc := t.returncode
	t.mu.Unlock()
	if rc == 0 {
		t.setStatus(SOk)
		t.AppendHistory("ok", "")
	} else {
		t.setStatus(SError)
		t.AppendHistory("error", "nonzero return code")
	}
	return nil
}

// restoreTask rebuilds a Task from persisted snapshot fields. Input and
// Manager are not part of the snapshot (spec §4.6 exempts unpicklable
// collaborators); callers must re-attach a Strategy and TaskManager
// after Load before the task can be started again.
func restoreTask(base *nodeBase, bus *Bus, kind TaskKind, workdir, outdir, tmpdir string, ncpus, index, returncode int, started bool, deps []Dependency) *Task {
	return &Task{
		nodeBase:   base,
		bus:        bus,
		Kind:       kind,
		Workdir:    workdir,
		Outdir:     outdir,
		Tmpdir:     tmpdir,
		NCPUs:      ncpus,
		index:      index,
		returncode: returncode,
		started:    started,
		deps:       deps,
	}
}

// ReturnCode reports the task's exit code. Meaningful once the task has
// reached S_DONE or a terminal status.
func (t *Task) ReturnCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.returncode
}
