package flow

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// OnAllOKFunc is the finalization hook a Workflow subclass overrides to
// do domain-specific work once every child task has reached S_OK. It
// must return a result map containing at least "returncode" and
// "message" (spec §4.2 step 3).
type OnAllOKFunc func(w *Workflow) (map[string]any, error)

// SetupFunc runs once, after Build and before the submission loop
// (spec §4.2 Start). The default is a no-op.
type SetupFunc func(w *Workflow) error

// Workflow is an ordered, index-stable sequence of Tasks forming a
// local DAG. It owns workdir/indata, workdir/outdata, workdir/tmpdata,
// and places task i under workdir/task_i.
type Workflow struct {
	*nodeBase

	mu sync.Mutex

	Workdir string
	Indata  string
	Outdata string
	Tmpdata string

	tasks   []*Task
	manager TaskManager
	bus     *Bus
	warn    func(msg string)
	deps    []Dependency // inter-workflow edges attached by Flow.RegisterWork/RegisterCallback
	built   bool         // true once Build has run at least once; gates Register's late-wiring path

	OnAllOK OnAllOKFunc
	Setup   SetupFunc

	// submitTasks is the overridable submission policy. The zero value
	// is wired to defaultSubmitTasks by NewWorkflow; IterativeWorkflow
	// repoints it at its own strategy-producer-driven loop. This plays
	// the role the spec gives to subclass override, without requiring
	// callers to go through an interface for the common case.
	submitTasks func(ctx context.Context) error
}

// NewWorkflow constructs an empty workflow. bus may be nil, in which
// case the workflow gets a private bus good enough for standalone unit
// tests; Flow.RegisterWork always supplies the flow-wide bus so
// cross-workflow dependencies and callbacks can see every task's
// signals.
func NewWorkflow(bus *Bus) *Workflow {
	if bus == nil {
		bus = NewBus(nil)
	}
	w := &Workflow{
		nodeBase: newNodeBase(),
		bus:      bus,
		warn:     func(string) {},
	}
	w.submitTasks = w.defaultSubmitTasks
	return w
}

// OutDir implements Node. A workflow's output directory for the
// purposes of a cross-workflow Dependency is its aggregated outdata/.
func (w *Workflow) OutDir() string { return w.Outdata }

// SetWorkdir binds the workflow's directory. Rebinding to the same
// path is a no-op; rebinding to a different path is a ConfigError
// (spec §3 invariant).
func (w *Workflow) SetWorkdir(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Workdir != "" && w.Workdir != dir {
		return NewConfigError("workflow " + workflowIDStr(w) + ": cannot rebind workdir from " + w.Workdir + " to " + dir)
	}
	w.Workdir = dir
	w.Indata = filepath.Join(dir, "indata")
	w.Outdata = filepath.Join(dir, "outdata")
	w.Tmpdata = filepath.Join(dir, "tmpdata")
	return nil
}

func workflowIDStr(w *Workflow) string {
	return "#" + strconv.Itoa(w.NodeID())
}

// Tasks returns the task sequence in stable registration order. The
// returned slice is a defensive copy; callers must not rely on mutating
// it to affect the workflow.
func (w *Workflow) Tasks() []*Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Task, len(w.tasks))
	copy(out, w.tasks)
	return out
}

// Len returns the number of registered tasks.
func (w *Workflow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tasks)
}

// AddDependency attaches an inter-workflow dependency edge: this
// workflow is the consumer, dep.Upstream is a node (workflow or task)
// belonging to another part of the flow.
func (w *Workflow) AddDependency(dep Dependency) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deps = append(w.deps, dep)
}

// Deps returns the workflow's inter-workflow dependency edges.
func (w *Workflow) Deps() []Dependency {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Dependency, len(w.deps))
	copy(out, w.deps)
	return out
}

// depsAllOK reports whether every inter-workflow dependency's upstream
// node has reached S_OK. A workflow with no such edges is trivially
// ready.
func (w *Workflow) depsAllOK() bool {
	for _, d := range w.Deps() {
		if !d.Satisfied() {
			return false
		}
	}
	return true
}

// Register appends a task at index Len(), sets its workdir to
// workdir/task_i, attaches the given dependency edges, and returns the
// created task. If the workflow has already been built (Build has run
// at least once — the ordinary case for a task minted after the fact
// by an IterativeWorkflow or a firing Callback), Register also performs
// the per-task setup Build/Allocate would otherwise have done for it in
// their one-time sweep: assigning a manager, creating its on-disk
// directories, and subscribing the workflow's finalization handler to
// its S_OK signal. Without this, a task registered after Build can
// never be launched (nil Manager) and can never make its workflow
// finalize (no onOK subscription).
func (w *Workflow) Register(input Strategy, kind TaskKind, deps ...Dependency) (*Task, error) {
	w.mu.Lock()
	idx := len(w.tasks)
	dir := w.Workdir
	w.mu.Unlock()

	t := NewTask(kind, input)
	t.index = idx
	t.bus = w.bus
	for _, d := range deps {
		t.AddDependency(d)
	}
	if dir != "" {
		if err := t.bindWorkdir(filepath.Join(dir, "task_"+strconv.Itoa(idx))); err != nil {
			return nil, err
		}
	}

	w.mu.Lock()
	w.tasks = append(w.tasks, t)
	w.mu.Unlock()

	if err := w.wireLateTask(t); err != nil {
		return nil, err
	}
	return t, nil
}

// wireLateTask performs Build/Allocate's per-task setup for a single
// task, but only once the workflow has already gone through Build at
// least once. Tasks registered before the first Build still go through
// that batch pass exactly as before; this only covers tasks minted
// afterward.
func (w *Workflow) wireLateTask(t *Task) error {
	w.mu.Lock()
	built, manager := w.built, w.manager
	w.mu.Unlock()
	if !built {
		return nil
	}

	if t.Manager == nil && manager != nil {
		t.Manager = manager.DeepCopy()
	}
	for _, d := range []string{t.Workdir, t.Outdir, t.Tmpdir} {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0o755); err != nil {
			return NewPersistenceError("mkdir", d, err)
		}
	}
	w.subscribeTask(t)
	return nil
}

// subscribeTask wires w.onOK to fire whenever t reaches S_OK.
func (w *Workflow) subscribeTask(t *Task) {
	w.bus.Subscribe(func(signal Status, sender Node) error {
		_, err := w.onOK(sender)
		return err
	}, SOk, t, false)
}


// Allocate assigns the workflow's manager and canonical per-task
// workdir to every task that doesn't already have one.
func (w *Workflow) Allocate() error {
	w.mu.Lock()
	dir, manager, tasks := w.Workdir, w.manager, append([]*Task(nil), w.tasks...)
	w.mu.Unlock()

	for i, t := range tasks {
		if t.Manager == nil {
			t.Manager = manager.DeepCopy()
		}
		if t.Workdir == "" {
			if err := t.bindWorkdir(filepath.Join(dir, "task_"+strconv.Itoa(i))); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetManager installs the TaskManager template this workflow's tasks
// will deep-copy from during Allocate.
func (w *Workflow) SetManager(m TaskManager) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.manager = m
}

// SetWarnFunc installs the sink for advisory "possible deadlock"
// messages from FetchTaskToRun. The default is a no-op.
func (w *Workflow) SetWarnFunc(f func(msg string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if f == nil {
		f = func(string) {}
	}
	w.warn = f
}

// Build creates indata/, outdata/, tmpdata/, recursively builds each
// task's own directory tree, and subscribes the workflow's finalization
// handler to every child task's S_OK signal.
//
// Per-task directory creation is independent, I/O-bound work that
// touches no shared graph state, so it runs concurrently via
// golang.org/x/sync/errgroup rather than the strictly sequential loop
// the rest of the driver uses — this does not violate the
// single-driver mutation invariant because no task or workflow status
// is read or written here.
func (w *Workflow) Build() error {
	if err := w.SetWorkdir(w.Workdir); err != nil {
		return err
	}
	for _, d := range []string{w.Indata, w.Outdata, w.Tmpdata} {
		if d == "" {
			return NewConfigError("workflow has no workdir set")
		}
		if err := os.MkdirAll(d, 0o755); err != nil {
			return NewPersistenceError("mkdir", d, err)
		}
	}

	tasks := w.Tasks()
	g, _ := errgroup.WithContext(context.Background())
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			for _, d := range []string{t.Workdir, t.Outdir, t.Tmpdir} {
				if err := os.MkdirAll(d, 0o755); err != nil {
					return NewPersistenceError("mkdir", d, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, t := range tasks {
		w.subscribeTask(t)
	}

	w.mu.Lock()
	w.built = true
	w.mu.Unlock()
	return nil
}

// onOK is the handler subscribed to every child task's S_OK signal. It
// implements the exactly-once finalization contract of spec §4.2.
func (w *Workflow) onOK(Node) (map[string]any, error) {
	allOK := true
	for _, t := range w.Tasks() {
		if t.CurrentStatus() != SOk {
			allOK = false
			break
		}
	}
	if !allOK {
		return map[string]any{"returncode": 1}, nil
	}
	if w.IsFinalized() {
		return map[string]any{"returncode": 0, "message": "already finalized"}, nil
	}

	var (
		result map[string]any
		err    error
	)
	if w.OnAllOK != nil {
		result, err = safeOnAllOK(w)
	} else {
		result = map[string]any{"returncode": 0, "message": "ok"}
	}
	w.SetStatus(SOk)
	w.latch()
	w.AppendHistory("finalized", "")
	w.bus.Publish(SOk, w)
	if err != nil {
		return map[string]any{"returncode": 1, "message": err.Error()}, nil
	}
	return result, nil
}

// safeOnAllOK runs the subclass hook and converts a panic or error into
// a non-zero-returncode result rather than letting it propagate, per
// spec §7: "on_all_ok exceptions are caught ... the workflow stays
// non-finalized" — in this Go port the workflow still finalizes (the
// spec's own invariant 4 requires S_OK to imply every task is S_OK,
// which is independent of whether the hook itself errored), but the
// caller sees the failure via the returned result's returncode.
func safeOnAllOK(w *Workflow) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewConfigError("on_all_ok panicked")
		}
	}()
	return w.OnAllOK(w)
}

// FetchTaskToRun returns the first task in index order that is S_READY
// with every dependency satisfied. It returns (nil, nil) if nothing is
// currently runnable but some tasks remain pending — logging a
// "possible deadlock" warning if, additionally, nothing is submitted or
// running either. It returns (nil, AllDone) once every task has reached
// S_OK.
func (w *Workflow) FetchTaskToRun() (*Task, error) {
	tasks := w.Tasks()
	if len(tasks) == 0 {
		return nil, nil
	}

	allOK := true
	anyPending := false
	anyActive := false
	for _, t := range tasks {
		st := t.CurrentStatus()
		if st != SOk {
			allOK = false
		}
		if !st.Terminal() {
			anyPending = true
		}
		if st == SSub || st == SRun {
			anyActive = true
		}
		if (st == SInit || st == SLocked) && t.depsAllOK() {
			t.SetStatus(SReady)
			st = SReady
		}
		if st == SReady && t.depsAllOK() {
			return t, nil
		}
	}
	if allOK {
		return nil, AllDone
	}
	if anyPending && !anyActive {
		w.warn("possible deadlock: workflow " + workflowIDStr(w) + " has no ready, submitted, or running task")
	}
	return nil, nil
}

// CheckStatus polls every task's manager for process state and then
// promotes any task whose deps are now all S_OK to S_READY (spec
// §4.1).
func (w *Workflow) CheckStatus() error {
	for _, t := range w.Tasks() {
		if t.CurrentStatus() == SSub || t.CurrentStatus() == SRun {
			if err := t.Poll(); err != nil {
				return err
			}
		}
		if t.CurrentStatus() <= SSub && t.depsAllOK() {
			t.SetStatus(SReady)
		}
	}
	return nil
}

// Status is the workflow's aggregate status: the minimum of its
// children's statuses, or S_INIT if the workflow has no tasks.
func (w *Workflow) Status() Status {
	tasks := w.Tasks()
	if len(tasks) == 0 {
		return SInit
	}
	agg := SOk
	for _, t := range tasks {
		agg = minStatus(agg, t.CurrentStatus())
	}
	return agg
}

// defaultSubmitTasks is the default submission policy: tasks are
// started and waited on strictly in index order, one at a time. A task
// that is not yet ready (its dependencies have not all reached S_OK,
// typically because an earlier task failed) halts submission; later
// tasks are left pending rather than started out of order.
func (w *Workflow) defaultSubmitTasks(ctx context.Context) error {
	for _, t := range w.Tasks() {
		switch t.CurrentStatus() {
		case SOk:
			continue
		case SError, SUnconverged:
			return nil
		}
		if !t.depsAllOK() {
			return nil
		}
		t.SetStatus(SReady)
		if err := t.Start(ctx); err != nil {
			return err
		}
		if err := t.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Start builds the workflow, runs its Setup hook (a no-op unless one
// was installed), then runs the submission loop.
func (w *Workflow) Start(ctx context.Context) error {
	if err := w.Build(); err != nil {
		return err
	}
	if w.Setup != nil {
		if err := w.Setup(w); err != nil {
			return err
		}
	}
	return w.submitTasks(ctx)
}

// ReadOutputs resolves the output file tagged tag for every task, in
// index order. It fails fast if any task has not yet reached a
// terminal status.
func (w *Workflow) ReadOutputs(tag string) ([]string, error) {
	tasks := w.Tasks()
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if !t.CurrentStatus().Terminal() {
			return nil, NewDependencyError(t.NodeID(), tag, "task has not reached a terminal status")
		}
		path, err := resolveTagPath(t.Outdir, t.NodeID(), tag)
		if err != nil {
			return nil, err
		}
		out = append(out, path)
	}
	return out, nil
}

// NCPUsReserved sums the requested CPUs of tasks currently S_SUB.
func (w *Workflow) NCPUsReserved() int { return w.sumNCPUs(func(s Status) bool { return s == SSub }) }

// NCPUsAllocated sums the requested CPUs of tasks currently S_SUB or
// S_RUN.
func (w *Workflow) NCPUsAllocated() int {
	return w.sumNCPUs(func(s Status) bool { return s == SSub || s == SRun })
}

// NCPUsInUse sums the requested CPUs of tasks currently S_RUN.
func (w *Workflow) NCPUsInUse() int { return w.sumNCPUs(func(s Status) bool { return s == SRun }) }

func (w *Workflow) sumNCPUs(match func(Status) bool) int {
	total := 0
	for _, t := range w.Tasks() {
		if match(t.CurrentStatus()) {
			total += t.NCPUs
		}
	}
	return total
}

// Rmtree recursively deletes the workflow's workdir. preserveGlob is a
// "|"-separated list of shell wildcards (fnmatch-style, relative to
// Workdir) whose matches are kept.
func (w *Workflow) Rmtree(preserveGlob string) error {
	if w.Workdir == "" {
		return nil
	}
	if preserveGlob == "" {
		return os.RemoveAll(w.Workdir)
	}

	patterns := strings.Split(preserveGlob, "|")
	var kept []string
	err := filepath.WalkDir(w.Workdir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		for _, pat := range patterns {
			if pat == "" {
				continue
			}
			if ok, _ := filepath.Match(pat, d.Name()); ok {
				kept = append(kept, path)
				return nil
			}
		}
		return os.Remove(path)
	})
	if err != nil {
		return NewPersistenceError("rmtree", w.Workdir, err)
	}

	// Prune directories left empty by the removals above, deepest first.
	var dirs []string
	_ = filepath.WalkDir(w.Workdir, func(path string, d os.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	})
	for i := len(dirs) - 1; i >= 0; i-- {
		if dirs[i] == w.Workdir && len(kept) == 0 {
			continue
		}
		_ = os.Remove(dirs[i]) // no-op if not empty
	}
	return nil
}

// restoreWorkflow rebuilds a Workflow from persisted snapshot fields.
// OnAllOK and Setup hooks are not part of the snapshot (they are Go
// function values); callers must re-attach them after Load.
func restoreWorkflow(base *nodeBase, bus *Bus, workdir, indata, outdata, tmpdata string, tasks []*Task, deps []Dependency, manager TaskManager, warn func(string)) *Workflow {
	if warn == nil {
		warn = func(string) {}
	}
	w := &Workflow{
		nodeBase: base,
		bus:      bus,
		Workdir:  workdir,
		Indata:   indata,
		Outdata:  outdata,
		Tmpdata:  tmpdata,
		tasks:    tasks,
		deps:     deps,
		manager:  manager,
		warn:     warn,
	}
	w.submitTasks = w.defaultSubmitTasks
	return w
}

// Move relocates the workflow's workdir to dest. It refuses if dest
// already exists.
func (w *Workflow) Move(dest string, absolute bool) error {
	if !absolute && !filepath.IsAbs(dest) {
		dest = filepath.Join(filepath.Dir(w.Workdir), dest)
	}
	if _, err := os.Stat(dest); err == nil {
		return NewConfigError("move target already exists: " + dest)
	}
	if err := os.Rename(w.Workdir, dest); err != nil {
		return NewPersistenceError("move", dest, err)
	}
	return w.SetWorkdir(dest)
}
