package flow

import (
	"encoding/json"
	"os"

	"github.com/google/renameio/v2"
)

// snapshotFile is the canonical name for a flow's persisted snapshot,
// matching the on-disk layout named in spec §6.
const snapshotFile = "__workflow__.json"

// depSnap is the wire form of a Dependency: the live Upstream pointer
// is dropped and only the id survives, re-resolved through the flow's
// node registry on Load (design note §9).
type depSnap struct {
	UpstreamID int      `json:"upstream_id"`
	Exts       []string `json:"exts"`
}

func snapDeps(deps []Dependency) []depSnap {
	out := make([]depSnap, len(deps))
	for i, d := range deps {
		out[i] = depSnap{UpstreamID: d.UpstreamID, Exts: d.Exts.Tags()}
	}
	return out
}

func unsnapDeps(snaps []depSnap) []Dependency {
	out := make([]Dependency, len(snaps))
	for i, s := range snaps {
		out[i] = Dependency{UpstreamID: s.UpstreamID, Exts: NewExtSet(s.Exts...)}
	}
	return out
}

type taskSnap struct {
	ID         int            `json:"id"`
	Kind       TaskKind       `json:"kind"`
	Workdir    string         `json:"workdir"`
	Outdir     string         `json:"outdir"`
	Tmpdir     string         `json:"tmpdir"`
	NCPUs      int            `json:"ncpus"`
	Index      int            `json:"index"`
	Status     Status         `json:"status"`
	History    []HistoryEvent `json:"history"`
	Finalized  bool           `json:"finalized"`
	Returncode int            `json:"returncode"`
	Started    bool           `json:"started"`
	Deps       []depSnap      `json:"deps"`
}

type workflowSnap struct {
	ID        int            `json:"id"`
	Workdir   string         `json:"workdir"`
	Indata    string         `json:"indata"`
	Outdata   string         `json:"outdata"`
	Tmpdata   string         `json:"tmpdata"`
	Status    Status         `json:"status"`
	History   []HistoryEvent `json:"history"`
	Finalized bool           `json:"finalized"`
	Tasks     []taskSnap     `json:"tasks"`
	Deps      []depSnap      `json:"deps"`
}

type callbackSnap struct {
	WorkID   int       `json:"work_id"`
	Deps     []depSnap `json:"deps"`
	Disabled bool      `json:"disabled"`
}

type flowSnap struct {
	Workdir   string         `json:"workdir"`
	RunID     string         `json:"run_id"`
	ID        int            `json:"id"`
	Status    Status         `json:"status"`
	History   []HistoryEvent `json:"history"`
	Finalized bool           `json:"finalized"`
	Works     []workflowSnap `json:"works"`
	Callbacks []callbackSnap `json:"callbacks"`
}

func (f *Flow) snapshot() flowSnap {
	f.mu.Lock()
	works := append([]*Workflow(nil), f.works...)
	callbacks := append([]*Callback(nil), f.callbacks...)
	f.mu.Unlock()

	snap := flowSnap{
		Workdir:   f.Workdir,
		RunID:     f.RunID,
		ID:        f.NodeID(),
		Status:    f.CurrentStatus(),
		History:   f.History(),
		Finalized: f.IsFinalized(),
		Works:     make([]workflowSnap, len(works)),
		Callbacks: make([]callbackSnap, len(callbacks)),
	}
	for i, w := range works {
		tasks := w.Tasks()
		ts := make([]taskSnap, len(tasks))
		for j, t := range tasks {
			ts[j] = taskSnap{
				ID:         t.NodeID(),
				Kind:       t.Kind,
				Workdir:    t.Workdir,
				Outdir:     t.Outdir,
				Tmpdir:     t.Tmpdir,
				NCPUs:      t.NCPUs,
				Index:      t.index,
				Status:     t.CurrentStatus(),
				History:    t.History(),
				Finalized:  t.IsFinalized(),
				Returncode: t.ReturnCode(),
				Started:    t.started,
				Deps:       snapDeps(t.Deps()),
			}
		}
		snap.Works[i] = workflowSnap{
			ID:        w.NodeID(),
			Workdir:   w.Workdir,
			Indata:    w.Indata,
			Outdata:   w.Outdata,
			Tmpdata:   w.Tmpdata,
			Status:    w.CurrentStatus(),
			History:   w.History(),
			Finalized: w.IsFinalized(),
			Tasks:     ts,
			Deps:      snapDeps(w.Deps()),
		}
	}
	for i, cb := range callbacks {
		snap.Callbacks[i] = callbackSnap{WorkID: cb.Work.NodeID(), Deps: snapDeps(cb.Deps), Disabled: cb.Disabled}
	}
	return snap
}

// Dump atomically writes the flow's snapshot to workdir/__workflow__.json
// (spec §4.6). A prior snapshot, if present, is moved to a ".bak"
// sibling before the new one is written; if the write fails the ".bak"
// is renamed back into place, and on success it is removed. renameio
// itself guarantees the canonical name never observes a partially
// written file.
//
// Callback functions, Task.Input (Strategy) and Task/Workflow.Manager
// are Go values with no generic serialization and are therefore not
// part of the blob — see DESIGN.md's resolution of the snapshot open
// question. Callers that Load a flow must re-attach strategies,
// managers, and callback funcs before resuming execution.
func (f *Flow) Dump() error {
	if f.Workdir == "" {
		return NewConfigError("flow has no workdir set")
	}
	path := f.snapshotPath()
	data, err := json.MarshalIndent(f.snapshot(), "", "  ")
	if err != nil {
		return NewPersistenceError("dump", path, err)
	}

	if _, statErr := os.Stat(path); statErr == nil {
		_ = os.Rename(path, path+".bak")
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		if _, bakErr := os.Stat(path + ".bak"); bakErr == nil {
			_ = os.Rename(path+".bak", path)
		}
		return NewPersistenceError("dump", path, err)
	}
	_ = os.Remove(path + ".bak")
	return nil
}

func (f *Flow) snapshotPath() string {
	return f.Workdir + string(os.PathSeparator) + snapshotFile
}

// Load reconstructs a Flow from a snapshot written by Dump. It
// rebuilds every Task and Workflow with its original node id,
// status, history, and finalization latch, re-resolves every
// Dependency's Upstream pointer through the flow's id registry, and
// finally calls ConnectSignals so the in-memory signal bus is rewired
// exactly as spec §4.6 requires ("subscriptions are not part of the
// snapshot").
//
// callbackFuncs supplies the CallbackFunc for each persisted callback,
// keyed by the callback's workflow id, since functions cannot round-trip
// through JSON; a callback snapshot with no matching entry is restored
// disabled-or-not as persisted but will never fire.
func Load(path string, callbackFuncs map[int]CallbackFunc) (*Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewPersistenceError("load", path, err)
	}
	var snap flowSnap
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, NewPersistenceError("load", path, err)
	}

	f := &Flow{
		nodeBase: restoreNodeBase(snap.ID, snap.Status, snap.History, snap.Finalized),
		Workdir:  snap.Workdir,
		RunID:    snap.RunID,
		bus:      NewBus(nil),
		warn:     func(string) {},
		nodes:    make(map[int]Node),
	}
	f.bus.SetRunID(f.RunID)

	for _, ws := range snap.Works {
		tasks := make([]*Task, len(ws.Tasks))
		for j, ts := range ws.Tasks {
			base := restoreNodeBase(ts.ID, ts.Status, ts.History, ts.Finalized)
			t := restoreTask(base, f.bus, ts.Kind, ts.Workdir, ts.Outdir, ts.Tmpdir, ts.NCPUs, ts.Index, ts.Returncode, ts.Started, unsnapDeps(ts.Deps))
			tasks[j] = t
			f.registerNode(t)
		}
		base := restoreNodeBase(ws.ID, ws.Status, ws.History, ws.Finalized)
		w := restoreWorkflow(base, f.bus, ws.Workdir, ws.Indata, ws.Outdata, ws.Tmpdata, tasks, unsnapDeps(ws.Deps), nil, nil)
		f.works = append(f.works, w)
		f.registerNode(w)
	}

	// Second pass: resolve every Dependency.Upstream now that every
	// node id in the snapshot has been registered.
	for _, w := range f.works {
		resolveDeps(f, w.deps)
		for _, t := range w.tasks {
			resolveDeps(f, t.deps)
		}
	}

	for _, cbs := range snap.Callbacks {
		work, ok := f.node(cbs.WorkID)
		if !ok {
			return nil, NewPersistenceError("load", path, NewConfigError("callback references unknown workflow id"))
		}
		deps := unsnapDeps(cbs.Deps)
		resolveDeps(f, deps)
		cb := &Callback{
			Work:     work.(*Workflow),
			Deps:     deps,
			Disabled: cbs.Disabled,
			Func:     callbackFuncs[cbs.WorkID],
		}
		f.callbacks = append(f.callbacks, cb)
	}

	if err := f.ConnectSignals(); err != nil {
		return nil, err
	}
	return f, nil
}

func resolveDeps(f *Flow, deps []Dependency) {
	for i := range deps {
		if n, ok := f.node(deps[i].UpstreamID); ok {
			deps[i].Upstream = n
		}
	}
}
