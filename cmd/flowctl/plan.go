package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/latticeflow/abiflow/flow"
	"github.com/latticeflow/abiflow/flow/manager"
)

// planTask is the declarative description of a single task read from a
// plan file. Command is the argv to run; DependsOn indexes other tasks
// within the same workflow that must reach S_OK first.
type planTask struct {
	Kind      string   `json:"kind"`
	Command   []string `json:"command"`
	NCPUs     int      `json:"ncpus"`
	DependsOn []int    `json:"depends_on"`
}

type planWorkflow struct {
	Tasks []planTask `json:"tasks"`
}

// plan is the flat, language-neutral description flowctl builds a Flow
// from. It intentionally knows nothing about input decks or convergence
// checks — those remain the caller's domain, expressed by pointing
// Command at whatever binary does the real science.
type plan struct {
	Workdir   string         `json:"workdir"`
	Workflows []planWorkflow `json:"workflows"`
}

func loadPlan(path string) (*plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if p.Workdir == "" {
		p.Workdir = filepath.Join(filepath.Dir(path), "run")
	}
	return &p, nil
}

// PlanError reports invalid plan-file content caught while building the
// flow (dangling depends_on, a task with no registered command).
type PlanError struct{ msg string }

func (e *PlanError) Error() string { return "plan error: " + e.msg }

func newPlanError(msg string) error { return &PlanError{msg: msg} }

// buildFlow constructs a flow.Flow from p, wiring every task's manager
// to a flow/manager.LocalManager that looks its argv up by node id. It
// also returns the node-id -> argv table it built, since resume needs
// the same table without re-registering into a live flow.
func buildFlow(p *plan) (*flow.Flow, map[int][]string, error) {
	commands := make(map[int][]string)
	resolve := func(t *flow.Task) ([]string, []string, error) {
		argv, ok := commands[t.NodeID()]
		if !ok {
			return nil, nil, newPlanError("no command registered for task " + strconv.Itoa(t.NodeID()))
		}
		return argv, nil, nil
	}

	f := flow.NewFlow(p.Workdir)
	f.SetManager(manager.NewLocalManager(resolve))

	for _, pw := range p.Workflows {
		w, err := f.RegisterWork(flow.NewWorkflow(nil), nil, nil)
		if err != nil {
			return nil, nil, err
		}
		tasks := make([]*flow.Task, len(pw.Tasks))
		for i, pt := range pw.Tasks {
			var deps []flow.Dependency
			for _, di := range pt.DependsOn {
				if di < 0 || di >= len(tasks) || tasks[di] == nil {
					return nil, nil, newPlanError("depends_on references an ungenerated sibling task")
				}
				deps = append(deps, flow.NewDependency(tasks[di]))
			}
			task, err := w.Register(nil, flow.TaskKind(pt.Kind), deps...)
			if err != nil {
				return nil, nil, err
			}
			if pt.NCPUs > 0 {
				task.NCPUs = pt.NCPUs
			}
			commands[task.NodeID()] = pt.Command
			tasks[i] = task
		}
	}
	return f, commands, nil
}
