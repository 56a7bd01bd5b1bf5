package flow

import "context"

// StrategyProducer is a restartable-or-not lazy sequence of Strategy
// values consumed one at a time by IterativeWorkflow.NextTask. Next
// returns (nil, false) once exhausted.
type StrategyProducer interface {
	Next() (Strategy, bool)
}

// ExitData is the result of an IterativeWorkflow's convergence check.
// Additional domain-specific results go in Data; Exit is the one field
// the core loop inspects.
type ExitData struct {
	Exit bool
	Data map[string]any
}

// ExitIterationFunc decides whether the iteration loop should stop
// after the most recently run task. It is domain-specific (e.g. a
// total-energy convergence check) and is therefore supplied by the
// caller rather than implemented by the core.
type ExitIterationFunc func(iw *IterativeWorkflow) ExitData

// IterativeWorkflow is a Workflow whose task set is generated lazily
// from a StrategyProducer and terminated by an ExitIteration predicate,
// rather than being fully registered up front (spec §4.3).
type IterativeWorkflow struct {
	*Workflow

	Producer      StrategyProducer
	ExitIteration ExitIterationFunc
	MaxNiter      int // <= 0 means unbounded
	Kind          TaskKind

	iterations int
	lastExit   ExitData
}

// NewIterativeWorkflow wraps an empty Workflow with lazy task
// generation. bus is forwarded to the embedded Workflow exactly as
// NewWorkflow would use it.
func NewIterativeWorkflow(bus *Bus, producer StrategyProducer, kind TaskKind, maxNiter int) *IterativeWorkflow {
	iw := &IterativeWorkflow{
		Workflow: NewWorkflow(bus),
		Producer: producer,
		Kind:     kind,
		MaxNiter: maxNiter,
	}
	iw.submitTasks = iw.iterativeSubmitTasks
	return iw
}

// Iterations reports how many tasks have been registered so far.
func (iw *IterativeWorkflow) Iterations() int { return iw.iterations }

// LastExitData returns the result of the most recent ExitIteration
// call, for inspection by tests and callers after the loop halts.
func (iw *IterativeWorkflow) LastExitData() ExitData { return iw.lastExit }

// NextTask pulls the next strategy value from the producer and
// registers it as a new task, depending on the immediately preceding
// task (if any) so registration order doubles as execution order. It
// returns ErrExhausted once the producer has no more values.
func (iw *IterativeWorkflow) NextTask() (*Task, error) {
	strategy, ok := iw.Producer.Next()
	if !ok {
		return nil, ErrExhausted
	}
	var deps []Dependency
	if prev := iw.lastTask(); prev != nil {
		deps = append(deps, NewDependency(prev))
	}
	// Workflow.Register itself wires a task minted after Build has
	// already run once: manager assignment, on-disk directories, and
	// the S_OK subscription that lets this workflow ever finalize.
	return iw.Register(strategy, iw.Kind, deps...)
}

func (iw *IterativeWorkflow) lastTask() *Task {
	tasks := iw.Tasks()
	if len(tasks) == 0 {
		return nil
	}
	return tasks[len(tasks)-1]
}

// iterativeSubmitTasks implements the loop described in spec §4.3: pull
// one task at a time, run it to completion, then consult
// ExitIteration. MaxNiter <= 0 means unbounded.
func (iw *IterativeWorkflow) iterativeSubmitTasks(ctx context.Context) error {
	for i := 1; iw.MaxNiter <= 0 || i <= iw.MaxNiter; i++ {
		task, err := iw.NextTask()
		if err == ErrExhausted {
			return nil
		}
		if err != nil {
			return err
		}
		iw.iterations = i

		task.SetStatus(SReady)
		if err := task.Start(ctx); err != nil {
			return err
		}
		if err := task.Wait(ctx); err != nil {
			return err
		}

		if iw.ExitIteration == nil {
			continue
		}
		data := iw.ExitIteration(iw)
		iw.lastExit = data
		if data.Exit {
			return nil
		}
	}
	return nil
}
