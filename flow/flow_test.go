package flow_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticeflow/abiflow/flow"
	"github.com/latticeflow/abiflow/flow/emit"
)

func TestFlow_NewFlowAssignsUniqueRunID(t *testing.T) {
	a := flow.NewFlow(t.TempDir())
	b := flow.NewFlow(t.TempDir())
	require.NotEmpty(t, a.RunID)
	require.NotEqual(t, a.RunID, b.RunID)
}

func TestFlow_RegisterWorkAssignsWorkSlotAndWorkdir(t *testing.T) {
	f := flow.NewFlow(t.TempDir())
	w1, err := f.RegisterWork(flow.NewWorkflow(nil), nil, nil)
	require.NoError(t, err)
	w2, err := f.RegisterWork(flow.NewWorkflow(nil), nil, nil)
	require.NoError(t, err)

	require.Len(t, f.Works(), 2)
	require.Contains(t, w1.Workdir, "work_0")
	require.Contains(t, w2.Workdir, "work_1")
}

func TestFlow_RegisterWorkDeepCopiesSharedManager(t *testing.T) {
	f := flow.NewFlow(t.TempDir())
	f.SetManager(trueManager())
	w, err := f.RegisterWork(flow.NewWorkflow(nil), nil, nil)
	require.NoError(t, err)

	task, err := w.Register(nil, flow.KindGeneric)
	require.NoError(t, err)
	require.NoError(t, w.Allocate())
	require.NotNil(t, task.Manager)
}

func TestFlow_RunDrivesSingleWorkflowToCompletion(t *testing.T) {
	skipIfNoShell(t)
	f := flow.NewFlow(t.TempDir())
	f.SetManager(trueManager())

	w, err := f.RegisterWork(flow.NewWorkflow(nil), nil, nil)
	require.NoError(t, err)
	task, err := w.Register(nil, flow.KindGeneric)
	require.NoError(t, err)

	require.NoError(t, f.Run(context.Background()))
	require.Equal(t, flow.SOk, task.CurrentStatus())
}

func TestFlow_RunFailsWhenWorkflowDependencyUnsatisfied(t *testing.T) {
	f := flow.NewFlow(t.TempDir())
	f.SetManager(trueManager())

	upstream := flow.NewTask(flow.KindGeneric, nil)
	_, err := f.RegisterWork(flow.NewWorkflow(nil), []flow.Dependency{flow.NewDependency(upstream, "")}, nil)
	require.NoError(t, err)

	err = f.Run(context.Background())
	require.Error(t, err)
}

func TestFlow_AggregatesCPUAccounting(t *testing.T) {
	f := flow.NewFlow(t.TempDir())
	f.SetManager(trueManager())

	w, err := f.RegisterWork(flow.NewWorkflow(nil), nil, nil)
	require.NoError(t, err)
	task, err := w.Register(nil, flow.KindGeneric)
	require.NoError(t, err)
	task.NCPUs = 2
	require.NoError(t, f.Allocate())
	require.NoError(t, f.Build())

	task.SetStatus(flow.SReady)
	task.SetStatus(flow.SSub)

	require.Equal(t, 2, f.NCPUsReserved())
	require.Equal(t, 2, f.NCPUsAllocated())
	require.Equal(t, 0, f.NCPUsInUse())
}

func TestFlow_AddEmitterSeesTransitionsAcrossWorkflows(t *testing.T) {
	f := flow.NewFlow(t.TempDir())
	buffered := emit.NewBufferedEmitter()
	f.AddEmitter(buffered)

	w, err := f.RegisterWork(flow.NewWorkflow(nil), nil, nil)
	require.NoError(t, err)
	w.SetManager(trueManager())
	_, err = w.Register(nil, flow.KindGeneric)
	require.NoError(t, err)
	require.NoError(t, w.Allocate())
	require.NoError(t, w.Build())

	f.Bus().Publish(flow.SOk, w)

	history := buffered.GetHistory(f.RunID)
	require.NotEmpty(t, history)
}

func TestFlow_SetMetricsAcceptsNilToDisable(t *testing.T) {
	f := flow.NewFlow(t.TempDir())
	f.SetMetrics(nil)
	require.NoError(t, f.CheckStatus())
}
