package flow_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticeflow/abiflow/flow"
)

func TestNode_IDsAreUniqueAndIncreasing(t *testing.T) {
	a := flow.NewTask(flow.KindGeneric, nil)
	b := flow.NewTask(flow.KindGeneric, nil)
	require.NotEqual(t, a.NodeID(), b.NodeID())
	require.Greater(t, b.NodeID(), a.NodeID())
}

func TestNode_NewTaskStartsAtSInit(t *testing.T) {
	task := flow.NewTask(flow.KindGeneric, nil)
	require.Equal(t, flow.SInit, task.CurrentStatus())
}

func TestNode_SetStatusReturnsFalseOnNoOpTransition(t *testing.T) {
	task := flow.NewTask(flow.KindGeneric, nil)
	require.True(t, task.SetStatus(flow.SReady))
	require.False(t, task.SetStatus(flow.SReady), "setting the same status again is not a genuine transition")
}

func TestNode_SetStatusNeverDowngradesTerminalStatus(t *testing.T) {
	task := flow.NewTask(flow.KindGeneric, nil)
	require.True(t, task.SetStatus(flow.SOk))
	require.False(t, task.SetStatus(flow.SError), "a terminal status must never be overwritten")
	require.Equal(t, flow.SOk, task.CurrentStatus())
}

func TestNode_AppendHistoryAndHistoryAreOrdered(t *testing.T) {
	task := flow.NewTask(flow.KindGeneric, nil)
	task.AppendHistory("submitted", "")
	task.AppendHistory("ok", "detail")

	hist := task.History()
	require.Len(t, hist, 2)
	require.Equal(t, "submitted", hist[0].Event)
	require.Equal(t, "ok", hist[1].Event)
	require.Equal(t, "detail", hist[1].Detail)
}

func TestNode_HistoryReturnsDefensiveCopy(t *testing.T) {
	task := flow.NewTask(flow.KindGeneric, nil)
	task.AppendHistory("a", "")
	hist := task.History()
	hist[0].Event = "mutated"
	require.Equal(t, "a", task.History()[0].Event)
}

func TestNode_IsFinalizedDefaultsFalse(t *testing.T) {
	task := flow.NewTask(flow.KindGeneric, nil)
	require.False(t, task.IsFinalized())
}
