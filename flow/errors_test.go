package flow_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticeflow/abiflow/flow"
)

func TestConfigError_MessageIncludesDetail(t *testing.T) {
	err := flow.NewConfigError("bad workdir")
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad workdir")
}

func TestDependencyError_IncludesNodeAndTag(t *testing.T) {
	err := flow.NewDependencyError(42, "DEN", "missing output")
	require.Contains(t, err.Error(), "42")
	require.Contains(t, err.Error(), "DEN")
}

func TestTerminalTaskFailure_Message(t *testing.T) {
	err := flow.NewTerminalTaskFailure(3, "nonzero exit")
	require.Contains(t, err.Error(), "3")
	require.Contains(t, err.Error(), "nonzero exit")
}

func TestNonConvergence_Message(t *testing.T) {
	err := flow.NewNonConvergence(5, "residual too large")
	require.Contains(t, err.Error(), "5")
	require.Contains(t, err.Error(), "residual too large")
}

func TestPersistenceError_UnwrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := flow.NewPersistenceError("dump", "/tmp/x.json", cause)
	require.ErrorIs(t, err, cause)
}

func TestDriverWarning_Message(t *testing.T) {
	err := flow.NewDriverWarning("possible deadlock")
	require.Contains(t, err.Error(), "possible deadlock")
}

func TestSentinels_AreDistinguishableViaErrorsIs(t *testing.T) {
	require.ErrorIs(t, flow.AllDone, flow.AllDone)
	require.ErrorIs(t, flow.ErrExhausted, flow.ErrExhausted)
	require.False(t, errors.Is(flow.AllDone, flow.ErrExhausted))
}
