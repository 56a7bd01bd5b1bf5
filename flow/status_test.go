package flow_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticeflow/abiflow/flow"
)

func TestStatus_TerminalStatuses(t *testing.T) {
	require.True(t, flow.SOk.Terminal())
	require.True(t, flow.SError.Terminal())
	require.True(t, flow.SUnconverged.Terminal())

	require.False(t, flow.SInit.Terminal())
	require.False(t, flow.SLocked.Terminal())
	require.False(t, flow.SReady.Terminal())
	require.False(t, flow.SSub.Terminal())
	require.False(t, flow.SRun.Terminal())
	require.False(t, flow.SDone.Terminal())
}

func TestStatus_String(t *testing.T) {
	require.Equal(t, "S_INIT", flow.SInit.String())
	require.Equal(t, "S_OK", flow.SOk.String())
	require.Contains(t, flow.Status(99).String(), "S_UNKNOWN")
}

func TestStatus_TotalOrder(t *testing.T) {
	require.Less(t, int(flow.SInit), int(flow.SLocked))
	require.Less(t, int(flow.SLocked), int(flow.SReady))
	require.Less(t, int(flow.SReady), int(flow.SSub))
	require.Less(t, int(flow.SSub), int(flow.SRun))
	require.Less(t, int(flow.SRun), int(flow.SDone))
	require.Less(t, int(flow.SDone), int(flow.SError))
	require.Less(t, int(flow.SError), int(flow.SUnconverged))
	require.Less(t, int(flow.SUnconverged), int(flow.SOk))
}
