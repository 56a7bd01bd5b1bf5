package flow_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticeflow/abiflow/flow"
	"github.com/latticeflow/abiflow/flow/emit"
)

func TestBus_PublishInvokesSubscriberForExactKeyOnly(t *testing.T) {
	bus := flow.NewBus(nil)
	a := flow.NewTask(flow.KindGeneric, nil)
	b := flow.NewTask(flow.KindGeneric, nil)

	var fired int
	bus.Subscribe(func(signal flow.Status, sender flow.Node) error {
		fired++
		return nil
	}, flow.SOk, a, false)

	bus.Publish(flow.SOk, b)
	require.Equal(t, 0, fired, "subscriber gated on node a must not fire for node b")

	bus.Publish(flow.SOk, a)
	require.Equal(t, 1, fired)

	bus.Publish(flow.SError, a)
	require.Equal(t, 1, fired, "subscriber gated on S_OK must not fire for S_ERROR")
}

func TestBus_UnsubscribeRemovesHandler(t *testing.T) {
	bus := flow.NewBus(nil)
	a := flow.NewTask(flow.KindGeneric, nil)

	var fired int
	bus.Subscribe(func(flow.Status, flow.Node) error { fired++; return nil }, flow.SOk, a, false)
	require.Equal(t, 1, bus.LiveReceivers(flow.SOk, a))

	bus.Unsubscribe(flow.SOk, a)
	require.Equal(t, 0, bus.LiveReceivers(flow.SOk, a))

	bus.Publish(flow.SOk, a)
	require.Equal(t, 0, fired)
}

func TestBus_HandlerErrorDoesNotStopSiblings(t *testing.T) {
	bus := flow.NewBus(nil)
	a := flow.NewTask(flow.KindGeneric, nil)

	var secondFired bool
	bus.Subscribe(func(flow.Status, flow.Node) error { return errors.New("boom") }, flow.SOk, a, false)
	bus.Subscribe(func(flow.Status, flow.Node) error { secondFired = true; return nil }, flow.SOk, a, false)

	bus.Publish(flow.SOk, a)
	require.True(t, secondFired)
}

func TestBus_PanicInHandlerIsRecovered(t *testing.T) {
	var reported error
	bus := flow.NewBus(func(err error) { reported = err })
	a := flow.NewTask(flow.KindGeneric, nil)

	bus.Subscribe(func(flow.Status, flow.Node) error { panic("oops") }, flow.SOk, a, false)
	require.NotPanics(t, func() { bus.Publish(flow.SOk, a) })
	require.Error(t, reported)
}

func TestBus_AddEmitterReceivesEventOnPublish(t *testing.T) {
	bus := flow.NewBus(nil)
	bus.SetRunID("run-xyz")
	emitter := emit.NewBufferedEmitter()
	bus.AddEmitter(emitter)

	a := flow.NewTask(flow.KindGeneric, nil)
	bus.Publish(flow.SOk, a)

	history := emitter.GetHistory("run-xyz")
	require.Len(t, history, 1)
	require.Equal(t, "S_OK", history[0].Msg)
}

func TestFlow_AddEmitterTagsEventsWithRunID(t *testing.T) {
	f := flow.NewFlow(t.TempDir())
	emitter := emit.NewBufferedEmitter()
	f.AddEmitter(emitter)

	f.Bus().Publish(flow.SOk, f)

	history := emitter.GetHistory(f.RunID)
	require.Len(t, history, 1)
}
