package runtime_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/patchbay/internal/runtime"
	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/aretw0/patchbay/pkg/plugins/generic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCycleOrder(t *testing.T) {
	var order []string
	record := func(name string) generic.Option {
		return generic.WithOnProcess(func(*generic.Plugin) { order = append(order, name) })
	}

	g := runtime.NewGraph("test")
	src := newPlugin(t, generic.Config{Role: "source", Pattern: 0x40}, record("src"))
	flt := newPlugin(t, generic.Config{Role: "filter"}, record("filter"))
	sink := newPlugin(t, generic.Config{Role: "sink"}, record("sink"))

	// Registered in reverse so the order below comes from the links.
	y := addNode(t, g, "sink", sink, runtime.WithActive(true))
	f := addNode(t, g, "filter", flt, runtime.WithActive(true))
	x := addNode(t, g, "src", src, runtime.WithDriving(true), runtime.WithActive(true))
	connect(t, g, x, f)
	connect(t, g, f, y)
	require.True(t, y.Running())

	require.NoError(t, g.RunCycle(x.ID()))
	assert.Equal(t, []string{"src", "filter", "sink"}, order)

	stats := sink.Stats(domain.DirectionInput, 0)
	assert.Equal(t, uint64(1), stats.Consumed)
	require.Len(t, stats.Last, runtime.DefaultBufferSize)
	assert.Equal(t, byte(0x41), stats.Last[0], "the source pattern went through the filter")

	for _, n := range []*runtime.Node{x, f, y} {
		assert.Equal(t, domain.ActivationFinished, n.Activation().ActivationStatus())
		assert.Zero(t, n.Activation().Pending.Load())
		assert.Zero(t, n.Activation().Xruns().Count)
	}
	assert.Equal(t, uint64(1), x.Activation().Position.Cycle.Load())

	require.NoError(t, g.RunCycle(x.ID()))
	assert.Equal(t, uint64(2), sink.Stats(domain.DirectionInput, 0).Consumed)
	assert.Equal(t, byte(0x42), sink.Stats(domain.DirectionInput, 0).Last[0])
	assert.Equal(t, uint64(2*1024), x.Activation().Position.Frames.Load())

	err := g.RunCycle(y.ID())
	assert.ErrorIs(t, err, domain.EINVAL, "only drivers start cycles")
}

func TestFanInWaitsForAllInputs(t *testing.T) {
	var order []string
	record := func(name string) generic.Option {
		return generic.WithOnProcess(func(*generic.Plugin) { order = append(order, name) })
	}
	g := runtime.NewGraph("test")
	a := addNode(t, g, "a", newPlugin(t, generic.Config{Role: "source"}, record("a")), runtime.WithDriving(true), runtime.WithActive(true))
	m := addNode(t, g, "m", newPlugin(t, generic.Config{Role: "sink"}, record("m")), runtime.WithActive(true))
	b := addNode(t, g, "b", newPlugin(t, generic.Config{Role: "source"}, record("b")), runtime.WithActive(true))
	connect(t, g, a, m)
	connect(t, g, b, m)

	require.NoError(t, g.RunCycle(a.ID()))
	require.Len(t, order, 3)
	assert.Equal(t, "m", order[2], "the mixer runs after both inputs")
}

func TestXrun(t *testing.T) {
	var events []*domain.XrunEvent
	g := runtime.NewGraph("test", runtime.WithHooks(domain.LifecycleHooks{
		OnXrun: func(_ context.Context, e *domain.XrunEvent) { events = append(events, e) },
	}))
	x, y, _ := pair(t, g, generic.Config{}, generic.Config{})
	require.NoError(t, g.RunCycle(x.ID()))

	// y never finished its previous cycle.
	y.Activation().SetStatus(domain.ActivationAwake)
	require.NoError(t, g.RunCycle(x.ID()))

	stats := y.Activation().Xruns()
	assert.Equal(t, uint32(1), stats.Count)
	require.Len(t, events, 1)
	assert.Equal(t, y.ID(), events[0].NodeID)
	assert.Equal(t, x.ID(), events[0].DriverID)
	assert.Equal(t, uint32(1), events[0].Count)
	assert.Equal(t, domain.ActivationFinished, y.Activation().ActivationStatus(), "the pipeline keeps running")
	assert.Equal(t, uint32(1), x.Activation().Xruns().Count, "the driver accounts for its group")
	assert.Equal(t, stats.Last, x.Activation().Xruns().Last)
}

func TestCycleHook(t *testing.T) {
	var cycles []uint64
	g := runtime.NewGraph("test", runtime.WithHooks(domain.LifecycleHooks{
		OnCycle: func(_ context.Context, e *domain.CycleEvent) { cycles = append(cycles, e.Cycle) },
	}))
	x, _, _ := pair(t, g, generic.Config{}, generic.Config{})
	for range 3 {
		require.NoError(t, g.RunCycle(x.ID()))
	}
	assert.Equal(t, []uint64{2, 3}, cycles, "the first cycle has no previous tick")
}

func TestInactiveNodeIgnoresSignals(t *testing.T) {
	g := runtime.NewGraph("test")
	x, y, _ := pair(t, g, generic.Config{}, generic.Config{})
	sink := y.Plugin().(*generic.Plugin)

	require.NoError(t, g.SetActive(y.ID(), false))
	assert.Equal(t, domain.ActivationInactive, y.Activation().ActivationStatus())
	require.NoError(t, g.RunCycle(x.ID()))
	assert.Zero(t, sink.Cycles(), "a passive group publishes no members")
	assert.Zero(t, x.Plugin().(*generic.Plugin).Cycles())
}

func TestDriverClock(t *testing.T) {
	settings := runtime.DefaultSettings()
	settings.DefaultQuantum = 48
	settings.MinQuantum = 16
	g := runtime.NewGraph("test", runtime.WithSettings(settings))
	_, y, l := pair(t, g, generic.Config{}, generic.Config{})
	require.True(t, l.Active())
	sink := y.Plugin().(*generic.Plugin)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, g.Run(ctx))
	}()

	require.Eventually(t, func() bool {
		return sink.Stats(domain.DirectionInput, 0).Consumed >= 5
	}, 2*time.Second, time.Millisecond, "a 1ms quantum clock drives the group")

	var snap *domain.Snapshot
	require.NoError(t, g.Call(func() error {
		snap = g.Snapshot()
		return nil
	}))
	require.Len(t, snap.Links, 1)
	assert.Equal(t, "active", snap.Links[0].State)

	cancel()
	wg.Wait()
}
