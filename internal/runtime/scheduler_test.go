package runtime_test

import (
	"context"
	"testing"

	"github.com/aretw0/patchbay/internal/runtime"
	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/aretw0/patchbay/pkg/plugins/generic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupQuantum(t *testing.T) {
	tests := []struct {
		name       string
		quantum    uint32
		maxQuantum uint32
		want       uint32
	}{
		{name: "follower request wins", quantum: 256, maxQuantum: 512, want: 256},
		{name: "max quantum dominates", quantum: 256, maxQuantum: 128, want: 128},
		{name: "no preference", want: 1024},
		{name: "clamped to global minimum", quantum: 8, want: 32},
		{name: "clamped to global maximum", quantum: 16384, want: 8192},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var events []*domain.QuantumEvent
			g := runtime.NewGraph("test", runtime.WithHooks(domain.LifecycleHooks{
				OnQuantum: func(_ context.Context, e *domain.QuantumEvent) { events = append(events, e) },
			}))
			x, y, l := pair(t, g, generic.Config{}, generic.Config{},
				runtime.WithQuantum(tt.quantum, tt.maxQuantum))
			require.True(t, l.Active())

			assert.Equal(t, tt.want, x.GroupQuantum())
			assert.Equal(t, tt.want, x.Activation().Position.Quantum.Load())
			assert.Same(t, x, y.Driver())
			require.NotEmpty(t, events)
			assert.Equal(t, tt.want, events[len(events)-1].Quantum)
			assert.Equal(t, x.ID(), events[len(events)-1].DriverID)
		})
	}
}

func TestQuantumPublishedOnChange(t *testing.T) {
	var events []*domain.QuantumEvent
	g := runtime.NewGraph("test", runtime.WithHooks(domain.LifecycleHooks{
		OnQuantum: func(_ context.Context, e *domain.QuantumEvent) { events = append(events, e) },
	}))
	x, y, _ := pair(t, g, generic.Config{}, generic.Config{}, runtime.WithQuantum(256, 0))
	n := len(events)

	g.Recalc()
	assert.Len(t, events, n, "an unchanged quantum is not republished")

	require.NoError(t, g.SetQuantum(y.ID(), 512, 0))
	require.Len(t, events, n+1)
	assert.Equal(t, uint32(256), events[n].Previous)
	assert.Equal(t, uint32(512), events[n].Quantum)
	assert.Equal(t, uint32(512), x.GroupQuantum())
}

func TestRequiredBalance(t *testing.T) {
	g := runtime.NewGraph("test")
	x, y, l := pair(t, g, generic.Config{}, generic.Config{})
	require.True(t, l.Active())
	assert.Equal(t, int32(1), y.Activation().Required.Load())
	assert.Zero(t, x.Activation().Required.Load())

	g.Recalc()
	g.Recalc()
	assert.Equal(t, int32(1), y.Activation().Required.Load(), "activation is not repeated")

	require.NoError(t, g.SetActive(y.ID(), false))
	assert.False(t, l.Active())
	assert.Equal(t, domain.LinkStatePaused, l.State())
	assert.Zero(t, y.Activation().Required.Load())
	assert.False(t, y.Running())
	assert.False(t, x.Running(), "a driver without active followers idles")
	assert.True(t, x.Passive())

	require.NoError(t, g.SetActive(y.ID(), true))
	assert.True(t, l.Active())
	assert.Equal(t, int32(1), y.Activation().Required.Load())

	require.NoError(t, g.Disconnect(l.ID()))
	assert.Zero(t, y.Activation().Required.Load())
}

func TestFanIn(t *testing.T) {
	g := runtime.NewGraph("test")
	d := addNode(t, g, "a", newPlugin(t, generic.Config{Role: "source"}), runtime.WithDriving(true), runtime.WithActive(true))
	b := addNode(t, g, "b", newPlugin(t, generic.Config{Role: "source"}), runtime.WithActive(true))
	mix := addNode(t, g, "mix", newPlugin(t, generic.Config{Role: "sink"}), runtime.WithActive(true))

	l1 := connect(t, g, d, mix)
	l2 := connect(t, g, b, mix)
	require.True(t, l1.Active())
	require.True(t, l2.Active(), "err: %v", l2.Err())
	assert.Equal(t, int32(2), mix.Activation().Required.Load(), "one per incoming link")
	assert.Same(t, d, b.Driver(), "b joins through mix")
}

func TestNeedConfig(t *testing.T) {
	g := runtime.NewGraph("test")
	x, y, l := pair(t, g, generic.Config{}, generic.Config{}, runtime.WithNeedConfig(true))

	assert.True(t, l.Prepared())
	assert.False(t, l.Active())
	assert.False(t, y.Running())
	assert.Same(t, x, y.Driver(), "grouped but not runnable")

	require.NoError(t, g.SetNeedConfig(y.ID(), false))
	assert.True(t, y.Running())
	assert.True(t, l.Active())
}

func TestPassiveLinks(t *testing.T) {
	g := runtime.NewGraph("test")
	x := addNode(t, g, "x", newPlugin(t, generic.Config{Role: "source"}), runtime.WithDriving(true), runtime.WithActive(true))
	y := addNode(t, g, "y", newPlugin(t, generic.Config{Inputs: []generic.PortConfig{{Passive: true}}}), runtime.WithActive(true))
	l := connect(t, g, x, y)

	assert.True(t, l.Passive())
	assert.True(t, l.Prepared())
	assert.True(t, x.Passive())
	assert.False(t, l.Active(), "a passive group does not run")

	z := addNode(t, g, "z", newPlugin(t, generic.Config{Role: "sink"}), runtime.WithActive(true))
	l2 := connect(t, g, x, z)
	assert.False(t, x.Passive())
	assert.True(t, l.Active())
	assert.True(t, l2.Active())

	l3 := connect(t, g, x, addNode(t, g, "w", newPlugin(t, generic.Config{Role: "sink"}), runtime.WithActive(true)),
		runtime.WithPassive(true))
	assert.True(t, l3.Passive())
}

func TestWantDriver(t *testing.T) {
	g := runtime.NewGraph("test")
	a := addNode(t, g, "a", newPlugin(t, generic.Config{Role: "source"}), runtime.WithDriving(true), runtime.WithActive(true))
	b := addNode(t, g, "b", newPlugin(t, generic.Config{Role: "source"}), runtime.WithDriving(true), runtime.WithActive(true))
	follower := addNode(t, g, "f", newPlugin(t, generic.Config{Role: "sink"}), runtime.WithActive(true))
	lonely := addNode(t, g, "lonely", newPlugin(t, generic.Config{Role: "sink"}), runtime.WithActive(true), runtime.WithWantDriver(true))
	assert.Same(t, a, lonely.Driver(), "registration order breaks the tie")
	assert.True(t, lonely.Running(), "an attached node wakes its driver")
	assert.False(t, a.Passive())

	connect(t, g, b, follower)
	assert.Same(t, b, lonely.Driver(), "a driver with active followers is preferred")
	assert.Same(t, b, follower.Driver())
	assert.True(t, lonely.Running())
	assert.Same(t, a, a.Driver(), "a drives its own group")
	assert.True(t, a.Passive())
	assert.False(t, a.Running())
}

func TestFeedbackLink(t *testing.T) {
	g := runtime.NewGraph("test")
	x := addNode(t, g, "x", newPlugin(t, generic.Config{Role: "filter"}), runtime.WithDriving(true), runtime.WithActive(true))
	y := addNode(t, g, "y", newPlugin(t, generic.Config{Role: "filter"}), runtime.WithActive(true))

	forward := connect(t, g, x, y)
	back := connect(t, g, y, x)
	assert.False(t, forward.Feedback())
	assert.True(t, back.Feedback())
	require.True(t, back.Active(), "err: %v", back.Err())

	assert.Equal(t, int32(1), y.Activation().Required.Load())
	assert.Zero(t, x.Activation().Required.Load(), "feedback links add no dependency")
}

func TestRecalcReplay(t *testing.T) {
	var g *runtime.Graph
	calls := 0
	g = runtime.NewGraph("test", runtime.WithHooks(domain.LifecycleHooks{
		OnRecalc: func(context.Context, *domain.RecalcEvent) {
			calls++
			if calls == 1 {
				g.Recalc()
			}
		},
	}))
	before := g.Recalcs()
	g.Recalc()
	assert.Equal(t, before+2, g.Recalcs(), "a nested request runs once more afterwards")
	assert.Equal(t, 2, calls)
}

func TestRecalcRequestsMerge(t *testing.T) {
	g := runtime.NewGraph("test")
	before := g.Recalcs()
	g.RequestRecalc()
	g.RequestRecalc()
	g.RequestRecalc()
	assert.Equal(t, before, g.Recalcs(), "requests wait for dispatch")
	g.Dispatch()
	assert.Equal(t, before+1, g.Recalcs())
}

func TestInactiveNodeStopsWalk(t *testing.T) {
	g := runtime.NewGraph("test")
	x := addNode(t, g, "x", newPlugin(t, generic.Config{Role: "source"}), runtime.WithDriving(true), runtime.WithActive(true))
	y := addNode(t, g, "y", newPlugin(t, generic.Config{Role: "filter"}))
	z := addNode(t, g, "z", newPlugin(t, generic.Config{Role: "sink"}), runtime.WithActive(true))
	l1 := connect(t, g, x, y)
	l2 := connect(t, g, y, z)
	require.True(t, l1.Prepared(), "err: %v", l1.Err())
	require.True(t, l2.Prepared(), "err: %v", l2.Err())

	assert.Nil(t, y.Driver())
	assert.False(t, y.Running())
	assert.Nil(t, z.Driver(), "nothing live feeds z")
	assert.False(t, z.Running())
	assert.False(t, l2.Active())
	assert.True(t, x.Passive())

	require.NoError(t, g.SetActive(y.ID(), true))
	assert.Same(t, x, y.Driver())
	assert.Same(t, x, z.Driver())
	assert.True(t, z.Running())
	assert.True(t, l2.Active())
}

func TestNodeGroup(t *testing.T) {
	g := runtime.NewGraph("test")
	x, y, l := pair(t, g, generic.Config{}, generic.Config{}, runtime.WithNodeGroup("studio"))
	z := addNode(t, g, "z", newPlugin(t, generic.Config{Role: "sink"}), runtime.WithActive(true), runtime.WithNodeGroup("studio"))
	w := addNode(t, g, "w", newPlugin(t, generic.Config{Role: "sink"}), runtime.WithActive(true), runtime.WithNodeGroup("other"))
	require.True(t, l.Active())

	assert.Same(t, x, y.Driver())
	assert.Same(t, x, z.Driver(), "z shares a node group with y")
	assert.True(t, z.Running())
	assert.Equal(t, "studio", z.NodeGroup())
	assert.Nil(t, w.Driver())

	require.NoError(t, g.SetActive(z.ID(), false))
	assert.Nil(t, z.Driver(), "inactive members stay out")
	assert.False(t, z.Running())
}

func TestSuspendOnIdle(t *testing.T) {
	g := runtime.NewGraph("test")
	x, y, l := pair(t, g, generic.Config{}, generic.Config{}, runtime.WithSuspendOnIdle(true))
	src := x.Plugin().(*generic.Plugin)
	sink := y.Plugin().(*generic.Plugin)
	require.True(t, l.Active())

	require.NoError(t, g.SetActive(y.ID(), false))
	assert.True(t, y.Suspended())
	assert.False(t, x.Suspended(), "active nodes only pause")
	assert.Equal(t, domain.LinkStateInit, l.State())
	assert.False(t, l.Prepared())
	assert.Nil(t, l.Buffers())

	in := port(t, y, domain.DirectionInput)
	assert.Equal(t, domain.PortStateConfigure, in.State())
	assert.Nil(t, in.Format())
	assert.Nil(t, sink.Format(domain.DirectionInput, 0))
	assert.Nil(t, sink.Buffers(domain.DirectionInput, 0))
	assert.Equal(t, domain.PortStateReady, port(t, x, domain.DirectionOutput).State())
	assert.Equal(t, []domain.Command{domain.CommandStart, domain.CommandPause, domain.CommandSuspend}, sink.Commands())

	g.Recalc()
	assert.Equal(t, domain.LinkStateInit, l.State(), "links of suspended nodes wait")

	require.NoError(t, g.SetActive(y.ID(), true))
	assert.False(t, y.Suspended())
	require.True(t, l.Active(), "err: %v", l.Err())
	assert.Equal(t, domain.PortStatePaused, in.State())
	assert.Equal(t, []domain.Command{domain.CommandStart, domain.CommandPause, domain.CommandSuspend, domain.CommandStart}, sink.Commands())
	assert.Equal(t, []domain.Command{domain.CommandStart, domain.CommandPause, domain.CommandStart}, src.Commands())
}

func TestIdleCommands(t *testing.T) {
	tests := []struct {
		name string
		cfg  generic.Config
		opts []runtime.NodeOption
		want []domain.Command
	}{
		{name: "pause", want: []domain.Command{domain.CommandStart, domain.CommandPause}},
		{name: "keep running", opts: []runtime.NodeOption{runtime.WithPauseOnIdle(false)}, want: []domain.Command{domain.CommandStart}},
		{
			name: "suspend unsupported",
			cfg:  generic.Config{NoSuspend: true},
			opts: []runtime.NodeOption{runtime.WithSuspendOnIdle(true)},
			want: []domain.Command{domain.CommandStart, domain.CommandPause, domain.CommandPause},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := runtime.NewGraph("test")
			_, y, _ := pair(t, g, generic.Config{}, tt.cfg, tt.opts...)
			require.True(t, y.Running())
			require.NoError(t, g.SetActive(y.ID(), false))
			assert.Equal(t, tt.want, y.Plugin().(*generic.Plugin).Commands())
		})
	}
}

func TestFeedbackClearedByDisconnect(t *testing.T) {
	g := runtime.NewGraph("test")
	x := addNode(t, g, "x", newPlugin(t, generic.Config{Role: "filter"}), runtime.WithDriving(true), runtime.WithActive(true))
	y := addNode(t, g, "y", newPlugin(t, generic.Config{Role: "filter"}), runtime.WithActive(true))
	forward := connect(t, g, x, y)
	back := connect(t, g, y, x)
	require.True(t, back.Feedback())
	require.Zero(t, x.Activation().Required.Load())

	require.NoError(t, g.Disconnect(forward.ID()))
	assert.False(t, back.Feedback(), "the cycle is gone")
	require.True(t, back.Active(), "err: %v", back.Err())
	assert.Equal(t, int32(1), x.Activation().Required.Load(), "y now feeds x")
	assert.Zero(t, y.Activation().Required.Load())

	again := connect(t, g, x, y)
	assert.True(t, again.Feedback(), "the older link keeps the forward direction")
	assert.False(t, back.Feedback())
}
