package runtime_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aretw0/patchbay/internal/runtime"
	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/aretw0/patchbay/pkg/param"
	"github.com/aretw0/patchbay/pkg/plugins/generic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiationSuccess(t *testing.T) {
	var states []domain.LinkState
	g := runtime.NewGraph("test", runtime.WithHooks(domain.LifecycleHooks{
		OnLinkState: func(_ context.Context, e *domain.LinkEvent) { states = append(states, e.New) },
	}))
	x, y, l := pair(t, g,
		generic.Config{Outputs: []generic.PortConfig{{Formats: []map[string]any{
			audioFormat(22050),
			audioFormat([]any{96000, 48000}),
		}}}},
		generic.Config{Inputs: []generic.PortConfig{{Formats: []map[string]any{
			audioFormat(map[string]any{"min": 32000, "max": 48000, "default": 48000}),
		}}}},
	)

	require.Equal(t, domain.LinkStateActive, l.State(), "err: %v", l.Err())
	assert.Equal(t, []domain.LinkState{
		domain.LinkStateNegotiating,
		domain.LinkStateAllocating,
		domain.LinkStatePaused,
		domain.LinkStateActive,
	}, states)

	f := l.Format()
	require.NotNil(t, f)
	assert.True(t, f.IsFixed())
	rate, _ := f.Int(param.KeyAudioRate)
	assert.Equal(t, int64(48000), rate, "first output candidate the input accepts")

	out, in := port(t, x, domain.DirectionOutput), port(t, y, domain.DirectionInput)
	assert.True(t, f.Equal(out.Format()))
	assert.True(t, f.Equal(in.Format()))
	assert.Equal(t, domain.PortStatePaused, out.State())
	assert.Equal(t, domain.PortStatePaused, in.State())
	assert.Same(t, l.Buffers(), out.Buffers())
	assert.Same(t, l.Buffers(), in.Buffers())
	assert.Equal(t, runtime.DefaultBufferCount, l.Buffers().Len())
	assert.True(t, l.Prepared())
	assert.Nil(t, l.Diagnostics())

	snap := g.Snapshot()
	require.Len(t, snap.Links, 1)
	assert.Equal(t, "link", snap.Links[0].Allocator)
}

func TestBufferParams(t *testing.T) {
	g := runtime.NewGraph("test")
	_, _, l := pair(t, g,
		generic.Config{Outputs: []generic.PortConfig{{Buffers: map[string]any{
			"buffers.count": map[string]any{"min": 2, "max": 16, "default": 8},
			"buffers.size":  map[string]any{"min": 256, "max": 4096, "default": 4096},
		}}}},
		generic.Config{Inputs: []generic.PortConfig{{Buffers: map[string]any{
			"buffers.count": map[string]any{"min": 1, "max": 4, "default": 3},
			"buffers.size":  512,
			"buffers.align": 64,
		}}}},
	)
	require.True(t, l.Prepared(), "err: %v", l.Err())

	set := l.Buffers()
	assert.Equal(t, uint32(3), set.Params.Count, "input preference survives the intersection")
	assert.Equal(t, uint32(512), set.Params.Size)
	assert.Equal(t, uint32(64), set.Params.Align)
	for _, b := range set.Buffers {
		require.Len(t, b.Blocks, 1)
		assert.Len(t, b.Blocks[0].Data, 512)
	}
}

func TestMinBuffers(t *testing.T) {
	g := runtime.NewGraph("test")
	x := addNode(t, g, "x", newPlugin(t, generic.Config{Role: "source"}), runtime.WithDriving(true), runtime.WithActive(true))
	y := addNode(t, g, "y", newPlugin(t, generic.Config{Role: "sink"}), runtime.WithActive(true))
	l := connect(t, g, x, y, runtime.WithMinBuffers(6))
	assert.Equal(t, 6, l.Buffers().Len())
}

// Scenario C: the only formats differ in sample rate.
func TestNoCommonFormat(t *testing.T) {
	var failed []*domain.LinkEvent
	g := runtime.NewGraph("test", runtime.WithHooks(domain.LifecycleHooks{
		OnNegotiationFailed: func(_ context.Context, e *domain.LinkEvent) { failed = append(failed, e) },
	}))
	x, y, l := pair(t, g,
		generic.Config{Outputs: []generic.PortConfig{{Formats: []map[string]any{audioFormat(44100)}}}},
		generic.Config{Inputs: []generic.PortConfig{{Formats: []map[string]any{audioFormat(48000)}}}},
	)

	assert.Equal(t, domain.LinkStateError, l.State())
	assert.ErrorIs(t, l.Err(), domain.ENOENT)
	assert.False(t, l.Prepared())
	assert.False(t, l.Active())

	var ne *domain.NegotiationError
	require.True(t, errors.As(l.Err(), &ne))
	assert.Same(t, ne, l.Diagnostics())
	require.Len(t, ne.OutputCandidates, 1)
	require.Len(t, ne.InputCandidates, 1)
	outRate, _ := ne.OutputCandidates[0].Int(param.KeyAudioRate)
	inRate, _ := ne.InputCandidates[0].Int(param.KeyAudioRate)
	assert.Equal(t, int64(44100), outRate)
	assert.Equal(t, int64(48000), inRate)

	for _, p := range []*runtime.Port{port(t, x, domain.DirectionOutput), port(t, y, domain.DirectionInput)} {
		assert.Equal(t, domain.PortStateConfigure, p.State(), "ports keep their previous state")
		assert.Nil(t, p.Format())
	}
	require.Len(t, failed, 1)
	assert.Equal(t, domain.EventNegotiation, failed[0].Type)
	assert.Equal(t, l.ID(), failed[0].LinkID)

	l.Prepare()
	g.Dispatch()
	assert.Equal(t, domain.LinkStateError, l.State(), "failed links are not retried by Prepare")
}

func TestFormatFromConfiguredPeer(t *testing.T) {
	g := runtime.NewGraph("test")
	x := addNode(t, g, "x", newPlugin(t, generic.Config{Outputs: []generic.PortConfig{{
		Formats: []map[string]any{audioFormat([]any{44100, 48000})},
	}}}), runtime.WithDriving(true), runtime.WithActive(true))
	y := addNode(t, g, "y", newPlugin(t, generic.Config{Inputs: []generic.PortConfig{{
		Format: audioFormat(48000),
	}}}), runtime.WithActive(true))

	in := port(t, y, domain.DirectionInput)
	require.Equal(t, domain.PortStateReady, in.State(), "a preset format counts as configured")

	l := connect(t, g, x, y)
	require.True(t, l.Prepared(), "err: %v", l.Err())
	rate, _ := port(t, x, domain.DirectionOutput).Format().Int(param.KeyAudioRate)
	assert.Equal(t, int64(48000), rate, "the output follows the configured input")
}

// Scenario D: both sides can allocate.
func TestAllocationOwnership(t *testing.T) {
	g := runtime.NewGraph("test")
	src := newPlugin(t, generic.Config{Role: "source", Outputs: []generic.PortConfig{{CanAlloc: true}}})
	sink := newPlugin(t, generic.Config{Role: "sink", Inputs: []generic.PortConfig{{CanAlloc: true}}})
	x := addNode(t, g, "x", src, runtime.WithDriving(true), runtime.WithActive(true))
	y := addNode(t, g, "y", sink, runtime.WithActive(true))
	l := connect(t, g, x, y)
	require.True(t, l.Prepared(), "err: %v", l.Err())

	outCalls := src.UseCalls(domain.DirectionOutput, 0)
	require.Len(t, outCalls, 1)
	assert.Equal(t, domain.BuffersFlagAlloc, outCalls[0].Flags)
	assert.False(t, outCalls[0].HasData, "the allocating side gets skeleton buffers")

	inCalls := sink.UseCalls(domain.DirectionInput, 0)
	require.Len(t, inCalls, 1)
	assert.Zero(t, inCalls[0].Flags)
	assert.True(t, inCalls[0].HasData, "the peer gets filled-in buffers")

	assert.Zero(t, l.Buffers().Flags&domain.BufferSetNoData)
	assert.Equal(t, "output", g.Snapshot().Links[0].Allocator)
}

func TestInputAllocates(t *testing.T) {
	g := runtime.NewGraph("test")
	sink := newPlugin(t, generic.Config{Role: "sink", Inputs: []generic.PortConfig{{CanAlloc: true}}})
	src := newPlugin(t, generic.Config{Role: "source"})
	x := addNode(t, g, "x", src, runtime.WithDriving(true), runtime.WithActive(true))
	y := addNode(t, g, "y", sink, runtime.WithActive(true))
	l := connect(t, g, x, y)
	require.True(t, l.Prepared(), "err: %v", l.Err())

	assert.Equal(t, domain.BuffersFlagAlloc, sink.UseCalls(domain.DirectionInput, 0)[0].Flags)
	assert.True(t, src.UseCalls(domain.DirectionOutput, 0)[0].HasData)
}

func TestPrepareIdempotent(t *testing.T) {
	g := runtime.NewGraph("test")
	src := newPlugin(t, generic.Config{Role: "source"}, generic.WithAsync(true))
	x := addNode(t, g, "x", src, runtime.WithDriving(true), runtime.WithActive(true))
	y := addNode(t, g, "y", newPlugin(t, generic.Config{Role: "sink"}), runtime.WithActive(true))
	l := connect(t, g, x, y)

	require.Equal(t, domain.LinkStateNegotiating, l.State())
	require.Equal(t, 1, src.Pending())
	wq := g.WorkQueue()
	before := wq.Pending(l)

	l.Prepare()
	l.Prepare()
	assert.Equal(t, before, wq.Pending(l), "preparing links queue nothing new")
	g.Dispatch()
	assert.Equal(t, domain.LinkStateNegotiating, l.State())

	src.CompletePending()
	require.Equal(t, domain.LinkStateAllocating, l.State())
	src.CompletePending()
	require.True(t, l.Prepared(), "err: %v", l.Err())

	l.Prepare()
	assert.Zero(t, wq.Pending(l), "prepared links are left alone")
}

func TestAsyncUnitPreparesUnattended(t *testing.T) {
	g := runtime.NewGraph("test")
	src := newPlugin(t, generic.Config{Role: "source", Async: true})
	sink := newPlugin(t, generic.Config{Role: "sink", Async: true})
	// Results arrive on other goroutines, so graph access goes through Call.
	var y *runtime.Node
	var l *runtime.Link
	require.NoError(t, g.Call(func() error {
		x := addNode(t, g, "x", src, runtime.WithDriving(true), runtime.WithActive(true))
		y = addNode(t, g, "y", sink, runtime.WithActive(true))
		l = connect(t, g, x, y)
		return nil
	}))

	require.Eventually(t, func() bool {
		var active bool
		_ = g.Call(func() error {
			active = l.Active()
			return nil
		})
		return active
	}, 2*time.Second, time.Millisecond, "results arrive without anyone completing them")
	_ = g.Call(func() error {
		assert.True(t, y.Running())
		return nil
	})
}

func TestAsyncApplyFailure(t *testing.T) {
	g := runtime.NewGraph("test")
	sink := newPlugin(t, generic.Config{Role: "sink"}, generic.WithAsync(true))
	x := addNode(t, g, "x", newPlugin(t, generic.Config{Role: "source"}), runtime.WithDriving(true), runtime.WithActive(true))
	y := addNode(t, g, "y", sink, runtime.WithActive(true))
	sink.FailNext(generic.OpSetFormat, domain.EINVAL)
	l := connect(t, g, x, y)
	require.Equal(t, domain.LinkStateNegotiating, l.State())

	sink.CompletePending()
	assert.Equal(t, domain.LinkStateError, l.State())
	assert.ErrorIs(t, l.Err(), domain.EINVAL)
	require.NotNil(t, l.Diagnostics())
	assert.Equal(t, domain.DirectionInput, l.Diagnostics().Side)
	assert.Equal(t, domain.PortStateError, port(t, y, domain.DirectionInput).State())

	require.NoError(t, g.Disconnect(l.ID()))
	assert.Equal(t, domain.PortStateConfigure, port(t, y, domain.DirectionInput).State(),
		"an idle port forgets its error")
}

func TestTransientFailure(t *testing.T) {
	g := runtime.NewGraph("test")
	sink := newPlugin(t, generic.Config{Role: "sink"})
	x := addNode(t, g, "x", newPlugin(t, generic.Config{Role: "source"}), runtime.WithDriving(true), runtime.WithActive(true))
	y := addNode(t, g, "y", sink, runtime.WithActive(true))
	sink.FailNext(generic.OpUseBuffers, domain.EBUSY)
	l := connect(t, g, x, y)

	// The busy port fails the first attempt; the nudge of the next recalc
	// prepares the link again.
	if !l.Prepared() {
		assert.Equal(t, domain.LinkStateInit, l.State())
		assert.Nil(t, l.Diagnostics(), "transient failures leave no diagnostics")
		g.Recalc()
		g.Dispatch()
	}
	assert.True(t, l.Prepared(), "err: %v", l.Err())
	assert.Len(t, l.Buffers().Buffers, runtime.DefaultBufferCount)
	assert.Equal(t, domain.PortStatePaused, port(t, y, domain.DirectionInput).State())
}

// Scenario E: the link goes away while a buffer completion is outstanding.
func TestDestroyWhileAllocating(t *testing.T) {
	g := runtime.NewGraph("test")
	src := newPlugin(t, generic.Config{Role: "source"}, generic.WithAsync(true))
	sink := newPlugin(t, generic.Config{Role: "sink"}, generic.WithAsync(true))
	x := addNode(t, g, "x", src, runtime.WithDriving(true), runtime.WithActive(true))
	y := addNode(t, g, "y", sink, runtime.WithActive(true))
	l := connect(t, g, x, y)

	src.CompletePending()
	sink.CompletePending()
	require.Equal(t, domain.LinkStateAllocating, l.State())
	require.Equal(t, 1, src.Pending())
	require.Equal(t, 1, sink.Pending())

	set := l.Buffers()
	require.NotNil(t, set)
	mem := g.Memory()
	require.Equal(t, 2, mem.Owned(l.ID()), "io cell and buffer memory")
	liveBefore, _ := mem.Live()

	require.NoError(t, g.Disconnect(l.ID()))
	assert.True(t, set.Released())
	assert.Zero(t, mem.Owned(l.ID()))
	live, _ := mem.Live()
	assert.Equal(t, liveBefore-2, live)

	wq := g.WorkQueue()
	assert.Zero(t, wq.Pending(l))

	assert.Equal(t, 1, src.CompletePending(), "late results are delivered and dropped")
	assert.Equal(t, 1, sink.CompletePending())
	assert.Equal(t, domain.PortStateConfigure, port(t, x, domain.DirectionOutput).State())
	assert.Nil(t, src.Buffers(domain.DirectionOutput, 0))

	_, err := g.Link(l.ID())
	assert.ErrorIs(t, err, domain.ErrLinkNotFound)
}

func TestSharedOutputPort(t *testing.T) {
	g := runtime.NewGraph("test")
	src := newPlugin(t, generic.Config{Role: "source"})
	x := addNode(t, g, "x", src, runtime.WithDriving(true), runtime.WithActive(true))
	y := addNode(t, g, "y", newPlugin(t, generic.Config{Role: "sink"}), runtime.WithActive(true))
	z := addNode(t, g, "z", newPlugin(t, generic.Config{Role: "sink"}), runtime.WithActive(true))

	l1 := connect(t, g, x, y)
	l2 := connect(t, g, x, z)
	require.True(t, l1.Prepared())
	require.True(t, l2.Prepared(), "err: %v", l2.Err())

	out := port(t, x, domain.DirectionOutput)
	assert.Equal(t, 2, out.Mixes())
	assert.Same(t, l1.Buffers(), l2.Buffers(), "the second link reuses the port buffers")
	assert.Len(t, src.UseCalls(domain.DirectionOutput, 0), 1)

	set := l1.Buffers()
	require.NoError(t, g.Disconnect(l1.ID()))
	assert.False(t, set.Released(), "the port still uses the set")
	assert.Same(t, set, out.Buffers())

	require.NoError(t, g.Disconnect(l2.ID()))
	assert.True(t, set.Released())
	assert.Nil(t, out.Buffers())
}

func TestClearFormatRenegotiates(t *testing.T) {
	g := runtime.NewGraph("test")
	_, y, l := pair(t, g, generic.Config{}, generic.Config{})
	require.True(t, l.Active())
	first := l.Buffers()

	require.NoError(t, g.ClearFormat(y.ID(), domain.DirectionInput, 0))
	assert.True(t, first.Released())
	assert.True(t, l.Prepared(), "err: %v", l.Err())
	assert.True(t, l.Active())
	assert.NotSame(t, first, l.Buffers())
	assert.Equal(t, int32(1), y.Activation().Required.Load())
}

func TestConnectErrors(t *testing.T) {
	g := runtime.NewGraph("test")
	x, y, _ := pair(t, g, generic.Config{}, generic.Config{})

	_, err := g.Connect(runtime.PortRef{Node: x.ID()}, runtime.PortRef{Node: y.ID()})
	assert.ErrorIs(t, err, domain.ErrLinkExists)

	_, err = g.Connect(runtime.PortRef{Node: y.ID()}, runtime.PortRef{Node: x.ID()})
	assert.ErrorIs(t, err, domain.ErrInvalidDirection)

	_, err = g.Connect(runtime.PortRef{Node: x.ID(), Port: 7}, runtime.PortRef{Node: y.ID()})
	assert.ErrorIs(t, err, domain.ErrPortNotFound)

	_, err = g.Connect(runtime.PortRef{Node: 99}, runtime.PortRef{Node: y.ID()})
	assert.ErrorIs(t, err, domain.ErrNodeNotFound)

	assert.ErrorIs(t, g.Disconnect(99), domain.ErrLinkNotFound)
}
