package remote_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/aretw0/patchbay/pkg/adapters/remote"
	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/aretw0/patchbay/pkg/param"
	"github.com/aretw0/patchbay/pkg/plugins/generic"
	"github.com/aretw0/patchbay/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type result struct {
	seq uint32
	err error
}

type session struct {
	client  *remote.Client
	results chan result
	cancel  context.CancelFunc
	served  chan error
}

func start(t *testing.T, client, server remote.Conn, p ports.Plugin) *session {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{results: make(chan result, 16), cancel: cancel, served: make(chan error, 1)}
	go func() { s.served <- remote.Serve(ctx, server, p) }()

	c, err := remote.NewClient(ctx, client)
	require.NoError(t, err)
	c.SetListener(func(seq uint32, err error) { s.results <- result{seq, err} })
	s.client = c
	t.Cleanup(func() {
		cancel()
		c.Close()
		<-s.served
	})
	return s
}

func startPipe(t *testing.T, p ports.Plugin) *session {
	a, b := net.Pipe()
	return start(t, remote.NewStreamConn(a), remote.NewStreamConn(b), p)
}

func (s *session) next(t *testing.T) result {
	t.Helper()
	select {
	case r := <-s.results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no result")
		return result{}
	}
}

func fixedFormat(t *testing.T, pl ports.Plugin, dir domain.Direction) *param.Object {
	t.Helper()
	f, _, err := pl.EnumParams(dir, 0, param.IDEnumFormat, 0, nil)
	require.NoError(t, err)
	require.NotNil(t, f)
	f = param.Fixate(f)
	f.ID = param.IDFormat
	return f
}

func TestPortCache(t *testing.T) {
	p, err := generic.New(generic.Config{
		Outputs: []generic.PortConfig{{
			Formats: []map[string]any{
				{"audio.rate": 44100},
				{"audio.rate": []any{48000, 96000}},
			},
			Buffers:  map[string]any{"buffers.size": 1024},
			CanAlloc: true,
		}},
	})
	require.NoError(t, err)
	c := startPipe(t, p).client

	infos := c.Ports()
	require.Len(t, infos, 1)
	assert.Equal(t, p.Ports(), infos)
	info, err := c.PortInfo(domain.DirectionOutput, 0)
	require.NoError(t, err)
	assert.True(t, info.Flags.Has(domain.PortCanAllocBuffers))

	filter := param.New(param.IDEnumFormat).Set(param.KeyAudioRate, param.Fixed(96000))
	match, next, err := c.EnumParams(domain.DirectionOutput, 0, param.IDEnumFormat, 0, filter)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), next)
	rate, _ := match.Int(param.KeyAudioRate)
	assert.Equal(t, int64(96000), rate)

	end, _, err := c.EnumParams(domain.DirectionOutput, 0, param.IDEnumFormat, 2, nil)
	require.NoError(t, err)
	assert.Nil(t, end)

	bufs, _, err := c.EnumParams(domain.DirectionOutput, 0, param.IDBuffers, 0, nil)
	require.NoError(t, err)
	size, _ := bufs.Int(param.KeyBuffersSize)
	assert.Equal(t, int64(1024), size)

	_, _, err = c.EnumParams(domain.DirectionInput, 0, param.IDEnumFormat, 0, nil)
	assert.ErrorIs(t, err, domain.EINVAL)
	_, _, err = c.EnumParams(domain.DirectionOutput, 0, param.IDInvalid, 0, nil)
	assert.ErrorIs(t, err, domain.ENOENT)
	_, err = c.PortInfo(domain.DirectionOutput, 3)
	assert.ErrorIs(t, err, domain.EINVAL)
}

func TestSetParam(t *testing.T) {
	p, err := generic.New(generic.Config{Role: "sink"})
	require.NoError(t, err)
	s := startPipe(t, p)
	c := s.client

	f := fixedFormat(t, c, domain.DirectionInput)
	seq, err := c.SetParam(domain.DirectionInput, 0, param.IDFormat, 0, f)
	require.NoError(t, err)
	assert.NotZero(t, seq, "remote calls always complete asynchronously")

	r := s.next(t)
	assert.Equal(t, seq, r.seq)
	require.NoError(t, r.err)
	assert.True(t, f.Equal(p.Format(domain.DirectionInput, 0)))

	cur, _, err := c.EnumParams(domain.DirectionInput, 0, param.IDFormat, 0, nil)
	require.NoError(t, err)
	assert.True(t, f.Equal(cur), "the cache is refreshed before the result")

	p.FailNext(generic.OpSetFormat, domain.EBUSY)
	seq, err = c.SetParam(domain.DirectionInput, 0, param.IDFormat, 0, f)
	require.NoError(t, err)
	r = s.next(t)
	assert.Equal(t, seq, r.seq)
	assert.ErrorIs(t, r.err, domain.EBUSY)
}

func TestAsyncUnit(t *testing.T) {
	p, err := generic.New(generic.Config{Role: "sink"}, generic.WithAsync(true))
	require.NoError(t, err)
	s := startPipe(t, p)
	c := s.client

	seq, err := c.SetParam(domain.DirectionInput, 0, param.IDFormat, 0, fixedFormat(t, c, domain.DirectionInput))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Pending() == 1 }, time.Second, time.Millisecond)
	select {
	case r := <-s.results:
		t.Fatalf("completed early: %+v", r)
	default:
	}

	assert.Equal(t, 1, p.CompletePending())
	r := s.next(t)
	assert.Equal(t, seq, r.seq)
	assert.NoError(t, r.err)

	p.FailNext(generic.OpUseBuffers, domain.ENOMEM)
	seq, err = c.UseBuffers(domain.DirectionInput, 0, 0, newBuffers(2))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Pending() == 1 }, time.Second, time.Millisecond)
	p.CompletePending()
	r = s.next(t)
	assert.Equal(t, seq, r.seq)
	assert.ErrorIs(t, r.err, domain.ENOMEM)
}

func newBuffers(n int) []*domain.Buffer {
	bufs := make([]*domain.Buffer, n)
	for i := range bufs {
		bufs[i] = &domain.Buffer{ID: uint32(i), Blocks: []domain.Block{{MaxSize: 8, Chunk: &domain.Chunk{}, FD: -1}}}
	}
	return bufs
}

func TestUseBuffers(t *testing.T) {
	p, err := generic.New(generic.Config{Outputs: []generic.PortConfig{{CanAlloc: true}}})
	require.NoError(t, err)
	s := startPipe(t, p)
	c := s.client

	_, err = c.SetParam(domain.DirectionOutput, 0, param.IDFormat, 0, fixedFormat(t, c, domain.DirectionOutput))
	require.NoError(t, err)
	require.NoError(t, s.next(t).err)

	_, err = c.UseBuffers(domain.DirectionOutput, 0, 0, newBuffers(2))
	require.NoError(t, err)
	require.NoError(t, s.next(t).err)
	bufs := p.Buffers(domain.DirectionOutput, 0)
	require.Len(t, bufs, 2)
	assert.Len(t, bufs[1].Blocks[0].Data, 8, "memory without a descriptor stays local to the unit")
	calls := p.UseCalls(domain.DirectionOutput, 0)
	require.Len(t, calls, 1)
	assert.True(t, calls[0].HasData)

	_, err = c.UseBuffers(domain.DirectionOutput, 0, domain.BuffersFlagAlloc, newBuffers(3))
	require.NoError(t, err)
	require.NoError(t, s.next(t).err)
	calls = p.UseCalls(domain.DirectionOutput, 0)
	require.Len(t, calls, 2)
	assert.Equal(t, generic.UseCall{Flags: domain.BuffersFlagAlloc, Count: 3, HasData: false}, calls[1])

	_, err = c.UseBuffers(domain.DirectionOutput, 0, 0, nil)
	require.NoError(t, err)
	require.NoError(t, s.next(t).err)
	assert.Empty(t, p.Buffers(domain.DirectionOutput, 0))
}

func TestSetIO(t *testing.T) {
	p, err := generic.New(generic.Config{Role: "sink"})
	require.NoError(t, err)
	c := startPipe(t, p).client

	cell := &domain.IOCell{}
	assert.NoError(t, c.SetIO(domain.DirectionInput, 0, domain.IOKindBuffers, cell))
	assert.ErrorIs(t, c.SetIO(domain.DirectionInput, 0, domain.IOKind(99), cell), domain.ENOTSUP)
	assert.ErrorIs(t, c.SetIO(domain.DirectionOutput, 0, domain.IOKindBuffers, cell), domain.EINVAL)
	assert.Equal(t, domain.ProcessOK, c.Process())
}

func TestPeerGone(t *testing.T) {
	p, err := generic.New(generic.Config{Role: "sink"}, generic.WithAsync(true))
	require.NoError(t, err)
	s := startPipe(t, p)
	c := s.client

	seq, err := c.SetParam(domain.DirectionInput, 0, param.IDFormat, 0, fixedFormat(t, c, domain.DirectionInput))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Pending() == 1 }, time.Second, time.Millisecond)

	s.cancel()
	assert.NoError(t, <-s.served)
	s.served <- nil

	r := s.next(t)
	assert.Equal(t, seq, r.seq)
	assert.ErrorIs(t, r.err, remote.ErrClosed)
	assert.ErrorIs(t, r.err, domain.EPIPE)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("session still open")
	}
	_, err = c.SetParam(domain.DirectionInput, 0, param.IDFormat, 0, nil)
	assert.ErrorIs(t, err, domain.EPIPE)
}

func TestNewClientCanceled(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := remote.NewClient(ctx, remote.NewStreamConn(a))
	assert.ErrorIs(t, err, context.DeadlineExceeded, "a silent peer never sends its ports")
}

func TestStreamConnRejectsDescriptors(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	err := remote.NewStreamConn(a).Send(&remote.Message{Type: remote.MsgResult}, 3)
	assert.ErrorIs(t, err, domain.ENOTSUP)
}
