package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/aretw0/patchbay/internal/logging"
	"github.com/aretw0/patchbay/pkg/adapters/shm"
	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/aretw0/patchbay/pkg/mem"
	"github.com/aretw0/patchbay/pkg/param"
	"github.com/aretw0/patchbay/pkg/ports"
)

// enumerated lists the parameters pushed to clients.
var enumerated = []param.ID{param.IDEnumFormat, param.IDFormat, param.IDBuffers}

// maxParams bounds one enumeration, in case a unit never reports the end.
const maxParams = 256

type portKey struct {
	dir  domain.Direction
	port uint32
}

type server struct {
	conn   Conn
	plugin ports.Plugin
	logger *slog.Logger

	mu      sync.Mutex
	pending map[uint32]uint32
	early   map[uint32]error
	mapped  map[portKey][]mem.Region
}

// ServeOption configures Serve.
type ServeOption func(*server)

// WithServeLogger configures a logger for Serve.
func WithServeLogger(logger *slog.Logger) ServeOption {
	return func(s *server) {
		s.logger = logger
	}
}

// Serve exposes plugin over conn until ctx ends or the peer hangs up. It
// takes ownership of conn.
func Serve(ctx context.Context, conn Conn, plugin ports.Plugin, opts ...ServeOption) error {
	s := &server{
		conn:    conn,
		plugin:  plugin,
		logger:  logging.NewNop(),
		pending: make(map[uint32]uint32),
		early:   make(map[uint32]error),
		mapped:  make(map[portKey][]mem.Region),
	}
	for _, opt := range opts {
		opt(s)
	}
	defer s.unmapAll()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		conn.Close()
	}()

	plugin.SetListener(s.onResult)
	if err := s.pushPorts(); err != nil {
		return err
	}

	for {
		msg, fds, err := conn.Recv()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("remote serve: %w", err)
		}
		s.handle(msg, fds)
	}
}

func (s *server) handle(msg *Message, fds []int) {
	switch msg.Type {
	case MsgSetParam:
		closeFDs(fds)
		seq, err := s.plugin.SetParam(msg.Dir, msg.Port, msg.Param, msg.Flags, msg.Value)
		s.track(msg.Seq, seq, err)
	case MsgUseBuffers:
		bufs, regions, err := s.buffers(msg, fds)
		if err != nil {
			s.reply(msg.Seq, err)
			return
		}
		seq, err := s.plugin.UseBuffers(msg.Dir, msg.Port, msg.Flags, bufs)
		if err == nil {
			s.swapMapped(portKey{msg.Dir, msg.Port}, regions)
		} else {
			closeRegions(regions)
		}
		s.track(msg.Seq, seq, err)
	default:
		closeFDs(fds)
		s.logger.Warn("remote: unexpected frame", "type", msg.Type)
	}
}

// track completes request reqSeq now, or once the unit reports pluginSeq.
func (s *server) track(reqSeq, pluginSeq uint32, err error) {
	if err != nil || pluginSeq == 0 {
		s.finish(reqSeq, err)
		return
	}
	s.mu.Lock()
	if early, ok := s.early[pluginSeq]; ok {
		delete(s.early, pluginSeq)
		s.mu.Unlock()
		s.finish(reqSeq, early)
		return
	}
	s.pending[pluginSeq] = reqSeq
	s.mu.Unlock()
}

func (s *server) onResult(pluginSeq uint32, err error) {
	s.mu.Lock()
	reqSeq, ok := s.pending[pluginSeq]
	if !ok {
		// Completed before track saw the sequence.
		s.early[pluginSeq] = err
		s.mu.Unlock()
		return
	}
	delete(s.pending, pluginSeq)
	s.mu.Unlock()
	s.finish(reqSeq, err)
}

// finish refreshes the client's cache before completing, so the client sees
// the new parameters by the time its listener runs.
func (s *server) finish(reqSeq uint32, err error) {
	if err == nil {
		if perr := s.pushPorts(); perr != nil {
			s.logger.Warn("remote: port update failed", "error", perr)
		}
	}
	s.reply(reqSeq, err)
}

func (s *server) reply(seq uint32, err error) {
	res := &Message{Type: MsgResult, Seq: seq}
	if err != nil {
		res.Code = domain.CodeOf(err)
		res.Err = err.Error()
	}
	if serr := s.conn.Send(res); serr != nil {
		s.logger.Warn("remote: reply failed", "seq", seq, "error", serr)
	}
}

func (s *server) pushPorts() error {
	infos := s.plugin.Ports()
	cache := make([]PortCache, 0, len(infos))
	for _, info := range infos {
		pc := PortCache{Info: info, Params: make(map[param.ID][]*param.Object)}
		for _, id := range enumerated {
			var list []*param.Object
			for start, n := uint32(0), 0; n < maxParams; n++ {
				obj, next, err := s.plugin.EnumParams(info.Direction, info.ID, id, start, nil)
				if err != nil || obj == nil {
					break
				}
				list = append(list, obj)
				start = next
			}
			pc.Params[id] = list
		}
		cache = append(cache, pc)
	}
	return s.conn.Send(&Message{Type: MsgPorts, Ports: cache})
}

// buffers rebuilds the buffer list of a frame, mapping passed descriptors.
func (s *server) buffers(msg *Message, fds []int) ([]*domain.Buffer, []mem.Region, error) {
	used := make([]bool, len(fds))
	var regions []mem.Region
	fail := func(err error) ([]*domain.Buffer, []mem.Region, error) {
		closeRegions(regions)
		for i, fd := range fds {
			if !used[i] {
				closeFDs([]int{fd})
			}
		}
		return nil, nil, err
	}

	bufs := make([]*domain.Buffer, 0, len(msg.Buffers))
	for _, wb := range msg.Buffers {
		b := &domain.Buffer{ID: wb.ID, Blocks: make([]domain.Block, len(wb.Blocks))}
		for j, wblk := range wb.Blocks {
			blk := domain.Block{MaxSize: wblk.MaxSize, Chunk: &domain.Chunk{}, FD: -1}
			switch {
			case wblk.FD >= 0:
				if wblk.FD >= len(fds) || used[wblk.FD] {
					return fail(fmt.Errorf("block fd index %d: %w", wblk.FD, domain.EINVAL))
				}
				if uint64(wblk.MapOffset)+uint64(wblk.MaxSize) > uint64(wblk.MapSize) {
					return fail(fmt.Errorf("block outside its mapping: %w", domain.EINVAL))
				}
				region, err := shm.Map(fds[wblk.FD], int(wblk.MapSize))
				if err != nil {
					return fail(err)
				}
				used[wblk.FD] = true
				regions = append(regions, region)
				blk.Data = region.Bytes()[wblk.MapOffset : wblk.MapOffset+wblk.MaxSize]
				blk.FD = region.FD()
				blk.MapOffset = wblk.MapOffset
			case msg.Flags&domain.BuffersFlagAlloc == 0:
				// Memory stays on the client; the unit works on a local copy.
				blk.Data = make([]byte, wblk.MaxSize)
			}
			b.Blocks[j] = blk
		}
		bufs = append(bufs, b)
	}
	for i, fd := range fds {
		if !used[i] {
			closeFDs([]int{fd})
		}
	}
	return bufs, regions, nil
}

func (s *server) swapMapped(key portKey, regions []mem.Region) {
	s.mu.Lock()
	old := s.mapped[key]
	if len(regions) > 0 {
		s.mapped[key] = regions
	} else {
		delete(s.mapped, key)
	}
	s.mu.Unlock()
	closeRegions(old)
}

func (s *server) unmapAll() {
	s.mu.Lock()
	all := s.mapped
	s.mapped = nil
	s.mu.Unlock()
	for _, regions := range all {
		closeRegions(regions)
	}
}

func closeRegions(regions []mem.Region) {
	for _, r := range regions {
		_ = r.Close()
	}
}
