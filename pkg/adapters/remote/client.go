package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aretw0/patchbay/internal/logging"
	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/aretw0/patchbay/pkg/param"
	"github.com/aretw0/patchbay/pkg/ports"
)

// ErrClosed is reported for requests still pending when the session ends.
var ErrClosed = errors.New("remote session closed")

// fdPasser is implemented by connections that carry descriptors.
type fdPasser interface {
	PassesFDs() bool
}

// Client implements ports.Plugin for a unit served by Serve.
type Client struct {
	conn   Conn
	logger *slog.Logger

	mu       sync.Mutex
	ports    []PortCache
	listener ports.ResultFunc
	seq      uint32
	pending  map[uint32]struct{}
	io       map[portKey]*domain.IOCell

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	err       error
}

var _ ports.Plugin = (*Client)(nil)

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithClientLogger configures a logger for the Client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient starts a session on conn and waits for the unit's ports. It
// takes ownership of conn.
func NewClient(ctx context.Context, conn Conn, opts ...ClientOption) (*Client, error) {
	c := &Client{
		conn:    conn,
		logger:  logging.NewNop(),
		pending: make(map[uint32]struct{}),
		io:      make(map[portKey]*domain.IOCell),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()

	select {
	case <-c.ready:
		return c, nil
	case <-c.done:
		return nil, fmt.Errorf("remote session: %w", c.err)
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

func (c *Client) readLoop() {
	for {
		msg, fds, err := c.conn.Recv()
		if err != nil {
			c.shutdown(err)
			return
		}
		closeFDs(fds)
		switch msg.Type {
		case MsgPorts:
			c.mu.Lock()
			c.ports = msg.Ports
			c.mu.Unlock()
			c.readyOnce.Do(func() { close(c.ready) })
		case MsgResult:
			c.complete(msg.Seq, resultErr(msg))
		default:
			c.logger.Warn("remote: unexpected frame", "type", msg.Type)
		}
	}
}

func resultErr(msg *Message) error {
	if msg.Code == 0 {
		return nil
	}
	return fmt.Errorf("remote: %s: %w", msg.Err, domain.ErrnoFromCode(msg.Code))
}

func (c *Client) complete(seq uint32, err error) {
	c.mu.Lock()
	_, ok := c.pending[seq]
	delete(c.pending, seq)
	fn := c.listener
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("remote: result for unknown request", "seq", seq)
		return
	}
	if fn != nil {
		fn(seq, err)
	}
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	pending := c.pending
	c.pending = make(map[uint32]struct{})
	fn := c.listener
	c.mu.Unlock()

	close(c.done)
	if fn != nil {
		for seq := range pending {
			fn(seq, fmt.Errorf("%w: %w", ErrClosed, domain.EPIPE))
		}
	}
}

// Done is closed when the session ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close ends the session.
func (c *Client) Close() error {
	return c.conn.Close()
}

// SetListener installs the result callback.
func (c *Client) SetListener(fn ports.ResultFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = fn
}

// Ports lists the ports from the cache.
func (c *Client) Ports() []domain.PortInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	infos := make([]domain.PortInfo, len(c.ports))
	for i, p := range c.ports {
		infos[i] = p.Info
	}
	return infos
}

func (c *Client) cached(dir domain.Direction, id uint32) (*PortCache, error) {
	for i := range c.ports {
		if c.ports[i].Info.Direction == dir && c.ports[i].Info.ID == id {
			return &c.ports[i], nil
		}
	}
	return nil, fmt.Errorf("%s port %d: %w", dir, id, domain.EINVAL)
}

// PortInfo returns the capabilities of one port.
func (c *Client) PortInfo(dir domain.Direction, id uint32) (domain.PortInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, err := c.cached(dir, id)
	if err != nil {
		return domain.PortInfo{}, err
	}
	return pc.Info, nil
}

// EnumParams answers from the cache.
func (c *Client) EnumParams(dir domain.Direction, id uint32, pid param.ID, start uint32, filter *param.Object) (*param.Object, uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, err := c.cached(dir, id)
	if err != nil {
		return nil, 0, err
	}
	list, ok := pc.Params[pid]
	if !ok {
		return nil, 0, fmt.Errorf("param %s: %w", pid, domain.ENOENT)
	}
	for i := int(start); i < len(list); i++ {
		if res, ok := param.Filter(list[i], filter); ok {
			res.ID = pid
			return res, uint32(i + 1), nil
		}
	}
	return nil, 0, nil
}

// request sends msg under a fresh sequence number.
func (c *Client) request(msg *Message, fds ...int) (uint32, error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return 0, fmt.Errorf("%w: %w", ErrClosed, domain.EPIPE)
	}
	c.seq++
	if c.seq == 0 {
		c.seq = 1
	}
	msg.Seq = c.seq
	c.pending[msg.Seq] = struct{}{}
	c.mu.Unlock()

	if err := c.conn.Send(msg, fds...); err != nil {
		c.mu.Lock()
		delete(c.pending, msg.Seq)
		c.mu.Unlock()
		return 0, fmt.Errorf("%s: %v: %w", msg.Type, err, domain.EIO)
	}
	return msg.Seq, nil
}

// SetParam forwards the request; the outcome arrives through the listener.
func (c *Client) SetParam(dir domain.Direction, id uint32, pid param.ID, flags uint32, value *param.Object) (uint32, error) {
	return c.request(&Message{Type: MsgSetParam, Dir: dir, Port: id, Param: pid, Flags: flags, Value: value.Copy()})
}

// UseBuffers forwards the buffer layout. Blocks backed by a descriptor are
// shared when the connection passes descriptors.
func (c *Client) UseBuffers(dir domain.Direction, id uint32, flags uint32, bufs []*domain.Buffer) (uint32, error) {
	fp, ok := c.conn.(fdPasser)
	passFDs := ok && fp.PassesFDs()

	var fds []int
	wire := make([]WireBuffer, 0, len(bufs))
	for _, b := range bufs {
		wb := WireBuffer{ID: b.ID, Blocks: make([]WireBlock, len(b.Blocks))}
		for j, blk := range b.Blocks {
			wblk := WireBlock{MaxSize: blk.MaxSize, FD: -1}
			if passFDs && blk.FD >= 0 && blk.Data != nil {
				wblk.FD = len(fds)
				wblk.MapOffset = blk.MapOffset
				wblk.MapSize = blk.MapOffset + uint32(len(blk.Data))
				fds = append(fds, blk.FD)
			}
			wb.Blocks[j] = wblk
		}
		wire = append(wire, wb)
	}
	return c.request(&Message{Type: MsgUseBuffers, Dir: dir, Port: id, Flags: flags, Buffers: wire}, fds...)
}

// SetIO records the cell. The peer keeps its own cells.
func (c *Client) SetIO(dir domain.Direction, id uint32, kind domain.IOKind, cell *domain.IOCell) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.cached(dir, id); err != nil {
		return err
	}
	if kind != domain.IOKindBuffers {
		return domain.ENOTSUP
	}
	c.io[portKey{dir, id}] = cell
	return nil
}

// Process does nothing locally: the peer runs its cycle when its trigger
// fires.
func (c *Client) Process() domain.ProcessStatus {
	return domain.ProcessOK
}
