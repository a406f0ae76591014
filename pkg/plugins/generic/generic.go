// Package generic provides a configurable processing unit used as source,
// sink or pass-through filter.
//
// The unit advertises whatever formats and buffer requirements its Config
// lists, can complete its configuration calls asynchronously and can be told
// to fail them, which makes it the reference unit of the daemon and the
// workhorse of the negotiation tests.
package generic

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/aretw0/patchbay/internal/logging"
	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/aretw0/patchbay/pkg/param"
	"github.com/aretw0/patchbay/pkg/ports"
)

// Name is the registry name of the unit.
const Name = "generic"

// Op names a configuration operation for failure injection.
type Op int

const (
	OpSetFormat Op = iota
	OpUseBuffers
)

// UseCall records one UseBuffers call as the unit saw it on entry.
type UseCall struct {
	Flags   uint32
	Count   int
	HasData bool
}

// Stats are the data counters of one port.
type Stats struct {
	Produced uint64
	Consumed uint64
	Last     []byte
}

type port struct {
	info    domain.PortInfo
	formats []*param.Object
	buffers *param.Object

	format *param.Object
	bufs   []*domain.Buffer
	io     *domain.IOCell
	calls  []UseCall
	next   uint32
	stats  Stats
}

type result struct {
	seq uint32
	err error
}

// Plugin is the generic unit. It is safe for concurrent use; the listener is
// never called with the internal lock held.
type Plugin struct {
	mu       sync.Mutex
	logger   *slog.Logger
	listener ports.ResultFunc
	ports    [2][]*port

	async   bool
	hold    bool
	sending bool
	fail    map[Op]error
	failOne map[Op]error
	seq     uint32
	pending []result
	pattern uint8
	cycles  uint64
	onProc  func(*Plugin)

	noSuspend bool
	commands  []domain.Command
}

// Option configures a Plugin.
type Option func(*Plugin)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Plugin) {
		p.logger = logger
	}
}

// WithAsync makes configuration calls asynchronous and holds their results
// until CompletePending.
func WithAsync(async bool) Option {
	return func(p *Plugin) {
		p.async = async
		p.hold = async
	}
}

// WithOnProcess calls fn at the start of every cycle.
func WithOnProcess(fn func(*Plugin)) Option {
	return func(p *Plugin) {
		p.onProc = fn
	}
}

// New builds a unit from cfg.
func New(cfg Config, opts ...Option) (*Plugin, error) {
	cfg, err := cfg.withRole()
	if err != nil {
		return nil, err
	}
	p := &Plugin{
		logger:  logging.NewNop(),
		async:   cfg.Async,
		fail:    make(map[Op]error),
		failOne: make(map[Op]error),
		pattern: cfg.Pattern,

		noSuspend: cfg.NoSuspend,
	}
	for op, name := range map[Op]string{OpSetFormat: cfg.Fail.SetFormat, OpUseBuffers: cfg.Fail.UseBuffers} {
		e, err := ParseErrno(name)
		if err != nil {
			return nil, err
		}
		if e != 0 {
			p.fail[op] = e
		}
	}
	for i, pc := range cfg.Inputs {
		if err := p.addPort(domain.DirectionInput, uint32(i), pc); err != nil {
			return nil, err
		}
	}
	for i, pc := range cfg.Outputs {
		if err := p.addPort(domain.DirectionOutput, uint32(i), pc); err != nil {
			return nil, err
		}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Factory builds a unit from node props.
func Factory(props map[string]any, logger *slog.Logger) (ports.Plugin, error) {
	cfg, err := Decode(props)
	if err != nil {
		return nil, err
	}
	return New(cfg, WithLogger(logger))
}

func (p *Plugin) addPort(dir domain.Direction, id uint32, pc PortConfig) error {
	name := pc.Name
	if name == "" {
		name = fmt.Sprintf("%s_%d", dir, id)
	}
	pt := &port{info: domain.PortInfo{Direction: dir, ID: id, Name: name}}
	if pc.CanAlloc {
		pt.info.Flags |= domain.PortCanAllocBuffers
	}
	if pc.Passive {
		pt.info.Flags |= domain.PortPassive
	}
	formats := pc.Formats
	if len(formats) == 0 && pc.Format == nil {
		formats = []map[string]any{DefaultFormat()}
	}
	for _, f := range formats {
		obj, err := ParseObject(param.IDEnumFormat, f)
		if err != nil {
			return fmt.Errorf("port %s: %w", name, err)
		}
		pt.formats = append(pt.formats, obj)
	}
	if pc.Format != nil {
		obj, err := ParseObject(param.IDFormat, pc.Format)
		if err != nil {
			return fmt.Errorf("port %s: %w", name, err)
		}
		if !obj.IsFixed() {
			return fmt.Errorf("port %s: initial format must be fixed", name)
		}
		pt.format = obj
		if len(pc.Formats) == 0 {
			enum := obj.Copy()
			enum.ID = param.IDEnumFormat
			pt.formats = []*param.Object{enum}
		}
	}
	buf, err := ParseObject(param.IDBuffers, pc.Buffers)
	if err != nil {
		return fmt.Errorf("port %s: %w", name, err)
	}
	pt.buffers = buf
	p.ports[dir] = append(p.ports[dir], pt)
	return nil
}

func (p *Plugin) port(dir domain.Direction, id uint32) (*port, error) {
	if int(dir) >= len(p.ports) {
		return nil, domain.EINVAL
	}
	for _, pt := range p.ports[dir] {
		if pt.info.ID == id {
			return pt, nil
		}
	}
	return nil, fmt.Errorf("%s port %d: %w", dir, id, domain.EINVAL)
}

// SetListener installs the result callback. A nil fn drops results.
func (p *Plugin) SetListener(fn ports.ResultFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = fn
}

// Ports lists the configured ports, inputs first.
func (p *Plugin) Ports() []domain.PortInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.PortInfo
	for _, dir := range []domain.Direction{domain.DirectionInput, domain.DirectionOutput} {
		for _, pt := range p.ports[dir] {
			out = append(out, pt.info)
		}
	}
	return out
}

// PortInfo returns the capabilities of one port.
func (p *Plugin) PortInfo(dir domain.Direction, id uint32) (domain.PortInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pt, err := p.port(dir, id)
	if err != nil {
		return domain.PortInfo{}, err
	}
	return pt.info, nil
}

// EnumParams enumerates formats, the current format or buffer requirements.
func (p *Plugin) EnumParams(dir domain.Direction, id uint32, pid param.ID, start uint32, filter *param.Object) (*param.Object, uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pt, err := p.port(dir, id)
	if err != nil {
		return nil, 0, err
	}

	var list []*param.Object
	switch pid {
	case param.IDEnumFormat:
		list = pt.formats
	case param.IDFormat:
		if pt.format != nil {
			list = []*param.Object{pt.format}
		}
	case param.IDBuffers:
		if pt.buffers != nil {
			list = []*param.Object{pt.buffers}
		}
	default:
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

// SetParam sets or clears the format of a port. Clearing always completes
// synchronously.
func (p *Plugin) SetParam(dir domain.Direction, id uint32, pid param.ID, flags uint32, value *param.Object) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pt, err := p.port(dir, id)
	if err != nil {
		return 0, err
	}
	if pid != param.IDFormat {
		return 0, fmt.Errorf("param %s: %w", pid, domain.ENOTSUP)
	}
	if value == nil {
		pt.format = nil
		pt.bufs = nil
		return 0, nil
	}
	if !value.IsFixed() || !pt.accepts(value) {
		return 0, fmt.Errorf("format %s: %w", value, domain.EINVAL)
	}
	if err := p.injected(OpSetFormat); err != nil {
		return p.finish(err)
	}
	f := value.Copy()
	f.ID = param.IDFormat
	pt.format = f
	pt.bufs = nil
	return p.finish(nil)
}

func (pt *port) accepts(f *param.Object) bool {
	for _, cand := range pt.formats {
		if _, ok := param.Filter(cand, f); ok {
			return true
		}
	}
	return false
}

// UseBuffers assigns buffers to a port. With domain.BuffersFlagAlloc every
// block without data gets memory allocated. An empty list completes
// synchronously.
func (p *Plugin) UseBuffers(dir domain.Direction, id uint32, flags uint32, bufs []*domain.Buffer) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pt, err := p.port(dir, id)
	if err != nil {
		return 0, err
	}
	if len(bufs) == 0 {
		pt.bufs = nil
		return 0, nil
	}
	if pt.format == nil {
		return 0, fmt.Errorf("use buffers without format: %w", domain.EIO)
	}
	pt.calls = append(pt.calls, UseCall{Flags: flags, Count: len(bufs), HasData: hasData(bufs)})
	if err := p.injected(OpUseBuffers); err != nil {
		return p.finish(err)
	}
	if flags&domain.BuffersFlagAlloc != 0 {
		for _, b := range bufs {
			for j := range b.Blocks {
				blk := &b.Blocks[j]
				if blk.Data == nil {
					blk.Data = make([]byte, blk.MaxSize)
					blk.FD = -1
				}
			}
		}
	}
	pt.bufs = bufs
	pt.next = 0
	return p.finish(nil)
}

func hasData(bufs []*domain.Buffer) bool {
	for _, b := range bufs {
		for _, blk := range b.Blocks {
			if blk.Data == nil {
				return false
			}
		}
	}
	return true
}

// SetIO installs the buffer cell of a port.
func (p *Plugin) SetIO(dir domain.Direction, id uint32, kind domain.IOKind, cell *domain.IOCell) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pt, err := p.port(dir, id)
	if err != nil {
		return err
	}
	if kind != domain.IOKindBuffers {
		return domain.ENOTSUP
	}
	pt.io = cell
	return nil
}

// injected returns the error configured for op, consuming a one-shot one.
func (p *Plugin) injected(op Op) error {
	if err, ok := p.failOne[op]; ok {
		delete(p.failOne, op)
		return err
	}
	return p.fail[op]
}

// finish completes an operation, either now or as a pending result. Unless
// results are held, a sender goroutine delivers them after the call
// returned. Called with p.mu held.
func (p *Plugin) finish(err error) (uint32, error) {
	if !p.async {
		return 0, err
	}
	p.seq++
	p.pending = append(p.pending, result{seq: p.seq, err: err})
	if !p.hold && !p.sending {
		p.sending = true
		go p.send()
	}
	return p.seq, nil
}

// send delivers pending results in order until none are left.
func (p *Plugin) send() {
	for {
		p.mu.Lock()
		pending := p.pending
		p.pending = nil
		fn := p.listener
		if len(pending) == 0 {
			p.sending = false
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		if fn == nil {
			continue
		}
		for _, r := range pending {
			fn(r.seq, r.err)
		}
	}
}

// FailNext makes the next call of op fail with err.
func (p *Plugin) FailNext(op Op, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failOne[op] = err
}

// Pending returns the number of results not yet delivered.
func (p *Plugin) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// CompletePending delivers every pending result in order and returns how
// many were delivered.
func (p *Plugin) CompletePending() int {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	fn := p.listener
	p.mu.Unlock()

	if fn == nil {
		return 0
	}
	for _, r := range pending {
		fn(r.seq, r.err)
	}
	return len(pending)
}

// Format returns the configured format of a port, or nil.
func (p *Plugin) Format(dir domain.Direction, id uint32) *param.Object {
	p.mu.Lock()
	defer p.mu.Unlock()
	pt, err := p.port(dir, id)
	if err != nil {
		return nil
	}
	return pt.format.Copy()
}

// Buffers returns the buffers a port uses.
func (p *Plugin) Buffers(dir domain.Direction, id uint32) []*domain.Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	pt, err := p.port(dir, id)
	if err != nil {
		return nil
	}
	return pt.bufs
}

// UseCalls returns the UseBuffers calls a port received.
func (p *Plugin) UseCalls(dir domain.Direction, id uint32) []UseCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	pt, err := p.port(dir, id)
	if err != nil {
		return nil
	}
	return append([]UseCall(nil), pt.calls...)
}

// Stats returns the data counters of a port.
func (p *Plugin) Stats(dir domain.Direction, id uint32) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	pt, err := p.port(dir, id)
	if err != nil {
		return Stats{}
	}
	s := pt.stats
	s.Last = append([]byte(nil), s.Last...)
	return s
}

// Command records cmd. Suspend fails with domain.ENOTSUP when the config
// disables it.
func (p *Plugin) Command(cmd domain.Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cmd == domain.CommandSuspend && p.noSuspend {
		return domain.ENOTSUP
	}
	p.commands = append(p.commands, cmd)
	return nil
}

// Commands returns the commands accepted so far.
func (p *Plugin) Commands() []domain.Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Command(nil), p.commands...)
}

// Cycles returns how often Process ran.
func (p *Plugin) Cycles() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cycles
}

// Process consumes every input that has data and produces into every output.
// Outputs of a unit with inputs forward the first consumed input, others
// write a counting pattern.
func (p *Plugin) Process() domain.ProcessStatus {
	if p.onProc != nil {
		p.onProc(p)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cycles++

	var status domain.ProcessStatus
	var forward []byte
	for _, pt := range p.ports[domain.DirectionInput] {
		data, ok := pt.consume()
		if !ok {
			status |= domain.ProcessNeedData
			continue
		}
		if forward == nil {
			forward = data
		}
	}
	for _, pt := range p.ports[domain.DirectionOutput] {
		fill := forward
		if fill == nil && len(p.ports[domain.DirectionInput]) == 0 {
			fill = []byte{p.pattern + uint8(p.cycles)}
		}
		if fill == nil {
			continue
		}
		if pt.produce(fill) {
			status |= domain.ProcessHaveData
		}
	}
	return status
}

// consume takes the buffer the cell points at.
func (pt *port) consume() ([]byte, bool) {
	if pt.io == nil {
		return nil, false
	}
	status, id := pt.io.Load()
	if status != domain.IOStatusHaveData || int(id) >= len(pt.bufs) {
		return nil, false
	}
	var data []byte
	if blocks := pt.bufs[id].Blocks; len(blocks) > 0 {
		blk := blocks[0]
		data = blk.Data
		if c := blk.Chunk; c != nil && int(c.Offset)+int(c.Size) <= len(data) {
			data = data[c.Offset : c.Offset+c.Size]
		}
	}
	pt.stats.Consumed++
	pt.stats.Last = append(pt.stats.Last[:0], data...)
	pt.io.Store(domain.IOStatusNeedData, domain.InvalidBufferID)
	return pt.stats.Last, true
}

// produce writes fill into the next buffer, repeating it over the block, and
// publishes the buffer on the cell.
func (pt *port) produce(fill []byte) bool {
	if pt.io == nil || len(pt.bufs) == 0 || len(fill) == 0 {
		return false
	}
	id := pt.next % uint32(len(pt.bufs))
	pt.next++
	b := pt.bufs[id]
	for j := range b.Blocks {
		blk := &b.Blocks[j]
		n := 0
		for n < len(blk.Data) {
			n += copy(blk.Data[n:], fill)
		}
		if blk.Chunk != nil {
			blk.Chunk.Offset = 0
			blk.Chunk.Size = uint32(n)
		}
	}
	pt.stats.Produced++
	pt.io.Store(domain.IOStatusHaveData, b.ID)
	return true
}
