package runtime

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/aretw0/patchbay/pkg/mem"
	"github.com/aretw0/patchbay/pkg/ports"
)

// Node is a schedulable processing unit and the owner of its ports.
type Node struct {
	g      *Graph
	id     uint32
	name   string
	kind   string
	plugin ports.Plugin
	logger *slog.Logger
	loop   *Loop

	ports [2][]*Port

	active     bool
	driving    bool
	wantDriver bool
	needConfig bool
	quantum    uint32
	maxQuantum uint32
	nodeGroup  string

	pauseOnIdle   bool
	suspendOnIdle bool
	suspended     bool

	// results from recalc
	driver    *Node
	driverID  atomic.Uint32
	driverAct atomic.Pointer[domain.Activation]
	running   bool
	passive   bool
	group     []*Node
	published []*Node
	groupQ    uint32
	visited   bool
	clock     *driverClock
	lastTick  int64

	activation *domain.Activation
	self       *Target

	resultSeq uint32
	results   map[uint32]ports.ResultFunc

	// rtTargets and rtGroup are only touched from the node's data loop.
	rtTargets []*Target
	rtGroup   []*Node
}

// NodeOption configures a node at registration.
type NodeOption func(*Node)

// WithDriving marks the node as able to drive a group.
func WithDriving(driving bool) NodeOption {
	return func(n *Node) {
		n.driving = driving
	}
}

// WithActive sets the initial activity flag.
func WithActive(active bool) NodeOption {
	return func(n *Node) {
		n.active = active
	}
}

// WithWantDriver makes an unlinked node join a driver group.
func WithWantDriver(want bool) NodeOption {
	return func(n *Node) {
		n.wantDriver = want
	}
}

// WithNeedConfig keeps the node idle until configured.
func WithNeedConfig(need bool) NodeOption {
	return func(n *Node) {
		n.needConfig = need
	}
}

// WithQuantum sets the requested quantum and the largest acceptable quantum.
// Zero means no preference.
func WithQuantum(quantum, maxQuantum uint32) NodeOption {
	return func(n *Node) {
		n.quantum = quantum
		n.maxQuantum = maxQuantum
	}
}

// WithNodeGroup schedules the node with every other active node of the same
// group under one driver, linked or not.
func WithNodeGroup(group string) NodeOption {
	return func(n *Node) {
		n.nodeGroup = group
	}
}

// WithPauseOnIdle controls whether the unit is paused when the node goes
// idle. Nodes pause by default.
func WithPauseOnIdle(pause bool) NodeOption {
	return func(n *Node) {
		n.pauseOnIdle = pause
	}
}

// WithSuspendOnIdle suspends the node once it is idle and inactive: its ports
// drop formats and buffers and its links return to init until the node is
// activated again.
func WithSuspendOnIdle(suspend bool) NodeOption {
	return func(n *Node) {
		n.suspendOnIdle = suspend
	}
}

// WithKind records the plugin name the node was built from.
func WithKind(kind string) NodeOption {
	return func(n *Node) {
		n.kind = kind
	}
}

// WithSignaler overrides how the node is woken, for nodes that run in
// another process.
func WithSignaler(s ports.Signaler) NodeOption {
	return func(n *Node) {
		n.self = &Target{node: n, signal: s}
	}
}

// Wake delivers one trigger signal to the node on its data loop. Watchers of
// an external signaler call it for each signal received.
func (n *Node) Wake() {
	n.loop.Invoke(n.signaled, false)
}

// ID returns the node id.
func (n *Node) ID() uint32 { return n.id }

// Name returns the node name.
func (n *Node) Name() string { return n.name }

// Active reports the activity flag.
func (n *Node) Active() bool { return n.active }

// Driving reports whether the node can drive a group.
func (n *Node) Driving() bool { return n.driving }

// Running reports whether the last recalc made the node runnable.
func (n *Node) Running() bool { return n.running }

// Passive reports whether a driver has no active non-passive follower.
func (n *Node) Passive() bool { return n.passive }

// Suspended reports whether the node dropped its port configuration.
func (n *Node) Suspended() bool { return n.suspended }

// NodeGroup returns the node group, or "".
func (n *Node) NodeGroup() string { return n.nodeGroup }

// Driver returns the assigned driver, or nil.
func (n *Node) Driver() *Node { return n.driver }

// GroupQuantum returns the quantum of the group this node drives.
func (n *Node) GroupQuantum() uint32 { return n.groupQ }

// Activation returns the activation block.
func (n *Node) Activation() *domain.Activation { return n.activation }

// Plugin returns the processing unit.
func (n *Node) Plugin() ports.Plugin { return n.plugin }

// Port returns the port with the given direction and id.
func (n *Node) Port(dir domain.Direction, id uint32) (*Port, error) {
	for _, p := range n.ports[dir] {
		if p.id == id {
			return p, nil
		}
	}
	return nil, fmt.Errorf("node %d %s port %d: %w", n.id, dir, id, domain.ErrPortNotFound)
}

// Ports returns the ports of one direction.
func (n *Node) Ports(dir domain.Direction) []*Port {
	return append([]*Port(nil), n.ports[dir]...)
}

// links returns every link attached to the node's ports.
func (n *Node) links() []*Link {
	var out []*Link
	for _, dir := range []domain.Direction{domain.DirectionInput, domain.DirectionOutput} {
		for _, p := range n.ports[dir] {
			for _, m := range p.mixes {
				out = append(out, m.link)
			}
		}
	}
	return out
}

// setup allocates the activation block and creates the ports the plugin
// exposes.
func (n *Node) setup() error {
	m, err := n.g.mem.Allocate(n.id, fmt.Sprintf("node-%d-activation", n.id), mem.ActivationSize)
	if err != nil {
		return err
	}
	if n.activation, err = mem.ActivationIn(m.Bytes()); err != nil {
		return err
	}
	n.activation.SetStatus(domain.ActivationInactive)

	if n.self == nil {
		n.self = &Target{node: n}
	}
	n.self.id = n.id
	n.self.activation = n.activation
	if n.self.signal == nil {
		n.self.signal = ports.SignalFunc(func() error {
			n.Wake()
			return nil
		})
	}

	n.results = make(map[uint32]ports.ResultFunc)
	n.plugin.SetListener(func(seq uint32, err error) {
		n.g.control.Invoke(func() {
			n.emitResult(seq, err)
			n.g.wq.Dispatch()
		}, false)
	})

	for _, info := range n.plugin.Ports() {
		if err := n.addPort(info); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) addPort(info domain.PortInfo) error {
	if _, err := n.Port(info.Direction, info.ID); err == nil {
		return fmt.Errorf("node %d %s port %d: %w", n.id, info.Direction, info.ID, domain.EEXIST)
	}
	m, err := n.g.mem.Allocate(n.id, fmt.Sprintf("node-%d-port-%d-io", n.id, info.ID), mem.IOCellSize)
	if err != nil {
		return err
	}
	cell, err := mem.IOCellIn(m.Bytes())
	if err != nil {
		return err
	}
	cell.Reset()

	p := &Port{node: n, dir: info.Direction, id: info.ID, info: info, io: cell}
	if err := p.init(); err != nil {
		return err
	}
	n.ports[info.Direction] = append(n.ports[info.Direction], p)
	return nil
}

// onResult registers fn for asynchronous plugin results and returns a
// function removing it.
func (n *Node) onResult(fn ports.ResultFunc) func() {
	n.resultSeq++
	key := n.resultSeq
	n.results[key] = fn
	return func() { delete(n.results, key) }
}

func (n *Node) emitResult(seq uint32, err error) {
	for _, fn := range n.results {
		fn(seq, err)
	}
}

// setRunning moves the activation block between idle and schedulable and
// starts or pauses the unit.
func (n *Node) setRunning(running bool) {
	if n.running == running {
		return
	}
	n.running = running
	n.loop.Invoke(func() {
		if running {
			n.activation.SetStatus(domain.ActivationNotTriggered)
			return
		}
		n.activation.SetStatus(domain.ActivationInactive)
	}, !running)
	n.logger.Debug("node state", "running", running)

	switch {
	case running:
		_ = n.command(domain.CommandStart)
	case n.pauseOnIdle:
		_ = n.command(domain.CommandPause)
	}
}

// command forwards cmd to units that take commands.
func (n *Node) command(cmd domain.Command) error {
	c, ok := n.plugin.(ports.Commander)
	if !ok {
		return nil
	}
	err := c.Command(cmd)
	if err != nil && !errors.Is(err, domain.ENOTSUP) {
		n.logger.Warn("node command failed", "command", cmd.String(), "err", err)
	}
	return err
}

// suspend clears the format of every port, which also drops their buffers
// and sends the links back to init. The links stay there until resume.
func (n *Node) suspend() {
	if n.suspended {
		return
	}
	n.suspended = true
	for _, dir := range []domain.Direction{domain.DirectionInput, domain.DirectionOutput} {
		for _, p := range n.ports[dir] {
			for _, m := range p.mixes {
				m.link.formatCleared()
			}
			if p.format == nil && p.buffers == nil {
				continue
			}
			if _, err := p.SetFormat(nil); err != nil {
				n.logger.Warn("failed to clear format on suspend", "port", p.String(), "err", err)
			}
		}
	}
	if err := n.command(domain.CommandSuspend); errors.Is(err, domain.ENOTSUP) {
		_ = n.command(domain.CommandPause)
	}
	n.logger.Debug("node suspended")
}

// resume lets the links of a suspended node negotiate again.
func (n *Node) resume() {
	if !n.suspended {
		return
	}
	n.suspended = false
	for _, l := range n.links() {
		l.Prepare()
	}
	n.logger.Debug("node resumed")
}

func (n *Node) snapshot() domain.NodeSnapshot {
	s := domain.NodeSnapshot{
		ID:           n.id,
		Name:         n.name,
		Plugin:       n.kind,
		Active:       n.active,
		Driving:      n.driving,
		Running:      n.running,
		Passive:      n.passive,
		NeedConfig:   n.needConfig,
		Suspended:    n.suspended,
		Group:        n.nodeGroup,
		Quantum:      n.quantum,
		MaxQuantum:   n.maxQuantum,
		GroupQuantum: n.groupQ,
		Required:     n.activation.Required.Load(),
		Xruns:        n.activation.Xruns(),
	}
	if n.driver != nil {
		s.DriverID = n.driver.id
	}
	for _, dir := range []domain.Direction{domain.DirectionInput, domain.DirectionOutput} {
		for _, p := range n.ports[dir] {
			ps := domain.PortSnapshot{
				ID:        p.id,
				Name:      p.info.Name,
				Direction: p.dir.String(),
				State:     p.state.String(),
				Buffers:   p.buffers.Len(),
				Mixes:     len(p.mixes),
			}
			if p.format != nil {
				ps.Format = p.format.String()
			}
			if p.err != nil {
				ps.Error = p.err.Error()
			}
			s.Ports = append(s.Ports, ps)
		}
	}
	return s
}
