package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/patchbay/internal/logging"
	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/aretw0/patchbay/pkg/mem"
	"github.com/aretw0/patchbay/pkg/ports"
)

// Settings bound the quantum of every driver group.
type Settings struct {
	DefaultQuantum uint32
	MinQuantum     uint32
	MaxQuantum     uint32
	Rate           uint32
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		DefaultQuantum: 1024,
		MinQuantum:     32,
		MaxQuantum:     8192,
		Rate:           48000,
	}
}

// Graph owns every node and link. Its methods must run on the control loop;
// Call serializes work from other goroutines onto it.
type Graph struct {
	name     string
	logger   *slog.Logger
	hooks    domain.LifecycleHooks
	settings Settings
	clock    func() int64

	control   *Loop
	dataLoops []*Loop
	wq        *WorkQueue
	mem       *mem.Registry

	nextID uint32
	nodes  []*Node
	links  []*Link

	recalculating bool
	recalcPending bool
	recalcQueued  bool
	recalcs       uint64

	runCtx context.Context
}

// Option configures the Graph.
type Option func(*Graph)

// WithLogger configures a logger for the Graph.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Graph) {
		g.logger = logger
	}
}

// WithHooks installs lifecycle hooks.
func WithHooks(hooks domain.LifecycleHooks) Option {
	return func(g *Graph) {
		g.hooks = g.hooks.Merge(hooks)
	}
}

// WithSettings replaces the quantum settings.
func WithSettings(s Settings) Option {
	return func(g *Graph) {
		g.settings = s
	}
}

// WithMemory sets the registry activation blocks, io cells and buffers are
// allocated from.
func WithMemory(reg *mem.Registry) Option {
	return func(g *Graph) {
		g.mem = reg
	}
}

// WithClock replaces the monotonic nanosecond clock.
func WithClock(clock func() int64) Option {
	return func(g *Graph) {
		g.clock = clock
	}
}

// WithDataLoops sets the data loops nodes are distributed over.
func WithDataLoops(loops ...*Loop) Option {
	return func(g *Graph) {
		g.dataLoops = loops
	}
}

// WithControlLoop sets the control loop.
func WithControlLoop(loop *Loop) Option {
	return func(g *Graph) {
		g.control = loop
	}
}

// NewGraph creates an empty graph.
func NewGraph(name string, opts ...Option) *Graph {
	start := time.Now()
	g := &Graph{
		name:     name,
		logger:   logging.NewNop(),
		settings: DefaultSettings(),
		clock:    func() int64 { return int64(time.Since(start)) },
		nextID:   1,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("graph", name)
	if g.control == nil {
		g.control = NewLoop("control", WithLoopLogger(g.logger))
	}
	if len(g.dataLoops) == 0 {
		g.dataLoops = []*Loop{NewLoop("data-0", WithLoopLogger(g.logger), WithLockedThread())}
	}
	if g.mem == nil {
		g.mem = mem.NewRegistry(mem.WithLogger(g.logger))
	}
	g.wq = NewWorkQueue(g.logger)
	return g
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// Settings returns the quantum settings.
func (g *Graph) Settings() Settings { return g.settings }

// Memory returns the memory registry.
func (g *Graph) Memory() *mem.Registry { return g.mem }

// Control returns the control loop.
func (g *Graph) Control() *Loop { return g.control }

// WorkQueue returns the negotiation work queue.
func (g *Graph) WorkQueue() *WorkQueue { return g.wq }

// Run runs the control and data loops and the driver clocks until ctx is
// canceled.
func (g *Graph) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	loops := append([]*Loop{g.control}, g.dataLoops...)
	errs := make(chan error, len(loops))
	for _, l := range loops {
		wg.Add(1)
		go func(l *Loop) {
			defer wg.Done()
			if err := l.Run(ctx); err != nil {
				errs <- fmt.Errorf("loop %s: %w", l.Name(), err)
			}
		}(l)
	}

	// Clocks start only once every loop runs, so cycles never execute on
	// the clock goroutine.
	for _, l := range loops {
		select {
		case <-l.Ready():
		case <-ctx.Done():
		}
	}
	_ = g.Call(func() error {
		g.runCtx = ctx
		g.syncClocks()
		return nil
	})

	<-ctx.Done()
	wg.Wait()
	for _, n := range g.nodes {
		if n.clock != nil {
			n.clock.stop()
			n.clock = nil
		}
	}
	g.runCtx = nil
	close(errs)
	return <-errs
}

// Call runs fn on the control loop, dispatches the work it queued and waits
// for both.
func (g *Graph) Call(fn func() error) error {
	var err error
	g.control.Invoke(func() {
		err = fn()
		g.wq.Dispatch()
	}, true)
	return err
}

// Dispatch runs deferred negotiation work.
func (g *Graph) Dispatch() {
	g.wq.Dispatch()
}

func (g *Graph) allocID() uint32 {
	id := g.nextID
	g.nextID++
	return id
}

// AddNode registers a node driven by plugin.
func (g *Graph) AddNode(name string, plugin ports.Plugin, opts ...NodeOption) (*Node, error) {
	n := &Node{
		g:      g,
		id:     g.allocID(),
		name:   name,
		plugin: plugin,

		pauseOnIdle: true,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = g.logger.With("node", n.id, "name", name)
	n.loop = g.dataLoops[int(n.id)%len(g.dataLoops)]

	if err := n.setup(); err != nil {
		g.mem.ReleaseTag(n.id)
		return nil, fmt.Errorf("add node %q: %w", name, err)
	}
	g.nodes = append(g.nodes, n)
	n.logger.Debug("node added", "driving", n.driving, "active", n.active)
	g.RequestRecalc()
	g.wq.Dispatch()
	return n, nil
}

// Node returns the node with the given id.
func (g *Graph) Node(id uint32) (*Node, error) {
	for _, n := range g.nodes {
		if n.id == id {
			return n, nil
		}
	}
	return nil, fmt.Errorf("node %d: %w", id, domain.ErrNodeNotFound)
}

// Nodes returns every node in registration order.
func (g *Graph) Nodes() []*Node {
	return append([]*Node(nil), g.nodes...)
}

// RemoveNode destroys the node's links, then the node, and releases every
// region the node owns.
func (g *Graph) RemoveNode(id uint32) error {
	n, err := g.Node(id)
	if err != nil {
		return err
	}
	for _, l := range n.links() {
		g.removeLink(l)
	}
	n.setRunning(false)
	n.plugin.SetListener(nil)
	if n.clock != nil {
		n.clock.stop()
		n.clock = nil
	}
	for i, x := range g.nodes {
		if x == n {
			g.nodes = append(g.nodes[:i], g.nodes[i+1:]...)
			break
		}
	}
	if n.published != nil {
		g.publishGroup(n, nil)
	}
	// Groups must stop referencing the node before its memory goes.
	g.Recalc()
	freed := g.mem.ReleaseTag(n.id)
	n.logger.Debug("node removed", "regions", freed)
	g.wq.Dispatch()
	return nil
}

// SetActive changes the activity flag of a node.
func (g *Graph) SetActive(id uint32, active bool) error {
	n, err := g.Node(id)
	if err != nil {
		return err
	}
	if n.active != active {
		n.active = active
		g.RequestRecalc()
	}
	if active {
		n.resume()
	}
	g.wq.Dispatch()
	return nil
}

// SetNeedConfig marks a node as waiting for configuration.
func (g *Graph) SetNeedConfig(id uint32, need bool) error {
	n, err := g.Node(id)
	if err != nil {
		return err
	}
	if n.needConfig != need {
		n.needConfig = need
		g.RequestRecalc()
	}
	g.wq.Dispatch()
	return nil
}

// SetQuantum changes the requested and maximum quantum of a node.
func (g *Graph) SetQuantum(id uint32, quantum, maxQuantum uint32) error {
	n, err := g.Node(id)
	if err != nil {
		return err
	}
	n.quantum, n.maxQuantum = quantum, maxQuantum
	g.RequestRecalc()
	g.wq.Dispatch()
	return nil
}

// PortRef names a port of a node.
type PortRef struct {
	Node uint32
	Port uint32
}

// Connect links an output port to an input port and starts preparing the
// link.
func (g *Graph) Connect(out, in PortRef, opts ...LinkOption) (*Link, error) {
	op, err := g.lookupPort(out, domain.DirectionOutput)
	if err != nil {
		return nil, err
	}
	ip, err := g.lookupPort(in, domain.DirectionInput)
	if err != nil {
		return nil, err
	}
	for _, l := range g.links {
		if l.output == op && l.input == ip {
			return nil, fmt.Errorf("link %d: %w", l.id, domain.ErrLinkExists)
		}
	}

	l := &Link{g: g, id: g.allocID(), output: op, input: ip}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = g.logger.With("link", l.id, "output", op.String(), "input", ip.String())
	l.feedback = g.canReach(ip.node, op.node)
	if err := l.init(); err != nil {
		return nil, err
	}
	g.links = append(g.links, l)
	l.logger.Debug("link created", "feedback", l.feedback, "passive", l.passive)

	l.Prepare()
	g.wq.Dispatch()
	return l, nil
}

func (g *Graph) lookupPort(ref PortRef, dir domain.Direction) (*Port, error) {
	n, err := g.Node(ref.Node)
	if err != nil {
		return nil, err
	}
	p, err := n.Port(dir, ref.Port)
	if err == nil {
		return p, nil
	}
	if _, rerr := n.Port(dir.Reverse(), ref.Port); rerr == nil {
		return nil, fmt.Errorf("node %d port %d is an %s: %w", ref.Node, ref.Port, dir.Reverse(), domain.ErrInvalidDirection)
	}
	return nil, err
}

// canReach reports whether data flowing out of from can arrive at to.
func (g *Graph) canReach(from, to *Node) bool {
	return g.reaches(from, to, nil)
}

// reaches is canReach over the non-feedback links in only, or over every
// link when only is nil.
func (g *Graph) reaches(from, to *Node, only map[*Link]bool) bool {
	seen := map[*Node]bool{}
	stack := []*Node{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == to {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		for _, p := range n.ports[domain.DirectionOutput] {
			for _, m := range p.mixes {
				if !m.link.feedback && (only == nil || only[m.link]) {
					stack = append(stack, m.link.input.node)
				}
			}
		}
	}
	return false
}

// Link returns the link with the given id.
func (g *Graph) Link(id uint32) (*Link, error) {
	for _, l := range g.links {
		if l.id == id {
			return l, nil
		}
	}
	return nil, fmt.Errorf("link %d: %w", id, domain.ErrLinkNotFound)
}

// Links returns every link in creation order.
func (g *Graph) Links() []*Link {
	return append([]*Link(nil), g.links...)
}

// Disconnect destroys a link.
func (g *Graph) Disconnect(id uint32) error {
	l, err := g.Link(id)
	if err != nil {
		return err
	}
	g.removeLink(l)
	g.wq.Dispatch()
	return nil
}

func (g *Graph) removeLink(l *Link) {
	l.destroy()
	for i, x := range g.links {
		if x == l {
			g.links = append(g.links[:i], g.links[i+1:]...)
			break
		}
	}
	g.mem.ReleaseTag(l.id)
	g.updateFeedback()
}

// updateFeedback derives the feedback flag of every link again, in creation
// order, as if the links were connected anew. A link whose flag changes
// leaves the run-time structures and rejoins with the next recalc.
func (g *Graph) updateFeedback() {
	seen := make(map[*Link]bool, len(g.links))
	for _, l := range g.links {
		feedback := g.reaches(l.input.node, l.output.node, seen)
		seen[l] = true
		if feedback == l.feedback {
			continue
		}
		l.deactivate()
		l.feedback = feedback
		l.logger.Debug("feedback changed", "feedback", feedback)
		g.RequestRecalc()
	}
}

// ClearFormat drops the format of a port. Links on the port renegotiate.
func (g *Graph) ClearFormat(nodeID uint32, dir domain.Direction, portID uint32) error {
	n, err := g.Node(nodeID)
	if err != nil {
		return err
	}
	p, err := n.Port(dir, portID)
	if err != nil {
		return err
	}
	for _, m := range p.mixes {
		m.link.formatCleared()
	}
	if _, err := p.SetFormat(nil); err != nil {
		for _, m := range p.mixes {
			m.link.fail(err)
		}
	}
	g.wq.Dispatch()
	return nil
}

// Snapshot returns a read-only view of the graph.
func (g *Graph) Snapshot() *domain.Snapshot {
	s := &domain.Snapshot{
		Graph: g.name,
		Taken: time.Now().UTC(),
		Nodes: make([]domain.NodeSnapshot, 0, len(g.nodes)),
		Links: make([]domain.LinkSnapshot, 0, len(g.links)),
	}
	for _, n := range g.nodes {
		s.Nodes = append(s.Nodes, n.snapshot())
	}
	for _, l := range g.links {
		s.Links = append(s.Links, l.snapshot())
	}
	return s
}

// RunCycle starts one cycle of the group driven by id on the driver's data
// loop.
func (g *Graph) RunCycle(id uint32) error {
	n, err := g.Node(id)
	if err != nil {
		return err
	}
	if n.driver != n {
		return fmt.Errorf("node %d does not drive a group: %w", id, domain.EINVAL)
	}
	n.loop.Invoke(n.startCycle, false)
	return nil
}
