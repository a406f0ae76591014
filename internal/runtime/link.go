package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/aretw0/patchbay/pkg/mem"
	"github.com/aretw0/patchbay/pkg/param"
)

// linkEnd keys the work queue items of one side of a link.
type linkEnd struct {
	link *Link
	dir  domain.Direction
}

// Link pairs an output port with an input port and drives their
// negotiation. All methods run on the control loop.
type Link struct {
	g      *Graph
	id     uint32
	logger *slog.Logger

	output, input *Port
	outMix, inMix *Mix
	outEnd, inEnd *linkEnd

	state  domain.LinkState
	err    error
	diag   *domain.NegotiationError
	format *param.Object

	buffers     *domain.BufferSet
	ownsBuffers bool
	allocator   string
	minBuffers  uint32

	io    *domain.IOCell
	ioMap *mem.Mapping

	prepared  bool
	preparing bool
	active    bool
	feedback  bool
	passive   bool
	target    *Target
	destroyed bool

	unlisten []func()
}

// LinkOption configures a link at creation.
type LinkOption func(*Link)

// WithMinBuffers sets the smallest buffer count the link allocates.
func WithMinBuffers(n uint32) LinkOption {
	return func(l *Link) {
		l.minBuffers = n
	}
}

// WithPassive makes the link passive regardless of its ports.
func WithPassive(passive bool) LinkOption {
	return func(l *Link) {
		l.passive = l.passive || passive
	}
}

// ID returns the link id.
func (l *Link) ID() uint32 { return l.id }

// State returns the link state.
func (l *Link) State() domain.LinkState { return l.state }

// Err returns the error that moved the link to domain.LinkStateError.
func (l *Link) Err() error { return l.err }

// Diagnostics returns the candidates recorded by the last negotiation
// failure, or nil.
func (l *Link) Diagnostics() *domain.NegotiationError { return l.diag }

// Format returns a copy of the negotiated format.
func (l *Link) Format() *param.Object { return l.format.Copy() }

// Buffers returns the negotiated buffer set.
func (l *Link) Buffers() *domain.BufferSet { return l.buffers }

// Output returns the output port.
func (l *Link) Output() *Port { return l.output }

// Input returns the input port.
func (l *Link) Input() *Port { return l.input }

// OutputMix returns the multiplexer entry of the link on the output port.
func (l *Link) OutputMix() *Mix { return l.outMix }

// InputMix returns the multiplexer entry of the link on the input port.
func (l *Link) InputMix() *Mix { return l.inMix }

// Prepared reports whether both ports hold buffers.
func (l *Link) Prepared() bool { return l.prepared }

// Active reports whether the link is installed in the run-time structures.
func (l *Link) Active() bool { return l.active }

// Feedback reports whether the link closes a cycle.
func (l *Link) Feedback() bool { return l.feedback }

// Passive reports whether the link keeps its driver group awake.
func (l *Link) Passive() bool { return l.passive }

// IO returns the cell shared by both sides of the link.
func (l *Link) IO() *domain.IOCell { return l.io }

func (l *Link) init() error {
	l.outEnd = &linkEnd{link: l, dir: domain.DirectionOutput}
	l.inEnd = &linkEnd{link: l, dir: domain.DirectionInput}

	m, err := l.g.mem.Allocate(l.id, fmt.Sprintf("link-%d-io", l.id), mem.IOCellSize)
	if err != nil {
		return fmt.Errorf("link %d: %w", l.id, err)
	}
	if l.io, err = mem.IOCellIn(m.Bytes()); err != nil {
		m.Release()
		return fmt.Errorf("link %d: %w", l.id, err)
	}
	l.ioMap = m
	l.io.Reset()

	if l.output.info.Flags.Has(domain.PortPassive) || l.input.info.Flags.Has(domain.PortPassive) {
		l.passive = true
	}

	l.outMix = l.output.addMix(l)
	l.inMix = l.input.addMix(l)

	l.unlisten = append(l.unlisten,
		l.output.node.onResult(func(seq uint32, err error) { l.g.wq.Complete(l.outEnd, seq, err) }),
		l.input.node.onResult(func(seq uint32, err error) { l.g.wq.Complete(l.inEnd, seq, err) }),
	)
	return nil
}

func (l *Link) end(dir domain.Direction) *linkEnd {
	if dir == domain.DirectionOutput {
		return l.outEnd
	}
	return l.inEnd
}

func (l *Link) port(dir domain.Direction) *Port {
	if dir == domain.DirectionOutput {
		return l.output
	}
	return l.input
}

// peer returns the node at the other end of the link from n.
func (l *Link) peer(n *Node) *Node {
	if l.input.node == n {
		return l.output.node
	}
	return l.input.node
}

func (l *Link) mix(dir domain.Direction) *Mix {
	if dir == domain.DirectionOutput {
		return l.outMix
	}
	return l.inMix
}

func (l *Link) setState(state domain.LinkState, err error) {
	old := l.state
	if old == state && err == nil {
		return
	}
	l.state = state
	l.err = err

	logger := l.logger.With("old", old.String(), "new", state.String())
	if err != nil {
		logger.Warn("link state", "err", err)
	} else {
		logger.Debug("link state")
	}

	ev := &domain.LinkEvent{
		EventBase:  domain.NewEventBase(domain.EventLinkState),
		LinkID:     l.id,
		OutputNode: l.output.node.id,
		InputNode:  l.input.node.id,
		Old:        old,
		New:        state,
		Err:        err,
	}
	if l.g.hooks.OnLinkState != nil {
		l.g.hooks.OnLinkState(context.Background(), ev)
	}
	var ne *domain.NegotiationError
	if state == domain.LinkStateError && errors.As(err, &ne) && l.g.hooks.OnNegotiationFailed != nil {
		fail := *ev
		fail.Type = domain.EventNegotiation
		l.g.hooks.OnNegotiationFailed(context.Background(), &fail)
	}
}

// Prepare schedules negotiation and allocation unless the link is already
// prepared, preparing or failed. Links of suspended nodes wait for resume.
func (l *Link) Prepare() {
	if l.destroyed || l.prepared || l.preparing || l.state == domain.LinkStateError {
		return
	}
	if l.output.node.suspended || l.input.node.suspended {
		return
	}
	l.preparing = true
	l.g.wq.Add(l, 0, l.checkStates)
}

// checkStates advances the state machine from the current port states. It
// runs for every work queue completion of the link.
func (l *Link) checkStates(_ any, _ uint32, _ error) {
	if l.destroyed || !l.preparing {
		return
	}
	out, in := l.output.state, l.input.state

	switch {
	case out == domain.PortStateError:
		l.fail(l.output.err)
		return
	case in == domain.PortStateError:
		l.fail(l.input.err)
		return
	}

	if l.g.wq.Pending(l.outEnd) > 0 || l.g.wq.Pending(l.inEnd) > 0 {
		return
	}

	if out == domain.PortStatePaused && in == domain.PortStatePaused &&
		l.outMix.buffers != nil && l.inMix.buffers != nil {
		if l.buffers == nil {
			l.buffers = l.outMix.buffers
		}
		l.preparing = false
		l.prepared = true
		l.setState(domain.LinkStatePaused, nil)
		l.g.RequestRecalc()
		return
	}

	if out <= domain.PortStateConfigure || in <= domain.PortStateConfigure || l.state < domain.LinkStateNegotiating {
		if err := l.negotiateFormat(); err != nil {
			l.fail(err)
		}
		return
	}
	if err := l.allocateBuffers(); err != nil {
		l.fail(err)
	}
}

// completion returns the work queue callback of an asynchronous apply on one
// side. A failed apply moves that port to error before the state machine
// sees it.
func (l *Link) completion(dir domain.Direction, id param.ID, op string) WorkFunc {
	return func(obj any, seq uint32, err error) {
		if l.destroyed {
			return
		}
		if err != nil {
			err = l.port(dir).setError(err)
			l.fail(l.negotiationError(dir, id, op, nil, err))
			return
		}
		l.checkStates(obj, seq, nil)
	}
}

// fail rolls back whatever the current attempt left live and moves the link
// to domain.LinkStateError. Transient errors return the link to
// domain.LinkStateInit so a later recalc can retry it.
func (l *Link) fail(err error) {
	wasPrepared := l.prepared
	l.g.wq.Cancel(l.outEnd)
	l.g.wq.Cancel(l.inEnd)
	l.deactivate()
	l.releaseBuffers()
	l.preparing = false
	l.prepared = false

	if domain.IsTransient(err) {
		l.logger.Debug("transient negotiation failure", "err", err)
		l.setState(domain.LinkStateInit, nil)
	} else {
		var ne *domain.NegotiationError
		if errors.As(err, &ne) {
			l.diag = ne
		}
		l.setState(domain.LinkStateError, err)
	}
	if wasPrepared {
		l.g.RequestRecalc()
	}
}

// releaseBuffers detaches the link buffers from both ports and frees them
// when the link owns them.
func (l *Link) releaseBuffers() {
	for _, dir := range []domain.Direction{domain.DirectionOutput, domain.DirectionInput} {
		port, mix := l.port(dir), l.mix(dir)
		if mix.buffers == nil {
			continue
		}
		if port.state == domain.PortStateError {
			mix.buffers = nil
			continue
		}
		if _, err := port.UseBuffers(mix, 0, nil); err != nil {
			l.logger.Warn("failed to clear buffers", "port", port.String(), "err", err)
		}
	}
	if l.buffers != nil && l.ownsBuffers && !l.output.adopt(l.buffers) && !l.input.adopt(l.buffers) {
		l.buffers.Release()
	}
	l.buffers = nil
	l.ownsBuffers = false
	l.allocator = ""
}

// activate installs the link into the run-time structures. The downstream
// node's required count grows by exactly one per link.
func (l *Link) activate() {
	if l.destroyed || !l.prepared || l.active {
		return
	}
	outNode, inNode := l.output.node, l.input.node
	if !outNode.running || !inNode.running {
		return
	}
	l.active = true
	l.io.Reset()
	l.outMix.io = l.io
	l.inMix.io = l.io

	outNode.loop.Invoke(func() { l.output.addRTMix(l.outMix) }, false)
	inNode.loop.Invoke(func() { l.input.addRTMix(l.inMix) }, false)

	if outNode != inNode && !l.feedback && l.target == nil {
		t := inNode.self
		l.target = t
		outNode.loop.Invoke(func() {
			outNode.rtTargets = append(outNode.rtTargets, t)
			t.activation.Required.Add(1)
		}, false)
	}
	l.setState(domain.LinkStateActive, nil)
}

// deactivate removes the link from the run-time structures and waits for the
// data loops to drop it.
func (l *Link) deactivate() {
	if !l.active {
		return
	}
	outNode, inNode := l.output.node, l.input.node
	if t := l.target; t != nil {
		l.target = nil
		outNode.loop.Invoke(func() {
			for i, x := range outNode.rtTargets {
				if x == t {
					outNode.rtTargets = append(outNode.rtTargets[:i:i], outNode.rtTargets[i+1:]...)
					t.activation.Required.Add(-1)
					break
				}
			}
		}, true)
	}
	outNode.loop.Invoke(func() { l.output.removeRTMix(l.outMix) }, true)
	inNode.loop.Invoke(func() { l.input.removeRTMix(l.inMix) }, true)

	l.outMix.io = nil
	l.inMix.io = nil
	l.active = false
	if l.state == domain.LinkStateActive {
		l.setState(domain.LinkStatePaused, nil)
	}
}

// formatCleared handles a port that dropped its format. The link returns to
// domain.LinkStateInit and starts renegotiating.
func (l *Link) formatCleared() {
	if l.destroyed || l.state == domain.LinkStateError {
		return
	}
	wasPrepared := l.prepared
	l.g.wq.Cancel(l.outEnd)
	l.g.wq.Cancel(l.inEnd)
	l.deactivate()
	l.releaseBuffers()
	l.format = nil
	l.prepared = false
	l.preparing = false
	l.setState(domain.LinkStateInit, nil)
	if wasPrepared {
		l.g.RequestRecalc()
	}
	l.Prepare()
}

// destroy tears the link down: callbacks are dropped first, then the link is
// deactivated synchronously, then buffers and the io cell are freed.
func (l *Link) destroy() {
	if l.destroyed {
		return
	}
	l.destroyed = true
	wasPrepared := l.prepared

	l.g.wq.Cancel(l)
	l.g.wq.Cancel(l.outEnd)
	l.g.wq.Cancel(l.inEnd)
	for _, fn := range l.unlisten {
		fn()
	}
	l.unlisten = nil

	l.deactivate()
	l.releaseBuffers()
	l.output.removeMix(l.outMix)
	l.input.removeMix(l.inMix)
	l.prepared = false
	l.preparing = false

	if l.ioMap != nil {
		l.ioMap.Release()
		l.ioMap = nil
	}
	if wasPrepared {
		l.g.RequestRecalc()
	}
	l.logger.Debug("link destroyed")
}

func (l *Link) snapshot() domain.LinkSnapshot {
	s := domain.LinkSnapshot{
		ID:         l.id,
		OutputNode: l.output.node.id,
		OutputPort: l.output.id,
		InputNode:  l.input.node.id,
		InputPort:  l.input.id,
		State:      l.state.String(),
		Buffers:    l.buffers.Len(),
		Allocator:  l.allocator,
		Prepared:   l.prepared,
		Active:     l.active,
		Feedback:   l.feedback,
		Passive:    l.passive,
	}
	if l.err != nil {
		s.Error = l.err.Error()
	}
	if l.format != nil {
		s.Format = l.format.String()
	}
	return s
}
