package runtime

import (
	"context"
	"time"

	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/aretw0/patchbay/pkg/ports"
)

// Target is a wakeup entry: the activation block of a node and the signal
// that wakes it.
type Target struct {
	id         uint32
	node       *Node
	activation *domain.Activation
	signal     ports.Signaler
}

// trigger marks the target triggered and wakes it.
func (t *Target) trigger(now int64) {
	t.activation.SetStatus(domain.ActivationTriggered)
	t.activation.SignalTime.Store(now)
	if err := t.signal.Signal(); err != nil && t.node != nil {
		t.node.logger.Warn("failed to signal target", "target", t.id, "err", err)
	}
}

// signaled consumes one signal of the current cycle and runs the node once
// every signal arrived. Runs on the node's data loop.
func (n *Node) signaled() {
	a := n.activation
	if a.ActivationStatus() == domain.ActivationInactive {
		return
	}
	pending := a.Pending.Add(-1)
	switch {
	case pending == 0:
		n.process()
	case pending < 0:
		n.xrun(n.g.clock(), 0)
	}
}

// process runs one cycle: fan in, plugin, fan out, then wake the targets.
func (n *Node) process() {
	a := n.activation
	now := n.g.clock()
	a.SetStatus(domain.ActivationAwake)
	a.AwakeTime.Store(now)

	for _, p := range n.ports[domain.DirectionInput] {
		p.mixIn()
	}
	n.plugin.Process()
	for _, p := range n.ports[domain.DirectionOutput] {
		p.mixOut()
	}

	now = n.g.clock()
	a.FinishTime.Store(now)
	a.SetStatus(domain.ActivationFinished)
	for _, t := range n.rtTargets {
		t.trigger(now)
	}
}

// xrun counts a missed deadline on the node and on its driver.
func (n *Node) xrun(now, delay int64) {
	a := n.activation
	count := a.RecordXrun(now, delay)
	if da := n.driverAct.Load(); da != nil && da != a {
		da.RecordXrun(now, delay)
	}
	n.logger.Debug("xrun", "count", count, "delay", time.Duration(delay))
	if n.g.hooks.OnXrun == nil {
		return
	}
	ev := &domain.XrunEvent{
		EventBase: domain.NewEventBase(domain.EventXrun),
		NodeID:    n.id,
		Count:     count,
		Delay:     time.Duration(delay),
		MaxDelay:  time.Duration(a.MaxDelay.Load()),
		DriverID:  n.driverID.Load(),
	}
	n.g.hooks.OnXrun(context.Background(), ev)
}

// startCycle begins a cycle of the group this node drives. Every member still
// unfinished from the previous cycle is counted as an xrun. Members are then
// re-armed with their required count plus the start signal before any of
// them is woken. Runs on the driver's data loop.
func (n *Node) startCycle() {
	now := n.g.clock()
	members := n.rtGroup
	if len(members) == 0 {
		return
	}

	pos := &n.activation.Position
	cycle := pos.Cycle.Add(1)
	pos.Frames.Add(uint64(pos.Quantum.Load()))

	for _, m := range members {
		a := m.activation
		switch a.ActivationStatus() {
		case domain.ActivationTriggered, domain.ActivationAwake:
			m.xrun(now, now-a.SignalTime.Load())
		}
	}
	for _, m := range members {
		a := m.activation
		a.Pending.Store(a.Required.Load() + 1)
		a.SetStatus(domain.ActivationNotTriggered)
	}

	if n.g.hooks.OnCycle != nil && n.lastTick != 0 {
		n.g.hooks.OnCycle(context.Background(), &domain.CycleEvent{
			EventBase: domain.NewEventBase(domain.EventCycle),
			DriverID:  n.id,
			Cycle:     cycle,
			Elapsed:   time.Duration(now - n.lastTick),
		})
	}
	n.lastTick = now

	for _, m := range members {
		m.self.trigger(now)
	}
}
