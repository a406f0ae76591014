package runtime

import (
	"context"
	"slices"
	"time"

	"github.com/aretw0/patchbay/pkg/domain"
)

// RequestRecalc queues a recalculation behind the pending negotiation work.
// Requests made while one is queued are merged into it.
func (g *Graph) RequestRecalc() {
	if g.recalcQueued {
		return
	}
	g.recalcQueued = true
	g.wq.Add(g, 0, func(any, uint32, error) {
		g.recalcQueued = false
		g.Recalc()
	})
}

// Recalc recomputes driver groups, quanta and which nodes run. A call made
// while a recalculation is in progress is replayed once it finishes.
func (g *Graph) Recalc() {
	if g.recalculating {
		g.recalcPending = true
		return
	}
	g.recalculating = true
	defer func() { g.recalculating = false }()

	for {
		g.recalcPending = false
		g.recalc()
		if !g.recalcPending {
			return
		}
	}
}

// Recalcs returns how many recalculations ran.
func (g *Graph) Recalcs() uint64 { return g.recalcs }

func (g *Graph) recalc() {
	start := time.Now()
	g.recalcs++

	for _, n := range g.nodes {
		n.visited = false
		n.group = nil
	}
	assigned := make(map[*Node]*Node, len(g.nodes))

	// Every active driver not reached from an earlier one roots a group.
	var drivers []*Node
	for _, n := range g.nodes {
		if !n.driving || !n.active || n.visited {
			continue
		}
		drivers = append(drivers, n)
		n.group = g.collect(n, assigned)
	}

	for _, d := range drivers {
		d.passive = groupPassive(d)
	}

	// Nodes no walk reached join the best driver when they ask for one. The
	// attached node keeps that driver awake.
	target := bestDriver(drivers)
	unassigned := 0
	for _, n := range g.nodes {
		if n.visited {
			continue
		}
		if target == nil || !n.active || !n.wantDriver {
			unassigned++
			continue
		}
		n.visited = true
		assigned[n] = target
		target.group = append(target.group, n)
		target.passive = false
	}

	for _, d := range drivers {
		g.updateQuantum(d)
	}

	running := make(map[*Node]bool, len(g.nodes))
	for _, n := range g.nodes {
		d := assigned[n]
		running[n] = n.active && !n.needConfig && d != nil && !d.passive
	}

	// Links leave the run-time structures before their nodes go idle and
	// join them only after both nodes run.
	for _, l := range g.links {
		if l.active && (!running[l.output.node] || !running[l.input.node]) {
			l.deactivate()
		}
	}
	runnable := 0
	for _, n := range g.nodes {
		d := assigned[n]
		n.driver = d
		if d != nil {
			n.driverID.Store(d.id)
			n.driverAct.Store(d.activation)
		} else {
			n.driverID.Store(0)
			n.driverAct.Store(nil)
		}
		if !slices.Contains(drivers, n) {
			n.passive = false
			n.groupQ = 0
		}
		n.setRunning(running[n])
		if running[n] {
			runnable++
		}
	}
	for _, n := range g.nodes {
		var members []*Node
		if n.driver == n && n.running {
			for _, m := range n.group {
				if m.running {
					members = append(members, m)
				}
			}
		}
		g.publishGroup(n, members)
	}
	for _, l := range g.links {
		if l.prepared && !l.active && running[l.output.node] && running[l.input.node] {
			l.activate()
		}
	}
	for _, n := range g.nodes {
		if !running[n] && !n.active && n.suspendOnIdle {
			n.suspend()
		}
	}
	g.syncClocks()

	elapsed := time.Since(start)
	g.logger.Debug("recalc", "groups", len(drivers), "runnable", runnable, "unassigned", unassigned, "took", elapsed)
	if g.hooks.OnRecalc != nil {
		g.hooks.OnRecalc(context.Background(), &domain.RecalcEvent{
			EventBase:  domain.NewEventBase(domain.EventRecalc),
			Groups:     len(drivers),
			Runnable:   runnable,
			Unassigned: unassigned,
			Duration:   elapsed,
		})
	}
}

// collect walks prepared, non-feedback links outward from driver and returns
// every node reached. Inactive nodes stop the walk. Links still unprepared
// are asked to prepare instead. Active nodes sharing a node group with a
// reached node join as well, linked or not.
func (g *Graph) collect(driver *Node, assigned map[*Node]*Node) []*Node {
	var group []*Node
	driver.visited = true
	stack := []*Node{driver}
	visit := func(n *Node) {
		n.visited = true
		stack = append(stack, n)
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		group = append(group, n)
		assigned[n] = driver

		for _, l := range n.links() {
			if l.feedback {
				continue
			}
			if !l.prepared {
				l.Prepare()
				continue
			}
			if peer := l.peer(n); !peer.visited && peer.active {
				visit(peer)
			}
		}

		if n.nodeGroup == "" {
			continue
		}
		for _, t := range g.nodes {
			if t != n && !t.visited && t.active && t.nodeGroup == n.nodeGroup {
				visit(t)
			}
		}
	}
	return group
}

// bestDriver returns the first non-passive driver with an active follower,
// else the first driver.
func bestDriver(drivers []*Node) *Node {
	for _, d := range drivers {
		if d.passive {
			continue
		}
		for _, m := range d.group {
			if m != d && m.active {
				return d
			}
		}
	}
	if len(drivers) > 0 {
		return drivers[0]
	}
	return nil
}

// groupPassive reports whether no active member of d has a prepared,
// non-passive link to another active node.
func groupPassive(d *Node) bool {
	for _, m := range d.group {
		if !m.active {
			continue
		}
		for _, l := range m.links() {
			if !l.prepared || l.passive {
				continue
			}
			if peer := l.peer(m); peer != m && peer.active {
				return false
			}
		}
	}
	return true
}

// updateQuantum picks the smallest requested quantum of the group, bounded by
// the smallest maximum and the global limits, and publishes it on change.
func (g *Graph) updateQuantum(d *Node) {
	var q, maxQ uint32
	for _, m := range d.group {
		if m.quantum > 0 && (q == 0 || m.quantum < q) {
			q = m.quantum
		}
		if m.maxQuantum > 0 && (maxQ == 0 || m.maxQuantum < maxQ) {
			maxQ = m.maxQuantum
		}
	}
	if q == 0 {
		q = g.settings.DefaultQuantum
	}
	if maxQ > 0 && q > maxQ {
		q = maxQ
	}
	if g.settings.MaxQuantum > 0 && q > g.settings.MaxQuantum {
		q = g.settings.MaxQuantum
	}
	if q < g.settings.MinQuantum {
		q = g.settings.MinQuantum
	}
	if q == d.groupQ {
		return
	}

	prev := d.groupQ
	d.groupQ = q
	d.activation.Position.Quantum.Store(q)
	d.activation.Position.Rate.Store(g.settings.Rate)
	d.logger.Debug("group quantum", "previous", prev, "quantum", q)
	if g.hooks.OnQuantum != nil {
		g.hooks.OnQuantum(context.Background(), &domain.QuantumEvent{
			EventBase: domain.NewEventBase(domain.EventQuantum),
			DriverID:  d.id,
			Previous:  prev,
			Quantum:   q,
		})
	}
}

// publishGroup hands the runnable members of a driver group to its data
// loop and waits until the loop took them.
func (g *Graph) publishGroup(d *Node, members []*Node) {
	if slices.Equal(d.published, members) {
		return
	}
	d.published = members
	d.loop.Invoke(func() { d.rtGroup = members }, true)
}
