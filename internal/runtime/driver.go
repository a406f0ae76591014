package runtime

import (
	"context"
	"time"
)

// driverClock ticks a driver once per quantum.
type driverClock struct {
	period  time.Duration
	periods chan time.Duration
	cancel  context.CancelFunc
	done    chan struct{}
}

func startClock(ctx context.Context, n *Node, period time.Duration) *driverClock {
	ctx, cancel := context.WithCancel(ctx)
	c := &driverClock{
		period:  period,
		periods: make(chan time.Duration, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.run(ctx, n)
	return c
}

func (c *driverClock) run(ctx context.Context, n *Node) {
	defer close(c.done)
	t := time.NewTicker(c.period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-c.periods:
			t.Reset(p)
		case <-t.C:
			n.loop.Invoke(n.startCycle, false)
		}
	}
}

func (c *driverClock) setPeriod(p time.Duration) {
	if p == c.period {
		return
	}
	c.period = p
	select {
	case <-c.periods:
	default:
	}
	c.periods <- p
}

func (c *driverClock) stop() {
	c.cancel()
	<-c.done
}

// period is the wall time of one cycle of the group d drives.
func (g *Graph) period(d *Node) time.Duration {
	q := d.groupQ
	if q == 0 {
		q = g.settings.DefaultQuantum
	}
	rate := g.settings.Rate
	if rate == 0 {
		rate = DefaultSettings().Rate
	}
	p := time.Duration(uint64(q) * uint64(time.Second) / uint64(rate))
	if p <= 0 {
		p = time.Millisecond
	}
	return p
}

// syncClocks runs a clock for every running driver while the graph runs.
func (g *Graph) syncClocks() {
	if g.runCtx == nil {
		return
	}
	for _, n := range g.nodes {
		want := n.driver == n && n.running
		switch {
		case want && n.clock == nil:
			n.clock = startClock(g.runCtx, n, g.period(n))
		case want:
			n.clock.setPeriod(g.period(n))
		case n.clock != nil:
			n.clock.stop()
			n.clock = nil
		}
	}
}
