package patchbay

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aretw0/patchbay/internal/runtime"
	"github.com/aretw0/patchbay/pkg/config"
	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/aretw0/patchbay/pkg/ports"
)

var _ ports.Controller = (*Daemon)(nil)

// call runs fn on the control loop unless ctx already ended.
func (d *Daemon) call(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.graph.Call(fn)
}

// Snapshot returns the current state of the graph.
func (d *Daemon) Snapshot(ctx context.Context) (*domain.Snapshot, error) {
	var snap *domain.Snapshot
	err := d.call(ctx, func() error {
		snap = d.snapshot()
		return nil
	})
	return snap, err
}

func (d *Daemon) snapshot() *domain.Snapshot {
	snap := d.graph.Snapshot()
	snap.Instance = d.instance
	return snap
}

// Connect links two endpoints named "node:port". Nodes and ports are
// referenced by name or by id; a missing port means port 0.
func (d *Daemon) Connect(ctx context.Context, req domain.LinkRequest) (*domain.LinkSnapshot, error) {
	var ls *domain.LinkSnapshot
	err := d.call(ctx, func() error {
		l, err := d.connect(req)
		if err != nil {
			return err
		}
		if s, ok := d.graph.Snapshot().Link(l.ID()); ok {
			ls = &s
		}
		return nil
	})
	return ls, err
}

func (d *Daemon) connect(req domain.LinkRequest) (*runtime.Link, error) {
	out, err := d.resolve(req.Output, domain.DirectionOutput)
	if err != nil {
		return nil, err
	}
	in, err := d.resolve(req.Input, domain.DirectionInput)
	if err != nil {
		return nil, err
	}
	var opts []runtime.LinkOption
	if req.Passive {
		opts = append(opts, runtime.WithPassive(true))
	}
	if req.MinBuffers > 0 {
		opts = append(opts, runtime.WithMinBuffers(req.MinBuffers))
	}
	return d.graph.Connect(out, in, opts...)
}

// resolve maps an endpoint onto a port reference.
func (d *Daemon) resolve(s string, dir domain.Direction) (runtime.PortRef, error) {
	ep, err := config.ParseEndpoint(s)
	if err != nil {
		return runtime.PortRef{}, fmt.Errorf("%w: %w", err, domain.EINVAL)
	}
	n, err := d.lookupNode(ep.Node)
	if err != nil {
		return runtime.PortRef{}, err
	}
	if id, ok := ep.PortID(); ok {
		return runtime.PortRef{Node: n.ID(), Port: id}, nil
	}
	for _, p := range n.Ports(dir) {
		if p.Info().Name == ep.Port {
			return runtime.PortRef{Node: n.ID(), Port: p.ID()}, nil
		}
	}
	return runtime.PortRef{}, fmt.Errorf("%s port %q of node %q: %w", dir, ep.Port, ep.Node, domain.ErrPortNotFound)
}

func (d *Daemon) lookupNode(ref string) (*runtime.Node, error) {
	for _, n := range d.graph.Nodes() {
		if n.Name() == ref {
			return n, nil
		}
	}
	if id, err := strconv.ParseUint(ref, 10, 32); err == nil {
		return d.graph.Node(uint32(id))
	}
	return nil, fmt.Errorf("node %q: %w", ref, domain.ErrNodeNotFound)
}

// Disconnect destroys a link.
func (d *Daemon) Disconnect(ctx context.Context, linkID uint32) error {
	return d.call(ctx, func() error {
		return d.graph.Disconnect(linkID)
	})
}

// SetActive changes whether a node takes part in scheduling.
func (d *Daemon) SetActive(ctx context.Context, nodeID uint32, active bool) error {
	return d.call(ctx, func() error {
		return d.graph.SetActive(nodeID, active)
	})
}

// SetQuantum changes the quantum a node asks its group for.
func (d *Daemon) SetQuantum(ctx context.Context, nodeID, quantum, maxQuantum uint32) error {
	return d.call(ctx, func() error {
		return d.graph.SetQuantum(nodeID, quantum, maxQuantum)
	})
}

// RemoveNode destroys a node and its links.
func (d *Daemon) RemoveNode(ctx context.Context, nodeID uint32) error {
	return d.call(ctx, func() error {
		if err := d.graph.RemoveNode(nodeID); err != nil {
			return err
		}
		d.metrics.Forget(nodeID)
		return nil
	})
}

// Watch streams graph events until ctx ends.
func (d *Daemon) Watch(ctx context.Context) (<-chan domain.Event, error) {
	return d.stream.Subscribe(ctx), nil
}
