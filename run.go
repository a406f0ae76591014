package patchbay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/aretw0/patchbay/pkg/ports"
)

// shutdownTimeout bounds the final snapshot and the lease release.
const shutdownTimeout = 5 * time.Second

// Run runs the graph until ctx ends. Snapshots are published once the loops
// are up, after every change (debounced) and once more after the loops
// stopped. With a locker the graph lease is held for the whole run; losing
// it stops the daemon.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var lease ports.Lease
	if d.locker != nil {
		var err error
		if lease, err = d.locker.Acquire(ctx, d.Name(), d.leaseTTL); err != nil {
			return fmt.Errorf("graph lease %q: %w", d.Name(), err)
		}
		d.logger.Info("graph lease acquired", "ttl", d.leaseTTL)
		go d.keepLease(ctx, cancel, lease)
	}

	var watchers sync.WaitGroup
	for _, w := range d.wakers {
		watchers.Add(1)
		go func() {
			defer watchers.Done()
			if err := w.efd.Watch(ctx, w.node.Wake); err != nil {
				d.logger.Error("wakeup watcher stopped", "node", w.node.Name(), "error", err)
			}
		}()
	}

	done := make(chan error, 1)
	go func() { done <- d.graph.Run(ctx) }()

	select {
	case <-d.graph.Control().Ready():
		d.logger.Info("graph running", "nodes", len(d.graph.Nodes()), "links", len(d.graph.Links()))
		d.publishLoop(ctx)
	case <-ctx.Done():
	}
	err := <-done
	watchers.Wait()
	for _, w := range d.wakers {
		w.efd.Close()
	}
	d.wakers = nil

	// The loops are stopped; graph calls run inline from here on.
	final, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	d.publish(final)
	if lease != nil {
		if rerr := lease.Release(final); rerr != nil {
			d.logger.Warn("graph lease release failed", "error", rerr)
		}
	}

	if cause := context.Cause(ctx); errors.Is(cause, domain.ErrLeaseLost) {
		return errors.Join(err, cause)
	}
	return err
}

func (d *Daemon) keepLease(ctx context.Context, cancel context.CancelCauseFunc, lease ports.Lease) {
	ticker := time.NewTicker(d.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := lease.Extend(ctx, d.leaseTTL)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrLeaseLost):
			d.logger.Error("graph lease lost", "error", err)
			cancel(err)
			return
		case ctx.Err() == nil:
			d.logger.Warn("graph lease renewal failed", "error", err)
		}
	}
}

func (d *Daemon) publishLoop(ctx context.Context) {
	d.publish(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.dirty:
		}
		if d.debounce > 0 {
			t := time.NewTimer(d.debounce)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		d.publish(ctx)
	}
}

// publish refreshes the snapshot metrics and saves the snapshot.
func (d *Daemon) publish(ctx context.Context) {
	snap, err := d.Snapshot(ctx)
	if err != nil {
		return
	}
	d.metrics.ObserveSnapshot(snap)
	if d.store == nil {
		return
	}
	if err := d.store.Save(ctx, d.Name(), snap); err != nil {
		d.logger.Warn("snapshot publish failed", "error", err)
		return
	}
	d.logger.Debug("snapshot published", "nodes", len(snap.Nodes), "links", len(snap.Links))
}
