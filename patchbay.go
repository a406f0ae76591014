package patchbay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/patchbay/internal/logging"
	"github.com/aretw0/patchbay/internal/runtime"
	"github.com/aretw0/patchbay/pkg/adapters/shm"
	"github.com/aretw0/patchbay/pkg/config"
	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/aretw0/patchbay/pkg/mem"
	"github.com/aretw0/patchbay/pkg/observability"
	"github.com/aretw0/patchbay/pkg/ports"
	"github.com/aretw0/patchbay/pkg/registry"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultLeaseTTL is how long the graph lease survives a daemon that stopped
// renewing it.
const DefaultLeaseTTL = 10 * time.Second

// Daemon is the high-level entry point: a graph built from configuration,
// its observers and the snapshot publisher.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *registry.Registry
	hooks    domain.LifecycleHooks
	graph    *runtime.Graph
	instance string

	metrics  *observability.Metrics
	stream   *observability.Stream
	promReg  prometheus.Registerer
	gatherer prometheus.Gatherer

	store    ports.SnapshotStore
	locker   ports.LeaseLocker
	leaseTTL time.Duration
	debounce time.Duration
	dirty    chan struct{}

	wakers []waker
}

// waker feeds the signals of a node's eventfd into its data loop.
type waker struct {
	node *runtime.Node
	efd  *shm.Eventfd
}

// Option configures the Daemon.
type Option func(*Daemon)

// WithLogger sets a custom structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Daemon) {
		d.logger = logger
	}
}

// WithRegistry replaces the plugin registry. The default holds the built-in
// units.
func WithRegistry(r *registry.Registry) Option {
	return func(d *Daemon) {
		d.registry = r
	}
}

// WithLifecycleHooks registers additional observability hooks.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(d *Daemon) {
		d.hooks = d.hooks.Merge(hooks)
	}
}

// WithStore publishes snapshots to store.
func WithStore(store ports.SnapshotStore) Option {
	return func(d *Daemon) {
		d.store = store
	}
}

// WithLocker makes the daemon hold a lease on its graph name while it runs.
func WithLocker(locker ports.LeaseLocker, ttl time.Duration) Option {
	return func(d *Daemon) {
		d.locker = locker
		d.leaseTTL = ttl
	}
}

// WithPrometheus registers the daemon metrics with reg and exposes gatherer
// to the HTTP adapter.
func WithPrometheus(reg prometheus.Registerer, gatherer prometheus.Gatherer) Option {
	return func(d *Daemon) {
		d.promReg = reg
		d.gatherer = gatherer
	}
}

// New builds the graph described by cfg: nodes are created through the
// registry and declared links are connected, leaving negotiation to run once
// the loops start.
func New(cfg *config.Config, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewNop(),
		registry: registry.Default(),
		instance: uuid.NewString(),
		leaseTTL: DefaultLeaseTTL,
		dirty:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := cfg.Validate(d.registry); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	debounce, err := cfg.Store.DebounceInterval()
	if err != nil {
		return nil, err
	}
	d.debounce = debounce
	d.logger = d.logger.With("instance", d.instance)

	if d.promReg == nil {
		reg := prometheus.NewRegistry()
		d.promReg, d.gatherer = reg, reg
	}
	if d.metrics, err = observability.NewMetrics(d.promReg); err != nil {
		return nil, err
	}
	d.stream = observability.NewStream(64, d.logger)

	hooks := observability.LoggingHooks(d.logger).
		Merge(d.metrics.Hooks()).
		Merge(d.stream.Hooks()).
		Merge(d.changeHooks()).
		Merge(d.hooks)

	memory, err := d.memory()
	if err != nil {
		return nil, err
	}
	loops := make([]*runtime.Loop, max(cfg.Graph.DataLoops, 1))
	for i := range loops {
		loops[i] = runtime.NewLoop(fmt.Sprintf("data-%d", i),
			runtime.WithLoopLogger(d.logger), runtime.WithLockedThread())
	}
	d.graph = runtime.NewGraph(cfg.Graph.Name,
		runtime.WithLogger(d.logger),
		runtime.WithHooks(hooks),
		runtime.WithSettings(runtime.Settings{
			DefaultQuantum: cfg.Graph.Quantum.Default,
			MinQuantum:     cfg.Graph.Quantum.Min,
			MaxQuantum:     cfg.Graph.Quantum.Max,
			Rate:           cfg.Graph.Rate,
		}),
		runtime.WithMemory(memory),
		runtime.WithDataLoops(loops...),
	)

	if err := d.build(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Daemon) memory() (*mem.Registry, error) {
	opts := []mem.Option{mem.WithLogger(d.logger)}
	switch d.cfg.Memory {
	case "", config.MemoryHeap:
	case config.MemoryMemfd:
		opts = append(opts, mem.WithAllocator(shm.Allocator{}))
	default:
		return nil, fmt.Errorf("memory %q: %w", d.cfg.Memory, domain.ENOTSUP)
	}
	return mem.NewRegistry(opts...), nil
}

// build runs before the loops start, so graph calls execute inline.
func (d *Daemon) build() error {
	return d.graph.Call(func() error {
		for _, nc := range d.cfg.Nodes {
			plugin, err := d.registry.Create(nc.Plugin, nc.Props, d.logger)
			if err != nil {
				return fmt.Errorf("node %q: %w", nc.Name, err)
			}
			opts := []runtime.NodeOption{
				runtime.WithKind(nc.Plugin),
				runtime.WithDriving(nc.Driver),
				runtime.WithActive(nc.IsActive()),
				runtime.WithWantDriver(nc.WantDriver),
				runtime.WithNeedConfig(nc.NeedConfig),
				runtime.WithQuantum(nc.Quantum, nc.MaxQuantum),
				runtime.WithNodeGroup(nc.Group),
				runtime.WithPauseOnIdle(nc.PausesOnIdle()),
				runtime.WithSuspendOnIdle(nc.SuspendOnIdle),
			}
			var efd *shm.Eventfd
			if d.cfg.Graph.Wakeup == config.WakeupEventfd {
				if efd, err = shm.NewEventfd(); err != nil {
					return fmt.Errorf("node %q: %w", nc.Name, err)
				}
				opts = append(opts, runtime.WithSignaler(efd))
			}
			n, err := d.graph.AddNode(nc.Name, plugin, opts...)
			if err != nil {
				if efd != nil {
					efd.Close()
				}
				return err
			}
			if efd != nil {
				d.wakers = append(d.wakers, waker{node: n, efd: efd})
			}
		}
		for _, lc := range d.cfg.Links {
			if _, err := d.connect(domain.LinkRequest{
				Output:     lc.Output,
				Input:      lc.Input,
				Passive:    lc.Passive,
				MinBuffers: lc.MinBuffers,
			}); err != nil {
				return fmt.Errorf("link %s -> %s: %w", lc.Output, lc.Input, err)
			}
		}
		return nil
	})
}

// Instance returns the id stamped on every snapshot of this daemon.
func (d *Daemon) Instance() string { return d.instance }

// Name returns the graph name.
func (d *Daemon) Name() string { return d.graph.Name() }

// Metrics returns the daemon metrics.
func (d *Daemon) Metrics() *observability.Metrics { return d.metrics }

// Gatherer returns the gatherer holding the daemon metrics.
func (d *Daemon) Gatherer() prometheus.Gatherer { return d.gatherer }

// changeHooks mark the published snapshot stale.
func (d *Daemon) changeHooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnLinkState: func(context.Context, *domain.LinkEvent) { d.markDirty() },
		OnRecalc:    func(context.Context, *domain.RecalcEvent) { d.markDirty() },
		OnQuantum:   func(context.Context, *domain.QuantumEvent) { d.markDirty() },
	}
}

func (d *Daemon) markDirty() {
	select {
	case d.dirty <- struct{}{}:
	default:
	}
}
