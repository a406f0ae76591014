package registry

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/aretw0/patchbay/internal/logging"
	"github.com/aretw0/patchbay/pkg/adapters/remote"
	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/aretw0/patchbay/pkg/plugins/generic"
	"github.com/aretw0/patchbay/pkg/ports"
)

// Factory builds a processing unit from the loose props of a node
// declaration.
type Factory func(props map[string]any, logger *slog.Logger) (ports.Plugin, error)

// Registry manages the available plugin factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Default returns a registry holding the built-in units.
func Default() *Registry {
	r := NewRegistry()
	r.Register(generic.Name, generic.Factory)
	r.Register(remote.Name, remote.Factory)
	return r
}

// Register adds a factory to the registry.
// If a factory with the same name exists, it is overwritten.
func (r *Registry) Register(name string, fn Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = fn
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Create looks up a factory by name and builds a unit.
// Returns domain.ErrPluginNotFound if the name is unknown.
func (r *Registry) Create(name string, props map[string]any, logger *slog.Logger) (ports.Plugin, error) {
	r.mu.RLock()
	fn, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%q: %w", name, domain.ErrPluginNotFound)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	p, err := fn(props, logger.With("plugin", name))
	if err != nil {
		return nil, fmt.Errorf("create %q: %w", name, err)
	}
	return p, nil
}
