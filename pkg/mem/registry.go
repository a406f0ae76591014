package mem

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/aretw0/patchbay/internal/logging"
	"github.com/aretw0/patchbay/pkg/domain"
)

// Mapping is a region registered under an owner tag.
type Mapping struct {
	ID   uint32
	Tag  uint32
	Name string

	region Region
	refs   int
	reg    *Registry
}

// Bytes returns the mapped memory.
func (m *Mapping) Bytes() []byte { return m.region.Bytes() }

// FD returns the shareable descriptor of the mapping, or -1.
func (m *Mapping) FD() int { return m.region.FD() }

// Release drops one reference.
func (m *Mapping) Release() {
	if _, err := m.reg.Unref(m.ID); err != nil {
		m.reg.logger.Warn("release of unknown mapping", "id", m.ID, "err", err)
	}
}

// Registry reference-counts regions and groups them by owner tag.
type Registry struct {
	alloc  Allocator
	logger *slog.Logger

	mu      sync.Mutex
	nextID  uint32
	entries map[uint32]*Mapping
	byTag   map[uint32]map[uint32]*Mapping
	bytes   int
}

// Option configures the Registry.
type Option func(*Registry)

// WithAllocator sets the allocator used for new regions. Defaults to Heap.
func WithAllocator(a Allocator) Option {
	return func(r *Registry) {
		r.alloc = a
	}
}

// WithLogger configures a logger for the Registry.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		alloc:   Heap{},
		logger:  logging.NewNop(),
		nextID:  1,
		entries: make(map[uint32]*Mapping),
		byTag:   make(map[uint32]map[uint32]*Mapping),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Allocate creates a region of size bytes owned by tag, holding one reference.
func (r *Registry) Allocate(tag uint32, name string, size int) (*Mapping, error) {
	region, err := r.alloc.Allocate(name, size)
	if err != nil {
		return nil, fmt.Errorf("allocate %s (%d bytes): %w", name, size, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m := &Mapping{ID: r.nextID, Tag: tag, Name: name, region: region, refs: 1, reg: r}
	r.nextID++
	r.entries[m.ID] = m
	owned, ok := r.byTag[tag]
	if !ok {
		owned = make(map[uint32]*Mapping)
		r.byTag[tag] = owned
	}
	owned[m.ID] = m
	r.bytes += len(region.Bytes())
	return m, nil
}

// Ref adds a reference to mapping id.
func (r *Registry) Ref(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("mapping %d: %w", id, domain.ENOENT)
	}
	m.refs++
	return nil
}

// Unref drops a reference to mapping id and frees the region when it was the
// last one. It reports whether the region was freed.
func (r *Registry) Unref(id uint32) (bool, error) {
	r.mu.Lock()
	m, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("mapping %d: %w", id, domain.ENOENT)
	}
	m.refs--
	if m.refs > 0 {
		r.mu.Unlock()
		return false, nil
	}
	r.removeLocked(m)
	r.mu.Unlock()

	r.closeRegion(m)
	return true, nil
}

// ReleaseTag frees every region owned by tag regardless of its reference
// count and returns how many were freed.
func (r *Registry) ReleaseTag(tag uint32) int {
	r.mu.Lock()
	owned := r.byTag[tag]
	freed := make([]*Mapping, 0, len(owned))
	for _, m := range owned {
		freed = append(freed, m)
	}
	for _, m := range freed {
		r.removeLocked(m)
	}
	r.mu.Unlock()

	for _, m := range freed {
		r.closeRegion(m)
	}
	return len(freed)
}

// Live returns the number of registered regions and their total size.
func (r *Registry) Live() (count, bytes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries), r.bytes
}

// Owned returns the number of regions owned by tag.
func (r *Registry) Owned(tag uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byTag[tag])
}

func (r *Registry) removeLocked(m *Mapping) {
	delete(r.entries, m.ID)
	if owned, ok := r.byTag[m.Tag]; ok {
		delete(owned, m.ID)
		if len(owned) == 0 {
			delete(r.byTag, m.Tag)
		}
	}
	r.bytes -= len(m.region.Bytes())
}

func (r *Registry) closeRegion(m *Mapping) {
	if err := m.region.Close(); err != nil {
		r.logger.Warn("failed to close region", "name", m.Name, "id", m.ID, "err", err)
	}
}
