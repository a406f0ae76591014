package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/aretw0/patchbay/pkg/domain"
)

// Store implements ports.SnapshotStore in memory.
// Safe for concurrent use.
type Store struct {
	data map[string]*domain.Snapshot
	mu   sync.RWMutex
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		data: make(map[string]*domain.Snapshot),
	}
}

// Save persists a copy of the snapshot.
func (s *Store) Save(ctx context.Context, graph string, snap *domain.Snapshot) error {
	copied := snap.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[graph] = copied
	return nil
}

// Load returns a copy so callers cannot mutate stored snapshots.
func (s *Store) Load(ctx context.Context, graph string) (*domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.data[graph]
	if !ok {
		return nil, domain.ErrSnapshotNotFound
	}
	return snap.Clone(), nil
}

// Delete removes the snapshot.
func (s *Store) Delete(ctx context.Context, graph string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, graph)
	return nil
}

// List returns the stored graph names.
func (s *Store) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	graphs := make([]string, 0, len(s.data))
	for name := range s.data {
		graphs = append(graphs, name)
	}
	sort.Strings(graphs)
	return graphs, nil
}
