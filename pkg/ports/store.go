package ports

import (
	"context"

	"github.com/aretw0/patchbay/pkg/domain"
)

// SnapshotStore persists graph introspection snapshots, so that tooling can
// read the graph without touching the running daemon.
type SnapshotStore interface {
	// Save persists the snapshot under the given graph name.
	Save(ctx context.Context, graph string, snap *domain.Snapshot) error

	// Load retrieves the snapshot of a graph.
	// Returns domain.ErrSnapshotNotFound if none was saved.
	Load(ctx context.Context, graph string) (*domain.Snapshot, error)

	// Delete removes the snapshot of a graph.
	Delete(ctx context.Context, graph string) error

	// List returns the names of all graphs with a snapshot.
	List(ctx context.Context) ([]string, error)
}
