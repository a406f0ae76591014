package ports

import (
	"context"

	"github.com/aretw0/patchbay/pkg/domain"
)

// Controller is the control surface the daemon offers to its driving adapters
// (HTTP, MCP). Implementations serialize every call onto the graph's control
// loop.
type Controller interface {
	// Snapshot returns a point-in-time view of the graph.
	Snapshot(ctx context.Context) (*domain.Snapshot, error)

	// Connect creates a link and starts preparing it.
	Connect(ctx context.Context, req domain.LinkRequest) (*domain.LinkSnapshot, error)

	// Disconnect tears a link down.
	Disconnect(ctx context.Context, linkID uint32) error

	// SetActive starts or stops scheduling a node.
	SetActive(ctx context.Context, nodeID uint32, active bool) error

	// SetQuantum changes the quantum a node asks of its driver group.
	SetQuantum(ctx context.Context, nodeID uint32, quantum, maxQuantum uint32) error

	// Watch streams lifecycle events until ctx ends.
	Watch(ctx context.Context) (<-chan domain.Event, error)
}
