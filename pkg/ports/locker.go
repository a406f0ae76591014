package ports

import (
	"context"
	"time"
)

// Lease is a held lock on a graph name. It expires after its ttl unless it is
// extended.
type Lease interface {
	// Extend resets the expiry. It fails with domain.ErrLeaseLost once the
	// lease expired or another holder took the name.
	Extend(ctx context.Context, ttl time.Duration) error

	// Release gives the name up. Releasing a lease that was already lost
	// leaves the new holder alone.
	Release(ctx context.Context) error
}

// LeaseLocker hands out leases so that two daemons never run the same graph
// against one snapshot store.
type LeaseLocker interface {
	// Acquire blocks until the lease on key is held or ctx ends.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}
