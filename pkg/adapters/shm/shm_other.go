//go:build !linux

package shm

import (
	"context"
	"time"

	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/aretw0/patchbay/pkg/mem"
)

// Allocator is unavailable on this platform.
type Allocator struct{}

// Allocate always fails with domain.ENOTSUP.
func (Allocator) Allocate(string, int) (mem.Region, error) {
	return nil, domain.ENOTSUP
}

// Map always fails with domain.ENOTSUP.
func Map(int, int) (mem.Region, error) {
	return nil, domain.ENOTSUP
}

// Eventfd is unavailable on this platform.
type Eventfd struct{}

// NewEventfd always fails with domain.ENOTSUP.
func NewEventfd() (*Eventfd, error) {
	return nil, domain.ENOTSUP
}

// EventfdFrom returns an Eventfd whose operations fail.
func EventfdFrom(int) *Eventfd { return &Eventfd{} }

func (*Eventfd) FD() int { return -1 }
func (*Eventfd) Signal() error { return domain.ENOTSUP }
func (*Eventfd) Wait(time.Duration) (uint64, error) { return 0, domain.ENOTSUP }
func (*Eventfd) Watch(context.Context, func()) error { return domain.ENOTSUP }
func (*Eventfd) Close() error { return nil }
