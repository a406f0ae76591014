//go:build linux

package shm

import (
	"fmt"

	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/aretw0/patchbay/pkg/mem"
	"golang.org/x/sys/unix"
)

// Allocator creates memfd regions mapped shared.
type Allocator struct{}

var _ mem.Allocator = Allocator{}

// Allocate creates a sealed-size memfd of size bytes and maps it.
func (Allocator) Allocate(name string, size int) (mem.Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("memfd %s: %w", name, domain.EINVAL)
	}
	fd, err := unix.MemfdCreate("patchbay-"+name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("memfd_create %s: %w", name, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate %s: %w", name, err)
	}
	// Peers may map the region but never resize it.
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_GROW|unix.F_SEAL_SEAL); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("seal %s: %w", name, err)
	}
	r, err := Map(fd, size)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return r, nil
}

// Map maps size bytes of fd, typically a descriptor received from a peer.
// The region owns fd afterwards.
func Map(fd, size int) (mem.Region, error) {
	b, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap fd %d: %w", fd, err)
	}
	return &region{fd: fd, b: b}, nil
}

type region struct {
	fd int
	b  []byte
}

func (r *region) Bytes() []byte { return r.b }
func (r *region) FD() int       { return r.fd }

func (r *region) Close() error {
	if r.b == nil {
		return nil
	}
	err := unix.Munmap(r.b)
	r.b = nil
	if cerr := unix.Close(r.fd); err == nil {
		err = cerr
	}
	r.fd = -1
	return err
}
