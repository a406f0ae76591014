// Package mem manages the memory regions behind activation blocks, link I/O
// cells and buffer data.
//
// Regions come from an Allocator (the Go heap by default, memfd-backed shared
// memory on Linux) and are tracked by a Registry that reference-counts them by
// owner tag. Releasing a tag drops exactly the regions that owner holds, which
// is how a disconnecting node gives back everything it mapped.
package mem

import (
	"fmt"
	"unsafe"

	"github.com/aretw0/patchbay/pkg/domain"
)

// Region is a contiguous memory region.
type Region interface {
	// Bytes returns the mapped memory.
	Bytes() []byte
	// FD returns the descriptor that can be passed to another process, or -1.
	FD() int
	// Close unmaps and frees the region.
	Close() error
}

// Allocator creates regions.
type Allocator interface {
	Allocate(name string, size int) (Region, error)
}

// Heap allocates regions on the Go heap. Regions are 8-byte aligned so that
// activation blocks can be placed at their start.
type Heap struct{}

// Allocate returns a zeroed heap region of size bytes.
func (Heap) Allocate(name string, size int) (Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("allocate %s: %w", name, domain.EINVAL)
	}
	words := make([]uint64, (size+7)/8)
	b := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	return &heapRegion{b: b}, nil
}

type heapRegion struct {
	b []byte
}

func (r *heapRegion) Bytes() []byte { return r.b }
func (r *heapRegion) FD() int       { return -1 }
func (r *heapRegion) Close() error {
	r.b = nil
	return nil
}

// ActivationSize is the number of bytes an activation block occupies.
const ActivationSize = int(unsafe.Sizeof(domain.Activation{}))

// IOCellSize is the number of bytes an I/O cell occupies.
const IOCellSize = int(unsafe.Sizeof(domain.IOCell{}))

// ActivationIn places an activation block at the start of b.
func ActivationIn(b []byte) (*domain.Activation, error) {
	if err := checkPlacement(b, ActivationSize, 8); err != nil {
		return nil, fmt.Errorf("activation: %w", err)
	}
	return (*domain.Activation)(unsafe.Pointer(&b[0])), nil
}

// IOCellIn places an I/O cell at the start of b.
func IOCellIn(b []byte) (*domain.IOCell, error) {
	if err := checkPlacement(b, IOCellSize, 4); err != nil {
		return nil, fmt.Errorf("io cell: %w", err)
	}
	return (*domain.IOCell)(unsafe.Pointer(&b[0])), nil
}

func checkPlacement(b []byte, size int, align uintptr) error {
	if len(b) < size {
		return fmt.Errorf("region of %d bytes too small for %d: %w", len(b), size, domain.ENOSPC)
	}
	if uintptr(unsafe.Pointer(&b[0]))%align != 0 {
		return fmt.Errorf("region not %d-byte aligned: %w", align, domain.EINVAL)
	}
	return nil
}

// ChunkSize is the number of bytes a chunk metadata entry occupies.
const ChunkSize = int(unsafe.Sizeof(domain.Chunk{}))

// ChunksIn places n chunk metadata entries at the start of b.
func ChunksIn(b []byte, n int) ([]domain.Chunk, error) {
	if n <= 0 {
		return nil, fmt.Errorf("chunks: %w", domain.EINVAL)
	}
	if err := checkPlacement(b, n*ChunkSize, 4); err != nil {
		return nil, fmt.Errorf("chunks: %w", err)
	}
	return unsafe.Slice((*domain.Chunk)(unsafe.Pointer(&b[0])), n), nil
}
