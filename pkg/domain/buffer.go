package domain

import (
	"sync"
)

// BufferParams is the fixated result of a buffer negotiation.
type BufferParams struct {
	Count  uint32 `json:"count" msgpack:"count"`
	Blocks uint32 `json:"blocks" msgpack:"blocks"`
	Size   uint32 `json:"size" msgpack:"size"`
	Stride uint32 `json:"stride" msgpack:"stride"`
	Align  uint32 `json:"align" msgpack:"align"`
}

// Chunk describes the valid region of a block after a producer wrote it.
type Chunk struct {
	Offset uint32 `msgpack:"offset"`
	Size   uint32 `msgpack:"size"`
	Stride int32  `msgpack:"stride"`
	Flags  uint32 `msgpack:"flags"`
}

// Block is one memory block of a buffer. Data is nil in skeleton buffers
// until the allocating port fills it in.
type Block struct {
	Data    []byte
	MaxSize uint32
	Chunk   *Chunk

	// FD is the descriptor of the shareable memory backing Data, or -1.
	FD int
	// MapOffset is the offset of Data inside the memory behind FD.
	MapOffset uint32
}

// Buffer is a single buffer of a BufferSet.
type Buffer struct {
	ID     uint32
	Blocks []Block
}

// BufferSetFlags describe how a BufferSet was allocated.
type BufferSetFlags uint32

const (
	// BufferSetOwnsMemory marks sets whose backing memory belongs to the set
	// and is freed by Release.
	BufferSetOwnsMemory BufferSetFlags = 1 << iota
	// BufferSetNoData marks skeleton sets: metadata only, a port allocates the
	// data blocks.
	BufferSetNoData
)

// Flags passed with UseBuffers.
const (
	// BuffersFlagAlloc asks the port to allocate memory into skeleton buffers.
	BuffersFlagAlloc uint32 = 1 << 0
)

// BufferSet is a negotiated set of buffers used by exactly one link at a time.
// Release is idempotent so that only one owner ever frees the backing memory.
type BufferSet struct {
	Params  BufferParams
	Buffers []*Buffer
	Flags   BufferSetFlags

	once     sync.Once
	release  func()
	released bool
	mu       sync.Mutex
}

// NewBufferSet wraps bufs. release is called once by Release.
func NewBufferSet(params BufferParams, bufs []*Buffer, flags BufferSetFlags, release func()) *BufferSet {
	return &BufferSet{
		Params:  params,
		Buffers: bufs,
		Flags:   flags,
		release: release,
	}
}

// Len returns the number of buffers. A nil set has none.
func (s *BufferSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Buffers)
}

// Release frees the backing memory if the set owns it.
func (s *BufferSet) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
		s.mu.Lock()
		s.released = true
		s.mu.Unlock()
	})
}

// Released reports whether Release ran.
func (s *BufferSet) Released() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}
