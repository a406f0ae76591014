package domain

import "sync/atomic"

// IOStatus is the status word of an I/O cell.
type IOStatus int32

const (
	IOStatusOK       IOStatus = 0
	IOStatusNeedData IOStatus = 1
	IOStatusHaveData IOStatus = 2
	IOStatusDrained  IOStatus = 4
)

func (s IOStatus) String() string {
	switch s {
	case IOStatusOK:
		return "ok"
	case IOStatusNeedData:
		return "need-data"
	case IOStatusHaveData:
		return "have-data"
	case IOStatusDrained:
		return "drained"
	}
	return "unknown"
}

// InvalidBufferID marks an I/O cell that references no buffer.
const InvalidBufferID = ^uint32(0)

// IOCell is the status + buffer-id pair exchanged between the two sides of a
// link at run time. It only holds fixed-size atomics so it can live in shared
// memory.
type IOCell struct {
	Status   atomic.Int32
	BufferID atomic.Uint32
}

// NewIOCell returns a cell that needs data and references no buffer.
func NewIOCell() *IOCell {
	c := &IOCell{}
	c.Reset()
	return c
}

// Reset puts the cell back into its initial need-data state.
func (c *IOCell) Reset() {
	c.Store(IOStatusNeedData, InvalidBufferID)
}

// Load returns the status and buffer id.
func (c *IOCell) Load() (IOStatus, uint32) {
	return IOStatus(c.Status.Load()), c.BufferID.Load()
}

// Store writes the buffer id before the status so that a reader observing the
// new status also observes the id.
func (c *IOCell) Store(status IOStatus, id uint32) {
	c.BufferID.Store(id)
	c.Status.Store(int32(status))
}

// IOKind selects which I/O area SetIO installs.
type IOKind uint32

const (
	IOKindBuffers IOKind = iota + 1
	IOKindClock
	IOKindPosition
)
