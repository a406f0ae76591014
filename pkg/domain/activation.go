package domain

import (
	"sync/atomic"
	"time"
)

// ActivationStatus is the per-cycle status of a node.
type ActivationStatus uint32

const (
	ActivationInactive ActivationStatus = iota
	ActivationNotTriggered
	ActivationTriggered
	ActivationAwake
	ActivationFinished
)

func (s ActivationStatus) String() string {
	switch s {
	case ActivationInactive:
		return "inactive"
	case ActivationNotTriggered:
		return "not-triggered"
	case ActivationTriggered:
		return "triggered"
	case ActivationAwake:
		return "awake"
	case ActivationFinished:
		return "finished"
	}
	return "unknown"
}

// Position is the clock position a driver publishes to its group.
type Position struct {
	Quantum atomic.Uint32
	Rate    atomic.Uint32
	Frames  atomic.Uint64
	Cycle   atomic.Uint64
}

// Activation is the activation block of a node. Only fixed-size atomics are
// stored so the block can be placed in memory shared with another process.
// Timestamps are monotonic nanoseconds.
type Activation struct {
	Status atomic.Uint32

	// Required is the number of signals the node waits for each cycle, not
	// counting the driver's start signal.
	Required atomic.Int32
	// Pending counts signals still outstanding in the current cycle.
	Pending atomic.Int32

	SignalTime atomic.Int64
	AwakeTime  atomic.Int64
	FinishTime atomic.Int64

	XrunCount atomic.Uint32
	XrunTime  atomic.Int64
	XrunDelay atomic.Int64
	MaxDelay  atomic.Int64

	Position Position
}

// XrunStats is a copy of the xrun counters of an activation block.
type XrunStats struct {
	Count    uint32        `json:"count"`
	Last     int64         `json:"last_ns,omitempty"`
	Delay    time.Duration `json:"delay"`
	MaxDelay time.Duration `json:"max_delay"`
}

// RecordXrun counts a missed deadline observed at now, delay nanoseconds late.
func (a *Activation) RecordXrun(now, delay int64) uint32 {
	n := a.XrunCount.Add(1)
	a.XrunTime.Store(now)
	a.XrunDelay.Store(delay)
	for {
		cur := a.MaxDelay.Load()
		if delay <= cur || a.MaxDelay.CompareAndSwap(cur, delay) {
			break
		}
	}
	return n
}

// Xruns returns the xrun counters.
func (a *Activation) Xruns() XrunStats {
	return XrunStats{
		Count:    a.XrunCount.Load(),
		Last:     a.XrunTime.Load(),
		Delay:    time.Duration(a.XrunDelay.Load()),
		MaxDelay: time.Duration(a.MaxDelay.Load()),
	}
}

// ActivationStatus returns the typed status.
func (a *Activation) ActivationStatus() ActivationStatus {
	return ActivationStatus(a.Status.Load())
}

// SetStatus stores s.
func (a *Activation) SetStatus(s ActivationStatus) {
	a.Status.Store(uint32(s))
}
