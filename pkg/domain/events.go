package domain

import (
	"context"
	"time"
)

// EventType defines the category of the event.
type EventType string

const (
	EventLinkState   EventType = "link_state"
	EventNegotiation EventType = "negotiation_failed"
	EventXrun        EventType = "xrun"
	EventRecalc      EventType = "recalc"
	EventQuantum     EventType = "quantum"
	EventCycle       EventType = "cycle"
)

// EventBase contains common fields for all events.
type EventBase struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
}

// NewEventBase stamps an event of type t with the current time.
func NewEventBase(t EventType) EventBase {
	return EventBase{Timestamp: time.Now(), Type: t}
}

// LinkEvent reports a link state change or a negotiation failure.
type LinkEvent struct {
	EventBase
	LinkID     uint32    `json:"link_id"`
	OutputNode uint32    `json:"output_node"`
	InputNode  uint32    `json:"input_node"`
	Old        LinkState `json:"old"`
	New        LinkState `json:"new"`
	Err        error     `json:"-"`
}

// XrunEvent reports a missed deadline. The pipeline keeps running.
type XrunEvent struct {
	EventBase
	NodeID   uint32        `json:"node_id"`
	DriverID uint32        `json:"driver_id"`
	Count    uint32        `json:"count"`
	Delay    time.Duration `json:"delay"`
	MaxDelay time.Duration `json:"max_delay"`
}

// RecalcEvent summarises a graph recalculation.
type RecalcEvent struct {
	EventBase
	Groups     int           `json:"groups"`
	Runnable   int           `json:"runnable"`
	Unassigned int           `json:"unassigned"`
	Duration   time.Duration `json:"duration"`
}

// QuantumEvent reports a change of a driver group's quantum.
type QuantumEvent struct {
	EventBase
	DriverID uint32 `json:"driver_id"`
	Previous uint32 `json:"previous"`
	Quantum  uint32 `json:"quantum"`
}

// CycleEvent reports a completed driver cycle.
type CycleEvent struct {
	EventBase
	DriverID uint32        `json:"driver_id"`
	Cycle    uint64        `json:"cycle"`
	Elapsed  time.Duration `json:"elapsed"`
}

// LifecycleHooks defines callbacks for engine observability. Link, recalc and
// quantum hooks run on the control context; xrun and cycle hooks run on a data
// context and must not block.
type LifecycleHooks struct {
	OnLinkState         func(context.Context, *LinkEvent)
	OnNegotiationFailed func(context.Context, *LinkEvent)
	OnXrun              func(context.Context, *XrunEvent)
	OnRecalc            func(context.Context, *RecalcEvent)
	OnQuantum           func(context.Context, *QuantumEvent)
	OnCycle             func(context.Context, *CycleEvent)
}

// Merge returns hooks calling h first and then other.
func (h LifecycleHooks) Merge(other LifecycleHooks) LifecycleHooks {
	return LifecycleHooks{
		OnLinkState:         chain(h.OnLinkState, other.OnLinkState),
		OnNegotiationFailed: chain(h.OnNegotiationFailed, other.OnNegotiationFailed),
		OnXrun:              chain(h.OnXrun, other.OnXrun),
		OnRecalc:            chain(h.OnRecalc, other.OnRecalc),
		OnQuantum:           chain(h.OnQuantum, other.OnQuantum),
		OnCycle:             chain(h.OnCycle, other.OnCycle),
	}
}

func chain[E any](a, b func(context.Context, E)) func(context.Context, E) {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return func(ctx context.Context, e E) {
		a(ctx, e)
		b(ctx, e)
	}
}
