package domain

import "fmt"

// Direction is the data flow direction of a port.
type Direction uint8

const (
	DirectionInput Direction = iota
	DirectionOutput
)

func (d Direction) String() string {
	if d == DirectionOutput {
		return "output"
	}
	return "input"
}

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	if d == DirectionOutput {
		return DirectionInput
	}
	return DirectionOutput
}

// ParseDirection parses "in"/"input" and "out"/"output".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "in", "input":
		return DirectionInput, nil
	case "out", "output":
		return DirectionOutput, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

// PortState is the negotiation state of a port. States are ordered so that
// comparisons like "state > PortStateConfigure" express "has a format".
type PortState int

const (
	PortStateError PortState = iota - 1
	PortStateInit
	PortStateConfigure
	PortStateReady
	PortStatePaused
)

func (s PortState) String() string {
	switch s {
	case PortStateError:
		return "error"
	case PortStateInit:
		return "init"
	case PortStateConfigure:
		return "configure"
	case PortStateReady:
		return "ready"
	case PortStatePaused:
		return "paused"
	}
	return fmt.Sprintf("port-state(%d)", int(s))
}

// LinkState is the negotiation state of a link. Error sorts below every other
// state.
type LinkState int

const (
	LinkStateError LinkState = iota - 1
	LinkStateInit
	LinkStateNegotiating
	LinkStateAllocating
	LinkStatePaused
	LinkStateActive
)

func (s LinkState) String() string {
	switch s {
	case LinkStateError:
		return "error"
	case LinkStateInit:
		return "init"
	case LinkStateNegotiating:
		return "negotiating"
	case LinkStateAllocating:
		return "allocating"
	case LinkStatePaused:
		return "paused"
	case LinkStateActive:
		return "active"
	}
	return fmt.Sprintf("link-state(%d)", int(s))
}

// LinkStates lists every link state, used for metrics.
var LinkStates = []LinkState{
	LinkStateError,
	LinkStateInit,
	LinkStateNegotiating,
	LinkStateAllocating,
	LinkStatePaused,
	LinkStateActive,
}
