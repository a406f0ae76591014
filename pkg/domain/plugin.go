package domain

// PortFlags advertise port capabilities to the link negotiation.
type PortFlags uint32

const (
	// PortCanAllocBuffers marks ports that can allocate buffer memory themselves.
	PortCanAllocBuffers PortFlags = 1 << iota
	// PortPassive marks ports whose links do not keep a driver group awake.
	PortPassive
	// PortDynamic marks ports that can be removed while the node lives.
	PortDynamic
)

// Has reports whether all bits of f are set.
func (p PortFlags) Has(f PortFlags) bool {
	return p&f == f
}

// PortInfo describes a port of a processing unit.
type PortInfo struct {
	Direction Direction `msgpack:"direction"`
	ID        uint32    `msgpack:"id"`
	Name      string    `msgpack:"name"`
	Flags     PortFlags `msgpack:"flags"`
}

// ProcessStatus holds the status bits returned by a processing cycle.
type ProcessStatus uint32

const (
	ProcessOK       ProcessStatus = 0
	ProcessNeedData ProcessStatus = 1 << 0
	ProcessHaveData ProcessStatus = 1 << 1
	ProcessDrained  ProcessStatus = 1 << 2
)

// Has reports whether all bits of f are set.
func (s ProcessStatus) Has(f ProcessStatus) bool {
	return s&f == f
}

// Command asks a processing unit to change its processing state.
type Command int

const (
	CommandStart Command = iota
	CommandPause
	CommandSuspend
)

func (c Command) String() string {
	switch c {
	case CommandStart:
		return "start"
	case CommandPause:
		return "pause"
	case CommandSuspend:
		return "suspend"
	}
	return "unknown"
}
