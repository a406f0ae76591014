package ports

import (
	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/aretw0/patchbay/pkg/param"
)

// ResultFunc receives the completion of an asynchronous operation. seq is the
// sequence number the operation returned.
type ResultFunc func(seq uint32, err error)

// Plugin is the processing-unit contract. Operations that may complete later
// return a non-zero sequence number; the outcome is then delivered through the
// ResultFunc installed with SetListener. A zero sequence with a nil error means
// the operation completed synchronously.
type Plugin interface {
	// SetListener installs the callback receiving asynchronous results.
	SetListener(fn ResultFunc)

	// Ports lists the ports the unit exposes.
	Ports() []domain.PortInfo

	// PortInfo returns the capabilities of one port.
	PortInfo(dir domain.Direction, port uint32) (domain.PortInfo, error)

	// EnumParams returns the first parameter of kind id at or after index start
	// that matches filter, together with the index to continue from. A nil
	// object with a nil error means the enumeration is exhausted.
	EnumParams(dir domain.Direction, port uint32, id param.ID, start uint32, filter *param.Object) (*param.Object, uint32, error)

	// SetParam configures a parameter. A nil value clears it.
	SetParam(dir domain.Direction, port uint32, id param.ID, flags uint32, value *param.Object) (uint32, error)

	// UseBuffers hands a buffer set to a port. An empty set clears the buffers.
	// With domain.BuffersFlagAlloc the port allocates memory into the skeleton.
	UseBuffers(dir domain.Direction, port uint32, flags uint32, buffers []*domain.Buffer) (uint32, error)

	// SetIO installs the I/O cell of a port. Unsupported kinds return
	// domain.ENOTSUP.
	SetIO(dir domain.Direction, port uint32, kind domain.IOKind, cell *domain.IOCell) error

	// Process runs one cycle.
	Process() domain.ProcessStatus
}

// Signaler is a one-shot wakeup bound to a trigger target.
type Signaler interface {
	Signal() error
}

// SignalFunc adapts a function to Signaler.
type SignalFunc func() error

// Signal calls f.
func (f SignalFunc) Signal() error {
	return f()
}

// Commander is implemented by units that follow the processing state of
// their node. Units without suspend support return domain.ENOTSUP for
// domain.CommandSuspend and are paused instead.
type Commander interface {
	Command(cmd domain.Command) error
}
