package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aretw0/patchbay/pkg/param"
)

var (
	// ErrNodeNotFound is returned when a node id does not exist in the graph.
	ErrNodeNotFound = errors.New("node not found")

	// ErrPortNotFound is returned when a port id does not exist on a node.
	ErrPortNotFound = errors.New("port not found")

	// ErrLinkNotFound is returned when a link id does not exist in the graph.
	ErrLinkNotFound = errors.New("link not found")

	// ErrLinkExists is returned when a link between the same two ports already exists.
	ErrLinkExists = errors.New("link already exists")

	// ErrInvalidDirection is returned when a link is requested between ports of
	// the wrong directions.
	ErrInvalidDirection = errors.New("invalid port direction")

	// ErrSnapshotNotFound is returned when a graph snapshot cannot be found in a store.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrPluginNotFound is returned when no factory is registered under a plugin name.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrLeaseLost is returned when a held graph lease expired or was taken over.
	ErrLeaseLost = errors.New("graph lease lost")

	// ErrDestroyed is returned when an operation targets an object that was torn down.
	ErrDestroyed = errors.New("object destroyed")
)

// Errno is a POSIX-style error code returned by processing units.
type Errno int

const (
	EPERM   Errno = 1
	ENOENT  Errno = 2
	EIO     Errno = 5
	EAGAIN  Errno = 11
	ENOMEM  Errno = 12
	EBUSY   Errno = 16
	EEXIST  Errno = 17
	EINVAL  Errno = 22
	ENOSPC  Errno = 28
	EPIPE   Errno = 32
	ENOTSUP Errno = 95
)

var errnoNames = map[Errno]string{
	EPERM:   "operation not permitted",
	ENOENT:  "no entry",
	EIO:     "I/O error",
	EAGAIN:  "would block",
	ENOMEM:  "out of memory",
	EBUSY:   "busy",
	EEXIST:  "exists",
	EINVAL:  "invalid argument",
	ENOSPC:  "no space left",
	EPIPE:   "broken pipe",
	ENOTSUP: "not supported",
}

func (e Errno) Error() string {
	if s, ok := errnoNames[e]; ok {
		return s
	}
	return fmt.Sprintf("errno %d", int(e))
}

// Code returns the negative integer form used on the wire.
func (e Errno) Code() int {
	return -int(e)
}

// ErrnoFromCode converts a negative wire code back into an Errno.
func ErrnoFromCode(code int) Errno {
	if code < 0 {
		code = -code
	}
	return Errno(code)
}

// CodeOf returns the wire code for err: 0 for nil, the Errno code when err wraps
// one, and EIO otherwise.
func CodeOf(err error) int {
	if err == nil {
		return 0
	}
	var e Errno
	if errors.As(err, &e) {
		return e.Code()
	}
	return EIO.Code()
}

// IsTransient reports whether err reflects expected contention rather than a
// design fault. Diagnostics skip transient errors.
func IsTransient(err error) bool {
	return errors.Is(err, EBUSY) || errors.Is(err, EAGAIN)
}

// NegotiationError describes a failed format or buffer negotiation. It carries
// the candidates both sides advertised at the time of failure.
type NegotiationError struct {
	Side   Direction
	Param  param.ID
	Op     string
	Filter *param.Object

	OutputCandidates []*param.Object
	InputCandidates  []*param.Object

	Err error
}

func (e *NegotiationError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s port: %s %s", e.Side, e.Op, e.Param)
	if e.Filter != nil {
		fmt.Fprintf(&sb, " (filter %s)", e.Filter)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}
