//go:build linux

package shm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/aretw0/patchbay/pkg/ports"
	"golang.org/x/sys/unix"
)

// Eventfd is a counting wakeup that can be shared with another process.
type Eventfd struct {
	fd int
}

var _ ports.Signaler = (*Eventfd)(nil)

// NewEventfd creates a non-blocking eventfd.
func NewEventfd() (*Eventfd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &Eventfd{fd: fd}, nil
}

// EventfdFrom wraps a descriptor received from a peer.
func EventfdFrom(fd int) *Eventfd {
	return &Eventfd{fd: fd}
}

// FD returns the descriptor to hand to a peer.
func (e *Eventfd) FD() int { return e.fd }

// Signal adds one to the counter, waking a waiter.
func (e *Eventfd) Signal() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(e.fd, buf[:]); err != nil {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

// Wait blocks up to timeout for a wakeup and returns how many signals were
// collapsed into it. It returns domain.EAGAIN on timeout.
func (e *Eventfd) Wait(timeout time.Duration) (uint64, error) {
	fds := []unix.PollFd{{Fd: int32(e.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, domain.EAGAIN
		}
		return 0, fmt.Errorf("eventfd poll: %w", err)
	}
	if n == 0 {
		return 0, domain.EAGAIN
	}
	var buf [8]byte
	if _, err := unix.Read(e.fd, buf[:]); err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, domain.EAGAIN
		}
		return 0, fmt.Errorf("eventfd read: %w", err)
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

// Watch calls fn once per signal until ctx ends. Signals collapsed into one
// wakeup are delivered one by one.
func (e *Eventfd) Watch(ctx context.Context, fn func()) error {
	for ctx.Err() == nil {
		n, err := e.Wait(100 * time.Millisecond)
		if errors.Is(err, domain.EAGAIN) {
			continue
		}
		if err != nil {
			return err
		}
		for range n {
			fn()
		}
	}
	return nil
}

// Close releases the descriptor.
func (e *Eventfd) Close() error {
	return unix.Close(e.fd)
}
