//go:build linux

package remote

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const maxFDs = 64

// SeqpacketConn carries one frame per SOCK_SEQPACKET message and passes
// descriptors with SCM_RIGHTS.
type SeqpacketConn struct {
	fd   int
	buf  []byte
	once sync.Once
	err  error
}

// NewSeqpacketConn wraps a connected SOCK_SEQPACKET unix socket.
func NewSeqpacketConn(fd int) *SeqpacketConn {
	return &SeqpacketConn{fd: fd, buf: make([]byte, MaxFrameSize)}
}

// SeqpacketPair returns two connected ends.
func SeqpacketPair() (*SeqpacketConn, *SeqpacketConn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	return NewSeqpacketConn(fds[0]), NewSeqpacketConn(fds[1]), nil
}

// Send writes one frame with fds attached.
func (c *SeqpacketConn) Send(msg *Message, fds ...int) error {
	data, err := marshal(msg)
	if err != nil {
		return err
	}
	var oob []byte
	if len(fds) > 0 {
		if len(fds) > maxFDs {
			return fmt.Errorf("%d descriptors in one frame: %w", len(fds), unix.E2BIG)
		}
		oob = unix.UnixRights(fds...)
	}
	if err := unix.Sendmsg(c.fd, data, oob, nil, 0); err != nil {
		return fmt.Errorf("sendmsg: %w", err)
	}
	return nil
}

// Recv reads one frame and the descriptors sent with it. The caller owns
// the returned descriptors.
func (c *SeqpacketConn) Recv() (*Message, []int, error) {
	oob := make([]byte, unix.CmsgSpace(maxFDs*4))
	n, oobn, flags, _, err := unix.Recvmsg(c.fd, c.buf, oob, unix.MSG_CMSG_CLOEXEC)
	if err != nil {
		return nil, nil, fmt.Errorf("recvmsg: %w", err)
	}
	if n == 0 {
		return nil, nil, os.ErrClosed
	}
	if flags&(unix.MSG_TRUNC|unix.MSG_CTRUNC) != 0 {
		return nil, nil, fmt.Errorf("truncated frame: %w", unix.EMSGSIZE)
	}

	var fds []int
	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return nil, nil, fmt.Errorf("parse control message: %w", err)
		}
		for _, cm := range cmsgs {
			rights, err := unix.ParseUnixRights(&cm)
			if err != nil {
				continue
			}
			fds = append(fds, rights...)
		}
	}

	msg, err := unmarshal(c.buf[:n])
	if err != nil {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return nil, nil, err
	}
	return msg, fds, nil
}

// Close shuts the socket down, unblocking a pending Recv, and closes it.
func (c *SeqpacketConn) Close() error {
	c.once.Do(func() {
		_ = unix.Shutdown(c.fd, unix.SHUT_RDWR)
		c.err = unix.Close(c.fd)
	})
	return c.err
}
