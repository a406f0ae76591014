//go:build linux

package remote

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

const network = "unixpacket"

func closeFDs(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}

// PassesFDs reports that descriptors travel with frames.
func (c *SeqpacketConn) PassesFDs() bool { return true }

// wrap takes the descriptor out of a connected unixpacket socket.
func wrap(c net.Conn) (Conn, error) {
	defer c.Close()
	uc, ok := c.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("unexpected connection %T", c)
	}
	f, err := uc.File()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return nil, fmt.Errorf("dup: %w", err)
	}
	unix.CloseOnExec(fd)
	return NewSeqpacketConn(fd), nil
}
