//go:build !linux

package remote

import "net"

// Descriptors cannot be passed here; sessions use a stream socket.
const network = "unix"

func closeFDs(fds []int) {}

func wrap(c net.Conn) (Conn, error) {
	return NewStreamConn(c), nil
}
