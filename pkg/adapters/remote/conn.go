package remote

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize bounds a single frame.
const MaxFrameSize = 16 << 20

// Conn carries Messages and, where supported, file descriptors.
type Conn interface {
	Send(msg *Message, fds ...int) error
	Recv() (*Message, []int, error)
	Close() error
}

func marshal(msg *Message) ([]byte, error) {
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s frame: %w", msg.Type, err)
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%s frame of %d bytes: %w", msg.Type, len(data), domain.ENOSPC)
	}
	return data, nil
}

func unmarshal(data []byte) (*Message, error) {
	var msg Message
	if err := msgpack.NewDecoder(bytes.NewReader(data)).Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal frame: %w", err)
	}
	return &msg, nil
}

// StreamConn frames messages over a byte stream with a 4-byte big-endian
// length prefix. It cannot pass descriptors.
type StreamConn struct {
	rwc io.ReadWriteCloser
	r   *bufio.Reader
	wmu sync.Mutex
}

// NewStreamConn wraps rwc.
func NewStreamConn(rwc io.ReadWriteCloser) *StreamConn {
	return &StreamConn{rwc: rwc, r: bufio.NewReader(rwc)}
}

// Send writes one frame. Descriptors are rejected with domain.ENOTSUP.
func (c *StreamConn) Send(msg *Message, fds ...int) error {
	if len(fds) > 0 {
		return fmt.Errorf("stream conn cannot pass descriptors: %w", domain.ENOTSUP)
	}
	data, err := marshal(msg)
	if err != nil {
		return err
	}
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.rwc.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Recv reads one frame.
func (c *StreamConn) Recv() (*Message, []int, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(c.r, prefix[:]); err != nil {
		return nil, nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxFrameSize {
		return nil, nil, fmt.Errorf("frame of %d bytes: %w", n, domain.ENOSPC)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(c.r, data); err != nil {
		return nil, nil, fmt.Errorf("failed to read frame: %w", err)
	}
	msg, err := unmarshal(data)
	return msg, nil, err
}

// Close closes the stream.
func (c *StreamConn) Close() error {
	return c.rwc.Close()
}
