package remote

import (
	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/aretw0/patchbay/pkg/param"
)

// MsgType identifies a frame.
type MsgType uint8

const (
	// MsgPorts carries the full port and parameter cache, server to client.
	MsgPorts MsgType = iota + 1
	// MsgSetParam requests SetParam, client to server.
	MsgSetParam
	// MsgUseBuffers requests UseBuffers, client to server.
	MsgUseBuffers
	// MsgResult completes a request, server to client.
	MsgResult
)

func (t MsgType) String() string {
	switch t {
	case MsgPorts:
		return "ports"
	case MsgSetParam:
		return "set_param"
	case MsgUseBuffers:
		return "use_buffers"
	case MsgResult:
		return "result"
	}
	return "unknown"
}

// Message is one frame. Fields are used according to Type.
type Message struct {
	Type  MsgType          `msgpack:"t"`
	Seq   uint32           `msgpack:"s,omitempty"`
	Dir   domain.Direction `msgpack:"dir,omitempty"`
	Port  uint32           `msgpack:"port,omitempty"`
	Param param.ID         `msgpack:"param,omitempty"`
	Flags uint32           `msgpack:"flags,omitempty"`

	Value   *param.Object `msgpack:"value,omitempty"`
	Buffers []WireBuffer  `msgpack:"buffers,omitempty"`
	Ports   []PortCache   `msgpack:"ports,omitempty"`

	// Code is the negative errno of a result, 0 on success.
	Code int    `msgpack:"code,omitempty"`
	Err  string `msgpack:"err,omitempty"`
}

// WireBuffer describes a buffer without its memory.
type WireBuffer struct {
	ID     uint32      `msgpack:"id"`
	Blocks []WireBlock `msgpack:"blocks"`
}

// WireBlock describes one block. FD indexes the descriptors sent with the
// frame, -1 when the block's memory stays on the sender's side.
type WireBlock struct {
	MaxSize   uint32 `msgpack:"max"`
	FD        int    `msgpack:"fd"`
	MapOffset uint32 `msgpack:"off,omitempty"`
	MapSize   uint32 `msgpack:"map,omitempty"`
}

// PortCache is the client's view of one port.
type PortCache struct {
	Info   domain.PortInfo              `msgpack:"info"`
	Params map[param.ID][]*param.Object `msgpack:"params"`
}
