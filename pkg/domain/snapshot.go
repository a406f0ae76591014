package domain

import "time"

// Snapshot is a read-only view of the whole graph, keyed by object id.
type Snapshot struct {
	Graph    string         `json:"graph"`
	Instance string         `json:"instance,omitempty"`
	Taken    time.Time      `json:"taken"`
	Nodes    []NodeSnapshot `json:"nodes"`
	Links    []LinkSnapshot `json:"links"`
}

// NodeSnapshot describes a node and its ports.
type NodeSnapshot struct {
	ID           uint32         `json:"id"`
	Name         string         `json:"name"`
	Plugin       string         `json:"plugin,omitempty"`
	Active       bool           `json:"active"`
	Driving      bool           `json:"driving"`
	Running      bool           `json:"running"`
	Passive      bool           `json:"passive"`
	NeedConfig   bool           `json:"need_config,omitempty"`
	Suspended    bool           `json:"suspended,omitempty"`
	Group        string         `json:"group,omitempty"`
	DriverID     uint32         `json:"driver_id,omitempty"`
	Quantum      uint32         `json:"quantum,omitempty"`
	MaxQuantum   uint32         `json:"max_quantum,omitempty"`
	GroupQuantum uint32         `json:"group_quantum,omitempty"`
	Required     int32          `json:"required"`
	Xruns        XrunStats      `json:"xruns"`
	Ports        []PortSnapshot `json:"ports"`
}

// PortSnapshot describes a port.
type PortSnapshot struct {
	ID        uint32 `json:"id"`
	Name      string `json:"name,omitempty"`
	Direction string `json:"direction"`
	State     string `json:"state"`
	Format    string `json:"format,omitempty"`
	Buffers   int    `json:"buffers"`
	Mixes     int    `json:"mixes"`
	Error     string `json:"error,omitempty"`
}

// LinkSnapshot describes a link.
type LinkSnapshot struct {
	ID         uint32 `json:"id"`
	OutputNode uint32 `json:"output_node"`
	OutputPort uint32 `json:"output_port"`
	InputNode  uint32 `json:"input_node"`
	InputPort  uint32 `json:"input_port"`
	State      string `json:"state"`
	Error      string `json:"error,omitempty"`
	Format     string `json:"format,omitempty"`
	Buffers    int    `json:"buffers"`
	Allocator  string `json:"allocator,omitempty"`
	Prepared   bool   `json:"prepared"`
	Active     bool   `json:"active"`
	Feedback   bool   `json:"feedback,omitempty"`
	Passive    bool   `json:"passive,omitempty"`
}

// Node returns the node snapshot with the given id.
func (s *Snapshot) Node(id uint32) (NodeSnapshot, bool) {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeSnapshot{}, false
}

// Link returns the link snapshot with the given id.
func (s *Snapshot) Link(id uint32) (LinkSnapshot, bool) {
	for _, l := range s.Links {
		if l.ID == id {
			return l, true
		}
	}
	return LinkSnapshot{}, false
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.Nodes = make([]NodeSnapshot, len(s.Nodes))
	for i, n := range s.Nodes {
		n.Ports = append([]PortSnapshot(nil), n.Ports...)
		c.Nodes[i] = n
	}
	c.Links = append([]LinkSnapshot(nil), s.Links...)
	return &c
}
