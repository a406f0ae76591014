package runtime

import "github.com/aretw0/patchbay/pkg/domain"

// Mix is the multiplexer entry of one link on one port. Input ports fan in
// over their mixes, output ports fan out to them.
type Mix struct {
	port *Port
	id   uint32
	link *Link

	// io is the link cell shared with the peer mix while the link is active.
	io      *domain.IOCell
	buffers *domain.BufferSet
}

// ID returns the mix id, unique within its port.
func (m *Mix) ID() uint32 { return m.id }

// Buffers returns the buffers assigned to the mix.
func (m *Mix) Buffers() *domain.BufferSet { return m.buffers }

// mixIn moves the first ready contributor into the port cell. Every other
// contributor is told it needs data, dropping what it offered this cycle.
// Runs on the node's data loop.
func (p *Port) mixIn() {
	picked := false
	for _, m := range p.rtMixes {
		status, id := m.io.Load()
		if status != domain.IOStatusHaveData {
			continue
		}
		if !picked {
			if m.buffers != p.buffers {
				id = copyBuffer(p.buffers, m.buffers, id)
			}
			p.io.Store(domain.IOStatusHaveData, id)
			picked = true
		}
		m.io.Store(domain.IOStatusNeedData, domain.InvalidBufferID)
	}
	if !picked {
		p.io.Store(domain.IOStatusNeedData, domain.InvalidBufferID)
	}
}

// mixOut broadcasts the port cell to every attached link. Runs on the node's
// data loop.
func (p *Port) mixOut() {
	status, id := p.io.Load()
	if status != domain.IOStatusHaveData {
		return
	}
	for _, m := range p.rtMixes {
		m.io.Store(status, id)
	}
	p.io.Store(domain.IOStatusNeedData, domain.InvalidBufferID)
}

func (p *Port) addRTMix(m *Mix) {
	for _, x := range p.rtMixes {
		if x == m {
			return
		}
	}
	p.rtMixes = append(p.rtMixes, m)
}

func (p *Port) removeRTMix(m *Mix) {
	for i, x := range p.rtMixes {
		if x == m {
			p.rtMixes = append(p.rtMixes[:i:i], p.rtMixes[i+1:]...)
			return
		}
	}
}

// copyBuffer copies the valid region of buffer id of src into the buffer of
// dst with the same index modulo its size, and returns the dst buffer id.
func copyBuffer(dst, src *domain.BufferSet, id uint32) uint32 {
	if dst.Len() == 0 || src == nil || int(id) >= src.Len() {
		return domain.InvalidBufferID
	}
	sb := src.Buffers[id]
	di := id % uint32(dst.Len())
	db := dst.Buffers[di]
	for j := range db.Blocks {
		if j >= len(sb.Blocks) {
			break
		}
		sblk, dblk := &sb.Blocks[j], &db.Blocks[j]
		data := sblk.Data
		if c := sblk.Chunk; c != nil && int(c.Offset)+int(c.Size) <= len(data) {
			data = data[c.Offset : c.Offset+c.Size]
		}
		n := copy(dblk.Data, data)
		if dblk.Chunk != nil {
			dblk.Chunk.Offset = 0
			dblk.Chunk.Size = uint32(n)
			if sblk.Chunk != nil {
				dblk.Chunk.Stride = sblk.Chunk.Stride
			}
		}
	}
	return db.ID
}
