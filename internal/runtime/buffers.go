package runtime

import (
	"fmt"

	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/aretw0/patchbay/pkg/mem"
	"github.com/aretw0/patchbay/pkg/param"
)

// Defaults for buffer properties neither side constrains.
const (
	DefaultBufferCount  = 2
	DefaultBufferBlocks = 1
	DefaultBufferSize   = 4096
	DefaultBufferAlign  = 16
)

const chunkSize = mem.ChunkSize

// allocateBuffers agrees on buffer parameters, decides which side allocates
// and pushes the set to both ports. The allocating side receives skeleton
// buffers first; the peer receives the filled-in buffers once it completed.
func (l *Link) allocateBuffers() error {
	if l.state > domain.LinkStateAllocating {
		return nil
	}
	l.setState(domain.LinkStateAllocating, nil)

	out, in := l.output, l.input

	// A port already holding buffers shares them with the new link.
	switch {
	case out.buffers != nil:
		return l.useExisting(domain.DirectionOutput, out.buffers)
	case in.buffers != nil:
		return l.useExisting(domain.DirectionInput, in.buffers)
	}

	params, err := l.bufferParams()
	if err != nil {
		return err
	}

	alloc, hasAlloc := domain.DirectionOutput, true
	switch {
	case out.info.Flags.Has(domain.PortCanAllocBuffers):
	case in.info.Flags.Has(domain.PortCanAllocBuffers):
		alloc = domain.DirectionInput
	default:
		hasAlloc = false
	}

	set, err := l.g.newBufferSet(l.id, params, !hasAlloc)
	if err != nil {
		return l.negotiationError(domain.DirectionOutput, param.IDBuffers, "alloc", nil, err)
	}
	l.buffers = set
	l.ownsBuffers = true

	if !hasAlloc {
		l.allocator = "link"
		if err := l.pushBuffers(domain.DirectionOutput, 0); err != nil {
			return err
		}
		return l.pushBuffers(domain.DirectionInput, 0)
	}

	l.allocator = alloc.String()
	port := l.port(alloc)
	seq, err := port.UseBuffers(l.mix(alloc), domain.BuffersFlagAlloc, set)
	if err != nil {
		return l.negotiationError(alloc, param.IDBuffers, "use", nil, err)
	}
	l.g.wq.Add(l.end(alloc), seq, func(obj any, seq uint32, err error) {
		if l.destroyed {
			return
		}
		if err != nil {
			err = port.setError(err)
			l.fail(l.negotiationError(alloc, param.IDBuffers, "use", nil, err))
			return
		}
		set.Flags &^= domain.BufferSetNoData
		if err := l.pushBuffers(alloc.Reverse(), 0); err != nil {
			l.fail(err)
		}
	})
	return nil
}

// useExisting shares the buffers a port of the link already uses.
func (l *Link) useExisting(owner domain.Direction, set *domain.BufferSet) error {
	l.buffers = set
	l.ownsBuffers = false
	l.allocator = owner.String()
	if err := l.pushBuffers(owner, 0); err != nil {
		return err
	}
	return l.pushBuffers(owner.Reverse(), 0)
}

// pushBuffers hands the link buffers to one side and tracks the completion.
func (l *Link) pushBuffers(dir domain.Direction, flags uint32) error {
	seq, err := l.port(dir).UseBuffers(l.mix(dir), flags, l.buffers)
	if err != nil {
		return l.negotiationError(dir, param.IDBuffers, "use", nil, err)
	}
	l.g.wq.Add(l.end(dir), seq, l.completion(dir, param.IDBuffers, "use"))
	return nil
}

// bufferParams intersects the buffer requirements of both sides, input
// first, and fixates the result.
func (l *Link) bufferParams() (domain.BufferParams, error) {
	inReq, _, err := l.input.enum(param.IDBuffers, 0, nil)
	if err != nil {
		return domain.BufferParams{}, l.negotiationError(domain.DirectionInput, param.IDBuffers, "enum", nil, err)
	}
	res, _, err := l.output.enum(param.IDBuffers, 0, inReq)
	if err != nil {
		return domain.BufferParams{}, l.negotiationError(domain.DirectionOutput, param.IDBuffers, "enum", inReq, err)
	}
	if res == nil {
		// An output without requirements accepts the input's.
		if outReq, _, _ := l.output.enum(param.IDBuffers, 0, nil); outReq != nil {
			return domain.BufferParams{}, l.negotiationError(domain.DirectionOutput, param.IDBuffers, "enum", inReq,
				fmt.Errorf("no common buffer parameters: %w", domain.ENOENT))
		}
		res = inReq
	}
	fixed := param.Fixate(res)

	get := func(k param.Key, def int64) uint32 {
		if v, ok := fixed.Int(k); ok && v > 0 {
			return uint32(v)
		}
		return uint32(def)
	}
	p := domain.BufferParams{
		Count:  get(param.KeyBuffersCount, DefaultBufferCount),
		Blocks: get(param.KeyBuffersBlocks, DefaultBufferBlocks),
		Size:   get(param.KeyBuffersSize, DefaultBufferSize),
		Stride: get(param.KeyBuffersStride, 0),
		Align:  get(param.KeyBuffersAlign, DefaultBufferAlign),
	}
	p.Count = max(p.Count, l.minBuffers)
	return p, nil
}

// newBufferSet allocates the memory of a buffer set under tag. The region
// holds the chunk metadata of every block followed by the block data, each
// block aligned to params.Align. Without data only the metadata is
// allocated and a port fills in the blocks.
func (g *Graph) newBufferSet(tag uint32, params domain.BufferParams, withData bool) (*domain.BufferSet, error) {
	nblocks := int(params.Count) * int(params.Blocks)
	if nblocks == 0 {
		return nil, fmt.Errorf("empty buffer set: %w", domain.EINVAL)
	}
	align := int(max(params.Align, 1))
	metaSize := alignUp(nblocks*chunkSize, align)
	blockSize := alignUp(int(params.Size), align)

	size := metaSize
	flags := domain.BufferSetNoData
	if withData {
		size += nblocks * blockSize
		flags = domain.BufferSetOwnsMemory
	}

	m, err := g.mem.Allocate(tag, fmt.Sprintf("buffers-%d", tag), size)
	if err != nil {
		return nil, err
	}
	region := m.Bytes()
	chunks, err := mem.ChunksIn(region, nblocks)
	if err != nil {
		m.Release()
		return nil, err
	}

	bufs := make([]*domain.Buffer, params.Count)
	for i := range bufs {
		b := &domain.Buffer{ID: uint32(i), Blocks: make([]domain.Block, params.Blocks)}
		for j := range b.Blocks {
			k := i*int(params.Blocks) + j
			blk := &b.Blocks[j]
			blk.MaxSize = params.Size
			blk.Chunk = &chunks[k]
			blk.Chunk.Stride = int32(params.Stride)
			blk.FD = -1
			if withData {
				off := metaSize + k*blockSize
				blk.Data = region[off : off+int(params.Size)]
				blk.FD = m.FD()
				blk.MapOffset = uint32(off)
			}
		}
		bufs[i] = b
	}
	return domain.NewBufferSet(params, bufs, flags, m.Release), nil
}

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}
