package runtime

import (
	"errors"
	"fmt"

	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/aretw0/patchbay/pkg/param"
)

// Port is one directional data endpoint of a node. Its state tracks how far
// the plugin port got through format and buffer negotiation.
type Port struct {
	node *Node
	dir  domain.Direction
	id   uint32
	info domain.PortInfo

	state   domain.PortState
	err     error
	format  *param.Object
	buffers *domain.BufferSet

	// owned is a set whose link went away while the plugin still uses it.
	owned *domain.BufferSet

	// mixFormat is the format the multiplexer was armed with.
	mixFormat *param.Object

	// io is the cell installed on the plugin port.
	io *domain.IOCell

	mixes   []*Mix
	nextMix uint32

	// rtMixes is only touched from the node's data loop.
	rtMixes []*Mix
}

// ID returns the port id.
func (p *Port) ID() uint32 { return p.id }

// Direction returns the port direction.
func (p *Port) Direction() domain.Direction { return p.dir }

// Node returns the owning node.
func (p *Port) Node() *Node { return p.node }

// Info returns the capabilities the plugin advertised.
func (p *Port) Info() domain.PortInfo { return p.info }

// State returns the negotiation state.
func (p *Port) State() domain.PortState { return p.state }

// Err returns the error that moved the port to PortStateError.
func (p *Port) Err() error { return p.err }

// Format returns a copy of the negotiated format, or nil.
func (p *Port) Format() *param.Object { return p.format.Copy() }

// Buffers returns the buffer set in use, or nil.
func (p *Port) Buffers() *domain.BufferSet { return p.buffers }

// Mixes returns the number of links attached.
func (p *Port) Mixes() int { return len(p.mixes) }

func (p *Port) String() string {
	return fmt.Sprintf("%d.%s.%d", p.node.id, p.dir, p.id)
}

// init reads back any format the plugin port already carries.
func (p *Port) init() error {
	cur, _, err := p.node.plugin.EnumParams(p.dir, p.id, param.IDFormat, 0, nil)
	if err != nil && !errors.Is(err, domain.ENOENT) {
		return fmt.Errorf("port %s: read format: %w", p, err)
	}
	if err := p.node.plugin.SetIO(p.dir, p.id, domain.IOKindBuffers, p.io); err != nil && !errors.Is(err, domain.ENOTSUP) {
		return fmt.Errorf("port %s: set io: %w", p, err)
	}
	if cur != nil {
		p.format = cur.Copy()
		p.mixFormat = cur.Copy()
		p.state = domain.PortStateReady
		return nil
	}
	p.state = domain.PortStateConfigure
	return nil
}

// enum enumerates parameters of the plugin port.
func (p *Port) enum(id param.ID, start uint32, filter *param.Object) (*param.Object, uint32, error) {
	return p.node.plugin.EnumParams(p.dir, p.id, id, start, filter)
}

// enumAll collects every parameter of kind id.
func (p *Port) enumAll(id param.ID) []*param.Object {
	var out []*param.Object
	for idx := uint32(0); ; {
		obj, next, err := p.enum(id, idx, nil)
		if err != nil || obj == nil || next <= idx {
			return out
		}
		out = append(out, obj)
		idx = next
	}
}

// SetFormat configures the plugin port. A nil format clears the format and
// any buffers, moving the port back to PortStateConfigure.
func (p *Port) SetFormat(format *param.Object) (uint32, error) {
	if format == nil {
		p.clearBuffers()
		seq, err := p.node.plugin.SetParam(p.dir, p.id, param.IDFormat, 0, nil)
		if err != nil {
			return 0, p.setError(fmt.Errorf("clear format: %w", err))
		}
		p.format = nil
		p.mixFormat = nil
		if p.state != domain.PortStateError {
			p.state = domain.PortStateConfigure
		}
		return seq, nil
	}

	if p.state == domain.PortStateError {
		return 0, fmt.Errorf("port %s: %w", p, p.err)
	}
	seq, err := p.node.plugin.SetParam(p.dir, p.id, param.IDFormat, 0, format)
	if err != nil {
		return 0, p.setError(fmt.Errorf("set format: %w", err))
	}
	if p.state > domain.PortStateReady {
		p.clearBuffers()
	}
	p.format = format.Copy()
	p.mixFormat = format.Copy()
	p.state = domain.PortStateReady
	return seq, nil
}

// UseBuffers assigns set to mix. The first non-empty set goes to the plugin
// and moves the port to PortStatePaused; sets of later links stay on their
// mix and are copied by the multiplexer. An empty set detaches mix and
// returns the port to PortStateReady once no other mix holds buffers.
func (p *Port) UseBuffers(mix *Mix, flags uint32, set *domain.BufferSet) (uint32, error) {
	if p.state == domain.PortStateError {
		return 0, fmt.Errorf("port %s: %w", p, p.err)
	}
	if p.state <= domain.PortStateConfigure {
		return 0, fmt.Errorf("port %s: use buffers without format: %w", p, domain.EIO)
	}

	if set.Len() == 0 {
		mix.buffers = nil
		if p.buffersInUse() {
			return 0, nil
		}
		if p.buffers == nil {
			return 0, nil
		}
		seq, err := p.node.plugin.UseBuffers(p.dir, p.id, 0, nil)
		p.dropBuffers()
		p.state = domain.PortStateReady
		if err != nil {
			return 0, p.setError(fmt.Errorf("clear buffers: %w", err))
		}
		return seq, nil
	}

	if p.state == domain.PortStatePaused && p.buffers != nil {
		mix.buffers = set
		return 0, nil
	}
	seq, err := p.node.plugin.UseBuffers(p.dir, p.id, flags, set.Buffers)
	if err != nil {
		return 0, p.setError(fmt.Errorf("use buffers: %w", err))
	}
	p.buffers = set
	mix.buffers = set
	p.state = domain.PortStatePaused
	return seq, nil
}

func (p *Port) buffersInUse() bool {
	for _, m := range p.mixes {
		if m.buffers != nil {
			return true
		}
	}
	return false
}

// clearBuffers drops the buffers of every mix and of the plugin port.
func (p *Port) clearBuffers() {
	for _, m := range p.mixes {
		m.buffers = nil
	}
	if p.buffers == nil {
		return
	}
	if _, err := p.node.plugin.UseBuffers(p.dir, p.id, 0, nil); err != nil {
		p.node.logger.Warn("failed to clear port buffers", "port", p.String(), "err", err)
	}
	p.dropBuffers()
	if p.state > domain.PortStateReady {
		p.state = domain.PortStateReady
	}
}

// adopt keeps set alive until the plugin stops using it. It reports false
// when the port does not use set.
func (p *Port) adopt(set *domain.BufferSet) bool {
	if set == nil || p.buffers != set {
		return false
	}
	p.owned = set
	return true
}

func (p *Port) dropBuffers() {
	p.buffers = nil
	if p.owned != nil {
		p.owned.Release()
		p.owned = nil
	}
}

// setError moves the port to PortStateError. Transient errors leave the
// state alone.
func (p *Port) setError(err error) error {
	err = fmt.Errorf("port %s: %w", p, err)
	if domain.IsTransient(err) {
		return err
	}
	p.err = err
	p.state = domain.PortStateError
	p.node.logger.Debug("port error", "port", p.String(), "err", err)
	return err
}

// addMix attaches a new multiplexer entry for link.
func (p *Port) addMix(link *Link) *Mix {
	m := &Mix{port: p, id: p.nextMix, link: link}
	p.nextMix++
	p.mixes = append(p.mixes, m)
	return m
}

// removeMix detaches m. When the last mix goes the port drops its format,
// which also clears a previous error.
func (p *Port) removeMix(m *Mix) {
	for i, x := range p.mixes {
		if x == m {
			p.mixes = append(p.mixes[:i], p.mixes[i+1:]...)
			break
		}
	}
	if len(p.mixes) > 0 {
		return
	}
	if p.state == domain.PortStateError {
		p.state = domain.PortStateConfigure
		p.err = nil
	}
	if p.format != nil || p.buffers != nil {
		if _, err := p.SetFormat(nil); err != nil {
			p.node.logger.Warn("failed to reset idle port", "port", p.String(), "err", err)
		}
	}
}
