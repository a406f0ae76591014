package runtime

import (
	"fmt"

	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/aretw0/patchbay/pkg/param"
)

// negotiationError records a failed step together with every candidate both
// sides advertised at the time.
func (l *Link) negotiationError(side domain.Direction, id param.ID, op string, filter *param.Object, err error) *domain.NegotiationError {
	kind := param.IDEnumFormat
	if id == param.IDBuffers {
		kind = param.IDBuffers
	}
	return &domain.NegotiationError{
		Side:             side,
		Param:            id,
		Op:               op,
		Filter:           filter.Copy(),
		OutputCandidates: l.output.enumAll(kind),
		InputCandidates:  l.input.enumAll(kind),
		Err:              err,
	}
}

// idle reports whether a port's node may have its format switched under it.
func idle(p *Port) bool {
	return !p.node.running && p.state < domain.PortStatePaused
}

// negotiateFormat agrees on one fixed format and applies it to the sides
// that need it. Ports keep their previous format when no common format
// exists.
func (l *Link) negotiateFormat() error {
	if l.state >= domain.LinkStateNegotiating {
		return nil
	}
	l.setState(domain.LinkStateNegotiating, nil)

	out, in := l.output, l.input
	outCur, inCur := out.format, in.format
	outNeeds := out.state <= domain.PortStateConfigure
	inNeeds := in.state <= domain.PortStateConfigure

	// Both sides configured: an idle side is renegotiated so that a switched
	// peer format can still be followed.
	if !outNeeds && !inNeeds {
		outNeeds = idle(out)
		inNeeds = idle(in)
	}

	var (
		format *param.Object
		err    error
	)
	switch {
	case outNeeds && inNeeds:
		format, err = l.intersectFormats()
	case outNeeds:
		format, err = l.formatFromPeer(out, inCur)
	case inNeeds:
		format, err = l.formatFromPeer(in, outCur)
	default:
		format = outCur.Copy()
	}
	if err != nil {
		return err
	}

	format = param.Fixate(format)
	format.ID = param.IDFormat
	l.format = format

	outChanged := !format.Equal(outCur)
	if outChanged {
		seq, err := out.SetFormat(format)
		if err != nil {
			return l.negotiationError(domain.DirectionOutput, param.IDFormat, "set", format, err)
		}
		l.g.wq.Add(l.outEnd, seq, l.completion(domain.DirectionOutput, param.IDFormat, "set"))
	}
	if !format.Equal(inCur) {
		seq, err := in.SetFormat(format)
		if err != nil {
			if outChanged {
				l.restoreFormat(out, outCur)
			}
			return l.negotiationError(domain.DirectionInput, param.IDFormat, "set", format, err)
		}
		l.g.wq.Add(l.inEnd, seq, l.completion(domain.DirectionInput, param.IDFormat, "set"))
	}
	l.g.wq.Add(l, 0, l.checkStates)
	return nil
}

// formatFromPeer configures port from the single current format of its peer.
func (l *Link) formatFromPeer(port *Port, peer *param.Object) (*param.Object, error) {
	res, _, err := port.enum(param.IDEnumFormat, 0, peer)
	if err == nil && res == nil {
		err = fmt.Errorf("no format matches peer: %w", domain.ENOENT)
	}
	if err != nil {
		return nil, l.negotiationError(port.dir, param.IDEnumFormat, "enum", peer, err)
	}
	return res, nil
}

// intersectFormats walks the input candidates and filters each through the
// output enumeration from its first entry, so that the first common format is
// found whichever side lists it first.
func (l *Link) intersectFormats() (*param.Object, error) {
	var last *param.Object
	for idx := uint32(0); ; {
		cand, next, err := l.input.enum(param.IDEnumFormat, idx, nil)
		if err != nil {
			return nil, l.negotiationError(domain.DirectionInput, param.IDEnumFormat, "enum", nil, err)
		}
		if cand == nil || next <= idx {
			break
		}
		idx = next
		last = cand

		res, _, err := l.output.enum(param.IDEnumFormat, 0, cand)
		if err != nil {
			return nil, l.negotiationError(domain.DirectionOutput, param.IDEnumFormat, "enum", cand, err)
		}
		if res != nil {
			return res, nil
		}
	}
	return nil, l.negotiationError(domain.DirectionOutput, param.IDEnumFormat, "enum", last,
		fmt.Errorf("no common format: %w", domain.ENOENT))
}

// restoreFormat undoes a format applied earlier in the same attempt.
func (l *Link) restoreFormat(p *Port, prev *param.Object) {
	if _, err := p.SetFormat(prev); err != nil {
		l.logger.Warn("failed to restore format", "port", p.String(), "err", err)
	}
}
