package syncproto

import (
	"github.com/vcscore/vcscore/internal/deltacodec"
	"github.com/vcscore/vcscore/internal/store"
	"github.com/vcscore/vcscore/internal/xlink"
)

// deltaSizeMargin is the spec §4.1 heuristic: a computed delta is only
// worth sending if it is at least this many bytes smaller than raw content.
const deltaSizeMargin = 50

// sendPolicy implements spec §4.4.4: given what a peer is already known to
// have, decide what (if anything) to emit for one artifact.
type sendPolicy struct {
	repo    *store.Repository
	linker  *xlink.Linker
	peerHas map[string]bool
	private bool // this session is exchanging private content
}

// send appends the cards needed to deliver rid to b, or emits nothing if
// rid should be skipped this round.
func (p *sendPolicy) send(b *Builder, rid store.RID) error {
	priv, err := p.repo.IsPrivate(rid)
	if err != nil {
		return err
	}
	if priv && !p.private {
		return nil
	}
	uuid, err := p.repo.UUIDOf(rid)
	if err != nil {
		return err
	}
	if p.peerHas[uuid] {
		return nil
	}
	if b.AtCap() {
		b.Igot(uuid, priv)
		return nil
	}

	content, srcUUID, err := p.encode(rid)
	if err != nil {
		return err
	}
	if priv {
		b.Private()
	}
	b.File(uuid, srcUUID, content)
	p.peerHas[uuid] = true
	return nil
}

// encode chooses the most efficient wire encoding for rid (spec §4.1
// "choosing a delta source", §4.4.4 "choose the most efficient encoding"):
// a native delta already stored for rid if the peer already has its base,
// else a freshly computed delta against rid's primary-parent checkin,
// else one against the prior version of the same file found via mlink,
// else raw content. A base is never used if the peer doesn't have it, or
// if it is private and this session is not exchanging private content.
func (p *sendPolicy) encode(rid store.RID) (content []byte, srcUUID string, err error) {
	if delta, baseRid, ok, derr := p.repo.DeltaOf(rid); derr != nil {
		return nil, "", derr
	} else if ok {
		if uuid, usable, uerr := p.usableBase(baseRid); uerr != nil {
			return nil, "", uerr
		} else if usable {
			return delta, uuid, nil
		}
	}

	full, err := p.repo.Get(rid)
	if err != nil {
		return nil, "", err
	}

	if p.linker != nil {
		if parent, ok, perr := p.linker.PrimaryParent(rid); perr == nil && ok {
			if delta, uuid, ok := p.computedDelta(parent, full); ok {
				return delta, uuid, nil
			}
		}
		if parent, ok, perr := p.linker.FileParent(rid); perr == nil && ok {
			if delta, uuid, ok := p.computedDelta(parent, full); ok {
				return delta, uuid, nil
			}
		}
	}
	return full, "", nil
}

// computedDelta attempts a fresh delta of full against base, returning it
// only when base is usable this round and the delta clears the §4.1 size
// margin.
func (p *sendPolicy) computedDelta(base store.RID, full []byte) (delta []byte, srcUUID string, ok bool) {
	uuid, usable, err := p.usableBase(base)
	if err != nil || !usable {
		return nil, "", false
	}
	baseContent, err := p.repo.Get(base)
	if err != nil {
		return nil, "", false
	}
	d := deltacodec.Compute(baseContent, full)
	if len(d)+deltaSizeMargin > len(full) {
		return nil, "", false
	}
	return d, uuid, true
}

// usableBase reports whether base may be named as a delta source in an
// outbound card this round: the peer must already have it, and it must not
// be private unless this session is exchanging private content.
func (p *sendPolicy) usableBase(base store.RID) (uuid string, ok bool, err error) {
	uuid, err = p.repo.UUIDOf(base)
	if err != nil {
		return "", false, err
	}
	if !p.peerHas[uuid] {
		return uuid, false, nil
	}
	priv, err := p.repo.IsPrivate(base)
	if err != nil {
		return "", false, err
	}
	if priv && !p.private {
		return uuid, false, nil
	}
	return uuid, true, nil
}
