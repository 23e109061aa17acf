package lib

import "fmt"

// HalfAssociation is one direction's durable state: the verification tag
// riding on this direction's packets, the sequence baseline and history, and
// the link to the opposite direction once the two halves have been spliced.
// Halves live in the session arena for the whole capture.
type HalfAssociation struct {
	id          uint32
	srcAddr     string
	dstAddr     string
	srcPort     uint16
	dstPort     uint16
	vtag        uint32                  // this direction's verification tag; 0 while unknown
	peerTagHint uint32                  // peer-direction tag revealed by INIT before the peer half exists
	started     bool                    // firstSeq baseline is set
	firstSeq    uint32                  // first sequence value observed in this direction
	cumAck      uint32                  // relative seq the next cumulative stamping walk starts from
	records     map[uint32]*SeqRecord   // sequence history keyed by relative seq
	tsnAcks     map[uint32][]*SeqRecord // records stamped per ack frame, in stamping order
	peer        *HalfAssociation
	session     *Session
}

func (h *HalfAssociation) ID() uint32 {
	return h.id
}

func (h *HalfAssociation) Peer() *HalfAssociation {
	return h.peer
}

func (h *HalfAssociation) Vtag() uint32 {
	return h.vtag
}

func (h *HalfAssociation) String() string {
	return fmt.Sprintf("%s:%d->%s:%d vtag %08x", h.srcAddr, h.srcPort, h.dstAddr, h.dstPort, h.vtag)
}

// full-identity index key: ports plus this direction's tag
func halfKey(srcPort, dstPort uint16, vtag uint32) string {
	return fmt.Sprintf("%d-%d-%08x", srcPort, dstPort, vtag)
}

// half-identity index key: unordered port pair
func portPairKey(a, b uint16) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d-%d", a, b)
}

// a zero tag means unknown and matches anything; non-zero tags must be equal
func tagsCompatible(a, b uint32) bool {
	return a == 0 || b == 0 || a == b
}

// resolveHalf maps a packet to its direction's half-association, creating
// provisional state on the first pass only. Matching precedence: the
// full-identity index by (ports, own tag), then the reversed-direction check
// through the revealed peer tag, then the half-identity index by unordered
// port pair, then a fresh provisional half spliced against a dangling mirror
// when one is compatible. Packets carrying no tag evidence at all resolve to
// nil and are annotated unresolved; nothing else about them is tracked.
func (s *Session) resolveHalf(obs *PacketObservation, pass ProcessingPass) *HalfAssociation {
	thisTag := obs.VerificationTag
	peerTag := obs.RevealedPeerTag

	if thisTag == 0 && peerTag == 0 {
		return nil
	}

	if thisTag != 0 {
		if h, ok := s.fullIndex[halfKey(obs.SrcPort, obs.DstPort, thisTag)]; ok {
			if pass == FirstPass {
				s.learnPeerTag(h, peerTag)
			}
			return h
		}
	}

	if peerTag != 0 {
		if rev, ok := s.fullIndex[halfKey(obs.DstPort, obs.SrcPort, peerTag)]; ok {
			if h := rev.peer; h != nil {
				if pass == FirstPass {
					s.learnOwnTag(h, thisTag)
				}
				return h
			}
			if pass != FirstPass {
				return nil
			}
			h := s.newHalf(obs, thisTag, peerTag)
			s.splice(h, rev)
			return h
		}
	}

	for _, cand := range s.halfIndex[portPairKey(obs.SrcPort, obs.DstPort)] {
		if !ownMatch(cand, obs, thisTag) {
			continue
		}
		if pass == FirstPass {
			s.learnOwnTag(cand, thisTag)
			s.learnPeerTag(cand, peerTag)
		}
		return cand
	}

	if pass != FirstPass {
		return nil
	}

	h := s.newHalf(obs, thisTag, peerTag)
	if mirror := s.findMirror(h); mirror != nil {
		s.splice(h, mirror)
	}
	return h
}

// ownMatch decides whether a provisional half is the packet's own direction.
// While both tags are unknown, address equality is mandatory so unrelated
// port-reusing streams cannot alias. A candidate whose revealed peer tag
// equals the packet's tag belongs to the opposite direction (the loopback
// case, where the port pair alone cannot tell the directions apart).
func ownMatch(cand *HalfAssociation, obs *PacketObservation, thisTag uint32) bool {
	if cand.srcPort != obs.SrcPort || cand.dstPort != obs.DstPort {
		return false
	}
	if !tagsCompatible(cand.vtag, thisTag) {
		return false
	}
	if thisTag != 0 && cand.vtag == 0 && cand.peerTagHint == thisTag {
		return false
	}
	if cand.vtag == 0 && thisTag == 0 {
		return cand.srcAddr == obs.SrcAddr && cand.dstAddr == obs.DstAddr
	}
	return true
}

// findMirror looks for the dangling opposite-direction half of h among the
// provisional entries for the same unordered port pair. Tag hints from both
// sides must be consistent. With no tag evidence at all only identical
// address pairs may merge; with partial tag evidence and differing addresses
// (NAT or multihoming) the configured merge policy decides.
func (s *Session) findMirror(h *HalfAssociation) *HalfAssociation {
	for _, cand := range s.halfIndex[portPairKey(h.srcPort, h.dstPort)] {
		if cand == h || cand.peer != nil {
			continue
		}
		if cand.srcPort != h.dstPort || cand.dstPort != h.srcPort {
			continue
		}
		if !tagsCompatible(cand.vtag, h.peerTagHint) {
			continue
		}
		if !tagsCompatible(h.vtag, cand.peerTagHint) {
			continue
		}
		addrMirrored := cand.srcAddr == h.dstAddr && cand.dstAddr == h.srcAddr
		if cand.vtag == 0 && h.vtag == 0 {
			if !addrMirrored {
				continue
			}
		} else if s.config.MergePolicy == MergeStrict && !addrMirrored {
			continue
		}
		return cand
	}
	return nil
}

func (s *Session) newHalf(obs *PacketObservation, vtag, peerHint uint32) *HalfAssociation {
	s.nextAssocID++
	h := &HalfAssociation{
		id:          s.nextAssocID,
		srcAddr:     obs.SrcAddr,
		dstAddr:     obs.DstAddr,
		srcPort:     obs.SrcPort,
		dstPort:     obs.DstPort,
		vtag:        vtag,
		peerTagHint: peerHint,
		records:     make(map[uint32]*SeqRecord),
		tsnAcks:     make(map[uint32][]*SeqRecord),
		session:     s,
	}
	if vtag != 0 {
		key := halfKey(h.srcPort, h.dstPort, vtag)
		if _, taken := s.fullIndex[key]; taken {
			log.Warningf("half association %d: identity %s already registered, not replacing", h.id, key)
		} else {
			s.fullIndex[key] = h
		}
	}
	ppk := portPairKey(h.srcPort, h.dstPort)
	s.halfIndex[ppk] = append(s.halfIndex[ppk], h)
	log.Debugf("half association %d created: %s", h.id, h)
	return h
}

// splice links two halves as mirrored peers and exchanges their tag hints.
func (s *Session) splice(a, b *HalfAssociation) {
	a.peer = b
	b.peer = a
	if a.peerTagHint != 0 {
		s.learnOwnTag(b, a.peerTagHint)
	}
	if b.peerTagHint != 0 {
		s.learnOwnTag(a, b.peerTagHint)
	}
	s.pruneProvisional(a)
	s.pruneProvisional(b)
	log.Debugf("half associations %d and %d spliced as peers", a.id, b.id)
}

// learnOwnTag promotes a half into the full-identity index once its own tag
// becomes known. The first learned tag wins; a conflicting later tag is
// logged and ignored (it belongs to a different incarnation).
func (s *Session) learnOwnTag(h *HalfAssociation, tag uint32) {
	if tag == 0 || h.vtag == tag {
		return
	}
	if h.vtag != 0 {
		log.Warningf("half association %d: tag %08x conflicts with learned %08x, keeping the first", h.id, tag, h.vtag)
		return
	}
	h.vtag = tag
	key := halfKey(h.srcPort, h.dstPort, tag)
	if _, taken := s.fullIndex[key]; taken {
		log.Warningf("half association %d: identity %s already registered, not replacing", h.id, key)
	} else {
		s.fullIndex[key] = h
	}
	s.pruneProvisional(h)
	log.Debugf("half association %d promoted: %s", h.id, h)
}

func (s *Session) learnPeerTag(h *HalfAssociation, peerTag uint32) {
	if peerTag == 0 {
		return
	}
	if h.peer != nil {
		s.learnOwnTag(h.peer, peerTag)
		return
	}
	if h.peerTagHint == 0 {
		h.peerTagHint = peerTag
	}
}

// pruneProvisional drops a half from the half-identity index once it is no
// longer provisional: own tag known and peer spliced.
func (s *Session) pruneProvisional(h *HalfAssociation) {
	if h.vtag == 0 || h.peer == nil {
		return
	}
	ppk := portPairKey(h.srcPort, h.dstPort)
	list := s.halfIndex[ppk]
	for i, cand := range list {
		if cand == h {
			s.halfIndex[ppk] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(s.halfIndex[ppk]) == 0 {
		delete(s.halfIndex, ppk)
	}
}
