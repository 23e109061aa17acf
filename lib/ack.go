package lib

import "time"

// applyAck folds one ack record into the peer direction's sequence history:
// the cumulative threshold first, then each gap range. Call on the first
// pass only; replay passes re-render from the stamps already taken.
func applyAck(peer *HalfAssociation, ack *AckRecord, frame uint32, ts time.Time) {
	ackCumulative(peer, ack.CumulativeSeq, frame, ts)
	for _, r := range ack.GapRanges {
		ackRange(peer, r.Start, r.End, frame, ts)
	}
}

// ackCumulative stamps every unstamped record from the peer's cumulative
// position up to and including the threshold, then advances the position.
// Thresholds below the baseline or behind the current position are stale
// and ignored. A walk longer than MaxAckWalk is refused outright so one
// absurd threshold cannot stall the pass.
func ackCumulative(peer *HalfAssociation, threshold, frame uint32, ts time.Time) {
	if !peer.started {
		return
	}
	if isLess(threshold, peer.firstSeq) {
		return
	}
	relEnd := relativeSeq(threshold, peer.firstSeq)
	relStart := peer.cumAck
	if relEnd < relStart {
		return
	}
	if relEnd-relStart > uint32(peer.session.config.MaxAckWalk) {
		log.Warningf("half association %d: cumulative ack walk of %d refused at frame %d",
			peer.id, relEnd-relStart+1, frame)
		return
	}
	for rel := relStart; ; rel++ {
		stampAck(peer, rel, frame, ts)
		if rel == relEnd {
			break
		}
	}
	peer.cumAck = relEnd + 1
}

// ackRange stamps the records inside one gap block without moving the
// cumulative position; the block may be re-announced until the cumulative
// threshold passes it, and the first-ack-wins rule in stampAck keeps the
// earliest frame.
func ackRange(peer *HalfAssociation, start, end, frame uint32, ts time.Time) {
	if !peer.started {
		return
	}
	if isLess(start, peer.firstSeq) || isLess(end, peer.firstSeq) {
		return
	}
	relStart := relativeSeq(start, peer.firstSeq)
	relEnd := relativeSeq(end, peer.firstSeq)
	if relEnd < relStart {
		return
	}
	if relEnd-relStart > uint32(peer.session.config.MaxAckWalk) {
		log.Warningf("half association %d: ack range walk of %d refused at frame %d",
			peer.id, relEnd-relStart+1, frame)
		return
	}
	for rel := relStart; ; rel++ {
		stampAck(peer, rel, frame, ts)
		if rel == relEnd {
			break
		}
	}
}

// stampAck marks one record acked. Only sequences actually observed in the
// peer's history get a stamp, and only the first ack counts; later acks of
// the same sequence change nothing.
func stampAck(peer *HalfAssociation, rel, frame uint32, ts time.Time) {
	rec := peer.records[rel]
	if rec == nil || rec.Ack.Frame != 0 {
		return
	}
	rec.Ack = TransmitStamp{Frame: frame, Ts: ts}
	peer.tsnAcks[frame] = append(peer.tsnAcks[frame], rec)
}

// renderAckNotes lists the sequences whose first ack landed in this frame,
// in stamping order, with the round-trip time back to each sequence's first
// transmission. The list is derived purely from stamps, so replaying the
// frame yields the same notes.
func renderAckNotes(peer *HalfAssociation, frame uint32) []AckNote {
	recs := peer.tsnAcks[frame]
	if len(recs) == 0 {
		return nil
	}
	notes := make([]AckNote, 0, len(recs))
	for _, rec := range recs {
		notes = append(notes, AckNote{
			Seq:       rec.Seq,
			OrigFrame: rec.FirstTransmit.Frame,
			RTT:       rec.Ack.Ts.Sub(rec.FirstTransmit.Ts),
		})
	}
	return notes
}
