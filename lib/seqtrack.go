package lib

import "time"

// TransmitStamp is a (frame, timestamp) pair. A zero Frame means the event
// has not happened; real frame ids start at 1.
type TransmitStamp struct {
	Frame uint32
	Ts    time.Time
}

// RetransmitEvent is one repeat observation of a sequence number.
type RetransmitEvent struct {
	Frame uint32
	Ts    time.Time
}

// SeqRecord is the history of one sequence number in one direction. It is
// created the first time the sequence value is observed, updated in place on
// retransmission and acknowledgment, and never deleted during the session.
type SeqRecord struct {
	Seq             uint32            // absolute sequence value
	FirstTransmit   TransmitStamp     // set exactly once
	Ack             TransmitStamp     // zero Frame while unacked
	Retransmits     []RetransmitEvent // capped at MaxRetransmitEvents
	RetransmitCount int               // total repeats, including ones past the cap
}

// record classifies one observed sequence number for this direction and
// returns its record plus the retransmission flag. The first observation in a
// direction fixes the relative-sequence baseline; later values are keyed by
// their wraparound offset from it. A repeat within the same frame is not a
// retransmission, only a fresh frame counts. On a replay pass nothing is
// mutated; the record is looked up so the caller can re-derive the first-pass
// annotation from it.
func (h *HalfAssociation) record(seq uint32, frame uint32, ts time.Time, pass ProcessingPass) (*SeqRecord, bool) {
	if !h.started {
		if pass != FirstPass {
			return nil, false
		}
		h.firstSeq = seq
		h.started = true
	}

	rel := relativeSeq(seq, h.firstSeq)
	rec, ok := h.records[rel]
	if !ok {
		if pass != FirstPass {
			return nil, false
		}
		rec = &SeqRecord{
			Seq:           seq,
			FirstTransmit: TransmitStamp{Frame: frame, Ts: ts},
		}
		h.records[rel] = rec
		return rec, false
	}

	if rec.FirstTransmit.Frame == frame {
		// replay of the first transmission, or the same unit bundled twice
		return rec, false
	}

	if pass == FirstPass {
		if len(rec.Retransmits) < h.session.config.MaxRetransmitEvents {
			rec.Retransmits = append(rec.Retransmits, RetransmitEvent{Frame: frame, Ts: ts})
		}
		rec.RetransmitCount++
	}
	return rec, true
}

// recordBySeq returns the record for an absolute sequence value, or nil.
func (h *HalfAssociation) recordBySeq(seq uint32) *SeqRecord {
	if !h.started {
		return nil
	}
	return h.records[relativeSeq(seq, h.firstSeq)]
}
