package lib

// Session is the per-capture analysis arena. Every half-association, sequence
// record, and fragment entry created while processing lives here until Close;
// nothing is freed mid-capture, so pointers handed out in annotations stay
// valid for the whole session. Processing is strictly single-threaded.
type Session struct {
	config      *CoreConfig
	name        string
	fullIndex   map[string]*HalfAssociation   // (ports, own tag) -> half
	halfIndex   map[string][]*HalfAssociation // unordered port pair -> provisional halves
	fragStores  map[FragmentKey]*fragmentEntry
	nextAssocID uint32
	highFrame   uint32 // highest frame number processed so far
}

func (s *Session) Name() string {
	return s.name
}

// passFor classifies a frame against the session watermark. Frames above the
// watermark advance it and mutate state; frames at or below it are replays of
// work already done and must only re-render.
func (s *Session) passFor(frame uint32) ProcessingPass {
	if frame > s.highFrame {
		s.highFrame = frame
		return FirstPass
	}
	return ReplayPass
}

// ProcessPacket runs one observed packet through association resolution,
// sequence tracking, reassembly, and ack correlation, and returns the frame's
// annotation. Feeding the same frames again in the same order yields
// annotations equal to the first run's.
func (s *Session) ProcessPacket(obs *PacketObservation) *FrameAnnotation {
	pass := s.passFor(obs.Frame)
	ann := &FrameAnnotation{Frame: obs.Frame, Checksum: obs.Checksum}

	h := s.resolveHalf(obs, pass)
	if h == nil {
		log.Debugf("frame %d: no verification tag evidence, packet left unresolved", obs.Frame)
		return ann
	}
	ann.Association = h.id

	for i := range obs.DataUnits {
		ann.DataNotes = append(ann.DataNotes, s.processDataUnit(h, obs, &obs.DataUnits[i], pass))
	}

	if h.peer != nil && len(obs.Acks) > 0 {
		if pass == FirstPass {
			for i := range obs.Acks {
				applyAck(h.peer, &obs.Acks[i], obs.Frame, obs.Timestamp)
			}
		}
		ann.AckNotes = renderAckNotes(h.peer, obs.Frame)
	}
	return ann
}

func (s *Session) processDataUnit(h *HalfAssociation, obs *PacketObservation, du *DataUnitRecord, pass ProcessingPass) DataUnitNote {
	note := DataUnitNote{
		Seq:         du.Seq,
		StreamID:    du.StreamID,
		StreamSeq:   du.StreamSeq,
		Unordered:   du.Unordered,
		PayloadType: du.PayloadType,
	}

	rec, retransmitted := h.record(du.Seq, obs.Frame, obs.Timestamp, pass)
	if rec != nil {
		note.Retransmission = retransmitted
		note.OrigFrame = rec.FirstTransmit.Frame
		if retransmitted {
			note.SinceFirst = obs.Timestamp.Sub(rec.FirstTransmit.Ts)
			// ack stamps are final after the first pass, so comparing the ack
			// frame against this frame reads the same on every pass
			note.RetransmittedAfterAck = rec.Ack.Frame != 0 && rec.Ack.Frame < obs.Frame
		}
	}

	if du.IsBegin && du.IsEnd {
		note.Verdict = VerdictUnfragmented
		return note
	}

	key := FragmentKey{
		SrcPort:         obs.SrcPort,
		DstPort:         obs.DstPort,
		VerificationTag: obs.VerificationTag,
		StreamID:        du.StreamID,
		StreamSeq:       du.StreamSeq,
		Unordered:       du.Unordered,
	}
	if du.Unordered {
		// the stream sequence number carries no meaning on unordered chunks
		key.StreamSeq = 0
	}

	note.Verdict = s.addFragment(key, du.Seq, obs.Frame, du.IsBegin, du.IsEnd, du.PayloadType, du.Payload, pass)
	if note.Verdict == VerdictPending {
		if m := s.tryReassemble(key, du.Seq, obs.Frame, pass); m != nil {
			note.Verdict = VerdictCompleted
			note.Completed = m
		}
	}
	return note
}

// Close returns any still-held fragment chunks to the pool and drops the
// arena in one go.
func (s *Session) Close() {
	held := 0
	for _, entry := range s.fragStores {
		for _, f := range entry.fragments {
			if f.chunk != nil {
				f.release()
				held++
			}
		}
	}
	if held > 0 {
		log.Debugf("session %s: returned %d unconsumed fragment chunks to the pool", s.name, held)
	}
	s.fullIndex = nil
	s.halfIndex = nil
	s.fragStores = nil
	log.Infof("session %s closed", s.name)
}
