package lib

import (
	"fmt"
	"sort"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// FragmentKey identifies one reassembly stream. Ordered messages key on the
// stream sequence number; unordered messages share StreamSeq 0 and segment by
// begin/end flags alone.
type FragmentKey struct {
	SrcPort         uint16
	DstPort         uint16
	VerificationTag uint32
	StreamID        uint16
	StreamSeq       uint16
	Unordered       bool
}

func (k FragmentKey) String() string {
	return fmt.Sprintf("%d->%d tag %08x stream %d ssn %d unordered=%t",
		k.SrcPort, k.DstPort, k.VerificationTag, k.StreamID, k.StreamSeq, k.Unordered)
}

// Fragment is one data chunk's payload held in a pool chunk until its message
// completes. The record itself stays in the entry after release so duplicate
// arrivals keep resolving the same way on later passes.
type Fragment struct {
	Seq   uint32
	Frame uint32
	Len   int
	ppid  uint32
	chunk *rp.Element
}

func (f *Fragment) bytes() []byte {
	if f.chunk == nil {
		return nil
	}
	return f.chunk.Data.(*Payload).GetSlice()
}

func (f *Fragment) release() {
	if f.chunk == nil {
		return
	}
	Pool.ReturnElement(f.chunk)
	f.chunk = nil
}

// CompletedMessage is one reassembled user message.
type CompletedMessage struct {
	BeginSeq     uint32
	EndSeq       uint32
	Frame        uint32   // frame whose fragment completed the message
	Frames       []uint32 // contributing frames in sequence order
	Data         []byte
	PayloadType  uint32
	completerSeq uint32 // seq of the fragment that completed the message
}

// fragmentEntry is the per-key reassembly state. All three ordered
// collections sort by sequence relative to baseSeq, which absorbs the
// wraparound: fragments ascending, begin markers descending, end markers
// ascending, so the nearest begin at-or-before and nearest end at-or-after a
// fragment are both a single binary search.
type fragmentEntry struct {
	key       FragmentKey
	baseSeq   uint32
	haveBase  bool
	fragments []*Fragment
	begins    []uint32
	ends      []uint32
	messages  []*CompletedMessage
}

func (e *fragmentEntry) rel(seq uint32) uint32 {
	return seq - e.baseSeq
}

func (e *fragmentEntry) findFragment(seq uint32) *Fragment {
	relS := e.rel(seq)
	i := sort.Search(len(e.fragments), func(i int) bool {
		return e.rel(e.fragments[i].Seq) >= relS
	})
	if i < len(e.fragments) && e.fragments[i].Seq == seq {
		return e.fragments[i]
	}
	return nil
}

func (e *fragmentEntry) insertFragment(f *Fragment) {
	relF := e.rel(f.Seq)
	i := sort.Search(len(e.fragments), func(i int) bool {
		return e.rel(e.fragments[i].Seq) >= relF
	})
	e.fragments = append(e.fragments, nil)
	copy(e.fragments[i+1:], e.fragments[i:])
	e.fragments[i] = f
}

func (e *fragmentEntry) insertBegin(seq uint32) {
	relS := e.rel(seq)
	i := sort.Search(len(e.begins), func(i int) bool {
		return e.rel(e.begins[i]) <= relS
	})
	e.begins = append(e.begins, 0)
	copy(e.begins[i+1:], e.begins[i:])
	e.begins[i] = seq
}

func (e *fragmentEntry) insertEnd(seq uint32) {
	relS := e.rel(seq)
	i := sort.Search(len(e.ends), func(i int) bool {
		return e.rel(e.ends[i]) >= relS
	})
	e.ends = append(e.ends, 0)
	copy(e.ends[i+1:], e.ends[i:])
	e.ends[i] = seq
}

// findBegin returns the nearest begin marker at or before seq. When the
// search misses it falls back to the top of the relative order: a sequence
// rollover inside the message parks the begin there, and the contiguity walk
// discards the fallback if it was a different message's begin.
func (e *fragmentEntry) findBegin(seq uint32) (uint32, bool) {
	relS := e.rel(seq)
	i := sort.Search(len(e.begins), func(i int) bool {
		return e.rel(e.begins[i]) <= relS
	})
	if i < len(e.begins) {
		return e.begins[i], true
	}
	if len(e.begins) > 0 {
		return e.begins[0], true
	}
	return 0, false
}

// findEnd returns the nearest end marker at or after seq, falling back to
// the bottom of the relative order on a miss (the rollover mirror image of
// findBegin).
func (e *fragmentEntry) findEnd(seq uint32) (uint32, bool) {
	relS := e.rel(seq)
	i := sort.Search(len(e.ends), func(i int) bool {
		return e.rel(e.ends[i]) >= relS
	})
	if i < len(e.ends) {
		return e.ends[i], true
	}
	if len(e.ends) > 0 {
		return e.ends[0], true
	}
	return 0, false
}

func removeMarker(list []uint32, seq uint32) []uint32 {
	for i, v := range list {
		if v == seq {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// findMessage returns the completed message whose sequence span covers seq.
// Spans stay far below half the sequence space, so the circular comparisons
// are unambiguous.
func (e *fragmentEntry) findMessage(seq uint32) *CompletedMessage {
	for _, m := range e.messages {
		if isGreaterOrEqual(seq, m.BeginSeq) && isLessOrEqual(seq, m.EndSeq) {
			return m
		}
	}
	return nil
}

// addFragment files one fragmented data chunk payload under its reassembly
// key. Storage happens on the first pass only; replay passes resolve against
// the records the first pass left behind and reach the same verdict. The
// payload bytes live in a pool chunk until the message completes.
func (s *Session) addFragment(key FragmentKey, seq, frame uint32, isBegin, isEnd bool, ppid uint32, payload []byte, pass ProcessingPass) FragmentVerdict {
	if len(payload) == 0 || len(payload) > s.config.MaxFragmentSize {
		return VerdictRejected
	}

	entry := s.fragStores[key]
	if entry == nil {
		if pass != FirstPass {
			return VerdictPending
		}
		entry = &fragmentEntry{key: key}
		s.fragStores[key] = entry
	}
	if !entry.haveBase {
		entry.baseSeq = seq
		entry.haveBase = true
	}

	if f := entry.findFragment(seq); f != nil {
		if f.Frame == frame {
			return VerdictPending
		}
		return VerdictDuplicate
	}
	if pass != FirstPass {
		return VerdictPending
	}

	chunk := Pool.GetElement()
	if chunk == nil {
		log.Errorf("fragment pool exhausted, dropping seq %d of %s at frame %d", seq, key, frame)
		return VerdictRejected
	}
	if rp.Debug {
		chunk.AddFootPrint("Session.addFragment")
	}
	if err := chunk.Data.(*Payload).Copy(payload); err != nil {
		Pool.ReturnElement(chunk)
		log.Errorf("fragment copy failed for seq %d of %s: %s", seq, key, err)
		return VerdictRejected
	}

	f := &Fragment{
		Seq:   seq,
		Frame: frame,
		Len:   len(payload),
		ppid:  ppid,
		chunk: chunk,
	}
	entry.insertFragment(f)
	if isBegin {
		entry.insertBegin(seq)
	}
	if isEnd {
		entry.insertEnd(seq)
	}
	return VerdictPending
}

// tryReassemble checks whether the fragment at (seq, frame) completes a
// message: the nearest begin at-or-before and end at-or-after must exist and
// every sequence between them must hold an unconsumed fragment. On success
// the payload chunks are copied into one buffer and returned to the pool,
// and the message is cached so the completing frame renders it again on
// every later pass.
func (s *Session) tryReassemble(key FragmentKey, seq, frame uint32, pass ProcessingPass) *CompletedMessage {
	entry := s.fragStores[key]
	if entry == nil {
		return nil
	}

	if m := entry.findMessage(seq); m != nil {
		if m.completerSeq == seq && m.Frame == frame {
			return m
		}
		return nil
	}
	if pass != FirstPass {
		return nil
	}

	beginSeq, ok := entry.findBegin(seq)
	if !ok {
		return nil
	}
	endSeq, ok := entry.findEnd(seq)
	if !ok {
		return nil
	}

	var parts []*Fragment
	total := 0
	for cur := beginSeq; ; cur = SeqIncrement(cur) {
		f := entry.findFragment(cur)
		if f == nil || f.chunk == nil {
			return nil
		}
		parts = append(parts, f)
		total += f.Len
		if cur == endSeq {
			break
		}
	}

	m := &CompletedMessage{
		BeginSeq:     beginSeq,
		EndSeq:       endSeq,
		Frame:        frame,
		Frames:       make([]uint32, 0, len(parts)),
		Data:         make([]byte, 0, total),
		PayloadType:  parts[0].ppid,
		completerSeq: seq,
	}
	for _, f := range parts {
		m.Frames = append(m.Frames, f.Frame)
		m.Data = append(m.Data, f.bytes()...)
		if rp.Debug {
			fp := f.chunk.AddFootPrint("Session.tryReassemble")
			f.chunk.TickFootPrint(fp)
		}
		f.release()
	}
	entry.begins = removeMarker(entry.begins, beginSeq)
	entry.ends = removeMarker(entry.ends, endSeq)
	entry.messages = append(entry.messages, m)
	log.Debugf("reassembled %d bytes over %d fragments for %s at frame %d", total, len(parts), key, frame)
	return m
}
