package lib

import (
	"fmt"
	"time"
)

// PacketObservation is the packet driver's typed view of one captured packet.
// It is read-only input: the session never retains it or its payload slices
// past the ProcessPacket call that received it.
type PacketObservation struct {
	Frame           uint32    // capture-order frame id, starts at 1, monotonic per session
	Timestamp       time.Time // capture timestamp of the frame
	SrcAddr         string    // source transport address
	DstAddr         string    // destination transport address
	SrcPort         uint16
	DstPort         uint16
	VerificationTag uint32           // common-header tag of this direction; 0 on INIT
	RevealedPeerTag uint32           // initiate tag carried by INIT/INIT ACK; 0 when absent
	DataUnits       []DataUnitRecord // DATA chunks bundled in the packet, wire order
	Acks            []AckRecord      // SACK/SHUTDOWN ack observations, wire order
	Checksum        *ChecksumNote    // driver's checksum verdict, recorded verbatim
}

// DataUnitRecord is one transmitted data unit (a DATA chunk).
type DataUnitRecord struct {
	Seq         uint32 // transmission sequence number (TSN)
	IsBegin     bool   // B flag: first fragment of a user message
	IsEnd       bool   // E flag: last fragment of a user message
	Unordered   bool   // U flag
	StreamID    uint16
	StreamSeq   uint16
	PayloadType uint32 // payload protocol identifier
	Payload     []byte // user data; not retained past the call
}

// AckRecord is one acknowledgment observation: a SACK's cumulative ack plus
// its gap blocks converted to absolute sequence ranges, or a SHUTDOWN's
// cumulative ack with no ranges.
type AckRecord struct {
	CumulativeSeq uint32
	GapRanges     []AckRange // absolute, inclusive ranges beyond the cumulative point
	DuplicateSeqs int        // duplicate TSN count reported by the SACK; informational
}

type AckRange struct {
	Start uint32
	End   uint32
}

// ChecksumNote is the external checksum collaborator's verdict. The core
// stores it on the frame annotation and never computes checksums itself.
type ChecksumNote struct {
	Checked []string // algorithms the driver tried, e.g. crc32c, adler32
	Matched string   // algorithm that validated the packet; empty when none did
	Zero    bool     // stored checksum was all zero (offload capture), left unverified
}

func (c *ChecksumNote) OK() bool {
	return c != nil && c.Matched != ""
}

func (c *ChecksumNote) String() string {
	if c == nil {
		return "none"
	}
	if c.Zero {
		return "zero (unverified)"
	}
	if c.Matched != "" {
		return c.Matched + " ok"
	}
	return fmt.Sprintf("bad (checked %v)", c.Checked)
}

// FrameAnnotation is everything the session derived for one frame. Replay
// passes must reproduce the first pass annotation for the frame exactly, so
// every field is computed from state using frame-scoped comparisons only.
type FrameAnnotation struct {
	Frame       uint32
	Association uint32 // id of the packet direction's half-association; 0 = unresolved
	Checksum    *ChecksumNote
	DataNotes   []DataUnitNote
	AckNotes    []AckNote
}

// DataUnitNote annotates one DATA unit of a frame.
type DataUnitNote struct {
	Seq                   uint32
	StreamID              uint16
	StreamSeq             uint16
	Unordered             bool
	PayloadType           uint32
	Retransmission        bool
	OrigFrame             uint32        // first-transmission frame, set on retransmissions
	SinceFirst            time.Duration // time since the first transmission, set on retransmissions
	RetransmittedAfterAck bool          // the sequence was already acked in an earlier frame
	Verdict               FragmentVerdict
	Completed             *CompletedMessage // set when Verdict == VerdictCompleted
}

// AckNote reports one sequence number stamped by this frame's acknowledgment.
type AckNote struct {
	Seq       uint32        // acknowledged sequence number
	OrigFrame uint32        // first-transmission frame of the acked data
	RTT       time.Duration // ack timestamp minus first-transmission timestamp
}
