package dissect

import (
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/op/go-logging"
	"github.com/pkg/errors"

	"github.com/Clouded-Sabre/sctp-analyzer/lib"
)

var log = logging.MustGetLogger("dissect")

// Stats counts what the driver saw over one capture pass.
type Stats struct {
	Packets           int           // link-layer frames read
	SctpPackets       int           // frames that carried a parseable SCTP packet
	Chunks            map[uint8]int // chunk count by chunk type
	DataUnits         int
	Retransmissions   int
	AckedSeqs         int
	CompletedMessages int
	ChecksumFailures  int
	MalformedChunks   int
	TruncatedPackets  int
	NonSctp           int
	Unresolved        int
}

// Driver feeds capture files into one analysis session. Frame ids restart at
// 1 for every file, so running the same file twice through one driver replays
// the capture against the session's accumulated state.
type Driver struct {
	session *lib.Session
	stats   Stats
	frame   uint32
}

func NewDriver(session *lib.Session) *Driver {
	return &Driver{
		session: session,
		stats:   Stats{Chunks: make(map[uint8]int)},
	}
}

func (d *Driver) Stats() Stats {
	return d.stats
}

// packetReader is the common face of the pcap and pcapng readers.
type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// pcapng section header block magic
var ngMagic = [4]byte{0x0a, 0x0d, 0x0d, 0x0a}

func newPacketReader(f *os.File) (packetReader, error) {
	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return nil, errors.Wrap(err, "read file magic")
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if magic == ngMagic {
		return pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(f)
}

// AnalyzeFile runs every packet of a pcap or pcapng file through the session
// in capture order and invokes fn with each resolved frame's annotation.
// Stats are reset per call.
func (d *Driver) AnalyzeFile(path string, fn func(*lib.FrameAnnotation)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open capture")
	}
	defer f.Close()

	r, err := newPacketReader(f)
	if err != nil {
		return errors.Wrapf(err, "read capture %s", path)
	}

	d.frame = 0
	d.stats = Stats{Chunks: make(map[uint8]int)}

	for {
		data, ci, err := r.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "read packet %d of %s", d.frame+1, path)
		}
		ann := d.AnalyzePacket(ci.Timestamp, data, r.LinkType())
		if ann != nil && fn != nil {
			fn(ann)
		}
	}
	log.Infof("capture %s: %d frames, %d sctp, %d non-sctp",
		path, d.stats.Packets, d.stats.SctpPackets, d.stats.NonSctp)
	return nil
}

// AnalyzePacket runs one link-layer frame through the session. It returns
// nil for frames that carry no parseable SCTP packet; those still consume a
// frame id so numbering matches the capture file.
func (d *Driver) AnalyzePacket(ts time.Time, data []byte, linkType layers.LinkType) *lib.FrameAnnotation {
	d.frame++
	d.stats.Packets++

	obs := d.observe(ts, data, linkType)
	if obs == nil {
		return nil
	}
	d.stats.SctpPackets++
	ann := d.session.ProcessPacket(obs)
	d.tally(ann)
	return ann
}

func (d *Driver) observe(ts time.Time, data []byte, linkType layers.LinkType) *lib.PacketObservation {
	packet := gopacket.NewPacket(data, linkType, gopacket.Default)

	var srcAddr, dstAddr string
	var payload []byte
	if ip4Layer := packet.Layer(layers.LayerTypeIPv4); ip4Layer != nil {
		ip := ip4Layer.(*layers.IPv4)
		if ip.Protocol != layers.IPProtocolSCTP {
			d.stats.NonSctp++
			return nil
		}
		srcAddr, dstAddr = ip.SrcIP.String(), ip.DstIP.String()
		payload = ip.LayerPayload()
	} else if ip6Layer := packet.Layer(layers.LayerTypeIPv6); ip6Layer != nil {
		ip := ip6Layer.(*layers.IPv6)
		if ip.NextHeader != layers.IPProtocolSCTP {
			d.stats.NonSctp++
			return nil
		}
		srcAddr, dstAddr = ip.SrcIP.String(), ip.DstIP.String()
		payload = ip.LayerPayload()
	} else {
		d.stats.NonSctp++
		return nil
	}

	if len(payload) < CommonHeaderLength {
		d.stats.TruncatedPackets++
		log.Warningf("frame %d: sctp payload of %d bytes", d.frame, len(payload))
		return nil
	}

	// verify before parsing; the parser aliases the buffer the checksum
	// routines zero and restore
	note := VerifyChecksum(payload)
	if !note.OK() && !note.Zero {
		d.stats.ChecksumFailures++
		log.Warningf("frame %d: checksum %s", d.frame, note)
	}

	pkt, err := ParsePacket(payload)
	if err != nil {
		d.stats.TruncatedPackets++
		log.Warningf("frame %d: %s", d.frame, err)
		return nil
	}
	if pkt.Truncated {
		d.stats.TruncatedPackets++
	}

	obs := &lib.PacketObservation{
		Frame:           d.frame,
		Timestamp:       ts,
		SrcAddr:         srcAddr,
		DstAddr:         dstAddr,
		SrcPort:         pkt.SrcPort,
		DstPort:         pkt.DstPort,
		VerificationTag: pkt.VerificationTag,
		Checksum:        note,
	}
	for i := range pkt.Chunks {
		ck := &pkt.Chunks[i]
		d.stats.Chunks[ck.Type]++
		if ck.Malformed {
			d.stats.MalformedChunks++
			log.Warningf("frame %d: malformed chunk type %d length %d", d.frame, ck.Type, ck.Length)
		}
		switch {
		case ck.Data != nil:
			du := ck.Data
			obs.DataUnits = append(obs.DataUnits, lib.DataUnitRecord{
				Seq:         du.Seq,
				IsBegin:     du.Begin,
				IsEnd:       du.End,
				Unordered:   du.Unordered,
				StreamID:    du.StreamID,
				StreamSeq:   du.StreamSeq,
				PayloadType: du.PayloadType,
				Payload:     du.Payload,
			})
		case ck.Init != nil:
			// the first INIT or INIT ACK of a packet names the tag the
			// reverse direction will carry
			if obs.RevealedPeerTag == 0 {
				obs.RevealedPeerTag = ck.Init.InitiateTag
			}
		case ck.Sack != nil:
			obs.Acks = append(obs.Acks, d.ackRecord(ck.Sack))
		case ck.Shutdown != nil:
			obs.Acks = append(obs.Acks, lib.AckRecord{CumulativeSeq: ck.Shutdown.CumulativeSeq})
		}
	}
	return obs
}

// ackRecord converts a SACK's relative gap blocks to absolute sequence
// ranges. Inverted blocks are sender bugs and are skipped.
func (d *Driver) ackRecord(sk *SackChunk) lib.AckRecord {
	ack := lib.AckRecord{
		CumulativeSeq: sk.CumulativeSeq,
		DuplicateSeqs: len(sk.DuplicateSeqs),
	}
	for _, g := range sk.GapBlocks {
		if g.End < g.Start {
			log.Warningf("frame %d: inverted gap block %d..%d skipped", d.frame, g.Start, g.End)
			continue
		}
		ack.GapRanges = append(ack.GapRanges, lib.AckRange{
			Start: lib.SeqIncrementBy(sk.CumulativeSeq, uint32(g.Start)),
			End:   lib.SeqIncrementBy(sk.CumulativeSeq, uint32(g.End)),
		})
	}
	return ack
}

func (d *Driver) tally(ann *lib.FrameAnnotation) {
	if ann.Association == 0 {
		d.stats.Unresolved++
		return
	}
	for i := range ann.DataNotes {
		n := &ann.DataNotes[i]
		d.stats.DataUnits++
		if n.Retransmission {
			d.stats.Retransmissions++
		}
		if n.Verdict == lib.VerdictCompleted {
			d.stats.CompletedMessages++
		}
	}
	d.stats.AckedSeqs += len(ann.AckNotes)
}
