// Package dissect turns captured packets into the typed observations the
// analysis core consumes: SCTP common header and chunk parsing, checksum
// verification, and the capture file driver.
package dissect

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

const (
	CommonHeaderLength    = 12 // ports, verification tag, checksum
	ChunkHeaderLength     = 4  // type, flags, length
	DataChunkHeaderLength = 16 // chunk header plus tsn, stream, ssn, ppid
	SackChunkFixedLength  = 16 // chunk header plus cum tsn, a_rwnd, counts
	InitChunkFixedLength  = 20 // chunk header plus the fixed init parameters
)

// chunk types (RFC 4960)
const (
	ChunkData             = 0
	ChunkInit             = 1
	ChunkInitAck          = 2
	ChunkSack             = 3
	ChunkHeartbeat        = 4
	ChunkHeartbeatAck     = 5
	ChunkAbort            = 6
	ChunkShutdown         = 7
	ChunkShutdownAck      = 8
	ChunkError            = 9
	ChunkCookieEcho       = 10
	ChunkCookieAck        = 11
	ChunkShutdownComplete = 14
)

// DATA chunk flag bits
const (
	DataFlagEnd       = 0x01
	DataFlagBegin     = 0x02
	DataFlagUnordered = 0x04
)

var ErrPacketTooShort = errors.New("sctp: packet shorter than the common header")

// Packet is one parsed SCTP packet. Chunk payload slices alias the input
// buffer, so verify the checksum before parsing and copy what must outlive
// the buffer.
type Packet struct {
	SrcPort         uint16
	DstPort         uint16
	VerificationTag uint32
	Checksum        uint32 // checksum field in wire byte order
	Chunks          []Chunk
	Truncated       bool // the chunk walk stopped before the end of the packet
}

// Chunk is one chunk of a packet. At most one typed view is set, matching
// Type; control chunks the analyzer does not track carry none.
type Chunk struct {
	Type      uint8
	Flags     uint8
	Length    uint16
	Malformed bool
	Data      *DataChunk
	Init      *InitChunk
	Sack      *SackChunk
	Shutdown  *ShutdownChunk
}

type DataChunk struct {
	Seq         uint32
	StreamID    uint16
	StreamSeq   uint16
	PayloadType uint32
	Payload     []byte // aliases the packet buffer
	Unordered   bool
	Begin       bool
	End         bool
}

// InitChunk covers INIT and INIT ACK; both reveal the initiate tag the
// opposite direction will carry.
type InitChunk struct {
	InitiateTag      uint32
	AdvertisedWindow uint32
	OutboundStreams  uint16
	InboundStreams   uint16
	InitialSeq       uint32
}

type SackChunk struct {
	CumulativeSeq    uint32
	AdvertisedWindow uint32
	GapBlocks        []GapBlock
	DuplicateSeqs    []uint32
}

// GapBlock bounds are offsets from the cumulative seq, inclusive.
type GapBlock struct {
	Start uint16
	End   uint16
}

type ShutdownChunk struct {
	CumulativeSeq uint32
}

// ParsePacket parses the common header and walks the chunks. Chunk-level
// damage is not an error: a chunk whose declared length cannot be trusted
// stops the walk with Truncated set, and a chunk too short for its own
// fixed fields is marked Malformed and skipped over.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < CommonHeaderLength {
		return nil, errors.Wrapf(ErrPacketTooShort, "%d bytes", len(data))
	}
	p := &Packet{
		SrcPort:         binary.BigEndian.Uint16(data[0:2]),
		DstPort:         binary.BigEndian.Uint16(data[2:4]),
		VerificationTag: binary.BigEndian.Uint32(data[4:8]),
		Checksum:        binary.BigEndian.Uint32(data[8:12]),
	}

	offset := CommonHeaderLength
	for offset < len(data) {
		if len(data)-offset < ChunkHeaderLength {
			p.Truncated = true
			break
		}
		ck := Chunk{
			Type:   data[offset],
			Flags:  data[offset+1],
			Length: binary.BigEndian.Uint16(data[offset+2 : offset+4]),
		}
		declLen := int(ck.Length)
		if declLen < ChunkHeaderLength || declLen > len(data)-offset {
			// the next chunk boundary is unknowable
			ck.Malformed = true
			p.Chunks = append(p.Chunks, ck)
			p.Truncated = true
			break
		}
		body := data[offset+ChunkHeaderLength : offset+declLen]
		switch ck.Type {
		case ChunkData:
			parseDataChunk(&ck, body)
		case ChunkInit, ChunkInitAck:
			parseInitChunk(&ck, body)
		case ChunkSack:
			parseSackChunk(&ck, body)
		case ChunkShutdown:
			parseShutdownChunk(&ck, body)
		}
		p.Chunks = append(p.Chunks, ck)
		offset += paddedLength(declLen)
	}
	return p, nil
}

// chunks are padded to 4-byte boundaries on the wire
func paddedLength(l int) int {
	return (l + 3) &^ 3
}

func parseDataChunk(ck *Chunk, body []byte) {
	if len(body) < DataChunkHeaderLength-ChunkHeaderLength {
		ck.Malformed = true
		return
	}
	ck.Data = &DataChunk{
		Seq:         binary.BigEndian.Uint32(body[0:4]),
		StreamID:    binary.BigEndian.Uint16(body[4:6]),
		StreamSeq:   binary.BigEndian.Uint16(body[6:8]),
		PayloadType: binary.BigEndian.Uint32(body[8:12]),
		Payload:     body[12:],
		Unordered:   ck.Flags&DataFlagUnordered != 0,
		Begin:       ck.Flags&DataFlagBegin != 0,
		End:         ck.Flags&DataFlagEnd != 0,
	}
}

func parseInitChunk(ck *Chunk, body []byte) {
	if len(body) < InitChunkFixedLength-ChunkHeaderLength {
		ck.Malformed = true
		return
	}
	ck.Init = &InitChunk{
		InitiateTag:      binary.BigEndian.Uint32(body[0:4]),
		AdvertisedWindow: binary.BigEndian.Uint32(body[4:8]),
		OutboundStreams:  binary.BigEndian.Uint16(body[8:10]),
		InboundStreams:   binary.BigEndian.Uint16(body[10:12]),
		InitialSeq:       binary.BigEndian.Uint32(body[12:16]),
	}
}

func parseSackChunk(ck *Chunk, body []byte) {
	if len(body) < SackChunkFixedLength-ChunkHeaderLength {
		ck.Malformed = true
		return
	}
	sk := &SackChunk{
		CumulativeSeq:    binary.BigEndian.Uint32(body[0:4]),
		AdvertisedWindow: binary.BigEndian.Uint32(body[4:8]),
	}
	nGaps := int(binary.BigEndian.Uint16(body[8:10]))
	nDups := int(binary.BigEndian.Uint16(body[10:12]))
	offset := 12
	for i := 0; i < nGaps; i++ {
		if len(body)-offset < 4 {
			ck.Malformed = true
			break
		}
		sk.GapBlocks = append(sk.GapBlocks, GapBlock{
			Start: binary.BigEndian.Uint16(body[offset : offset+2]),
			End:   binary.BigEndian.Uint16(body[offset+2 : offset+4]),
		})
		offset += 4
	}
	for i := 0; i < nDups; i++ {
		if len(body)-offset < 4 {
			ck.Malformed = true
			break
		}
		sk.DuplicateSeqs = append(sk.DuplicateSeqs, binary.BigEndian.Uint32(body[offset:offset+4]))
		offset += 4
	}
	ck.Sack = sk
}

func parseShutdownChunk(ck *Chunk, body []byte) {
	if len(body) < 4 {
		ck.Malformed = true
		return
	}
	ck.Shutdown = &ShutdownChunk{CumulativeSeq: binary.BigEndian.Uint32(body[0:4])}
}

// ChunkName names a chunk type for display.
func ChunkName(t uint8) string {
	switch t {
	case ChunkData:
		return "DATA"
	case ChunkInit:
		return "INIT"
	case ChunkInitAck:
		return "INIT_ACK"
	case ChunkSack:
		return "SACK"
	case ChunkHeartbeat:
		return "HEARTBEAT"
	case ChunkHeartbeatAck:
		return "HEARTBEAT_ACK"
	case ChunkAbort:
		return "ABORT"
	case ChunkShutdown:
		return "SHUTDOWN"
	case ChunkShutdownAck:
		return "SHUTDOWN_ACK"
	case ChunkError:
		return "ERROR"
	case ChunkCookieEcho:
		return "COOKIE_ECHO"
	case ChunkCookieAck:
		return "COOKIE_ACK"
	case ChunkShutdownComplete:
		return "SHUTDOWN_COMPLETE"
	default:
		return fmt.Sprintf("type %d", t)
	}
}

// PayloadProtoName names the common SIGTRAN payload protocol identifiers.
func PayloadProtoName(ppid uint32) string {
	switch ppid {
	case 0:
		return "unspecified"
	case 1:
		return "IUA"
	case 2:
		return "M2UA"
	case 3:
		return "M3UA"
	case 4:
		return "SUA"
	case 5:
		return "M2PA"
	default:
		return fmt.Sprintf("ppid 0x%x", ppid)
	}
}

// BuildPacket assembles an SCTP packet from the common header fields and
// pre-marshalled chunks, with a valid CRC-32c checksum.
func BuildPacket(srcPort, dstPort uint16, vtag uint32, chunks ...[]byte) []byte {
	size := CommonHeaderLength
	for _, c := range chunks {
		size += len(c)
	}
	frame := make([]byte, CommonHeaderLength, size)
	binary.BigEndian.PutUint16(frame[0:2], srcPort)
	binary.BigEndian.PutUint16(frame[2:4], dstPort)
	binary.BigEndian.PutUint32(frame[4:8], vtag)
	for _, c := range chunks {
		frame = append(frame, c...)
	}
	binary.LittleEndian.PutUint32(frame[8:12], Checksum(frame))
	return frame
}

func BuildDataChunk(seq uint32, streamID, streamSeq uint16, ppid uint32, flags uint8, payload []byte) []byte {
	length := DataChunkHeaderLength + len(payload)
	buf := make([]byte, paddedLength(length))
	buf[0] = ChunkData
	buf[1] = flags
	binary.BigEndian.PutUint16(buf[2:4], uint16(length))
	binary.BigEndian.PutUint32(buf[4:8], seq)
	binary.BigEndian.PutUint16(buf[8:10], streamID)
	binary.BigEndian.PutUint16(buf[10:12], streamSeq)
	binary.BigEndian.PutUint32(buf[12:16], ppid)
	copy(buf[16:], payload)
	return buf
}

// BuildInitChunk marshals an INIT or INIT ACK with plausible fixed fields.
func BuildInitChunk(chunkType uint8, initiateTag, initialSeq uint32) []byte {
	buf := make([]byte, InitChunkFixedLength)
	buf[0] = chunkType
	binary.BigEndian.PutUint16(buf[2:4], InitChunkFixedLength)
	binary.BigEndian.PutUint32(buf[4:8], initiateTag)
	binary.BigEndian.PutUint32(buf[8:12], 65536)
	binary.BigEndian.PutUint16(buf[12:14], 10)
	binary.BigEndian.PutUint16(buf[14:16], 10)
	binary.BigEndian.PutUint32(buf[16:20], initialSeq)
	return buf
}

func BuildSackChunk(cum, window uint32, gaps []GapBlock, dups []uint32) []byte {
	length := SackChunkFixedLength + 4*len(gaps) + 4*len(dups)
	buf := make([]byte, length)
	buf[0] = ChunkSack
	binary.BigEndian.PutUint16(buf[2:4], uint16(length))
	binary.BigEndian.PutUint32(buf[4:8], cum)
	binary.BigEndian.PutUint32(buf[8:12], window)
	binary.BigEndian.PutUint16(buf[12:14], uint16(len(gaps)))
	binary.BigEndian.PutUint16(buf[14:16], uint16(len(dups)))
	offset := 16
	for _, g := range gaps {
		binary.BigEndian.PutUint16(buf[offset:offset+2], g.Start)
		binary.BigEndian.PutUint16(buf[offset+2:offset+4], g.End)
		offset += 4
	}
	for _, dup := range dups {
		binary.BigEndian.PutUint32(buf[offset:offset+4], dup)
		offset += 4
	}
	return buf
}

func BuildShutdownChunk(cum uint32) []byte {
	buf := make([]byte, 8)
	buf[0] = ChunkShutdown
	binary.BigEndian.PutUint16(buf[2:4], 8)
	binary.BigEndian.PutUint32(buf[4:8], cum)
	return buf
}
