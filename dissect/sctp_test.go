package dissect

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestParsePacketTooShort(t *testing.T) {
	for _, size := range []int{0, 4, 11} {
		if _, err := ParsePacket(make([]byte, size)); !errors.Is(err, ErrPacketTooShort) {
			t.Errorf("size %d: got %v, expected ErrPacketTooShort", size, err)
		}
	}
}

func TestParseBundledChunks(t *testing.T) {
	payload := bytes.Repeat([]byte{0xab}, 21)
	raw := BuildPacket(5000, 6000, 0xdeadbeef,
		BuildSackChunk(4000, 131072, nil, nil),
		BuildDataChunk(4100, 2, 9, 3, DataFlagBegin|DataFlagEnd|DataFlagUnordered, payload),
	)

	pkt, err := ParsePacket(raw)
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	if pkt.SrcPort != 5000 || pkt.DstPort != 6000 || pkt.VerificationTag != 0xdeadbeef {
		t.Errorf("header: got %d->%d tag %08x", pkt.SrcPort, pkt.DstPort, pkt.VerificationTag)
	}
	if pkt.Truncated {
		t.Error("packet marked truncated")
	}
	if len(pkt.Chunks) != 2 {
		t.Fatalf("got %d chunks, expected 2", len(pkt.Chunks))
	}
	sk := pkt.Chunks[0].Sack
	if sk == nil || sk.CumulativeSeq != 4000 || sk.AdvertisedWindow != 131072 {
		t.Errorf("sack chunk: got %+v", sk)
	}
	d := pkt.Chunks[1].Data
	if d == nil {
		t.Fatal("data chunk not parsed")
	}
	if d.Seq != 4100 || d.StreamID != 2 || d.StreamSeq != 9 || d.PayloadType != 3 {
		t.Errorf("data fields: got seq %d stream %d ssn %d ppid %d", d.Seq, d.StreamID, d.StreamSeq, d.PayloadType)
	}
	if !d.Begin || !d.End || !d.Unordered {
		t.Errorf("data flags: got B=%v E=%v U=%v, expected all set", d.Begin, d.End, d.Unordered)
	}
	// padding must not leak into the payload
	if !bytes.Equal(d.Payload, payload) {
		t.Errorf("payload: got %d bytes, expected %d", len(d.Payload), len(payload))
	}
}

func TestParseDataFlags(t *testing.T) {
	testCases := []struct {
		flags     uint8
		begin     bool
		end       bool
		unordered bool
	}{
		{0x00, false, false, false},
		{DataFlagBegin, true, false, false},
		{DataFlagEnd, false, true, false},
		{DataFlagBegin | DataFlagEnd, true, true, false},
		{DataFlagUnordered | DataFlagEnd, false, true, true},
	}

	for _, tc := range testCases {
		raw := BuildPacket(1, 2, 3, BuildDataChunk(10, 0, 0, 0, tc.flags, []byte{0x55}))
		pkt, err := ParsePacket(raw)
		if err != nil {
			t.Fatalf("flags %#02x: %v", tc.flags, err)
		}
		d := pkt.Chunks[0].Data
		if d.Begin != tc.begin || d.End != tc.end || d.Unordered != tc.unordered {
			t.Errorf("flags %#02x: got B=%v E=%v U=%v, expected B=%v E=%v U=%v",
				tc.flags, d.Begin, d.End, d.Unordered, tc.begin, tc.end, tc.unordered)
		}
	}
}

func TestParseMalformedChunkSkipped(t *testing.T) {
	// a DATA chunk long enough for the walk but too short for its own
	// fixed fields, followed by a healthy SHUTDOWN
	bad := []byte{ChunkData, 0x03, 0x00, 0x08, 0x00, 0x00, 0x01, 0x2c}
	raw := BuildPacket(5000, 6000, 0x1111, bad, BuildShutdownChunk(300))

	pkt, err := ParsePacket(raw)
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	if len(pkt.Chunks) != 2 {
		t.Fatalf("got %d chunks, expected 2", len(pkt.Chunks))
	}
	if !pkt.Chunks[0].Malformed || pkt.Chunks[0].Data != nil {
		t.Errorf("short data chunk: got malformed=%v data=%v", pkt.Chunks[0].Malformed, pkt.Chunks[0].Data)
	}
	if pkt.Chunks[1].Shutdown == nil || pkt.Chunks[1].Shutdown.CumulativeSeq != 300 {
		t.Errorf("shutdown after malformed chunk: got %+v", pkt.Chunks[1].Shutdown)
	}
	if pkt.Truncated {
		t.Error("walk should survive an interior malformed chunk")
	}
}

func TestParseBrokenLengthStopsWalk(t *testing.T) {
	testCases := []struct {
		name   string
		length uint16
	}{
		{name: "below the chunk header", length: 2},
		{name: "past the end of the packet", length: 400},
	}

	for _, tc := range testCases {
		chunk := []byte{ChunkHeartbeat, 0x00, byte(tc.length >> 8), byte(tc.length), 0x00, 0x00, 0x00, 0x00}
		raw := BuildPacket(5000, 6000, 0x1111, chunk, BuildShutdownChunk(300))

		pkt, err := ParsePacket(raw)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if !pkt.Truncated {
			t.Errorf("%s: packet not marked truncated", tc.name)
		}
		if len(pkt.Chunks) != 1 || !pkt.Chunks[0].Malformed {
			t.Errorf("%s: got %d chunks, expected the walk to stop at the broken one", tc.name, len(pkt.Chunks))
		}
	}
}

func TestParseTrailingSliver(t *testing.T) {
	raw := BuildPacket(5000, 6000, 0x1111, BuildShutdownChunk(300))
	raw = append(raw, 0xde, 0xad)

	pkt, err := ParsePacket(raw)
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	if len(pkt.Chunks) != 1 || pkt.Chunks[0].Shutdown == nil {
		t.Fatalf("got %d chunks, expected the shutdown alone", len(pkt.Chunks))
	}
	if !pkt.Truncated {
		t.Error("bytes too short for a chunk header should mark the packet truncated")
	}
}

func TestParseSackBlocks(t *testing.T) {
	raw := BuildPacket(2905, 36672, 0x2222,
		BuildSackChunk(1000, 65536,
			[]GapBlock{{Start: 2, End: 3}, {Start: 7, End: 7}},
			[]uint32{998, 998, 1002}))

	pkt, err := ParsePacket(raw)
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	sk := pkt.Chunks[0].Sack
	if sk == nil {
		t.Fatal("sack chunk not parsed")
	}
	if sk.CumulativeSeq != 1000 || sk.AdvertisedWindow != 65536 {
		t.Errorf("sack fixed fields: got cum %d window %d", sk.CumulativeSeq, sk.AdvertisedWindow)
	}
	if len(sk.GapBlocks) != 2 || sk.GapBlocks[0] != (GapBlock{Start: 2, End: 3}) || sk.GapBlocks[1] != (GapBlock{Start: 7, End: 7}) {
		t.Errorf("gap blocks: got %v", sk.GapBlocks)
	}
	if len(sk.DuplicateSeqs) != 3 || sk.DuplicateSeqs[0] != 998 || sk.DuplicateSeqs[2] != 1002 {
		t.Errorf("duplicate seqs: got %v", sk.DuplicateSeqs)
	}
}

func TestParseSackCountsOverrunBody(t *testing.T) {
	chunk := BuildSackChunk(1000, 65536, []GapBlock{{Start: 2, End: 3}}, nil)
	// promise more gap blocks than the chunk carries
	binary.BigEndian.PutUint16(chunk[12:14], 5)
	raw := BuildPacket(2905, 36672, 0x2222, chunk)

	pkt, err := ParsePacket(raw)
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	ck := &pkt.Chunks[0]
	if !ck.Malformed {
		t.Error("overrunning counts should mark the chunk malformed")
	}
	if ck.Sack == nil || len(ck.Sack.GapBlocks) != 1 {
		t.Errorf("partial sack parse: got %+v", ck.Sack)
	}
}

func TestParseInitFields(t *testing.T) {
	raw := BuildPacket(36672, 2905, 0, BuildInitChunk(ChunkInit, 0x00c0ffee, 4000))

	pkt, err := ParsePacket(raw)
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	ck := pkt.Chunks[0]
	if ck.Type != ChunkInit {
		t.Fatalf("got chunk type %d, expected INIT", ck.Type)
	}
	init := ck.Init
	if init == nil {
		t.Fatal("init chunk not parsed")
	}
	if init.InitiateTag != 0x00c0ffee || init.InitialSeq != 4000 {
		t.Errorf("init: got tag %08x seq %d", init.InitiateTag, init.InitialSeq)
	}
	if init.OutboundStreams != 10 || init.InboundStreams != 10 || init.AdvertisedWindow != 65536 {
		t.Errorf("init fixed fields: got %+v", init)
	}
}

func TestChunkName(t *testing.T) {
	testCases := []struct {
		chunkType uint8
		expected  string
	}{
		{ChunkData, "DATA"},
		{ChunkInitAck, "INIT_ACK"},
		{ChunkShutdownComplete, "SHUTDOWN_COMPLETE"},
		{13, "type 13"},
	}

	for _, tc := range testCases {
		if got := ChunkName(tc.chunkType); got != tc.expected {
			t.Errorf("type %d: got %q, expected %q", tc.chunkType, got, tc.expected)
		}
	}
}

func TestPayloadProtoName(t *testing.T) {
	testCases := []struct {
		ppid     uint32
		expected string
	}{
		{0, "unspecified"},
		{1, "IUA"},
		{2, "M2UA"},
		{3, "M3UA"},
		{4, "SUA"},
		{5, "M2PA"},
		{46, "ppid 0x2e"},
	}

	for _, tc := range testCases {
		if got := PayloadProtoName(tc.ppid); got != tc.expected {
			t.Errorf("ppid %d: got %q, expected %q", tc.ppid, got, tc.expected)
		}
	}
}
