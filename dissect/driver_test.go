package dissect

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/op/go-logging"

	"github.com/Clouded-Sabre/sctp-analyzer/lib"
)

func TestMain(m *testing.M) {
	logging.SetLevel(logging.ERROR, "dissect")
	logging.SetLevel(logging.ERROR, "sctpa")
	os.Exit(m.Run())
}

const (
	hostA = "192.168.1.10"
	hostB = "192.168.1.20"

	tagAtoB uint32 = 0x00c0ffee
	tagBtoA uint32 = 0x00beef01
)

var (
	testCoreOnce sync.Once
	testCoreObj  *lib.AnalyzerCore
)

func newTestSession(t *testing.T) *lib.Session {
	t.Helper()
	testCoreOnce.Do(func() {
		cfg := lib.DefaultCoreConfig()
		cfg.PayloadPoolSize = 256
		cfg.MaxFragmentSize = 4096
		var err error
		testCoreObj, err = lib.NewAnalyzerCore(cfg)
		if err != nil {
			panic(err)
		}
	})
	return testCoreObj.NewSession(t.Name())
}

func ipFrame(t *testing.T, srcIP, dstIP string, proto layers.IPProtocol, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.ParseIP(srcIP),
		DstIP:    net.ParseIP(dstIP),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, gopacket.Payload(payload)); err != nil {
		t.Fatalf("serialize frame: %v", err)
	}
	return buf.Bytes()
}

func sctpFrame(t *testing.T, srcIP, dstIP string, sctp []byte) []byte {
	return ipFrame(t, srcIP, dstIP, layers.IPProtocolSCTP, sctp)
}

func writeCapture(t *testing.T, frames [][]byte, start time.Time) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.pcap")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create capture: %v", err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		t.Fatalf("write file header: %v", err)
	}
	for i, data := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     start.Add(time.Duration(i) * 100 * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		if err := w.WritePacket(ci, data); err != nil {
			t.Fatalf("write packet %d: %v", i+1, err)
		}
	}
	return path
}

// a two-fragment message, its ack, a retransmission after the ack, and one
// frame of unrelated traffic
func scenarioFrames(t *testing.T) [][]byte {
	t.Helper()
	partA := bytes.Repeat([]byte{0x11}, 40)
	partB := bytes.Repeat([]byte{0x22}, 24)
	return [][]byte{
		sctpFrame(t, hostA, hostB, BuildPacket(36672, 2905, 0, BuildInitChunk(ChunkInit, tagBtoA, 99))),
		sctpFrame(t, hostB, hostA, BuildPacket(2905, 36672, tagBtoA, BuildInitChunk(ChunkInitAck, tagAtoB, 499))),
		sctpFrame(t, hostA, hostB, BuildPacket(36672, 2905, tagAtoB, BuildDataChunk(100, 1, 7, 3, DataFlagBegin, partA))),
		sctpFrame(t, hostA, hostB, BuildPacket(36672, 2905, tagAtoB, BuildDataChunk(101, 1, 7, 3, DataFlagEnd, partB))),
		sctpFrame(t, hostB, hostA, BuildPacket(2905, 36672, tagBtoA, BuildSackChunk(101, 65536, nil, nil))),
		sctpFrame(t, hostA, hostB, BuildPacket(36672, 2905, tagAtoB, BuildDataChunk(100, 1, 7, 3, DataFlagBegin, partA))),
		ipFrame(t, hostA, hostB, layers.IPProtocolUDP, []byte{1, 2, 3, 4, 5, 6, 7, 8}),
	}
}

func TestDriverEndToEnd(t *testing.T) {
	start := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	path := writeCapture(t, scenarioFrames(t), start)
	d := NewDriver(newTestSession(t))

	var anns []*lib.FrameAnnotation
	if err := d.AnalyzeFile(path, func(a *lib.FrameAnnotation) { anns = append(anns, a) }); err != nil {
		t.Fatalf("AnalyzeFile: %v", err)
	}

	if len(anns) != 6 {
		t.Fatalf("got %d annotations, expected 6 sctp frames", len(anns))
	}
	for i, ann := range anns {
		if ann.Frame != uint32(i+1) {
			t.Errorf("annotation %d: got frame %d", i, ann.Frame)
		}
		if ann.Association == 0 {
			t.Errorf("frame %d unresolved", ann.Frame)
		}
		if !ann.Checksum.OK() || ann.Checksum.Matched != "crc32c" {
			t.Errorf("frame %d: checksum %s", ann.Frame, ann.Checksum)
		}
	}

	if n := anns[2].DataNotes[0]; n.Verdict != lib.VerdictPending {
		t.Errorf("first fragment: got verdict %s", n.Verdict)
	}

	n := anns[3].DataNotes[0]
	if n.Verdict != lib.VerdictCompleted || n.Completed == nil {
		t.Fatalf("second fragment: got verdict %s", n.Verdict)
	}
	msg := n.Completed
	if msg.BeginSeq != 100 || msg.EndSeq != 101 || msg.Frame != 4 {
		t.Errorf("message span: got %d..%d completed at frame %d", msg.BeginSeq, msg.EndSeq, msg.Frame)
	}
	if !reflect.DeepEqual(msg.Frames, []uint32{3, 4}) {
		t.Errorf("message frames: got %v", msg.Frames)
	}
	want := append(bytes.Repeat([]byte{0x11}, 40), bytes.Repeat([]byte{0x22}, 24)...)
	if !bytes.Equal(msg.Data, want) {
		t.Errorf("message data: got %d bytes", len(msg.Data))
	}
	if msg.PayloadType != 3 {
		t.Errorf("message ppid: got %d", msg.PayloadType)
	}

	acks := anns[4].AckNotes
	if len(acks) != 2 {
		t.Fatalf("sack frame: got %d ack notes, expected 2", len(acks))
	}
	if acks[0].Seq != 100 || acks[0].OrigFrame != 3 || acks[0].RTT != 200*time.Millisecond {
		t.Errorf("ack note 0: got %+v", acks[0])
	}
	if acks[1].Seq != 101 || acks[1].OrigFrame != 4 || acks[1].RTT != 100*time.Millisecond {
		t.Errorf("ack note 1: got %+v", acks[1])
	}

	retx := anns[5].DataNotes[0]
	if !retx.Retransmission || retx.OrigFrame != 3 {
		t.Errorf("retransmission: got %+v", retx)
	}
	if !retx.RetransmittedAfterAck {
		t.Error("retransmission after the ack not flagged")
	}
	if retx.SinceFirst != 300*time.Millisecond {
		t.Errorf("since first: got %v", retx.SinceFirst)
	}
	if retx.Verdict != lib.VerdictDuplicate {
		t.Errorf("retransmission verdict: got %s", retx.Verdict)
	}

	stats := d.Stats()
	if stats.Packets != 7 || stats.SctpPackets != 6 || stats.NonSctp != 1 {
		t.Errorf("packet counts: got %+v", stats)
	}
	if stats.DataUnits != 3 || stats.Retransmissions != 1 || stats.CompletedMessages != 1 || stats.AckedSeqs != 2 {
		t.Errorf("analysis counts: got %+v", stats)
	}
	if stats.Chunks[ChunkData] != 3 || stats.Chunks[ChunkInit] != 1 || stats.Chunks[ChunkInitAck] != 1 || stats.Chunks[ChunkSack] != 1 {
		t.Errorf("chunk counts: got %v", stats.Chunks)
	}
	if stats.Unresolved != 0 || stats.ChecksumFailures != 0 || stats.MalformedChunks != 0 || stats.TruncatedPackets != 0 {
		t.Errorf("error counts: got %+v", stats)
	}
}

func TestDriverReplayPassIdentical(t *testing.T) {
	start := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	path := writeCapture(t, scenarioFrames(t), start)
	d := NewDriver(newTestSession(t))

	var first []*lib.FrameAnnotation
	if err := d.AnalyzeFile(path, func(a *lib.FrameAnnotation) { first = append(first, a) }); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	firstStats := d.Stats()

	var second []*lib.FrameAnnotation
	if err := d.AnalyzeFile(path, func(a *lib.FrameAnnotation) { second = append(second, a) }); err != nil {
		t.Fatalf("second pass: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("pass sizes differ: %d and %d", len(first), len(second))
	}
	for i := range first {
		if !reflect.DeepEqual(first[i], second[i]) {
			t.Errorf("frame %d: first pass %+v, second pass %+v", first[i].Frame, first[i], second[i])
		}
	}
	if !reflect.DeepEqual(firstStats, d.Stats()) {
		t.Errorf("stats differ between passes: %+v and %+v", firstStats, d.Stats())
	}
}

func TestDriverPcapNg(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.pcapng")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create capture: %v", err)
	}
	w, err := pcapgo.NewNgWriter(f, layers.LinkTypeEthernet)
	if err != nil {
		t.Fatalf("NewNgWriter: %v", err)
	}

	frames := [][]byte{
		sctpFrame(t, hostA, hostB, BuildPacket(36672, 2905, 0, BuildInitChunk(ChunkInit, tagBtoA, 99))),
		sctpFrame(t, hostB, hostA, BuildPacket(2905, 36672, tagBtoA, BuildInitChunk(ChunkInitAck, tagAtoB, 499))),
		sctpFrame(t, hostA, hostB, BuildPacket(36672, 2905, tagAtoB, BuildDataChunk(100, 1, 0, 3, DataFlagBegin|DataFlagEnd, []byte("hello")))),
		sctpFrame(t, hostB, hostA, BuildPacket(2905, 36672, tagBtoA, BuildSackChunk(100, 65536, nil, nil))),
	}
	start := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	for i, data := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     start.Add(time.Duration(i) * 100 * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		if err := w.WritePacket(ci, data); err != nil {
			t.Fatalf("write packet %d: %v", i+1, err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	d := NewDriver(newTestSession(t))
	var anns []*lib.FrameAnnotation
	if err := d.AnalyzeFile(path, func(a *lib.FrameAnnotation) { anns = append(anns, a) }); err != nil {
		t.Fatalf("AnalyzeFile: %v", err)
	}

	if len(anns) != 4 {
		t.Fatalf("got %d annotations, expected 4", len(anns))
	}
	if n := anns[2].DataNotes[0]; n.Verdict != lib.VerdictUnfragmented {
		t.Errorf("data verdict: got %s", n.Verdict)
	}
	if len(anns[3].AckNotes) != 1 || anns[3].AckNotes[0].Seq != 100 {
		t.Errorf("ack notes: got %+v", anns[3].AckNotes)
	}
	if stats := d.Stats(); stats.SctpPackets != 4 {
		t.Errorf("got %d sctp packets", stats.SctpPackets)
	}
}

func TestDriverChecksumFailure(t *testing.T) {
	data := BuildPacket(36672, 2905, tagAtoB, BuildDataChunk(100, 1, 0, 3, DataFlagBegin|DataFlagEnd, []byte("hello")))
	data[len(data)-1] ^= 0xff

	frames := [][]byte{
		sctpFrame(t, hostA, hostB, BuildPacket(36672, 2905, 0, BuildInitChunk(ChunkInit, tagBtoA, 99))),
		sctpFrame(t, hostB, hostA, BuildPacket(2905, 36672, tagBtoA, BuildInitChunk(ChunkInitAck, tagAtoB, 499))),
		sctpFrame(t, hostA, hostB, data),
	}
	start := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	path := writeCapture(t, frames, start)

	d := NewDriver(newTestSession(t))
	var anns []*lib.FrameAnnotation
	if err := d.AnalyzeFile(path, func(a *lib.FrameAnnotation) { anns = append(anns, a) }); err != nil {
		t.Fatalf("AnalyzeFile: %v", err)
	}

	if len(anns) != 3 {
		t.Fatalf("got %d annotations, expected the damaged frame to be analyzed anyway", len(anns))
	}
	bad := anns[2]
	if bad.Checksum.OK() || bad.Checksum.Zero {
		t.Errorf("damaged frame checksum: got %s", bad.Checksum)
	}
	if len(bad.DataNotes) != 1 || bad.DataNotes[0].Verdict != lib.VerdictUnfragmented {
		t.Errorf("damaged frame notes: got %+v", bad.DataNotes)
	}
	if stats := d.Stats(); stats.ChecksumFailures != 1 {
		t.Errorf("got %d checksum failures", stats.ChecksumFailures)
	}
}

func TestDriverZeroChecksum(t *testing.T) {
	data := BuildPacket(36672, 2905, 0, BuildInitChunk(ChunkInit, tagBtoA, 99))
	data[8], data[9], data[10], data[11] = 0, 0, 0, 0

	start := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	path := writeCapture(t, [][]byte{sctpFrame(t, hostA, hostB, data)}, start)

	d := NewDriver(newTestSession(t))
	var anns []*lib.FrameAnnotation
	if err := d.AnalyzeFile(path, func(a *lib.FrameAnnotation) { anns = append(anns, a) }); err != nil {
		t.Fatalf("AnalyzeFile: %v", err)
	}

	if len(anns) != 1 || !anns[0].Checksum.Zero {
		t.Fatalf("got %+v, expected a zero checksum note", anns)
	}
	if stats := d.Stats(); stats.ChecksumFailures != 0 {
		t.Error("zero checksum counted as a failure")
	}
}
