/*
makepcap writes a small synthetic SCTP capture for exercising the analyzer:
an association handshake, heartbeats, a three-fragment M3UA message and its
acknowledgments, a retransmission after the ack, an unfragmented message and
a shutdown handshake, with one frame of unrelated UDP traffic mixed in.

Usage:

	./makepcap [-o sctp-demo.pcap]

Then:

	./analyzer -f sctp-demo.pcap -two-pass
*/
package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/Clouded-Sabre/sctp-analyzer/dissect"
)

var outPath string

const (
	hostA = "10.1.0.1"
	hostB = "10.1.0.2"

	portA uint16 = 36672
	portB uint16 = 2905

	tagAtoB uint32 = 0x5a01beef
	tagBtoA uint32 = 0x5a02cafe
)

func init() {
	flag.StringVar(&outPath, "o", "sctp-demo.pcap", "output capture path")
	flag.Parse()
}

type frame struct {
	fromA bool
	proto layers.IPProtocol
	data  []byte
}

func sctpFromA(data []byte) frame { return frame{fromA: true, proto: layers.IPProtocolSCTP, data: data} }
func sctpFromB(data []byte) frame { return frame{fromA: false, proto: layers.IPProtocolSCTP, data: data} }

func main() {
	f, err := os.Create(outPath)
	if err != nil {
		log.Fatalln("Create output error:", err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		log.Fatalln("Write file header error:", err)
	}

	// heartbeat info parameter: type 1, length 8, four bytes of state
	heartbeat := []byte{dissect.ChunkHeartbeat, 0, 0, 12, 0, 1, 0, 8, 0xde, 0xad, 0xbe, 0xef}
	heartbeatAck := []byte{dissect.ChunkHeartbeatAck, 0, 0, 12, 0, 1, 0, 8, 0xde, 0xad, 0xbe, 0xef}
	shutdownAck := []byte{dissect.ChunkShutdownAck, 0, 0, 4}
	shutdownComplete := []byte{dissect.ChunkShutdownComplete, 0, 0, 4}

	part1 := bytes.Repeat([]byte{0xa1}, 50)
	part2 := bytes.Repeat([]byte{0xa2}, 50)
	part3 := bytes.Repeat([]byte{0xa3}, 50)
	small := bytes.Repeat([]byte{0xb1}, 30)

	frames := []frame{
		sctpFromA(dissect.BuildPacket(portA, portB, 0, dissect.BuildInitChunk(dissect.ChunkInit, tagBtoA, 100))),
		sctpFromB(dissect.BuildPacket(portB, portA, tagBtoA, dissect.BuildInitChunk(dissect.ChunkInitAck, tagAtoB, 500))),
		sctpFromB(dissect.BuildPacket(portB, portA, tagBtoA, heartbeat)),
		sctpFromA(dissect.BuildPacket(portA, portB, tagAtoB, heartbeatAck)),
		sctpFromA(dissect.BuildPacket(portA, portB, tagAtoB, dissect.BuildDataChunk(100, 1, 0, 3, dissect.DataFlagBegin, part1))),
		sctpFromA(dissect.BuildPacket(portA, portB, tagAtoB, dissect.BuildDataChunk(101, 1, 0, 3, 0, part2))),
		sctpFromB(dissect.BuildPacket(portB, portA, tagBtoA, dissect.BuildSackChunk(101, 65536, nil, nil))),
		sctpFromA(dissect.BuildPacket(portA, portB, tagAtoB, dissect.BuildDataChunk(102, 1, 0, 3, dissect.DataFlagEnd, part3))),
		sctpFromB(dissect.BuildPacket(portB, portA, tagBtoA, dissect.BuildSackChunk(102, 65536, nil, nil))),
		// retransmission of an already acked fragment
		sctpFromA(dissect.BuildPacket(portA, portB, tagAtoB, dissect.BuildDataChunk(101, 1, 0, 3, 0, part2))),
		sctpFromB(dissect.BuildPacket(portB, portA, tagBtoA, dissect.BuildSackChunk(102, 65536, nil, []uint32{101}))),
		sctpFromA(dissect.BuildPacket(portA, portB, tagAtoB, dissect.BuildDataChunk(103, 1, 1, 3, dissect.DataFlagBegin|dissect.DataFlagEnd, small))),
		sctpFromB(dissect.BuildPacket(portB, portA, tagBtoA, dissect.BuildShutdownChunk(103))),
		sctpFromA(dissect.BuildPacket(portA, portB, tagAtoB, shutdownAck)),
		sctpFromB(dissect.BuildPacket(portB, portA, tagBtoA, shutdownComplete)),
		{fromA: true, proto: layers.IPProtocolUDP, data: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
	}

	start := time.Date(2024, time.June, 10, 9, 30, 0, 0, time.UTC)
	for i, fr := range frames {
		srcIP, dstIP := hostA, hostB
		if !fr.fromA {
			srcIP, dstIP = hostB, hostA
		}
		data, err := ethernetFrame(srcIP, dstIP, fr.proto, fr.data)
		if err != nil {
			log.Fatalln("Serialize error:", err)
		}
		ci := gopacket.CaptureInfo{
			Timestamp:     start.Add(time.Duration(i) * 50 * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		if err := w.WritePacket(ci, data); err != nil {
			log.Fatalln("Write packet error:", err)
		}
	}

	fmt.Printf("wrote %d frames to %s\n", len(frames), outPath)
}

func ethernetFrame(srcIP, dstIP string, proto layers.IPProtocol, payload []byte) ([]byte, error) {
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
		return nil, err
	}
	return buf.Bytes(), nil
}
