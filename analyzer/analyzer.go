package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"sort"

	"github.com/op/go-logging"

	"github.com/Clouded-Sabre/sctp-analyzer/config"
	"github.com/Clouded-Sabre/sctp-analyzer/dissect"
	"github.com/Clouded-Sabre/sctp-analyzer/lib"
)

func main() {
	capPath := flag.String("f", "", "capture file to analyze (pcap or pcapng)")
	confPath := flag.String("c", "config.yaml", "configuration file")
	twoPass := flag.Bool("two-pass", false, "analyze the capture twice and verify both passes agree")
	quiet := flag.Bool("q", false, "suppress per-frame output, print the summary only")
	flag.Parse()

	if *capPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	var err error
	config.AppConfig, err = config.ReadConfig(*confPath)
	if err != nil {
		log.Fatalln("Configuration file error:", err)
	}

	level, err := logging.LogLevel(config.AppConfig.LogLevel)
	if err != nil {
		log.Fatalln("Bad log level:", err)
	}
	logging.SetLevel(level, "sctpa")
	logging.SetLevel(level, "dissect")

	coreConfig := &lib.CoreConfig{
		PayloadPoolSize:      config.AppConfig.PayloadPoolSize,
		MaxFragmentSize:      config.AppConfig.MaxFragmentSize,
		MaxRetransmitEvents:  config.AppConfig.MaxRetransmitEvents,
		MaxAckWalk:           config.AppConfig.MaxAckWalk,
		MergePolicy:          config.AppConfig.MergePolicy,
		PoolDebug:            config.AppConfig.PoolDebug,
		ProcessTimeThreshold: config.AppConfig.ProcessTimeThreshold,
	}
	core, err := lib.NewAnalyzerCore(coreConfig)
	if err != nil {
		log.Fatalln("Analyzer core error:", err)
	}
	defer core.Close()

	session := core.NewSession(filepath.Base(*capPath))
	driver := dissect.NewDriver(session)

	var first []*lib.FrameAnnotation
	if err := driver.AnalyzeFile(*capPath, func(ann *lib.FrameAnnotation) {
		if *twoPass {
			first = append(first, ann)
		}
		if !*quiet {
			printAnnotation(ann)
		}
	}); err != nil {
		log.Fatalln("Analysis error:", err)
	}

	if *twoPass {
		var second []*lib.FrameAnnotation
		if err := driver.AnalyzeFile(*capPath, func(ann *lib.FrameAnnotation) {
			second = append(second, ann)
		}); err != nil {
			log.Fatalln("Replay error:", err)
		}
		if mismatches := comparePasses(first, second); mismatches > 0 {
			fmt.Printf("%sreplay pass diverged on %d frames%s\n", lib.Red, mismatches, lib.Reset)
			printStats(driver.Stats())
			os.Exit(1)
		}
		fmt.Println("replay pass matched the first pass on every frame")
	}

	printStats(driver.Stats())
}

func printAnnotation(ann *lib.FrameAnnotation) {
	if ann.Association == 0 {
		fmt.Printf("frame %d: unresolved (checksum %s)\n", ann.Frame, ann.Checksum)
		return
	}
	if !ann.Checksum.OK() && !ann.Checksum.Zero {
		fmt.Printf("%sframe %d: checksum %s%s\n", lib.Red, ann.Frame, ann.Checksum, lib.Reset)
	}
	for i := range ann.DataNotes {
		n := &ann.DataNotes[i]
		if n.Retransmission {
			acked := ""
			if n.RetransmittedAfterAck {
				acked = ", already acked"
			}
			fmt.Printf("%sframe %d: assoc %d seq %d retransmitted %v after frame %d%s%s\n",
				lib.Red, ann.Frame, ann.Association, n.Seq, n.SinceFirst, n.OrigFrame, acked, lib.Reset)
		}
		switch n.Verdict {
		case lib.VerdictCompleted:
			m := n.Completed
			fmt.Printf("frame %d: assoc %d stream %d message %d..%d, %d bytes %s over %d frames\n",
				ann.Frame, ann.Association, n.StreamID, m.BeginSeq, m.EndSeq,
				len(m.Data), dissect.PayloadProtoName(m.PayloadType), len(m.Frames))
		case lib.VerdictRejected:
			fmt.Printf("%sframe %d: assoc %d seq %d rejected by the fragment store%s\n",
				lib.Red, ann.Frame, ann.Association, n.Seq, lib.Reset)
		}
	}
	if len(ann.AckNotes) > 0 {
		fmt.Printf("frame %d: assoc %d acked %d seqs, first rtt %v\n",
			ann.Frame, ann.Association, len(ann.AckNotes), ann.AckNotes[0].RTT)
	}
}

func comparePasses(first, second []*lib.FrameAnnotation) int {
	mismatches := 0
	if len(first) != len(second) {
		fmt.Printf("pass sizes differ: %d and %d annotated frames\n", len(first), len(second))
		if len(first) > len(second) {
			mismatches = len(first) - len(second)
			first = first[:len(second)]
		} else {
			mismatches = len(second) - len(first)
			second = second[:len(first)]
		}
	}
	for i := range first {
		if !reflect.DeepEqual(first[i], second[i]) {
			fmt.Printf("%sframe %d: passes disagree%s\n", lib.Red, first[i].Frame, lib.Reset)
			mismatches++
		}
	}
	return mismatches
}

func printStats(s dissect.Stats) {
	fmt.Println("----------------------------------------")
	fmt.Printf("frames %d, sctp %d, non-sctp %d, unresolved %d\n",
		s.Packets, s.SctpPackets, s.NonSctp, s.Unresolved)
	fmt.Printf("data units %d, retransmissions %d, completed messages %d, acked seqs %d\n",
		s.DataUnits, s.Retransmissions, s.CompletedMessages, s.AckedSeqs)
	fmt.Printf("checksum failures %d, malformed chunks %d, truncated packets %d\n",
		s.ChecksumFailures, s.MalformedChunks, s.TruncatedPackets)
	if len(s.Chunks) == 0 {
		return
	}
	types := make([]int, 0, len(s.Chunks))
	for typ := range s.Chunks {
		types = append(types, int(typ))
	}
	sort.Ints(types)
	fmt.Print("chunks:")
	for _, typ := range types {
		fmt.Printf(" %s=%d", dissect.ChunkName(uint8(typ)), s.Chunks[uint8(typ)])
	}
	fmt.Println()
}
