package dissect

import (
	"encoding/binary"
	"hash/adler32"
	"hash/crc32"

	"github.com/Clouded-Sabre/sctp-analyzer/lib"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the CRC-32c of an SCTP packet with the checksum field
// zeroed, restoring the original bytes before returning. The value goes on
// the wire in little-endian byte order (RFC 3309).
func Checksum(data []byte) uint32 {
	var saved [4]byte
	copy(saved[:], data[8:12])
	data[8], data[9], data[10], data[11] = 0, 0, 0, 0
	sum := crc32.Checksum(data, castagnoli)
	copy(data[8:12], saved[:])
	return sum
}

// adlerChecksum is the pre-RFC 3309 checksum, stored big-endian. Old stacks
// and old captures still carry it.
func adlerChecksum(data []byte) uint32 {
	var saved [4]byte
	copy(saved[:], data[8:12])
	data[8], data[9], data[10], data[11] = 0, 0, 0, 0
	sum := adler32.Checksum(data)
	copy(data[8:12], saved[:])
	return sum
}

// VerifyChecksum checks the stored checksum against CRC-32c first and
// Adler-32 second. A zero field means the sender never filled it in, which
// offloading capture points produce routinely, so it is reported as such
// rather than as a failure.
func VerifyChecksum(data []byte) *lib.ChecksumNote {
	stored := data[8:12]
	if stored[0] == 0 && stored[1] == 0 && stored[2] == 0 && stored[3] == 0 {
		return &lib.ChecksumNote{Zero: true}
	}
	note := &lib.ChecksumNote{Checked: []string{"crc32c"}}
	if binary.LittleEndian.Uint32(stored) == Checksum(data) {
		note.Matched = "crc32c"
		return note
	}
	note.Checked = append(note.Checked, "adler32")
	if binary.BigEndian.Uint32(stored) == adlerChecksum(data) {
		note.Matched = "adler32"
	}
	return note
}
