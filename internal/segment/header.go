package segment

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/chronicle-journal/chronicle/chronicleerr"
)

const (
	// HeaderSize is the fixed prefix every segment file starts with; the
	// data region begins immediately after it, which conveniently keeps
	// data_offset a multiple of wire.Align (64).
	HeaderSize = 64

	magic   uint32 = 0x4348524E // "CHRN"
	version uint32 = 1

	// FlagSealed marks a segment the writer will never write to again.
	FlagSealed uint32 = 1 << 0

	// headerChecksumLen is the number of leading bytes the header checksum
	// covers: every fixed field except the checksum slot itself.
	headerChecksumLen = 32
)

type fileHeader struct {
	Magic      uint32
	Version    uint32
	Flags      uint32
	SegmentID  uint64
	SegmentLen uint64
	DataOffset uint32
}

func encodeHeader(buf []byte, h fileHeader) {
	_ = buf[:HeaderSize]
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.Flags)
	binary.LittleEndian.PutUint64(buf[12:20], h.SegmentID)
	binary.LittleEndian.PutUint64(buf[20:28], h.SegmentLen)
	binary.LittleEndian.PutUint32(buf[28:32], h.DataOffset)
	binary.LittleEndian.PutUint64(buf[32:40], xxhash.Sum64(buf[0:headerChecksumLen]))
	for i := 40; i < HeaderSize; i++ {
		buf[i] = 0
	}
}

func decodeHeader(buf []byte) (fileHeader, error) {
	if len(buf) < HeaderSize {
		return fileHeader{}, chronicleerr.Corrupt("segment: header buffer too short")
	}
	h := fileHeader{
		Magic:      binary.LittleEndian.Uint32(buf[0:4]),
		Version:    binary.LittleEndian.Uint32(buf[4:8]),
		Flags:      binary.LittleEndian.Uint32(buf[8:12]),
		SegmentID:  binary.LittleEndian.Uint64(buf[12:20]),
		SegmentLen: binary.LittleEndian.Uint64(buf[20:28]),
		DataOffset: binary.LittleEndian.Uint32(buf[28:32]),
	}
	if h.Magic != magic {
		return h, chronicleerr.Corrupt("segment: bad magic")
	}
	if h.Version != version {
		return h, chronicleerr.ErrUnsupportedVersion
	}
	wantSum := binary.LittleEndian.Uint64(buf[32:40])
	if xxhash.Sum64(buf[0:headerChecksumLen]) != wantSum {
		return h, chronicleerr.Corrupt("segment: header checksum mismatch")
	}
	return h, nil
}

// loadSealed performs an acquire-style read of the flags word to check the
// SEALED bit; flags only ever gain bits (never lose them) after creation,
// so a plain load observed after opening the mapping is sufficient — the
// authoritative synchronization point is the writer's fsync before any
// reader is told the segment rolled (see Subscriber's read algorithm).
func loadSealed(buf []byte) bool {
	flags := binary.LittleEndian.Uint32(buf[8:12])
	return flags&FlagSealed != 0
}

// storeSealed sets the SEALED bit and recomputes the header checksum, since
// Flags falls within the checksummed range.
func storeSealed(buf []byte) {
	flags := binary.LittleEndian.Uint32(buf[8:12])
	binary.LittleEndian.PutUint32(buf[8:12], flags|FlagSealed)
	binary.LittleEndian.PutUint64(buf[32:40], xxhash.Sum64(buf[0:headerChecksumLen]))
}
