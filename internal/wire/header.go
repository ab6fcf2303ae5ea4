// Package wire implements the 64-byte, 64-byte-aligned record header:
// encode/decode, the publication-word protocol that doubles as the
// visibility flag and the payload length, and payload CRC32.
package wire

import (
	"encoding/binary"
	"hash/crc32"
	"sync/atomic"
	"unsafe"

	"github.com/chronicle-journal/chronicle/chronicleerr"
)

// HeaderSize is the fixed, 64-byte-aligned size of every record header.
const HeaderSize = 64

// Align is the alignment every record (header+payload+padding) is rounded
// up to within a segment.
const Align = 64

// MaxPayloadLen is the largest payload length the publication-word
// encoding (payload_len+1 in a uint32) can represent.
const MaxPayloadLen = 0xFFFFFFFE

// PaddingTypeTag marks a record as alignment/rollover padding; subscribers
// skip it without surfacing it as a Message.
const PaddingTypeTag uint16 = 0xFFFF

// Header is the decoded, in-memory form of a record header. The
// publication word itself is not a field here: it is handled separately
// via LoadPublication/StorePublication because it alone requires atomic
// access semantics.
type Header struct {
	Seq         uint64
	TimestampNS uint64
	TypeTag     uint16
	Flags       uint16
	PayloadCRC  uint32
}

// Encode writes h into buf[:HeaderSize] with the publication word left
// zeroed (unpublished). buf must be at least HeaderSize bytes.
func Encode(buf []byte, h Header) {
	_ = buf[:HeaderSize] // bounds check hint
	binary.LittleEndian.PutUint32(buf[0:4], 0)
	binary.LittleEndian.PutUint64(buf[4:12], h.Seq)
	binary.LittleEndian.PutUint64(buf[12:20], h.TimestampNS)
	binary.LittleEndian.PutUint16(buf[20:22], h.TypeTag)
	binary.LittleEndian.PutUint16(buf[22:24], h.Flags)
	binary.LittleEndian.PutUint32(buf[24:28], h.PayloadCRC)
	for i := 28; i < HeaderSize; i++ {
		buf[i] = 0
	}
}

// Decode reads a Header from buf[:HeaderSize]. It does not interpret the
// publication word; callers load that separately and atomically.
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, chronicleerr.Corrupt("wire: header buffer too short")
	}
	return Header{
		Seq:         binary.LittleEndian.Uint64(buf[4:12]),
		TimestampNS: binary.LittleEndian.Uint64(buf[12:20]),
		TypeTag:     binary.LittleEndian.Uint16(buf[20:22]),
		Flags:       binary.LittleEndian.Uint16(buf[22:24]),
		PayloadCRC:  binary.LittleEndian.Uint32(buf[24:28]),
	}, nil
}

// PublicationLenFor returns the publication-word value that both marks a
// record as visible and encodes its payload length.
func PublicationLenFor(payloadLen int) (uint32, error) {
	if payloadLen < 0 || uint64(payloadLen) > MaxPayloadLen {
		return 0, chronicleerr.ErrPayloadTooLarge
	}
	return uint32(payloadLen) + 1, nil
}

// PayloadLenFrom decodes a publication word into a payload length. It fails
// Corrupt if pubWord is zero (unpublished).
func PayloadLenFrom(pubWord uint32) (int, error) {
	if pubWord == 0 {
		return 0, chronicleerr.Corrupt("wire: record not published")
	}
	return int(pubWord - 1), nil
}

// LoadPublication performs an Acquire-ordered load of the publication word
// at the start of buf.
func LoadPublication(buf []byte) uint32 {
	_ = buf[:4]
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&buf[0])))
}

// StorePublication performs a Release-ordered store of the publication
// word at the start of buf.
func StorePublication(buf []byte, v uint32) {
	_ = buf[:4]
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&buf[0])), v)
}

// CRC32 computes the IEEE CRC32 of payload, as stored in a header's
// PayloadCRC field.
func CRC32(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

// ValidateCRC returns a Corrupt error if the header's stored CRC does not
// match the actual payload.
func (h Header) ValidateCRC(payload []byte) error {
	if CRC32(payload) != h.PayloadCRC {
		return chronicleerr.Corrupt("wire: payload crc32 mismatch")
	}
	return nil
}

// AlignUp rounds n up to the next multiple of Align.
func AlignUp(n int) int {
	if n%Align == 0 {
		return n
	}
	return n + (Align - n%Align)
}

// RecordSize returns the on-disk size (header + payload, padded to Align)
// of a record carrying payloadLen bytes of payload.
func RecordSize(payloadLen int) int {
	return AlignUp(HeaderSize + payloadLen)
}
