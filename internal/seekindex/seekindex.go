// Package seekindex implements the per-segment sparse seek index: a
// stride-based sidecar mapping seq/timestamp to byte offset, used to
// accelerate seek-by-seq and seek-by-timestamp without a full scan.
package seekindex

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/chronicle-journal/chronicle/chronicleerr"
)

const (
	headerLen uint16 = 80
	entryLen         = 24

	version uint16 = 1

	// FlagPartial marks an index built from a segment that was not fully
	// scanned when the index was written (active segment, crash repair).
	FlagPartial uint32 = 1 << 0

	// DefaultStride is the default number of records between index entries.
	DefaultStride = 4096
)

var magic = [8]byte{'C', 'H', 'R', 'I', 'D', 'X', '1', 0}

// Entry is one sampled {seq, ts, offset} triple.
type Entry struct {
	Seq       uint64
	Timestamp uint64
	Offset    uint64
}

// Header describes a seek index file.
type Header struct {
	Flags      uint32
	SegmentID  uint64
	SegmentLen uint64
	DataOffset uint32
	Stride     uint32
	MinSeq     uint64
	MaxSeq     uint64
	MinTS      uint64
	MaxTS      uint64
	EntryCount uint64
}

func (h Header) Partial() bool { return h.Flags&FlagPartial != 0 }

// Filename returns the sidecar file name for segment id.
func Filename(id uint64) string {
	return fmt.Sprintf("%09d.idx", id)
}

// Path joins dir and the index's filename.
func Path(dir string, id uint64) string {
	return filepath.Join(dir, Filename(id))
}

// Builder accumulates sampled entries while a publisher appends records to
// a segment, and flushes the whole sidecar atomically.
type Builder struct {
	segmentID  uint64
	segmentLen uint64
	dataOffset uint32
	stride     uint32

	recordIndex uint64
	nextEntryAt uint64

	haveMin bool
	minSeq  uint64
	maxSeq  uint64
	minTS   uint64
	maxTS   uint64

	entries []Entry
	partial bool
}

// NewBuilder creates a Builder for the given segment, sampling one record
// every stride records (stride < 1 is treated as 1).
func NewBuilder(segmentID uint64, segmentLen uint64, dataOffset uint32, stride uint32) *Builder {
	if stride < 1 {
		stride = 1
	}
	return &Builder{
		segmentID:  segmentID,
		segmentLen: segmentLen,
		dataOffset: dataOffset,
		stride:     stride,
	}
}

// MarkPartial flags the index as built from an incomplete scan.
func (b *Builder) MarkPartial() { b.partial = true }

// Observe records one published record; every stride-th call adds a
// sampled entry.
func (b *Builder) Observe(seq, ts, offset uint64) {
	if !b.haveMin {
		b.haveMin = true
		b.minSeq, b.maxSeq = seq, seq
		b.minTS, b.maxTS = ts, ts
	} else {
		if seq < b.minSeq {
			b.minSeq = seq
		}
		if seq > b.maxSeq {
			b.maxSeq = seq
		}
		if ts < b.minTS {
			b.minTS = ts
		}
		if ts > b.maxTS {
			b.maxTS = ts
		}
	}

	if b.recordIndex == b.nextEntryAt {
		b.entries = append(b.entries, Entry{Seq: seq, Timestamp: ts, Offset: offset})
		b.nextEntryAt += uint64(b.stride)
	}
	b.recordIndex++
}

// Flush writes the whole sidecar to dir via temp-file-then-rename. A
// Builder with no observed entries writes nothing (there is nothing useful
// to seek into yet).
func (b *Builder) Flush(dir string) error {
	if len(b.entries) == 0 {
		return nil
	}

	h := Header{
		SegmentID:  b.segmentID,
		SegmentLen: b.segmentLen,
		DataOffset: b.dataOffset,
		Stride:     b.stride,
		MinSeq:     b.minSeq,
		MaxSeq:     b.maxSeq,
		MinTS:      b.minTS,
		MaxTS:      b.maxTS,
		EntryCount: uint64(len(b.entries)),
	}
	if b.partial {
		h.Flags |= FlagPartial
	}

	final := Path(dir, b.segmentID)
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return chronicleerr.IO("create", err)
	}
	ok := false
	defer func() {
		if !ok {
			f.Close()
			os.Remove(tmp)
		}
	}()

	hbuf := make([]byte, headerLen)
	encodeHeader(hbuf, h)
	if _, err := f.Write(hbuf); err != nil {
		return chronicleerr.IO("write", err)
	}
	var ebuf [entryLen]byte
	for _, e := range b.entries {
		binary.LittleEndian.PutUint64(ebuf[0:8], e.Seq)
		binary.LittleEndian.PutUint64(ebuf[8:16], e.Timestamp)
		binary.LittleEndian.PutUint64(ebuf[16:24], e.Offset)
		if _, err := f.Write(ebuf[:]); err != nil {
			return chronicleerr.IO("write", err)
		}
	}
	if err := f.Sync(); err != nil {
		return chronicleerr.IO("fsync", err)
	}
	if err := f.Close(); err != nil {
		return chronicleerr.IO("close", err)
	}
	ok = true
	if err := os.Rename(tmp, final); err != nil {
		return chronicleerr.IO("rename", err)
	}
	return nil
}

// Load reads a sidecar's header and entries in full.
func Load(dir string, segmentID uint64) (Header, []Entry, error) {
	path := Path(dir, segmentID)
	data, err := os.ReadFile(path)
	if err != nil {
		return Header{}, nil, chronicleerr.IO("read", err)
	}
	if len(data) < int(headerLen) {
		return Header{}, nil, chronicleerr.Corrupt("seekindex: header truncated")
	}
	h, err := decodeHeader(data[:headerLen])
	if err != nil {
		return Header{}, nil, err
	}
	rest := data[headerLen:]
	count := int(h.EntryCount)
	if len(rest) < count*entryLen {
		return Header{}, nil, chronicleerr.Corrupt("seekindex: entries truncated")
	}
	entries := make([]Entry, count)
	for i := 0; i < count; i++ {
		e := rest[i*entryLen : (i+1)*entryLen]
		entries[i] = Entry{
			Seq:       binary.LittleEndian.Uint64(e[0:8]),
			Timestamp: binary.LittleEndian.Uint64(e[8:16]),
			Offset:    binary.LittleEndian.Uint64(e[16:24]),
		}
	}
	return h, entries, nil
}

// Exists reports whether a sidecar exists for segmentID in dir.
func Exists(dir string, segmentID uint64) bool {
	_, err := os.Stat(Path(dir, segmentID))
	return err == nil
}

func encodeHeader(buf []byte, h Header) {
	copy(buf[0:8], magic[:])
	binary.LittleEndian.PutUint16(buf[8:10], version)
	binary.LittleEndian.PutUint16(buf[10:12], headerLen)
	binary.LittleEndian.PutUint32(buf[12:16], h.Flags)
	binary.LittleEndian.PutUint64(buf[16:24], h.SegmentID)
	binary.LittleEndian.PutUint64(buf[24:32], h.SegmentLen)
	binary.LittleEndian.PutUint32(buf[32:36], h.DataOffset)
	binary.LittleEndian.PutUint32(buf[36:40], h.Stride)
	binary.LittleEndian.PutUint64(buf[40:48], h.MinSeq)
	binary.LittleEndian.PutUint64(buf[48:56], h.MaxSeq)
	binary.LittleEndian.PutUint64(buf[56:64], h.MinTS)
	binary.LittleEndian.PutUint64(buf[64:72], h.MaxTS)
	binary.LittleEndian.PutUint64(buf[72:80], h.EntryCount)
}

func decodeHeader(buf []byte) (Header, error) {
	var gotMagic [8]byte
	copy(gotMagic[:], buf[0:8])
	if gotMagic != magic {
		return Header{}, chronicleerr.Corrupt("seekindex: bad magic")
	}
	v := binary.LittleEndian.Uint16(buf[8:10])
	if v != version {
		return Header{}, chronicleerr.ErrUnsupportedVersion
	}
	hl := binary.LittleEndian.Uint16(buf[10:12])
	if hl != headerLen {
		return Header{}, chronicleerr.Corrupt("seekindex: header length mismatch")
	}
	return Header{
		Flags:      binary.LittleEndian.Uint32(buf[12:16]),
		SegmentID:  binary.LittleEndian.Uint64(buf[16:24]),
		SegmentLen: binary.LittleEndian.Uint64(buf[24:32]),
		DataOffset: binary.LittleEndian.Uint32(buf[32:36]),
		Stride:     binary.LittleEndian.Uint32(buf[36:40]),
		MinSeq:     binary.LittleEndian.Uint64(buf[40:48]),
		MaxSeq:     binary.LittleEndian.Uint64(buf[48:56]),
		MinTS:      binary.LittleEndian.Uint64(buf[56:64]),
		MaxTS:      binary.LittleEndian.Uint64(buf[64:72]),
		EntryCount: binary.LittleEndian.Uint64(buf[72:80]),
	}, nil
}

// SeekSeq returns the byte offset to start scanning from to find target,
// per entries sorted ascending by Seq: the greatest entry whose Seq <=
// target, or dataOffset if none qualifies (target is before every sample).
func SeekSeq(h Header, entries []Entry, target uint64) (offset uint64, inRange bool) {
	if target < h.MinSeq || target > h.MaxSeq {
		return uint64(h.DataOffset), false
	}
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Seq > target })
	if i == 0 {
		return uint64(h.DataOffset), true
	}
	return entries[i-1].Offset, true
}

// Tristate is the result of SeekTimestamp.
type Tristate int

const (
	// Found means an entry search can proceed: target is within range.
	Found Tristate = iota
	// Before means target precedes every record in the segment.
	Before
	// After means target follows every record in the segment.
	After
)

// SeekTimestamp returns the byte offset to start scanning from to find the
// first record with Timestamp >= target.
func SeekTimestamp(h Header, entries []Entry, target uint64) (offset uint64, state Tristate) {
	if target < h.MinTS {
		return uint64(h.DataOffset), Before
	}
	if target > h.MaxTS {
		return uint64(h.DataOffset), After
	}
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Timestamp > target })
	if i == 0 {
		return uint64(h.DataOffset), Found
	}
	return entries[i-1].Offset, Found
}
