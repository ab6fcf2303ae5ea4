// Package segment implements the fixed-size journal segment file: its
// header, open/create/seal lifecycle, and unsealed-tail repair.
package segment

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/chronicle-journal/chronicle/chronicleerr"
	"github.com/chronicle-journal/chronicle/internal/mmapfile"
	"github.com/chronicle-journal/chronicle/internal/wire"
)

// DataOffset is where the record region begins in every segment: right
// after the fixed header, which is itself wire.Align-aligned.
const DataOffset = HeaderSize

// Filename returns the on-disk name of segment id's hot (.q) file.
func Filename(id uint64) string {
	return fmt.Sprintf("%09d.q", id)
}

// Path joins dir and the segment's filename.
func Path(dir string, id uint64) string {
	return filepath.Join(dir, Filename(id))
}

// Segment is an open, mapped journal segment file.
type Segment struct {
	ID     uint64
	Size   int64
	region *mmapfile.Region
	path   string
}

// Create makes a new, zero-filled segment file of exactly size bytes and
// maps it writable.
func Create(dir string, id uint64, size int64) (*Segment, error) {
	if size <= DataOffset {
		return nil, fmt.Errorf("segment: size %d too small for header", size)
	}
	path := Path(dir, id)
	region, err := mmapfile.Create(path, size)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			region.Close()
			os.Remove(path)
		}
	}()

	hbuf, err := region.Slice(0, HeaderSize)
	if err != nil {
		return nil, err
	}
	encodeHeader(hbuf, fileHeader{
		Magic:      magic,
		Version:    version,
		Flags:      0,
		SegmentID:  id,
		SegmentLen: uint64(size),
		DataOffset: DataOffset,
	})
	if err := region.FlushAll(); err != nil {
		return nil, err
	}

	ok = true
	return &Segment{ID: id, Size: size, region: region, path: path}, nil
}

// Open maps an existing segment file of the given expected size.
func Open(dir string, id uint64, size int64, writable bool) (*Segment, error) {
	path := Path(dir, id)
	region, err := mmapfile.Open(path, size, writable)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			region.Close()
		}
	}()

	hbuf, err := region.Slice(0, HeaderSize)
	if err != nil {
		return nil, err
	}
	h, err := decodeHeader(hbuf)
	if err != nil {
		return nil, err
	}
	if h.SegmentID != id {
		return nil, chronicleerr.Corrupt(fmt.Sprintf("segment: file %s claims id %d, expected %d", path, h.SegmentID, id))
	}
	if int64(h.SegmentLen) != size {
		return nil, chronicleerr.Corrupt(fmt.Sprintf("segment: file %s claims length %d, expected %d", path, h.SegmentLen, size))
	}

	ok = true
	return &Segment{ID: id, Size: size, region: region, path: path}, nil
}

// Exists reports whether the segment file is present on disk.
func Exists(dir string, id uint64) bool {
	_, err := os.Stat(Path(dir, id))
	return err == nil
}

// ProbeSize returns a segment file's on-disk size without mapping it, so a
// caller that does not already know the journal's segment size (e.g. a
// Subscriber opened independently of the Publisher that created the file)
// can still call Open.
func ProbeSize(dir string, id uint64) (int64, error) {
	info, err := os.Stat(Path(dir, id))
	if err != nil {
		return 0, chronicleerr.IO("stat", err)
	}
	return info.Size(), nil
}

// Data returns the record region: everything after the header.
func (s *Segment) Data() ([]byte, error) {
	return s.region.Slice(DataOffset, int(s.Size)-DataOffset)
}

// Slice returns an arbitrary bounds-checked window of the whole file,
// including the header, for low-level record access by absolute offset.
func (s *Segment) Slice(off, length int) ([]byte, error) {
	return s.region.Slice(off, length)
}

// Sealed reports whether the SEALED flag is set.
func (s *Segment) Sealed() bool {
	hbuf, err := s.region.Slice(0, HeaderSize)
	if err != nil {
		return false
	}
	return loadSealed(hbuf)
}

// Seal marks the segment SEALED and durably flushes the header. The
// writer must never write to a sealed segment again.
func (s *Segment) Seal() error {
	hbuf, err := s.region.Slice(0, HeaderSize)
	if err != nil {
		return err
	}
	storeSealed(hbuf)
	return s.region.FlushAll()
}

// FlushRange flushes a byte range of the segment asynchronously.
func (s *Segment) FlushRange(off, length int) error {
	return s.region.FlushRange(off, length)
}

// FlushAll synchronously flushes the whole segment and fsyncs the file.
func (s *Segment) FlushAll() error {
	return s.region.FlushAll()
}

// Close unmaps and closes the segment.
func (s *Segment) Close() error {
	return s.region.Close()
}

// Repair scans forward from writeOffset (an absolute file offset) for the
// first record whose publication word is zero and treats it as the end of
// the live region: it writes one padding record at that slot covering
// everything remaining in the segment (payload bytes zeroed, publication
// word set to the padding record's length), then seals the segment. Any
// published records found past writeOffset are kept.
//
// Repair is invoked by a subscriber or successor publisher that has
// concluded the previous writer died mid-append.
func (s *Segment) Repair(writeOffset int64) error {
	data, err := s.region.Slice(0, int(s.Size))
	if err != nil {
		return err
	}

	off := int(writeOffset)
	for off+wire.HeaderSize <= len(data) {
		hdr := data[off : off+wire.HeaderSize]
		pub := wire.LoadPublication(hdr)
		if pub == 0 {
			break
		}
		payloadLen, err := wire.PayloadLenFrom(pub)
		if err != nil {
			return err
		}
		off += wire.RecordSize(payloadLen)
	}

	// off now marks the true end of published data; pad the remainder.
	remaining := len(data) - off
	if remaining > 0 {
		padHeader := wire.Header{TypeTag: wire.PaddingTypeTag}
		wire.Encode(data[off:off+wire.HeaderSize], padHeader)
		for i := off + wire.HeaderSize; i < len(data); i++ {
			data[i] = 0
		}
		pub, err := wire.PublicationLenFor(remaining - wire.HeaderSize)
		if err != nil {
			return err
		}
		wire.StorePublication(data[off:off+wire.HeaderSize], pub)
	}

	return s.Seal()
}
