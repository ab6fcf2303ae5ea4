package tiering

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/chronicle-journal/chronicle/internal/segment"
	"github.com/chronicle-journal/chronicle/internal/wire"
)

const testSegmentSize = 512

type writtenRecord struct {
	header  wire.Header
	payload []byte
}

// writeRecords lays out recs back to back in seg's data region and seals it.
func writeRecords(t *testing.T, seg *segment.Segment, recs []writtenRecord) {
	t.Helper()
	data, err := seg.Data()
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	off := 0
	for _, rec := range recs {
		h := rec.header
		h.PayloadCRC = wire.CRC32(rec.payload)
		wire.Encode(data[off:off+wire.HeaderSize], h)
		copy(data[off+wire.HeaderSize:], rec.payload)
		pub, err := wire.PublicationLenFor(len(rec.payload))
		if err != nil {
			t.Fatalf("PublicationLenFor: %v", err)
		}
		wire.StorePublication(data[off:off+wire.HeaderSize], pub)
		off += wire.RecordSize(len(rec.payload))
	}
	if err := seg.Seal(); err != nil {
		t.Fatalf("Seal: %v", err)
	}
}

func sampleRecords() []writtenRecord {
	return []writtenRecord{
		{header: wire.Header{Seq: 1, TimestampNS: 100, TypeTag: 1}, payload: []byte("alpha")},
		{header: wire.Header{Seq: 2, TimestampNS: 200, TypeTag: 2}, payload: []byte("beta")},
	}
}

func assertRecordsMatch(t *testing.T, headers []wire.Header, payloads [][]byte, want []writtenRecord) {
	t.Helper()
	if len(headers) != len(want) || len(payloads) != len(want) {
		t.Fatalf("got %d records, want %d", len(headers), len(want))
	}
	for i, rec := range want {
		if headers[i].Seq != rec.header.Seq || headers[i].TypeTag != rec.header.TypeTag {
			t.Fatalf("record %d: got header %+v, want %+v", i, headers[i], rec.header)
		}
		if string(payloads[i]) != string(rec.payload) {
			t.Fatalf("record %d: got payload %q, want %q", i, payloads[i], rec.payload)
		}
	}
}

func TestCompressSegmentIndexRoundTrip(t *testing.T) {
	dir := t.TempDir()
	seg, err := segment.Create(dir, 0, testSegmentSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	recs := sampleRecords()
	writeRecords(t, seg, recs)

	original, err := os.ReadFile(segment.Path(dir, 0))
	if err != nil {
		t.Fatalf("read original: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	const blockSize = 128
	if err := CompressSegment(dir, 0, blockSize); err != nil {
		t.Fatalf("CompressSegment: %v", err)
	}

	if segment.Exists(dir, 0) {
		t.Fatal("CompressSegment should remove the original .q file")
	}

	idx, err := LoadIndex(indexPath(dir, 0))
	if err != nil {
		t.Fatalf("LoadIndex: %v", err)
	}
	if idx.BlockSize != blockSize {
		t.Fatalf("got block size %d, want %d", idx.BlockSize, blockSize)
	}
	wantFrames := (testSegmentSize + blockSize - 1) / blockSize
	if len(idx.Frames) != wantFrames {
		t.Fatalf("got %d frames, want %d", len(idx.Frames), wantFrames)
	}

	compressed, err := os.ReadFile(compressedPath(dir, 0))
	if err != nil {
		t.Fatalf("read compressed: %v", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatalf("new zstd reader: %v", err)
	}
	defer dec.Close()
	for i, fr := range idx.Frames {
		block := compressed[fr.CompressedOffset : fr.CompressedOffset+uint64(fr.CompressedSize)]
		decoded, err := dec.DecodeAll(block, nil)
		if err != nil {
			t.Fatalf("frame %d: decode: %v", i, err)
		}
		want := original[fr.UncompressedOffset : fr.UncompressedOffset+uint64(fr.UncompressedSize)]
		if string(decoded) != string(want) {
			t.Fatalf("frame %d: decompressed bytes do not match original", i)
		}
	}
}

func TestUnifiedSegmentReaderPlainAndCompressedAgree(t *testing.T) {
	dir := t.TempDir()
	seg, err := segment.Create(dir, 0, testSegmentSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	recs := sampleRecords()
	writeRecords(t, seg, recs)
	if err := seg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	plainReader, err := OpenUnifiedSegmentReader(dir, 0, "")
	if err != nil {
		t.Fatalf("OpenUnifiedSegmentReader (plain): %v", err)
	}
	defer plainReader.Close()
	headers, payloads, err := plainReader.Records(segment.DataOffset)
	if err != nil {
		t.Fatalf("Records (plain): %v", err)
	}
	assertRecordsMatch(t, headers, payloads, recs)

	if err := CompressSegment(dir, 0, 128); err != nil {
		t.Fatalf("CompressSegment: %v", err)
	}

	compressedReader, err := OpenUnifiedSegmentReader(dir, 0, "")
	if err != nil {
		t.Fatalf("OpenUnifiedSegmentReader (compressed): %v", err)
	}
	defer compressedReader.Close()
	headers, payloads, err = compressedReader.Records(segment.DataOffset)
	if err != nil {
		t.Fatalf("Records (compressed): %v", err)
	}
	assertRecordsMatch(t, headers, payloads, recs)
}

func TestPromoteToRemoteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	remoteRoot := t.TempDir()
	cacheDir := t.TempDir()

	seg, err := segment.Create(dir, 0, testSegmentSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	recs := sampleRecords()
	writeRecords(t, seg, recs)
	if err := seg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := CompressSegment(dir, 0, 128); err != nil {
		t.Fatalf("CompressSegment: %v", err)
	}

	remote := FileRemote{Root: remoteRoot}
	if err := PromoteToRemote(dir, 0, remote); err != nil {
		t.Fatalf("PromoteToRemote: %v", err)
	}

	if _, err := os.Stat(compressedPath(dir, 0)); !os.IsNotExist(err) {
		t.Fatal("PromoteToRemote should remove the local compressed data file")
	}
	if _, err := os.Stat(indexPath(dir, 0)); !os.IsNotExist(err) {
		t.Fatal("PromoteToRemote should remove the local index file")
	}
	if _, err := os.Stat(remoteStubPath(dir, 0)); err != nil {
		t.Fatalf("expected remote stub to remain: %v", err)
	}

	reader, err := OpenUnifiedSegmentReader(dir, 0, cacheDir)
	if err != nil {
		t.Fatalf("OpenUnifiedSegmentReader (remote): %v", err)
	}
	defer reader.Close()
	headers, payloads, err := reader.Records(segment.DataOffset)
	if err != nil {
		t.Fatalf("Records (remote): %v", err)
	}
	assertRecordsMatch(t, headers, payloads, recs)
}

// payloadPattern returns a deterministic, non-repeating payload of length n
// so a read that stitches bytes from the wrong offset or block is caught by
// a content mismatch, not just a length mismatch.
func payloadPattern(seq uint64, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(int(seq)*7 + i)
	}
	return buf
}

// TestUnifiedSegmentReaderStitchesRecordsAcrossBlockBoundaries covers spec
// §8 scenario 6: a small block size (64 bytes) alongside payload lengths
// from 0 up to 1023, so most records straddle at least one compression
// block boundary and ReadAt must stitch them back together transparently.
func TestUnifiedSegmentReaderStitchesRecordsAcrossBlockBoundaries(t *testing.T) {
	const blockSize = 64
	const segSize = 4096

	payloadLens := []int{0, 1, 63, 64, 65, 127, 255, 511, 1023}
	var recs []writtenRecord
	for i, n := range payloadLens {
		seq := uint64(i + 1)
		recs = append(recs, writtenRecord{
			header:  wire.Header{Seq: seq, TimestampNS: seq * 100, TypeTag: uint16(i + 1)},
			payload: payloadPattern(seq, n),
		})
	}

	dir := t.TempDir()
	seg, err := segment.Create(dir, 0, segSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	writeRecords(t, seg, recs)
	if err := seg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := CompressSegment(dir, 0, blockSize); err != nil {
		t.Fatalf("CompressSegment: %v", err)
	}

	reader, err := OpenUnifiedSegmentReader(dir, 0, "")
	if err != nil {
		t.Fatalf("OpenUnifiedSegmentReader: %v", err)
	}
	defer reader.Close()

	headers, payloads, err := reader.Records(segment.DataOffset)
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	assertRecordsMatch(t, headers, payloads, recs)
}

func TestWriteSegmentMetaRoundTrip(t *testing.T) {
	dir := t.TempDir()
	meta := SegmentMeta{
		SymbolCode:     "ABC",
		Venue:          "XNAS",
		IngestTimeNS:   1000,
		MinEventTimeNS: 100,
		MaxEventTimeNS: 900,
		Completeness:   "complete",
	}
	if err := WriteSegmentMeta(dir, 0, meta); err != nil {
		t.Fatalf("WriteSegmentMeta: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "000000000.meta.json")); err != nil {
		t.Fatalf("expected meta.json to exist: %v", err)
	}
}
