package segment

import (
	"testing"

	"github.com/chronicle-journal/chronicle/internal/wire"
)

const testSize = 4096

func TestCreateOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 0, testSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir, 0, testSize, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()

	if reopened.Sealed() {
		t.Fatal("freshly created segment should not be sealed")
	}
}

func TestProbeSizeMatchesCreatedSize(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 1, testSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	seg.Close()

	size, err := ProbeSize(dir, 1)
	if err != nil {
		t.Fatalf("ProbeSize: %v", err)
	}
	if size != testSize {
		t.Fatalf("got %d, want %d", size, testSize)
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	if Exists(dir, 0) {
		t.Fatal("should not exist yet")
	}
	seg, err := Create(dir, 0, testSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	seg.Close()
	if !Exists(dir, 0) {
		t.Fatal("should exist after Create")
	}
}

func TestSealPersists(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 0, testSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := seg.Seal(); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	seg.Close()

	reopened, err := Open(dir, 0, testSize, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()
	if !reopened.Sealed() {
		t.Fatal("seal should persist across reopen")
	}
}

func TestOpenRejectsCorruptedHeaderChecksum(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 0, testSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	hbuf, err := seg.Slice(0, HeaderSize)
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	// Flip a bit in SegmentLen without updating the stored checksum.
	hbuf[20] ^= 0xFF
	if err := seg.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := Open(dir, 0, testSize, true); err == nil {
		t.Fatal("expected Open to reject a header whose checksum no longer matches its fields")
	}
}

func TestRepairPadsTornTail(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 0, testSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer seg.Close()

	data, err := seg.Data()
	if err != nil {
		t.Fatalf("Data: %v", err)
	}

	// Write one fully published record...
	h := wire.Header{Seq: 1, TimestampNS: 100, TypeTag: 1}
	wire.Encode(data[0:wire.HeaderSize], h)
	payload := []byte("payload-one")
	copy(data[wire.HeaderSize:], payload)
	h.PayloadCRC = wire.CRC32(payload)
	wire.Encode(data[0:wire.HeaderSize], h)
	pub, err := wire.PublicationLenFor(len(payload))
	if err != nil {
		t.Fatalf("PublicationLenFor: %v", err)
	}
	wire.StorePublication(data[0:wire.HeaderSize], pub)
	recordSize := wire.RecordSize(len(payload))

	// ...then a torn second record: header present, publication never stored.
	tornOff := recordSize
	tornHeader := wire.Header{Seq: 2, TimestampNS: 200, TypeTag: 1}
	wire.Encode(data[tornOff:tornOff+wire.HeaderSize], tornHeader)

	if err := seg.Repair(int64(DataOffset + recordSize)); err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if !seg.Sealed() {
		t.Fatal("Repair must seal the segment")
	}

	data, err = seg.Data()
	if err != nil {
		t.Fatalf("Data after repair: %v", err)
	}
	if pub := wire.LoadPublication(data[tornOff : tornOff+4]); pub == 0 {
		t.Fatal("repair should mark the remaining region as padding, publication word must be set")
	}
	decoded, err := wire.Decode(data[tornOff : tornOff+wire.HeaderSize])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.TypeTag != wire.PaddingTypeTag {
		t.Fatalf("expected padding tag, got %d", decoded.TypeTag)
	}
}
