package publisher

import (
	"testing"
	"time"
)

func testOptions() Options {
	return Options{
		SegmentSize: 4096,
		Now:         time.Now,
	}
}

func TestOpenCreatesFreshSegment(t *testing.T) {
	dir := t.TempDir()
	pub, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pub.Close()

	if pub.SegmentID() != 0 {
		t.Fatalf("fresh journal should start at segment 0, got %d", pub.SegmentID())
	}
}

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	dir := t.TempDir()
	pub, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pub.Close()

	var lastSeq uint64
	for i := 0; i < 10; i++ {
		seq, err := pub.Append(1, []byte("payload"))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if i > 0 && seq != lastSeq+1 {
			t.Fatalf("seq %d not monotonic after %d", seq, lastSeq)
		}
		lastSeq = seq
	}

	stats := pub.Stats()
	if stats.Appends != 10 {
		t.Fatalf("expected 10 appends recorded, got %d", stats.Appends)
	}
}

func TestAppendRollsSegmentWhenFull(t *testing.T) {
	dir := t.TempDir()
	cfg := testOptions()
	cfg.SegmentSize = 512 // tiny, to force rollover quickly
	pub, err := Open(dir, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pub.Close()

	payload := make([]byte, 100)
	startSeg := pub.SegmentID()
	rolled := false
	for i := 0; i < 50; i++ {
		if _, err := pub.Append(1, payload); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		if pub.SegmentID() != startSeg {
			rolled = true
			break
		}
	}
	if !rolled {
		t.Fatal("expected at least one segment rollover")
	}

	stats := pub.Stats()
	if stats.SegmentRotations == 0 {
		t.Fatal("expected SegmentRotations to be recorded")
	}
}

func TestReopenAfterCloseAdvancesPastPriorSegment(t *testing.T) {
	dir := t.TempDir()
	pub, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := pub.Append(1, []byte("hello")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	firstSeg := pub.SegmentID()
	if err := pub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	pub2, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer pub2.Close()
	if pub2.SegmentID() <= firstSeg {
		t.Fatalf("reopen should land on a new segment past %d, got %d", firstSeg, pub2.SegmentID())
	}
}

func TestAppendPayloadTooLargeForSegment(t *testing.T) {
	dir := t.TempDir()
	cfg := testOptions()
	cfg.SegmentSize = 256
	pub, err := Open(dir, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pub.Close()

	if _, err := pub.Append(1, make([]byte, 4096)); err == nil {
		t.Fatal("expected error for a payload that cannot fit in any segment")
	}
}

func TestCleanupIsNoOpWithoutReaders(t *testing.T) {
	dir := t.TempDir()
	pub, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pub.Close()

	for i := 0; i < 5; i++ {
		if _, err := pub.Append(1, []byte("x")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	removed, err := pub.Cleanup()
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if len(removed) != 0 {
		t.Fatalf("expected nothing removed with no readers and a single live segment, got %v", removed)
	}
}
