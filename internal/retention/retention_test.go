package retention

import (
	"os"
	"testing"
	"time"

	"github.com/chronicle-journal/chronicle/internal/cursor"
	"github.com/chronicle-journal/chronicle/internal/segment"
)

func touchSegment(t *testing.T, dir string, id uint64) {
	t.Helper()
	if err := os.WriteFile(segment.Path(dir, id), []byte("x"), 0o644); err != nil {
		t.Fatalf("write segment %d: %v", id, err)
	}
}

func TestMinLiveSegmentNoCursors(t *testing.T) {
	dir := t.TempDir()
	head := Position{SegmentID: 5, Offset: 100}
	min, err := MinLiveSegment(dir, head, 4096, DefaultPolicy(), time.Now())
	if err != nil {
		t.Fatalf("MinLiveSegment: %v", err)
	}
	if min != head.SegmentID {
		t.Fatalf("got %d, want head segment %d", min, head.SegmentID)
	}
}

func TestMinLiveSegmentHonorsLiveCursor(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	if err := cursor.Commit(dir, "reader-a", cursor.State{SegmentID: 2, Offset: 64, LastHeartbeatNS: uint64(now.UnixNano())}); err != nil {
		t.Fatalf("commit cursor: %v", err)
	}
	head := Position{SegmentID: 5, Offset: 100}
	min, err := MinLiveSegment(dir, head, 4096, DefaultPolicy(), now)
	if err != nil {
		t.Fatalf("MinLiveSegment: %v", err)
	}
	if min != 2 {
		t.Fatalf("got %d, want 2", min)
	}
}

func TestMinLiveSegmentExpiresStaleCursor(t *testing.T) {
	dir := t.TempDir()
	writeTime := time.Now().Add(-time.Hour)
	if err := cursor.Commit(dir, "reader-a", cursor.State{SegmentID: 1, Offset: 0, LastHeartbeatNS: uint64(writeTime.UnixNano())}); err != nil {
		t.Fatalf("commit cursor: %v", err)
	}
	head := Position{SegmentID: 5, Offset: 100}
	policy := Policy{ReaderTTL: time.Minute, MaxLag: DefaultMaxLag}
	min, err := MinLiveSegment(dir, head, 4096, policy, time.Now())
	if err != nil {
		t.Fatalf("MinLiveSegment: %v", err)
	}
	if min != head.SegmentID {
		t.Fatalf("stale cursor should be ignored: got %d, want %d", min, head.SegmentID)
	}
}

func TestSweepDeletesOnlyBehindMin(t *testing.T) {
	dir := t.TempDir()
	for id := uint64(0); id <= 5; id++ {
		touchSegment(t, dir, id)
	}
	deleted, err := Sweep(dir, 3, 5)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	want := []uint64{0, 1, 2}
	if len(deleted) != len(want) {
		t.Fatalf("got %v, want %v", deleted, want)
	}
	for i, id := range want {
		if deleted[i] != id {
			t.Fatalf("got %v, want %v", deleted, want)
		}
	}
	for id := uint64(3); id <= 5; id++ {
		if _, err := os.Stat(segment.Path(dir, id)); err != nil {
			t.Fatalf("segment %d should survive: %v", id, err)
		}
	}
}

func TestPositionLess(t *testing.T) {
	a := Position{SegmentID: 1, Offset: 100}
	b := Position{SegmentID: 2, Offset: 0}
	if !a.Less(b) {
		t.Fatal("lower segment id should be Less regardless of offset")
	}
	c := Position{SegmentID: 1, Offset: 200}
	if !a.Less(c) {
		t.Fatal("same segment, lower offset should be Less")
	}
	if c.Less(a) {
		t.Fatal("higher offset should not be Less")
	}
}
