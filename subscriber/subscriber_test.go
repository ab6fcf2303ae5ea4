package subscriber

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chronicle-journal/chronicle/internal/notify"
	"github.com/chronicle-journal/chronicle/internal/writerlock"
	"github.com/chronicle-journal/chronicle/publisher"
)

func pubOptions() publisher.Options {
	return publisher.Options{SegmentSize: 4096, Now: time.Now}
}

func TestSubscriberReadsWhatPublisherWrote(t *testing.T) {
	dir := t.TempDir()
	pub, err := publisher.Open(dir, pubOptions())
	if err != nil {
		t.Fatalf("publisher.Open: %v", err)
	}
	defer pub.Close()

	want := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, p := range want {
		if _, err := pub.Append(1, p); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	sub, err := Open(dir, "reader-a", Options{StartMode: Earliest, Now: time.Now})
	if err != nil {
		t.Fatalf("subscriber.Open: %v", err)
	}
	defer sub.Close()

	for i, wantPayload := range want {
		msg, ok, err := sub.Next()
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("expected message %d, got none", i)
		}
		if string(msg.Payload) != string(wantPayload) {
			t.Fatalf("message %d: got %q, want %q", i, msg.Payload, wantPayload)
		}
	}

	if _, ok, err := sub.Next(); err != nil || ok {
		t.Fatalf("expected no more messages, got ok=%v err=%v", ok, err)
	}

	if err := sub.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestSubscriberResumesFromCommittedCursor(t *testing.T) {
	dir := t.TempDir()
	pub, err := publisher.Open(dir, pubOptions())
	if err != nil {
		t.Fatalf("publisher.Open: %v", err)
	}
	defer pub.Close()

	for _, p := range [][]byte{[]byte("a"), []byte("b"), []byte("c")} {
		if _, err := pub.Append(1, p); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	sub, err := Open(dir, "reader-b", Options{StartMode: Earliest, Now: time.Now})
	if err != nil {
		t.Fatalf("subscriber.Open: %v", err)
	}
	if _, _, err := sub.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if err := sub.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	sub2, err := Open(dir, "reader-b", Options{StartMode: ResumeStrict, Now: time.Now})
	if err != nil {
		t.Fatalf("reopen subscriber.Open: %v", err)
	}
	defer sub2.Close()

	msg, ok, err := sub2.Next()
	if err != nil || !ok {
		t.Fatalf("expected second message on resume, ok=%v err=%v", ok, err)
	}
	if string(msg.Payload) != "b" {
		t.Fatalf("expected to resume at \"b\", got %q", msg.Payload)
	}
}

func TestSubscriberWaitWakesOnAppend(t *testing.T) {
	dir := t.TempDir()
	pub, err := publisher.Open(dir, pubOptions())
	if err != nil {
		t.Fatalf("publisher.Open: %v", err)
	}
	defer pub.Close()

	sub, err := Open(dir, "reader-c", Options{
		StartMode:   Latest,
		Now:         time.Now,
		WaitOptions: notify.Options{Strategy: notify.Sleep},
	})
	if err != nil {
		t.Fatalf("subscriber.Open: %v", err)
	}
	defer sub.Close()

	done := make(chan bool, 1)
	go func() {
		done <- sub.Wait(2 * time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := pub.Append(1, []byte("wake-me")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("expected Wait to report data visible after append")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after append")
	}

	msg, ok, err := sub.Next()
	if err != nil || !ok {
		t.Fatalf("expected to read the woken-for message, ok=%v err=%v", ok, err)
	}
	if string(msg.Payload) != "wake-me" {
		t.Fatalf("got %q", msg.Payload)
	}
}

func TestSubscriberDetectDisconnectNilWhileWriterAlive(t *testing.T) {
	dir := t.TempDir()
	pub, err := publisher.Open(dir, pubOptions())
	if err != nil {
		t.Fatalf("publisher.Open: %v", err)
	}
	defer pub.Close()

	if _, err := pub.Append(1, []byte("x")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	sub, err := Open(dir, "reader-d", Options{StartMode: Earliest, Now: time.Now})
	if err != nil {
		t.Fatalf("subscriber.Open: %v", err)
	}
	defer sub.Close()

	if reason := sub.DetectDisconnect(); reason != nil {
		t.Fatalf("expected no disconnect while writer alive and no pending rollover, got %v", reason)
	}
}

// TestSubscriberDetectWriterGoneOnStaleLockRecord simulates a dead writer by
// corrupting the lock record's start-time field: the pid still names a
// running process (our own test process), but the recorded start time no
// longer matches it, so writerlock.Alive reports false exactly as it would
// for a pid that has been recycled since the writer died.
func TestSubscriberDetectWriterGoneOnStaleLockRecord(t *testing.T) {
	dir := t.TempDir()
	pub, err := publisher.Open(dir, pubOptions())
	if err != nil {
		t.Fatalf("publisher.Open: %v", err)
	}
	if _, err := pub.Append(1, []byte("only-record")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lockPath := filepath.Join(dir, writerlock.Filename)
	info, ok, err := writerlock.ReadInfo(lockPath)
	if err != nil || !ok {
		t.Fatalf("ReadInfo: ok=%v err=%v", ok, err)
	}
	stale := fmt.Sprintf("%d %d %d\n", info.PID, info.StartTime+1, info.Epoch)
	if err := os.WriteFile(lockPath, []byte(stale), 0o644); err != nil {
		t.Fatalf("write stale lock record: %v", err)
	}

	sub, err := Open(dir, "reader-e", Options{StartMode: Earliest, Now: time.Now})
	if err != nil {
		t.Fatalf("subscriber.Open: %v", err)
	}
	defer sub.Close()

	if _, _, err := sub.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}

	reason := sub.DetectDisconnect()
	if reason == nil {
		t.Fatal("expected writer to be detected as gone once its lock record no longer matches a live process")
	}
}

// openSeekTestJournal sets up a publisher with a tiny segment size (exactly
// 3 zero-payload records per segment) and a subscriber committed at segment
// 0 before any rolls happen, so retention's no-cursors-means-sweep-to-head
// behavior never deletes the earlier segments the test seeks back into.
// It appends 7 records (timestamps 100..700; the publisher assigns seqs
// 0..6), which rolls through segments 0 and 1 into segment 2, then reads
// all 7 forward so the subscriber's in-memory position sits
// in segment 2 (its committed cursor file still names segment 0).
func openSeekTestJournal(t *testing.T, name string) (*publisher.Publisher, *Subscriber) {
	t.Helper()
	dir := t.TempDir()
	pub, err := publisher.Open(dir, publisher.Options{
		SegmentSize: 256,
		SeekStride:  1,
		Now:         time.Now,
	})
	if err != nil {
		t.Fatalf("publisher.Open: %v", err)
	}

	sub, err := Open(dir, name, Options{StartMode: Earliest, Now: time.Now})
	if err != nil {
		t.Fatalf("subscriber.Open: %v", err)
	}
	if err := sub.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	for seq := uint64(1); seq <= 7; seq++ {
		if _, err := pub.AppendWithTimestamp(1, nil, seq*100); err != nil {
			t.Fatalf("Append %d: %v", seq, err)
		}
	}
	if pub.SegmentID() != 2 {
		t.Fatalf("expected 7 records to span into segment 2, got segment %d", pub.SegmentID())
	}

	for i := 0; i < 7; i++ {
		if _, ok, err := sub.Next(); err != nil || !ok {
			t.Fatalf("Next %d: ok=%v err=%v", i, ok, err)
		}
	}
	if sub.segID != 2 {
		t.Fatalf("expected subscriber to have advanced to segment 2, got %d", sub.segID)
	}

	return pub, sub
}

// TestSubscriberSeekSeqRewindsToEarlierSegment covers rewinding past the
// subscriber's current segment: after reading forward through three rolled
// segments, SeekSeq targets a sequence number from the very first one. A
// search that only ever walked forward from the current segment would
// wrongly report the target as out of range.
func TestSubscriberSeekSeqRewindsToEarlierSegment(t *testing.T) {
	pub, sub := openSeekTestJournal(t, "reader-f")
	defer pub.Close()
	defer sub.Close()

	if err := sub.SeekSeq(1); err != nil {
		t.Fatalf("SeekSeq(1): %v", err)
	}
	msg, ok, err := sub.Next()
	if err != nil || !ok {
		t.Fatalf("Next after SeekSeq: ok=%v err=%v", ok, err)
	}
	if msg.Seq != 1 {
		t.Fatalf("got seq %d, want 1", msg.Seq)
	}
}

// TestSubscriberSeekTimestampRewindsToEarlierSegment is the SeekTimestamp
// analogue of TestSubscriberSeekSeqRewindsToEarlierSegment.
func TestSubscriberSeekTimestampRewindsToEarlierSegment(t *testing.T) {
	pub, sub := openSeekTestJournal(t, "reader-g")
	defer pub.Close()
	defer sub.Close()

	if err := sub.SeekTimestamp(100); err != nil {
		t.Fatalf("SeekTimestamp(100): %v", err)
	}
	msg, ok, err := sub.Next()
	if err != nil || !ok {
		t.Fatalf("Next after SeekTimestamp: ok=%v err=%v", ok, err)
	}
	if msg.Seq != 0 {
		t.Fatalf("got seq %d, want 0", msg.Seq)
	}
}
