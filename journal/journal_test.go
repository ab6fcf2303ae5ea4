package journal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chronicle-journal/chronicle/publisher"
	"github.com/chronicle-journal/chronicle/subscriber"
)

func writerConfig() Config {
	return Config{
		Role:      Writer,
		Publisher: publisher.Options{SegmentSize: 4096, Now: time.Now},
		Now:       time.Now,
	}
}

func TestJournalOpenWriterAppendAndSubscribe(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, writerConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	for _, payload := range [][]byte{[]byte("one"), []byte("two")} {
		if _, err := j.Append(1, payload); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	sub, err := j.OpenSubscriber("reader-a", subscriber.Options{StartMode: subscriber.Earliest})
	if err != nil {
		t.Fatalf("OpenSubscriber: %v", err)
	}

	msg, ok, err := sub.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if string(msg.Payload) != "one" {
		t.Fatalf("got %q, want %q", msg.Payload, "one")
	}
}

func TestJournalOpenSubscriberCachesByName(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, writerConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	if _, err := j.Append(1, []byte("x")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	first, err := j.OpenSubscriber("reader-b", subscriber.Options{StartMode: subscriber.Earliest})
	if err != nil {
		t.Fatalf("OpenSubscriber: %v", err)
	}
	second, err := j.OpenSubscriber("reader-b", subscriber.Options{StartMode: subscriber.Earliest})
	if err != nil {
		t.Fatalf("OpenSubscriber (again): %v", err)
	}
	if first != second {
		t.Fatal("expected OpenSubscriber to return the cached Subscriber for a name already open")
	}

	if err := j.CloseSubscriber("reader-b"); err != nil {
		t.Fatalf("CloseSubscriber: %v", err)
	}

	third, err := j.OpenSubscriber("reader-b", subscriber.Options{StartMode: subscriber.Earliest})
	if err != nil {
		t.Fatalf("OpenSubscriber (after close): %v", err)
	}
	if third == first {
		t.Fatal("expected a fresh Subscriber after CloseSubscriber forgot the name")
	}
	j.CloseSubscriber("reader-b")
}

func TestJournalReaderOnlyCannotAppendOrCleanup(t *testing.T) {
	dir := t.TempDir()
	writer, err := Open(dir, writerConfig())
	if err != nil {
		t.Fatalf("Open writer: %v", err)
	}
	if _, err := writer.Append(1, []byte("seed")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close writer: %v", err)
	}

	reader, err := Open(dir, Config{Role: ReaderOnly, Now: time.Now})
	if err != nil {
		t.Fatalf("Open reader: %v", err)
	}
	defer reader.Close()

	if _, err := reader.Append(1, []byte("nope")); !errors.Is(err, errReaderOnly) {
		t.Fatalf("expected errReaderOnly, got %v", err)
	}
	if _, err := reader.Cleanup(); !errors.Is(err, errReaderOnly) {
		t.Fatalf("expected errReaderOnly from Cleanup, got %v", err)
	}

	sub, err := reader.OpenSubscriber("reader-c", subscriber.Options{StartMode: subscriber.Earliest})
	if err != nil {
		t.Fatalf("OpenSubscriber: %v", err)
	}
	msg, ok, err := sub.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if string(msg.Payload) != "seed" {
		t.Fatalf("got %q, want %q", msg.Payload, "seed")
	}
}

func TestJournalRunStopsWhenContextCancelled(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, writerConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()

	// Give Run's goroutines time to start before tearing down.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after its context was cancelled")
	}
}

func TestMetaTimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := Meta{Seq: 1, TimestampNS: ToTimestampNS(now)}
	if !m.Time().Equal(now) {
		t.Fatalf("got %v, want %v", m.Time(), now)
	}
}
