// Package publisher implements the single writer side of a Chronicle
// journal: segment reservation, zero-copy write-in-place, atomic publish,
// segment roll and seal, periodic seek-index flush, retention trigger,
// and the writer heartbeat.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chronicle-journal/chronicle/chronicleerr"
	"github.com/chronicle-journal/chronicle/internal/control"
	"github.com/chronicle-journal/chronicle/internal/notify"
	"github.com/chronicle-journal/chronicle/internal/retention"
	"github.com/chronicle-journal/chronicle/internal/seekindex"
	"github.com/chronicle-journal/chronicle/internal/segment"
	"github.com/chronicle-journal/chronicle/internal/wire"
	"github.com/chronicle-journal/chronicle/internal/writerlock"
)

// Backpressure selects what happens when the publisher cannot make room
// for a new append fast enough.
type Backpressure int

const (
	// Block makes the caller wait until retention frees disk. Only
	// meaningful when something upstream enforces a disk quota.
	Block Backpressure = iota
	// DropNewest fails the append with an error once retention can no
	// longer make room.
	DropNewest
	// DropOldest deletes segments in front of live readers to make room.
	// This may violate at-most-once delivery for slow readers; it must be
	// explicitly enabled and is never the default.
	DropOldest
)

// Options configures a Publisher.
type Options struct {
	// SegmentSize is the fixed size of every segment file, including its
	// header. Must be larger than segment.DataOffset.
	SegmentSize int64
	// SeekStride is how many records separate seek-index samples.
	SeekStride uint32
	// WriterTTL is how stale this writer's heartbeat may become before it
	// is judged dead. The publisher itself does not read it: subscribers
	// apply their own Options.WriterTTL, and a successor publisher decides
	// takeover by the writer lock alone.
	WriterTTL time.Duration
	// HeartbeatInterval is how often the writer refreshes its heartbeat
	// and, if readers are parked, wakes them.
	HeartbeatInterval time.Duration
	// IndexFlushInterval bounds how long a seek index may go unflushed
	// while appends continue; it is checked on each append. The index is
	// also flushed on segment roll, FlushSync and Close. There is no
	// record-count (stride) flush trigger.
	IndexFlushInterval time.Duration
	// StrictTimestamps rejects append_with_timestamp calls whose ts
	// regresses relative to the previous append. When false, regression is
	// permitted with a logged warning.
	StrictTimestamps bool
	// Backpressure selects the policy used when disk space runs out.
	Backpressure Backpressure
	// MaxDiskBytes is the disk quota backpressure acts against: the
	// approximate total size of all segment files a journal directory may
	// occupy. Zero means unbounded — Backpressure is then never consulted,
	// matching the spec's note that Block is only meaningful when a quota
	// is enforced upstream.
	MaxDiskBytes uint64
	// BlockRetries bounds how many times Block re-runs retention while
	// waiting for room, each separated by BlockRetryInterval, before giving
	// up and returning an error (there is no external signal that more
	// room will ever free up, so Block cannot wait forever).
	BlockRetries int
	// BlockRetryInterval is the pause between Block's retention retries.
	BlockRetryInterval time.Duration
	// Retention configures the retention sweep cleanup() runs.
	Retention retention.Policy
	// Now returns the current time; overridable for deterministic tests.
	Now func() time.Time
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultSegmentSize is the spec's suggested default segment size.
const DefaultSegmentSize = 64 * 1024 * 1024

// DefaultWriterTTL is how stale a heartbeat may be before the writer is
// judged dead.
const DefaultWriterTTL = 5 * time.Second

func (o *Options) setDefaults() {
	if o.SegmentSize <= 0 {
		o.SegmentSize = DefaultSegmentSize
	}
	if o.SeekStride == 0 {
		o.SeekStride = seekindex.DefaultStride
	}
	if o.WriterTTL <= 0 {
		o.WriterTTL = DefaultWriterTTL
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = time.Second
	}
	if o.IndexFlushInterval <= 0 {
		o.IndexFlushInterval = 5 * time.Second
	}
	if o.Retention == (retention.Policy{}) {
		o.Retention = retention.DefaultPolicy()
	}
	if o.BlockRetries <= 0 {
		o.BlockRetries = 10
	}
	if o.BlockRetryInterval <= 0 {
		o.BlockRetryInterval = 100 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Publisher is the single writer of a journal directory.
type Publisher struct {
	dir string
	cfg Options

	logger *slog.Logger
	lock   *writerlock.Lock
	ctrl   *control.Block
	notif  *notify.Notifier

	// mu serializes appends; the spec calls for a single writer-local
	// mutex on the mapping since a Publisher may be driven from more than
	// one goroutine within its own process even though it is the sole
	// cross-process writer.
	mu sync.Mutex

	seg     *segment.Segment
	segID   uint64
	segData []byte

	idxBuilder *seekindex.Builder
	lastIdxFlush time.Time

	lastSeq uint64
	haveSeq bool
	lastTS  uint64

	lastHeartbeat time.Time

	stats Stats
}

// Stats holds point-in-time append/rotation counters. Chronicle does not
// depend on a metrics client library itself (see the domain stack notes);
// Stats is the raw shape a Prometheus or StatsD exporter would wrap.
type Stats struct {
	Appends          uint64
	BytesWritten     uint64
	SegmentRotations uint64
}

// Stats returns a snapshot of the publisher's append/rotation counters.
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Open acquires the writer lock (taking over and repairing a dead
// predecessor's unsealed tail if necessary), opens or creates the head
// segment, and installs the control block if absent.
func Open(dir string, cfg Options) (*Publisher, error) {
	cfg.setDefaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, chronicleerr.IO("mkdir", err)
	}

	lock, err := writerlock.Acquire(filepath.Join(dir, writerlock.Filename))
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			lock.Release()
		}
	}()

	p := &Publisher{dir: dir, cfg: cfg, logger: cfg.Logger, lock: lock}

	segID, writeOffset, err := p.discoverHead()
	if err != nil {
		return nil, err
	}

	ctrlPath := filepath.Join(dir, control.Filename)
	var ctrl *control.Block
	if control.Exists(ctrlPath) {
		ctrl, err = control.Open(ctrlPath)
	} else {
		initialOffset := writeOffset
		if initialOffset < 0 {
			initialOffset = int64(segment.DataOffset)
		}
		ctrl, err = control.Create(ctrlPath, segID, uint64(initialOffset), lock.Epoch())
	}
	if err != nil {
		return nil, err
	}
	p.ctrl = ctrl
	p.ctrl.SetWriterEpoch(lock.Epoch())
	p.notif = notify.New(ctrl.NotifySeqPtr(), ctrl.WaitersPendingPtr())

	if err := p.openHeadSegment(segID, writeOffset); err != nil {
		ctrl.Close()
		return nil, err
	}

	ok = true
	return p, nil
}

// discoverHead finds the highest-numbered existing segment and, if its
// tail looks unsealed (the previous writer may have died mid-write),
// leaves repair to openHeadSegment once the segment is mapped.
func (p *Publisher) discoverHead() (segID uint64, writeOffset int64, err error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return 0, 0, chronicleerr.IO("readdir", err)
	}
	found := false
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		const suffix = ".q"
		if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
			continue
		}
		var id uint64
		if _, scanErr := fmt.Sscanf(name, "%09d.q", &id); scanErr != nil {
			continue
		}
		if !found || id > segID {
			segID, found = id, true
		}
	}
	if !found {
		return 0, int64(segment.DataOffset), nil
	}
	return segID, -1, nil // -1 signals "determine by scanning the segment" to openHeadSegment
}

// openHeadSegment opens (or creates) segment segID. When writeOffset is
// unknown (-1), the existing segment is not appended to again: if it is
// sealed, a fresh successor is created; otherwise it is scanned from
// data_offset for the first unpublished record, repaired and sealed, and
// then a fresh successor is created. The control block's stored head is
// not consulted.
func (p *Publisher) openHeadSegment(segID uint64, writeOffset int64) error {
	var seg *segment.Segment
	var err error
	if segment.Exists(p.dir, segID) {
		seg, err = segment.Open(p.dir, segID, p.cfg.SegmentSize, true)
	} else {
		seg, err = segment.Create(p.dir, segID, p.cfg.SegmentSize)
	}
	if err != nil {
		return err
	}

	if writeOffset < 0 {
		if seg.Sealed() {
			// A sealed highest segment with nothing after it means the
			// previous writer rolled cleanly; start a fresh successor.
			seg.Close()
			segID++
			seg, err = segment.Create(p.dir, segID, p.cfg.SegmentSize)
			if err != nil {
				return err
			}
			writeOffset = int64(segment.DataOffset)
		} else {
			off, lastSeq, haveSeq, scanErr := scanLiveTail(seg)
			if scanErr != nil {
				seg.Close()
				return scanErr
			}
			if err := seg.Repair(off); err != nil {
				seg.Close()
				return err
			}
			p.logger.LogAttrs(context.Background(), slog.LevelWarn, "repaired unsealed tail on takeover",
				slog.Uint64("segment_id", segID), slog.Int64("write_offset", off))
			seg.Close()
			segID++
			seg, err = segment.Create(p.dir, segID, p.cfg.SegmentSize)
			if err != nil {
				return err
			}
			writeOffset = int64(segment.DataOffset)
			if haveSeq {
				p.lastSeq, p.haveSeq = lastSeq, true
			}
		}
	}

	data, err := seg.Data()
	if err != nil {
		seg.Close()
		return err
	}

	p.seg = seg
	p.segID = segID
	p.segData = data
	p.idxBuilder = seekindex.NewBuilder(segID, uint64(p.cfg.SegmentSize), segment.DataOffset, p.cfg.SeekStride)
	p.lastIdxFlush = p.cfg.Now()

	// The control block must reflect exactly the segment/offset we ended
	// up opening, whether that came straight from discoverHead or from a
	// repair-and-roll above; RollToSegment is idempotent when the values
	// already match.
	p.ctrl.RollToSegment(segID, uint64(writeOffset))

	return nil
}

// scanLiveTail walks a not-known-sealed segment from data_offset to find
// the first unpublished record, returning its offset (the write offset at
// the moment the previous writer died) and the last published seq seen.
func scanLiveTail(seg *segment.Segment) (writeOffset int64, lastSeq uint64, haveSeq bool, err error) {
	data, err := seg.Data()
	if err != nil {
		return 0, 0, false, err
	}
	off := 0
	for off+wire.HeaderSize <= len(data) {
		hdr := data[off : off+wire.HeaderSize]
		pub := wire.LoadPublication(hdr)
		if pub == 0 {
			break
		}
		payloadLen, perr := wire.PayloadLenFrom(pub)
		if perr != nil {
			return 0, 0, false, perr
		}
		h, derr := wire.Decode(hdr)
		if derr != nil {
			return 0, 0, false, derr
		}
		if h.TypeTag != wire.PaddingTypeTag {
			lastSeq, haveSeq = h.Seq, true
		}
		off += wire.RecordSize(payloadLen)
	}
	return int64(segment.DataOffset) + int64(off), lastSeq, haveSeq, nil
}

// Close flushes, releases the writer lock, and unmaps all resources.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	if err := p.flushIndexLocked(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := p.seg.FlushAll(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := p.seg.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := p.ctrl.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := p.lock.Release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// SegmentID returns the current head segment id.
func (p *Publisher) SegmentID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.segID
}

// Append writes payload under typeTag using the publisher's clock.
func (p *Publisher) Append(typeTag uint16, payload []byte) (seq uint64, err error) {
	return p.AppendWithTimestamp(typeTag, payload, uint64(p.cfg.Now().UnixNano()))
}

// AppendWithTimestamp writes payload with a caller-supplied timestamp.
func (p *Publisher) AppendWithTimestamp(typeTag uint16, payload []byte, ts uint64) (seq uint64, err error) {
	return p.AppendInPlace(typeTag, len(payload), ts, func(dst []byte) { copy(dst, payload) })
}

// AppendInPlace reserves payloadLen bytes, invokes fill to populate them
// in place (avoiding an intermediate copy for callers that can encode
// directly into the destination), then publishes the record.
func (p *Publisher) AppendInPlace(typeTag uint16, payloadLen int, ts uint64, fill func(dst []byte)) (seq uint64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg.StrictTimestamps && p.haveSeq && ts < p.lastTS {
		return 0, fmt.Errorf("publisher: timestamp %d regresses before %d", ts, p.lastTS)
	} else if ts < p.lastTS {
		p.logger.Warn("append timestamp regressed", "ts", ts, "last_ts", p.lastTS)
	}

	recordSize := wire.RecordSize(payloadLen)
	if recordSize > len(p.segData) {
		return 0, chronicleerr.ErrPayloadTooLarge
	}

	writeOffset, err := p.headOffsetLocked()
	if err != nil {
		return 0, err
	}

	if writeOffset+recordSize > len(p.segData) {
		if err := p.rollSegmentLocked(writeOffset); err != nil {
			return 0, err
		}
		writeOffset, err = p.headOffsetLocked()
		if err != nil {
			return 0, err
		}
	}

	seq = p.nextSeqLocked()
	h := wire.Header{Seq: seq, TimestampNS: ts, TypeTag: typeTag}
	hdrBuf := p.segData[writeOffset : writeOffset+wire.HeaderSize]
	wire.Encode(hdrBuf, h)

	payloadStart := writeOffset + wire.HeaderSize
	dst := p.segData[payloadStart : payloadStart+payloadLen]
	fill(dst)
	h.PayloadCRC = wire.CRC32(dst)
	binaryPatchCRC(hdrBuf, h.PayloadCRC)

	pubWord, err := wire.PublicationLenFor(payloadLen)
	if err != nil {
		return 0, err
	}
	wire.StorePublication(hdrBuf, pubWord)

	newOffset := writeOffset + recordSize
	p.ctrl.SetWriteOffset(uint64(newOffset + segment.DataOffset))

	p.idxBuilder.Observe(seq, ts, uint64(writeOffset+segment.DataOffset))
	p.maybeFlushIndexLocked()

	p.lastSeq, p.haveSeq = seq, true
	p.lastTS = ts

	p.stats.Appends++
	p.stats.BytesWritten += uint64(recordSize)

	p.maybeHeartbeatLocked()

	return seq, nil
}

func binaryPatchCRC(hdrBuf []byte, crc uint32) {
	hdrBuf[24] = byte(crc)
	hdrBuf[25] = byte(crc >> 8)
	hdrBuf[26] = byte(crc >> 16)
	hdrBuf[27] = byte(crc >> 24)
}

// headPositionLocked returns the head as a retention position: the
// current segment id and the control block's absolute write offset.
func (p *Publisher) headPositionLocked() retention.Position {
	_, absOffset := p.ctrl.Head()
	return retention.Position{SegmentID: p.segID, Offset: absOffset}
}

// headOffsetLocked returns the write offset relative to the start of the
// data region (segData is itself sliced to start at data_offset). The
// control block stores write_offset as an absolute file offset per spec
// §4.8 ("write_offset = data_offset" for a fresh segment), so the two are
// related by a constant segment.DataOffset shift.
func (p *Publisher) headOffsetLocked() (int, error) {
	_, absOffset := p.ctrl.Head()
	return int(absOffset) - segment.DataOffset, nil
}

func (p *Publisher) nextSeqLocked() uint64 {
	if !p.haveSeq {
		return 0
	}
	return p.lastSeq + 1
}

// rollSegmentLocked pads the remainder of the current segment, seals it,
// and swaps in the successor, opening the successor's file if it already
// exists and creating it otherwise. No background worker preallocates
// successors: creation happens here, on the appending call.
func (p *Publisher) rollSegmentLocked(writeOffset int) error {
	remaining := len(p.segData) - writeOffset
	if remaining > 0 {
		padHeader := wire.Header{TypeTag: wire.PaddingTypeTag}
		hdrBuf := p.segData[writeOffset : writeOffset+wire.HeaderSize]
		wire.Encode(hdrBuf, padHeader)
		for i := writeOffset + wire.HeaderSize; i < len(p.segData); i++ {
			p.segData[i] = 0
		}
		pub, err := wire.PublicationLenFor(remaining - wire.HeaderSize)
		if err != nil {
			return err
		}
		wire.StorePublication(hdrBuf, pub)
	}

	if err := p.flushIndexLocked(); err != nil {
		return err
	}
	if err := p.seg.Seal(); err != nil {
		return err
	}
	if err := p.seg.Close(); err != nil {
		return err
	}

	nextID := p.segID + 1
	var next *segment.Segment
	var err error
	if segment.Exists(p.dir, nextID) {
		next, err = segment.Open(p.dir, nextID, p.cfg.SegmentSize, true)
	} else {
		next, err = segment.Create(p.dir, nextID, p.cfg.SegmentSize)
	}
	if err != nil {
		return err
	}
	data, err := next.Data()
	if err != nil {
		next.Close()
		return err
	}

	p.seg = next
	p.segID = nextID
	p.segData = data
	p.idxBuilder = seekindex.NewBuilder(nextID, uint64(p.cfg.SegmentSize), segment.DataOffset, p.cfg.SeekStride)
	p.lastIdxFlush = p.cfg.Now()

	p.ctrl.RollToSegment(nextID, uint64(segment.DataOffset))
	p.stats.SegmentRotations++

	if err := retentionCleanup(p); err != nil {
		p.logger.Error("retention cleanup after roll failed", "err", err)
	}

	return p.enforceQuotaLocked()
}

// enforceQuotaLocked applies Options.Backpressure once MaxDiskBytes is
// exceeded even after a normal retention sweep. It is a no-op when
// MaxDiskBytes is 0 (no quota configured).
func (p *Publisher) enforceQuotaLocked() error {
	if p.cfg.MaxDiskBytes == 0 {
		return nil
	}
	usage, err := diskUsageBytes(p.dir, uint64(p.cfg.SegmentSize))
	if err != nil {
		return err
	}
	if usage <= p.cfg.MaxDiskBytes {
		return nil
	}

	switch p.cfg.Backpressure {
	case DropNewest:
		return chronicleerr.ErrQuotaExceeded

	case DropOldest:
		// Ignore reader cursors entirely: raise the deletion cutoff one
		// segment at a time, oldest first, until usage fits the quota or
		// only the head segment is left, even deleting segments live readers
		// still need. This is the opt-in unsafe mode; Options.Backpressure
		// defaults to Block.
		for target := uint64(1); target <= p.segID && usage > p.cfg.MaxDiskBytes; target++ {
			if _, err := retention.Sweep(p.dir, target, p.segID); err != nil {
				return err
			}
			usage, err = diskUsageBytes(p.dir, uint64(p.cfg.SegmentSize))
			if err != nil {
				return err
			}
		}
		return nil

	default: // Block
		for attempt := 0; attempt < p.cfg.BlockRetries; attempt++ {
			time.Sleep(p.cfg.BlockRetryInterval)
			if err := retentionCleanup(p); err != nil {
				return err
			}
			usage, err = diskUsageBytes(p.dir, uint64(p.cfg.SegmentSize))
			if err != nil {
				return err
			}
			if usage <= p.cfg.MaxDiskBytes {
				return nil
			}
		}
		return chronicleerr.ErrQuotaExceeded
	}
}

// diskUsageBytes approximates a journal directory's footprint as the
// number of .q segment files still on disk times the fixed segment size;
// compressed and remote-stub files are not counted.
func diskUsageBytes(dir string, segmentSize uint64) (uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, chronicleerr.IO("readdir", err)
	}
	var count uint64
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if len(name) > 2 && name[len(name)-2:] == ".q" {
			count++
		}
	}
	return count * segmentSize, nil
}

func (p *Publisher) maybeFlushIndexLocked() {
	if time.Since(p.lastIdxFlush) < p.cfg.IndexFlushInterval {
		return
	}
	if err := p.flushIndexLocked(); err != nil {
		p.logger.Error("seek index flush failed", "err", err)
	}
}

func (p *Publisher) flushIndexLocked() error {
	if err := p.idxBuilder.Flush(p.dir); err != nil {
		return err
	}
	p.lastIdxFlush = p.cfg.Now()
	return nil
}

func (p *Publisher) maybeHeartbeatLocked() {
	now := p.cfg.Now()
	if now.Sub(p.lastHeartbeat) < p.cfg.HeartbeatInterval {
		return
	}
	p.lastHeartbeat = now
	p.ctrl.SetWriterHeartbeatNS(uint64(now.UnixNano()))
	p.notif.Wake()
}

// FlushAsync flushes the mapping without fsyncing the file.
func (p *Publisher) FlushAsync() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seg.FlushRange(0, len(p.segData)+segment.DataOffset)
}

// FlushSync fsyncs the segment and flushes the active seek index.
func (p *Publisher) FlushSync() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.seg.FlushAll(); err != nil {
		return err
	}
	return p.flushIndexLocked()
}

// Cleanup invokes retention and returns the segment ids it deleted.
func (p *Publisher) Cleanup() ([]uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	head := p.headPositionLocked()
	min, err := retention.MinLiveSegment(p.dir, head, uint64(p.cfg.SegmentSize), p.cfg.Retention, p.cfg.Now())
	if err != nil {
		return nil, err
	}
	return retention.Sweep(p.dir, min, p.segID)
}

func retentionCleanup(p *Publisher) error {
	head := p.headPositionLocked()
	min, err := retention.MinLiveSegment(p.dir, head, uint64(p.cfg.SegmentSize), p.cfg.Retention, p.cfg.Now())
	if err != nil {
		return err
	}
	_, err = retention.Sweep(p.dir, min, p.segID)
	return err
}

// Run drives the background workers (heartbeat/wake and periodic
// retention) until ctx is cancelled, mirroring the teacher's
// runPeriodical pattern used for Set.StartBackground.
func (p *Publisher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go p.runHeartbeat(ctx, &wg)
	go p.runRetention(ctx, &wg)
	wg.Wait()
}

func (p *Publisher) runHeartbeat(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			p.ctrl.SetWriterHeartbeatNS(uint64(p.cfg.Now().UnixNano()))
			p.notif.Wake()
			p.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

func (p *Publisher) runRetention(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	interval := 10 * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := p.Cleanup(); err != nil {
				p.logger.Error("retention cleanup failed", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
