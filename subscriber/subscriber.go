// Package subscriber implements the per-consumer read side of a Chronicle
// journal: durable cursor tracking, the read-validate-advance loop, wait
// strategies, writer-death detection, cross-segment advance, and seek.
package subscriber

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/chronicle-journal/chronicle/chronicleerr"
	"github.com/chronicle-journal/chronicle/internal/control"
	"github.com/chronicle-journal/chronicle/internal/cursor"
	"github.com/chronicle-journal/chronicle/internal/notify"
	"github.com/chronicle-journal/chronicle/internal/seekindex"
	"github.com/chronicle-journal/chronicle/internal/segment"
	"github.com/chronicle-journal/chronicle/internal/wire"
	"github.com/chronicle-journal/chronicle/internal/writerlock"
)

// StartMode selects where a brand-new or resumed-but-stale cursor begins
// reading.
type StartMode int

const (
	// Earliest starts at the oldest segment still on disk.
	Earliest StartMode = iota
	// Latest starts at the current head.
	Latest
	// ResumeStrict resumes from the durable cursor; if the cursor's
	// segment no longer exists, Open fails with CursorBehind.
	ResumeStrict
	// ResumeSnapshot resumes from the durable cursor if possible,
	// otherwise silently repositions to the oldest extant segment.
	ResumeSnapshot
	// ResumeLatest resumes from the durable cursor if possible, otherwise
	// silently repositions to the current head.
	ResumeLatest
)

// Message is a zero-copy view into a mapped segment. It borrows the
// mapping: the subscriber must not Commit or advance (via Next) while the
// caller still holds a Message from the previous call.
type Message struct {
	Seq     uint64
	TS      uint64
	Type    uint16
	Payload []byte
}

// Options configures a Subscriber.
type Options struct {
	StartMode   StartMode
	WriterTTL   time.Duration
	WaitOptions notify.Options
	Now         func() time.Time
	Logger      *slog.Logger
}

func (o *Options) setDefaults() {
	if o.WriterTTL <= 0 {
		o.WriterTTL = 5 * time.Second
	}
	if o.WaitOptions == (notify.Options{}) {
		o.WaitOptions = notify.DefaultOptions()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Subscriber is one consumer's read cursor over a journal.
type Subscriber struct {
	dir  string
	name string
	cfg  Options

	logger *slog.Logger
	ctrl   *control.Block
	notif  *notify.Notifier

	segID      uint64
	seg        *segment.Segment
	segData    []byte // sliced from data_offset, same convention as publisher
	readOffset int    // data-relative, like publisher's segData indexing
}

// Open loads or creates the named consumer's cursor and maps its segment,
// per StartMode's resolution rules when the cursor is missing or stale.
func Open(dir, name string, cfg Options) (*Subscriber, error) {
	cfg.setDefaults()

	ctrl, err := control.Open(filepath.Join(dir, control.Filename))
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			ctrl.Close()
		}
	}()

	s := &Subscriber{dir: dir, name: name, cfg: cfg, logger: cfg.Logger, ctrl: ctrl}
	s.notif = notify.New(ctrl.NotifySeqPtr(), ctrl.WaitersPendingPtr())

	segID, offset, err := s.resolveStart()
	if err != nil {
		return nil, err
	}
	if err := s.openSegment(segID, offset); err != nil {
		return nil, err
	}

	ok = true
	return s, nil
}

func (s *Subscriber) resolveStart() (segID uint64, offset int, err error) {
	state, hadCursor, err := cursor.Load(s.dir, s.name)
	if err != nil {
		return 0, 0, err
	}

	headSeg, headOff := s.ctrl.Head()

	switch s.cfg.StartMode {
	case Earliest:
		oldest := oldestSegmentID(s.dir, headSeg)
		return oldest, segment.DataOffset, nil
	case Latest:
		return headSeg, int(headOff) - segment.DataOffset, nil
	case ResumeStrict, ResumeSnapshot, ResumeLatest:
		if !hadCursor {
			return headSeg, int(headOff) - segment.DataOffset, nil
		}
		if segment.Exists(s.dir, state.SegmentID) {
			return state.SegmentID, int(state.Offset) - segment.DataOffset, nil
		}
		switch s.cfg.StartMode {
		case ResumeStrict:
			return 0, 0, chronicleerr.ErrCursorBehind
		case ResumeSnapshot:
			oldest := oldestSegmentID(s.dir, headSeg)
			s.logger.Warn("cursor behind retention, snapping to oldest segment", "consumer", s.name, "segment_id", oldest)
			return oldest, segment.DataOffset, nil
		default: // ResumeLatest
			s.logger.Warn("cursor behind retention, snapping to head", "consumer", s.name, "segment_id", headSeg)
			return headSeg, int(headOff) - segment.DataOffset, nil
		}
	default:
		return headSeg, int(headOff) - segment.DataOffset, nil
	}
}

func oldestSegmentID(dir string, fallback uint64) uint64 {
	for id := uint64(0); id <= fallback; id++ {
		if segment.Exists(dir, id) {
			return id
		}
	}
	return fallback
}

func (s *Subscriber) openSegment(segID uint64, offset int) error {
	seg, err := segment.Open(s.dir, segID, segmentSizeFromFile(s.dir, segID), false)
	if err != nil {
		return err
	}
	data, err := seg.Data()
	if err != nil {
		seg.Close()
		return err
	}
	if offset < 0 || offset > len(data) {
		seg.Close()
		return chronicleerr.Corrupt(fmt.Sprintf("subscriber: cursor offset %d out of bounds for segment %d", offset, segID))
	}
	s.seg = seg
	s.segID = segID
	s.segData = data
	s.readOffset = offset
	return nil
}

// segmentSizeFromFile reads a segment file's on-disk size, so a Subscriber
// never needs to be independently configured with the publisher's segment
// size. It returns 0 if the file cannot be stat'ed.
func segmentSizeFromFile(dir string, segID uint64) int64 {
	size, err := segment.ProbeSize(dir, segID)
	if err != nil {
		return 0
	}
	return size
}

// Close unmaps the current segment and the control block.
func (s *Subscriber) Close() error {
	var firstErr error
	if s.seg != nil {
		if err := s.seg.Close(); err != nil {
			firstErr = err
		}
	}
	if err := s.ctrl.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Next returns the next unread record, or (nil, false, nil) if none is
// currently visible. The returned Message borrows the mapping: the caller
// must stop holding it before the next call to Next or Commit.
func (s *Subscriber) Next() (*Message, bool, error) {
	for {
		if s.readOffset+wire.HeaderSize > len(s.segData) {
			advanced, err := s.tryAdvanceSegment()
			if err != nil {
				return nil, false, err
			}
			if !advanced {
				return nil, false, nil
			}
			continue
		}

		hdrBuf := s.segData[s.readOffset : s.readOffset+wire.HeaderSize]
		pub := wire.LoadPublication(hdrBuf)
		if pub == 0 {
			advanced, err := s.tryAdvanceSegment()
			if err != nil {
				return nil, false, err
			}
			if !advanced {
				return nil, false, nil
			}
			continue
		}

		payloadLen, err := wire.PayloadLenFrom(pub)
		if err != nil {
			return nil, false, err
		}
		recordSize := wire.RecordSize(payloadLen)
		if s.readOffset+recordSize > len(s.segData) {
			return nil, false, chronicleerr.Corrupt("subscriber: record overruns segment bounds")
		}
		h, err := wire.Decode(hdrBuf)
		if err != nil {
			return nil, false, err
		}

		if h.TypeTag == wire.PaddingTypeTag {
			s.readOffset += recordSize
			continue
		}

		payloadStart := s.readOffset + wire.HeaderSize
		payload := s.segData[payloadStart : payloadStart+payloadLen]
		if err := h.ValidateCRC(payload); err != nil {
			return nil, false, err
		}

		s.readOffset += recordSize
		return &Message{Seq: h.Seq, TS: h.TimestampNS, Type: h.TypeTag, Payload: payload}, true, nil
	}
}

// tryAdvanceSegment attempts to move to the next segment file. It returns
// advanced=false (no error) if the writer is still working on the current
// segment and there is nothing more to read yet.
func (s *Subscriber) tryAdvanceSegment() (advanced bool, err error) {
	nextID := s.segID + 1
	if !segment.Exists(s.dir, nextID) {
		return false, nil
	}

	sealed := s.seg.Sealed()
	if !sealed {
		reason := s.detectWriterDead()
		if reason == nil {
			return false, nil
		}
		s.logger.LogAttrs(context.Background(), slog.LevelWarn, "writer judged dead, repairing unsealed tail",
			slog.Uint64("segment_id", s.segID), slog.String("reason", reason.String()))
		if err := s.seg.Repair(int64(s.readOffset) + segment.DataOffset); err != nil {
			return false, err
		}
	}

	if err := s.seg.Close(); err != nil {
		return false, err
	}
	if err := s.openSegment(nextID, segment.DataOffset); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Subscriber) detectWriterDead() *chronicleerr.DisconnectReason {
	heartbeat := s.ctrl.WriterHeartbeatNS()
	nowNS := uint64(s.cfg.Now().UnixNano())
	ttlNS := uint64(s.cfg.WriterTTL.Nanoseconds())
	heartbeatStale := heartbeat != 0 && nowNS > heartbeat && nowNS-heartbeat > ttlNS

	info, hadInfo, err := writerlock.ReadInfo(filepath.Join(s.dir, writerlock.Filename))
	lockHeld := err == nil && hadInfo && writerlock.Alive(info)

	switch {
	case !lockHeld:
		r := chronicleerr.WriterGone
		return &r
	case heartbeatStale:
		r := chronicleerr.HeartbeatStale
		return &r
	default:
		return nil
	}
}

// DetectDisconnect reports why the writer appears to have gone away, or
// nil if it looks alive. It returns nil when the next segment already
// exists. Otherwise it returns SegmentMissing if the current segment is
// sealed, WriterGone if the writer lock record does not name a live
// process, HeartbeatStale if the writer heartbeat is older than
// WriterTTL, and nil if none of these holds.
func (s *Subscriber) DetectDisconnect() *chronicleerr.DisconnectReason {
	nextID := s.segID + 1
	if segment.Exists(s.dir, nextID) {
		return nil
	}
	if s.seg.Sealed() {
		r := chronicleerr.SegmentMissing
		return &r
	}
	return s.detectWriterDead()
}

// Commit atomically rewrites the cursor file with the current position
// and a fresh heartbeat. Committing the same position twice produces a
// byte-identical file both times.
func (s *Subscriber) Commit() error {
	now := s.cfg.Now()
	state := cursor.State{
		SegmentID:       s.segID,
		Offset:          uint64(s.readOffset + segment.DataOffset),
		LastHeartbeatNS: uint64(now.UnixNano()),
	}
	return cursor.Commit(s.dir, s.name, state)
}

// Wait blocks using the configured wait strategy until a record becomes
// visible at the current read position, notify_seq changes, or timeout
// elapses (<=0 waits forever). It returns true if data is now visible.
func (s *Subscriber) Wait(timeout time.Duration) bool {
	return s.notif.Wait(s.cfg.WaitOptions, timeout, s.hasDataVisible)
}

func (s *Subscriber) hasDataVisible() bool {
	if s.readOffset+wire.HeaderSize > len(s.segData) {
		return segment.Exists(s.dir, s.segID+1)
	}
	hdrBuf := s.segData[s.readOffset : s.readOffset+wire.HeaderSize]
	return wire.LoadPublication(hdrBuf) != 0
}

// SetWaitStrategy overrides the wait strategy used by Wait.
func (s *Subscriber) SetWaitStrategy(strategy notify.Strategy) {
	s.cfg.WaitOptions.Strategy = strategy
}

// SeekSeq repositions the cursor at the record with the given sequence
// number, using each segment's seek index to avoid a full scan. The search
// starts at the oldest segment still retained on disk, not the subscriber's
// current segment, since target may name an earlier point the caller wants
// to rewind to.
func (s *Subscriber) SeekSeq(target uint64) error {
	segID := oldestSegmentID(s.dir, s.segID)
	for {
		if !segment.Exists(s.dir, segID) {
			return chronicleerr.Corrupt("subscriber: seek target has no containing segment")
		}
		if !seekindex.Exists(s.dir, segID) {
			segID++
			continue
		}
		h, entries, err := seekindex.Load(s.dir, segID)
		if err != nil {
			return err
		}
		offset, inRange := seekindex.SeekSeq(h, entries, target)
		if !inRange {
			if target > h.MaxSeq {
				segID++
				continue
			}
			return chronicleerr.Corrupt("subscriber: seek target precedes retained history")
		}
		if err := s.seg.Close(); err != nil {
			return err
		}
		if err := s.openSegment(segID, int(offset)-segment.DataOffset); err != nil {
			return err
		}
		return s.scanToSeq(target)
	}
}

// SeekTimestamp repositions the cursor at the first record with
// timestamp >= target. Like SeekSeq, the search starts at the oldest
// retained segment rather than the subscriber's current one, so it can
// rewind to an earlier point as well as advance to a later one.
func (s *Subscriber) SeekTimestamp(target uint64) error {
	segID := oldestSegmentID(s.dir, s.segID)
	for {
		if !segment.Exists(s.dir, segID) {
			return chronicleerr.Corrupt("subscriber: seek target has no containing segment")
		}
		if !seekindex.Exists(s.dir, segID) {
			segID++
			continue
		}
		h, entries, err := seekindex.Load(s.dir, segID)
		if err != nil {
			return err
		}
		offset, state := seekindex.SeekTimestamp(h, entries, target)
		if state == seekindex.After {
			segID++
			continue
		}
		if err := s.seg.Close(); err != nil {
			return err
		}
		if err := s.openSegment(segID, int(offset)-segment.DataOffset); err != nil {
			return err
		}
		return s.scanToTimestamp(target)
	}
}

// scanToSeq linearly advances from the index-sampled position to the
// exact record with Seq == target.
func (s *Subscriber) scanToSeq(target uint64) error {
	for {
		hdrBuf := s.segData[s.readOffset : s.readOffset+wire.HeaderSize]
		pub := wire.LoadPublication(hdrBuf)
		if pub == 0 {
			return chronicleerr.Corrupt("subscriber: seek target not found before end of live data")
		}
		h, err := wire.Decode(hdrBuf)
		if err != nil {
			return err
		}
		payloadLen, err := wire.PayloadLenFrom(pub)
		if err != nil {
			return err
		}
		if h.TypeTag != wire.PaddingTypeTag && h.Seq == target {
			return nil
		}
		s.readOffset += wire.RecordSize(payloadLen)
	}
}

// scanToTimestamp linearly advances from the index-sampled position to
// the first record with TimestampNS >= target.
func (s *Subscriber) scanToTimestamp(target uint64) error {
	for {
		if s.readOffset+wire.HeaderSize > len(s.segData) {
			return nil
		}
		hdrBuf := s.segData[s.readOffset : s.readOffset+wire.HeaderSize]
		pub := wire.LoadPublication(hdrBuf)
		if pub == 0 {
			return nil
		}
		h, err := wire.Decode(hdrBuf)
		if err != nil {
			return err
		}
		payloadLen, err := wire.PayloadLenFrom(pub)
		if err != nil {
			return err
		}
		if h.TypeTag != wire.PaddingTypeTag && h.TimestampNS >= target {
			return nil
		}
		s.readOffset += wire.RecordSize(payloadLen)
	}
}
