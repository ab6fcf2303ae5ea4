// Package retention implements the minimum-live-reader-position sweep:
// dropping cursors that are stale or hopelessly behind, then deleting
// segments strictly behind every surviving cursor and behind the head.
package retention

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chronicle-journal/chronicle/chronicleerr"
	"github.com/chronicle-journal/chronicle/internal/cursor"
	"github.com/chronicle-journal/chronicle/internal/seekindex"
	"github.com/chronicle-journal/chronicle/internal/segment"
)

// DefaultReaderTTL is how long a cursor may go without a heartbeat before
// it is considered abandoned.
const DefaultReaderTTL = 30 * time.Second

// DefaultMaxLag is how many bytes behind the head a cursor may fall before
// it is considered irrecoverable under the current retention policy.
const DefaultMaxLag uint64 = 10 * 1024 * 1024 * 1024

// Policy configures a sweep.
type Policy struct {
	ReaderTTL time.Duration
	MaxLag    uint64
}

// DefaultPolicy returns the spec's default TTL and max-lag values.
func DefaultPolicy() Policy {
	return Policy{ReaderTTL: DefaultReaderTTL, MaxLag: DefaultMaxLag}
}

// Position is a (segment_id, offset) pair compared as a lexicographic
// pair rather than multiplied into a byte count, since segment size is
// configurable and not assumed constant across the journal's lifetime.
type Position struct {
	SegmentID uint64
	Offset    uint64
}

// Less reports whether p is strictly behind other.
func (p Position) Less(other Position) bool {
	if p.SegmentID != other.SegmentID {
		return p.SegmentID < other.SegmentID
	}
	return p.Offset < other.Offset
}

// lagBytes estimates how far behind head p is, assuming segmentSize bytes
// per segment; used only for the max-lag cutoff, which is inherently an
// approximation once segment size could vary, but the journal's segment
// size is fixed for its lifetime in practice.
func lagBytes(p, head Position, segmentSize uint64) uint64 {
	phase := func(pos Position) uint64 {
		return pos.SegmentID*segmentSize + pos.Offset
	}
	a, b := phase(p), phase(head)
	if b <= a {
		return 0
	}
	return b - a
}

// MinLiveSegment scans readers/*.meta under journalDir and returns the
// minimum segment id among cursors that are neither TTL-expired nor
// beyond MaxLag, or head.SegmentID if there are no surviving cursors.
func MinLiveSegment(journalDir string, head Position, segmentSize uint64, policy Policy, now time.Time) (uint64, error) {
	readersDir := filepath.Join(journalDir, cursor.Dirname)
	entries, err := os.ReadDir(readersDir)
	if err != nil {
		if os.IsNotExist(err) {
			return head.SegmentID, nil
		}
		return 0, chronicleerr.IO("readdir", err)
	}

	nowNS := uint64(now.UnixNano())
	ttlNS := uint64(policy.ReaderTTL.Nanoseconds())

	var minSegment uint64
	haveMin := false
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name, ok := cursor.Name(ent.Name())
		if !ok {
			continue
		}
		state, ok, err := cursor.Load(journalDir, name)
		if err != nil || !ok {
			continue
		}
		if state.LastHeartbeatNS != 0 && nowNS > state.LastHeartbeatNS && nowNS-state.LastHeartbeatNS > ttlNS {
			continue
		}
		pos := Position{SegmentID: state.SegmentID, Offset: state.Offset}
		if lagBytes(pos, head, segmentSize) > policy.MaxLag {
			continue
		}
		if !haveMin || pos.SegmentID < minSegment {
			minSegment = pos.SegmentID
			haveMin = true
		}
	}
	if !haveMin {
		return head.SegmentID, nil
	}
	return minSegment, nil
}

// Sweep deletes every .q segment (and its .idx/.q.zst/.q.zst.idx/
// .q.zst.remote.json sidecars, whichever are present) with
// segment_id < minSegment and segment_id < head.SegmentID. It returns the
// ids deleted, sorted ascending. One segment's deletion failure does not
// stop the sweep; the first such error is returned alongside the ids that
// were deleted.
func Sweep(journalDir string, minSegment uint64, headSegmentID uint64) ([]uint64, error) {
	entries, err := os.ReadDir(journalDir)
	if err != nil {
		return nil, chronicleerr.IO("readdir", err)
	}

	var deleted []uint64
	var firstErr error
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if !strings.HasSuffix(name, ".q") {
			continue
		}
		id, ok := parseSegmentID(strings.TrimSuffix(name, ".q"))
		if !ok {
			continue
		}
		if !(id < minSegment && id < headSegmentID) {
			continue
		}
		if err := removeSegmentFiles(journalDir, id); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		deleted = append(deleted, id)
	}
	sortUint64s(deleted)
	return deleted, firstErr
}

func removeSegmentFiles(dir string, id uint64) error {
	qPath := segment.Path(dir, id)
	candidates := []string{
		qPath,
		seekindex.Path(dir, id),
		qPath + ".zst",
		qPath + ".zst.idx",
		qPath + ".zst.remote.json",
	}
	var firstErr error
	for _, path := range candidates {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = chronicleerr.IO("remove", err)
			}
		}
	}
	return firstErr
}

func parseSegmentID(stem string) (uint64, bool) {
	if stem == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(stem, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func sortUint64s(s []uint64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
