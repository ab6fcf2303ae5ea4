// Package cursor implements the durable per-consumer ReaderCursor file:
// {segment-id, byte-offset, last-heartbeat-ns, reserved}, rewritten
// atomically on every commit via temp-file-then-rename.
package cursor

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chronicle-journal/chronicle/chronicleerr"
)

const (
	fileLen uint32 = 40
	magic   uint32 = 0x43485243 // "CHRC" reused: distinct file, distinct directory
	version uint32 = 1
)

// Dirname is the conventional subdirectory holding cursor files.
const Dirname = "readers"

// State is the decoded contents of a cursor file.
type State struct {
	SegmentID       uint64
	Offset          uint64
	LastHeartbeatNS uint64
}

// Filename returns the cursor file name for a consumer name. Consumer
// names are opaque strings chosen by the caller (e.g. a service name).
func Filename(name string) string {
	return name + ".meta"
}

// Path joins journalDir/readers/<name>.meta.
func Path(journalDir, name string) string {
	return filepath.Join(journalDir, Dirname, Filename(name))
}

// Load reads a consumer's cursor file. ok is false if no cursor exists yet
// (a brand-new consumer).
func Load(journalDir, name string) (state State, ok bool, err error) {
	path := Path(journalDir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, false, nil
		}
		return State{}, false, chronicleerr.IO("read", err)
	}
	if len(data) < int(fileLen) {
		return State{}, false, chronicleerr.Corrupt("cursor: file truncated")
	}
	gotMagic := binary.LittleEndian.Uint32(data[0:4])
	if gotMagic != magic {
		return State{}, false, chronicleerr.Corrupt("cursor: bad magic")
	}
	gotVersion := binary.LittleEndian.Uint32(data[4:8])
	if gotVersion != version {
		return State{}, false, chronicleerr.ErrUnsupportedVersion
	}
	return State{
		SegmentID:       binary.LittleEndian.Uint64(data[8:16]),
		Offset:          binary.LittleEndian.Uint64(data[16:24]),
		LastHeartbeatNS: binary.LittleEndian.Uint64(data[24:32]),
	}, true, nil
}

// Commit atomically rewrites the cursor file with state, creating the
// readers/ subdirectory if needed. Committing the same state twice is
// idempotent: the file contents are identical byte-for-byte.
func Commit(journalDir, name string, state State) error {
	dir := filepath.Join(journalDir, Dirname)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return chronicleerr.IO("mkdir", err)
	}

	buf := make([]byte, fileLen)
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], version)
	binary.LittleEndian.PutUint64(buf[8:16], state.SegmentID)
	binary.LittleEndian.PutUint64(buf[16:24], state.Offset)
	binary.LittleEndian.PutUint64(buf[24:32], state.LastHeartbeatNS)
	// bytes [32:40] reserved, left zero.

	final := Path(journalDir, name)
	tmp := fmt.Sprintf("%s.tmp.%d", final, os.Getpid())
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return chronicleerr.IO("create", err)
	}
	ok := false
	defer func() {
		if !ok {
			f.Close()
			os.Remove(tmp)
		}
	}()

	if _, err := f.Write(buf); err != nil {
		return chronicleerr.IO("write", err)
	}
	if err := f.Sync(); err != nil {
		return chronicleerr.IO("fsync", err)
	}
	if err := f.Close(); err != nil {
		return chronicleerr.IO("close", err)
	}
	ok = true
	if err := os.Rename(tmp, final); err != nil {
		return chronicleerr.IO("rename", err)
	}
	return nil
}

// Name extracts the consumer name from a cursor filename ("<name>.meta").
func Name(filename string) (string, bool) {
	const suffix = ".meta"
	if len(filename) <= len(suffix) || filename[len(filename)-len(suffix):] != suffix {
		return "", false
	}
	return filename[:len(filename)-len(suffix)], true
}
