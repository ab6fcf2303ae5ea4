// Package writerlock implements the advisory single-writer lock: an
// exclusive flock on a sentinel file plus a {pid, process start time,
// epoch} record used to fail-stop a dead writer so a successor can take
// over safely.
package writerlock

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/chronicle-journal/chronicle/chronicleerr"
)

// Filename is the conventional sentinel file name within a journal
// directory.
const Filename = "writer.lock"

// Info identifies the process holding (or that last held) the writer
// lock.
type Info struct {
	PID       uint32
	StartTime uint64
	Epoch     uint64
}

// Lock is a held advisory writer lock.
type Lock struct {
	file  *os.File
	path  string
	epoch uint64
}

// Acquire implements the full §4.6 acquire path in one call: open+create
// the sentinel, read whatever record is already there (before it can be
// overwritten), take the exclusive advisory lock non-blockingly, and
// decide what to do on contention.
//
//   - If the lock is free: the new epoch is the prior record's epoch + 1
//     (or 1 if there was no prior record), the new record is written and
//     fsynced, and a held Lock is returned.
//   - If the lock is held and the existing record names a pid that is
//     still alive (per Alive), Acquire returns chronicleerr.ErrWriterAlive.
//   - If the lock is held but the record's owner is not alive, this is an
//     inconsistent state no pure-flock API can resolve (the OS still
//     thinks someone holds it) — Acquire reports ErrWriterAlive
//     conservatively rather than guess; the stale branch above already
//     covers the common real-world case, since flock is released
//     automatically when its owning process exits.
func Acquire(path string) (lock *Lock, err error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, chronicleerr.IO("open", err)
	}
	ok := false
	defer func() {
		if !ok {
			f.Close()
		}
	}()

	priorInfo, hadPrior, err := readInfoFile(f)
	if err != nil {
		return nil, err
	}

	if lockErr := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); lockErr != nil {
		if lockErr == unix.EWOULDBLOCK || lockErr == unix.EAGAIN {
			// hadPrior && !Alive(priorInfo) would mean the record names a dead
			// owner yet the OS still reports the lock held — an inconsistent
			// state no pure-flock check can resolve, so it is treated the same
			// conservative way as a genuinely live owner.
			return nil, chronicleerr.ErrWriterAlive
		}
		return nil, chronicleerr.IO("flock", lockErr)
	}

	newEpoch := uint64(1)
	if hadPrior {
		newEpoch = priorInfo.Epoch + 1
	}
	pid, startTime := identity()
	if err := writeRecord(f, Info{PID: pid, StartTime: startTime, Epoch: newEpoch}); err != nil {
		return nil, err
	}

	ok = true
	return &Lock{file: f, path: path, epoch: newEpoch}, nil
}

// Release drops the flock. The sentinel file's contents are left in
// place: readers use ReadInfo + Alive to decide liveness, not file
// existence.
func (l *Lock) Release() error {
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return chronicleerr.IO("funlock", err)
	}
	return l.file.Close()
}

// Epoch returns the epoch this lock was acquired with.
func (l *Lock) Epoch() uint64 {
	return l.epoch
}

func writeRecord(f *os.File, info Info) error {
	record := fmt.Sprintf("%d %d %d\n", info.PID, info.StartTime, info.Epoch)
	if err := f.Truncate(0); err != nil {
		return chronicleerr.IO("truncate", err)
	}
	if _, err := f.WriteAt([]byte(record), 0); err != nil {
		return chronicleerr.IO("write", err)
	}
	return chronicleerr.IO("fsync", f.Sync())
}

func readInfoFile(f *os.File) (info Info, ok bool, err error) {
	data, err := os.ReadFile(f.Name())
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, false, nil
		}
		return Info{}, false, chronicleerr.IO("read", err)
	}
	return parseInfo(data)
}

// ReadInfo reads the lock record at path without acquiring the lock. It
// returns ok=false if the file does not exist or is empty.
func ReadInfo(path string) (info Info, ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, false, nil
		}
		return Info{}, false, chronicleerr.IO("read", err)
	}
	return parseInfo(data)
}

func parseInfo(data []byte) (info Info, ok bool, err error) {
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return Info{}, false, nil
	}
	pid, err1 := strconv.ParseUint(fields[0], 10, 32)
	startTime, err2 := strconv.ParseUint(fields[1], 10, 64)
	epoch, err3 := strconv.ParseUint(fields[2], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return Info{}, false, chronicleerr.Corrupt("writerlock: malformed record")
	}
	if pid == 0 {
		return Info{}, false, nil
	}
	return Info{PID: uint32(pid), StartTime: startTime, Epoch: epoch}, true, nil
}

// Alive reports whether the process identified by info is still the same
// process that wrote the record: on Linux it compares /proc/<pid>/stat's
// starttime field (which cannot repeat for a live pid across reboots of
// the process), treating any read failure as "not alive" (the pid either
// exited or was never valid). On non-Linux platforms there is no reliable
// cross-process liveness signal available without cgo, so Alive
// conservatively reports true (a stale lock is broken only by flock
// contention there, not by heartbeat/epoch inspection).
func Alive(info Info) bool {
	if info.PID == 0 {
		return false
	}
	return alive(info)
}
