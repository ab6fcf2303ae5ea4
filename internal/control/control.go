// Package control implements the shared mmap'd ControlBlock page: the
// writer's current head (segment id, write offset), its epoch and
// heartbeat, and the notification word readers park on. Three
// 128-byte-separated field groups keep concurrent readers and the writer
// from false-sharing cache lines.
package control

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/chronicle-journal/chronicle/chronicleerr"
	"github.com/chronicle-journal/chronicle/internal/mmapfile"
)

// PageSize is the size of the mapped control file. One OS page is ample
// for the handful of hot words this block holds; the rest is padding that
// keeps the three groups apart.
const PageSize = 4096

const (
	magicValue   uint32 = 0x43485243 // "CHRC"
	versionValue uint32 = 1

	initEmpty    uint32 = 0
	initCreating uint32 = 1
	initReady    uint32 = 2
)

// Offsets within the page. Group boundaries are 128 bytes apart.
const (
	offMagic       = 0
	offVersion     = 4
	offInitState   = 8
	offWriterEpoch = 16

	offHeadSegment = 128

	offWriteOffset  = 256
	offNotifySeq    = 264
	offWaiters      = 268
	offHeartbeatNS  = 272
	offWriterLocked = 280 // 0/1: best-effort hint, not authoritative
)

// Filename is the conventional control-block file name within a journal
// directory.
const Filename = "control.meta"

// Block is an opened, mapped control page.
type Block struct {
	region *mmapfile.Region
	buf    []byte
}

// Create installs a brand-new control page at path via the standard
// temp-file-then-atomic-rename handoff: the file does not appear under
// its final name until it is fully initialized and marked ready.
func Create(path string, headSegment uint64, writeOffset uint64, writerEpoch uint64) (*Block, error) {
	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	region, err := mmapfile.Create(tmp, PageSize)
	if err != nil {
		return nil, err
	}
	buf, err := region.Slice(0, PageSize)
	if err != nil {
		region.Close()
		os.Remove(tmp)
		return nil, err
	}

	putU32(buf, offInitState, initCreating)
	putU64(buf, offWriterEpoch, writerEpoch)
	putU64(buf, offHeadSegment, headSegment)
	putU64(buf, offWriteOffset, writeOffset)
	putU32(buf, offNotifySeq, 0)
	putU32(buf, offWaiters, 0)
	putU64(buf, offHeartbeatNS, uint64(time.Now().UnixNano()))
	putU32(buf, offVersion, versionValue)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&buf[offMagic])), magicValue)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&buf[offInitState])), initReady)

	if err := region.FlushAll(); err != nil {
		region.Close()
		os.Remove(tmp)
		return nil, err
	}
	if err := region.Close(); err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, chronicleerr.IO("rename", err)
	}

	return Open(path)
}

// Open maps an existing control page, spinning briefly while init_state
// transitions to ready (it only observes a non-ready state if the page is
// reopened mid-Create in the same process, since other processes never see
// the file before the atomic rename completes).
func Open(path string) (*Block, error) {
	region, err := mmapfile.Open(path, PageSize, true)
	if err != nil {
		return nil, err
	}
	buf, err := region.Slice(0, PageSize)
	if err != nil {
		region.Close()
		return nil, err
	}

	b := &Block{region: region, buf: buf}
	if err := b.waitReady(); err != nil {
		region.Close()
		return nil, err
	}
	return b, nil
}

// Exists reports whether a control file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (b *Block) waitReady() error {
	for i := 0; i < 100000; i++ {
		state := atomic.LoadUint32((*uint32)(unsafe.Pointer(&b.buf[offInitState])))
		if state == initReady {
			break
		}
		if i == 99999 {
			return chronicleerr.Corrupt("control: init never reached ready")
		}
	}
	magic := atomic.LoadUint32((*uint32)(unsafe.Pointer(&b.buf[offMagic])))
	if magic != magicValue {
		return chronicleerr.Corrupt("control: bad magic")
	}
	version := getU32(b.buf, offVersion)
	if version != versionValue {
		return chronicleerr.ErrUnsupportedVersion
	}
	return nil
}

// Close unmaps the control block.
func (b *Block) Close() error {
	return b.region.Close()
}

// Head returns the writer's current (segment id, write offset), both
// loaded Acquire so a reader that captures them next publishes its cursor
// strictly behind what it has observed.
func (b *Block) Head() (segmentID uint64, writeOffset uint64) {
	return getU64Acquire(b.buf, offHeadSegment), getU64Acquire(b.buf, offWriteOffset)
}

// SetWriteOffset advances the write offset within the current segment.
// Only the writer calls this; it never regresses the value.
func (b *Block) SetWriteOffset(off uint64) {
	putU64Release(b.buf, offWriteOffset, off)
}

// RollToSegment advances the head to a new segment at the given starting
// offset. Per spec order: write_offset first, then segment id.
func (b *Block) RollToSegment(segmentID uint64, writeOffset uint64) {
	putU64Release(b.buf, offWriteOffset, writeOffset)
	putU64Release(b.buf, offHeadSegment, segmentID)
}

// WriterHeartbeatNS returns the writer's last heartbeat timestamp.
func (b *Block) WriterHeartbeatNS() uint64 {
	return getU64Acquire(b.buf, offHeartbeatNS)
}

// SetWriterHeartbeatNS updates the writer's heartbeat.
func (b *Block) SetWriterHeartbeatNS(ns uint64) {
	putU64Release(b.buf, offHeartbeatNS, ns)
}

// WriterEpoch returns the current writer epoch (bumped on takeover).
func (b *Block) WriterEpoch() uint64 {
	return getU64Acquire(b.buf, offWriterEpoch)
}

// SetWriterEpoch sets the writer epoch.
func (b *Block) SetWriterEpoch(epoch uint64) {
	putU64Release(b.buf, offWriterEpoch, epoch)
}

// NotifySeqPtr exposes the notification word for the notify package to
// wait/wake on directly.
func (b *Block) NotifySeqPtr() *uint32 {
	return (*uint32)(unsafe.Pointer(&b.buf[offNotifySeq]))
}

// WaitersPendingPtr exposes the waiter counter for the notify package.
func (b *Block) WaitersPendingPtr() *uint32 {
	return (*uint32)(unsafe.Pointer(&b.buf[offWaiters]))
}

func putU32(buf []byte, off int, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&buf[off])), v)
}

func getU32(buf []byte, off int) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&buf[off])))
}

func putU64(buf []byte, off int, v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&buf[off])), v)
}

func putU64Release(buf []byte, off int, v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&buf[off])), v)
}

func getU64Acquire(buf []byte, off int) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&buf[off])))
}
