//go:build linux

package notify

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// parkWait blocks on addr via the Linux futex syscall as long as *addr
// still equals expected, bounded by timeout (<=0 means forever). EAGAIN
// (value already changed) and EINTR both just return — the caller
// re-checks poll() immediately after.
func parkWait(addr *uint32, expected uint32, timeout time.Duration) {
	var ts unix.Timespec
	var tsPtr unsafe.Pointer
	if timeout > 0 {
		ts = unix.NsecToTimespec(timeout.Nanoseconds())
		tsPtr = unsafe.Pointer(&ts)
	}

	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAIT),
		uintptr(expected),
		uintptr(tsPtr),
		0, 0,
	)
	_ = errno // EAGAIN/EINTR/ETIMEDOUT all fall through to the caller's re-check
}

// parkWake wakes every waiter parked on addr.
func parkWake(addr *uint32) {
	unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAKE),
		uintptr(0x7fffffff),
		0, 0, 0,
	)
}
