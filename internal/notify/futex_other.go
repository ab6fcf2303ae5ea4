//go:build !linux

package notify

import "time"

// parkWait has no portable futex equivalent outside Linux without cgo, so
// it degrades to a bounded sleep, matching original_source's non-Linux
// fallback. The caller re-checks poll() immediately after returning.
func parkWait(addr *uint32, expected uint32, timeout time.Duration) {
	d := time.Millisecond
	if timeout > 0 && timeout < d {
		d = timeout
	}
	time.Sleep(d)
}

// parkWake is a no-op: there is nothing parked to wake on this platform,
// sleepers simply re-poll on their own short interval.
func parkWake(addr *uint32) {}
