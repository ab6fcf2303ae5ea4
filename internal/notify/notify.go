// Package notify implements the futex-style wait/wake protocol readers and
// the writer use to coordinate over the control block's notify_seq and
// waiters_pending words, without any lost or spurious wakes.
package notify

import (
	"sync/atomic"
	"time"
)

// Notifier wraps the two control-block words the suppressed-wake protocol
// operates on. Callers obtain the pointers from control.Block.
type Notifier struct {
	notifySeq      *uint32
	waitersPending *uint32
}

// New wraps the given notify_seq / waiters_pending words.
func New(notifySeq, waitersPending *uint32) *Notifier {
	return &Notifier{notifySeq: notifySeq, waitersPending: waitersPending}
}

// Strategy selects how Wait spins/parks while no data is visible.
type Strategy int

const (
	// BusySpin never parks; it's a tight spin-peek loop until the caller's
	// poll function reports data ready or the deadline passes. Lowest
	// latency, highest CPU cost.
	BusySpin Strategy = iota
	// SpinThenPark spin-peeks for SpinFor, then falls back to the
	// suppressed-wake park protocol.
	SpinThenPark
	// Sleep skips spinning and parks immediately.
	Sleep
)

// Options configures Wait.
type Options struct {
	Strategy Strategy
	// SpinFor bounds the busy-spin phase for BusySpin/SpinThenPark.
	// Defaults to 10µs, per the spec's hybrid wait default.
	SpinFor time.Duration
}

// DefaultOptions returns the spec's default hybrid wait configuration.
func DefaultOptions() Options {
	return Options{Strategy: SpinThenPark, SpinFor: 10 * time.Microsecond}
}

// Wait blocks until poll() reports true, notify_seq changes, or timeout
// elapses (timeout <= 0 means wait forever). poll is called repeatedly
// during the spin phase, once more after registering as a waiter
// (immediately before parking), and again after each park returns,
// implementing the spec's
// check-after-register sequence:
//
//  1. SeqCst-add-1 to waiters_pending
//  2. Acquire-load notify_seq as expected
//  3. re-check poll(); if true, SeqCst-sub-1 and return
//  4. park on notify_seq != expected, bounded by timeout
//  5. SeqCst-sub-1 on return
func (n *Notifier) Wait(opts Options, timeout time.Duration, poll func() bool) bool {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	if opts.Strategy != Sleep {
		spinUntil := time.Now().Add(opts.SpinFor)
		for time.Now().Before(spinUntil) {
			if poll() {
				return true
			}
			if opts.Strategy == BusySpin {
				if !deadline.IsZero() && time.Now().After(deadline) {
					return false
				}
				continue
			}
		}
		if opts.Strategy == BusySpin {
			for {
				if poll() {
					return true
				}
				if !deadline.IsZero() && time.Now().After(deadline) {
					return false
				}
			}
		}
	}

	for {
		atomic.AddUint32(n.waitersPending, 1)
		expected := atomic.LoadUint32(n.notifySeq)
		if poll() {
			atomic.AddUint32(n.waitersPending, ^uint32(0))
			return true
		}

		var remaining time.Duration
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				atomic.AddUint32(n.waitersPending, ^uint32(0))
				return false
			}
		}

		parkWait(n.notifySeq, expected, remaining)
		atomic.AddUint32(n.waitersPending, ^uint32(0))

		if poll() {
			return true
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return false
		}
	}
}

// Wake bumps notify_seq Release and wakes every parked waiter, but only if
// at least one waiter is registered (no spurious wake syscalls).
func (n *Notifier) Wake() {
	if atomic.LoadUint32(n.waitersPending) == 0 {
		return
	}
	atomic.AddUint32(n.notifySeq, 1)
	parkWake(n.notifySeq)
}
