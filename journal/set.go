package journal

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// SetOptions configures a Set.
type SetOptions struct {
	Now    func() time.Time
	Logger *slog.Logger
}

// Set tracks every Journal a process has open, so one background context
// can drive all of their Run loops and Close can bring all of them down
// together on shutdown.
type Set struct {
	now    func() time.Time
	logger *slog.Logger

	lock     sync.Mutex
	journals []*Journal
}

// SetRunner is the running form of a Set: one goroutine per member
// Journal's Run loop, stoppable as a unit.
type SetRunner struct {
	set      *Set
	shutdown context.CancelFunc
	wg       sync.WaitGroup
}

// NewSet constructs an empty Set.
func NewSet(opt SetOptions) *Set {
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	return &Set{now: opt.Now, logger: opt.Logger}
}

// Add registers j with the set.
func (set *Set) Add(j *Journal) {
	set.lock.Lock()
	defer set.lock.Unlock()
	set.journals = append(set.journals, j)
}

// Remove unregisters j, if present.
func (set *Set) Remove(j *Journal) {
	set.lock.Lock()
	defer set.lock.Unlock()
	i := slices.Index(set.journals, j)
	if i != -1 {
		set.journals = slices.Delete(set.journals, i, i+1)
	}
}

// Journals returns a snapshot of the currently registered journals.
func (set *Set) Journals() []*Journal {
	set.lock.Lock()
	defer set.lock.Unlock()
	return slices.Clone(set.journals)
}

// CleanupAll runs one retention sweep on every writer-role member,
// returning the total number of segments removed across all of them.
func (set *Set) CleanupAll(ctx context.Context) int {
	var total int
	for _, j := range set.Journals() {
		if ctx.Err() != nil {
			return total
		}
		removed, err := j.Cleanup()
		if err != nil {
			set.logger.Error("cleanup error", "journal", j.dir, "err", err)
			continue
		}
		total += len(removed)
	}
	return total
}

// StartBackground spawns j.Run for every currently registered Journal and
// returns a SetRunner that stops all of them together. Journals added
// after StartBackground is called are not picked up; call it once all
// member journals are registered.
func (set *Set) StartBackground(ctx context.Context) *SetRunner {
	ctx, cancel := context.WithCancel(ctx)
	runner := &SetRunner{set: set, shutdown: cancel}
	for _, j := range set.Journals() {
		j := j
		runner.wg.Add(1)
		go func() {
			defer runner.wg.Done()
			j.Run(ctx)
		}()
	}
	return runner
}

// Close stops every Journal's Run loop started by StartBackground and
// waits for them to return. It does not close the journals themselves;
// call Journal.Close separately for that.
func (runner *SetRunner) Close() {
	runner.shutdown()
	runner.wg.Wait()
}
