// Package journal is the facade that wires a Publisher, its Subscribers,
// retention, and the tiering worker for one journal directory behind a
// single Open call — the shape most host processes actually want, rather
// than assembling publisher/subscriber/tiering by hand.
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chronicle-journal/chronicle/publisher"
	"github.com/chronicle-journal/chronicle/subscriber"
	"github.com/chronicle-journal/chronicle/tiering"
)

// errReaderOnly is returned by write-side operations on a Journal opened
// with Role == ReaderOnly.
var errReaderOnly = fmt.Errorf("chronicle: journal opened read-only")

// Meta is a record's identity without its payload, used for bootstrap
// diagnostics and resume decisions that don't need the payload bytes.
type Meta struct {
	Seq         uint64
	TimestampNS uint64
}

// Config configures a facade Journal. Role determines which of Publisher
// and Tiering are active; a process may run as Writer (this host owns the
// journal) or Reader-only (consumers only, no write access attempted).
type Config struct {
	Role Role

	Publisher publisher.Options
	Tiering   tiering.Config

	// EnableTiering starts the background compression/remote worker
	// alongside the publisher. Only meaningful when Role is Writer, since
	// tiering mutates sealed segment files the same way the writer does.
	EnableTiering bool

	Now    func() time.Time
	Logger *slog.Logger
}

// Role selects whether a facade Journal owns the write side.
type Role int

const (
	// Writer opens (or takes over) the journal's writer lock and runs the
	// publisher's background heartbeat/retention workers.
	Writer Role = iota
	// ReaderOnly never attempts to acquire the writer lock; Append is
	// unavailable.
	ReaderOnly
)

func (c *Config) setDefaults() {
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Journal is one journal directory, optionally owning the write side, with
// zero or more live Subscribers opened against it.
type Journal struct {
	dir string
	cfg Config

	pub *publisher.Publisher
	tw  *tiering.Worker

	mu   sync.Mutex
	subs map[string]*subscriber.Subscriber

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open sets up a Journal for dir. When cfg.Role is Writer, this acquires
// the writer lock (taking over a dead predecessor if needed) via
// publisher.Open; ReaderOnly skips that step entirely.
func Open(dir string, cfg Config) (*Journal, error) {
	cfg.setDefaults()
	j := &Journal{dir: dir, cfg: cfg, subs: make(map[string]*subscriber.Subscriber)}

	if cfg.Role == Writer {
		cfg.Publisher.Now = cfg.Now
		cfg.Publisher.Logger = cfg.Logger
		pub, err := publisher.Open(dir, cfg.Publisher)
		if err != nil {
			return nil, err
		}
		j.pub = pub

		if cfg.EnableTiering {
			cfg.Tiering.Now = cfg.Now
			cfg.Tiering.Logger = cfg.Logger
			j.tw = tiering.NewWorker(dir, cfg.Tiering)
		}
	}

	return j, nil
}

// Run starts the publisher's heartbeat/retention workers and, if enabled,
// the tiering scan loop, and blocks until ctx is cancelled. Call it from
// its own goroutine; Close also stops it.
func (j *Journal) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	j.mu.Lock()
	j.cancel = cancel
	j.mu.Unlock()

	if j.pub != nil {
		j.wg.Add(1)
		go func() {
			defer j.wg.Done()
			j.pub.Run(ctx)
		}()
	}
	if j.tw != nil {
		stopCh := make(chan struct{})
		j.wg.Add(1)
		go func() {
			defer j.wg.Done()
			<-ctx.Done()
			close(stopCh)
		}()
		j.wg.Add(1)
		go func() {
			defer j.wg.Done()
			j.tw.Run(stopCh)
		}()
	}
	<-ctx.Done()
	j.wg.Wait()
}

// Append writes a record, failing if this Journal was opened ReaderOnly.
func (j *Journal) Append(typeTag uint16, payload []byte) (seq uint64, err error) {
	if j.pub == nil {
		return 0, errReaderOnly
	}
	return j.pub.Append(typeTag, payload)
}

// OpenSubscriber opens (or returns the already-open) named consumer.
func (j *Journal) OpenSubscriber(name string, cfg subscriber.Options) (*subscriber.Subscriber, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if sub, ok := j.subs[name]; ok {
		return sub, nil
	}
	if cfg.Now == nil {
		cfg.Now = j.cfg.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = j.cfg.Logger
	}
	sub, err := subscriber.Open(j.dir, name, cfg)
	if err != nil {
		return nil, err
	}
	j.subs[name] = sub
	return sub, nil
}

// CloseSubscriber closes and forgets the named consumer.
func (j *Journal) CloseSubscriber(name string) error {
	j.mu.Lock()
	sub, ok := j.subs[name]
	delete(j.subs, name)
	j.mu.Unlock()
	if !ok {
		return nil
	}
	return sub.Close()
}

// Cleanup runs one retention sweep immediately, outside Run's periodic
// schedule; only meaningful for a Writer-role Journal.
func (j *Journal) Cleanup() ([]uint64, error) {
	if j.pub == nil {
		return nil, errReaderOnly
	}
	return j.pub.Cleanup()
}

// Close stops background workers, closes every open subscriber, and
// releases the writer lock if held.
func (j *Journal) Close() error {
	j.mu.Lock()
	cancel := j.cancel
	subs := make([]*subscriber.Subscriber, 0, len(j.subs))
	for _, sub := range j.subs {
		subs = append(subs, sub)
	}
	j.subs = make(map[string]*subscriber.Subscriber)
	j.mu.Unlock()

	if cancel != nil {
		cancel()
		j.wg.Wait()
	}

	var firstErr error
	for _, sub := range subs {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if j.pub != nil {
		if err := j.pub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
