// Package bus carries processing messages from an orchestrator to any
// number of observers and keeps a replayable JSONL log per run.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrNoLog is returned by History when the bus was built without a
	// log directory.
	ErrNoLog = errors.New("bus: logging disabled")
	// ErrInvalidRunID is returned for run ids that cannot name a log file.
	ErrInvalidRunID = errors.New("bus: invalid run id")
	// ErrClosed is returned by History after Close.
	ErrClosed = errors.New("bus: closed")
)

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidRunID reports whether id can be used as a run id.
func ValidRunID(id string) bool { return runIDPattern.MatchString(id) }

const (
	defaultSubscriberBuffer = 256
	defaultLogQueue         = 4096
)

// Option configures a Bus.
type Option func(*Bus)

// WithSubscriberBuffer sets the per-subscriber channel capacity.
func WithSubscriberBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.subBuf = n
		}
	}
}

// WithLogQueue sets how many envelopes may wait for the log writer.
func WithLogQueue(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueLen = n
		}
	}
}

// Bus fans messages out to subscribers and appends them to per-run logs.
// Publish never blocks on subscribers or disk.
type Bus struct {
	logDir   string
	subBuf   int
	queueLen int

	mu     sync.Mutex
	seq    map[string]uint64
	subs   map[string]map[*Subscription]struct{}
	closed bool

	logq chan logRequest
	done chan struct{}
}

type logRequest struct {
	env   Envelope
	flush chan struct{}
}

// Subscription receives the envelopes of one run in publish order.
type Subscription struct {
	C <-chan Envelope

	c       chan Envelope
	runID   string
	dropped atomic.Uint64
}

// Dropped returns how many envelopes were discarded because C was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// New creates a Bus. logDir may be empty to disable persistence.
func New(logDir string, opts ...Option) *Bus {
	b := &Bus{
		logDir:   logDir,
		subBuf:   defaultSubscriberBuffer,
		queueLen: defaultLogQueue,
		seq:      make(map[string]uint64),
		subs:     make(map[string]map[*Subscription]struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	if logDir == "" {
		close(b.done)
		return b
	}
	b.logq = make(chan logRequest, b.queueLen)
	go b.writeLoop()
	return b
}

// Publish stamps m with the next sequence number of runID, delivers it to
// subscribers and queues it for the log.
func (b *Bus) Publish(runID string, m Message) Envelope {
	payload, err := json.Marshal(m)
	if err != nil {
		slog.Error("bus: marshalling message", "run_id", runID, "kind", m.Kind(), "error", err)
		payload = []byte("{}")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq[runID]++
	env := Envelope{
		RunID:   runID,
		Seq:     b.seq[runID],
		Time:    time.Now().UTC(),
		Kind:    m.Kind(),
		Payload: payload,
	}

	for sub := range b.subs[runID] {
		select {
		case sub.c <- env:
		default:
			if sub.dropped.Add(1) == 1 {
				slog.Warn("bus: subscriber too slow, dropping messages", "run_id", runID)
			}
		}
	}

	if b.logq != nil && !b.closed {
		select {
		case b.logq <- logRequest{env: env}:
		default:
			slog.Warn("bus: log queue full, message not persisted", "run_id", runID, "seq", env.Seq)
		}
	}
	return env
}

// Subscribe registers an observer for runID. The returned func removes it
// and closes the channel; calling it more than once is safe.
func (b *Bus) Subscribe(runID string) (*Subscription, func()) {
	c := make(chan Envelope, b.subBuf)
	sub := &Subscription{C: c, c: c, runID: runID}

	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[*Subscription]struct{})
	}
	b.subs[runID][sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return sub, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[runID], sub)
			if len(b.subs[runID]) == 0 {
				delete(b.subs, runID)
			}
			b.mu.Unlock()
			close(c)
		})
	}
}

// LastSeq returns the sequence number of the latest envelope of runID
// published by this process, 0 once the run has been released.
func (b *Bus) LastSeq(runID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq[runID]
}

// Release forgets the sequence counter of a finished run. Nothing may be
// published for runID afterwards: numbering would restart at 1. The log
// and any open subscriptions are unaffected.
func (b *Bus) Release(runID string) {
	b.mu.Lock()
	delete(b.seq, runID)
	b.mu.Unlock()
}

// LogPath returns the JSONL file backing runID.
func (b *Bus) LogPath(runID string) string {
	return filepath.Join(b.logDir, runID+".jsonl")
}

// History waits for queued log writes to land and returns every persisted
// envelope of runID in order. A run with no log yields an empty slice.
func (b *Bus) History(ctx context.Context, runID string) ([]Envelope, error) {
	if b.logDir == "" {
		return nil, ErrNoLog
	}
	if !ValidRunID(runID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRunID, runID)
	}
	if err := b.flush(ctx); err != nil {
		return nil, err
	}
	return readLogIfExists(b.LogPath(runID))
}

// Follow calls fn for the full history of runID and then for every live
// envelope, without gaps or duplicates, until ctx ends or fn fails.
func (b *Bus) Follow(ctx context.Context, runID string, fn func(Envelope) error) error {
	sub, cancel := b.Subscribe(runID)
	defer cancel()

	history, err := b.History(ctx, runID)
	if err != nil && !errors.Is(err, ErrNoLog) {
		return err
	}
	var last uint64
	for _, env := range history {
		if err := fn(env); err != nil {
			return err
		}
		last = env.Seq
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-sub.C:
			if !ok {
				return nil
			}
			if env.Seq <= last {
				continue
			}
			if err := fn(env); err != nil {
				return err
			}
			last = env.Seq
		}
	}
}

func (b *Bus) flush(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	// Sending under the lock keeps Close from closing logq underneath us.
	select {
	case b.logq <- logRequest{flush: done}:
		b.mu.Unlock()
	default:
		b.mu.Unlock()
		// Queue full: wait for the writer to make room.
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
		return b.flush(ctx)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains pending log writes and stops the writer. Publish keeps
// delivering to subscribers after Close but no longer persists.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	if b.logq != nil {
		close(b.logq)
	}
	b.mu.Unlock()
	<-b.done
	return nil
}

func (b *Bus) writeLoop() {
	defer close(b.done)
	for req := range b.logq {
		if req.flush != nil {
			close(req.flush)
			continue
		}
		if !ValidRunID(req.env.RunID) {
			slog.Warn("bus: run id not usable as log name, skipping", "run_id", req.env.RunID)
			continue
		}
		if err := appendJSONL(b.LogPath(req.env.RunID), req.env); err != nil {
			slog.Warn("bus: appending to run log", "run_id", req.env.RunID, "error", err)
		}
	}
}
