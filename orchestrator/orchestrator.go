// Package orchestrator runs the two processing passes over a document.
// Pass 1 scans word-clean chunks with a detection agent; pass 2 groups
// the detected events by position and lets a resolver agent relate each
// group in time.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brunobiangulo/storyline/agent"
	"github.com/brunobiangulo/storyline/bus"
	"github.com/brunobiangulo/storyline/chunker"
	"github.com/brunobiangulo/storyline/store"
	"github.com/brunobiangulo/storyline/tools"
)

// ErrInitialization marks failures that abort a run before any chunk is
// processed.
var ErrInitialization = errors.New("initialization failed")

// InitializationError reports which setup stage failed.
type InitializationError struct {
	Stage string // "document", "taxonomy", ...
	Err   error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialization failed: %s: %v", e.Stage, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

func (e *InitializationError) Is(target error) bool { return target == ErrInitialization }

// Config holds the processing parameters.
type Config struct {
	ChunkSize     int
	OverlapSize   int
	BatchRadius   int
	ContextMargin int
	// MaxRetries is the number of extra attempts for a failed chunk or
	// batch. Zero skips a failure immediately.
	MaxRetries int
	// RetryDelay is the first backoff delay; it doubles on each retry.
	RetryDelay time.Duration
}

// DefaultConfig returns the default processing parameters.
func DefaultConfig() Config {
	return Config{
		ChunkSize:     2000,
		OverlapSize:   400,
		BatchRadius:   2500,
		ContextMargin: 500,
		RetryDelay:    2 * time.Second,
	}
}

// Validate checks the parameters.
func (c Config) Validate() error {
	switch {
	case c.ChunkSize < 1:
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	case c.OverlapSize < 0:
		return fmt.Errorf("overlap size must not be negative, got %d", c.OverlapSize)
	case c.OverlapSize >= c.ChunkSize:
		return fmt.Errorf("overlap size %d must be smaller than chunk size %d", c.OverlapSize, c.ChunkSize)
	case c.BatchRadius < 0:
		return fmt.Errorf("batch radius must not be negative, got %d", c.BatchRadius)
	case c.ContextMargin < 0:
		return fmt.Errorf("context margin must not be negative, got %d", c.ContextMargin)
	case c.MaxRetries < 0:
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	return nil
}

// Stats are the counters of one run.
type Stats struct {
	TotalCharacters      int       `json:"totalCharacters"`
	ChunksProcessed      int       `json:"chunksProcessed"`
	EventsFound          int       `json:"eventsFound"`
	BatchesProcessed     int       `json:"batchesProcessed"`
	RelationshipsCreated int       `json:"relationshipsCreated"`
	DatesAdded           int       `json:"datesAdded"`
	TaxonomyLinks        int       `json:"taxonomyLinks"`
	Retries              int       `json:"retries"`
	StartedAt            time.Time `json:"startedAt"`
	CompletedAt          time.Time `json:"completedAt"`
	Errors               []string  `json:"errors"`
}

func (s Stats) clone() Stats {
	s.Errors = append([]string(nil), s.Errors...)
	return s
}

// Detector finds events in one chunk. *agent.Detector implements it.
type Detector interface {
	Detect(ctx context.Context, in agent.ChunkInput) (agent.DetectionOutcome, error)
}

// Resolver relates the events of one batch. *agent.Resolver implements it.
type Resolver interface {
	Resolve(ctx context.Context, in agent.BatchInput) (agent.ResolutionOutcome, error)
}

// EventSource reads back what pass 1 produced. *store.Store implements it.
type EventSource interface {
	ListEvents(ctx context.Context, novel string) ([]store.Event, error)
	RelationshipsForEvents(ctx context.Context, novel string, eventIDs []string) ([]store.Relationship, error)
}

// Job describes one run.
type Job struct {
	RunID     string
	NovelName string
	// Load returns the document text. It is called once, while
	// initializing.
	Load func(ctx context.Context) (string, error)
}

// Orchestrator processes one novel at a time. Run may be called once.
type Orchestrator struct {
	cfg      Config
	detector Detector
	resolver Resolver
	events   EventSource
	pub      tools.Publisher
	metrics  *Metrics

	mu    sync.Mutex
	state State
	stats Stats
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records progress on m.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New creates an Orchestrator. pub may be nil.
func New(cfg Config, d Detector, r Resolver, events EventSource, pub tools.Publisher, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:      cfg,
		detector: d,
		resolver: r,
		events:   events,
		pub:      pub,
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Stats returns a copy of the run counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats.clone()
}

func (o *Orchestrator) transition(to State) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := ValidateTransition(o.state, to); err != nil {
		return err
	}
	o.state = to
	return nil
}

func (o *Orchestrator) update(fn func(*Stats)) {
	o.mu.Lock()
	fn(&o.stats)
	o.mu.Unlock()
}

func (o *Orchestrator) recordError(msg string) {
	o.update(func(s *Stats) { s.Errors = append(s.Errors, msg) })
}

func (o *Orchestrator) status(runID string, tag bus.StatusTag, text string, data any) {
	if o.pub != nil {
		o.pub.Publish(runID, bus.NewStatus(tag, text, data))
	}
}

// Run processes a document end to end. Chunk and batch failures are
// recorded in the stats and do not fail the run; only initialization
// failures do. Run does not watch ctx itself: once it is cancelled every
// remaining unit fails, is recorded and the cursor moves past it.
func (o *Orchestrator) Run(ctx context.Context, job Job) (Stats, error) {
	if err := o.transition(StateInitializing); err != nil {
		return o.Stats(), err
	}
	o.update(func(s *Stats) { s.StartedAt = time.Now().UTC() })
	o.metrics.runStarted()
	o.status(job.RunID, bus.TagAnalyzing, "Loading document", map[string]string{"novelName": job.NovelName})

	text, err := o.initialize(ctx, job)
	if err != nil {
		o.fail(job.RunID, err)
		return o.Stats(), err
	}
	reader := chunker.NewReader(text)
	o.update(func(s *Stats) { s.TotalCharacters = reader.Len() })

	if err := o.transition(StateScanningChunks); err != nil {
		o.fail(job.RunID, err)
		return o.Stats(), err
	}
	o.status(job.RunID, bus.TagAnalyzing, "Detecting events", map[string]int{"length": reader.Len()})
	started := time.Now()
	o.scan(ctx, job, reader)
	o.metrics.pass("detection", started)

	if err := o.transition(StateResolvingTimeline); err != nil {
		o.fail(job.RunID, err)
		return o.Stats(), err
	}
	o.status(job.RunID, bus.TagAnalyzing, "Resolving timeline", nil)
	started = time.Now()
	o.resolve(ctx, job, reader)
	o.metrics.pass("resolution", started)

	if err := o.transition(StateCompleted); err != nil {
		o.fail(job.RunID, err)
		return o.Stats(), err
	}
	o.update(func(s *Stats) { s.CompletedAt = time.Now().UTC() })
	o.metrics.runFinished(StateCompleted)
	stats := o.Stats()
	o.status(job.RunID, bus.TagCompleted, "Processing complete", stats)
	slog.Info("orchestrator: run complete", "run", job.RunID, "novel", job.NovelName,
		"chunks", stats.ChunksProcessed, "events", stats.EventsFound,
		"relationships", stats.RelationshipsCreated, "errors", len(stats.Errors),
		"elapsed", stats.CompletedAt.Sub(stats.StartedAt).Round(time.Millisecond))
	return stats, nil
}

func (o *Orchestrator) initialize(ctx context.Context, job Job) (string, error) {
	if job.NovelName == "" {
		return "", &InitializationError{Stage: "job", Err: errors.New("novel name is required")}
	}
	if job.Load == nil {
		return "", &InitializationError{Stage: "document", Err: errors.New("no document loader")}
	}
	text, err := job.Load(ctx)
	if err != nil {
		var ie *InitializationError
		if errors.As(err, &ie) {
			return "", err
		}
		return "", &InitializationError{Stage: "document", Err: err}
	}
	return text, nil
}

func (o *Orchestrator) fail(runID string, err error) {
	o.mu.Lock()
	o.state = StateFailed
	o.stats.Errors = append(o.stats.Errors, err.Error())
	o.stats.CompletedAt = time.Now().UTC()
	o.mu.Unlock()
	o.metrics.runFinished(StateFailed)
	o.status(runID, bus.TagError, err.Error(), map[string]State{"state": StateFailed})
	slog.Error("orchestrator: run failed", "run", runID, "error", err)
}

// scan is pass 1.
func (o *Orchestrator) scan(ctx context.Context, job Job, reader *chunker.Reader) {
	cur := newCursor(reader)
	length := reader.Len()

	for !cur.done() {
		p := cur.pos()
		chunk := reader.NextCleanChunk(o.cfg.ChunkSize)
		o.status(job.RunID, bus.TagProcessing,
			fmt.Sprintf("Analyzing characters %d-%d of %d", chunk.Start, chunk.End, length),
			map[string]int{"position": p, "chunkStart": chunk.Start, "chunkEnd": chunk.End, "length": length})

		var outcome agent.DetectionOutcome
		err := o.withRetries(ctx, "chunk", func() error {
			out, err := o.detector.Detect(ctx, agent.ChunkInput{
				RunID:          job.RunID,
				NovelName:      job.NovelName,
				Text:           chunk.Text,
				Origin:         chunk.Start,
				DocumentLength: length,
			})
			outcome.EventIDs = append(outcome.EventIDs, out.EventIDs...)
			outcome.Relationships += out.Relationships
			outcome.Updates += out.Updates
			return err
		})

		o.update(func(s *Stats) {
			s.ChunksProcessed++
			s.EventsFound += len(outcome.EventIDs)
			s.RelationshipsCreated += outcome.Relationships
		})
		o.metrics.chunk(len(outcome.EventIDs))

		if err != nil {
			msg := fmt.Sprintf("chunk [%d,%d): %v", chunk.Start, chunk.End, err)
			o.recordError(msg)
			o.metrics.unitFailed("detection")
			o.status(job.RunID, bus.TagError, msg, map[string]int{"chunkStart": chunk.Start, "chunkEnd": chunk.End})
			slog.Warn("orchestrator: chunk failed", "run", job.RunID, "start", chunk.Start, "end", chunk.End, "error", err)
			cur.forceAdvance(o.cfg.ChunkSize)
			continue
		}

		if outcome.Found() {
			o.status(job.RunID, bus.TagEventFound,
				fmt.Sprintf("Found %d event(s)", len(outcome.EventIDs)),
				map[string]any{"eventIds": outcome.EventIDs, "chunkStart": chunk.Start, "chunkEnd": chunk.End})
			if err := cur.advanceTo(chunk.End); err != nil {
				cur.forceAdvance(o.cfg.ChunkSize)
			}
			continue
		}
		if err := cur.advanceTo(p + o.cfg.ChunkSize - o.cfg.OverlapSize); err != nil {
			cur.forceAdvance(o.cfg.ChunkSize)
		}
	}
	o.status(job.RunID, bus.TagSuccess, "Event detection finished", o.Stats())
}

// resolve is pass 2.
func (o *Orchestrator) resolve(ctx context.Context, job Job, reader *chunker.Reader) {
	events, err := o.events.ListEvents(ctx, job.NovelName)
	if err != nil {
		msg := fmt.Sprintf("listing events: %v", err)
		o.recordError(msg)
		o.metrics.unitFailed("resolution")
		o.status(job.RunID, bus.TagError, msg, nil)
		slog.Error("orchestrator: listing events failed", "run", job.RunID, "error", err)
		return
	}

	batches := GroupBatches(events, o.cfg.BatchRadius)
	slog.Info("orchestrator: resolving timeline", "run", job.RunID, "events", len(events), "batches", len(batches))

	for i, b := range batches {
		start, end := b.Window(o.cfg.ContextMargin, reader.Len())
		o.status(job.RunID, bus.TagProcessing,
			fmt.Sprintf("Resolving batch %d of %d (%d events)", i+1, len(batches), len(b.Events)),
			map[string]int{"batch": i + 1, "batches": len(batches), "contextStart": start, "contextEnd": end})

		outcome, err := o.resolveBatch(ctx, job, reader, b, start, end)
		o.update(func(s *Stats) {
			s.BatchesProcessed++
			s.RelationshipsCreated += outcome.Relationships
			s.DatesAdded += outcome.DatesAdded
			s.TaxonomyLinks += outcome.TaxonomyLinks
		})
		o.metrics.resolved(outcome.Relationships)

		if err != nil {
			msg := fmt.Sprintf("batch %d [%d,%d): %v", i+1, start, end, err)
			o.recordError(msg)
			o.metrics.unitFailed("resolution")
			o.status(job.RunID, bus.TagError, msg, map[string]int{"batch": i + 1})
			slog.Warn("orchestrator: batch failed", "run", job.RunID, "batch", i+1, "error", err)
		}
	}
	o.status(job.RunID, bus.TagSuccess, "Timeline resolution finished", o.Stats())
}

func (o *Orchestrator) resolveBatch(ctx context.Context, job Job, reader *chunker.Reader, b Batch, start, end int) (agent.ResolutionOutcome, error) {
	var text string
	if start < end {
		var err error
		if text, err = reader.Slice(start, end); err != nil {
			return agent.ResolutionOutcome{}, err
		}
	}
	rels, err := o.events.RelationshipsForEvents(ctx, job.NovelName, b.IDs())
	if err != nil {
		return agent.ResolutionOutcome{}, fmt.Errorf("loading relationships: %w", err)
	}

	var total agent.ResolutionOutcome
	err = o.withRetries(ctx, "batch", func() error {
		out, err := o.resolver.Resolve(ctx, agent.BatchInput{
			RunID:          job.RunID,
			NovelName:      job.NovelName,
			Events:         b.Events,
			Relationships:  rels,
			Context:        text,
			ContextStart:   start,
			ContextEnd:     end,
			DocumentLength: reader.Len(),
		})
		// Writes of a failed attempt are kept by the store.
		total.Relationships += out.Relationships
		total.DatesAdded += out.DatesAdded
		total.TaxonomyLinks += out.TaxonomyLinks
		return err
	})
	return total, err
}

// withRetries runs fn, retrying up to MaxRetries times with exponential
// backoff. Waiting stops early when ctx is done.
func (o *Orchestrator) withRetries(ctx context.Context, unit string, fn func() error) error {
	err := fn()
	delay := o.cfg.RetryDelay
	for attempt := 1; err != nil && attempt <= o.cfg.MaxRetries; attempt++ {
		slog.Info("orchestrator: retrying", "unit", unit, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		o.update(func(s *Stats) { s.Retries++ })
		delay *= 2
		err = fn()
	}
	return err
}
