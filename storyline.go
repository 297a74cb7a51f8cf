// Package storyline turns narrative text into a graph of story events
// connected by temporal relationships. An Engine wires the document
// parsers, the event store, the processing bus and the two agents, and
// runs one orchestrated pass pair per novel.
package storyline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/brunobiangulo/storyline/agent"
	"github.com/brunobiangulo/storyline/bus"
	"github.com/brunobiangulo/storyline/llm"
	"github.com/brunobiangulo/storyline/orchestrator"
	"github.com/brunobiangulo/storyline/parser"
	"github.com/brunobiangulo/storyline/store"
	"github.com/brunobiangulo/storyline/taxonomy"
	"github.com/brunobiangulo/storyline/tools"
)

// Engine is the main interface for the storyline event graph.
type Engine interface {
	// ProcessNovel runs both passes over the document at path. Chunk and
	// batch failures are recorded in the returned stats; the error is
	// non-nil only when the run could not start or was rejected.
	ProcessNovel(ctx context.Context, path string, opts ...ProcessOption) (*RunResult, error)

	// Tools returns a tool contract over the engine's store and bus,
	// optionally with a master taxonomy loaded from taxonomyPath.
	Tools(ctx context.Context, taxonomyPath string) (*tools.Contract, error)

	// Run returns the registry row of one run.
	Run(ctx context.Context, runID string) (*store.Run, error)

	// ListRuns returns all runs, newest first.
	ListRuns(ctx context.Context) ([]store.Run, error)

	// Replay returns the persisted processing log of a run.
	Replay(ctx context.Context, runID string) ([]bus.Envelope, error)

	// Events returns the events of a novel in text order.
	Events(ctx context.Context, novel string) ([]store.Event, error)

	// Relationships returns the temporal relationships of a novel.
	Relationships(ctx context.Context, novel string) ([]store.Relationship, error)

	// DeleteNovel removes every event and relationship of a novel.
	DeleteNovel(ctx context.Context, novel string) error

	// Stats counts the stored events, relationships, runs and taxonomy
	// entries.
	Stats(ctx context.Context) (*store.DBStats, error)

	// Bus returns the processing bus for live subscriptions.
	Bus() *bus.Bus

	// Store returns the underlying store for advanced operations.
	Store() *store.Store

	// Close releases all resources.
	Close() error
}

// RunResult is the outcome of ProcessNovel.
type RunResult struct {
	RunID     string             `json:"runId"`
	NovelName string             `json:"novelName"`
	State     orchestrator.State `json:"state"`
	Stats     orchestrator.Stats `json:"stats"`
}

// ProcessOption configures a single run.
type ProcessOption func(*processOptions)

type processOptions struct {
	novelName    string
	taxonomyPath string
	runID        string
	reset        bool
}

// WithNovelName scopes the run's events. Defaults to the file name
// without extension.
func WithNovelName(name string) ProcessOption {
	return func(o *processOptions) { o.novelName = name }
}

// WithTaxonomy loads a master event catalogue (json, yaml or xlsx) and
// enables taxonomy linking for the run.
func WithTaxonomy(path string) ProcessOption {
	return func(o *processOptions) { o.taxonomyPath = path }
}

// WithRunID sets the run id instead of generating one.
func WithRunID(id string) ProcessOption {
	return func(o *processOptions) { o.runID = id }
}

// WithReset deletes the novel's existing events before processing.
func WithReset() ProcessOption {
	return func(o *processOptions) { o.reset = true }
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	registerer prometheus.Registerer
	chat       llm.Provider
	embed      llm.Provider
}

// WithRegisterer exports run metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *engineOptions) { o.registerer = reg }
}

// WithChatProvider uses p instead of building one from Config.Chat.
func WithChatProvider(p llm.Provider) Option {
	return func(o *engineOptions) { o.chat = p }
}

// WithEmbeddingProvider uses p instead of building one from
// Config.Embedding.
func WithEmbeddingProvider(p llm.Provider) Option {
	return func(o *engineOptions) { o.embed = p }
}

type engine struct {
	cfg      Config
	store    *store.Store
	bus      *bus.Bus
	chatLLM  llm.Provider
	embedLLM llm.Provider // nil: lexical taxonomy matching
	parsers  *parser.Registry
	metrics  *orchestrator.Metrics
	closed   atomic.Bool
}

// New creates a new storyline Engine with the given configuration.
func New(cfg Config, opts ...Option) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var eo engineOptions
	for _, o := range opts {
		o(&eo)
	}

	chatLLM := eo.chat
	if chatLLM == nil {
		p, err := llm.NewProvider(cfg.Chat.provider())
		if err != nil {
			return nil, fmt.Errorf("creating chat provider: %w", err)
		}
		chatLLM = p
	}
	embedLLM := eo.embed
	if embedLLM == nil && cfg.Embedding.Provider != "" {
		p, err := llm.NewProvider(cfg.Embedding.provider())
		if err != nil {
			return nil, fmt.Errorf("creating embedding provider: %w", err)
		}
		embedLLM = p
	}

	var metrics *orchestrator.Metrics
	if eo.registerer != nil {
		m, err := orchestrator.NewMetrics(eo.registerer)
		if err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
		metrics = m
	}

	s, err := store.New(cfg.resolveDBPath(), cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	return &engine{
		cfg:      cfg,
		store:    s,
		bus:      bus.New(cfg.resolveLogDir()),
		chatLLM:  chatLLM,
		embedLLM: embedLLM,
		parsers:  parser.NewRegistry(),
		metrics:  metrics,
	}, nil
}

// ProcessNovel registers a run, loads the document and runs the
// orchestrator. The run row is updated with the final state and stats.
func (e *engine) ProcessNovel(ctx context.Context, path string, opts ...ProcessOption) (*RunResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	var po processOptions
	for _, o := range opts {
		o(&po)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	novel := po.novelName
	if novel == "" {
		novel = strings.TrimSuffix(filepath.Base(absPath), filepath.Ext(absPath))
	}
	runID := po.runID
	if runID == "" {
		runID = uuid.NewString()
	}
	if !bus.ValidRunID(runID) {
		return nil, fmt.Errorf("%w: %q", bus.ErrInvalidRunID, runID)
	}

	if err := e.store.CreateRun(ctx, store.Run{
		ID:           runID,
		NovelName:    novel,
		DocumentPath: absPath,
		State:        string(orchestrator.StateInitializing),
	}); err != nil {
		return nil, fmt.Errorf("registering run: %w", err)
	}
	result := &RunResult{RunID: runID, NovelName: novel, State: orchestrator.StateInitializing}
	slog.Info("storyline: run started", "run", runID, "novel", novel, "path", absPath)

	if po.reset {
		if err := e.store.DeleteNovel(ctx, novel); err != nil {
			return e.abort(ctx, result, &InitializationError{Stage: "reset", Err: err})
		}
	}

	contract, err := e.Tools(ctx, po.taxonomyPath)
	if err != nil {
		return e.abort(ctx, result, &InitializationError{Stage: "taxonomy", Err: err})
	}

	agentCfg := agent.Config{
		MaxSteps:        e.cfg.MaxSteps,
		MaxOutputTokens: e.cfg.MaxOutputTokens,
		Temperature:     e.cfg.Temperature,
		Taxonomy:        contract.Taxonomy(),
	}
	detector, err := agent.NewDetector(e.chatLLM, contract, e.bus, agentCfg)
	if err != nil {
		return e.abort(ctx, result, &InitializationError{Stage: "agent", Err: err})
	}
	resolver, err := agent.NewResolver(e.chatLLM, contract, e.bus, agentCfg)
	if err != nil {
		return e.abort(ctx, result, &InitializationError{Stage: "agent", Err: err})
	}

	orch, err := orchestrator.New(e.cfg.orchestratorConfig(), detector, resolver, e.store, e.bus,
		orchestrator.WithMetrics(e.metrics))
	if err != nil {
		return e.abort(ctx, result, &InitializationError{Stage: "config", Err: err})
	}

	stats, runErr := orch.Run(ctx, orchestrator.Job{
		RunID:     runID,
		NovelName: novel,
		Load: func(ctx context.Context) (string, error) {
			return e.loadDocument(ctx, absPath)
		},
	})
	result.State = orch.State()
	result.Stats = stats
	e.record(ctx, result, runErr)
	return result, runErr
}

func (e *engine) loadDocument(ctx context.Context, path string) (string, error) {
	doc, err := e.parsers.Load(ctx, path)
	if errors.Is(err, parser.ErrUnsupported) {
		return "", fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedFormat,
			parser.FormatOf(path), strings.Join(e.parsers.Formats(), ", "))
	}
	if err != nil {
		return "", err
	}
	slog.Info("storyline: document loaded", "path", path, "format", doc.Format,
		"pages", doc.Pages, "chars", len([]rune(doc.Text)))
	return doc.Text, nil
}

// abort fails a run before the orchestrator took it over.
func (e *engine) abort(ctx context.Context, result *RunResult, err error) (*RunResult, error) {
	result.State = orchestrator.StateFailed
	result.Stats.Errors = append(result.Stats.Errors, err.Error())
	e.bus.Publish(result.RunID, bus.NewStatus(bus.TagError, err.Error(), map[string]orchestrator.State{"state": orchestrator.StateFailed}))
	slog.Error("storyline: run aborted", "run", result.RunID, "error", err)
	e.record(ctx, result, err)
	return result, err
}

// record persists the final state of a run and releases its bus
// counter. It runs even when ctx was cancelled.
func (e *engine) record(ctx context.Context, result *RunResult, runErr error) {
	stats, err := json.Marshal(result.Stats)
	if err != nil {
		slog.Warn("storyline: marshal stats failed", "run", result.RunID, "error", err)
	}
	var msg string
	if runErr != nil {
		msg = runErr.Error()
	}
	if err := e.store.UpdateRun(context.WithoutCancel(ctx), result.RunID, string(result.State), string(stats), msg); err != nil {
		slog.Warn("storyline: update run failed", "run", result.RunID, "error", err)
	}
	e.bus.Release(result.RunID)
}

// Tools builds a contract; with a taxonomy it fuses vector and lexical
// matching when an embedding provider is configured and uses lexical
// matching alone otherwise.
func (e *engine) Tools(ctx context.Context, taxonomyPath string) (*tools.Contract, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	opts := []tools.Option{tools.WithObserver(e.metrics.ObserveToolCall)}
	if taxonomyPath != "" {
		tax, err := taxonomy.Load(taxonomyPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, tools.WithTaxonomy(tax, e.matcher(ctx, tax)))
	}
	return tools.New(e.store, e.bus, opts...), nil
}

func (e *engine) matcher(ctx context.Context, tax *taxonomy.Taxonomy) taxonomy.Matcher {
	minConf := e.cfg.MinTaxonomyConfidence
	lexical := taxonomy.NewLexicalMatcher(tax, minConf)
	if e.embedLLM != nil {
		vm, err := taxonomy.NewVectorMatcher(ctx, tax, e.embedLLM, e.store, minConf)
		if err == nil {
			return taxonomy.NewHybridMatcher(vm, lexical)
		}
		slog.Warn("storyline: vector taxonomy index unavailable, using lexical matching", "error", err)
	}
	return lexical
}

func (e *engine) Run(ctx context.Context, runID string) (*store.Run, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	r, err := e.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, err
}

func (e *engine) ListRuns(ctx context.Context) ([]store.Run, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.store.ListRuns(ctx)
}

func (e *engine) Replay(ctx context.Context, runID string) ([]bus.Envelope, error) {
	if _, err := e.Run(ctx, runID); err != nil {
		return nil, err
	}
	return e.bus.History(ctx, runID)
}

func (e *engine) Events(ctx context.Context, novel string) ([]store.Event, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.store.ListEvents(ctx, novel)
}

func (e *engine) Relationships(ctx context.Context, novel string) ([]store.Relationship, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.store.ListRelationships(ctx, novel)
}

func (e *engine) DeleteNovel(ctx context.Context, novel string) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.store.DeleteNovel(ctx, novel)
}

func (e *engine) Stats(ctx context.Context) (*store.DBStats, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.store.Stats(ctx)
}

// Bus returns the processing bus.
func (e *engine) Bus() *bus.Bus {
	return e.bus
}

// Store returns the underlying store for advanced operations.
func (e *engine) Store() *store.Store {
	return e.store
}

func (e *engine) ready() error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	return nil
}

// Close drains the run logs and closes the store.
func (e *engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	return errors.Join(e.bus.Close(), e.store.Close())
}
