package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/brunobiangulo/storyline/agent"
	"github.com/brunobiangulo/storyline/bus"
	"github.com/brunobiangulo/storyline/store"
	"github.com/brunobiangulo/storyline/tools"
)

// fakeDetector answers by chunk origin.
type fakeDetector struct {
	inputs  []agent.ChunkInput
	found   map[int][]string
	failAll bool
	// failFirst fails this many calls before succeeding.
	failFirst int
}

func (d *fakeDetector) Detect(_ context.Context, in agent.ChunkInput) (agent.DetectionOutcome, error) {
	d.inputs = append(d.inputs, in)
	if d.failAll {
		return agent.DetectionOutcome{}, errors.New("model unavailable")
	}
	if d.failFirst > 0 {
		d.failFirst--
		return agent.DetectionOutcome{}, errors.New("rate limited")
	}
	return agent.DetectionOutcome{EventIDs: d.found[in.Origin]}, nil
}

type fakeResolver struct {
	inputs []agent.BatchInput
	fail   map[int]bool // by call index
}

func (r *fakeResolver) Resolve(_ context.Context, in agent.BatchInput) (agent.ResolutionOutcome, error) {
	i := len(r.inputs)
	r.inputs = append(r.inputs, in)
	if r.fail[i] {
		return agent.ResolutionOutcome{Relationships: 1}, &tools.ValidationError{Tool: tools.CreateRelationshipTool, Reason: "self"}
	}
	return agent.ResolutionOutcome{Relationships: len(in.Events) - 1, DatesAdded: 1}, nil
}

type memEvents struct {
	events []store.Event
	rels   []store.Relationship
	err    error
}

func (m *memEvents) ListEvents(context.Context, string) ([]store.Event, error) {
	return m.events, m.err
}

func (m *memEvents) RelationshipsForEvents(_ context.Context, _ string, ids []string) ([]store.Relationship, error) {
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []store.Relationship
	for _, r := range m.rels {
		if want[r.FromEventID] || want[r.ToEventID] {
			out = append(out, r)
		}
	}
	return out, nil
}

type recorder struct {
	msgs []bus.Message
}

func (r *recorder) Publish(runID string, m bus.Message) bus.Envelope {
	r.msgs = append(r.msgs, m)
	return bus.Envelope{RunID: runID, Kind: m.Kind()}
}

func (r *recorder) tags() []bus.StatusTag {
	var tags []bus.StatusTag
	for _, m := range r.msgs {
		if s, ok := m.(bus.Status); ok {
			tags = append(tags, s.Tag)
		}
	}
	return tags
}

func job(text string) Job {
	return Job{
		RunID:     "run-1",
		NovelName: "novel",
		Load:      func(context.Context) (string, error) { return text, nil },
	}
}

func origins(inputs []agent.ChunkInput) []int {
	var out []int
	for _, in := range inputs {
		out = append(out, in.Origin)
	}
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestScanAdvancesByOutcome(t *testing.T) {
	// Every character is a boundary, so chunks are not snapped.
	text := strings.Repeat(" ", 5000)
	det := &fakeDetector{found: map[int][]string{1600: {"ev1"}}}
	o, err := New(Config{ChunkSize: 2000, OverlapSize: 400, BatchRadius: 2500}, det, &fakeResolver{}, &memEvents{}, nil)
	if err != nil {
		t.Fatal(err)
	}

	stats, err := o.Run(context.Background(), job(text))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// No event at 0 -> 1600; event at 1600 -> clean end 3600; no event at
	// 3600 -> 5000.
	if got := origins(det.inputs); !equalInts(got, []int{0, 1600, 3600}) {
		t.Errorf("chunk origins = %v, want [0 1600 3600]", got)
	}
	if len(det.inputs[1].Text) != 2000 || det.inputs[1].DocumentLength != 5000 {
		t.Errorf("second chunk = %d chars, length %d", len(det.inputs[1].Text), det.inputs[1].DocumentLength)
	}
	if stats.ChunksProcessed != 3 || stats.EventsFound != 1 || stats.TotalCharacters != 5000 {
		t.Errorf("stats = %+v", stats)
	}
	if o.State() != StateCompleted {
		t.Errorf("state = %s", o.State())
	}
}

func TestScanSnapsToWordBoundaries(t *testing.T) {
	text := strings.Repeat("word ", 100) // 500 chars
	det := &fakeDetector{}
	o, _ := New(Config{ChunkSize: 42, OverlapSize: 10}, det, &fakeResolver{}, &memEvents{}, nil)
	if _, err := o.Run(context.Background(), job(text)); err != nil {
		t.Fatal(err)
	}
	for _, in := range det.inputs {
		if in.Text == "" {
			t.Fatal("empty chunk")
		}
		if !strings.HasSuffix(in.Text, " ") && in.Origin+len(in.Text) != len(text) {
			t.Errorf("chunk at %d ends mid-word: %q", in.Origin, in.Text)
		}
	}
}

func TestScanTerminatesWhenEveryChunkFails(t *testing.T) {
	for _, size := range []int{1, 7, 2000, 10000} {
		det := &fakeDetector{failAll: true}
		o, _ := New(Config{ChunkSize: size, OverlapSize: 0}, det, &fakeResolver{}, &memEvents{}, nil)
		stats, err := o.Run(context.Background(), job(strings.Repeat("ab cd. ", 300)))
		if err != nil {
			t.Fatalf("size %d: Run: %v", size, err)
		}
		want := (2100 + size - 1) / size
		if len(det.inputs) != want {
			t.Errorf("size %d: %d chunks, want %d", size, len(det.inputs), want)
		}
		if len(stats.Errors) != want {
			t.Errorf("size %d: %d errors recorded", size, len(stats.Errors))
		}
	}
}

func TestRetriesWithBackoff(t *testing.T) {
	det := &fakeDetector{failFirst: 2}
	o, _ := New(Config{ChunkSize: 100, OverlapSize: 10, MaxRetries: 2, RetryDelay: time.Millisecond},
		det, &fakeResolver{}, &memEvents{}, nil)
	stats, err := o.Run(context.Background(), job(strings.Repeat(" ", 50)))
	if err != nil {
		t.Fatal(err)
	}
	if len(det.inputs) != 3 || stats.Retries != 2 || len(stats.Errors) != 0 {
		t.Errorf("attempts = %d, stats = %+v", len(det.inputs), stats)
	}

	det = &fakeDetector{failFirst: 5}
	o, _ = New(Config{ChunkSize: 100, OverlapSize: 10, MaxRetries: 1, RetryDelay: time.Millisecond},
		det, &fakeResolver{}, &memEvents{}, nil)
	stats, _ = o.Run(context.Background(), job(strings.Repeat(" ", 50)))
	if len(det.inputs) != 2 || len(stats.Errors) != 1 {
		t.Errorf("attempts = %d, errors = %v", len(det.inputs), stats.Errors)
	}
}

func TestInitializationFailure(t *testing.T) {
	rec := &recorder{}
	det := &fakeDetector{}
	o, _ := New(DefaultConfig(), det, &fakeResolver{}, &memEvents{}, rec)

	_, err := o.Run(context.Background(), Job{
		RunID: "run-1", NovelName: "novel",
		Load: func(context.Context) (string, error) { return "", errors.New("no such file") },
	})
	if !errors.Is(err, ErrInitialization) {
		t.Fatalf("err = %v, want ErrInitialization", err)
	}
	var ie *InitializationError
	if !errors.As(err, &ie) || ie.Stage != "document" {
		t.Errorf("err = %#v", err)
	}
	if o.State() != StateFailed || len(det.inputs) != 0 {
		t.Errorf("state = %s, chunks = %d", o.State(), len(det.inputs))
	}
	tags := rec.tags()
	if tags[len(tags)-1] != bus.TagError {
		t.Errorf("tags = %v", tags)
	}

	if _, err := o.Run(context.Background(), job("again")); err == nil {
		t.Error("a finished orchestrator must not run again")
	}
}

func TestResolveBatches(t *testing.T) {
	events := &memEvents{
		events: []store.Event{
			{ID: "a", CharRangeStart: 100, CharRangeEnd: 150},
			{ID: "b", CharRangeStart: 2600, CharRangeEnd: 2650},
			{ID: "c", CharRangeStart: 5200, CharRangeEnd: 5250},
		},
		rels: []store.Relationship{{FromEventID: "a", ToEventID: "b", Type: store.Before}},
	}
	res := &fakeResolver{fail: map[int]bool{0: true}}
	rec := &recorder{}
	o, _ := New(Config{ChunkSize: 2000, OverlapSize: 400, BatchRadius: 2500, ContextMargin: 500},
		&fakeDetector{}, res, events, rec)

	stats, err := o.Run(context.Background(), job(strings.Repeat("x ", 3000)))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.inputs) != 2 {
		t.Fatalf("batches = %d, want 2", len(res.inputs))
	}
	first := res.inputs[0]
	if len(first.Events) != 2 || first.ContextStart != 0 || first.ContextEnd != 3150 || len(first.Context) != 3150 {
		t.Errorf("first batch = %d events, window [%d,%d), %d chars",
			len(first.Events), first.ContextStart, first.ContextEnd, len(first.Context))
	}
	if len(first.Relationships) != 1 {
		t.Errorf("existing relationships = %v", first.Relationships)
	}
	second := res.inputs[1]
	if second.ContextStart != 4700 || second.ContextEnd != 5750 {
		t.Errorf("second window = [%d,%d)", second.ContextStart, second.ContextEnd)
	}

	if stats.BatchesProcessed != 2 || len(stats.Errors) != 1 || !strings.HasPrefix(stats.Errors[0], "batch 1") {
		t.Errorf("stats = %+v", stats)
	}
	// The failed batch's partial write is counted alongside the second batch.
	if stats.RelationshipsCreated != 1 || stats.DatesAdded != 1 {
		t.Errorf("stats = %+v", stats)
	}
	tags := rec.tags()
	if tags[len(tags)-1] != bus.TagCompleted {
		t.Errorf("last tag = %s", tags[len(tags)-1])
	}
}

func TestListEventsFailureCompletesRun(t *testing.T) {
	o, _ := New(DefaultConfig(), &fakeDetector{}, &fakeResolver{}, &memEvents{err: errors.New("disk I/O error")}, nil)
	stats, err := o.Run(context.Background(), job("short text"))
	if err != nil {
		t.Fatal(err)
	}
	if len(stats.Errors) != 1 || o.State() != StateCompleted {
		t.Errorf("state = %s, errors = %v", o.State(), stats.Errors)
	}
}

func TestStatsIsACopy(t *testing.T) {
	o, _ := New(DefaultConfig(), &fakeDetector{failAll: true}, &fakeResolver{}, &memEvents{}, nil)
	o.Run(context.Background(), job("one two"))
	s := o.Stats()
	s.Errors[0] = "changed"
	s.ChunksProcessed = 99
	if got := o.Stats(); got.Errors[0] == "changed" || got.ChunksProcessed == 99 {
		t.Error("Stats exposes internal state")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"default", DefaultConfig(), true},
		{"zero chunk", Config{ChunkSize: 0}, false},
		{"overlap equals chunk", Config{ChunkSize: 10, OverlapSize: 10}, false},
		{"negative radius", Config{ChunkSize: 10, BatchRadius: -1}, false},
		{"negative retries", Config{ChunkSize: 10, MaxRetries: -1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, ok = %v", err, tt.ok)
			}
		})
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatal(err)
	}
	det := &fakeDetector{found: map[int][]string{0: {"a", "b"}}}
	o, _ := New(Config{ChunkSize: 100, OverlapSize: 10}, det, &fakeResolver{}, &memEvents{}, nil, WithMetrics(m))
	if _, err := o.Run(context.Background(), job("a few words")); err != nil {
		t.Fatal(err)
	}
	m.ObserveToolCall(tools.CreateEventTool, nil)
	m.ObserveToolCall(tools.CreateEventTool, &tools.ValidationError{Tool: tools.CreateEventTool})

	if got := testutil.ToFloat64(m.events); got != 2 {
		t.Errorf("events = %v", got)
	}
	if got := testutil.ToFloat64(m.runs.WithLabelValues("completed")); got != 1 {
		t.Errorf("completed runs = %v", got)
	}
	if got := testutil.ToFloat64(m.activeRuns); got != 0 {
		t.Errorf("active runs = %v", got)
	}
	if got := testutil.ToFloat64(m.toolCalls.WithLabelValues(tools.CreateEventTool, "invalid")); got != 1 {
		t.Errorf("invalid tool calls = %v", got)
	}

	if _, err := NewMetrics(reg); err == nil {
		t.Error("registering twice should fail")
	}
}

// cancellingDetector cancels the run while the first chunk is analyzed.
type cancellingDetector struct {
	cancel context.CancelFunc
	calls  int
}

func (d *cancellingDetector) Detect(ctx context.Context, _ agent.ChunkInput) (agent.DetectionOutcome, error) {
	d.calls++
	d.cancel()
	return agent.DetectionOutcome{}, ctx.Err()
}

type ctxResolver struct{ calls int }

func (r *ctxResolver) Resolve(ctx context.Context, _ agent.BatchInput) (agent.ResolutionOutcome, error) {
	r.calls++
	return agent.ResolutionOutcome{}, ctx.Err()
}

func TestCancelledRunStillCoversDocument(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	det := &cancellingDetector{cancel: cancel}
	res := &ctxResolver{}
	events := &memEvents{events: []store.Event{{ID: "e1", CharRangeStart: 100, CharRangeEnd: 200}}}
	rec := &recorder{}
	o, err := New(Config{ChunkSize: 2000, OverlapSize: 400, BatchRadius: 2500}, det, res, events, rec)
	if err != nil {
		t.Fatal(err)
	}

	stats, err := o.Run(ctx, job(strings.Repeat("word ", 1000)))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if det.calls != 3 {
		t.Errorf("detector called %d times, want 3", det.calls)
	}
	if res.calls != 1 {
		t.Errorf("resolver called %d times, want 1", res.calls)
	}
	if stats.ChunksProcessed != 3 || stats.BatchesProcessed != 1 {
		t.Errorf("chunks = %d, batches = %d", stats.ChunksProcessed, stats.BatchesProcessed)
	}
	if len(stats.Errors) != 4 {
		t.Fatalf("errors = %v, want 3 chunks and 1 batch", stats.Errors)
	}
	for _, msg := range stats.Errors {
		if !strings.Contains(msg, context.Canceled.Error()) {
			t.Errorf("error %q does not carry the cancellation", msg)
		}
	}
	if o.State() != StateCompleted {
		t.Errorf("state = %s, want completed", o.State())
	}
	tags := rec.tags()
	if last := tags[len(tags)-1]; last != bus.TagCompleted {
		t.Errorf("last tag = %s, want completed", last)
	}
}
