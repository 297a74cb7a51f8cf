package bus

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestBus(t *testing.T, opts ...Option) *Bus {
	t.Helper()
	b := New(t.TempDir(), opts...)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestPublishAssignsPerRunSequence(t *testing.T) {
	b := newTestBus(t)
	for i := 1; i <= 3; i++ {
		if env := b.Publish("run-a", Status{Tag: TagProcessing}); env.Seq != uint64(i) {
			t.Fatalf("run-a seq = %d, want %d", env.Seq, i)
		}
	}
	if env := b.Publish("run-b", Reasoning{Text: "x"}); env.Seq != 1 {
		t.Errorf("run-b seq = %d, want 1", env.Seq)
	}
	if b.LastSeq("run-a") != 3 {
		t.Errorf("LastSeq = %d", b.LastSeq("run-a"))
	}
}

func TestReleaseDropsCounterKeepsLog(t *testing.T) {
	b := newTestBus(t)
	b.Publish("run-a", Status{Tag: TagAnalyzing})
	b.Publish("run-a", Status{Tag: TagCompleted})
	b.Publish("run-b", Status{Tag: TagAnalyzing})

	b.Release("run-a")
	if got := b.LastSeq("run-a"); got != 0 {
		t.Errorf("LastSeq after Release = %d, want 0", got)
	}
	if got := b.LastSeq("run-b"); got != 1 {
		t.Errorf("run-b LastSeq = %d, want 1", got)
	}
	b.mu.Lock()
	n := len(b.seq)
	b.mu.Unlock()
	if n != 1 {
		t.Errorf("%d counters kept, want 1", n)
	}

	history, err := b.History(context.Background(), "run-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[1].Seq != 2 {
		t.Errorf("history = %+v", history)
	}
}

func TestSubscribeReceivesInOrder(t *testing.T) {
	b := newTestBus(t)
	sub, cancel := b.Subscribe("r")
	defer cancel()
	other, cancelOther := b.Subscribe("other")
	defer cancelOther()

	b.Publish("r", Status{Tag: TagAnalyzing, Text: "one"})
	b.Publish("r", ToolInvoked{CallID: "c1", Tool: "create_event"})
	b.Publish("r", ToolCompleted{CallID: "c1", Tool: "create_event", Output: json.RawMessage(`{"eventId":"e"}`)})

	want := []Kind{KindStatus, KindToolInvoked, KindToolCompleted}
	for i, k := range want {
		select {
		case env := <-sub.C:
			if env.Kind != k || env.Seq != uint64(i+1) {
				t.Fatalf("envelope %d = %s/%d, want %s/%d", i, env.Kind, env.Seq, k, i+1)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for envelope")
		}
	}
	select {
	case env := <-other.C:
		t.Fatalf("other run received %+v", env)
	default:
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := newTestBus(t, WithSubscriberBuffer(2))
	sub, cancel := b.Subscribe("r")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			b.Publish("r", Reasoning{Text: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if sub.Dropped() != 48 {
		t.Errorf("dropped = %d, want 48", sub.Dropped())
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := newTestBus(t)
	sub, cancel := b.Subscribe("r")
	cancel()
	cancel()
	if _, ok := <-sub.C; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish("r", Reasoning{Text: "after"})
}

func TestHistoryReplaysLog(t *testing.T) {
	b := newTestBus(t)
	b.Publish("r", NewStatus(TagAnalyzing, "start", map[string]int{"length": 10}))
	b.Publish("r", Reasoning{Agent: "detector", Text: "thinking"})
	b.Publish("r", NewStatus(TagCompleted, "done", nil))

	envs, err := b.History(context.Background(), "r")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(envs) != 3 {
		t.Fatalf("got %d envelopes, want 3", len(envs))
	}
	for i, env := range envs {
		if env.Seq != uint64(i+1) {
			t.Errorf("envs[%d].Seq = %d", i, env.Seq)
		}
	}
	msg, ok := envs[0].Message()
	if !ok {
		t.Fatal("status did not decode")
	}
	st, ok := msg.(Status)
	if !ok || st.Tag != TagAnalyzing || string(st.Data) != `{"length":10}` {
		t.Errorf("status = %+v", msg)
	}

	empty, err := b.History(context.Background(), "never-ran")
	if err != nil || len(empty) != 0 {
		t.Errorf("unknown run = %v, %v", empty, err)
	}
	if _, err := b.History(context.Background(), "../escape"); !errors.Is(err, ErrInvalidRunID) {
		t.Errorf("bad run id err = %v", err)
	}
}

func TestHistoryWithoutLogDir(t *testing.T) {
	b := New("")
	defer b.Close()
	b.Publish("r", Reasoning{Text: "x"})
	if _, err := b.History(context.Background(), "r"); !errors.Is(err, ErrNoLog) {
		t.Fatalf("err = %v, want ErrNoLog", err)
	}
}

func TestLogFailureIsSwallowed(t *testing.T) {
	dir := t.TempDir()
	// A file where the log directory should be makes every append fail.
	blocker := filepath.Join(dir, "logs")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	b := New(filepath.Join(blocker, "nested"))
	defer b.Close()

	sub, cancel := b.Subscribe("r")
	defer cancel()
	b.Publish("r", Reasoning{Text: "still delivered"})
	select {
	case <-sub.C:
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive message when log failed")
	}
}

func TestEnvelopeUnknownKindIgnored(t *testing.T) {
	env := Envelope{Kind: "telemetry", Payload: json.RawMessage(`{}`)}
	if _, ok := env.Message(); ok {
		t.Fatal("unknown kind should not decode")
	}
	bad := Envelope{Kind: KindStatus, Payload: json.RawMessage(`not json`)}
	if _, ok := bad.Message(); ok {
		t.Fatal("malformed payload should not decode")
	}
}

func TestFollowJoinsHistoryAndLive(t *testing.T) {
	b := newTestBus(t)
	b.Publish("r", Reasoning{Text: "1"})
	b.Publish("r", Reasoning{Text: "2"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seqs []uint64
	got := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		errc <- b.Follow(ctx, "r", func(env Envelope) error {
			mu.Lock()
			seqs = append(seqs, env.Seq)
			n := len(seqs)
			mu.Unlock()
			if n == 2 {
				close(got)
			}
			if n == 4 {
				return errStop
			}
			return nil
		})
	}()

	<-got
	b.Publish("r", Reasoning{Text: "3"})
	b.Publish("r", Reasoning{Text: "4"})

	select {
	case err := <-errc:
		if !errors.Is(err, errStop) {
			t.Fatalf("Follow err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Follow did not return")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, s := range seqs {
		if s != uint64(i+1) {
			t.Fatalf("seqs = %v, want 1..4 without gaps", seqs)
		}
	}
}

var errStop = errors.New("stop")

func TestCloseDrainsLog(t *testing.T) {
	dir := t.TempDir()
	b := New(dir)
	for i := 0; i < 100; i++ {
		b.Publish("r", Reasoning{Text: "x"})
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	envs, err := ReadLog(filepath.Join(dir, "r.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 100 {
		t.Errorf("persisted %d envelopes, want 100", len(envs))
	}
	// Publishing after Close still works for subscribers.
	b.Publish("r", Reasoning{Text: "late"})
}
