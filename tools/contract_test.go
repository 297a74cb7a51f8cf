//go:build cgo

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/brunobiangulo/storyline/bus"
	"github.com/brunobiangulo/storyline/store"
	"github.com/brunobiangulo/storyline/taxonomy"
)

const novel = "moby-dick"

type recorder struct {
	mu   sync.Mutex
	msgs []bus.Message
}

func (r *recorder) Publish(runID string, m bus.Message) bus.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return bus.Envelope{RunID: runID, Seq: uint64(len(r.msgs)), Kind: m.Kind()}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), 4)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestTaxonomy(t *testing.T) *taxonomy.Taxonomy {
	t.Helper()
	tax, err := taxonomy.New([]taxonomy.Entry{
		{ID: "voyage", Name: "Voyage", Description: "a ship sets sail on a journey", Aliases: []string{"departure"}},
		{ID: "hunt", Name: "Whale hunt", Description: "the crew chases a whale"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return tax
}

func scope(set ToolSet, origin int) Scope {
	return Scope{RunID: "run-1", NovelName: novel, ChunkOrigin: origin, DocumentLength: 5000, Set: set}
}

func invoke(t *testing.T, c *Contract, sc Scope, name, args string) (Result, error) {
	t.Helper()
	return c.Invoke(context.Background(), sc, "", name, json.RawMessage(args))
}

func mustCreate(t *testing.T, c *Contract, origin, start, end int, quote string) string {
	t.Helper()
	args, _ := json.Marshal(map[string]any{
		"quote": quote, "description": "about " + quote,
		"charRangeStart": start, "charRangeEnd": end,
	})
	res, err := c.Invoke(context.Background(), scope(DetectionTools, origin), "", CreateEventTool, args)
	if err != nil {
		t.Fatalf("create_event: %v", err)
	}
	return res.(EventCreated).EventID
}

func TestCreateEventConvertsToAbsoluteOffsets(t *testing.T) {
	s := newTestStore(t)
	c := New(s, nil)

	id := mustCreate(t, c, 1600, 100, 150, "Call me Ishmael")
	e, err := s.GetEvent(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if e.CharRangeStart != 1700 || e.CharRangeEnd != 1750 {
		t.Errorf("range = [%d,%d), want [1700,1750)", e.CharRangeStart, e.CharRangeEnd)
	}
	if e.NovelName != novel || e.RunID != "run-1" {
		t.Errorf("event = %+v", e)
	}
}

func TestCreateEventKeepsQuoteVerbatim(t *testing.T) {
	s := newTestStore(t)
	c := New(s, nil)

	quote := " Call me Ishmael.\n"
	id := mustCreate(t, c, 0, 10, 10+len(quote), quote)
	e, err := s.GetEvent(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if e.Quote != quote {
		t.Errorf("quote = %q, want %q", e.Quote, quote)
	}
	if e.CharRangeEnd-e.CharRangeStart != len(quote) {
		t.Errorf("range [%d,%d) does not span the quote", e.CharRangeStart, e.CharRangeEnd)
	}
}

func TestCreateEventValidation(t *testing.T) {
	s := newTestStore(t)
	c := New(s, nil)

	tests := []struct {
		name string
		args string
	}{
		{"empty quote", `{"quote":" ","description":"d","charRangeStart":0,"charRangeEnd":5}`},
		{"empty description", `{"quote":"q","description":"","charRangeStart":0,"charRangeEnd":5}`},
		{"negative start", `{"quote":"q","description":"d","charRangeStart":-1,"charRangeEnd":5}`},
		{"end equals start", `{"quote":"q","description":"d","charRangeStart":5,"charRangeEnd":5}`},
		{"end before start", `{"quote":"q","description":"d","charRangeStart":9,"charRangeEnd":5}`},
		{"missing start", `{"quote":"q","description":"d","charRangeEnd":5}`},
		{"past document end", `{"quote":"q","description":"d","charRangeStart":0,"charRangeEnd":4000}`},
		{"bad absolute date", `{"quote":"q","description":"d","charRangeStart":0,"charRangeEnd":5,"absoluteDate":"June 1851"}`},
		{"bad month", `{"quote":"q","description":"d","charRangeStart":0,"charRangeEnd":5,"absoluteDate":"1851-13"}`},
		{"taxonomy without catalogue", `{"quote":"q","description":"d","charRangeStart":0,"charRangeEnd":5,"taxonomyId":"voyage"}`},
		{"unknown field", `{"quote":"q","description":"d","charRangeStart":0,"charRangeEnd":5,"mood":"grim"}`},
		{"malformed", `{"quote":`},
		{"string offset", `{"quote":"q","description":"d","charRangeStart":"0","charRangeEnd":5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := invoke(t, c, scope(DetectionTools, 1500), CreateEventTool, tt.args)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}

	events, _ := s.ListEvents(context.Background(), novel)
	if len(events) != 0 {
		t.Errorf("validation failures stored %d events", len(events))
	}
}

func TestCreateEventDates(t *testing.T) {
	c := New(newTestStore(t), nil)
	for _, date := range []string{"1851", "1851-10", "1851-10-18", "-0480", "-44-03-15"} {
		args := `{"quote":"q","description":"d","charRangeStart":0,"charRangeEnd":5,"absoluteDate":"` + date + `","approximateDate":"autumn"}`
		if _, err := invoke(t, c, scope(DetectionTools, 0), CreateEventTool, args); err != nil {
			t.Errorf("date %q: %v", date, err)
		}
	}
}

func TestCreateEventWithTaxonomy(t *testing.T) {
	s := newTestStore(t)
	c := New(s, nil, WithTaxonomy(newTestTaxonomy(t), nil))

	res, err := invoke(t, c, scope(DetectionTools, 0), CreateEventTool,
		`{"quote":"The Pequod sailed","description":"The ship departs","charRangeStart":0,"charRangeEnd":17,"taxonomyId":"voyage"}`)
	if err != nil {
		t.Fatal(err)
	}
	e, _ := s.GetEvent(context.Background(), res.(EventCreated).EventID)
	if e.MasterTaxonomyID == nil || *e.MasterTaxonomyID != "voyage" {
		t.Errorf("taxonomy id = %v", e.MasterTaxonomyID)
	}

	_, err = invoke(t, c, scope(DetectionTools, 0), CreateEventTool,
		`{"quote":"q","description":"d","charRangeStart":0,"charRangeEnd":5,"taxonomyId":"wedding"}`)
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.Kind != "taxonomy entry" {
		t.Errorf("err = %v, want taxonomy NotFoundError", err)
	}
}

func TestCreateRelationship(t *testing.T) {
	s := newTestStore(t)
	c := New(s, nil)
	a := mustCreate(t, c, 0, 0, 10, "first")
	b := mustCreate(t, c, 0, 20, 30, "second")
	sc := scope(ResolutionTools, 0)

	rel := func(from, to, typ string) (Result, error) {
		args, _ := json.Marshal(CreateRelationship{FromEventID: from, ToEventID: to, Type: typ, SourceText: "and then"})
		return c.Invoke(context.Background(), sc, "", CreateRelationshipTool, args)
	}

	// Contradictions are data.
	for _, typ := range []string{store.Before, store.After} {
		res, err := rel(a, b, typ)
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		if r := res.(RelationshipCreated); !r.Success || r.RelationshipID == 0 {
			t.Errorf("result = %+v", r)
		}
	}
	if _, err := rel(b, a, store.Before); err != nil {
		t.Fatal(err)
	}
	rels, _ := s.RelationshipsForEvents(context.Background(), novel, []string{a})
	if len(rels) != 3 {
		t.Errorf("stored %d relationships, want 3", len(rels))
	}

	if _, err := rel(a, a, store.Before); !errors.Is(err, ErrValidation) {
		t.Errorf("self relationship err = %v, want ErrValidation", err)
	}
	if _, err := rel(a, b, "DURING"); !errors.Is(err, ErrValidation) {
		t.Errorf("bad type err = %v, want ErrValidation", err)
	}
	if _, err := rel(a, "missing", store.Before); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing endpoint err = %v, want ErrNotFound", err)
	}

	other := New(s, nil)
	foreign, err := other.Invoke(context.Background(),
		Scope{RunID: "run-2", NovelName: "other-novel", DocumentLength: 100, Set: DetectionTools}, "",
		CreateEventTool, json.RawMessage(`{"quote":"x","description":"y","charRangeStart":0,"charRangeEnd":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rel(a, foreign.(EventCreated).EventID, store.Before); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-novel err = %v, want ErrNotFound", err)
	}
}

func TestFindEvent(t *testing.T) {
	s := newTestStore(t)
	c := New(s, nil)
	id := mustCreate(t, c, 1000, 10, 40, "the white whale breached")
	sc := scope(DetectionTools, 3000)

	tests := []struct {
		name      string
		args      string
		wantFound bool
	}{
		{"exact quote", `{"quote":"the white whale breached"}`, true},
		{"fragment", `{"quote":"white whale"}`, true},
		{"overlapping range", `{"charRangeStart":1020,"charRangeEnd":1100}`, true},
		{"single offset", `{"charRangeStart":1015}`, true},
		{"miss", `{"quote":"a quiet harbour"}`, false},
		{"miss range", `{"charRangeStart":2000,"charRangeEnd":2100}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := invoke(t, c, sc, FindEventTool, tt.args)
			if err != nil {
				t.Fatal(err)
			}
			lookup := res.(EventLookup)
			if lookup.Found != tt.wantFound {
				t.Fatalf("found = %v, want %v", lookup.Found, tt.wantFound)
			}
			if lookup.Found && lookup.Event.ID != id {
				t.Errorf("event = %+v", lookup.Event)
			}
			if !lookup.Found && lookup.Event != nil {
				t.Error("not-found lookup carries an event")
			}
		})
	}

	for _, args := range []string{`{}`, `{"quote":"  "}`, `{"charRangeStart":50,"charRangeEnd":10}`} {
		if _, err := invoke(t, c, sc, FindEventTool, args); !errors.Is(err, ErrValidation) {
			t.Errorf("%s: err = %v, want ErrValidation", args, err)
		}
	}
}

func TestUpdateEvent(t *testing.T) {
	s := newTestStore(t)
	c := New(s, nil)
	id := mustCreate(t, c, 0, 0, 10, "Queequeg")
	sc := scope(ResolutionTools, 0)

	res, err := invoke(t, c, sc, UpdateEventTool, `{"eventId":"`+id+`","absoluteDate":"1851","description":"Ishmael meets Queequeg"}`)
	if err != nil {
		t.Fatal(err)
	}
	up := res.(EventUpdated)
	if !up.Success || !up.DateAdded || up.TaxonomyLinked {
		t.Errorf("result = %+v", up)
	}
	if up.Event.Description != "Ishmael meets Queequeg" || *up.Event.AbsoluteDate != "1851" || up.Event.Quote != "Queequeg" {
		t.Errorf("event = %+v", up.Event)
	}

	res, err = invoke(t, c, sc, UpdateEventTool, `{"eventId":"`+id+`","absoluteDate":"1852"}`)
	if err != nil {
		t.Fatal(err)
	}
	if res.(EventUpdated).DateAdded {
		t.Error("replacing a date is not adding one")
	}

	tests := []struct {
		name string
		args string
		want error
	}{
		{"no fields", `{"eventId":"` + id + `"}`, ErrValidation},
		{"no id", `{"description":"x"}`, ErrValidation},
		{"empty description", `{"eventId":"` + id + `","description":" "}`, ErrValidation},
		{"bad date", `{"eventId":"` + id + `","absoluteDate":"yesterday"}`, ErrValidation},
		{"taxonomy without catalogue", `{"eventId":"` + id + `","taxonomyId":"voyage"}`, ErrValidation},
		{"missing event", `{"eventId":"nope","description":"x"}`, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := invoke(t, c, sc, UpdateEventTool, tt.args); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestUpdateEventLinksTaxonomy(t *testing.T) {
	s := newTestStore(t)
	c := New(s, nil, WithTaxonomy(newTestTaxonomy(t), nil))
	id := mustCreate(t, c, 0, 0, 10, "Thar she blows")

	res, err := invoke(t, c, scope(ResolutionTools, 0), UpdateEventTool, `{"eventId":"`+id+`","taxonomyId":"hunt"}`)
	if err != nil {
		t.Fatal(err)
	}
	up := res.(EventUpdated)
	if !up.TaxonomyLinked || up.Event.TaxonomyID == nil || *up.Event.TaxonomyID != "hunt" {
		t.Errorf("result = %+v", up)
	}
}

func TestGetRecentEvents(t *testing.T) {
	s := newTestStore(t)
	c := New(s, nil)
	first := mustCreate(t, c, 0, 0, 10, "one")
	second := mustCreate(t, c, 0, 100, 120, "two")
	mustCreate(t, c, 0, 150, 250, "straddles")

	res, err := invoke(t, c, scope(DetectionTools, 200), GetRecentEventsTool, `{}`)
	if err != nil {
		t.Fatal(err)
	}
	events := res.(RecentEvents).Events
	if len(events) != 2 || events[0].ID != second || events[1].ID != first {
		t.Fatalf("events = %+v", events)
	}

	res, _ = invoke(t, c, scope(DetectionTools, 200), GetRecentEventsTool, `{"limit":1}`)
	if n := len(res.(RecentEvents).Events); n != 1 {
		t.Errorf("limit 1 returned %d", n)
	}

	for _, args := range []string{`{"limit":51}`, `{"limit":-1}`} {
		if _, err := invoke(t, c, scope(DetectionTools, 200), GetRecentEventsTool, args); !errors.Is(err, ErrValidation) {
			t.Errorf("%s: err = %v, want ErrValidation", args, err)
		}
	}
}

func TestFindMasterEvent(t *testing.T) {
	c := New(newTestStore(t), nil, WithTaxonomy(newTestTaxonomy(t), nil))
	sc := scope(DetectionTools, 0)

	res, err := invoke(t, c, sc, FindMasterEventTool, `{"description":"The crew chases the whale across the sea"}`)
	if err != nil {
		t.Fatal(err)
	}
	m := res.(MasterEventMatch)
	if !m.Found || m.TaxonomyID != "hunt" || m.Confidence <= 0 {
		t.Errorf("match = %+v", m)
	}

	res, err = invoke(t, c, sc, FindMasterEventTool, `{"description":"Ishmael eats chowder"}`)
	if err != nil {
		t.Fatal(err)
	}
	if res.(MasterEventMatch).Found {
		t.Errorf("unexpected match %+v", res)
	}
}

func TestToolSets(t *testing.T) {
	c := New(newTestStore(t), nil)
	if _, err := invoke(t, c, scope(ResolutionTools, 0), CreateEventTool,
		`{"quote":"q","description":"d","charRangeStart":0,"charRangeEnd":5}`); !errors.Is(err, ErrValidation) {
		t.Errorf("resolver create_event err = %v, want ErrValidation", err)
	}
	if _, err := invoke(t, c, scope(ResolutionTools, 0), GetRecentEventsTool, `{}`); !errors.Is(err, ErrValidation) {
		t.Errorf("resolver get_recent_events err = %v, want ErrValidation", err)
	}
	if _, err := invoke(t, c, scope(DetectionTools, 0), FindMasterEventTool, `{"description":"x"}`); !errors.Is(err, ErrValidation) {
		t.Errorf("find_master_event without taxonomy err = %v, want ErrValidation", err)
	}
	if _, err := invoke(t, c, scope(DetectionTools, 0), "delete_event", `{}`); !errors.Is(err, ErrValidation) {
		t.Errorf("unknown tool err = %v, want ErrValidation", err)
	}
}

func TestInvokePublishesPairs(t *testing.T) {
	rec := &recorder{}
	var observed []string
	c := New(newTestStore(t), rec, WithObserver(func(tool string, err error) {
		observed = append(observed, tool)
	}))
	sc := scope(DetectionTools, 0)

	if _, err := c.Invoke(context.Background(), sc, "call-1", CreateEventTool,
		json.RawMessage(`{"quote":"q","description":"d","charRangeStart":0,"charRangeEnd":5}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Invoke(context.Background(), sc, "call-2", FindEventTool, json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected validation error")
	}

	if len(rec.msgs) != 4 {
		t.Fatalf("published %d messages, want 4", len(rec.msgs))
	}
	inv, ok := rec.msgs[0].(bus.ToolInvoked)
	if !ok || inv.CallID != "call-1" || inv.Tool != CreateEventTool {
		t.Errorf("msg[0] = %+v", rec.msgs[0])
	}
	done, ok := rec.msgs[1].(bus.ToolCompleted)
	if !ok || done.CallID != "call-1" || done.Error != "" || len(done.Output) == 0 {
		t.Errorf("msg[1] = %+v", rec.msgs[1])
	}
	failed, ok := rec.msgs[3].(bus.ToolCompleted)
	if !ok || failed.CallID != "call-2" || failed.Error == "" || failed.Output != nil {
		t.Errorf("msg[3] = %+v", rec.msgs[3])
	}
	if len(observed) != 2 {
		t.Errorf("observer saw %v", observed)
	}
}

func TestExecuteTypedCall(t *testing.T) {
	s := newTestStore(t)
	rec := &recorder{}
	c := New(s, rec)
	res, err := c.Execute(context.Background(), scope(DetectionTools, 10), CreateEventWithoutTaxonomy{
		EventFields: EventFields{Quote: "q", Description: "d", CharRangeStart: 1, CharRangeEnd: 3},
	})
	if err != nil {
		t.Fatal(err)
	}
	e, _ := s.GetEvent(context.Background(), res.(EventCreated).EventID)
	if e.CharRangeStart != 11 || e.CharRangeEnd != 13 {
		t.Errorf("range = [%d,%d)", e.CharRangeStart, e.CharRangeEnd)
	}
	inv := rec.msgs[0].(bus.ToolInvoked)
	if inv.CallID == "" || !json.Valid(inv.Input) {
		t.Errorf("invoked = %+v", inv)
	}
}
