// Package tools is the contract between the language-model agents and the
// event graph. Every tool call is decoded into a closed set of typed
// calls, validated, converted to absolute document offsets, applied to the
// store and reported on the processing bus.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/brunobiangulo/storyline/bus"
	"github.com/brunobiangulo/storyline/store"
	"github.com/brunobiangulo/storyline/taxonomy"
)

const (
	defaultRecentLimit = 10
	maxRecentLimit     = 50
)

// absoluteDatePattern accepts YYYY, YYYY-MM and YYYY-MM-DD with an optional
// leading minus for BCE years.
var absoluteDatePattern = regexp.MustCompile(`^-?\d{1,6}(-(0[1-9]|1[0-2])(-(0[1-9]|[12]\d|3[01]))?)?$`)

// EventStore is the part of *store.Store the contract needs.
type EventStore interface {
	CreateEvent(ctx context.Context, e store.Event) (*store.Event, error)
	GetEvent(ctx context.Context, id string) (*store.Event, error)
	FindEvents(ctx context.Context, novel string, q store.EventQuery) ([]store.Event, error)
	UpdateEvent(ctx context.Context, id string, u store.EventUpdate) (*store.Event, error)
	RecentEvents(ctx context.Context, novel string, before, limit int) ([]store.Event, error)
	CreateRelationship(ctx context.Context, r store.Relationship) (int64, error)
}

// Publisher receives tool invocation messages. *bus.Bus implements it.
type Publisher interface {
	Publish(runID string, m bus.Message) bus.Envelope
}

// Scope identifies where a call is made from.
type Scope struct {
	RunID     string
	NovelName string
	// ChunkOrigin is the absolute offset of the chunk the agent reads.
	// create_event offsets are relative to it and get_recent_events
	// returns events ending before it.
	ChunkOrigin int
	// DocumentLength bounds absolute offsets. Zero disables the check.
	DocumentLength int
	Set            ToolSet
}

// Contract executes tool calls against an event store.
type Contract struct {
	store    EventStore
	pub      Publisher
	tax      *taxonomy.Taxonomy
	matcher  taxonomy.Matcher
	observer func(tool string, err error)
}

// Option configures a Contract.
type Option func(*Contract)

// WithTaxonomy enables the taxonomy variants of create_event and
// update_event, and the find_master_event tool. A nil matcher falls back
// to a taxonomy.LexicalMatcher.
func WithTaxonomy(t *taxonomy.Taxonomy, m taxonomy.Matcher) Option {
	return func(c *Contract) {
		if t == nil {
			return
		}
		c.tax = t
		c.matcher = m
		if m == nil {
			c.matcher = taxonomy.NewLexicalMatcher(t, 0)
		}
	}
}

// WithObserver registers fn to be called after every tool call with its
// outcome.
func WithObserver(fn func(tool string, err error)) Option {
	return func(c *Contract) { c.observer = fn }
}

// New creates a Contract. pub may be nil.
func New(s EventStore, pub Publisher, opts ...Option) *Contract {
	c := &Contract{store: s, pub: pub}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HasTaxonomy reports whether the taxonomy variants are in use.
func (c *Contract) HasTaxonomy() bool { return c.tax != nil }

// Taxonomy returns the loaded taxonomy, or nil.
func (c *Contract) Taxonomy() *taxonomy.Taxonomy { return c.tax }

// Invoke decodes and executes a raw tool call. An empty callID is replaced
// by a generated one.
func (c *Contract) Invoke(ctx context.Context, scope Scope, callID, name string, args json.RawMessage) (Result, error) {
	return c.run(ctx, scope, callID, name, args, func() (Call, error) {
		return c.Decode(scope.Set, name, args)
	})
}

// Execute runs an already decoded call.
func (c *Contract) Execute(ctx context.Context, scope Scope, call Call) (Result, error) {
	input, _ := json.Marshal(call)
	return c.run(ctx, scope, "", call.Tool(), input, func() (Call, error) {
		if !c.offers(scope.Set, call.Tool()) {
			return nil, invalid(call.Tool(), "", fmt.Sprintf("tool not available to the %s agent", scope.Set))
		}
		return call, nil
	})
}

func (c *Contract) run(ctx context.Context, scope Scope, callID, name string, input json.RawMessage, decode func() (Call, error)) (Result, error) {
	if callID == "" {
		callID = uuid.NewString()
	}
	if len(input) > 0 && !json.Valid(input) {
		input, _ = json.Marshal(string(input))
	}
	c.publish(scope.RunID, bus.ToolInvoked{CallID: callID, Tool: name, Input: input})

	var res Result
	call, err := decode()
	if err == nil {
		res, err = c.dispatch(ctx, scope, call)
	}

	done := bus.ToolCompleted{CallID: callID, Tool: name}
	if err != nil {
		done.Error = err.Error()
		slog.Warn("tools: call failed", "run", scope.RunID, "tool", name, "error", err)
	} else {
		done.Output, _ = json.Marshal(res)
	}
	c.publish(scope.RunID, done)

	if c.observer != nil {
		c.observer(name, err)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Contract) publish(runID string, m bus.Message) {
	if c.pub != nil && runID != "" {
		c.pub.Publish(runID, m)
	}
}

func (c *Contract) dispatch(ctx context.Context, scope Scope, call Call) (Result, error) {
	switch v := call.(type) {
	case CreateEventWithTaxonomy:
		return c.createEvent(ctx, scope, v.EventFields, v.TaxonomyID)
	case CreateEventWithoutTaxonomy:
		return c.createEvent(ctx, scope, v.EventFields, nil)
	case CreateRelationship:
		return c.createRelationship(ctx, scope, v)
	case FindEvent:
		return c.findEvent(ctx, scope, v)
	case UpdateEventWithTaxonomy:
		return c.updateEvent(ctx, scope, v.UpdateFields, v.TaxonomyID)
	case UpdateEventWithoutTaxonomy:
		return c.updateEvent(ctx, scope, v.UpdateFields, nil)
	case GetRecentEvents:
		return c.recentEvents(ctx, scope, v)
	case FindMasterEvent:
		return c.findMasterEvent(ctx, v)
	default:
		return nil, invalid(fmt.Sprintf("%T", call), "", "unsupported call")
	}
}

func (c *Contract) createEvent(ctx context.Context, scope Scope, f EventFields, taxonomyID *string) (Result, error) {
	const tool = CreateEventTool
	if err := requireText(tool, "quote", f.Quote); err != nil {
		return nil, err
	}
	if err := requireText(tool, "description", f.Description); err != nil {
		return nil, err
	}
	if f.CharRangeStart < 0 {
		return nil, invalid(tool, "charRangeStart", "must be >= 0")
	}
	if f.CharRangeEnd <= f.CharRangeStart {
		return nil, invalid(tool, "charRangeEnd", "must be greater than charRangeStart")
	}
	if err := checkDates(tool, f.ApproximateDate, f.AbsoluteDate); err != nil {
		return nil, err
	}

	start := scope.ChunkOrigin + f.CharRangeStart
	end := scope.ChunkOrigin + f.CharRangeEnd
	if scope.DocumentLength > 0 && end > scope.DocumentLength {
		return nil, invalid(tool, "charRangeEnd",
			fmt.Sprintf("absolute offset %d is beyond the end of the document (%d)", end, scope.DocumentLength))
	}
	if err := c.checkTaxonomyID(tool, taxonomyID); err != nil {
		return nil, err
	}

	e, err := c.store.CreateEvent(ctx, store.Event{
		NovelName:        scope.NovelName,
		RunID:            scope.RunID,
		Quote:            f.Quote,
		Description:      strings.TrimSpace(f.Description),
		CharRangeStart:   start,
		CharRangeEnd:     end,
		MasterTaxonomyID: taxonomyID,
		ApproximateDate:  trimmed(f.ApproximateDate),
		AbsoluteDate:     trimmed(f.AbsoluteDate),
	})
	if err != nil {
		return nil, &StoreError{Tool: tool, Op: "create event", Err: err}
	}
	return EventCreated{EventID: e.ID}, nil
}

func (c *Contract) createRelationship(ctx context.Context, scope Scope, r CreateRelationship) (Result, error) {
	const tool = CreateRelationshipTool
	if err := requireText(tool, "fromEventId", r.FromEventID); err != nil {
		return nil, err
	}
	if err := requireText(tool, "toEventId", r.ToEventID); err != nil {
		return nil, err
	}
	if !store.ValidRelationshipType(r.Type) {
		return nil, invalid(tool, "type", fmt.Sprintf("must be one of %s", strings.Join(store.RelationshipTypes, ", ")))
	}
	if err := requireText(tool, "sourceText", r.SourceText); err != nil {
		return nil, err
	}
	if r.FromEventID == r.ToEventID {
		return nil, invalid(tool, "toEventId", "an event cannot be related to itself")
	}
	for _, id := range []string{r.FromEventID, r.ToEventID} {
		if _, err := c.lookup(ctx, tool, scope, id); err != nil {
			return nil, err
		}
	}

	id, err := c.store.CreateRelationship(ctx, store.Relationship{
		NovelName:   scope.NovelName,
		RunID:       scope.RunID,
		FromEventID: r.FromEventID,
		ToEventID:   r.ToEventID,
		Type:        r.Type,
		SourceText:  strings.TrimSpace(r.SourceText),
	})
	if err != nil {
		return nil, &StoreError{Tool: tool, Op: "create relationship", Err: err}
	}
	return RelationshipCreated{Success: true, RelationshipID: id}, nil
}

func (c *Contract) findEvent(ctx context.Context, scope Scope, f FindEvent) (Result, error) {
	const tool = FindEventTool
	quote := strings.TrimSpace(f.Quote)
	if quote == "" && f.CharRangeStart == nil && f.CharRangeEnd == nil {
		return nil, invalid(tool, "", "provide a quote or a character range")
	}
	if f.CharRangeStart != nil && *f.CharRangeStart < 0 {
		return nil, invalid(tool, "charRangeStart", "must be >= 0")
	}
	if f.CharRangeEnd != nil && *f.CharRangeEnd < 0 {
		return nil, invalid(tool, "charRangeEnd", "must be >= 0")
	}
	if f.CharRangeStart != nil && f.CharRangeEnd != nil && *f.CharRangeEnd < *f.CharRangeStart {
		return nil, invalid(tool, "charRangeEnd", "must not be less than charRangeStart")
	}

	events, err := c.store.FindEvents(ctx, scope.NovelName, store.EventQuery{
		Quote: quote,
		Start: f.CharRangeStart,
		End:   f.CharRangeEnd,
		Limit: 1,
	})
	if err != nil {
		return nil, &StoreError{Tool: tool, Op: "find event", Err: err}
	}
	if len(events) == 0 {
		return EventLookup{Found: false}, nil
	}
	v := ViewOf(events[0])
	return EventLookup{Found: true, Event: &v}, nil
}

func (c *Contract) updateEvent(ctx context.Context, scope Scope, f UpdateFields, taxonomyID *string) (Result, error) {
	const tool = UpdateEventTool
	if err := requireText(tool, "eventId", f.EventID); err != nil {
		return nil, err
	}
	u := store.EventUpdate{
		Description:      trimmed(f.Description),
		ApproximateDate:  trimmed(f.ApproximateDate),
		AbsoluteDate:     trimmed(f.AbsoluteDate),
		MasterTaxonomyID: taxonomyID,
	}
	if u.Empty() {
		return nil, invalid(tool, "", "provide at least one field to update")
	}
	if f.Description != nil {
		if err := requireText(tool, "description", *f.Description); err != nil {
			return nil, err
		}
	}
	if err := checkDates(tool, f.ApproximateDate, f.AbsoluteDate); err != nil {
		return nil, err
	}
	if err := c.checkTaxonomyID(tool, taxonomyID); err != nil {
		return nil, err
	}

	before, err := c.lookup(ctx, tool, scope, f.EventID)
	if err != nil {
		return nil, err
	}
	e, err := c.store.UpdateEvent(ctx, f.EventID, u)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &NotFoundError{Tool: tool, Kind: "event", ID: f.EventID}
	}
	if err != nil {
		return nil, &StoreError{Tool: tool, Op: "update event", Err: err}
	}
	return EventUpdated{
		Success:        true,
		Event:          ViewOf(*e),
		DateAdded:      (u.ApproximateDate != nil && before.ApproximateDate == nil) || (u.AbsoluteDate != nil && before.AbsoluteDate == nil),
		TaxonomyLinked: u.MasterTaxonomyID != nil,
	}, nil
}

func (c *Contract) recentEvents(ctx context.Context, scope Scope, r GetRecentEvents) (Result, error) {
	const tool = GetRecentEventsTool
	limit := r.Limit
	switch {
	case limit == 0:
		limit = defaultRecentLimit
	case limit < 0 || limit > maxRecentLimit:
		return nil, invalid(tool, "limit", fmt.Sprintf("must be between 0 and %d", maxRecentLimit))
	}
	events, err := c.store.RecentEvents(ctx, scope.NovelName, scope.ChunkOrigin, limit)
	if err != nil {
		return nil, &StoreError{Tool: tool, Op: "recent events", Err: err}
	}
	views := make([]EventView, 0, len(events))
	for _, e := range events {
		views = append(views, ViewOf(e))
	}
	return RecentEvents{Events: views}, nil
}

func (c *Contract) findMasterEvent(ctx context.Context, f FindMasterEvent) (Result, error) {
	const tool = FindMasterEventTool
	if c.matcher == nil {
		return nil, invalid(tool, "", "no master taxonomy is loaded")
	}
	if err := requireText(tool, "description", f.Description); err != nil {
		return nil, err
	}
	m, ok, err := c.matcher.Match(ctx, f.Description)
	if err != nil {
		return nil, &StoreError{Tool: tool, Op: "match taxonomy", Err: err}
	}
	if !ok {
		return MasterEventMatch{Found: false}, nil
	}
	return MasterEventMatch{Found: true, TaxonomyID: m.EntryID, Name: m.Name, Confidence: m.Confidence}, nil
}

// lookup fetches an event of the scope's novel.
func (c *Contract) lookup(ctx context.Context, tool string, scope Scope, id string) (*store.Event, error) {
	e, err := c.store.GetEvent(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &NotFoundError{Tool: tool, Kind: "event", ID: id}
	}
	if err != nil {
		return nil, &StoreError{Tool: tool, Op: "get event", Err: err}
	}
	if e.NovelName != scope.NovelName {
		return nil, &NotFoundError{Tool: tool, Kind: "event", ID: id}
	}
	return e, nil
}

func (c *Contract) checkTaxonomyID(tool string, id *string) error {
	if id == nil {
		return nil
	}
	if strings.TrimSpace(*id) == "" {
		return invalid(tool, "taxonomyId", "must not be empty")
	}
	if c.tax == nil {
		return invalid(tool, "taxonomyId", "no master taxonomy is loaded")
	}
	if _, ok := c.tax.Get(*id); !ok {
		return &NotFoundError{Tool: tool, Kind: "taxonomy entry", ID: *id}
	}
	return nil
}

func requireText(tool, field, v string) error {
	if strings.TrimSpace(v) == "" {
		return invalid(tool, field, "must not be empty")
	}
	return nil
}

func checkDates(tool string, approximate, absolute *string) error {
	if approximate != nil && strings.TrimSpace(*approximate) == "" {
		return invalid(tool, "approximateDate", "must not be empty when present")
	}
	if absolute != nil && !absoluteDatePattern.MatchString(strings.TrimSpace(*absolute)) {
		return invalid(tool, "absoluteDate", "must look like YYYY, YYYY-MM or YYYY-MM-DD")
	}
	return nil
}

func trimmed(p *string) *string {
	if p == nil {
		return nil
	}
	s := strings.TrimSpace(*p)
	return &s
}
