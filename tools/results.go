package tools

import "github.com/brunobiangulo/storyline/store"

// Result is the typed outcome of a tool call. The set of implementations
// is closed; each marshals to the JSON returned to the agent.
type Result interface {
	isResult()
}

// EventView is the agent-facing projection of a stored event. Offsets are
// absolute.
type EventView struct {
	ID              string  `json:"id"`
	Quote           string  `json:"quote"`
	Description     string  `json:"description"`
	CharRangeStart  int     `json:"charRangeStart"`
	CharRangeEnd    int     `json:"charRangeEnd"`
	TaxonomyID      *string `json:"taxonomyId,omitempty"`
	ApproximateDate *string `json:"approximateDate,omitempty"`
	AbsoluteDate    *string `json:"absoluteDate,omitempty"`
}

// ViewOf projects a stored event.
func ViewOf(e store.Event) EventView {
	return EventView{
		ID:              e.ID,
		Quote:           e.Quote,
		Description:     e.Description,
		CharRangeStart:  e.CharRangeStart,
		CharRangeEnd:    e.CharRangeEnd,
		TaxonomyID:      e.MasterTaxonomyID,
		ApproximateDate: e.ApproximateDate,
		AbsoluteDate:    e.AbsoluteDate,
	}
}

type EventCreated struct {
	EventID string `json:"eventId"`
}

type RelationshipCreated struct {
	Success        bool  `json:"success"`
	RelationshipID int64 `json:"relationshipId"`
}

// EventLookup is the find_event result. Event is nil when Found is false.
type EventLookup struct {
	Found bool       `json:"found"`
	Event *EventView `json:"event,omitempty"`
}

type EventUpdated struct {
	Success bool      `json:"success"`
	Event   EventView `json:"event"`
	// DateAdded and TaxonomyLinked report what the update changed, for
	// run statistics. They are not sent to the agent.
	DateAdded      bool `json:"-"`
	TaxonomyLinked bool `json:"-"`
}

type RecentEvents struct {
	Events []EventView `json:"events"`
}

type MasterEventMatch struct {
	Found      bool    `json:"found"`
	TaxonomyID string  `json:"taxonomyId,omitempty"`
	Name       string  `json:"name,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

func (EventCreated) isResult()        {}
func (RelationshipCreated) isResult() {}
func (EventLookup) isResult()         {}
func (EventUpdated) isResult()        {}
func (RecentEvents) isResult()        {}
func (MasterEventMatch) isResult()    {}
