package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Tool names exposed to agents.
const (
	CreateEventTool        = "create_event"
	CreateRelationshipTool = "create_relationship"
	FindEventTool          = "find_event"
	UpdateEventTool        = "update_event"
	GetRecentEventsTool    = "get_recent_events"
	FindMasterEventTool    = "find_master_event"
)

// ToolSet selects which tools an agent may call.
type ToolSet int

const (
	// DetectionTools is offered to the event detection agent.
	DetectionTools ToolSet = iota
	// ResolutionTools is offered to the timeline resolver. It cannot create
	// events or page back through earlier chunks.
	ResolutionTools
)

func (s ToolSet) String() string {
	switch s {
	case DetectionTools:
		return "detection"
	case ResolutionTools:
		return "resolution"
	default:
		return fmt.Sprintf("ToolSet(%d)", int(s))
	}
}

var toolSets = map[ToolSet][]string{
	DetectionTools: {
		CreateEventTool, CreateRelationshipTool, FindEventTool,
		UpdateEventTool, GetRecentEventsTool, FindMasterEventTool,
	},
	ResolutionTools: {
		CreateRelationshipTool, UpdateEventTool, FindEventTool, FindMasterEventTool,
	},
}

// Call is a decoded tool invocation. The set of implementations is closed.
type Call interface {
	Tool() string
	isCall()
}

// EventFields are the create_event arguments shared by both variants.
// Offsets are relative to the chunk the agent is reading.
type EventFields struct {
	Quote           string  `json:"quote"`
	Description     string  `json:"description"`
	CharRangeStart  int     `json:"charRangeStart"`
	CharRangeEnd    int     `json:"charRangeEnd"`
	ApproximateDate *string `json:"approximateDate,omitempty"`
	AbsoluteDate    *string `json:"absoluteDate,omitempty"`
}

// CreateEventWithTaxonomy is create_event when a master taxonomy is loaded.
type CreateEventWithTaxonomy struct {
	EventFields
	TaxonomyID *string `json:"taxonomyId,omitempty"`
}

// CreateEventWithoutTaxonomy is create_event without a master taxonomy.
type CreateEventWithoutTaxonomy struct {
	EventFields
}

// CreateRelationship links two existing events.
type CreateRelationship struct {
	FromEventID string `json:"fromEventId"`
	ToEventID   string `json:"toEventId"`
	Type        string `json:"type"`
	SourceText  string `json:"sourceText"`
}

// FindEvent looks an event up by quote and/or absolute range.
type FindEvent struct {
	Quote          string `json:"quote,omitempty"`
	CharRangeStart *int   `json:"charRangeStart,omitempty"`
	CharRangeEnd   *int   `json:"charRangeEnd,omitempty"`
}

// UpdateFields are the update_event arguments shared by both variants.
type UpdateFields struct {
	EventID         string  `json:"eventId"`
	Description     *string `json:"description,omitempty"`
	ApproximateDate *string `json:"approximateDate,omitempty"`
	AbsoluteDate    *string `json:"absoluteDate,omitempty"`
}

// UpdateEventWithTaxonomy is update_event when a master taxonomy is loaded.
type UpdateEventWithTaxonomy struct {
	UpdateFields
	TaxonomyID *string `json:"taxonomyId,omitempty"`
}

// UpdateEventWithoutTaxonomy is update_event without a master taxonomy.
type UpdateEventWithoutTaxonomy struct {
	UpdateFields
}

// GetRecentEvents pages back through events that end before the current
// chunk. Zero selects the default limit.
type GetRecentEvents struct {
	Limit int `json:"limit,omitempty"`
}

// FindMasterEvent matches a description against the master taxonomy.
type FindMasterEvent struct {
	Description string `json:"description"`
}

func (CreateEventWithTaxonomy) Tool() string    { return CreateEventTool }
func (CreateEventWithoutTaxonomy) Tool() string { return CreateEventTool }
func (CreateRelationship) Tool() string         { return CreateRelationshipTool }
func (FindEvent) Tool() string                  { return FindEventTool }
func (UpdateEventWithTaxonomy) Tool() string    { return UpdateEventTool }
func (UpdateEventWithoutTaxonomy) Tool() string { return UpdateEventTool }
func (GetRecentEvents) Tool() string            { return GetRecentEventsTool }
func (FindMasterEvent) Tool() string            { return FindMasterEventTool }

func (CreateEventWithTaxonomy) isCall()    {}
func (CreateEventWithoutTaxonomy) isCall() {}
func (CreateRelationship) isCall()         {}
func (FindEvent) isCall()                  {}
func (UpdateEventWithTaxonomy) isCall()    {}
func (UpdateEventWithoutTaxonomy) isCall() {}
func (GetRecentEvents) isCall()            {}
func (FindMasterEvent) isCall()            {}

// Decode parses raw agent arguments for the named tool. Unknown tools,
// tools outside set, unknown fields and missing required fields are
// reported as *ValidationError.
func (c *Contract) Decode(set ToolSet, name string, args json.RawMessage) (Call, error) {
	if !c.offers(set, name) {
		return nil, invalid(name, "", fmt.Sprintf("tool not available to the %s agent", set))
	}

	switch name {
	case CreateEventTool:
		var w struct {
			Quote           string  `json:"quote"`
			Description     string  `json:"description"`
			CharRangeStart  *int    `json:"charRangeStart"`
			CharRangeEnd    *int    `json:"charRangeEnd"`
			ApproximateDate *string `json:"approximateDate"`
			AbsoluteDate    *string `json:"absoluteDate"`
			TaxonomyID      *string `json:"taxonomyId"`
		}
		if err := decodeStrict(name, args, &w); err != nil {
			return nil, err
		}
		if w.CharRangeStart == nil {
			return nil, invalid(name, "charRangeStart", "is required")
		}
		if w.CharRangeEnd == nil {
			return nil, invalid(name, "charRangeEnd", "is required")
		}
		fields := EventFields{
			Quote:           w.Quote,
			Description:     w.Description,
			CharRangeStart:  *w.CharRangeStart,
			CharRangeEnd:    *w.CharRangeEnd,
			ApproximateDate: w.ApproximateDate,
			AbsoluteDate:    w.AbsoluteDate,
		}
		if c.tax == nil {
			if w.TaxonomyID != nil {
				return nil, invalid(name, "taxonomyId", "no master taxonomy is loaded")
			}
			return CreateEventWithoutTaxonomy{EventFields: fields}, nil
		}
		return CreateEventWithTaxonomy{EventFields: fields, TaxonomyID: w.TaxonomyID}, nil

	case CreateRelationshipTool:
		var call CreateRelationship
		if err := decodeStrict(name, args, &call); err != nil {
			return nil, err
		}
		return call, nil

	case FindEventTool:
		var call FindEvent
		if err := decodeStrict(name, args, &call); err != nil {
			return nil, err
		}
		return call, nil

	case UpdateEventTool:
		var w struct {
			UpdateFields
			TaxonomyID *string `json:"taxonomyId"`
		}
		if err := decodeStrict(name, args, &w); err != nil {
			return nil, err
		}
		if c.tax == nil {
			if w.TaxonomyID != nil {
				return nil, invalid(name, "taxonomyId", "no master taxonomy is loaded")
			}
			return UpdateEventWithoutTaxonomy{UpdateFields: w.UpdateFields}, nil
		}
		return UpdateEventWithTaxonomy{UpdateFields: w.UpdateFields, TaxonomyID: w.TaxonomyID}, nil

	case GetRecentEventsTool:
		var call GetRecentEvents
		if err := decodeStrict(name, args, &call); err != nil {
			return nil, err
		}
		return call, nil

	case FindMasterEventTool:
		var call FindMasterEvent
		if err := decodeStrict(name, args, &call); err != nil {
			return nil, err
		}
		return call, nil
	}
	return nil, invalid(name, "", "unknown tool")
}

// offers reports whether name belongs to set on this contract.
func (c *Contract) offers(set ToolSet, name string) bool {
	if name == FindMasterEventTool && c.tax == nil {
		return false
	}
	for _, n := range toolSets[set] {
		if n == name {
			return true
		}
	}
	return false
}

func decodeStrict(tool string, args json.RawMessage, v any) error {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(wholeNumbers(args)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return invalid(tool, "", fmt.Sprintf("malformed arguments: %v", err))
	}
	if dec.More() {
		return invalid(tool, "", "malformed arguments: trailing data")
	}
	return nil
}

// wholeNumbers rewrites top-level numbers such as 120.0 or 1.2e2 as
// integers so they decode into int fields. Fractional values and
// arguments that are not a JSON object are returned unchanged.
func wholeNumbers(args json.RawMessage) json.RawMessage {
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return args
	}
	changed := false
	for k, v := range fields {
		n, ok := v.(json.Number)
		if !ok {
			continue
		}
		if _, err := n.Int64(); err == nil {
			continue
		}
		f, err := n.Float64()
		if err != nil || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
			continue
		}
		fields[k] = json.Number(strconv.FormatInt(int64(f), 10))
		changed = true
	}
	if !changed {
		return args
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return args
	}
	return out
}
