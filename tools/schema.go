package tools

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/brunobiangulo/storyline/llm"
	"github.com/brunobiangulo/storyline/store"
)

const dateHelp = "Year, year-month or full date (YYYY, YYYY-MM, YYYY-MM-DD); prefix a minus sign for BCE years."

// Definitions returns the schemas of every tool in set. The taxonomyId
// fields and find_master_event are present only when the contract was
// built with a taxonomy.
func (c *Contract) Definitions(set ToolSet) []mcp.Tool {
	var defs []mcp.Tool
	for _, name := range toolSets[set] {
		if !c.offers(set, name) {
			continue
		}
		defs = append(defs, c.definition(name))
	}
	return defs
}

// LLMTools converts Definitions into function tools for a chat request.
func (c *Contract) LLMTools(set ToolSet) ([]llm.Tool, error) {
	defs := c.Definitions(set)
	out := make([]llm.Tool, 0, len(defs))
	for _, d := range defs {
		schema, err := json.Marshal(d.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("marshalling %s schema: %w", d.Name, err)
		}
		out = append(out, llm.NewFunctionTool(d.Name, d.Description, schema))
	}
	return out, nil
}

func (c *Contract) definition(name string) mcp.Tool {
	switch name {
	case CreateEventTool:
		opts := []mcp.ToolOption{
			mcp.WithDescription("Record a significant story event found in the current chunk. " +
				"Offsets are character positions relative to the start of the chunk text."),
			mcp.WithString("quote",
				mcp.Required(),
				mcp.Description("Exact text from the chunk that evidences the event"),
			),
			mcp.WithString("description",
				mcp.Required(),
				mcp.Description("One or two sentences describing what happens"),
			),
			mcp.WithNumber("charRangeStart",
				integer(),
				mcp.Required(),
				mcp.Min(0),
				mcp.Description("Offset of the first character of the quote within the chunk"),
			),
			mcp.WithNumber("charRangeEnd",
				integer(),
				mcp.Required(),
				mcp.Min(1),
				mcp.Description("Offset one past the last character of the quote within the chunk"),
			),
			mcp.WithString("approximateDate",
				mcp.Description("Loose in-story time such as 'the following spring' or 'early 1812'"),
			),
			mcp.WithString("absoluteDate",
				mcp.Description(dateHelp),
			),
		}
		if c.tax != nil {
			opts = append(opts, mcp.WithString("taxonomyId",
				mcp.Description("Id of the matching master event, as returned by find_master_event"),
				mcp.Enum(c.tax.IDs()...),
			))
		}
		return mcp.NewTool(CreateEventTool, opts...)

	case CreateRelationshipTool:
		return mcp.NewTool(CreateRelationshipTool,
			mcp.WithDescription("Record the temporal relationship between two existing events. "+
				"BEFORE means the first event happens before the second."),
			mcp.WithString("fromEventId",
				mcp.Required(),
				mcp.Description("Id of the first event"),
			),
			mcp.WithString("toEventId",
				mcp.Required(),
				mcp.Description("Id of the second event; must differ from fromEventId"),
			),
			mcp.WithString("type",
				mcp.Required(),
				mcp.Enum(store.RelationshipTypes...),
				mcp.Description("Temporal relation from the first event to the second"),
			),
			mcp.WithString("sourceText",
				mcp.Required(),
				mcp.Description("Text that justifies the relationship"),
			),
		)

	case FindEventTool:
		return mcp.NewTool(FindEventTool,
			mcp.WithDescription("Look up an already recorded event by quote and/or absolute character range. "+
				"Provide at least one criterion."),
			mcp.WithString("quote",
				mcp.Description("Quote or fragment of the quote"),
			),
			mcp.WithNumber("charRangeStart",
				integer(),
				mcp.Min(0),
				mcp.Description("Absolute document offset"),
			),
			mcp.WithNumber("charRangeEnd",
				integer(),
				mcp.Min(0),
				mcp.Description("Absolute document offset"),
			),
		)

	case UpdateEventTool:
		opts := []mcp.ToolOption{
			mcp.WithDescription("Update the description or dates of an existing event. Provide at least one field."),
			mcp.WithString("eventId",
				mcp.Required(),
				mcp.Description("Id of the event to update"),
			),
			mcp.WithString("description",
				mcp.Description("Replacement description"),
			),
			mcp.WithString("approximateDate",
				mcp.Description("Loose in-story time"),
			),
			mcp.WithString("absoluteDate",
				mcp.Description(dateHelp),
			),
		}
		if c.tax != nil {
			opts = append(opts, mcp.WithString("taxonomyId",
				mcp.Description("Id of the matching master event"),
				mcp.Enum(c.tax.IDs()...),
			))
		}
		return mcp.NewTool(UpdateEventTool, opts...)

	case GetRecentEventsTool:
		return mcp.NewTool(GetRecentEventsTool,
			mcp.WithDescription("List the events that end before the current chunk, most recent first."),
			mcp.WithNumber("limit",
				integer(),
				mcp.Min(0),
				mcp.Max(maxRecentLimit),
				mcp.Description(fmt.Sprintf("Max results (default: %d, max: %d)", defaultRecentLimit, maxRecentLimit)),
			),
		)

	case FindMasterEventTool:
		return mcp.NewTool(FindMasterEventTool,
			mcp.WithDescription("Find the master taxonomy entry that best matches an event description."),
			mcp.WithString("description",
				mcp.Required(),
				mcp.Description("Free-text description of the event"),
			),
		)
	}
	panic("tools: no definition for " + name)
}

// integer narrows a WithNumber property to whole numbers.
func integer() mcp.PropertyOption {
	return func(schema map[string]any) { schema["type"] = "integer" }
}
