package tools

import (
	"encoding/json"
	"testing"

	"github.com/brunobiangulo/storyline/taxonomy"
)

func toolNames(c *Contract, set ToolSet) []string {
	var names []string
	for _, d := range c.Definitions(set) {
		names = append(names, d.Name)
	}
	return names
}

func equalStrings(a, b []string) bool {
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

func TestDefinitionsPerSet(t *testing.T) {
	tax, err := taxonomy.New([]taxonomy.Entry{{ID: "voyage", Name: "Voyage"}})
	if err != nil {
		t.Fatal(err)
	}
	plain := New(nil, nil)
	withTax := New(nil, nil, WithTaxonomy(tax, nil))

	tests := []struct {
		name string
		c    *Contract
		set  ToolSet
		want []string
	}{
		{"detection", plain, DetectionTools, []string{"create_event", "create_relationship", "find_event", "update_event", "get_recent_events"}},
		{"detection with taxonomy", withTax, DetectionTools, []string{"create_event", "create_relationship", "find_event", "update_event", "get_recent_events", "find_master_event"}},
		{"resolution", plain, ResolutionTools, []string{"create_relationship", "update_event", "find_event"}},
		{"resolution with taxonomy", withTax, ResolutionTools, []string{"create_relationship", "update_event", "find_event", "find_master_event"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := toolNames(tt.c, tt.set); !equalStrings(got, tt.want) {
				t.Errorf("tools = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTaxonomyFieldOnlyWithCatalogue(t *testing.T) {
	tax, _ := taxonomy.New([]taxonomy.Entry{{ID: "voyage", Name: "Voyage"}, {ID: "hunt", Name: "Hunt"}})

	for _, tt := range []struct {
		name string
		c    *Contract
		want bool
	}{
		{"without", New(nil, nil), false},
		{"with", New(nil, nil, WithTaxonomy(tax, nil)), true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			for _, d := range tt.c.Definitions(DetectionTools) {
				if d.Name != CreateEventTool && d.Name != UpdateEventTool {
					continue
				}
				_, has := d.InputSchema.Properties["taxonomyId"]
				if has != tt.want {
					t.Errorf("%s has taxonomyId = %v, want %v", d.Name, has, tt.want)
				}
			}
		})
	}
}

func TestLLMToolsSchemas(t *testing.T) {
	tools, err := New(nil, nil).LLMTools(DetectionTools)
	if err != nil {
		t.Fatal(err)
	}
	for _, tool := range tools {
		if tool.Type != "function" || tool.Function.Name == "" {
			t.Errorf("tool = %+v", tool)
		}
		var schema struct {
			Type       string                    `json:"type"`
			Properties map[string]map[string]any `json:"properties"`
			Required   []string                  `json:"required"`
		}
		if err := json.Unmarshal(tool.Function.Parameters, &schema); err != nil {
			t.Fatalf("%s: %v", tool.Function.Name, err)
		}
		if schema.Type != "object" {
			t.Errorf("%s: type = %q", tool.Function.Name, schema.Type)
		}
		if tool.Function.Name == CreateRelationshipTool {
			enum, _ := schema.Properties["type"]["enum"].([]any)
			if len(enum) != 4 {
				t.Errorf("relationship enum = %v", schema.Properties["type"]["enum"])
			}
			if len(schema.Required) != 4 {
				t.Errorf("required = %v", schema.Required)
			}
		}
	}
}

func TestIntegerArguments(t *testing.T) {
	c := New(nil, nil)
	for _, d := range c.Definitions(DetectionTools) {
		for _, field := range []string{"charRangeStart", "charRangeEnd", "limit"} {
			prop, ok := d.InputSchema.Properties[field].(map[string]any)
			if ok && prop["type"] != "integer" {
				t.Errorf("%s.%s type = %v, want integer", d.Name, field, prop["type"])
			}
		}
	}

	tests := []struct {
		args    string
		start   int
		wantErr bool
	}{
		{`{"quote":"q","description":"d","charRangeStart":100,"charRangeEnd":120}`, 100, false},
		{`{"quote":"q","description":"d","charRangeStart":100.0,"charRangeEnd":120}`, 100, false},
		{`{"quote":"q","description":"d","charRangeStart":1e2,"charRangeEnd":1.2e2}`, 100, false},
		{`{"quote":"q","description":"d","charRangeStart":100.5,"charRangeEnd":120}`, 0, true},
	}
	for _, tt := range tests {
		call, err := c.Decode(DetectionTools, CreateEventTool, json.RawMessage(tt.args))
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tt.args)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tt.args, err)
			continue
		}
		ev, ok := call.(CreateEventWithoutTaxonomy)
		if !ok || ev.CharRangeStart != tt.start || ev.CharRangeEnd != 120 {
			t.Errorf("%s: call = %+v", tt.args, call)
		}
	}

	call, err := c.Decode(DetectionTools, GetRecentEventsTool, json.RawMessage(`{"limit":5.0}`))
	if err != nil {
		t.Fatal(err)
	}
	if got := call.(GetRecentEvents).Limit; got != 5 {
		t.Errorf("limit = %d, want 5", got)
	}
}
