// Package eval scores a processed novel against a hand-annotated gold
// timeline: which gold events were detected, how well their character
// ranges line up, and which gold temporal relationships were recovered.
package eval

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/brunobiangulo/storyline/store"
)

// Gold is the annotated timeline of one novel.
type Gold struct {
	Novel         string             `json:"novel" yaml:"novel"`
	Events        []GoldEvent        `json:"events" yaml:"events"`
	Relationships []GoldRelationship `json:"relationships" yaml:"relationships"`
}

// GoldEvent is an annotated event. Offsets are absolute, in characters.
type GoldEvent struct {
	ID           string `json:"id" yaml:"id"`
	Start        int    `json:"start" yaml:"start"`
	End          int    `json:"end" yaml:"end"`
	Description  string `json:"description,omitempty" yaml:"description,omitempty"`
	AbsoluteDate string `json:"absolute_date,omitempty" yaml:"absolute_date,omitempty"`
	TaxonomyID   string `json:"taxonomy_id,omitempty" yaml:"taxonomy_id,omitempty"`
}

// GoldRelationship relates two gold events by id.
type GoldRelationship struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
	Type string `json:"type" yaml:"type"`
}

// LoadGold reads a gold timeline from a .json or .yaml/.yml file.
func LoadGold(path string) (*Gold, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading gold timeline: %w", err)
	}
	var g Gold
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &g)
	case ".json":
		err = json.Unmarshal(data, &g)
	default:
		return nil, fmt.Errorf("eval: unsupported gold file type %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("decoding gold timeline: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Validate checks ids, ranges and relationship endpoints.
func (g *Gold) Validate() error {
	if len(g.Events) == 0 {
		return fmt.Errorf("eval: gold timeline has no events")
	}
	ids := make(map[string]bool, len(g.Events))
	for i, e := range g.Events {
		switch {
		case e.ID == "":
			return fmt.Errorf("eval: gold event %d has no id", i)
		case ids[e.ID]:
			return fmt.Errorf("eval: duplicate gold event id %q", e.ID)
		case e.Start < 0 || e.End <= e.Start:
			return fmt.Errorf("eval: gold event %q has invalid range [%d,%d)", e.ID, e.Start, e.End)
		}
		ids[e.ID] = true
	}
	for i, r := range g.Relationships {
		switch {
		case !ids[r.From] || !ids[r.To]:
			return fmt.Errorf("eval: gold relationship %d references an unknown event", i)
		case r.From == r.To:
			return fmt.Errorf("eval: gold relationship %d relates %q to itself", i, r.From)
		case !store.ValidRelationshipType(r.Type):
			return fmt.Errorf("eval: gold relationship %d has invalid type %q", i, r.Type)
		}
	}
	return nil
}
