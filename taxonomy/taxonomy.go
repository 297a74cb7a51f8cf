// Package taxonomy loads the master event catalogue that detected events
// can be classified against, and matches free-text descriptions to it.
package taxonomy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned for catalogues with missing or duplicate ids.
var ErrInvalid = errors.New("taxonomy: invalid catalogue")

// Entry is one master event type.
type Entry struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Aliases     []string `json:"aliases,omitempty" yaml:"aliases,omitempty"`
}

// Taxonomy is an immutable, validated catalogue.
type Taxonomy struct {
	entries []Entry
	byID    map[string]int
}

// New validates entries and builds a Taxonomy.
func New(entries []Entry) (*Taxonomy, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no entries", ErrInvalid)
	}
	t := &Taxonomy{
		entries: make([]Entry, 0, len(entries)),
		byID:    make(map[string]int, len(entries)),
	}
	for i, e := range entries {
		e.ID = strings.TrimSpace(e.ID)
		e.Name = strings.TrimSpace(e.Name)
		if e.ID == "" {
			return nil, fmt.Errorf("%w: entry %d has no id", ErrInvalid, i)
		}
		if e.Name == "" {
			return nil, fmt.Errorf("%w: entry %q has no name", ErrInvalid, e.ID)
		}
		if _, dup := t.byID[e.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalid, e.ID)
		}
		t.byID[e.ID] = len(t.entries)
		t.entries = append(t.entries, e)
	}
	return t, nil
}

// Len returns the number of entries.
func (t *Taxonomy) Len() int { return len(t.entries) }

// Entries returns a copy of the entries in catalogue order.
func (t *Taxonomy) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// IDs returns every entry id in catalogue order.
func (t *Taxonomy) IDs() []string {
	ids := make([]string, len(t.entries))
	for i, e := range t.entries {
		ids[i] = e.ID
	}
	return ids
}

// Get returns the entry with the given id.
func (t *Taxonomy) Get(id string) (Entry, bool) {
	i, ok := t.byID[id]
	if !ok {
		return Entry{}, false
	}
	return t.entries[i], true
}

// Catalogue renders the entries as a compact list for agent instructions.
func (t *Taxonomy) Catalogue() string {
	var b strings.Builder
	for _, e := range t.entries {
		fmt.Fprintf(&b, "- %s: %s", e.ID, e.Name)
		if len(e.Aliases) > 0 {
			fmt.Fprintf(&b, " (also: %s)", strings.Join(e.Aliases, ", "))
		}
		if e.Description != "" {
			fmt.Fprintf(&b, ". %s", e.Description)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Load reads a catalogue from a .json, .yaml/.yml or .xlsx file.
func Load(path string) (*Taxonomy, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return loadJSON(path)
	case ".yaml", ".yml":
		return loadYAML(path)
	case ".xlsx":
		return loadXLSX(path)
	default:
		return nil, fmt.Errorf("taxonomy: unsupported file type %q", filepath.Ext(path))
	}
}

// document accepts both a bare list and {"entries": [...]}.
type document struct {
	Entries []Entry `json:"entries" yaml:"entries"`
}

func loadJSON(path string) (*Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading taxonomy: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		var doc document
		if err2 := json.Unmarshal(data, &doc); err2 != nil {
			return nil, fmt.Errorf("decoding taxonomy JSON: %w", err)
		}
		entries = doc.Entries
	}
	return New(entries)
}

func loadYAML(path string) (*Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading taxonomy: %w", err)
	}
	var entries []Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		var doc document
		if err2 := yaml.Unmarshal(data, &doc); err2 != nil {
			return nil, fmt.Errorf("decoding taxonomy YAML: %w", err)
		}
		entries = doc.Entries
	}
	return New(entries)
}
