package taxonomy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"unicode"

	"github.com/brunobiangulo/storyline/llm"
	"github.com/brunobiangulo/storyline/store"
)

// DefaultMinConfidence is the score below which a match is reported as
// not found.
const DefaultMinConfidence = 0.35

// Match is the best catalogue entry for a description.
type Match struct {
	EntryID    string  `json:"taxonomyId"`
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// Matcher finds the catalogue entry closest to a free-text description.
// ok is false when nothing reaches the matcher's confidence threshold.
type Matcher interface {
	Match(ctx context.Context, description string) (m Match, ok bool, err error)
}

// LexicalMatcher scores entries by word overlap. It needs no model and is
// the fallback when no embedding provider is configured.
type LexicalMatcher struct {
	tax     *Taxonomy
	minConf float64
	index   []lexicalEntry
}

type lexicalEntry struct {
	phrases [][]string // name and each alias, tokenized
	desc    map[string]bool
}

// NewLexicalMatcher builds a LexicalMatcher. minConf <= 0 selects
// DefaultMinConfidence.
func NewLexicalMatcher(t *Taxonomy, minConf float64) *LexicalMatcher {
	if minConf <= 0 {
		minConf = DefaultMinConfidence
	}
	m := &LexicalMatcher{tax: t, minConf: minConf}
	for _, e := range t.entries {
		le := lexicalEntry{desc: tokenSet(e.Description)}
		for _, phrase := range append([]string{e.Name}, e.Aliases...) {
			if toks := tokenize(phrase); len(toks) > 0 {
				le.phrases = append(le.phrases, toks)
			}
		}
		m.index = append(m.index, le)
	}
	return m
}

// Match implements Matcher. The score blends how completely the best name
// or alias appears in the description with the share of description words
// found in the entry's own description.
func (m *LexicalMatcher) Match(_ context.Context, description string) (Match, bool, error) {
	best, bestScore := -1, 0.0
	for i, score := range m.scores(description) {
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 || bestScore < m.minConf {
		return Match{}, false, nil
	}
	e := m.tax.entries[best]
	return Match{EntryID: e.ID, Name: e.Name, Confidence: round3(bestScore)}, true, nil
}

// scores returns one score per catalogue entry, or nil when the
// description has no usable words.
func (m *LexicalMatcher) scores(description string) []float64 {
	query := tokenize(description)
	if len(query) == 0 {
		return nil
	}
	qset := make(map[string]bool, len(query))
	for _, q := range query {
		qset[q] = true
	}

	out := make([]float64, len(m.index))
	for i, le := range m.index {
		var nameCov float64
		for _, phrase := range le.phrases {
			hit := 0
			for _, tok := range phrase {
				if qset[tok] {
					hit++
				}
			}
			if c := float64(hit) / float64(len(phrase)); c > nameCov {
				nameCov = c
			}
		}
		descHit := 0
		for q := range qset {
			if le.desc[q] {
				descHit++
			}
		}
		out[i] = 0.6*nameCov + 0.4*float64(descHit)/float64(len(qset))
	}
	return out
}

// VectorIndex is the persistence the VectorMatcher needs. *store.Store
// implements it.
type VectorIndex interface {
	TaxonomyHashes(ctx context.Context) (map[string]string, error)
	UpsertTaxonomyEntry(ctx context.Context, e store.TaxonomyEntry, embedding []float32) error
	NearestTaxonomy(ctx context.Context, embedding []float32, k int, allowed []string) ([]store.TaxonomyHit, error)
}

// VectorMatcher matches by cosine similarity between embeddings.
type VectorMatcher struct {
	tax      *Taxonomy
	embedder llm.Provider
	index    VectorIndex
	minConf  float64
}

// NewVectorMatcher embeds every entry whose text changed since it was last
// indexed and returns a matcher over the catalogue. minConf <= 0 selects
// DefaultMinConfidence.
func NewVectorMatcher(ctx context.Context, t *Taxonomy, embedder llm.Provider, index VectorIndex, minConf float64) (*VectorMatcher, error) {
	if minConf <= 0 {
		minConf = DefaultMinConfidence
	}
	m := &VectorMatcher{tax: t, embedder: embedder, index: index, minConf: minConf}
	if err := m.sync(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func toStoreEntry(e Entry) store.TaxonomyEntry {
	return store.TaxonomyEntry{EntryID: e.ID, Name: e.Name, Description: e.Description, Aliases: e.Aliases}
}

func embedText(e Entry) string {
	s := e.Name
	if len(e.Aliases) > 0 {
		s += " (" + strings.Join(e.Aliases, ", ") + ")"
	}
	if e.Description != "" {
		s += ": " + e.Description
	}
	return s
}

func (m *VectorMatcher) sync(ctx context.Context) error {
	hashes, err := m.index.TaxonomyHashes(ctx)
	if err != nil {
		return fmt.Errorf("reading taxonomy index: %w", err)
	}

	var stale []Entry
	for _, e := range m.tax.entries {
		if hashes[e.ID] != toStoreEntry(e).ContentHash() {
			stale = append(stale, e)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	texts := make([]string, len(stale))
	for i, e := range stale {
		texts[i] = embedText(e)
	}
	embs, err := m.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding taxonomy: %w", err)
	}
	if len(embs) != len(stale) {
		return fmt.Errorf("embedding taxonomy: got %d vectors for %d entries", len(embs), len(stale))
	}
	for i, e := range stale {
		if err := m.index.UpsertTaxonomyEntry(ctx, toStoreEntry(e), normalize(embs[i])); err != nil {
			return fmt.Errorf("indexing taxonomy entry %q: %w", e.ID, err)
		}
	}
	slog.Info("taxonomy: indexed entries", "count", len(stale), "total", m.tax.Len())
	return nil
}

// Match implements Matcher.
func (m *VectorMatcher) Match(ctx context.Context, description string) (Match, bool, error) {
	hits, err := m.nearest(ctx, description, 1)
	if err != nil {
		return Match{}, false, err
	}
	if len(hits) == 0 || hits[0].Similarity < m.minConf {
		return Match{}, false, nil
	}
	e, _ := m.tax.Get(hits[0].EntryID)
	return Match{EntryID: e.ID, Name: e.Name, Confidence: round3(hits[0].Similarity)}, true, nil
}

// nearest returns up to k entries ordered by similarity to description.
func (m *VectorMatcher) nearest(ctx context.Context, description string, k int) ([]store.TaxonomyHit, error) {
	if strings.TrimSpace(description) == "" {
		return nil, nil
	}
	embs, err := m.embedder.Embed(ctx, []string{description})
	if err != nil {
		return nil, fmt.Errorf("embedding description: %w", err)
	}
	if len(embs) != 1 || len(embs[0]) == 0 {
		return nil, fmt.Errorf("embedding description: empty result")
	}
	return m.index.NearestTaxonomy(ctx, normalize(embs[0]), k, m.tax.IDs())
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	n := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}

var stopwords = map[string]bool{
	"the": true, "and": true, "a": true, "an": true, "of": true, "to": true,
	"in": true, "on": true, "at": true, "is": true, "was": true, "for": true,
	"with": true, "by": true, "his": true, "her": true, "their": true, "from": true,
	"as": true, "it": true, "its": true, "that": true, "this": true, "be": true,
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 2 || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range tokenize(s) {
		set[t] = true
	}
	return set
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
