package taxonomy

import (
	"context"
	"sort"
)

const rrfK = 60 // Reciprocal Rank Fusion constant

// HybridMatcher combines the vector and lexical rankings with Reciprocal
// Rank Fusion: each entry scores sum(weight_i / (k + rank_i)). The fused
// winner is reported with the higher of its two raw scores as confidence,
// and is not found when that stays below the threshold.
type HybridMatcher struct {
	vector     *VectorMatcher
	lexical    *LexicalMatcher
	weightVec  float64
	weightLex  float64
	candidates int
	minConf    float64
}

// NewHybridMatcher fuses vector and lexical. The threshold is the vector
// matcher's.
func NewHybridMatcher(vector *VectorMatcher, lexical *LexicalMatcher) *HybridMatcher {
	return &HybridMatcher{
		vector:     vector,
		lexical:    lexical,
		weightVec:  1.0,
		weightLex:  0.6,
		candidates: 10,
		minConf:    vector.minConf,
	}
}

type fusedEntry struct {
	id         string
	score      float64
	confidence float64
}

// Match implements Matcher.
func (m *HybridMatcher) Match(ctx context.Context, description string) (Match, bool, error) {
	hits, err := m.vector.nearest(ctx, description, m.candidates)
	if err != nil {
		return Match{}, false, err
	}

	fused := make(map[string]*fusedEntry)
	entry := func(id string) *fusedEntry {
		e, ok := fused[id]
		if !ok {
			e = &fusedEntry{id: id}
			fused[id] = e
		}
		return e
	}

	for rank, h := range hits {
		e := entry(h.EntryID)
		e.score += m.weightVec / float64(rrfK+rank+1)
		e.confidence = max(e.confidence, h.Similarity)
	}
	for rank, r := range m.lexicalRanking(description) {
		e := entry(r.id)
		e.score += m.weightLex / float64(rrfK+rank+1)
		e.confidence = max(e.confidence, r.score)
	}
	if len(fused) == 0 {
		return Match{}, false, nil
	}

	entries := make([]*fusedEntry, 0, len(fused))
	for _, e := range fused {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		if entries[i].confidence != entries[j].confidence {
			return entries[i].confidence > entries[j].confidence
		}
		return entries[i].id < entries[j].id
	})

	best := entries[0]
	if best.confidence < m.minConf {
		return Match{}, false, nil
	}
	e, _ := m.vector.tax.Get(best.id)
	return Match{EntryID: e.ID, Name: e.Name, Confidence: round3(best.confidence)}, true, nil
}

type ranked struct {
	id    string
	score float64
}

// lexicalRanking lists entries with a positive lexical score, best first,
// capped at the candidate count.
func (m *HybridMatcher) lexicalRanking(description string) []ranked {
	var out []ranked
	for i, s := range m.lexical.scores(description) {
		if s > 0 {
			out = append(out, ranked{id: m.lexical.tax.entries[i].ID, score: s})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	if len(out) > m.candidates {
		out = out[:m.candidates]
	}
	return out
}
