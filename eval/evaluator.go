package eval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/brunobiangulo/storyline/store"
)

// DefaultMinIoU is the overlap a detected range needs to count as a gold
// event.
const DefaultMinIoU = 0.5

// Source reads a processed novel. storyline.Engine implements it.
type Source interface {
	Events(ctx context.Context, novel string) ([]store.Event, error)
	Relationships(ctx context.Context, novel string) ([]store.Relationship, error)
}

// Evaluator scores novels read from a Source.
type Evaluator struct {
	src    Source
	minIoU float64
}

// NewEvaluator creates an Evaluator. minIoU <= 0 selects DefaultMinIoU.
func NewEvaluator(src Source, minIoU float64) *Evaluator {
	if minIoU <= 0 {
		minIoU = DefaultMinIoU
	}
	return &Evaluator{src: src, minIoU: minIoU}
}

// Report holds the results of one evaluation.
type Report struct {
	Novel     string  `json:"novel"`
	MinIoU    float64 `json:"min_iou"`
	Gold      int     `json:"gold_events"`
	Detected  int     `json:"detected_events"`
	Matched   int     `json:"matched_events"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	// MeanIoU averages the overlap of matched pairs.
	MeanIoU float64 `json:"mean_iou"`

	DatesChecked  int     `json:"dates_checked"`
	DatesCorrect  int     `json:"dates_correct"`
	DateAccuracy  float64 `json:"date_accuracy"`
	TaxonomyCheck int     `json:"taxonomy_checked"`
	TaxonomyRight int     `json:"taxonomy_correct"`

	GoldRelationships  int     `json:"gold_relationships"`
	Recoverable        int     `json:"recoverable_relationships"` // both endpoints matched
	Recovered          int     `json:"recovered_relationships"`
	RelationshipRecall float64 `json:"relationship_recall"`
	Contradictions     int     `json:"contradictions"`

	Events  []EventResult `json:"events"`
	RunTime time.Duration `json:"run_time"`
}

// EventResult is the outcome for one gold event.
type EventResult struct {
	GoldID     string  `json:"gold_id"`
	DetectedID string  `json:"detected_id,omitempty"`
	IoU        float64 `json:"iou,omitempty"`
}

// Run loads the novel named by gold and scores it.
func (e *Evaluator) Run(ctx context.Context, gold *Gold) (*Report, error) {
	start := time.Now()
	events, err := e.src.Events(ctx, gold.Novel)
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	rels, err := e.src.Relationships(ctx, gold.Novel)
	if err != nil {
		return nil, fmt.Errorf("loading relationships: %w", err)
	}
	r := Score(gold, events, rels, e.minIoU)
	r.RunTime = time.Since(start)
	return r, nil
}

// Score compares detected events and relationships with gold.
func Score(gold *Gold, events []store.Event, rels []store.Relationship, minIoU float64) *Report {
	if minIoU <= 0 {
		minIoU = DefaultMinIoU
	}
	r := &Report{
		Novel:             gold.Novel,
		MinIoU:            minIoU,
		Gold:              len(gold.Events),
		Detected:          len(events),
		GoldRelationships: len(gold.Relationships),
		Contradictions:    contradictions(rels),
	}

	matched := matchEvents(gold.Events, events, minIoU)
	detectedOf := make(map[string]string, len(matched)) // gold id -> detected id
	var iouSum float64
	for gi, g := range gold.Events {
		res := EventResult{GoldID: g.ID}
		di, ok := matched[gi]
		if ok {
			d := events[di]
			res.DetectedID = d.ID
			res.IoU = spanIoU(g.Start, g.End, d.CharRangeStart, d.CharRangeEnd)
			iouSum += res.IoU
			detectedOf[g.ID] = d.ID

			if g.AbsoluteDate != "" {
				r.DatesChecked++
				if d.AbsoluteDate != nil && *d.AbsoluteDate == g.AbsoluteDate {
					r.DatesCorrect++
				}
			}
			if g.TaxonomyID != "" {
				r.TaxonomyCheck++
				if d.MasterTaxonomyID != nil && *d.MasterTaxonomyID == g.TaxonomyID {
					r.TaxonomyRight++
				}
			}
		}
		r.Events = append(r.Events, res)
	}
	r.Matched = len(matched)
	r.Precision = ratio(r.Matched, r.Detected)
	r.Recall = ratio(r.Matched, r.Gold)
	r.F1 = f1(r.Precision, r.Recall)
	if r.Matched > 0 {
		r.MeanIoU = iouSum / float64(r.Matched)
	}
	r.DateAccuracy = ratio(r.DatesCorrect, r.DatesChecked)

	found := make(map[edge]bool, len(rels))
	for _, rel := range rels {
		found[canonical(rel.FromEventID, rel.ToEventID, rel.Type)] = true
	}
	for _, gr := range gold.Relationships {
		from, okFrom := detectedOf[gr.From]
		to, okTo := detectedOf[gr.To]
		if !okFrom || !okTo {
			continue
		}
		r.Recoverable++
		if found[canonical(from, to, gr.Type)] {
			r.Recovered++
		}
	}
	r.RelationshipRecall = ratio(r.Recovered, r.GoldRelationships)
	return r
}

// FormatReport produces a human-readable report string.
func FormatReport(r *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== Timeline Evaluation: %s ===\n", r.Novel)
	fmt.Fprintf(&b, "Events: gold %d | detected %d | matched %d (IoU >= %.2f)\n",
		r.Gold, r.Detected, r.Matched, r.MinIoU)
	fmt.Fprintf(&b, "  Precision:  %.2f\n", r.Precision)
	fmt.Fprintf(&b, "  Recall:     %.2f\n", r.Recall)
	fmt.Fprintf(&b, "  F1:         %.2f\n", r.F1)
	fmt.Fprintf(&b, "  Mean IoU:   %.2f\n", r.MeanIoU)
	if r.DatesChecked > 0 {
		fmt.Fprintf(&b, "  Dates:      %d/%d\n", r.DatesCorrect, r.DatesChecked)
	}
	if r.TaxonomyCheck > 0 {
		fmt.Fprintf(&b, "  Taxonomy:   %d/%d\n", r.TaxonomyRight, r.TaxonomyCheck)
	}
	fmt.Fprintf(&b, "\nRelationships: gold %d | recoverable %d | recovered %d\n",
		r.GoldRelationships, r.Recoverable, r.Recovered)
	fmt.Fprintf(&b, "  Recall:          %.2f\n", r.RelationshipRecall)
	fmt.Fprintf(&b, "  Contradictions:  %d\n", r.Contradictions)
	if r.RunTime > 0 {
		fmt.Fprintf(&b, "Run time: %s\n", r.RunTime.Round(time.Millisecond))
	}

	fmt.Fprintln(&b)
	for _, e := range r.Events {
		if e.DetectedID == "" {
			fmt.Fprintf(&b, "[MISS] %s\n", e.GoldID)
			continue
		}
		fmt.Fprintf(&b, "[HIT]  %s -> %s (IoU %.2f)\n", e.GoldID, e.DetectedID, e.IoU)
	}
	return b.String()
}
