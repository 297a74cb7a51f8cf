package agent

import (
	"context"

	"github.com/brunobiangulo/storyline/llm"
	"github.com/brunobiangulo/storyline/tools"
)

// ChunkInput is one unit of detection work.
type ChunkInput struct {
	RunID          string
	NovelName      string
	Text           string
	Origin         int // absolute offset of Text
	DocumentLength int
}

// DetectionOutcome is what a Detector recorded for one chunk.
type DetectionOutcome struct {
	EventIDs      []string
	Relationships int
	Updates       int
}

// Found reports whether at least one event was created.
func (o DetectionOutcome) Found() bool { return len(o.EventIDs) > 0 }

// Detector finds events in chunks.
type Detector struct {
	conv *conversation
}

// NewDetector creates a Detector. The instructions are fixed at
// construction and include the taxonomy catalogue when cfg.Taxonomy is set.
func NewDetector(p llm.Provider, box Toolbox, pub tools.Publisher, cfg Config) (*Detector, error) {
	conv, err := newConversation("detector", p, box, pub, cfg, tools.DetectionTools,
		buildSystemPrompt(detectionPrompt, cfg.Taxonomy))
	if err != nil {
		return nil, err
	}
	return &Detector{conv: conv}, nil
}

// Detect runs one conversation over a chunk. On error the outcome still
// lists what was recorded before the failure.
func (d *Detector) Detect(ctx context.Context, in ChunkInput) (DetectionOutcome, error) {
	var out DetectionOutcome
	scope := tools.Scope{
		RunID:          in.RunID,
		NovelName:      in.NovelName,
		ChunkOrigin:    in.Origin,
		DocumentLength: in.DocumentLength,
	}
	err := d.conv.run(ctx, scope, buildDetectionInput(in), func(r tools.Result) {
		switch v := r.(type) {
		case tools.EventCreated:
			out.EventIDs = append(out.EventIDs, v.EventID)
		case tools.RelationshipCreated:
			out.Relationships++
		case tools.EventUpdated:
			out.Updates++
		}
	})
	return out, err
}
