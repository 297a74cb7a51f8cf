package agent

import (
	"context"

	"github.com/brunobiangulo/storyline/llm"
	"github.com/brunobiangulo/storyline/store"
	"github.com/brunobiangulo/storyline/tools"
)

// BatchInput is one unit of resolution work.
type BatchInput struct {
	RunID          string
	NovelName      string
	Events         []store.Event
	Relationships  []store.Relationship
	Context        string
	ContextStart   int
	ContextEnd     int
	DocumentLength int
}

// ResolutionOutcome counts what a Resolver recorded for one batch.
type ResolutionOutcome struct {
	Relationships int
	DatesAdded    int
	TaxonomyLinks int
}

// Resolver relates events of a batch in time.
type Resolver struct {
	conv *conversation
}

// NewResolver creates a Resolver. See NewDetector.
func NewResolver(p llm.Provider, box Toolbox, pub tools.Publisher, cfg Config) (*Resolver, error) {
	conv, err := newConversation("resolver", p, box, pub, cfg, tools.ResolutionTools,
		buildSystemPrompt(resolutionPrompt, cfg.Taxonomy))
	if err != nil {
		return nil, err
	}
	return &Resolver{conv: conv}, nil
}

// Resolve runs one conversation over a batch.
func (r *Resolver) Resolve(ctx context.Context, in BatchInput) (ResolutionOutcome, error) {
	var out ResolutionOutcome
	scope := tools.Scope{
		RunID:          in.RunID,
		NovelName:      in.NovelName,
		ChunkOrigin:    in.ContextStart,
		DocumentLength: in.DocumentLength,
	}
	err := r.conv.run(ctx, scope, buildResolutionInput(in), func(res tools.Result) {
		switch v := res.(type) {
		case tools.RelationshipCreated:
			out.Relationships++
		case tools.EventUpdated:
			if v.DateAdded {
				out.DatesAdded++
			}
			if v.TaxonomyLinked {
				out.TaxonomyLinks++
			}
		}
	})
	return out, err
}
