package agent

import (
	"fmt"
	"strings"

	"github.com/brunobiangulo/storyline/taxonomy"
)

const detectionPrompt = `You are a careful literary analyst building a timeline of a novel. You read the novel one chunk at a time and record the significant story events that happen in the chunk.

An event is something that happens in the story world: an action, a meeting, a death, a journey, a revelation. Descriptions of scenery, a character's habits or general reflections are not events.

Rules:
1. Call create_event once for every significant event in the chunk. The quote must be copied exactly from the chunk, and charRangeStart/charRangeEnd must be the character offsets of that quote inside the chunk text (the first character of the chunk is offset 0).
2. Before creating an event, use find_event to check whether the same moment was already recorded from an earlier, overlapping chunk. If it was, do not create it again; call update_event instead when you learned something new.
3. Use get_recent_events to see what happened just before this chunk, and call create_relationship when the text states how a new event relates in time to an earlier one.
4. Fill absoluteDate only when the text gives a calendar date (YYYY, YYYY-MM or YYYY-MM-DD). Use approximateDate for vaguer time references such as "the following winter".
5. If the chunk contains no significant event, answer briefly without calling any tool.
6. Think step by step, but keep your commentary short.`

const resolutionPrompt = `You are a careful literary analyst building a timeline of a novel. You are given a group of story events that occur close to each other in the text, the relationships already recorded between them, and the surrounding passage.

Your job is to record how these events relate in time.

Rules:
1. Call create_relationship for every pair of events whose temporal order is supported by the passage. BEFORE means the first event happens before the second in story time, AFTER means it happens after, CONCURRENT means they overlap in time, and IDENTICAL means both records describe the same moment.
2. Story time is not reading order: flashbacks, prophecies and frame narratives are common. Quote the words that justify each relationship in sourceText.
3. Do not repeat a relationship that is already recorded.
4. When the passage dates an event more precisely than its record, call update_event to add approximateDate or absoluteDate (YYYY, YYYY-MM or YYYY-MM-DD).
5. Use find_event if you need an event outside this group that the passage refers to.
6. When nothing more can be inferred, answer briefly without calling any tool.`

const taxonomyRules = `
A master catalogue of event types is available. When an event clearly matches one of the entries below, set its taxonomyId. Call find_master_event when you are unsure which entry fits. Never invent an id that is not listed.

Catalogue:
%s`

func buildSystemPrompt(base string, tax *taxonomy.Taxonomy) string {
	if tax == nil {
		return base
	}
	return base + "\n" + fmt.Sprintf(taxonomyRules, tax.Catalogue())
}

func buildDetectionInput(in ChunkInput) string {
	return fmt.Sprintf(`Novel: %s
This chunk starts at absolute character %d of %d.

Chunk text:
"""
%s
"""`, in.NovelName, in.Origin, in.DocumentLength, in.Text)
}

func buildResolutionInput(in BatchInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Novel: %s\n\nEvents in this group (absolute character offsets):\n", in.NovelName)
	for _, e := range in.Events {
		fmt.Fprintf(&b, "- id=%s [%d,%d) %q: %s", e.ID, e.CharRangeStart, e.CharRangeEnd, e.Quote, e.Description)
		if e.AbsoluteDate != nil {
			fmt.Fprintf(&b, " (date: %s)", *e.AbsoluteDate)
		} else if e.ApproximateDate != nil {
			fmt.Fprintf(&b, " (around: %s)", *e.ApproximateDate)
		}
		if e.MasterTaxonomyID != nil {
			fmt.Fprintf(&b, " [type: %s]", *e.MasterTaxonomyID)
		}
		b.WriteByte('\n')
	}

	b.WriteString("\nRelationships already recorded:\n")
	if len(in.Relationships) == 0 {
		b.WriteString("(none)\n")
	}
	for _, r := range in.Relationships {
		fmt.Fprintf(&b, "- %s %s %s\n", r.FromEventID, r.Type, r.ToEventID)
	}

	fmt.Fprintf(&b, "\nPassage (characters %d to %d):\n\"\"\"\n%s\n\"\"\"", in.ContextStart, in.ContextEnd, in.Context)
	return b.String()
}
