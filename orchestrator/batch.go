package orchestrator

import (
	"sort"

	"github.com/brunobiangulo/storyline/store"
)

// Batch is a group of events that lie close together in the text. It is
// only used during timeline resolution and never stored.
type Batch struct {
	Events []store.Event
}

// Bounds returns the smallest start and the largest end of the batch.
func (b Batch) Bounds() (start, end int) {
	if len(b.Events) == 0 {
		return 0, 0
	}
	start, end = b.Events[0].CharRangeStart, b.Events[0].CharRangeEnd
	for _, e := range b.Events[1:] {
		start = min(start, e.CharRangeStart)
		end = max(end, e.CharRangeEnd)
	}
	return start, end
}

// Window returns the batch bounds widened by margin on both sides and
// clamped to [0, length].
func (b Batch) Window(margin, length int) (start, end int) {
	start, end = b.Bounds()
	start = max(start-margin, 0)
	end = min(end+margin, length)
	return start, end
}

// IDs returns the event ids in batch order.
func (b Batch) IDs() []string {
	ids := make([]string, len(b.Events))
	for i, e := range b.Events {
		ids[i] = e.ID
	}
	return ids
}

// GroupBatches partitions events greedily by position. An event joins the
// running batch when the gap between the batch's last event end and its
// own start is at most radius; otherwise it starts a new batch.
func GroupBatches(events []store.Event, radius int) []Batch {
	if len(events) == 0 {
		return nil
	}
	sorted := make([]store.Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CharRangeStart < sorted[j].CharRangeStart
	})

	var batches []Batch
	current := Batch{Events: []store.Event{sorted[0]}}
	for _, e := range sorted[1:] {
		last := current.Events[len(current.Events)-1]
		if e.CharRangeStart-last.CharRangeEnd <= radius {
			current.Events = append(current.Events, e)
			continue
		}
		batches = append(batches, current)
		current = Batch{Events: []store.Event{e}}
	}
	return append(batches, current)
}
