package eval

import (
	"sort"

	"github.com/brunobiangulo/storyline/store"
)

// spanIoU is the intersection over union of two half-open ranges.
func spanIoU(aStart, aEnd, bStart, bEnd int) float64 {
	inter := min(aEnd, bEnd) - max(aStart, bStart)
	if inter <= 0 {
		return 0
	}
	union := max(aEnd, bEnd) - min(aStart, bStart)
	return float64(inter) / float64(union)
}

type candidate struct {
	gold, detected int
	iou            float64
}

// matchEvents pairs gold and detected events one to one, best overlap
// first. Pairs below minIoU are never matched. The result maps gold index
// to detected index.
func matchEvents(gold []GoldEvent, detected []store.Event, minIoU float64) map[int]int {
	var cands []candidate
	for gi, g := range gold {
		for di, d := range detected {
			iou := spanIoU(g.Start, g.End, d.CharRangeStart, d.CharRangeEnd)
			if iou > 0 && iou >= minIoU {
				cands = append(cands, candidate{gold: gi, detected: di, iou: iou})
			}
		}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].iou > cands[j].iou })

	matched := make(map[int]int)
	used := make(map[int]bool)
	for _, c := range cands {
		if _, ok := matched[c.gold]; ok || used[c.detected] {
			continue
		}
		matched[c.gold] = c.detected
		used[c.detected] = true
	}
	return matched
}

// edge is a relationship in canonical form: AFTER is flipped to BEFORE and
// symmetric types order their endpoints.
type edge struct {
	from, to, typ string
}

func canonical(from, to, typ string) edge {
	switch typ {
	case store.After:
		return edge{from: to, to: from, typ: store.Before}
	case store.Concurrent, store.Identical:
		if to < from {
			from, to = to, from
		}
	}
	return edge{from: from, to: to, typ: typ}
}

// pairKey identifies an unordered event pair.
func pairKey(a, b string) [2]string {
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}
}

// contradictions counts event pairs whose detected relationships disagree,
// such as A BEFORE B together with B BEFORE A, or BEFORE with CONCURRENT.
func contradictions(rels []store.Relationship) int {
	kinds := make(map[[2]string]map[edge]bool)
	for _, r := range rels {
		e := canonical(r.FromEventID, r.ToEventID, r.Type)
		k := pairKey(e.from, e.to)
		if kinds[k] == nil {
			kinds[k] = make(map[edge]bool)
		}
		kinds[k][e] = true
	}
	n := 0
	for _, set := range kinds {
		if len(set) > 1 {
			n++
		}
	}
	return n
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func f1(p, r float64) float64 {
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}
