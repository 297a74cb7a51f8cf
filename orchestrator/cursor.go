package orchestrator

import (
	"fmt"

	"github.com/brunobiangulo/storyline/chunker"
)

// cursor owns the reader position during pass 1. It only moves forward.
type cursor struct {
	r *chunker.Reader
}

func newCursor(r *chunker.Reader) *cursor {
	return &cursor{r: r}
}

func (c *cursor) pos() int   { return c.r.Position() }
func (c *cursor) done() bool { return c.r.Position() >= c.r.Len() }

// advanceTo moves the cursor to p, clamped to the document length. It
// refuses to stay in place or move backward.
func (c *cursor) advanceTo(p int) error {
	if p > c.r.Len() {
		p = c.r.Len()
	}
	if p <= c.r.Position() {
		return fmt.Errorf("orchestrator: cursor cannot move from %d to %d", c.r.Position(), p)
	}
	return c.r.SetPosition(p)
}

// forceAdvance moves the cursor by step regardless of what a chunk
// produced.
func (c *cursor) forceAdvance(step int) {
	if step < 1 {
		step = 1
	}
	// advanceTo only fails when already at the end.
	_ = c.advanceTo(c.pos() + step)
}
