// Package chunker segments a loaded document into overlapping chunks whose
// edges never fall inside a word.
package chunker

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var (
	// ErrOutOfRange is returned when a position lies outside [0, Len()].
	ErrOutOfRange = errors.New("chunker: position out of range")
	// ErrInvalidRange is returned when a slice range is empty, inverted or
	// exceeds the document.
	ErrInvalidRange = errors.New("chunker: invalid range")
)

// RangeError reports the offending offsets together with the sentinel
// describing the failure.
type RangeError struct {
	Start, End int
	Len        int
	Err        error
}

func (e *RangeError) Error() string {
	if e.Err == ErrOutOfRange {
		return fmt.Sprintf("%v: %d not in [0, %d]", e.Err, e.Start, e.Len)
	}
	return fmt.Sprintf("%v: [%d, %d) with length %d", e.Err, e.Start, e.End, e.Len)
}

func (e *RangeError) Unwrap() error { return e.Err }

// Chunk is a boundary-clean window of the document. Start and End are
// absolute rune offsets; Text is the content of [Start, End).
type Chunk struct {
	Start int
	End   int
	Text  string
}

// Len returns the number of runes in the chunk.
func (c Chunk) Len() int { return c.End - c.Start }

// Empty reports whether the chunk carries no text.
func (c Chunk) Empty() bool { return c.End <= c.Start }

// Reader holds a document in memory and hands out chunks from a cursor.
// All offsets are Unicode code points, not bytes.
//
// The Reader never moves its own cursor: callers decide where the next
// chunk starts with SetPosition.
type Reader struct {
	text []rune
	pos  int
}

// NewReader loads text into an immutable buffer positioned at 0.
func NewReader(text string) *Reader {
	return &Reader{text: []rune(text)}
}

// Len returns the document length in runes.
func (r *Reader) Len() int { return len(r.text) }

// Position returns the current cursor.
func (r *Reader) Position() int { return r.pos }

// SetPosition moves the cursor. p must lie in [0, Len()].
func (r *Reader) SetPosition(p int) error {
	if p < 0 || p > len(r.text) {
		return &RangeError{Start: p, End: p, Len: len(r.text), Err: ErrOutOfRange}
	}
	r.pos = p
	return nil
}

// Slice returns the text of [start, end).
func (r *Reader) Slice(start, end int) (string, error) {
	if start >= end || start < 0 || end > len(r.text) {
		return "", &RangeError{Start: start, End: end, Len: len(r.text), Err: ErrInvalidRange}
	}
	return string(r.text[start:end]), nil
}

// NextCleanChunk returns the window [Position(), Position()+size) widened
// so that its first rune is a boundary (or the document start) and its
// last rune is a boundary (or the document end). If widening cannot
// produce a non-empty range the raw remainder from the cursor is returned.
// At the end of the document the chunk is empty.
func (r *Reader) NextCleanChunk(size int) Chunk {
	n := len(r.text)
	p := r.pos
	if p >= n {
		return Chunk{Start: n, End: n}
	}

	rawEnd := p + size
	if rawEnd > n {
		rawEnd = n
	}

	start := p
	for start > 0 && !IsBoundary(r.text[start]) {
		start--
	}

	end := rawEnd
	for end < n && (end == 0 || !IsBoundary(r.text[end-1])) {
		end++
	}

	if end <= start {
		return Chunk{Start: p, End: n, Text: string(r.text[p:n])}
	}
	return Chunk{Start: start, End: end, Text: string(r.text[start:end])}
}

// extraBoundaries are separators that unicode.IsPunct does not cover.
const extraBoundaries = "`^|~+<=>$"

// IsBoundary reports whether r separates words: whitespace or punctuation.
func IsBoundary(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsPunct(r) || strings.ContainsRune(extraBoundaries, r)
}
