package chunker

import (
	"errors"
	"strings"
	"testing"
)

const sample = "It was a bright cold day in April, and the clocks were striking thirteen. " +
	"Winston Smith, his chin nuzzled into his breast in an effort to escape the vile wind, " +
	"slipped quickly through the glass doors of Victory Mansions."

func TestReaderBasics(t *testing.T) {
	r := NewReader("héllo wörld")
	if r.Len() != 11 {
		t.Fatalf("Len = %d, want 11 (runes, not bytes)", r.Len())
	}
	if r.Position() != 0 {
		t.Fatalf("Position = %d, want 0", r.Position())
	}
	got, err := r.Slice(6, 11)
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	if got != "wörld" {
		t.Errorf("Slice = %q, want %q", got, "wörld")
	}
}

func TestSetPosition(t *testing.T) {
	r := NewReader("abc")
	for _, p := range []int{0, 1, 3} {
		if err := r.SetPosition(p); err != nil {
			t.Errorf("SetPosition(%d): %v", p, err)
		}
		if r.Position() != p {
			t.Errorf("Position = %d, want %d", r.Position(), p)
		}
	}
	for _, p := range []int{-1, 4} {
		err := r.SetPosition(p)
		if !errors.Is(err, ErrOutOfRange) {
			t.Errorf("SetPosition(%d) err = %v, want ErrOutOfRange", p, err)
		}
		var re *RangeError
		if !errors.As(err, &re) || re.Start != p {
			t.Errorf("SetPosition(%d) err not a *RangeError with offset: %v", p, err)
		}
	}
	if r.Position() != 3 {
		t.Errorf("failed SetPosition moved the cursor to %d", r.Position())
	}
}

func TestSliceInvalid(t *testing.T) {
	r := NewReader("abcdef")
	tests := []struct {
		name       string
		start, end int
	}{
		{"empty", 2, 2},
		{"inverted", 4, 1},
		{"negative", -1, 3},
		{"past end", 3, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Slice(tt.start, tt.end); !errors.Is(err, ErrInvalidRange) {
				t.Errorf("Slice(%d, %d) err = %v, want ErrInvalidRange", tt.start, tt.end, err)
			}
		})
	}
}

func TestNextCleanChunkSnapsToWords(t *testing.T) {
	r := NewReader("alpha beta gamma delta")
	// Raw window [8, 13) is "ta ga" and cuts two words.
	if err := r.SetPosition(8); err != nil {
		t.Fatal(err)
	}
	c := r.NextCleanChunk(5)
	if c.Start != 5 {
		t.Errorf("Start = %d, want 5 (space before beta)", c.Start)
	}
	if c.End != 17 {
		t.Errorf("End = %d, want 17 (after the space following gamma)", c.End)
	}
	if c.Text != " beta gamma " {
		t.Errorf("Text = %q", c.Text)
	}
	if r.Position() != 8 {
		t.Errorf("NextCleanChunk moved the cursor to %d", r.Position())
	}
}

func TestNextCleanChunkAtEnd(t *testing.T) {
	r := NewReader("abc")
	_ = r.SetPosition(3)
	c := r.NextCleanChunk(10)
	if !c.Empty() || c.Start != 3 || c.Text != "" {
		t.Errorf("chunk at end = %+v, want empty at 3", c)
	}
}

func TestNextCleanChunkSingleWord(t *testing.T) {
	r := NewReader("supercalifragilistic")
	_ = r.SetPosition(5)
	c := r.NextCleanChunk(3)
	if c.Start != 0 || c.End != r.Len() {
		t.Errorf("chunk = [%d,%d), want whole document", c.Start, c.End)
	}
}

func TestNextCleanChunkZeroSizeFallsBack(t *testing.T) {
	r := NewReader("ab  cd")
	_ = r.SetPosition(3)
	c := r.NextCleanChunk(0)
	if c.Start != 3 || c.End != 6 || c.Text != " cd" {
		t.Errorf("chunk = %+v, want raw remainder [3,6)", c)
	}
}

// Every chunk edge is a boundary rune or a buffer edge, for all sizes
// and start positions.
func TestNextCleanChunkBoundarySafety(t *testing.T) {
	texts := []string{
		sample,
		strings.Repeat("Ünïcödé wörds, dashed-words; and…punctuation! ", 20),
		"no\tbreaks\nhere\r\nreally",
	}
	for _, text := range texts {
		r := NewReader(text)
		runes := []rune(text)
		for size := 1; size <= 40; size += 3 {
			for p := 0; p < r.Len(); p++ {
				_ = r.SetPosition(p)
				c := r.NextCleanChunk(size)
				if c.Empty() {
					t.Fatalf("empty chunk at p=%d size=%d", p, size)
				}
				if c.Start > p || c.End < min(p+size, r.Len()) {
					t.Fatalf("chunk [%d,%d) does not cover window [%d,%d)", c.Start, c.End, p, p+size)
				}
				if c.Start != 0 && !IsBoundary(runes[c.Start]) {
					t.Fatalf("start %d inside a word (p=%d size=%d)", c.Start, p, size)
				}
				if c.End != r.Len() && !IsBoundary(runes[c.End-1]) {
					t.Fatalf("end %d inside a word (p=%d size=%d)", c.End, p, size)
				}
				if c.Text != string(runes[c.Start:c.End]) {
					t.Fatalf("text does not match range [%d,%d)", c.Start, c.End)
				}
			}
		}
	}
}

func TestIsBoundary(t *testing.T) {
	for _, r := range " \t\n.,;:!?\"'()-…" {
		if !IsBoundary(r) {
			t.Errorf("IsBoundary(%q) = false", r)
		}
	}
	for _, r := range "aZ9éß" {
		if IsBoundary(r) {
			t.Errorf("IsBoundary(%q) = true", r)
		}
	}
}
