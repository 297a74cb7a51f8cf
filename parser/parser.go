// Package parser turns source documents into the plain text that the
// chunker reads.
package parser

import (
	"context"
	"strings"
)

// Document is the plain-text rendition of a source file.
type Document struct {
	Text   string
	Format string
	Pages  int // 0 when the format has no pages
}

// Parser can parse a specific document format.
type Parser interface {
	Parse(ctx context.Context, path string) (*Document, error)
	SupportedFormats() []string
}

// normalize unifies line endings and drops a leading byte order mark so
// that offsets do not depend on how the file was saved.
func normalize(s string) string {
	s = strings.TrimPrefix(s, "\uFEFF")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}
