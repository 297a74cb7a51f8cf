package parser

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// ErrUnsupported is returned for a format no parser is registered for.
var ErrUnsupported = errors.New("parser: unsupported format")

// Registry maps file formats (lower-case extensions without the dot) to
// parsers.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry returns a registry with the text, PDF and DOCX parsers.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	r.Register(&TextParser{})
	r.Register(&PDFParser{})
	r.Register(&DOCXParser{})
	return r
}

// Register adds p for every format it supports, replacing earlier parsers.
func (r *Registry) Register(p Parser) {
	for _, f := range p.SupportedFormats() {
		r.parsers[f] = p
	}
}

// Get returns the parser for format.
func (r *Registry) Get(format string) (Parser, error) {
	if p, ok := r.parsers[format]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupported, format)
}

// Formats lists the registered formats in order.
func (r *Registry) Formats() []string {
	out := make([]string, 0, len(r.parsers))
	for f := range r.parsers {
		out = append(out, f)
	}
	slices.Sort(out)
	return out
}

// Load parses path with the parser registered for its extension.
func (r *Registry) Load(ctx context.Context, path string) (*Document, error) {
	format := FormatOf(path)
	p, err := r.Get(format)
	if err != nil {
		return nil, err
	}
	doc, err := p.Parse(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	doc.Format = format
	return doc, nil
}

// FormatOf returns the lower-case extension of path without the dot.
func FormatOf(path string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}
