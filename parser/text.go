package parser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode/utf8"
)

// ErrNotUTF8 is returned for text files in a legacy encoding.
var ErrNotUTF8 = errors.New("parser: text is not valid UTF-8")

// TextParser reads plain text and Markdown as is. Markdown syntax is kept
// since offsets refer to the file the author wrote.
type TextParser struct{}

func (p *TextParser) SupportedFormats() []string { return []string{"txt", "text", "md", "markdown"} }

func (p *TextParser) Parse(_ context.Context, path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("parser: read text: %w", err)
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: %s", ErrNotUTF8, path)
	}
	return &Document{Text: normalize(string(data))}, nil
}
