package parser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrNoText is returned for a PDF whose pages carry no text layer, such
// as a scan without OCR.
var ErrNoText = errors.New("parser: pdf has no extractable text")

// PDFParser reads the text layer of a PDF.
type PDFParser struct{}

func (p *PDFParser) SupportedFormats() []string { return []string{"pdf"} }

// Parse joins the text of each page with a blank line. A page that fails
// to decode is logged and left out.
func (p *PDFParser) Parse(ctx context.Context, path string) (*Document, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("parser: open pdf: %w", err)
	}
	defer f.Close()

	n := r.NumPage()
	var pages []string
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := pageText(r, i)
		if err != nil {
			slog.Debug("parser: pdf page skipped", "path", path, "page", i, "error", err)
			continue
		}
		if text != "" {
			pages = append(pages, text)
		}
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoText, path)
	}
	return &Document{Text: strings.Join(pages, "\n\n"), Pages: n}, nil
}

// pageText returns the trimmed text of page i (1-based), empty for a
// missing page object.
func pageText(r *pdf.Reader, i int) (string, error) {
	page := r.Page(i)
	if page.V.IsNull() {
		return "", nil
	}
	text, err := page.GetPlainText(nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(normalize(text)), nil
}
