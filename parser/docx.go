package parser

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

const docxBody = "word/document.xml"

// DOCXParser reads the main story part of a Word document.
type DOCXParser struct{}

func (p *DOCXParser) SupportedFormats() []string { return []string{"docx"} }

// Parse returns the body paragraphs separated by blank lines. Soft line
// breaks become newlines. Headers, footers and comments live in other
// parts and are not read.
func (p *DOCXParser) Parse(ctx context.Context, path string) (*Document, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("parser: open docx: %w", err)
	}
	defer zr.Close()

	body, err := zr.Open(docxBody)
	if err != nil {
		return nil, fmt.Errorf("parser: docx without %s: %w", docxBody, err)
	}
	defer body.Close()

	paras, err := docxParagraphs(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("parser: decode %s: %w", docxBody, err)
	}
	return &Document{Text: strings.Join(paras, "\n\n")}, nil
}

// docxParagraphs walks the WordprocessingML token stream. Only character
// data inside w:t belongs to the text; w:tab and w:br are rendered as
// whitespace and a closing w:p ends the paragraph.
func docxParagraphs(ctx context.Context, r io.Reader) ([]string, error) {
	dec := xml.NewDecoder(r)
	var (
		paras  []string
		cur    strings.Builder
		inText bool
	)
	for n := 0; ; n++ {
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				cur.WriteByte('\t')
			case "br", "cr":
				cur.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if s := strings.TrimSpace(cur.String()); s != "" {
					paras = append(paras, s)
				}
				cur.Reset()
			}
		case xml.CharData:
			if inText {
				cur.Write(t)
			}
		}
	}
	return paras, nil
}
