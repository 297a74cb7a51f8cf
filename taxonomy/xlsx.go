package taxonomy

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// loadXLSX reads the first sheet. A header row naming id, name,
// description and aliases columns is honoured in any order; without one
// the columns are taken positionally. Aliases are split on ';' or ','.
func loadXLSX(path string) (*Taxonomy, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening XLSX: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrInvalid)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("reading sheet %q: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: sheet %q is empty", ErrInvalid, sheets[0])
	}

	cols := map[string]int{"id": 0, "name": 1, "description": 2, "aliases": 3}
	if header, ok := headerColumns(rows[0]); ok {
		cols = header
		rows = rows[1:]
	}

	cell := func(row []string, key string) string {
		i, ok := cols[key]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var entries []Entry
	for _, row := range rows {
		if cell(row, "id") == "" && cell(row, "name") == "" {
			continue
		}
		entries = append(entries, Entry{
			ID:          cell(row, "id"),
			Name:        cell(row, "name"),
			Description: cell(row, "description"),
			Aliases:     splitAliases(cell(row, "aliases")),
		})
	}
	return New(entries)
}

func headerColumns(row []string) (map[string]int, bool) {
	cols := make(map[string]int)
	for i, h := range row {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "id", "taxonomy_id", "taxonomyid":
			cols["id"] = i
		case "name", "title":
			cols["name"] = i
		case "description", "desc":
			cols["description"] = i
		case "aliases", "alias", "synonyms":
			cols["aliases"] = i
		}
	}
	_, hasID := cols["id"]
	_, hasName := cols["name"]
	return cols, hasID && hasName
}

func splitAliases(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == ',' })
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
