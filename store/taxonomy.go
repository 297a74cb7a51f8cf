package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// TaxonomyEntry is a master event type as stored in the catalogue index.
type TaxonomyEntry struct {
	EntryID     string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Aliases     []string `json:"aliases,omitempty"`
}

// ContentHash identifies the text an entry's embedding was computed from.
func (e TaxonomyEntry) ContentHash() string {
	h := sha256.Sum256([]byte(e.Name + "\x00" + e.Description + "\x00" + strings.Join(e.Aliases, "\x00")))
	return hex.EncodeToString(h[:])
}

// TaxonomyHit is a nearest-neighbour result. Similarity is cosine
// similarity in [-1, 1] assuming unit-length vectors.
type TaxonomyHit struct {
	EntryID    string
	Name       string
	Distance   float64
	Similarity float64
}

// TaxonomyHashes returns entry id -> content hash for entries that already
// have an embedding.
func (s *Store) TaxonomyHashes(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.entry_id, t.content_hash FROM taxonomy_entries t
		JOIN vec_taxonomy v ON v.entry_rowid = t.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, err
		}
		out[id] = hash
	}
	return out, rows.Err()
}

// UpsertTaxonomyEntry stores an entry and replaces its embedding.
func (s *Store) UpsertTaxonomyEntry(ctx context.Context, e TaxonomyEntry, embedding []float32) error {
	if len(embedding) != s.embeddingDim {
		return fmt.Errorf("store: embedding has %d dimensions, want %d", len(embedding), s.embeddingDim)
	}
	aliases, err := json.Marshal(e.Aliases)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO taxonomy_entries (entry_id, name, description, aliases, content_hash)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(entry_id) DO UPDATE SET
				name = excluded.name,
				description = excluded.description,
				aliases = excluded.aliases,
				content_hash = excluded.content_hash
		`, e.EntryID, e.Name, e.Description, string(aliases), e.ContentHash()); err != nil {
			return fmt.Errorf("upserting taxonomy entry: %w", err)
		}

		// LastInsertId is unreliable on the update path.
		var rowID int64
		if err := tx.QueryRowContext(ctx,
			"SELECT id FROM taxonomy_entries WHERE entry_id = ?", e.EntryID).Scan(&rowID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM vec_taxonomy WHERE entry_rowid = ?", rowID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO vec_taxonomy (entry_rowid, embedding) VALUES (?, ?)",
			rowID, serializeFloat32(embedding))
		return err
	})
}

// NearestTaxonomy returns the k entries closest to embedding among those
// whose id is in allowed (all entries when allowed is empty).
func (s *Store) NearestTaxonomy(ctx context.Context, embedding []float32, k int, allowed []string) ([]TaxonomyHit, error) {
	if len(embedding) != s.embeddingDim {
		return nil, fmt.Errorf("store: query has %d dimensions, want %d", len(embedding), s.embeddingDim)
	}
	// Over-fetch so that filtering by allowed ids still leaves k results.
	fetch := k
	if len(allowed) > 0 {
		fetch = k * 4
		if fetch < 32 {
			fetch = 32
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.entry_id, t.name, v.distance
		FROM vec_taxonomy v
		JOIN taxonomy_entries t ON t.id = v.entry_rowid
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(embedding), fetch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	allow := make(map[string]bool, len(allowed))
	for _, id := range allowed {
		allow[id] = true
	}

	var hits []TaxonomyHit
	for rows.Next() {
		var h TaxonomyHit
		if err := rows.Scan(&h.EntryID, &h.Name, &h.Distance); err != nil {
			return nil, err
		}
		if len(allow) > 0 && !allow[h.EntryID] {
			continue
		}
		// L2 distance between unit vectors: d^2 = 2 - 2cos.
		h.Similarity = 1 - (h.Distance*h.Distance)/2
		hits = append(hits, h)
		if len(hits) == k {
			break
		}
	}
	return hits, rows.Err()
}

// GetTaxonomyEntry returns a stored entry by id, or ErrNotFound.
func (s *Store) GetTaxonomyEntry(ctx context.Context, entryID string) (*TaxonomyEntry, error) {
	var e TaxonomyEntry
	var desc, aliases sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT entry_id, name, description, aliases FROM taxonomy_entries WHERE entry_id = ?", entryID).
		Scan(&e.EntryID, &e.Name, &desc, &aliases)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: taxonomy entry %s", ErrNotFound, entryID)
	}
	if err != nil {
		return nil, err
	}
	e.Description = desc.String
	if aliases.Valid && aliases.String != "" {
		if err := json.Unmarshal([]byte(aliases.String), &e.Aliases); err != nil {
			return nil, fmt.Errorf("decoding aliases: %w", err)
		}
	}
	return &e, nil
}
