package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Temporal relationship types.
const (
	Before     = "BEFORE"
	After      = "AFTER"
	Concurrent = "CONCURRENT"
	Identical  = "IDENTICAL"
)

// RelationshipTypes lists every valid relationship type.
var RelationshipTypes = []string{Before, After, Concurrent, Identical}

// ValidRelationshipType reports whether t is one of RelationshipTypes.
func ValidRelationshipType(t string) bool {
	for _, v := range RelationshipTypes {
		if v == t {
			return true
		}
	}
	return false
}

// Relationship is a directed temporal edge between two events.
type Relationship struct {
	ID          int64  `json:"id"`
	NovelName   string `json:"novelName"`
	RunID       string `json:"runId,omitempty"`
	FromEventID string `json:"fromEventId"`
	ToEventID   string `json:"toEventId"`
	Type        string `json:"type"`
	SourceText  string `json:"sourceText"`
	CreatedAt   string `json:"createdAt,omitempty"`
}

const relationshipColumns = `id, novel_name, COALESCE(run_id, ''), from_event_id,
	to_event_id, relationship_type, source_text, created_at`

// CreateRelationship inserts an edge after checking both endpoints exist.
// Identical edges may be inserted any number of times.
func (s *Store) CreateRelationship(ctx context.Context, r Relationship) (int64, error) {
	if r.FromEventID == r.ToEventID {
		return 0, fmt.Errorf("store: self relationship on event %s", r.FromEventID)
	}
	if !ValidRelationshipType(r.Type) {
		return 0, fmt.Errorf("store: invalid relationship type %q", r.Type)
	}

	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, eid := range []string{r.FromEventID, r.ToEventID} {
			var one int
			err := tx.QueryRowContext(ctx, "SELECT 1 FROM events WHERE id = ?", eid).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: event %s", ErrNotFound, eid)
			}
			if err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO relationships (novel_name, run_id, from_event_id, to_event_id,
				relationship_type, source_text)
			VALUES (?, ?, ?, ?, ?, ?)
		`, r.NovelName, r.RunID, r.FromEventID, r.ToEventID, r.Type, r.SourceText)
		if err != nil {
			return fmt.Errorf("inserting relationship: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

func collectRelationships(rows *sql.Rows) ([]Relationship, error) {
	defer rows.Close()
	var rels []Relationship
	for rows.Next() {
		var r Relationship
		if err := rows.Scan(&r.ID, &r.NovelName, &r.RunID, &r.FromEventID,
			&r.ToEventID, &r.Type, &r.SourceText, &r.CreatedAt); err != nil {
			return nil, err
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

// RelationshipsForEvents returns every edge of the novel touching any of
// the given events, in insertion order.
func (s *Store) RelationshipsForEvents(ctx context.Context, novel string, eventIDs []string) ([]Relationship, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	args := []any{novel}
	for _, id := range eventIDs {
		args = append(args, id)
	}
	for _, id := range eventIDs {
		args = append(args, id)
	}
	ph := placeholders(len(eventIDs))
	rows, err := s.db.QueryContext(ctx, "SELECT "+relationshipColumns+`
		FROM relationships
		WHERE novel_name = ? AND (from_event_id IN (`+ph+`) OR to_event_id IN (`+ph+`))
		ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	return collectRelationships(rows)
}

// ListRelationships returns every edge of a novel in insertion order.
func (s *Store) ListRelationships(ctx context.Context, novel string) ([]Relationship, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+relationshipColumns+`
		FROM relationships WHERE novel_name = ? ORDER BY id`, novel)
	if err != nil {
		return nil, err
	}
	return collectRelationships(rows)
}
