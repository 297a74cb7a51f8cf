package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Run is the registry row of one processing run.
type Run struct {
	ID           string `json:"id"`
	NovelName    string `json:"novelName"`
	DocumentPath string `json:"documentPath,omitempty"`
	State        string `json:"state"`
	Stats        string `json:"stats,omitempty"` // JSON
	Error        string `json:"error,omitempty"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
}

// CreateRun registers a run.
func (s *Store) CreateRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, novel_name, document_path, state, stats, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.NovelName, r.DocumentPath, r.State, nullIfEmpty(r.Stats), nullIfEmpty(r.Error))
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// UpdateRun records the state, stats and error of a run.
func (s *Store) UpdateRun(ctx context.Context, id, state, stats, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET state = ?, stats = ?, error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, state, nullIfEmpty(stats), nullIfEmpty(errMsg), id)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	return nil
}

const runColumns = `id, novel_name, COALESCE(document_path, ''), state,
	COALESCE(stats, ''), COALESCE(error, ''), created_at, updated_at`

func scanRun(row interface{ Scan(...any) error }) (Run, error) {
	var r Run
	err := row.Scan(&r.ID, &r.NovelName, &r.DocumentPath, &r.State,
		&r.Stats, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

// GetRun returns one run by id, or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+runColumns+" FROM runs ORDER BY created_at DESC, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
