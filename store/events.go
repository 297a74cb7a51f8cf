package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Event is a significant story moment anchored to a quote in the source.
type Event struct {
	ID               string  `json:"id"`
	NovelName        string  `json:"novelName"`
	RunID            string  `json:"runId,omitempty"`
	Quote            string  `json:"quote"`
	Description      string  `json:"description"`
	CharRangeStart   int     `json:"charRangeStart"`
	CharRangeEnd     int     `json:"charRangeEnd"`
	MasterTaxonomyID *string `json:"masterTaxonomyId,omitempty"`
	ApproximateDate  *string `json:"approximateDate,omitempty"`
	AbsoluteDate     *string `json:"absoluteDate,omitempty"`
	CreatedAt        string  `json:"createdAt,omitempty"`
	UpdatedAt        string  `json:"updatedAt,omitempty"`
}

// EventUpdate carries the mutable fields of an event. Nil fields are left
// unchanged.
type EventUpdate struct {
	Description      *string
	ApproximateDate  *string
	AbsoluteDate     *string
	MasterTaxonomyID *string
}

// Empty reports whether the update changes nothing.
func (u EventUpdate) Empty() bool {
	return u.Description == nil && u.ApproximateDate == nil &&
		u.AbsoluteDate == nil && u.MasterTaxonomyID == nil
}

// EventQuery selects events by quote and/or position. At least one
// criterion must be set.
type EventQuery struct {
	Quote string
	// Start and End describe an absolute range; events overlapping it
	// match. A missing bound collapses the range to a single offset.
	Start *int
	End   *int
	Limit int
}

const eventColumns = `id, novel_name, COALESCE(run_id, ''), quote, description,
	char_range_start, char_range_end, master_taxonomy_id, approximate_date,
	absolute_date, created_at, updated_at`

func scanEvent(row interface{ Scan(...any) error }) (Event, error) {
	var e Event
	var taxonomyID, approx, absolute sql.NullString
	err := row.Scan(&e.ID, &e.NovelName, &e.RunID, &e.Quote, &e.Description,
		&e.CharRangeStart, &e.CharRangeEnd, &taxonomyID, &approx, &absolute,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return e, err
	}
	e.MasterTaxonomyID = stringPtr(taxonomyID)
	e.ApproximateDate = stringPtr(approx)
	e.AbsoluteDate = stringPtr(absolute)
	return e, nil
}

func collectEvents(rows *sql.Rows) ([]Event, error) {
	defer rows.Close()
	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CreateEvent inserts a new event and returns it with its generated id.
func (s *Store) CreateEvent(ctx context.Context, e Event) (*Event, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CharRangeEnd <= e.CharRangeStart {
		return nil, fmt.Errorf("store: event range [%d,%d) is empty", e.CharRangeStart, e.CharRangeEnd)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, novel_name, run_id, quote, description,
			char_range_start, char_range_end, master_taxonomy_id,
			approximate_date, absolute_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.NovelName, e.RunID, e.Quote, e.Description,
		e.CharRangeStart, e.CharRangeEnd, nullString(e.MasterTaxonomyID),
		nullString(e.ApproximateDate), nullString(e.AbsoluteDate))
	if err != nil {
		return nil, fmt.Errorf("inserting event: %w", err)
	}
	return s.GetEvent(ctx, e.ID)
}

// GetEvent returns one event by id, or ErrNotFound.
func (s *Store) GetEvent(ctx context.Context, id string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM events WHERE id = ?", id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: event %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// FindEvents returns events of a novel matching q, ordered by position.
// A quote is matched exactly first and by substring when no exact match
// exists.
func (s *Store) FindEvents(ctx context.Context, novel string, q EventQuery) ([]Event, error) {
	if q.Quote == "" && q.Start == nil && q.End == nil {
		return nil, fmt.Errorf("store: event query needs a quote or a range")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	var where []string
	args := []any{novel}

	if q.Start != nil || q.End != nil {
		lo, hi := rangeBounds(q.Start, q.End)
		where = append(where, "char_range_start < ? AND char_range_end > ?")
		args = append(args, hi, lo)
	}

	run := func(quoteClause string, quoteArg any) ([]Event, error) {
		clauses := append([]string{"novel_name = ?"}, where...)
		a := append([]any{}, args...)
		if quoteClause != "" {
			clauses = append(clauses, quoteClause)
			a = append(a, quoteArg)
		}
		a = append(a, limit)
		rows, err := s.db.QueryContext(ctx, "SELECT "+eventColumns+
			" FROM events WHERE "+strings.Join(clauses, " AND ")+
			" ORDER BY char_range_start, char_range_end LIMIT ?", a...)
		if err != nil {
			return nil, err
		}
		return collectEvents(rows)
	}

	if q.Quote == "" {
		return run("", nil)
	}
	events, err := run("quote = ?", q.Quote)
	if err != nil || len(events) > 0 {
		return events, err
	}
	return run("quote LIKE ? ESCAPE '\\'", "%"+escapeLike(q.Quote)+"%")
}

func rangeBounds(start, end *int) (lo, hi int) {
	switch {
	case start != nil && end != nil:
		return *start, *end
	case start != nil:
		return *start, *start + 1
	default:
		return *end - 1, *end
	}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// UpdateEvent applies a partial update and returns the updated event.
func (s *Store) UpdateEvent(ctx context.Context, id string, u EventUpdate) (*Event, error) {
	if u.Empty() {
		return nil, fmt.Errorf("store: empty event update")
	}

	var sets []string
	var args []any
	add := func(col string, v *string) {
		if v != nil {
			sets = append(sets, col+" = ?")
			args = append(args, *v)
		}
	}
	add("description", u.Description)
	add("approximate_date", u.ApproximateDate)
	add("absolute_date", u.AbsoluteDate)
	add("master_taxonomy_id", u.MasterTaxonomyID)
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE events SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return nil, fmt.Errorf("updating event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: event %s", ErrNotFound, id)
	}
	return s.GetEvent(ctx, id)
}

// ListEvents returns every event of a novel ordered by start offset.
func (s *Store) ListEvents(ctx context.Context, novel string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+eventColumns+`
		FROM events WHERE novel_name = ?
		ORDER BY char_range_start, char_range_end, created_at`, novel)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// RecentEvents returns up to limit events that end before offset, the
// closest first.
func (s *Store) RecentEvents(ctx context.Context, novel string, before, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+eventColumns+`
		FROM events WHERE novel_name = ? AND char_range_end < ?
		ORDER BY char_range_end DESC, char_range_start DESC
		LIMIT ?`, novel, before, limit)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// DeleteNovel removes all events and relationships of a novel. Used to
// reprocess a document from scratch.
func (s *Store) DeleteNovel(ctx context.Context, novel string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM relationships WHERE novel_name = ?", novel); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM events WHERE novel_name = ?", novel)
		return err
	})
}
