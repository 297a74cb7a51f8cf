// Package store persists the event graph (events, temporal relationships,
// runs and the master taxonomy index) in SQLite with sqlite-vec.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the SQLite-backed event graph. It is safe for concurrent use.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// dsn enables WAL so the bus readers and the orchestrator's writers do not
// block each other, and waits on a busy database instead of failing.
func dsn(path string) string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_foreign_keys", "on")
	q.Set("_busy_timeout", "30000")
	q.Set("_synchronous", "NORMAL")
	return "file:" + path + "?" + q.Encode()
}

// New opens the database at dbPath, creating it and its directory when
// missing, and brings the schema up to date. embeddingDim sizes the
// taxonomy vector table and must match the embedding model.
func New(dbPath string, embeddingDim int) (*Store, error) {
	if embeddingDim < 1 {
		return nil, fmt.Errorf("store: embedding dimension must be positive, got %d", embeddingDim)
	}
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: creating %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", dbPath, err)
	}
	s := &Store{db: db, embeddingDim: embeddingDim}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: connecting: %w", err)
	}
	// A handful of connections is plenty for a single writer.
	s.db.SetMaxOpenConns(4)
	s.db.SetMaxIdleConns(2)
	s.db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := s.db.ExecContext(ctx, schemaSQL(s.embeddingDim)); err != nil {
		return fmt.Errorf("store: creating schema: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("store: migrating: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// EmbeddingDim returns the size of stored taxonomy vectors.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// DBStats counts the rows of each table.
type DBStats struct {
	Events          int `json:"events"`
	Relationships   int `json:"relationships"`
	Runs            int `json:"runs"`
	TaxonomyEntries int `json:"taxonomyEntries"`
	TaxonomyVectors int `json:"taxonomyVectors"`
}

// Stats counts rows in one read transaction so the numbers agree.
func (s *Store) Stats(ctx context.Context) (*DBStats, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	stats := &DBStats{}
	for table, dest := range map[string]*int{
		"events":           &stats.Events,
		"relationships":    &stats.Relationships,
		"runs":             &stats.Runs,
		"taxonomy_entries": &stats.TaxonomyEntries,
		"vec_taxonomy":     &stats.TaxonomyVectors,
	} {
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(dest); err != nil {
			return nil, fmt.Errorf("store: counting %s: %w", table, err)
		}
	}
	return stats, nil
}

// inTx runs fn in a transaction, committing only when it succeeds.
func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// serializeFloat32 encodes v in the little-endian float32 layout vec0
// columns expect.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
