package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// A migration upgrades the schema by one version. Versions are append-only:
// a released entry is never edited.
type migration struct {
	version int
	name    string
	stmts   []string
	// addColumns are ALTER TABLE ... ADD COLUMN statements that are
	// skipped when the column already exists, since schemaSQL creates
	// fresh databases at the latest layout.
	addColumns []string
}

var migrations = []migration{
	{version: 1, name: "event graph baseline"},
	{
		version: 2,
		name:    "run provenance on events and relationships",
		addColumns: []string{
			"ALTER TABLE events ADD COLUMN run_id TEXT",
			"ALTER TABLE relationships ADD COLUMN run_id TEXT",
		},
		stmts: []string{"CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id)"},
	},
}

const versionTable = `CREATE TABLE IF NOT EXISTS schema_version (
	version    INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
)`

// Migrate applies every migration newer than the recorded schema version,
// each in its own transaction.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, versionTable); err != nil {
		return fmt.Errorf("creating schema_version: %w", err)
	}
	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.inTx(ctx, func(tx *sql.Tx) error { return m.apply(ctx, tx) }); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		slog.Info("store: migrated", "version", m.version, "name", m.name)
	}
	return nil
}

func (m migration) apply(ctx context.Context, tx *sql.Tx) error {
	for _, stmt := range m.addColumns {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			if !strings.Contains(err.Error(), "duplicate column") {
				return err
			}
			slog.Debug("store: column exists", "sql", stmt)
		}
	}
	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version, name) VALUES (?, ?)", m.version, m.name)
	return err
}

// SchemaVersion returns the highest applied migration, 0 for a new
// database.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v)
	return v, err
}
