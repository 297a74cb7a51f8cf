package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimension used for taxonomy matching.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Story events. Offsets are absolute rune positions in the source document.
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    novel_name TEXT NOT NULL,
    run_id TEXT,
    quote TEXT NOT NULL,
    description TEXT NOT NULL,
    char_range_start INTEGER NOT NULL CHECK (char_range_start >= 0),
    char_range_end INTEGER NOT NULL,
    master_taxonomy_id TEXT,
    approximate_date TEXT,
    absolute_date TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    CHECK (char_range_end > char_range_start)
);

-- Temporal relationships. Duplicates and contradictions are kept as
-- separate rows.
CREATE TABLE IF NOT EXISTS relationships (
    id INTEGER PRIMARY KEY,
    novel_name TEXT NOT NULL,
    run_id TEXT,
    from_event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
    to_event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
    relationship_type TEXT NOT NULL
        CHECK (relationship_type IN ('BEFORE', 'AFTER', 'CONCURRENT', 'IDENTICAL')),
    source_text TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    CHECK (from_event_id <> to_event_id)
);

-- Processing runs.
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    novel_name TEXT NOT NULL,
    document_path TEXT,
    state TEXT NOT NULL,
    stats JSON,
    error TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Master taxonomy catalogue and its embeddings.
CREATE TABLE IF NOT EXISTS taxonomy_entries (
    id INTEGER PRIMARY KEY,
    entry_id TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL,
    description TEXT,
    aliases JSON,
    content_hash TEXT NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS vec_taxonomy USING vec0(
    entry_rowid INTEGER PRIMARY KEY,
    embedding float[%d]
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_events_novel_start ON events(novel_name, char_range_start);
CREATE INDEX IF NOT EXISTS idx_events_novel_end ON events(novel_name, char_range_end);
CREATE INDEX IF NOT EXISTS idx_events_quote ON events(novel_name, quote);
CREATE INDEX IF NOT EXISTS idx_relationships_from ON relationships(from_event_id);
CREATE INDEX IF NOT EXISTS idx_relationships_to ON relationships(to_event_id);
CREATE INDEX IF NOT EXISTS idx_relationships_novel ON relationships(novel_name);
CREATE INDEX IF NOT EXISTS idx_runs_novel ON runs(novel_name);
`, embeddingDim)
}
