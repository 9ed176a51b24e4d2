package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "documents: per-user/agent memory documents",
		SQL: `
CREATE TABLE documents (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    agent_id   TEXT,
    doc_type   TEXT NOT NULL CHECK (doc_type IN ('memory', 'daily_log', 'identity', 'soul', 'agents', 'user', 'heartbeat')),
    title      TEXT,
    content    TEXT NOT NULL DEFAULT '',
    metadata   TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX idx_documents_identity
    ON documents(user_id, COALESCE(agent_id, ''), doc_type, COALESCE(title, ''));
CREATE INDEX idx_documents_user ON documents(user_id);
`,
	},
	{
		Version:     2,
		Description: "chunks: search index units, replaced wholesale on document update",
		SQL: `
CREATE TABLE chunks (
    id            INTEGER PRIMARY KEY,
    document_id   TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    chunk_index   INTEGER NOT NULL,
    content       TEXT NOT NULL,
    lexical       TEXT NOT NULL,
    embedding     BLOB,
    dimensions    INTEGER,
    claimed_by    TEXT,
    claimed_until INTEGER,
    created_at    INTEGER NOT NULL,

    UNIQUE(document_id, chunk_index)
);

CREATE INDEX idx_chunks_document ON chunks(document_id);
CREATE INDEX idx_chunks_pending  ON chunks(created_at) WHERE embedding IS NULL;
`,
	},
	{
		Version:     3,
		Description: "heartbeats: per-user/agent recurring execution state",
		SQL: `
CREATE TABLE heartbeats (
    id                   INTEGER PRIMARY KEY,
    user_id              TEXT NOT NULL,
    agent_id             TEXT,
    enabled              INTEGER NOT NULL DEFAULT 1,
    interval_seconds     INTEGER NOT NULL DEFAULT 1800 CHECK (interval_seconds > 0),
    state                TEXT NOT NULL DEFAULT 'idle' CHECK (state IN ('idle', 'running')),
    last_run             INTEGER,
    next_run             INTEGER,
    consecutive_failures INTEGER NOT NULL DEFAULT 0 CHECK (consecutive_failures >= 0),
    last_checks          TEXT NOT NULL DEFAULT '{}',
    claimed_by           TEXT,
    claimed_until        INTEGER,
    created_at           INTEGER NOT NULL,
    updated_at           INTEGER NOT NULL
);

CREATE UNIQUE INDEX idx_heartbeats_identity
    ON heartbeats(user_id, COALESCE(agent_id, ''));
CREATE INDEX idx_heartbeats_due ON heartbeats(next_run) WHERE enabled = 1;
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
