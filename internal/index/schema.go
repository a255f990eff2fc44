package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// SchemaVersion is the version written to schema_meta by InitSchema.
// Indexes with a different major version must be rebuilt by migration.
const SchemaVersion = "v1.1.0"

// recordTable is the column layout shared by features, epics and stories.
const recordTable = `
	CREATE TABLE IF NOT EXISTS %[1]s (
		id TEXT PRIMARY KEY,
		key TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		state TEXT NOT NULL,
		parent_id TEXT%[2]s,
		file_path TEXT NOT NULL UNIQUE,
		commit_id TEXT,
		seq INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',  -- JSON object
		backfill_run TEXT                      -- migration run that inserted the row
	);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_state ON %[1]s(state);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_parent ON %[1]s(parent_id, seq);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_backfill ON %[1]s(backfill_run);
`

const supportTables = `
	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		record_id TEXT NOT NULL,
		record_seq INTEGER NOT NULL,
		prev_state TEXT,
		new_state TEXT NOT NULL,
		commit_id TEXT,  -- NULL until the envelope commit is attached
		ts TEXT NOT NULL,
		actor TEXT NOT NULL,
		operation TEXT NOT NULL,
		envelope_id TEXT NOT NULL,
		UNIQUE (record_id, record_seq)
	);
	CREATE INDEX IF NOT EXISTS idx_audit_record ON audit_log(record_id, seq);
	CREATE INDEX IF NOT EXISTS idx_audit_envelope ON audit_log(envelope_id);
	CREATE INDEX IF NOT EXISTS idx_audit_unattached ON audit_log(commit_id) WHERE commit_id IS NULL;

	CREATE TABLE IF NOT EXISTS notes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		record_id TEXT NOT NULL,
		body TEXT NOT NULL,
		actor TEXT NOT NULL,
		created_at TEXT NOT NULL,
		envelope_id TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_notes_record ON notes(record_id, id);

	CREATE TABLE IF NOT EXISTS migration_checkpoints (
		run_id TEXT NOT NULL,
		phase INTEGER NOT NULL,
		commit_id TEXT NOT NULL,
		rows_processed INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		PRIMARY KEY (run_id, phase)
	);

	CREATE TABLE IF NOT EXISTS schema_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
`

func schemaSQL() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf(recordTable, "features", ""))
	b.WriteString(fmt.Sprintf(recordTable, "epics", " REFERENCES features(id)"))
	b.WriteString(fmt.Sprintf(recordTable, "stories", " REFERENCES epics(id)"))
	b.WriteString(supportTables)
	return b.String()
}

// InitSchema creates the schema if it doesn't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	return db.store.initSchema(ctx)
}

func (s store) initSchema(ctx context.Context) error {
	if _, err := s.x.ExecContext(ctx, schemaSQL()); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	_, err := s.x.ExecContext(ctx,
		`INSERT INTO schema_meta (key, value) VALUES ('schema_version', ?)
		 ON CONFLICT(key) DO NOTHING`, SchemaVersion)
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

// InitSchema creates the schema inside the transaction.
func (tx *Tx) InitSchema(ctx context.Context) error {
	return tx.store.initSchema(ctx)
}

// HasSchema reports whether the core tables exist.
func (s store) HasSchema(ctx context.Context) (bool, error) {
	var n int
	err := s.x.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('features','epics','stories','audit_log')`,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to inspect schema: %w", err)
	}
	return n == 4, nil
}

// StoredSchemaVersion returns the version recorded in schema_meta, or ""
// when the schema has not been initialised.
func (s store) StoredSchemaVersion(ctx context.Context) (string, error) {
	ok, err := s.HasSchema(ctx)
	if err != nil || !ok {
		return "", err
	}
	var v string
	err = s.x.QueryRowContext(ctx, `SELECT value FROM schema_meta WHERE key = 'schema_version'`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

// CheckSchema verifies that the stored schema is compatible with this build.
func (s store) CheckSchema(ctx context.Context) error {
	v, err := s.StoredSchemaVersion(ctx)
	if err != nil {
		return err
	}
	if v == "" {
		return fmt.Errorf("index schema not initialised")
	}
	if !semver.IsValid(v) {
		return fmt.Errorf("index schema version %q is not valid", v)
	}
	if semver.Major(v) != semver.Major(SchemaVersion) {
		return fmt.Errorf("index schema %s is incompatible with %s; rebuild with migrate", v, SchemaVersion)
	}
	return nil
}

// DropSchema removes every table. Used by migration rollback of phase 1.
func (tx *Tx) DropSchema(ctx context.Context) error {
	for _, table := range []string{"notes", "audit_log", "migration_checkpoints", "stories", "epics", "features", "schema_meta"} {
		if _, err := tx.x.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return fmt.Errorf("failed to drop %s: %w", table, err)
		}
	}
	return nil
}
