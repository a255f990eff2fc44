// Package index provides the embedded SQLite state index.
//
// The index is a queryable mirror of the work-item documents. It is never
// authoritative: the documents on disk and the git history are. Everything
// here can be rebuilt by the migration coordinator.
//
// Layout:
//   - Database file: .workstate/index.db
//   - WAL mode: concurrent readers during a write
//   - Tables: features, epics, stories, audit_log, notes,
//     migration_checkpoints, schema_meta
//
// Writers go through Begin, which issues BEGIN IMMEDIATE on a dedicated
// connection so the write lock is taken up front. Readers (context loader,
// auditor) use OpenReadOnly.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// connPragmas apply to every pooled connection.
const connPragmas = "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// execer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// store carries the query methods shared by DB and Tx.
type store struct {
	x execer
}

// DB wraps the index connection pool.
type DB struct {
	store
	conn     *sql.DB
	path     string
	readOnly bool
}

// Open opens (creating if needed) the index at path in read-write mode.
//
// The caller MUST call Close when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}
	return open(path, fmt.Sprintf("file:%s?%s", path, connPragmas), false)
}

// OpenReadOnly opens an existing index without write access. It fails if
// the file does not exist.
func OpenReadOnly(path string) (*DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	return open(path, fmt.Sprintf("file:%s?mode=ro&%s", path, connPragmas), true)
}

func open(path, dsn string, readOnly bool) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping index: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{store: store{x: conn}, conn: conn, path: path, readOnly: readOnly}

	// journal mode persists in the file
	if !readOnly {
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// ReadOnly reports whether the index was opened with OpenReadOnly.
func (db *DB) ReadOnly() bool {
	return db.readOnly
}

// RawDB returns the underlying pool.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the pool, checkpointing the WAL when writable.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if !db.readOnly {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close index: %w", err)
	}

	db.conn = nil
	return nil
}

func timeToString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func timeToNullString(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: timeToString(t), Valid: true}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
