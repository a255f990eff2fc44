package index

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ncruces/go-sqlite3"
)

// Tx is a write transaction on a dedicated connection. It exposes the same
// query methods as DB.
type Tx struct {
	store
	closeConn func() error
	done      bool
}

// Begin acquires a dedicated connection and starts a BEGIN IMMEDIATE
// transaction, retrying with exponential backoff while the database is busy.
//
// Exactly one of Commit or Rollback must be called.
func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	if db.readOnly {
		return nil, fmt.Errorf("index opened read-only")
	}

	conn, err := db.conn.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection for transaction: %w", err)
	}

	if err := beginImmediateWithRetry(ctx, conn, 5, 10*time.Millisecond); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &Tx{store: store{x: conn}, closeConn: conn.Close}, nil
}

func beginImmediateWithRetry(ctx context.Context, x execer, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if _, err = x.ExecContext(ctx, "BEGIN IMMEDIATE"); err == nil {
			return nil
		}
		if !IsBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// Commit commits the transaction and releases the connection.
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.done {
		return fmt.Errorf("transaction already finished")
	}
	if _, err := tx.x.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx.done = true
	return tx.closeConn()
}

// Rollback aborts the transaction. It is a no-op after Commit, so it can be
// deferred unconditionally.
func (tx *Tx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	// Background context so the rollback completes even if ctx was canceled
	_, err := tx.x.ExecContext(context.Background(), "ROLLBACK")
	if cerr := tx.closeConn(); err == nil {
		err = cerr
	}
	return err
}

// RunInTx runs fn inside a write transaction, committing when fn returns nil
// and rolling back otherwise. A panic in fn rolls back and is re-raised.
func (db *DB) RunInTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// IsBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sqlite3.BUSY) || errors.Is(err, sqlite3.LOCKED) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
