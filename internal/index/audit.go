package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/relaywork/workstate/internal/types"
)

const auditColumns = `seq, record_seq, record_id, COALESCE(prev_state, ''), new_state,
	COALESCE(commit_id, ''), ts, actor, operation, envelope_id`

func scanAudit(row rowScanner) (types.AuditEntry, error) {
	var (
		e         types.AuditEntry
		prev, nxt string
		ts        string
	)
	err := row.Scan(&e.Seq, &e.RecordSeq, &e.RecordID, &prev, &nxt, &e.CommitID, &ts,
		&e.Actor, &e.Operation, &e.EnvelopeID)
	if err != nil {
		return e, err
	}
	e.PrevState = types.State(prev)
	e.NewState = types.State(nxt)
	e.Timestamp = parseTime(ts)
	return e, nil
}

func (s store) queryAudit(ctx context.Context, query string, args ...any) ([]types.AuditEntry, error) {
	rows, err := s.x.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []types.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AppendAudit appends an entry. Seq and RecordSeq are assigned by the
// index and written back into e. CommitID is ignored: commits are attached
// later with AttachCommit.
func (s store) AppendAudit(ctx context.Context, e *types.AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	var next int
	err := s.x.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(record_seq), 0) + 1 FROM audit_log WHERE record_id = ?`, e.RecordID,
	).Scan(&next)
	if err != nil {
		return fmt.Errorf("failed to compute record sequence: %w", err)
	}

	res, err := s.x.ExecContext(ctx, `
		INSERT INTO audit_log (record_id, record_seq, prev_state, new_state, commit_id, ts, actor, operation, envelope_id)
		VALUES (?, ?, ?, ?, NULL, ?, ?, ?, ?)`,
		e.RecordID, next, nullString(string(e.PrevState)), string(e.NewState),
		timeToString(e.Timestamp), e.Actor, e.Operation, e.EnvelopeID,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry for %s: %w", e.RecordID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read audit sequence: %w", err)
	}
	e.Seq = seq
	e.RecordSeq = next
	e.CommitID = ""
	return nil
}

// AttachCommit fills the commit id of every still-unattached entry of an
// envelope. Attached entries are never modified, so calling it again is a
// no-op. Returns the number of rows attached by this call.
func (s store) AttachCommit(ctx context.Context, envelopeID, commit string) (int64, error) {
	res, err := s.x.ExecContext(ctx,
		`UPDATE audit_log SET commit_id = ? WHERE envelope_id = ? AND commit_id IS NULL`,
		commit, envelopeID)
	if err != nil {
		return 0, fmt.Errorf("failed to attach commit %s: %w", commit, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RetractEnvelope deletes the unattached entries of an envelope that never
// committed, together with its notes. Attached entries are untouched.
func (s store) RetractEnvelope(ctx context.Context, envelopeID string) (int64, error) {
	res, err := s.x.ExecContext(ctx,
		`DELETE FROM audit_log WHERE envelope_id = ? AND commit_id IS NULL`, envelopeID)
	if err != nil {
		return 0, fmt.Errorf("failed to retract envelope %s: %w", envelopeID, err)
	}
	n, _ := res.RowsAffected()
	if _, err := s.x.ExecContext(ctx, `DELETE FROM notes WHERE envelope_id = ?`, envelopeID); err != nil {
		return n, fmt.Errorf("failed to retract notes of envelope %s: %w", envelopeID, err)
	}
	return n, nil
}

// Unattached returns entries with no commit id, oldest first.
func (s store) Unattached(ctx context.Context) ([]types.AuditEntry, error) {
	return s.queryAudit(ctx, `SELECT `+auditColumns+` FROM audit_log WHERE commit_id IS NULL ORDER BY seq`)
}

// AuditFor returns up to limit entries for a record, newest first.
// A limit of 0 returns everything.
func (s store) AuditFor(ctx context.Context, recordID string, limit int) ([]types.AuditEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_log WHERE record_id = ? ORDER BY seq DESC`
	args := []any{recordID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryAudit(ctx, query, args...)
}

// LastAttached returns the newest committed entry for a record, or
// ErrNotFound when the record has none.
func (s store) LastAttached(ctx context.Context, recordID string) (*types.AuditEntry, error) {
	row := s.x.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_log
		WHERE record_id = ? AND commit_id IS NOT NULL ORDER BY seq DESC LIMIT 1`, recordID)
	e, err := scanAudit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("audit for %s: %w", recordID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read audit for %s: %w", recordID, err)
	}
	return &e, nil
}

// AuditQuery selects entries for History.
type AuditQuery struct {
	RecordID string
	Since    time.Time
	Limit    int
}

// History returns entries newest first.
func (s store) History(ctx context.Context, q AuditQuery) ([]types.AuditEntry, error) {
	var conditions []string
	var args []any
	if q.RecordID != "" {
		conditions = append(conditions, "record_id = ?")
		args = append(args, q.RecordID)
	}
	if !q.Since.IsZero() {
		conditions = append(conditions, "ts >= ?")
		args = append(args, timeToString(q.Since))
	}

	query := `SELECT ` + auditColumns + ` FROM audit_log`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY seq DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	return s.queryAudit(ctx, query, args...)
}

// PendingFor returns the unattached entries of one envelope.
func (s store) PendingFor(ctx context.Context, envelopeID string) ([]types.AuditEntry, error) {
	return s.queryAudit(ctx, `SELECT `+auditColumns+` FROM audit_log
		WHERE envelope_id = ? AND commit_id IS NULL ORDER BY seq`, envelopeID)
}

// ReinsertAudit puts back an unattached entry removed by RetractEnvelope,
// keeping its original sequence numbers.
func (s store) ReinsertAudit(ctx context.Context, e types.AuditEntry) error {
	_, err := s.x.ExecContext(ctx, `
		INSERT INTO audit_log (seq, record_id, record_seq, prev_state, new_state, commit_id, ts, actor, operation, envelope_id)
		VALUES (?, ?, ?, ?, ?, NULL, ?, ?, ?, ?)`,
		e.Seq, e.RecordID, e.RecordSeq, nullString(string(e.PrevState)), string(e.NewState),
		timeToString(e.Timestamp), e.Actor, e.Operation, e.EnvelopeID,
	)
	if err != nil {
		return fmt.Errorf("failed to reinsert audit entry %d: %w", e.Seq, err)
	}
	return nil
}
