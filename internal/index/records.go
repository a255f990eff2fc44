package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/relaywork/workstate/internal/types"
)

const recordColumns = `id, key, title, state, COALESCE(parent_id, ''), file_path,
	COALESCE(commit_id, ''), seq, created_at, updated_at, metadata`

// Filter selects records for ListRecords.
type Filter struct {
	Kind     types.Kind // empty = all kinds
	State    types.State
	ParentID string

	// ExcludeArchived drops archived rows
	ExcludeArchived bool

	// BackfillRun limits to rows inserted by a migration run
	BackfillRun string
}

func tableFor(k types.Kind) (string, error) {
	t := k.Table()
	if t == "" {
		return "", fmt.Errorf("unknown record kind %q", k)
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(kind types.Kind, row rowScanner) (*types.WorkItemRecord, error) {
	var (
		rec                  types.WorkItemRecord
		state                string
		createdAt, updatedAt string
		metadata             string
	)
	err := row.Scan(&rec.ID, &rec.Key, &rec.Title, &state, &rec.ParentID, &rec.FilePath,
		&rec.CommitID, &rec.Seq, &createdAt, &updatedAt, &metadata)
	if err != nil {
		return nil, err
	}
	rec.Kind = kind
	rec.State = types.State(state)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

func scanRecords(kind types.Kind, rows *sql.Rows) ([]*types.WorkItemRecord, error) {
	defer rows.Close()
	var out []*types.WorkItemRecord
	for rows.Next() {
		rec, err := scanRecord(kind, rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return out, nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(data), nil
}

// GetRecord returns the record with the given id, or ErrNotFound.
func (s store) GetRecord(ctx context.Context, id string) (*types.WorkItemRecord, error) {
	kind, _, err := types.ParseRecordID(id)
	if err != nil {
		return nil, err
	}
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	row := s.x.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM "+table+" WHERE id = ?", id)
	rec, err := scanRecord(kind, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s: %w", id, err)
	}
	return rec, nil
}

// GetRecordByPath returns the record whose document lives at the given
// relative path, or ErrNotFound.
func (s store) GetRecordByPath(ctx context.Context, path string) (*types.WorkItemRecord, error) {
	for _, kind := range types.Kinds {
		row := s.x.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM "+kind.Table()+" WHERE file_path = ?", path)
		rec, err := scanRecord(kind, row)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to look up %s: %w", path, err)
		}
	}
	return nil, fmt.Errorf("path %s: %w", path, ErrNotFound)
}

// ListRecords returns records matching the filter, parent-first then by
// parent and sequence.
func (s store) ListRecords(ctx context.Context, f Filter) ([]*types.WorkItemRecord, error) {
	kinds := types.Kinds
	if f.Kind != "" {
		kinds = []types.Kind{f.Kind}
	}

	var out []*types.WorkItemRecord
	for _, kind := range kinds {
		table, err := tableFor(kind)
		if err != nil {
			return nil, err
		}

		var conditions []string
		var args []any
		if f.State != "" {
			conditions = append(conditions, "state = ?")
			args = append(args, string(f.State))
		}
		if f.ParentID != "" {
			conditions = append(conditions, "parent_id = ?")
			args = append(args, f.ParentID)
		}
		if f.ExcludeArchived {
			conditions = append(conditions, "state != ?")
			args = append(args, string(types.StateArchived))
		}
		if f.BackfillRun != "" {
			conditions = append(conditions, "backfill_run = ?")
			args = append(args, f.BackfillRun)
		}

		query := "SELECT " + recordColumns + " FROM " + table
		if len(conditions) > 0 {
			query += " WHERE " + strings.Join(conditions, " AND ")
		}
		query += " ORDER BY COALESCE(parent_id, ''), seq, id"

		rows, err := s.x.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", table, err)
		}
		recs, err := scanRecords(kind, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// InsertRecord adds a new record. The id must not exist.
func (s store) InsertRecord(ctx context.Context, rec *types.WorkItemRecord) error {
	return s.insert(ctx, rec, "")
}

// InsertBackfilled adds a record created by a migration run.
func (s store) InsertBackfilled(ctx context.Context, rec *types.WorkItemRecord, runID string) error {
	return s.insert(ctx, rec, runID)
}

func (s store) insert(ctx context.Context, rec *types.WorkItemRecord, runID string) error {
	table, err := tableFor(rec.Kind)
	if err != nil {
		return err
	}
	metadata, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	_, err = s.x.ExecContext(ctx, `
		INSERT INTO `+table+` (id, key, title, state, parent_id, file_path, commit_id, seq,
			created_at, updated_at, metadata, backfill_run)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Key, rec.Title, string(rec.State), nullString(rec.ParentID), rec.FilePath,
		nullString(rec.CommitID), rec.Seq, timeToString(rec.CreatedAt), timeToString(rec.UpdatedAt),
		metadata, nullString(runID),
	)
	if err != nil {
		return fmt.Errorf("failed to insert %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateRecord overwrites the mutable columns of an existing record.
func (s store) UpdateRecord(ctx context.Context, rec *types.WorkItemRecord) error {
	table, err := tableFor(rec.Kind)
	if err != nil {
		return err
	}
	metadata, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	res, err := s.x.ExecContext(ctx, `
		UPDATE `+table+` SET title = ?, state = ?, parent_id = ?, file_path = ?, commit_id = ?,
			seq = ?, updated_at = ?, metadata = ?
		WHERE id = ?`,
		rec.Title, string(rec.State), nullString(rec.ParentID), rec.FilePath, nullString(rec.CommitID),
		rec.Seq, timeToString(rec.UpdatedAt), metadata, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s: %w", rec.ID, ErrNotFound)
	}
	return nil
}

// RestoreRecord puts a record back to a captured pre-image: nil deletes
// the row identified by id.
func (s store) RestoreRecord(ctx context.Context, id string, pre *types.WorkItemRecord) error {
	if pre == nil {
		return s.DeleteRecord(ctx, id)
	}
	if err := s.UpdateRecord(ctx, pre); err != nil {
		if errors.Is(err, ErrNotFound) {
			return s.InsertRecord(ctx, pre)
		}
		return err
	}
	return nil
}

// DeleteRecord removes a record row. Only compensation of a create that
// never committed and migration rollback may call this.
func (s store) DeleteRecord(ctx context.Context, id string) error {
	kind, _, err := types.ParseRecordID(id)
	if err != nil {
		return err
	}
	if _, err := s.x.ExecContext(ctx, "DELETE FROM "+kind.Table()+" WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete %s: %w", id, err)
	}
	return nil
}

// SetCommit attaches the commit id to a record. Idempotent.
func (s store) SetCommit(ctx context.Context, id, commit string) error {
	kind, _, err := types.ParseRecordID(id)
	if err != nil {
		return err
	}
	_, err = s.x.ExecContext(ctx, "UPDATE "+kind.Table()+" SET commit_id = ? WHERE id = ?", commit, id)
	if err != nil {
		return fmt.Errorf("failed to attach commit to %s: %w", id, err)
	}
	return nil
}

// DeleteBackfilled removes the rows of one kind inserted by a migration run,
// together with their audit entries and notes, and returns how many records
// were removed.
func (s store) DeleteBackfilled(ctx context.Context, kind types.Kind, runID string) (int64, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	for _, dep := range []string{"audit_log", "notes"} {
		_, err := s.x.ExecContext(ctx,
			"DELETE FROM "+dep+" WHERE record_id IN (SELECT id FROM "+table+" WHERE backfill_run = ?)", runID)
		if err != nil {
			return 0, fmt.Errorf("failed to remove %s of backfilled %s: %w", dep, table, err)
		}
	}
	res, err := s.x.ExecContext(ctx, "DELETE FROM "+table+" WHERE backfill_run = ?", runID)
	if err != nil {
		return 0, fmt.Errorf("failed to remove backfilled %s: %w", table, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountByKind returns the number of rows per kind.
func (s store) CountByKind(ctx context.Context) (map[types.Kind]int, error) {
	counts := make(map[types.Kind]int, len(types.Kinds))
	for _, kind := range types.Kinds {
		var n int
		if err := s.x.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+kind.Table()).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", kind.Table(), err)
		}
		counts[kind] = n
	}
	return counts, nil
}
