package index

import (
	"context"
	"fmt"
	"time"

	"github.com/relaywork/workstate/internal/types"
)

// PutCheckpoint records a completed migration phase. Checkpoints are
// immutable: writing the same (run, phase) twice is an error.
func (s store) PutCheckpoint(ctx context.Context, cp *types.MigrationCheckpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	_, err := s.x.ExecContext(ctx, `
		INSERT INTO migration_checkpoints (run_id, phase, commit_id, rows_processed, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		cp.RunID, cp.Phase, cp.CommitID, cp.RowsProcessed, timeToString(cp.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to write checkpoint %s/%d: %w", cp.RunID, cp.Phase, err)
	}
	return nil
}

// Checkpoints returns the checkpoints of a run ordered by phase.
func (s store) Checkpoints(ctx context.Context, runID string) ([]types.MigrationCheckpoint, error) {
	rows, err := s.x.QueryContext(ctx, `
		SELECT run_id, phase, commit_id, rows_processed, created_at
		FROM migration_checkpoints WHERE run_id = ? ORDER BY phase`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []types.MigrationCheckpoint
	for rows.Next() {
		var cp types.MigrationCheckpoint
		var created string
		if err := rows.Scan(&cp.RunID, &cp.Phase, &cp.CommitID, &cp.RowsProcessed, &created); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cp.CreatedAt = parseTime(created)
		out = append(out, cp)
	}
	return out, rows.Err()
}

// DeleteCheckpointsAfter removes the checkpoints of a run past phase.
func (s store) DeleteCheckpointsAfter(ctx context.Context, runID string, phase int) error {
	_, err := s.x.ExecContext(ctx,
		`DELETE FROM migration_checkpoints WHERE run_id = ? AND phase > ?`, runID, phase)
	if err != nil {
		return fmt.Errorf("failed to remove checkpoints of %s: %w", runID, err)
	}
	return nil
}

// Runs returns every run id with at least one checkpoint, newest first.
func (s store) Runs(ctx context.Context) ([]string, error) {
	rows, err := s.x.QueryContext(ctx, `
		SELECT run_id FROM migration_checkpoints GROUP BY run_id ORDER BY MAX(created_at) DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list migration runs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan run id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
