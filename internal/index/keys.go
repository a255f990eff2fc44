package index

import (
	"context"
	"fmt"
	"strconv"

	"github.com/relaywork/workstate/internal/types"
)

// NextEpicKey returns the next sequential epic number.
func (s store) NextEpicKey(ctx context.Context) (string, error) {
	var max int
	err := s.x.QueryRowContext(ctx, `SELECT COALESCE(MAX(CAST(key AS INTEGER)), 0) FROM epics`).Scan(&max)
	if err != nil {
		return "", fmt.Errorf("failed to compute next epic key: %w", err)
	}
	return strconv.Itoa(max + 1), nil
}

// NextStoryKey returns "<epic>.<n>" with n one past the highest story
// sequence under the epic.
func (s store) NextStoryKey(ctx context.Context, epicID string) (string, int, error) {
	_, epicKey, err := types.ParseRecordID(epicID)
	if err != nil {
		return "", 0, err
	}
	var max int
	err = s.x.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM stories WHERE parent_id = ?`, epicID).Scan(&max)
	if err != nil {
		return "", 0, fmt.Errorf("failed to compute next story key: %w", err)
	}
	return fmt.Sprintf("%s.%d", epicKey, max+1), max + 1, nil
}

// UniqueFeatureKey returns slug, or slug-2, slug-3... when taken.
func (s store) UniqueFeatureKey(ctx context.Context, slug string) (string, error) {
	key := slug
	for n := 2; ; n++ {
		var exists int
		err := s.x.QueryRowContext(ctx, `SELECT COUNT(*) FROM features WHERE key = ?`, key).Scan(&exists)
		if err != nil {
			return "", fmt.Errorf("failed to check feature key: %w", err)
		}
		if exists == 0 {
			return key, nil
		}
		key = fmt.Sprintf("%s-%d", slug, n)
	}
}

// NextFeatureSeq returns the ordinal for a new feature.
func (s store) NextFeatureSeq(ctx context.Context) (int, error) {
	var max int
	if err := s.x.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM features`).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to compute feature sequence: %w", err)
	}
	return max + 1, nil
}
