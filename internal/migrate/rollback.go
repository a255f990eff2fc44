package migrate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/relaywork/workstate/internal/document"
	"github.com/relaywork/workstate/internal/index"
	"github.com/relaywork/workstate/internal/types"
)

// Rollback returns a run to the state right after toPhase. The branch is
// hard-reset to that phase's checkpoint commit and the index rows of later
// phases are removed. Phase 0 discards the branch entirely and checks out
// the branch the run started from; the schema is dropped only when this
// run created it.
func (c *Coordinator) Rollback(ctx context.Context, runID string, toPhase int) error {
	if toPhase < 0 || toPhase > LastPhase {
		return fmt.Errorf("invalid rollback phase %d", toPhase)
	}
	branch := c.Branch(runID)
	if !c.vcs.RefExists(ctx, branch) {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}

	return c.mgr.WithLock(ctx, func(ctx context.Context) error {
		if err := c.mgr.CheckClean(ctx); err != nil {
			return err
		}
		cps, err := c.Checkpoints(ctx, runID)
		if err != nil {
			return err
		}
		createdSchema := false
		var target *types.MigrationCheckpoint
		for i := range cps {
			if cps[i].Phase == 1 && cps[i].RowsProcessed > 0 {
				createdSchema = true
			}
			if cps[i].Phase == toPhase {
				target = &cps[i]
			}
		}

		cur, err := c.vcs.CurrentRef(ctx)
		if err != nil {
			return err
		}

		if toPhase == 0 {
			man, err := c.manifestAt(ctx, branch)
			if err != nil {
				return err
			}
			if cur == branch {
				back := ""
				if man != nil {
					back = man.Origin
					if back == "" {
						back = man.Base
					}
				}
				if back == "" {
					return fmt.Errorf("run %s does not record the branch it started from", runID)
				}
				if err := c.vcs.Checkout(ctx, back); err != nil {
					return err
				}
			}
			if err := c.teardown(ctx, runID, 0, createdSchema); err != nil {
				return err
			}
			if err := c.vcs.DeleteRef(ctx, branch); err != nil {
				return err
			}
			c.logger.Printf("run %s: discarded", runID)
			return nil
		}

		if target == nil {
			return fmt.Errorf("%w %d of run %s", ErrNoCheckpoint, toPhase, runID)
		}
		if cur != branch {
			if err := c.vcs.Checkout(ctx, branch); err != nil {
				return err
			}
		}
		if err := c.vcs.ResetHard(ctx, target.CommitID); err != nil {
			return err
		}
		if err := c.teardown(ctx, runID, toPhase, createdSchema); err != nil {
			return err
		}
		c.logger.Printf("run %s: rolled back to phase %d at %s", runID, toPhase, shortHash(target.CommitID))
		return nil
	})
}

// teardown removes the index effects of phases after toPhase.
func (c *Coordinator) teardown(ctx context.Context, runID string, toPhase int, createdSchema bool) error {
	ok, err := c.db.HasSchema(ctx)
	if err != nil || !ok {
		return err
	}
	return c.db.RunInTx(ctx, func(tx *index.Tx) error {
		if toPhase < 3 {
			if _, err := tx.DeleteBackfilled(ctx, types.KindStory, runID); err != nil {
				return err
			}
		}
		if toPhase < 2 {
			for _, k := range []types.Kind{types.KindEpic, types.KindFeature} {
				if _, err := tx.DeleteBackfilled(ctx, k, runID); err != nil {
					return err
				}
			}
		}
		if toPhase < 1 && createdSchema {
			return tx.DropSchema(ctx)
		}
		return tx.DeleteCheckpointsAfter(ctx, runID, toPhase)
	})
}

// RunStatus describes one migration run.
type RunStatus struct {
	RunID       string
	Branch      string
	Exists      bool
	Current     bool
	Checkpoints []types.MigrationCheckpoint
	Manifest    *document.Manifest
}

// Completed reports whether the run finished validation.
func (s RunStatus) Completed() bool {
	return s.Manifest != nil && s.Manifest.Completed
}

// LastPhase returns the highest checkpointed phase.
func (s RunStatus) LastPhase() int {
	last := 0
	for _, cp := range s.Checkpoints {
		if cp.Phase > last {
			last = cp.Phase
		}
	}
	return last
}

// Status lists every run known from branches or checkpoints.
func (c *Coordinator) Status(ctx context.Context) ([]RunStatus, error) {
	cur, err := c.vcs.CurrentRef(ctx)
	if err != nil {
		return nil, err
	}
	refs, err := c.vcs.ListRefs(ctx, c.prefix)
	if err != nil {
		return nil, err
	}

	runs := make(map[string]bool)
	for _, r := range refs {
		runs[strings.TrimPrefix(r.Name, c.prefix)] = true
	}
	ok, err := c.db.HasSchema(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		ids, err := c.db.Runs(ctx)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			runs[id] = true
		}
	}

	out := make([]RunStatus, 0, len(runs))
	for id := range runs {
		st := RunStatus{RunID: id, Branch: c.Branch(id)}
		st.Exists = c.vcs.RefExists(ctx, st.Branch)
		st.Current = cur == st.Branch
		if st.Checkpoints, err = c.Checkpoints(ctx, id); err != nil {
			return nil, err
		}
		if st.Exists {
			if st.Manifest, err = c.manifestAt(ctx, st.Branch); err != nil {
				return nil, err
			}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, nil
}

// DetectAbandoned returns the branches of unfinished runs that are not
// checked out.
func (c *Coordinator) DetectAbandoned(ctx context.Context) ([]string, error) {
	runs, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, r := range runs {
		if r.Exists && !r.Current && !r.Completed() {
			out = append(out, r.Branch)
		}
	}
	return out, nil
}
