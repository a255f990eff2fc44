package migrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/relaywork/workstate/internal/document"
	"github.com/relaywork/workstate/internal/history"
	"github.com/relaywork/workstate/internal/index"
	"github.com/relaywork/workstate/internal/txn"
	"github.com/relaywork/workstate/internal/types"
)

// runPhase executes one phase as an envelope and records its checkpoint.
// The returned manifest includes the phase; man itself is not modified.
func (c *Coordinator) runPhase(ctx context.Context, man *document.Manifest, phase int, res *Result) (*document.Manifest, *PhaseResult, error) {
	if c.beforePhase != nil {
		if err := c.beforePhase(phase); err != nil {
			return nil, nil, err
		}
	}

	next := cloneManifest(man)
	pr := &PhaseResult{Phase: phase, Name: PhaseName(phase)}
	env := &txn.Envelope{
		Op:      history.OpMigrate,
		Subject: fmt.Sprintf("%s-%d", history.PhaseSubject, phase),
		Actor:   c.actor,
	}

	var prepare func(ctx context.Context, tx *index.Tx) ([]txn.FileWrite, error)
	var planned []*Backfill
	switch phase {
	case 1:
		prepare = func(ctx context.Context, tx *index.Tx) ([]txn.FileWrite, error) {
			ok, err := tx.HasSchema(ctx)
			if err != nil {
				return nil, err
			}
			if ok {
				env.Summary = "schema present"
				return nil, tx.CheckSchema(ctx)
			}
			if err := tx.InitSchema(ctx); err != nil {
				return nil, err
			}
			pr.Rows = 1
			env.Summary = "create schema " + index.SchemaVersion
			return nil, nil
		}
	case 2, 3:
		kinds := []types.Kind{types.KindStory}
		noun := "stories"
		if phase == 2 {
			kinds = []types.Kind{types.KindFeature, types.KindEpic}
			noun = "epics and features"
		}
		prepare = func(ctx context.Context, tx *index.Tx) ([]txn.FileWrite, error) {
			var writes []txn.FileWrite
			var err error
			planned, writes, err = c.planBackfill(ctx, tx, kinds)
			if err != nil {
				return nil, err
			}
			pr.Rows = len(planned)
			pr.Sources = make(map[string]int)
			for _, b := range planned {
				pr.Sources[b.Inference.Source()]++
			}
			env.Summary = fmt.Sprintf("backfill %d %s", len(planned), noun)
			return writes, nil
		}
		env.Apply = func(ctx context.Context, fx *txn.Effects) error {
			for _, b := range planned {
				if err := fx.PutBackfilled(ctx, b.Record, man.RunID); err != nil {
					return err
				}
				if err := fx.Audit(ctx, b.Record.ID, "", b.Record.State); err != nil {
					return err
				}
			}
			return nil
		}
	case 4:
		prepare = func(ctx context.Context, tx *index.Tx) ([]txn.FileWrite, error) {
			warnings, checked, err := c.validate(ctx, tx)
			if err != nil {
				return nil, err
			}
			next.Warnings = warnings
			next.Completed = true
			pr.Rows = checked
			env.Summary = fmt.Sprintf("validate %d documents, %d warnings", checked, len(warnings))
			return nil, nil
		}
	default:
		return nil, nil, fmt.Errorf("unknown phase %d", phase)
	}

	env.Prepare = func(ctx context.Context, tx *index.Tx) ([]txn.FileWrite, error) {
		writes, err := prepare(ctx, tx)
		if err != nil {
			return nil, err
		}
		next.Phases = append(next.Phases, document.ManifestPhase{
			Phase:       phase,
			Name:        pr.Name,
			Rows:        pr.Rows,
			Sources:     pr.Sources,
			CompletedAt: c.now().UTC(),
		})
		data, err := next.Render()
		if err != nil {
			return nil, err
		}
		return append(writes, txn.FileWrite{Path: c.layout.ManifestPath(), Data: data}), nil
	}

	out, err := c.mgr.Execute(ctx, env)
	if err != nil {
		return nil, nil, err
	}
	pr.CommitID = out.CommitID
	for _, b := range planned {
		res.Inferences[b.Record.ID] = b.Inference
	}

	err = c.db.PutCheckpoint(ctx, &types.MigrationCheckpoint{
		RunID:         man.RunID,
		Phase:         phase,
		CommitID:      out.CommitID,
		RowsProcessed: pr.Rows,
		CreatedAt:     c.now(),
	})
	if err != nil {
		return nil, nil, err
	}
	return next, pr, nil
}

func cloneManifest(m *document.Manifest) *document.Manifest {
	c := *m
	c.Phases = append([]document.ManifestPhase(nil), m.Phases...)
	c.Warnings = append([]string(nil), m.Warnings...)
	return &c
}

// planBackfill plans a record for every unregistered document of kinds.
func (c *Coordinator) planBackfill(ctx context.Context, tx *index.Tx, kinds []types.Kind) ([]*Backfill, []txn.FileWrite, error) {
	entries, _, err := c.layout.Scan(kinds...)
	if err != nil {
		return nil, nil, err
	}
	reg := NewRegistrar(c.layout, c.inferrer)
	var out []*Backfill
	var writes []txn.FileWrite
	for _, e := range entries {
		b, err := reg.Plan(ctx, tx, e)
		if err != nil {
			var invalid *InvalidDocumentError
			if errors.As(err, &invalid) {
				// left unregistered; validation reports it
				c.logger.Printf("skipping %s: %v", e.Path, invalid.Err)
				continue
			}
			return nil, nil, err
		}
		if b == nil {
			continue
		}
		if b.Write != nil {
			writes = append(writes, *b.Write)
		}
		out = append(out, b)
	}
	return out, writes, nil
}

// validate compares documents with index rows and returns the warnings and
// the number of documents checked.
func (c *Coordinator) validate(ctx context.Context, tx *index.Tx) ([]string, int, error) {
	entries, warnings, err := c.layout.Scan()
	if err != nil {
		return nil, 0, err
	}

	for _, e := range entries {
		rec, err := tx.GetRecordByPath(ctx, e.Path)
		if err != nil {
			if isNotFound(err) {
				warnings = append(warnings, fmt.Sprintf("%s: no index record", e.Path))
				continue
			}
			return nil, 0, err
		}
		if rec.ID != e.ID {
			warnings = append(warnings, fmt.Sprintf("%s: registered as %s", e.Path, rec.ID))
		}
	}

	recs, err := tx.ListRecords(ctx, index.Filter{ExcludeArchived: true})
	if err != nil {
		return nil, 0, err
	}
	for _, rec := range recs {
		if !c.layout.Exists(rec.FilePath) {
			warnings = append(warnings, fmt.Sprintf("%s: document %s is missing", rec.ID, rec.FilePath))
		}
		if rec.Kind == types.KindStory && rec.ParentID == "" {
			warnings = append(warnings, fmt.Sprintf("%s: parent %s has no index record",
				rec.ID, types.ImpliedParent(rec.Kind, rec.Key)))
		}
	}
	return warnings, len(entries), nil
}
