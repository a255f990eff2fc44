package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/relaywork/workstate/internal/document"
	"github.com/relaywork/workstate/internal/history"
	"github.com/relaywork/workstate/internal/index"
	"github.com/relaywork/workstate/internal/migrate"
	"github.com/relaywork/workstate/internal/txn"
	"github.com/relaywork/workstate/internal/types"
)

// DriftDir holds the dirty copies a repair discarded, one directory per
// repair envelope.
const DriftDir = txn.StateDir + "/drift"

// RepairResult describes an applied repair.
type RepairResult struct {
	EnvelopeID string
	CommitID   string
	Repaired   []Finding

	// Skipped lists findings that were not repairable
	Skipped []Finding

	// Stale lists findings of the report that no longer hold once the
	// write lock is taken, typically drift of an envelope that has since
	// committed. They are left alone.
	Stale []Finding

	// BackupDir holds the discarded dirty copies; empty when no drift was
	// repaired
	BackupDir string
}

// Repair applies every repairable finding of rep in one envelope and one
// commit. Committed files are ground truth: drifted documents are restored
// to their committed content after a backup, orphaned records are
// archived, unregistered documents are registered as a migration would and
// mismatched records take their document's state.
//
// The checks are run again under the write lock and only findings that
// still hold are repaired; the rest are returned as Stale. When none hold,
// nothing is committed.
//
// Conflicts are left untouched. When rep has any, the other findings are
// still repaired and the conflicts are returned as the error.
func (a *Auditor) Repair(ctx context.Context, rep *Report) (*RepairResult, error) {
	res := &RepairResult{}
	var todo []Finding
	for _, f := range rep.Findings {
		if f.Repairable {
			todo = append(todo, f)
		} else {
			res.Skipped = append(res.Skipped, f)
		}
	}
	conflicts := conflictErr(rep)
	if len(todo) == 0 {
		return res, conflicts
	}

	env := &txn.Envelope{
		Op:         history.OpRepair,
		Subject:    todo[0].ID,
		Summary:    repairSummary(todo),
		AllowEmpty: true,
	}
	for _, f := range todo {
		if f.Kind == UncommittedDrift {
			env.AllowDirty = append(env.AllowDirty, f.Path)
		}
	}

	reg := migrate.NewRegistrar(a.layout, a.inferrer)
	backfills := make(map[string]*migrate.Backfill)
	env.Prepare = func(ctx context.Context, tx *index.Tx) ([]txn.FileWrite, error) {
		current, err := a.CheckConsistency(ctx)
		if err != nil {
			return nil, err
		}
		todo, res.Stale = revalidate(todo, current)
		if len(todo) == 0 {
			return nil, errNothingToRepair
		}
		env.Subject = todo[0].ID
		env.Summary = repairSummary(todo)

		var writes []txn.FileWrite
		for _, f := range todo {
			switch f.Kind {
			case UncommittedDrift:
				w, err := a.restoreDrift(ctx, env.ID, f)
				if err != nil {
					return nil, err
				}
				res.BackupDir = path.Join(DriftDir, env.ID)
				writes = append(writes, w)
			case UnregisteredDocument:
				e, err := a.entry(f.Path)
				if err != nil {
					return nil, err
				}
				b, err := reg.Plan(ctx, tx, e)
				if err != nil {
					return nil, err
				}
				if b == nil {
					continue
				}
				if b.Write != nil {
					writes = append(writes, *b.Write)
				}
				backfills[f.ID] = b
			}
		}
		return writes, nil
	}

	env.Apply = func(ctx context.Context, fx *txn.Effects) error {
		retracted := make(map[string]bool)
		for _, f := range todo {
			switch f.Kind {
			case UncommittedDrift:
				for _, id := range f.Envelopes {
					if retracted[id] {
						continue
					}
					if err := fx.Retract(ctx, id); err != nil {
						return err
					}
					retracted[id] = true
				}
				if f.ID == "" {
					continue
				}
				if err := a.reconcile(ctx, fx, f.ID); err != nil {
					return err
				}
			case OrphanedRecord:
				if err := setState(ctx, fx, f.ID, types.StateArchived); err != nil {
					return err
				}
			case UnregisteredDocument:
				b, ok := backfills[f.ID]
				if !ok {
					continue
				}
				if err := fx.Put(ctx, b.Record); err != nil {
					return err
				}
				if err := fx.Audit(ctx, b.Record.ID, "", b.Record.State); err != nil {
					return err
				}
			case StateMismatch:
				if err := setState(ctx, fx, f.ID, f.Want); err != nil {
					return err
				}
			}
		}
		return nil
	}

	out, err := a.mgr.Execute(ctx, env)
	if errors.Is(err, errNothingToRepair) {
		a.logger.Printf("nothing to repair: %d findings no longer hold", len(res.Stale))
		return res, conflicts
	}
	if err != nil {
		return nil, err
	}
	res.EnvelopeID = out.EnvelopeID
	res.CommitID = out.CommitID
	res.Repaired = todo
	a.logger.Printf("repaired %d findings in %s", len(todo), shortHash(out.CommitID))
	return res, conflicts
}

var errNothingToRepair = errors.New("no finding still holds")

// revalidate splits the findings of an earlier report into those current
// still reports, taken from current, and the stale rest.
func revalidate(todo []Finding, current *Report) (holding, stale []Finding) {
	now := make(map[string]Finding, len(current.Findings))
	for _, f := range current.Findings {
		if f.Repairable {
			now[f.key()] = f
		}
	}
	for _, f := range todo {
		if c, ok := now[f.key()]; ok {
			holding = append(holding, c)
		} else {
			stale = append(stale, f)
		}
	}
	return holding, stale
}

func repairSummary(todo []Finding) string {
	if len(todo) == 1 {
		if f := todo[0]; f.Kind == StateMismatch {
			return "state " + history.Arrow(f.Have, f.Want)
		}
		return "1 finding"
	}
	return fmt.Sprintf("%d findings", len(todo))
}

func conflictErr(rep *Report) error {
	errs := make([]error, 0, len(rep.Conflicts))
	for _, c := range rep.Conflicts {
		errs = append(errs, c)
	}
	return errors.Join(errs...)
}

// restoreDrift backs up the dirty copy of f and returns the write that puts
// back its committed content.
func (a *Auditor) restoreDrift(ctx context.Context, envID string, f Finding) (txn.FileWrite, error) {
	if data, err := os.ReadFile(a.layout.Abs(f.Path)); err == nil {
		backup := filepath.Join(a.layout.Root, filepath.FromSlash(path.Join(DriftDir, envID, f.Path)))
		if err := document.WriteFile(backup, data); err != nil {
			return txn.FileWrite{}, err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return txn.FileWrite{}, err
	}

	if f.fresh {
		return txn.FileWrite{Path: f.Path, Delete: true}, nil
	}
	data, err := a.vcs.ExtractFileFromRef(ctx, "HEAD", f.Path)
	if err != nil {
		return txn.FileWrite{}, fmt.Errorf("failed to read committed %s: %w", f.Path, err)
	}
	return txn.FileWrite{Path: f.Path, Data: data}, nil
}

// reconcile resets a record from its restored document and audits the
// state change, if any.
func (a *Auditor) reconcile(ctx context.Context, fx *txn.Effects, id string) error {
	before, err := fx.Tx.GetRecord(ctx, id)
	if errors.Is(err, index.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := fx.Reconcile(ctx, a.layout, id); err != nil {
		return err
	}
	after, err := fx.Tx.GetRecord(ctx, id)
	if errors.Is(err, index.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if after.State == before.State {
		return nil
	}
	return fx.Audit(ctx, id, before.State, after.State)
}

func setState(ctx context.Context, fx *txn.Effects, id string, st types.State) error {
	rec, err := fx.Tx.GetRecord(ctx, id)
	if errors.Is(err, index.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.State == st {
		return nil
	}
	prev := rec.State
	updated := rec.Clone()
	updated.State = st
	updated.UpdatedAt = fx.Now()
	if err := fx.Put(ctx, updated); err != nil {
		return err
	}
	return fx.Audit(ctx, id, prev, st)
}

func (a *Auditor) entry(rel string) (document.Entry, error) {
	kind, key, ok := a.layout.Classify(rel)
	if !ok {
		return document.Entry{}, fmt.Errorf("%s is not a managed document", rel)
	}
	e := document.Entry{ID: types.RecordID(kind, key), Kind: kind, Key: key, Path: rel}
	if info, err := os.Stat(a.layout.Abs(rel)); err == nil {
		e.ModTime = info.ModTime()
	}
	return e, nil
}
