package txn

import (
	"context"
	"fmt"

	"github.com/relaywork/workstate/internal/history"
	"github.com/relaywork/workstate/internal/index"
	"github.com/relaywork/workstate/internal/types"
	"github.com/relaywork/workstate/internal/vcs"
)

// RecoveryReport summarises what Recover did with interrupted envelopes.
type RecoveryReport struct {
	// Attached envelopes had a commit; the commit id was filled in
	Attached []string

	// Compensated envelopes never committed and left no file changes; their
	// index rows were reverted to the documents
	Compensated []string

	// Pending envelopes left dirty documents behind and are reported as
	// uncommitted drift by the auditor
	Pending []string
}

// Empty reports whether nothing needed recovery.
func (r *RecoveryReport) Empty() bool {
	return len(r.Attached) == 0 && len(r.Compensated) == 0 && len(r.Pending) == 0
}

// PendingEnvelope groups the unattached audit entries of one envelope.
type PendingEnvelope struct {
	ID      string
	Entries []types.AuditEntry
}

// RecordIDs returns the distinct record ids touched by the envelope.
func (p PendingEnvelope) RecordIDs() []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range p.Entries {
		if !seen[e.RecordID] {
			seen[e.RecordID] = true
			out = append(out, e.RecordID)
		}
	}
	return out
}

// PendingEnvelopes returns the envelopes with unattached audit entries,
// oldest first.
func PendingEnvelopes(ctx context.Context, db *index.DB) ([]PendingEnvelope, error) {
	entries, err := db.Unattached(ctx)
	if err != nil {
		return nil, err
	}
	var out []PendingEnvelope
	pos := make(map[string]int)
	for _, e := range entries {
		i, ok := pos[e.EnvelopeID]
		if !ok {
			i = len(out)
			pos[e.EnvelopeID] = i
			out = append(out, PendingEnvelope{ID: e.EnvelopeID})
		}
		out[i].Entries = append(out[i].Entries, e)
	}
	return out, nil
}

// FindEnvelopeCommit returns the commit carrying the envelope trailer, or
// "" when none exists on the current branch.
func FindEnvelopeCommit(ctx context.Context, v vcs.VCS, envelopeID string) (string, error) {
	commits, err := v.Log(ctx, vcs.LogQuery{Grep: history.TrailerEnvelope + ": " + envelopeID, Limit: 1})
	if err != nil {
		return "", err
	}
	for _, c := range commits {
		if history.ParseTrailers(c.Body)[history.TrailerEnvelope] == envelopeID {
			return c.Hash, nil
		}
	}
	return "", nil
}

// Recover resolves envelopes interrupted after their index commit. It never
// commits on behalf of an interrupted caller: an envelope whose commit
// exists is attached, one that left no file changes is compensated, and one
// that left dirty documents is left for the consistency auditor.
func (m *Manager) Recover(ctx context.Context) (*RecoveryReport, error) {
	release, err := m.lock.Acquire(ctx)
	if err != nil {
		return nil, &OpError{Op: "recover", Err: err}
	}
	defer release()

	pending, err := PendingEnvelopes(ctx, m.db)
	if err != nil {
		return nil, &OpError{Op: "recover", Err: err}
	}

	report := &RecoveryReport{}
	for _, p := range pending {
		commit, err := FindEnvelopeCommit(ctx, m.vcs, p.ID)
		if err != nil {
			return report, &OpError{Op: "recover", Err: err}
		}

		if commit != "" {
			err := m.db.RunInTx(ctx, func(tx *index.Tx) error {
				if _, err := tx.AttachCommit(ctx, p.ID, commit); err != nil {
					return err
				}
				for _, id := range p.RecordIDs() {
					if err := tx.SetCommit(ctx, id, commit); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return report, &OpError{Op: "recover", Err: &IndexWriteError{Err: err}}
			}
			m.logger.Printf("recovered envelope %s: attached %s", p.ID, shortHash(commit))
			report.Attached = append(report.Attached, p.ID)
			continue
		}

		dirty, err := m.dirtyDocuments(ctx, p)
		if err != nil {
			return report, &OpError{Op: "recover", Err: err}
		}
		if dirty {
			m.logger.Printf("envelope %s left uncommitted changes; run a consistency check", p.ID)
			report.Pending = append(report.Pending, p.ID)
			continue
		}

		env := &Envelope{ID: p.ID, Op: history.OpRepair, Actor: m.actor}
		err = m.db.RunInTx(ctx, func(tx *index.Tx) error {
			fx := newEffects(tx, env, m.now())
			if _, err := tx.RetractEnvelope(ctx, p.ID); err != nil {
				return err
			}
			for _, id := range p.RecordIDs() {
				if err := fx.Reconcile(ctx, m.layout, id); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return report, &OpError{Op: "recover", Err: &IndexWriteError{Err: err}}
		}
		m.logger.Printf("recovered envelope %s: compensated", p.ID)
		report.Compensated = append(report.Compensated, p.ID)
	}

	return report, nil
}

func (m *Manager) dirtyDocuments(ctx context.Context, p PendingEnvelope) (bool, error) {
	var paths []string
	for _, id := range p.RecordIDs() {
		kind, key, err := types.ParseRecordID(id)
		if err != nil {
			continue
		}
		paths = append(paths, m.layout.PathFor(kind, key))
	}
	if len(paths) == 0 {
		return false, nil
	}
	status, err := m.vcs.Status(ctx, paths...)
	if err != nil {
		return false, fmt.Errorf("failed to inspect %v: %w", paths, err)
	}
	return len(status) > 0, nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
