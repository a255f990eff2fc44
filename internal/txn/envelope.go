package txn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/relaywork/workstate/internal/document"
	"github.com/relaywork/workstate/internal/history"
	"github.com/relaywork/workstate/internal/index"
	"github.com/relaywork/workstate/internal/types"
)

// Step identifies a stage of the envelope protocol.
type Step int

const (
	StepPreCheck Step = iota + 1
	StepBeginIndex
	StepWriteFiles
	StepIndexEffect
	StepIndexCommit
	StepCommit
	StepAttach
)

func (s Step) String() string {
	switch s {
	case StepPreCheck:
		return "pre-check"
	case StepBeginIndex:
		return "begin-index"
	case StepWriteFiles:
		return "write-files"
	case StepIndexEffect:
		return "index-effect"
	case StepIndexCommit:
		return "index-commit"
	case StepCommit:
		return "commit"
	case StepAttach:
		return "attach"
	}
	return fmt.Sprintf("step-%d", int(s))
}

// FaultInjector is consulted before steps 3 to 7. A non-nil error fails
// that step; ErrInterrupted stops the envelope as if the process died.
type FaultInjector func(Step) error

// FileWrite is one file effect. Path is relative to the repository root.
type FileWrite struct {
	Path   string
	Data   []byte
	Delete bool
}

// Envelope bundles the three effects of one logical operation: file
// writes, index mutation and a single commit.
type Envelope struct {
	ID      string
	Op      history.Op
	Subject string // record id, or "phase-<n>" for migration
	Summary string
	Actor   string

	// AllowEmpty permits a commit with no file changes.
	AllowEmpty bool

	// AllowDirty lists paths the pre-check tolerates. Repairs use it for
	// the drifted documents they are about to restore.
	AllowDirty []string

	// Prepare runs inside the index transaction before any file is
	// touched and returns the file effects. It may set Subject and Summary.
	Prepare func(ctx context.Context, tx *index.Tx) ([]FileWrite, error)

	// Apply performs the index effect.
	Apply func(ctx context.Context, fx *Effects) error
}

// Result is returned by Execute.
type Result struct {
	EnvelopeID string
	CommitID   string
	Records    []*types.WorkItemRecord
	Entries    []types.AuditEntry
}

// Effects is handed to Envelope.Apply. Every mutation made through it is
// remembered so the index can be compensated if the commit fails.
type Effects struct {
	Tx *index.Tx

	env   *Envelope
	now   time.Time
	order []string
	pre   map[string]*types.WorkItemRecord

	records   map[string]*types.WorkItemRecord
	entries   []types.AuditEntry
	retracted []retraction
}

type retraction struct {
	entries []types.AuditEntry
	notes   []types.Note
}

func newEffects(tx *index.Tx, env *Envelope, now time.Time) *Effects {
	return &Effects{
		Tx:      tx,
		env:     env,
		now:     now,
		pre:     make(map[string]*types.WorkItemRecord),
		records: make(map[string]*types.WorkItemRecord),
	}
}

// Now is the timestamp shared by every effect of the envelope.
func (fx *Effects) Now() time.Time {
	return fx.now
}

func (fx *Effects) capture(ctx context.Context, id string) error {
	if _, ok := fx.pre[id]; ok {
		return nil
	}
	rec, err := fx.Tx.GetRecord(ctx, id)
	switch {
	case errors.Is(err, index.ErrNotFound):
		fx.pre[id] = nil
	case err != nil:
		return err
	default:
		fx.pre[id] = rec
	}
	fx.order = append(fx.order, id)
	return nil
}

// Put inserts or updates a record.
func (fx *Effects) Put(ctx context.Context, rec *types.WorkItemRecord) error {
	return fx.put(ctx, rec, "")
}

// PutBackfilled inserts a record on behalf of a migration run.
func (fx *Effects) PutBackfilled(ctx context.Context, rec *types.WorkItemRecord, runID string) error {
	return fx.put(ctx, rec, runID)
}

func (fx *Effects) put(ctx context.Context, rec *types.WorkItemRecord, runID string) error {
	if err := fx.capture(ctx, rec.ID); err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = fx.now
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = fx.now
	}

	var err error
	switch {
	case fx.pre[rec.ID] != nil || fx.records[rec.ID] != nil:
		err = fx.Tx.UpdateRecord(ctx, rec)
	case runID != "":
		err = fx.Tx.InsertBackfilled(ctx, rec, runID)
	default:
		err = fx.Tx.InsertRecord(ctx, rec)
	}
	if err != nil {
		return err
	}
	fx.records[rec.ID] = rec.Clone()
	return nil
}

// Remove deletes a record that was never committed.
func (fx *Effects) Remove(ctx context.Context, id string) error {
	if err := fx.capture(ctx, id); err != nil {
		return err
	}
	if err := fx.Tx.DeleteRecord(ctx, id); err != nil {
		return err
	}
	delete(fx.records, id)
	return nil
}

// Audit appends an entry for the envelope's operation.
func (fx *Effects) Audit(ctx context.Context, recordID string, prev, next types.State) error {
	return fx.AuditOp(ctx, string(fx.env.Op), recordID, prev, next)
}

// AuditOp appends an entry with an explicit operation name.
func (fx *Effects) AuditOp(ctx context.Context, op, recordID string, prev, next types.State) error {
	e := &types.AuditEntry{
		RecordID:   recordID,
		PrevState:  prev,
		NewState:   next,
		Timestamp:  fx.now,
		Actor:      fx.env.Actor,
		Operation:  op,
		EnvelopeID: fx.env.ID,
	}
	if err := fx.Tx.AppendAudit(ctx, e); err != nil {
		return err
	}
	fx.entries = append(fx.entries, *e)
	return nil
}

// Note stores a note under the envelope.
func (fx *Effects) Note(ctx context.Context, recordID, body string) (*types.Note, error) {
	n := &types.Note{
		RecordID:   recordID,
		Body:       body,
		Actor:      fx.env.Actor,
		CreatedAt:  fx.now,
		EnvelopeID: fx.env.ID,
	}
	if err := fx.Tx.AddNote(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// Retract removes the uncommitted rows of another, interrupted envelope.
func (fx *Effects) Retract(ctx context.Context, envelopeID string) error {
	entries, err := fx.Tx.PendingFor(ctx, envelopeID)
	if err != nil {
		return err
	}
	notes, err := fx.Tx.NotesByEnvelope(ctx, envelopeID)
	if err != nil {
		return err
	}
	if _, err := fx.Tx.RetractEnvelope(ctx, envelopeID); err != nil {
		return err
	}
	fx.retracted = append(fx.retracted, retraction{entries: entries, notes: notes})
	return nil
}

// Reconcile sets a record from its document on disk. When the document is
// gone and the record was never committed, the row is removed. A missing
// document for a committed record is left for the auditor.
func (fx *Effects) Reconcile(ctx context.Context, layout document.Layout, recordID string) error {
	rec, err := fx.Tx.GetRecord(ctx, recordID)
	if errors.Is(err, index.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	doc, err := layout.ReadRel(rec.FilePath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if _, err := fx.Tx.LastAttached(ctx, recordID); errors.Is(err, index.ErrNotFound) {
			return fx.Remove(ctx, recordID)
		} else if err != nil {
			return err
		}
		return nil
	}

	updated := rec.Clone()
	if st, ok := doc.State(rec.Kind); ok {
		updated.State = st
	}
	if doc.FrontMatter != nil && doc.FrontMatter.Title != "" {
		updated.Title = doc.FrontMatter.Title
	}
	if doc.FrontMatter != nil {
		updated.Metadata = doc.FrontMatter.Metadata
	}
	updated.UpdatedAt = fx.now
	return fx.Put(ctx, updated)
}

// compensate undoes every effect recorded in fx in a fresh transaction.
func (fx *Effects) compensate(ctx context.Context, db *index.DB) error {
	return db.RunInTx(ctx, func(tx *index.Tx) error {
		if _, err := tx.RetractEnvelope(ctx, fx.env.ID); err != nil {
			return err
		}
		for i := len(fx.order) - 1; i >= 0; i-- {
			id := fx.order[i]
			if err := tx.RestoreRecord(ctx, id, fx.pre[id]); err != nil {
				return err
			}
		}
		for _, r := range fx.retracted {
			for _, e := range r.entries {
				if err := tx.ReinsertAudit(ctx, e); err != nil {
					return err
				}
			}
			for _, n := range r.notes {
				if err := tx.ReinsertNote(ctx, n); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// touched returns the ids of records the envelope modified, in order.
func (fx *Effects) touched() []string {
	return fx.order
}
