// Package txn implements the transactional state manager.
//
// Every mutation of project state runs as an envelope: the document write,
// the index mutation and a single git commit either all land or none do.
//
//  1. pre-check: the working tree must be clean
//  2. begin an index transaction (BEGIN IMMEDIATE)
//  3. write files, capturing pre-images
//  4. apply the index effect (record rows and audit entries)
//  5. commit the index; on failure restore the pre-images
//  6. stage everything and create one commit; on failure compensate the
//     index and hard-reset to the pre-op commit
//  7. attach the commit id to the audit entries, with retries
//
// Writers are serialised by WriteLock for the whole protocol.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/relaywork/workstate/internal/document"
	"github.com/relaywork/workstate/internal/history"
	"github.com/relaywork/workstate/internal/index"
	"github.com/relaywork/workstate/internal/types"
	"github.com/relaywork/workstate/internal/vcs"
)

// StateDir is the untracked directory holding the index, lock and logs.
const StateDir = ".workstate"

// DefaultActor is recorded when no actor is given.
const DefaultActor = "workstate"

// Options configures a Manager.
type Options struct {
	Actor         string
	LockPolicy    LockPolicy
	LockTimeout   time.Duration
	AttachRetries int
	RetryDelay    time.Duration

	Faults    FaultInjector
	Publisher Publisher
	Metrics   *Metrics
	Logger    *log.Logger
	Now       func() time.Time
}

// Manager runs envelopes against one repository and index.
type Manager struct {
	vcs    vcs.VCS
	db     *index.DB
	layout document.Layout
	lock   *WriteLock

	actor         string
	attachRetries int
	retryDelay    time.Duration

	faults    FaultInjector
	publisher Publisher
	metrics   *Metrics
	logger    *log.Logger
	now       func() time.Time
}

// New creates a manager. The state directory is excluded from git.
func New(v vcs.VCS, db *index.DB, layout document.Layout, opts Options) (*Manager, error) {
	stateDir := filepath.Join(layout.Root, StateDir)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := v.IgnoreLocal(StateDir + "/"); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[txn] ", log.LstdFlags)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	actor := opts.Actor
	if actor == "" {
		actor = DefaultActor
	}
	retries := opts.AttachRetries
	if retries <= 0 {
		retries = 3
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = 20 * time.Millisecond
	}

	return &Manager{
		vcs:           v,
		db:            db,
		layout:        layout,
		lock:          NewWriteLock(filepath.Join(stateDir, "state.lock"), opts.LockPolicy, opts.LockTimeout),
		actor:         actor,
		attachRetries: retries,
		retryDelay:    delay,
		faults:        opts.Faults,
		publisher:     opts.Publisher,
		metrics:       opts.Metrics,
		logger:        logger,
		now:           now,
	}, nil
}

// Layout returns the document layout.
func (m *Manager) Layout() document.Layout { return m.layout }

// Index returns the index the manager writes to.
func (m *Manager) Index() *index.DB { return m.db }

// VCS returns the version-control collaborator.
func (m *Manager) VCS() vcs.VCS { return m.vcs }

// WithLock runs fn under the write lock. It is for maintenance work, such
// as migration rollback, that changes the tree without an envelope.
func (m *Manager) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := m.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// CheckClean returns a DirtyWorkingTreeError listing every changed path
// outside allowed.
func (m *Manager) CheckClean(ctx context.Context, allowed ...string) error {
	return m.preCheck(ctx, allowed)
}

// SetFaults replaces the fault injector.
func (m *Manager) SetFaults(f FaultInjector) { m.faults = f }

func (m *Manager) fault(step Step) error {
	if m.faults == nil {
		return nil
	}
	return m.faults(step)
}

// Execute runs an envelope under the write lock.
func (m *Manager) Execute(ctx context.Context, env *Envelope) (*Result, error) {
	start := time.Now()
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Actor == "" {
		env.Actor = m.actor
	}

	release, err := m.lock.Acquire(ctx)
	if err != nil {
		err = &OpError{Op: string(env.Op), RecordID: env.Subject, Err: err}
		m.metrics.observe(string(env.Op), start, err)
		return nil, err
	}
	defer release()

	res, err := m.executeWithRetry(ctx, env)
	if err != nil {
		var opErr *OpError
		if !errors.As(err, &opErr) {
			err = &OpError{Op: string(env.Op), RecordID: env.Subject, Err: err}
		}
	}
	m.metrics.observe(string(env.Op), start, err)
	return res, err
}

// indexAttempts bounds how often an envelope is rerun when the index is
// busy. Index write errors happen before step 6, with files restored, so a
// rerun starts from the same state.
const indexAttempts = 3

func (m *Manager) executeWithRetry(ctx context.Context, env *Envelope) (*Result, error) {
	delay := m.retryDelay
	for attempt := 1; ; attempt++ {
		res, err := m.execute(ctx, env)
		var iw *IndexWriteError
		if err == nil || attempt == indexAttempts || !errors.As(err, &iw) || !index.IsBusy(iw.Err) {
			return res, err
		}
		m.logger.Printf("envelope %s: index busy, attempt %d: %v", env.ID, attempt, err)
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (m *Manager) execute(ctx context.Context, env *Envelope) (*Result, error) {
	// Step 1: pre-check
	head, err := m.vcs.GetCommitHash(ctx, "HEAD")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoHistory, err)
	}
	if err := m.preCheck(ctx, env.AllowDirty); err != nil {
		return nil, err
	}

	// Step 2: begin index transaction and plan the file effects
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return nil, &IndexWriteError{Err: err}
	}
	txOpen := true
	defer func() {
		if txOpen {
			_ = tx.Rollback()
		}
	}()

	var writes []FileWrite
	if env.Prepare != nil {
		writes, err = env.Prepare(ctx, tx)
		if err != nil {
			return nil, err
		}
	}

	// Step 3: file effects
	var pres []*document.PreImage
	restoreFiles := func() {
		for i := len(pres) - 1; i >= 0; i-- {
			if rerr := pres[i].Restore(); rerr != nil {
				m.logger.Printf("envelope %s: failed to restore %s: %v", env.ID, pres[i].Path, rerr)
			}
		}
	}
	if err := m.fault(StepWriteFiles); err != nil {
		return nil, err
	}
	for _, w := range writes {
		abs := m.layout.Abs(w.Path)
		pre, err := document.Capture(abs)
		if err != nil {
			restoreFiles()
			return nil, err
		}
		pres = append(pres, pre)
		if w.Delete {
			err = os.Remove(abs)
			if os.IsNotExist(err) {
				err = nil
			}
		} else {
			err = document.WriteFile(abs, w.Data)
		}
		if err != nil {
			restoreFiles()
			return nil, err
		}
	}

	// Step 4: index effect
	fx := newEffects(tx, env, m.now())
	if err := m.fault(StepIndexEffect); err != nil {
		if !errors.Is(err, ErrInterrupted) {
			restoreFiles()
		}
		return nil, &IndexWriteError{Err: err}
	}
	if env.Apply != nil {
		if err := env.Apply(ctx, fx); err != nil {
			restoreFiles()
			return nil, &IndexWriteError{Err: err}
		}
	}

	// Step 5: index commit
	if err := m.fault(StepIndexCommit); err != nil {
		if !errors.Is(err, ErrInterrupted) {
			restoreFiles()
		}
		return nil, &IndexWriteError{Err: err}
	}
	txOpen = false
	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback()
		restoreFiles()
		return nil, &IndexWriteError{Err: err}
	}

	// Step 6: one commit for everything
	commit, err := m.commit(ctx, env)
	if err != nil {
		if errors.Is(err, ErrInterrupted) {
			return nil, &CommitError{Err: err}
		}
		return nil, m.rollbackCommitted(ctx, env, fx, head, restoreFiles, err)
	}

	// Step 7: attach the commit id
	if err := m.attach(ctx, env, fx, commit); err != nil {
		if errors.Is(err, ErrInterrupted) {
			return nil, &CommitError{Err: err}
		}
		return nil, m.rollbackCommitted(ctx, env, fx, head, restoreFiles, err)
	}

	res := &Result{EnvelopeID: env.ID, CommitID: commit}
	ids := make([]string, 0, len(fx.records))
	for id := range fx.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		rec := fx.records[id].Clone()
		rec.CommitID = commit
		res.Records = append(res.Records, rec)
	}
	for _, e := range fx.entries {
		e.CommitID = commit
		res.Entries = append(res.Entries, e)
	}

	m.publish(env, res)
	return res, nil
}

func (m *Manager) preCheck(ctx context.Context, allowed []string) error {
	status, err := m.vcs.Status(ctx)
	if err != nil {
		return err
	}
	ok := make(map[string]bool, len(allowed))
	for _, p := range allowed {
		ok[p] = true
	}
	var dirty []string
	for _, fs := range status {
		if fs.Effective() == vcs.StatusIgnored || ok[fs.Path] {
			continue
		}
		dirty = append(dirty, fs.Path)
	}
	if len(dirty) > 0 {
		return &DirtyWorkingTreeError{Paths: dirty}
	}
	return nil
}

func (m *Manager) commit(ctx context.Context, env *Envelope) (string, error) {
	if err := m.fault(StepCommit); err != nil {
		return "", err
	}
	if err := m.vcs.StageAll(ctx); err != nil {
		return "", err
	}
	msg := history.Message{
		Op:       env.Op,
		Subject:  env.Subject,
		Summary:  env.Summary,
		Envelope: env.ID,
		Actor:    env.Actor,
	}
	return m.vcs.Commit(ctx, vcs.CommitOptions{Message: msg.Format(), AllowEmpty: env.AllowEmpty})
}

func (m *Manager) attach(ctx context.Context, env *Envelope, fx *Effects, commit string) error {
	var err error
	delay := m.retryDelay
	for attempt := 0; attempt < m.attachRetries; attempt++ {
		if err = m.fault(StepAttach); err != nil {
			if errors.Is(err, ErrInterrupted) {
				return err
			}
		} else {
			err = m.db.RunInTx(ctx, func(tx *index.Tx) error {
				if _, err := tx.AttachCommit(ctx, env.ID, commit); err != nil {
					return err
				}
				for id := range fx.records {
					if err := tx.SetCommit(ctx, id, commit); err != nil {
						return err
					}
				}
				return nil
			})
			if err == nil {
				return nil
			}
		}
		m.logger.Printf("envelope %s: attach attempt %d failed: %v", env.ID, attempt+1, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// rollbackCommitted undoes an envelope whose index transaction committed
// but whose git commit failed or could not be attached. The reset drops
// the staged changes and any new commit; restoring the pre-images then
// brings back files that were dirty before the envelope (repairs only).
func (m *Manager) rollbackCommitted(ctx context.Context, env *Envelope, fx *Effects, head string, restoreFiles func(), cause error) error {
	// Background context: compensation must run even if ctx was canceled
	bg := context.WithoutCancel(ctx)

	needsCheck := false
	if err := fx.compensate(bg, m.db); err != nil {
		m.logger.Printf("envelope %s: index compensation failed: %v", env.ID, err)
		needsCheck = true
	}
	if err := m.vcs.ResetHard(bg, head); err != nil {
		m.logger.Printf("envelope %s: reset to %s failed: %v", env.ID, head, err)
		needsCheck = true
	}
	restoreFiles()

	return &OpError{
		Op:         string(env.Op),
		RecordID:   env.Subject,
		Err:        &CommitError{Err: cause, Compensated: !needsCheck},
		NeedsCheck: needsCheck,
	}
}

func (m *Manager) publish(env *Envelope, res *Result) {
	if m.publisher == nil {
		return
	}
	for _, e := range res.Entries {
		m.publisher.Publish(Event{
			EnvelopeID: env.ID,
			Operation:  e.Operation,
			RecordID:   e.RecordID,
			PrevState:  e.PrevState,
			NewState:   e.NewState,
			CommitID:   res.CommitID,
			Actor:      e.Actor,
			At:         e.Timestamp,
		})
	}
}

// record looks up a record inside a transaction, mapping absence to
// ErrRecordNotFound.
func record(ctx context.Context, tx *index.Tx, id string) (*types.WorkItemRecord, error) {
	rec, err := tx.GetRecord(ctx, id)
	if errors.Is(err, index.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return rec, err
}
