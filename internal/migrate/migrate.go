// Package migrate brings a project whose work items exist only as documents
// under the state layer.
//
// A run works on its own branch, state-migration/<run>, created from HEAD.
// It has four phases, each committed through the transactional manager and
// recorded as a checkpoint:
//
//  1. schema: create the index tables if absent
//  2. epic backfill: register features and epics
//  3. story backfill: register stories, inferring their state from history
//  4. validation: compare documents and index rows, warnings only
//
// Every phase rewrites the tracked manifest (docs/.migration.json) so each
// phase commit carries its own progress and a run can resume after the last
// completed phase. Merging the branch is left to the operator.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaywork/workstate/internal/document"
	"github.com/relaywork/workstate/internal/history"
	"github.com/relaywork/workstate/internal/index"
	"github.com/relaywork/workstate/internal/txn"
	"github.com/relaywork/workstate/internal/types"
	"github.com/relaywork/workstate/internal/vcs"
)

// DefaultBranchPrefix prefixes migration branches.
const DefaultBranchPrefix = "state-migration/"

// LastPhase is the validation phase.
const LastPhase = 4

var phaseNames = map[int]string{
	1: "schema",
	2: "epic backfill",
	3: "story backfill",
	4: "validation",
}

// PhaseName returns the human name of a phase.
func PhaseName(phase int) string {
	if n, ok := phaseNames[phase]; ok {
		return n
	}
	return fmt.Sprintf("phase %d", phase)
}

// Options configures a Coordinator.
type Options struct {
	BranchPrefix  string
	RecencyWindow time.Duration
	Actor         string
	Logger        *log.Logger
	Now           func() time.Time

	// BeforePhase is called before each phase starts; an error fails the
	// phase. Tests use it to stop a run part-way.
	BeforePhase func(phase int) error
}

// Coordinator runs migrations through a transactional manager.
type Coordinator struct {
	mgr    *txn.Manager
	vcs    vcs.VCS
	db     *index.DB
	layout document.Layout

	prefix      string
	actor       string
	inferrer    *history.Inferrer
	logger      *log.Logger
	now         func() time.Time
	beforePhase func(int) error
}

// New returns a coordinator writing through mgr.
func New(mgr *txn.Manager, opts Options) *Coordinator {
	c := &Coordinator{
		mgr:         mgr,
		vcs:         mgr.VCS(),
		db:          mgr.Index(),
		layout:      mgr.Layout(),
		prefix:      opts.BranchPrefix,
		actor:       opts.Actor,
		logger:      opts.Logger,
		now:         opts.Now,
		beforePhase: opts.BeforePhase,
	}
	if c.prefix == "" {
		c.prefix = DefaultBranchPrefix
	}
	if c.actor == "" {
		c.actor = "migration"
	}
	if c.logger == nil {
		c.logger = log.New(os.Stderr, "[migrate] ", log.LstdFlags)
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.inferrer = history.NewInferrer(c.vcs)
	c.inferrer.Now = c.now
	if opts.RecencyWindow > 0 {
		c.inferrer.RecencyWindow = opts.RecencyWindow
	}
	return c
}

// Branch returns the branch name of a run.
func (c *Coordinator) Branch(runID string) string {
	return c.prefix + runID
}

// PhaseResult describes one phase completed by a run.
type PhaseResult struct {
	Phase    int
	Name     string
	Rows     int
	CommitID string
	Sources  map[string]int
}

// Result summarises a Run.
type Result struct {
	RunID  string
	Branch string

	// UpToDate is set when there was nothing to migrate; no branch or
	// commit was created.
	UpToDate bool

	// Resumed is set when the run continued an earlier, unfinished run.
	Resumed bool

	Phases []PhaseResult

	// Inferences holds the state inference of every backfilled record
	Inferences map[string]history.Inference

	Warnings []string
}

// Commits returns the number of commits the run created.
func (r *Result) Commits() int {
	return len(r.Phases)
}

// CountSources tallies the inference sources of backfilled records of kind k.
func (r *Result) CountSources(k types.Kind) map[string]int {
	out := make(map[string]int)
	for id, inf := range r.Inferences {
		if kind, _, err := types.ParseRecordID(id); err == nil && kind == k {
			out[inf.Source()]++
		}
	}
	return out
}

// Run migrates the project. On an unfinished migration branch it resumes
// after the last completed phase; when every document is already
// registered it returns an UpToDate result without touching git.
func (c *Coordinator) Run(ctx context.Context) (*Result, error) {
	res := &Result{Inferences: make(map[string]history.Inference)}

	man, err := c.resumable(ctx)
	if err != nil {
		return nil, err
	}
	fresh := man == nil
	if fresh {
		plan, err := c.Plan(ctx, false)
		if err != nil {
			return nil, err
		}
		if plan.UpToDate() {
			res.UpToDate = true
			return res, nil
		}
		man, err = c.start(ctx)
		if err != nil {
			return nil, err
		}
	} else {
		res.Resumed = true
		if err := c.reconcileCheckpoints(ctx, man); err != nil {
			return nil, err
		}
		c.logger.Printf("resuming run %s after phase %d", man.RunID, man.LastPhase())
	}
	res.RunID, res.Branch = man.RunID, man.Branch

	for phase := man.LastPhase() + 1; phase <= LastPhase; phase++ {
		next, pr, err := c.runPhase(ctx, man, phase, res)
		if err != nil {
			if fresh && phase == 1 {
				c.abandon(ctx, man)
			}
			return res, &MigrationPhaseError{RunID: man.RunID, Phase: phase, LastGood: phase - 1, Err: err}
		}
		man = next
		res.Phases = append(res.Phases, *pr)
		c.logger.Printf("run %s: phase %d (%s) committed %s, %d rows",
			man.RunID, phase, PhaseName(phase), shortHash(pr.CommitID), pr.Rows)
	}
	res.Warnings = man.Warnings
	return res, nil
}

// resumable returns the manifest of the checked-out migration branch when
// its run is unfinished.
func (c *Coordinator) resumable(ctx context.Context) (*document.Manifest, error) {
	cur, err := c.vcs.CurrentRef(ctx)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(cur, c.prefix) {
		return nil, nil
	}
	man, err := c.layout.ReadManifest()
	if err != nil || man == nil {
		return nil, err
	}
	if man.Completed || man.Branch != cur {
		return nil, nil
	}
	return man, nil
}

// start creates and checks out the branch of a new run.
func (c *Coordinator) start(ctx context.Context) (*document.Manifest, error) {
	if err := c.mgr.CheckClean(ctx); err != nil {
		return nil, err
	}
	base, err := c.vcs.GetCommitHash(ctx, "HEAD")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", txn.ErrNoHistory, err)
	}
	origin, err := c.vcs.CurrentRef(ctx)
	if err != nil {
		return nil, err
	}

	runID := strings.SplitN(uuid.NewString(), "-", 2)[0]
	branch := c.Branch(runID)
	if err := c.vcs.CreateRef(ctx, branch, base); err != nil {
		return nil, err
	}
	if err := c.vcs.Checkout(ctx, branch); err != nil {
		_ = c.vcs.DeleteRef(ctx, branch)
		return nil, err
	}
	c.logger.Printf("run %s: started on %s from %s", runID, branch, shortHash(base))

	return &document.Manifest{
		Version:   document.ManifestVersion,
		RunID:     runID,
		Branch:    branch,
		Origin:    origin,
		Base:      base,
		StartedAt: c.now().UTC(),
	}, nil
}

// abandon returns to the origin branch and deletes a run that produced no
// commit.
func (c *Coordinator) abandon(ctx context.Context, man *document.Manifest) {
	bg := context.WithoutCancel(ctx)
	target := man.Origin
	if target == "" {
		target = man.Base
	}
	if err := c.vcs.Checkout(bg, target); err != nil {
		c.logger.Printf("run %s: failed to return to %s: %v", man.RunID, target, err)
		return
	}
	if err := c.vcs.DeleteRef(bg, man.Branch); err != nil {
		c.logger.Printf("run %s: failed to delete %s: %v", man.RunID, man.Branch, err)
	}
}

// reconcileCheckpoints writes checkpoints for phases the manifest records
// but the index does not, which happens when the process stopped between a
// phase commit and its checkpoint.
func (c *Coordinator) reconcileCheckpoints(ctx context.Context, man *document.Manifest) error {
	ok, err := c.db.HasSchema(ctx)
	if err != nil || !ok {
		return err
	}
	cps, err := c.db.Checkpoints(ctx, man.RunID)
	if err != nil {
		return err
	}
	have := make(map[int]bool, len(cps))
	for _, cp := range cps {
		have[cp.Phase] = true
	}
	for _, p := range man.Phases {
		if have[p.Phase] {
			continue
		}
		commits, err := c.vcs.Log(ctx, vcs.LogQuery{Grep: phaseGrep(p.Phase), Limit: 1})
		if err != nil {
			return err
		}
		if len(commits) == 0 {
			return fmt.Errorf("manifest records phase %d but no phase commit exists", p.Phase)
		}
		err = c.db.PutCheckpoint(ctx, &types.MigrationCheckpoint{
			RunID:         man.RunID,
			Phase:         p.Phase,
			CommitID:      commits[0].Hash,
			RowsProcessed: p.Rows,
			CreatedAt:     p.CompletedAt,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func phaseGrep(phase int) string {
	return fmt.Sprintf("%s(%s-%d):", history.OpMigrate, history.PhaseSubject, phase)
}

// Checkpoints returns the checkpoints of a run; empty when the index has no
// schema.
func (c *Coordinator) Checkpoints(ctx context.Context, runID string) ([]types.MigrationCheckpoint, error) {
	ok, err := c.db.HasSchema(ctx)
	if err != nil || !ok {
		return nil, err
	}
	return c.db.Checkpoints(ctx, runID)
}

// manifestAt reads the manifest committed at the tip of branch.
func (c *Coordinator) manifestAt(ctx context.Context, branch string) (*document.Manifest, error) {
	data, err := c.vcs.ExtractFileFromRef(ctx, branch, c.layout.ManifestPath())
	if err != nil {
		return nil, nil
	}
	return document.ParseManifest(data)
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

// getter is satisfied by both *index.DB and *index.Tx.
type getter interface {
	GetRecord(ctx context.Context, id string) (*types.WorkItemRecord, error)
}

func registered(ctx context.Context, g getter, id string) (bool, error) {
	_, err := g.GetRecord(ctx, id)
	if isNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func isNotFound(err error) bool {
	return errors.Is(err, index.ErrNotFound)
}
