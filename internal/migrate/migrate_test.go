package migrate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaywork/workstate/internal/document"
	"github.com/relaywork/workstate/internal/history"
	"github.com/relaywork/workstate/internal/index"
	wstest "github.com/relaywork/workstate/internal/testutil"
	"github.com/relaywork/workstate/internal/txn"
	"github.com/relaywork/workstate/internal/types"
	"github.com/relaywork/workstate/internal/vcs/git"
)

type env struct {
	root string
	db   *index.DB
	mgr  *txn.Manager
}

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func openEnv(t *testing.T, root string) *env {
	t.Helper()
	v, err := git.New(root)
	require.NoError(t, err)
	db, err := index.Open(filepath.Join(root, txn.StateDir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	mgr, err := txn.New(v, db, document.NewLayout(root, "docs"), txn.Options{Logger: quiet()})
	require.NoError(t, err)
	return &env{root: root, db: db, mgr: mgr}
}

func (e *env) coordinator(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = quiet()
	}
	return New(e.mgr, opts)
}

func (e *env) states(t *testing.T) map[string]types.State {
	t.Helper()
	recs, err := e.db.ListRecords(context.Background(), index.Filter{})
	require.NoError(t, err)
	out := make(map[string]types.State, len(recs))
	for _, r := range recs {
		out[r.ID] = r.State
	}
	return out
}

func head(t *testing.T, root string) string {
	return wstest.Git(t, root, "rev-parse", "HEAD")
}

// legacyBacklog writes one epic and ten stories without front matter.
// Stories 1.1 to 1.8 get a follow-up commit whose message names a
// transition; 1.9 and 1.10 only appear in the import commit.
func legacyBacklog(t *testing.T, root string) map[string]types.State {
	t.Helper()
	wstest.WriteFile(t, root, "docs/epics/epic-1.md", "# Epic 1: Accounts\n\nEverything about signing in.\n")
	for i := 1; i <= 10; i++ {
		wstest.WriteFile(t, root, fmt.Sprintf("docs/stories/story-1.%d.md", i),
			fmt.Sprintf("# Story 1.%d: Item %d\n\nAcceptance criteria.\n", i, i))
	}
	wstest.CommitAll(t, root, "import backlog")

	messages := []struct {
		msg  string
		want types.State
	}{
		{"Start login form", types.StateInProgress},
		{"Finished password reset", types.StateDone},
		{"Session store ready for review", types.StateInReview},
		{"WIP on remember-me", types.StateInProgress},
		{"Completed logout", types.StateDone},
		{"Implement lockout", types.StateInProgress},
		{"Closes audit trail", types.StateDone},
		{"Drafted SSO notes", types.StateDraft},
	}
	want := make(map[string]types.State)
	for i, m := range messages {
		rel := fmt.Sprintf("docs/stories/story-1.%d.md", i+1)
		wstest.WriteFile(t, root, rel, wstest.ReadFile(t, root, rel)+"\nUpdated.\n")
		wstest.CommitAll(t, root, m.msg)
		want[fmt.Sprintf("story-1.%d", i+1)] = m.want
	}
	return want
}

func TestRunBackfillsLegacyProject(t *testing.T) {
	ctx := context.Background()
	root := wstest.NewRepo(t)
	want := legacyBacklog(t, root)
	mainHead := head(t, root)

	e := openEnv(t, root)
	res, err := e.coordinator(Options{}).Run(ctx)
	require.NoError(t, err)

	assert.False(t, res.UpToDate)
	assert.Equal(t, 4, res.Commits())
	assert.Equal(t, map[string]int{"commit": 8, "recency": 2}, res.CountSources(types.KindStory))
	assert.Equal(t, map[string]int{"default": 1}, res.CountSources(types.KindEpic))
	assert.Empty(t, res.Warnings, "validation must be clean")

	for _, id := range []string{"story-1.9", "story-1.10"} {
		inf, ok := res.Inferences[id].(history.InferredFromRecency)
		require.True(t, ok, "%s should fall back to recency", id)
		assert.Equal(t, types.StateInProgress, inf.Value)
	}

	states := e.states(t)
	for id, s := range want {
		assert.Equal(t, s, states[id], id)
	}
	assert.Equal(t, types.StateInProgress, states["epic-1"])
	assert.Len(t, states, 11)

	// The default branch is untouched; work lands on the run branch.
	assert.Equal(t, mainHead, wstest.Git(t, root, "rev-parse", "main"))
	assert.Equal(t, res.Branch, wstest.Git(t, root, "rev-parse", "--abbrev-ref", "HEAD"))
	assert.True(t, strings.HasPrefix(res.Branch, DefaultBranchPrefix))

	subjects := wstest.Git(t, root, "log", "--format=%s", "-n", "4")
	for phase := 1; phase <= 4; phase++ {
		assert.Contains(t, subjects, fmt.Sprintf("migrate(phase-%d): ", phase))
	}

	cps, err := e.db.Checkpoints(ctx, res.RunID)
	require.NoError(t, err)
	require.Len(t, cps, 4)
	for i, cp := range cps {
		assert.Equal(t, i+1, cp.Phase)
		assert.Equal(t, res.Phases[i].CommitID, cp.CommitID)
	}
	assert.Equal(t, 1, cps[0].RowsProcessed, "the run created the schema")

	man, err := document.NewLayout(root, "docs").ReadManifest()
	require.NoError(t, err)
	require.NotNil(t, man)
	assert.True(t, man.Completed)
	assert.Equal(t, 4, man.LastPhase())
	assert.Equal(t, "main", man.Origin)

	// Legacy documents now carry front matter with the inferred status.
	doc, err := document.Read(filepath.Join(root, "docs/stories/story-1.2.md"))
	require.NoError(t, err)
	require.NotNil(t, doc.FrontMatter)
	assert.Equal(t, "done", doc.FrontMatter.Status)
	assert.Equal(t, "epic-1", doc.FrontMatter.Parent)

	rec, err := e.db.GetRecord(ctx, "story-1.3")
	require.NoError(t, err)
	assert.Equal(t, "epic-1", rec.ParentID)
	assert.Equal(t, 3, rec.Seq)
	assert.Equal(t, "Story 1.3: Item 3", rec.Title)
	assert.Equal(t, res.Phases[2].CommitID, rec.CommitID)

	audit, err := e.db.AuditFor(ctx, "story-1.3", 0)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "migrate", audit[0].Operation)
	assert.Equal(t, res.Phases[2].CommitID, audit[0].CommitID)
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	root := wstest.NewRepo(t)
	legacyBacklog(t, root)
	e := openEnv(t, root)

	_, err := e.coordinator(Options{}).Run(ctx)
	require.NoError(t, err)
	before := e.states(t)
	beforeHead := head(t, root)
	hist, err := e.db.History(ctx, index.AuditQuery{})
	require.NoError(t, err)

	res, err := e.coordinator(Options{}).Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.UpToDate)
	assert.Zero(t, res.Commits())
	assert.Equal(t, beforeHead, head(t, root))
	assert.Equal(t, before, e.states(t))

	again, err := e.db.History(ctx, index.AuditQuery{})
	require.NoError(t, err)
	assert.Equal(t, len(hist), len(again))

	refs := wstest.Git(t, root, "branch", "--list", DefaultBranchPrefix+"*")
	assert.Equal(t, 1, len(strings.Fields(strings.ReplaceAll(refs, "*", ""))))
}

func TestRoundTripInference(t *testing.T) {
	ctx := context.Background()
	root := wstest.NewRepo(t)
	e := openEnv(t, root)

	feat, err := e.mgr.CreateRecord(ctx, types.KindFeature, "", "Payments", "")
	require.NoError(t, err)
	epic, err := e.mgr.CreateRecord(ctx, types.KindEpic, feat.ID, "Card checkout", "")
	require.NoError(t, err)
	_, err = e.mgr.TransitionState(ctx, feat.ID, types.StateActive)
	require.NoError(t, err)
	_, err = e.mgr.TransitionState(ctx, epic.ID, types.StateInProgress)
	require.NoError(t, err)

	var stories []string
	for i := 0; i < 4; i++ {
		s, err := e.mgr.CreateRecord(ctx, types.KindStory, epic.ID, fmt.Sprintf("Step %d", i), "")
		require.NoError(t, err)
		stories = append(stories, s.ID)
	}
	_, err = e.mgr.TransitionState(ctx, stories[1], types.StateInProgress)
	require.NoError(t, err)
	_, err = e.mgr.TransitionState(ctx, stories[2], types.StateInProgress)
	require.NoError(t, err)
	_, err = e.mgr.TransitionState(ctx, stories[2], types.StateInReview)
	require.NoError(t, err)
	_, err = e.mgr.AddNote(ctx, stories[2], "waiting on design")
	require.NoError(t, err)
	for _, to := range []types.State{types.StateInProgress, types.StateInReview} {
		_, err = e.mgr.TransitionState(ctx, stories[3], to)
		require.NoError(t, err)
	}
	_, err = e.mgr.CompleteRecord(ctx, stories[3], "Shipped behind a flag.")
	require.NoError(t, err)

	want := e.states(t)
	require.Len(t, want, 6)

	// Throw the index away and rebuild it from documents and history.
	require.NoError(t, e.db.Close())
	for _, suffix := range []string{"", "-wal", "-shm"} {
		_ = os.Remove(filepath.Join(root, txn.StateDir, "index.db"+suffix))
	}
	fresh := openEnv(t, root)
	res, err := fresh.coordinator(Options{}).Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, map[string]int{"commit": 4}, res.CountSources(types.KindStory))

	assert.Equal(t, want, fresh.states(t))

	rec, err := fresh.db.GetRecord(ctx, epic.ID)
	require.NoError(t, err)
	assert.Equal(t, feat.ID, rec.ParentID)
}

func TestRollbackAndResume(t *testing.T) {
	ctx := context.Background()
	root := wstest.NewRepo(t)
	legacyBacklog(t, root)
	mainHead := head(t, root)
	e := openEnv(t, root)
	c := e.coordinator(Options{})

	res, err := c.Run(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Rollback(ctx, res.RunID, 2))
	assert.Equal(t, res.Phases[1].CommitID, head(t, root))
	states := e.states(t)
	assert.Len(t, states, 1, "only the epic survives a rollback to phase 2")
	cps, err := e.db.Checkpoints(ctx, res.RunID)
	require.NoError(t, err)
	assert.Len(t, cps, 2)

	again, err := c.Run(ctx)
	require.NoError(t, err)
	assert.True(t, again.Resumed)
	assert.Equal(t, res.RunID, again.RunID)
	require.Len(t, again.Phases, 2)
	assert.Equal(t, 3, again.Phases[0].Phase)
	assert.Len(t, e.states(t), 11)

	require.NoError(t, c.Rollback(ctx, res.RunID, 0))
	assert.Equal(t, "main", wstest.Git(t, root, "rev-parse", "--abbrev-ref", "HEAD"))
	assert.Equal(t, mainHead, head(t, root))
	assert.Empty(t, wstest.Git(t, root, "branch", "--list", res.Branch))
	ok, err := e.db.HasSchema(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "the run created the schema, so discarding it drops the schema")

	err = c.Rollback(ctx, res.RunID, 1)
	assert.True(t, errors.Is(err, ErrUnknownRun))
}

func TestPhaseFailureStopsAndResumes(t *testing.T) {
	ctx := context.Background()
	root := wstest.NewRepo(t)
	legacyBacklog(t, root)
	e := openEnv(t, root)

	boom := errors.New("disk full")
	failing := e.coordinator(Options{BeforePhase: func(p int) error {
		if p == 3 {
			return boom
		}
		return nil
	}})
	_, err := failing.Run(ctx)
	var phaseErr *MigrationPhaseError
	require.True(t, errors.As(err, &phaseErr))
	assert.Equal(t, 3, phaseErr.Phase)
	assert.Equal(t, 2, phaseErr.LastGood)
	assert.True(t, errors.Is(err, boom))

	for id := range e.states(t) {
		assert.False(t, strings.HasPrefix(id, "story-"), "phase 3 must not have advanced")
	}

	// Abandoned once another branch is checked out.
	branch := wstest.Git(t, root, "rev-parse", "--abbrev-ref", "HEAD")
	wstest.Git(t, root, "checkout", "-q", "main")
	c := e.coordinator(Options{})
	abandoned, err := c.DetectAbandoned(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{branch}, abandoned)

	wstest.Git(t, root, "checkout", "-q", branch)
	res, err := c.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, 2, res.Commits())
	assert.Len(t, e.states(t), 11)

	abandoned, err = c.DetectAbandoned(ctx)
	require.NoError(t, err)
	assert.Empty(t, abandoned)

	runs, err := c.Status(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Completed())
	assert.True(t, runs[0].Current)
	assert.Equal(t, 4, runs[0].LastPhase())
}

func TestPhaseOneFailureLeavesNoBranch(t *testing.T) {
	ctx := context.Background()
	root := wstest.NewRepo(t)
	legacyBacklog(t, root)
	e := openEnv(t, root)

	_, err := e.coordinator(Options{BeforePhase: func(p int) error {
		return errors.New("refused")
	}}).Run(ctx)
	var phaseErr *MigrationPhaseError
	require.True(t, errors.As(err, &phaseErr))
	assert.Equal(t, 1, phaseErr.Phase)
	assert.Equal(t, 0, phaseErr.LastGood)

	assert.Equal(t, "main", wstest.Git(t, root, "rev-parse", "--abbrev-ref", "HEAD"))
	assert.Empty(t, wstest.Git(t, root, "branch", "--list", DefaultBranchPrefix+"*"))
}

func TestRunRejectsDirtyTree(t *testing.T) {
	ctx := context.Background()
	root := wstest.NewRepo(t)
	legacyBacklog(t, root)
	wstest.WriteFile(t, root, "scratch.txt", "unrelated edit\n")
	e := openEnv(t, root)

	_, err := e.coordinator(Options{}).Run(ctx)
	var dirty *txn.DirtyWorkingTreeError
	require.True(t, errors.As(err, &dirty))
	assert.Equal(t, []string{"scratch.txt"}, dirty.Paths)
	assert.Equal(t, "main", wstest.Git(t, root, "rev-parse", "--abbrev-ref", "HEAD"))
}

func TestPlanIsReadOnly(t *testing.T) {
	ctx := context.Background()
	root := wstest.NewRepo(t)
	legacyBacklog(t, root)
	before := head(t, root)
	e := openEnv(t, root)

	plan, err := e.coordinator(Options{}).Plan(ctx, true)
	require.NoError(t, err)
	assert.False(t, plan.SchemaPresent)
	assert.False(t, plan.UpToDate())
	require.Len(t, plan.Pending, 11)

	sources := map[string]int{}
	for _, p := range plan.Pending {
		sources[p.Source]++
	}
	assert.Equal(t, map[string]int{"default": 1, "commit": 8, "recency": 2}, sources)
	assert.Equal(t, before, head(t, root))
	ok, err := e.db.HasSchema(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
