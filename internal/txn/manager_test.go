package txn

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaywork/workstate/internal/document"
	"github.com/relaywork/workstate/internal/history"
	"github.com/relaywork/workstate/internal/index"
	"github.com/relaywork/workstate/internal/types"
	"github.com/relaywork/workstate/internal/vcs"
	"github.com/relaywork/workstate/internal/vcs/git"
)

type fixture struct {
	root   string
	vcs    vcs.VCS
	db     *index.DB
	layout document.Layout
	mgr    *Manager
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	root := t.TempDir()
	runGit(t, root, "init", "-q", "-b", "main")
	runGit(t, root, "config", "user.name", "Test User")
	runGit(t, root, "config", "user.email", "test@example.com")
	runGit(t, root, "config", "commit.gpgsign", "false")
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("# project\n"), 0644))
	runGit(t, root, "add", "README.md")
	runGit(t, root, "commit", "-q", "-m", "initial")

	v, err := git.New(root)
	require.NoError(t, err)

	db, err := index.Open(filepath.Join(root, StateDir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.InitSchema())

	layout := document.NewLayout(root, "docs")
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	mgr, err := New(v, db, layout, opts)
	require.NoError(t, err)

	return &fixture{root: root, vcs: v, db: db, layout: layout, mgr: mgr}
}

func (f *fixture) head(t *testing.T) string {
	t.Helper()
	h, err := f.vcs.GetCommitHash(context.Background(), "HEAD")
	require.NoError(t, err)
	return h
}

func (f *fixture) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(f.layout.Abs(rel))
	require.NoError(t, err)
	return string(data)
}

func (f *fixture) clean(t *testing.T) bool {
	t.Helper()
	ok, err := f.vcs.IsClean(context.Background())
	require.NoError(t, err)
	return ok
}

func (f *fixture) seedStory(t *testing.T) *types.WorkItemRecord {
	t.Helper()
	ctx := context.Background()
	_, err := f.mgr.CreateRecord(ctx, types.KindEpic, "", "Accounts", "")
	require.NoError(t, err)
	story, err := f.mgr.CreateRecord(ctx, types.KindStory, "epic-1", "Add login form", "Email and password.")
	require.NoError(t, err)
	return story
}

func TestCreateTransitionComplete(t *testing.T) {
	f := newFixture(t, Options{Actor: "dev-1"})
	ctx := context.Background()

	feature, err := f.mgr.CreateRecord(ctx, types.KindFeature, "", "User Accounts", "")
	require.NoError(t, err)
	assert.Equal(t, "feature-user-accounts", feature.ID)
	assert.Equal(t, types.StateProposed, feature.State)

	epic, err := f.mgr.CreateRecord(ctx, types.KindEpic, feature.ID, "Login", "")
	require.NoError(t, err)
	assert.Equal(t, "epic-1", epic.ID)

	story, err := f.mgr.CreateRecord(ctx, types.KindStory, epic.ID, "Add login form", "Email and password.",
		WithMetadata(map[string]string{"points": "3"}))
	require.NoError(t, err)
	assert.Equal(t, "story-1.1", story.ID)
	assert.Equal(t, "docs/stories/story-1.1.md", story.FilePath)
	assert.Equal(t, f.head(t), story.CommitID)
	assert.True(t, f.clean(t))

	commits, err := f.vcs.Log(ctx, vcs.LogQuery{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, "create(story-1.1): Add login form", commits[0].Subject)
	msg, ok := history.Parse(commits[0].Subject, commits[0].Body)
	require.True(t, ok)
	assert.Equal(t, "dev-1", msg.Actor)
	assert.NotEmpty(t, msg.Envelope)

	_, err = f.mgr.TransitionState(ctx, story.ID, types.StateInProgress)
	require.NoError(t, err)
	_, err = f.mgr.TransitionState(ctx, story.ID, types.StateInReview, WithActor("qa-1"))
	require.NoError(t, err)
	done, err := f.mgr.CompleteRecord(ctx, story.ID, "Shipped behind a flag.")
	require.NoError(t, err)
	assert.Equal(t, types.StateDone, done.State)
	assert.Equal(t, "3", done.Metadata["points"])

	commits, err = f.vcs.Log(ctx, vcs.LogQuery{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, "complete(story-1.1): in-review -> done", commits[0].Subject)

	doc, err := f.layout.ReadRel(story.FilePath)
	require.NoError(t, err)
	state, _ := doc.State(types.KindStory)
	assert.Equal(t, types.StateDone, state)
	assert.Equal(t, "Shipped behind a flag.", doc.Body)

	entries, err := f.db.AuditFor(ctx, story.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	for _, e := range entries {
		assert.NotEmpty(t, e.CommitID, "entry %d left unattached", e.Seq)
	}
	assert.Equal(t, "qa-1", entries[1].Actor)
	assert.Equal(t, 4, entries[0].RecordSeq)

	pending, err := f.db.Unattached(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRejectedOperations(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	story := f.seedStory(t)
	head := f.head(t)

	_, err := f.mgr.TransitionState(ctx, story.ID, types.StateDone)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.mgr.TransitionState(ctx, story.ID, types.StateDraft)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.mgr.TransitionState(ctx, story.ID, types.StateActive)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.mgr.TransitionState(ctx, "story-9.9", types.StateInProgress)
	assert.ErrorIs(t, err, ErrRecordNotFound)

	_, err = f.mgr.CreateRecord(ctx, types.KindStory, "", "Orphan", "")
	assert.Error(t, err)

	_, err = f.mgr.CreateRecord(ctx, types.KindStory, "epic-7", "Missing parent", "")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "create", opErr.Op)
	assert.False(t, NeedsConsistencyCheck(err))

	assert.Equal(t, head, f.head(t))
	assert.True(t, f.clean(t))
}

func TestDirtyWorkingTree(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	story := f.seedStory(t)

	require.NoError(t, os.WriteFile(filepath.Join(f.root, "scratch.txt"), []byte("x"), 0644))

	_, err := f.mgr.TransitionState(ctx, story.ID, types.StateInProgress)
	var dirty *DirtyWorkingTreeError
	require.ErrorAs(t, err, &dirty)
	assert.Equal(t, []string{"scratch.txt"}, dirty.Paths)
	assert.ErrorIs(t, err, vcs.ErrDirtyWorkspace)

	rec, err := f.mgr.Get(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateDraft, rec.State)
}

// snapshot captures everything an envelope may touch.
type snapshot struct {
	head    string
	file    string
	exists  bool
	state   types.State
	found   bool
	entries int
	clean   bool
}

func (f *fixture) snapshot(t *testing.T, id, path string) snapshot {
	t.Helper()
	ctx := context.Background()
	s := snapshot{head: f.head(t), clean: f.clean(t)}
	if data, err := os.ReadFile(f.layout.Abs(path)); err == nil {
		s.file, s.exists = string(data), true
	}
	if rec, err := f.db.GetRecord(ctx, id); err == nil {
		s.state, s.found = rec.State, true
	}
	entries, err := f.db.AuditFor(ctx, id, 0)
	require.NoError(t, err)
	s.entries = len(entries)
	return s
}

func TestTransitionAtomicity(t *testing.T) {
	for _, step := range []Step{StepWriteFiles, StepIndexEffect, StepIndexCommit, StepCommit, StepAttach} {
		t.Run(step.String(), func(t *testing.T) {
			f := newFixture(t, Options{AttachRetries: 2})
			ctx := context.Background()
			story := f.seedStory(t)
			before := f.snapshot(t, story.ID, story.FilePath)

			boom := errors.New("injected failure")
			f.mgr.SetFaults(func(s Step) error {
				if s == step {
					return boom
				}
				return nil
			})

			_, err := f.mgr.TransitionState(ctx, story.ID, types.StateInProgress)
			require.Error(t, err)
			assert.ErrorIs(t, err, boom)
			assert.False(t, NeedsConsistencyCheck(err))

			after := f.snapshot(t, story.ID, story.FilePath)
			assert.Equal(t, before, after)

			// The next attempt succeeds from the untouched pre-state
			f.mgr.SetFaults(nil)
			rec, err := f.mgr.TransitionState(ctx, story.ID, types.StateInProgress)
			require.NoError(t, err)
			assert.Equal(t, types.StateInProgress, rec.State)
		})
	}
}

func TestCreateAtomicity(t *testing.T) {
	for _, step := range []Step{StepWriteFiles, StepIndexEffect, StepIndexCommit, StepCommit, StepAttach} {
		t.Run(step.String(), func(t *testing.T) {
			f := newFixture(t, Options{AttachRetries: 1})
			ctx := context.Background()
			_, err := f.mgr.CreateRecord(ctx, types.KindEpic, "", "Accounts", "")
			require.NoError(t, err)
			before := f.snapshot(t, "story-1.1", "docs/stories/story-1.1.md")

			f.mgr.SetFaults(func(s Step) error {
				if s == step {
					return errors.New("injected failure")
				}
				return nil
			})
			_, err = f.mgr.CreateRecord(ctx, types.KindStory, "epic-1", "Add login form", "")
			require.Error(t, err)

			after := f.snapshot(t, "story-1.1", "docs/stories/story-1.1.md")
			assert.Equal(t, before, after)
			assert.False(t, after.exists)
			assert.False(t, after.found)
		})
	}
}

func TestIndexWriteErrorIsRetryable(t *testing.T) {
	f := newFixture(t, Options{})
	story := f.seedStory(t)

	f.mgr.SetFaults(func(s Step) error {
		if s == StepIndexCommit {
			return errors.New("disk full")
		}
		return nil
	})
	_, err := f.mgr.TransitionState(context.Background(), story.ID, types.StateInProgress)

	var iw *IndexWriteError
	require.ErrorAs(t, err, &iw)
	assert.True(t, IsRetryable(err))
}

func TestBusyIndexIsRetried(t *testing.T) {
	f := newFixture(t, Options{})
	story := f.seedStory(t)
	head := f.head(t)

	var commits int
	f.mgr.SetFaults(func(s Step) error {
		if s != StepIndexCommit {
			return nil
		}
		commits++
		if commits == 1 {
			return errors.New("database is locked")
		}
		return nil
	})
	rec, err := f.mgr.TransitionState(context.Background(), story.ID, types.StateInProgress)
	require.NoError(t, err)
	assert.Equal(t, 2, commits)
	assert.Equal(t, types.StateInProgress, rec.State)
	assert.Equal(t, head, runGit(t, f.root, "rev-parse", "HEAD~1"))
}

func TestBusyIndexGivesUp(t *testing.T) {
	f := newFixture(t, Options{})
	story := f.seedStory(t)
	head := f.head(t)

	var commits int
	f.mgr.SetFaults(func(s Step) error {
		if s == StepIndexCommit {
			commits++
			return errors.New("database is locked")
		}
		return nil
	})
	_, err := f.mgr.TransitionState(context.Background(), story.ID, types.StateInProgress)

	var iw *IndexWriteError
	require.ErrorAs(t, err, &iw)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, indexAttempts, commits)
	assert.Equal(t, head, f.head(t))
}

func TestInterruptedBeforeCommitLeavesDrift(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	story := f.seedStory(t)
	head := f.head(t)

	f.mgr.SetFaults(func(s Step) error {
		if s == StepCommit {
			return ErrInterrupted
		}
		return nil
	})
	_, err := f.mgr.TransitionState(ctx, story.ID, types.StateInProgress)
	require.ErrorIs(t, err, ErrInterrupted)

	// No compensation ran: the document is dirty and the index moved on
	assert.Equal(t, head, f.head(t))
	assert.False(t, f.clean(t))
	rec, err := f.mgr.Get(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateInProgress, rec.State)

	f.mgr.SetFaults(nil)
	report, err := f.mgr.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, report.Pending, 1)
	assert.Empty(t, report.Attached)
	assert.Empty(t, report.Compensated)

	// Recover never commits on behalf of the interrupted caller
	assert.Equal(t, head, f.head(t))
}

func TestRecoverAttachesCommittedEnvelope(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	story := f.seedStory(t)

	f.mgr.SetFaults(func(s Step) error {
		if s == StepAttach {
			return ErrInterrupted
		}
		return nil
	})
	_, err := f.mgr.TransitionState(ctx, story.ID, types.StateInProgress)
	require.ErrorIs(t, err, ErrInterrupted)

	pending, err := f.db.Unattached(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	f.mgr.SetFaults(nil)
	report, err := f.mgr.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{pending[0].EnvelopeID}, report.Attached)

	rec, err := f.mgr.Get(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, f.head(t), rec.CommitID)

	pending, err = f.db.Unattached(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	again, err := f.mgr.Recover(ctx)
	require.NoError(t, err)
	assert.True(t, again.Empty())
}

func TestRecoverCompensatesDiscardedEnvelope(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	story := f.seedStory(t)

	f.mgr.SetFaults(func(s Step) error {
		if s == StepCommit {
			return ErrInterrupted
		}
		return nil
	})
	_, err := f.mgr.TransitionState(ctx, story.ID, types.StateInProgress)
	require.ErrorIs(t, err, ErrInterrupted)
	f.mgr.SetFaults(nil)

	// Someone discards the half-written document by hand
	runGit(t, f.root, "checkout", "--", story.FilePath)

	report, err := f.mgr.Recover(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Compensated, 1)

	rec, err := f.mgr.Get(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateDraft, rec.State)
	entries, err := f.db.AuditFor(ctx, story.ID, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAddNote(t *testing.T) {
	f := newFixture(t, Options{Actor: "pm-1"})
	ctx := context.Background()
	story := f.seedStory(t)

	note, err := f.mgr.AddNote(ctx, story.ID, "Blocked on\nthe mail provider")
	require.NoError(t, err)
	assert.Equal(t, "pm-1", note.Actor)

	doc, err := f.layout.ReadRel(story.FilePath)
	require.NoError(t, err)
	require.Len(t, doc.Notes, 1)
	assert.Equal(t, "Blocked on the mail provider", doc.Notes[0].Text)

	notes, err := f.db.NotesFor(ctx, story.ID, 0)
	require.NoError(t, err)
	assert.Len(t, notes, 1)

	commits, err := f.vcs.Log(ctx, vcs.LogQuery{Limit: 1})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(commits[0].Subject, "note(story-1.1): "))

	_, err = f.mgr.AddNote(ctx, story.ID, "   ")
	assert.Error(t, err)
}

func TestFailFastLock(t *testing.T) {
	f := newFixture(t, Options{LockPolicy: PolicyFailFast})
	story := f.seedStory(t)

	release, err := f.mgr.lock.Acquire(context.Background())
	require.NoError(t, err)

	_, err = f.mgr.TransitionState(context.Background(), story.ID, types.StateInProgress)
	assert.ErrorIs(t, err, ErrBusy)
	assert.True(t, IsRetryable(err))

	release()
	_, err = f.mgr.TransitionState(context.Background(), story.ID, types.StateInProgress)
	assert.NoError(t, err)
}

func TestConcurrentWritersSerialise(t *testing.T) {
	f := newFixture(t, Options{LockPolicy: PolicyWait, LockTimeout: time.Minute})
	ctx := context.Background()
	_, err := f.mgr.CreateRecord(ctx, types.KindEpic, "", "Accounts", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.mgr.CreateRecord(ctx, types.KindStory, "epic-1", "Story", "")
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}

	stories, err := f.db.ListRecords(ctx, index.Filter{Kind: types.KindStory})
	require.NoError(t, err)
	assert.Len(t, stories, 5)
	assert.True(t, f.clean(t))
}

func TestEventsAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	var mu sync.Mutex
	var events []Event
	f := newFixture(t, Options{
		Metrics: metrics,
		Publisher: PublisherFunc(func(e Event) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, e)
		}),
	})
	story := f.seedStory(t)
	_, err := f.mgr.TransitionState(context.Background(), story.ID, types.StateInProgress)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	last := events[2]
	assert.Equal(t, story.ID, last.RecordID)
	assert.Equal(t, types.StateDraft, last.PrevState)
	assert.Equal(t, types.StateInProgress, last.NewState)
	assert.Equal(t, f.head(t), last.CommitID)

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.envelopes.WithLabelValues("create", "committed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.envelopes.WithLabelValues("transition", "committed")))
}
