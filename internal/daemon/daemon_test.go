package daemon

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaywork/workstate/internal/audit"
	"github.com/relaywork/workstate/internal/document"
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
	aud  *audit.Auditor
}

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func setup(t *testing.T) *env {
	t.Helper()
	root := wstest.NewRepo(t)
	v, err := git.New(root)
	require.NoError(t, err)
	db, err := index.Open(filepath.Join(root, txn.StateDir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.InitSchema())

	mgr, err := txn.New(v, db, document.NewLayout(root, "docs"), txn.Options{Logger: quiet()})
	require.NoError(t, err)
	aud, err := audit.New(mgr, audit.Options{Logger: quiet()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = aud.Close() })
	return &env{root: root, db: db, mgr: mgr, aud: aud}
}

func (e *env) create(t *testing.T, kind types.Kind, parent, title string) *types.WorkItemRecord {
	t.Helper()
	rec, err := e.mgr.CreateRecord(context.Background(), kind, parent, title, "")
	require.NoError(t, err)
	return rec
}

func testConfig(reg prometheus.Registerer) *Config {
	return &Config{
		AuditInterval:    time.Hour,
		DebounceInterval: 20 * time.Millisecond,
		PollInterval:     20 * time.Millisecond,
		Registerer:       reg,
		Logger:           quiet(),
	}
}

// run starts d in the background and stops it when the test ends.
func run(t *testing.T, d *Daemon) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})
	require.Eventually(t, func() bool { return d.LastReport() != nil }, 5*time.Second, 10*time.Millisecond)
}

func TestNewRequiresCollaborators(t *testing.T) {
	e := setup(t)
	_, err := New(nil, e.aud, nil)
	assert.Error(t, err)
	_, err = New(e.mgr, nil, nil)
	assert.Error(t, err)
}

func TestDocumentEditTriggersAudit(t *testing.T) {
	e := setup(t)
	epic := e.create(t, types.KindEpic, "", "Accounts")
	story := e.create(t, types.KindStory, epic.ID, "Login form")

	reg := prometheus.NewRegistry()
	d, err := New(e.mgr, e.aud, testConfig(reg))
	require.NoError(t, err)

	var mu sync.Mutex
	var reports []*audit.Report
	d.OnReport(func(r *audit.Report) {
		mu.Lock()
		reports = append(reports, r)
		mu.Unlock()
	})
	run(t, d)
	require.True(t, d.LastReport().Clean())

	doc := wstest.ReadFile(t, e.root, story.FilePath)
	wstest.WriteFile(t, e.root, story.FilePath, doc+"scribbles\n")

	require.Eventually(t, func() bool {
		rep := d.LastReport()
		return rep.Count(audit.UncommittedDrift) == 1
	}, 5*time.Second, 20*time.Millisecond)

	f := d.LastReport().Findings[0]
	assert.Equal(t, story.ID, f.ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(d.audits.WithLabelValues(string(TriggerStartup))))
	assert.GreaterOrEqual(t, testutil.ToFloat64(d.audits.WithLabelValues(string(TriggerDocument))), 1.0)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, len(reports), 2)
}

func TestExternalCommitIsRepaired(t *testing.T) {
	e := setup(t)
	epic := e.create(t, types.KindEpic, "", "Accounts")
	story := e.create(t, types.KindStory, epic.ID, "Password reset")

	cfg := testConfig(nil)
	cfg.AutoRepair = true
	d, err := New(e.mgr, e.aud, cfg)
	require.NoError(t, err)
	run(t, d)

	doc := wstest.ReadFile(t, e.root, story.FilePath)
	wstest.WriteFile(t, e.root, story.FilePath, strings.Replace(doc, "status: draft", "status: in-progress", 1))
	wstest.CommitAll(t, e.root, "start password reset")

	require.Eventually(t, func() bool {
		rec, err := e.db.GetRecord(context.Background(), story.ID)
		return err == nil && rec.State == types.StateInProgress
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, "repair(story-1.1): state draft -> in-progress",
		wstest.Git(t, e.root, "log", "-1", "--format=%s"))
	require.Eventually(t, func() bool { return d.LastReport().Clean() }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(d.repairs))
}

func TestDriftIsNeverAutoRepaired(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	epic := e.create(t, types.KindEpic, "", "Accounts")
	story := e.create(t, types.KindStory, epic.ID, "Session store")
	head := wstest.Git(t, e.root, "rev-parse", "HEAD")

	doc := wstest.ReadFile(t, e.root, story.FilePath)
	wstest.WriteFile(t, e.root, story.FilePath, doc+"half-written thought\n")

	cfg := testConfig(nil)
	cfg.AutoRepair = true
	d, err := New(e.mgr, e.aud, cfg)
	require.NoError(t, err)

	rep, err := d.Audit(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count(audit.UncommittedDrift))
	assert.Equal(t, head, wstest.Git(t, e.root, "rev-parse", "HEAD"))
	assert.Contains(t, wstest.ReadFile(t, e.root, story.FilePath), "half-written thought")
	require.NoError(t, d.Stop())
}

func TestStartRecoversInterruptedEnvelopes(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	epic := e.create(t, types.KindEpic, "", "Accounts")

	e.mgr.SetFaults(func(s txn.Step) error {
		if s == txn.StepAttach {
			return txn.ErrInterrupted
		}
		return nil
	})
	_, err := e.mgr.TransitionState(ctx, epic.ID, types.StateInProgress)
	require.Error(t, err)
	e.mgr.SetFaults(nil)

	pending, err := txn.PendingEnvelopes(ctx, e.db)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	d, err := New(e.mgr, e.aud, testConfig(nil))
	require.NoError(t, err)
	run(t, d)

	pending, err = txn.PendingEnvelopes(ctx, e.db)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.True(t, d.LastReport().Clean())
}
