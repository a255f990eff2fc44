package contextload

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaywork/workstate/internal/document"
	"github.com/relaywork/workstate/internal/index"
	"github.com/relaywork/workstate/internal/migrate"
	wstest "github.com/relaywork/workstate/internal/testutil"
	"github.com/relaywork/workstate/internal/txn"
	"github.com/relaywork/workstate/internal/types"
	"github.com/relaywork/workstate/internal/vcs/git"
)

// seedIndex writes an epic with 12 stories, each carrying three audit
// entries and three notes, straight into a fresh index.
func seedIndex(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")
	db, err := index.Open(path)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.InitSchema())

	put := func(rec *types.WorkItemRecord) {
		require.NoError(t, db.InsertRecord(ctx, rec))
	}
	put(&types.WorkItemRecord{ID: "feature-search", Kind: types.KindFeature, Key: "search", Title: "Search",
		State: types.StateActive, FilePath: "docs/features/feature-search.md", Seq: 1})
	put(&types.WorkItemRecord{ID: "epic-7", Kind: types.KindEpic, Key: "7", Title: "Indexing",
		State: types.StateInProgress, ParentID: "feature-search", FilePath: "docs/epics/epic-7.md", Seq: 7})

	states := []types.State{types.StateDraft, types.StateInProgress, types.StateInReview, types.StateDone}
	for i := 1; i <= 12; i++ {
		id := fmt.Sprintf("story-7.%d", i)
		put(&types.WorkItemRecord{ID: id, Kind: types.KindStory, Key: fmt.Sprintf("7.%d", i),
			Title: fmt.Sprintf("Story %d", i), State: states[i%len(states)], ParentID: "epic-7",
			FilePath: "docs/stories/" + id + ".md", Seq: i})
		for j := 0; j < 3; j++ {
			env := fmt.Sprintf("env-%d-%d", i, j)
			require.NoError(t, db.AppendAudit(ctx, &types.AuditEntry{RecordID: id, NewState: states[i%len(states)],
				Actor: "dev", Operation: "transition", EnvelopeID: env}))
			require.NoError(t, db.AddNote(ctx, &types.Note{RecordID: id, Body: fmt.Sprintf("note %d/%d", i, j),
				Actor: "dev", EnvelopeID: env}))
		}
	}
	return path
}

func TestGetEpicContextIsBounded(t *testing.T) {
	loader, err := Open(seedIndex(t), Options{})
	require.NoError(t, err)
	defer loader.Close()

	ec, err := loader.GetEpicContext(context.Background(), "epic-7")
	require.NoError(t, err)
	require.True(t, ec.Found())
	assert.Empty(t, ec.Missing)
	assert.Equal(t, "feature-search", ec.Feature.ID)
	assert.Len(t, ec.Stories, 12)
	assert.Equal(t, 12, ec.TotalStories)
	assert.Len(t, ec.ActionItems, DefaultMaxActionItems)
	assert.Len(t, ec.Notes, DefaultMaxNotes)

	for i := 1; i < len(ec.ActionItems); i++ {
		assert.Greater(t, ec.ActionItems[i-1].Seq, ec.ActionItems[i].Seq, "action items must be newest first")
	}
}

func TestGetEpicContextCustomCaps(t *testing.T) {
	loader, err := Open(seedIndex(t), Options{MaxActionItems: 5, MaxNotes: 2})
	require.NoError(t, err)
	defer loader.Close()

	ec, err := loader.GetEpicContext(context.Background(), "epic-7")
	require.NoError(t, err)
	assert.Len(t, ec.ActionItems, 5)
	assert.Len(t, ec.Notes, 2)
}

func TestGetEpicContextMissing(t *testing.T) {
	loader, err := Open(seedIndex(t), Options{})
	require.NoError(t, err)
	defer loader.Close()

	ec, err := loader.GetEpicContext(context.Background(), "epic-99")
	require.NoError(t, err)
	assert.False(t, ec.Found())
	assert.Equal(t, []string{"epic-99"}, ec.Missing)
	assert.Empty(t, ec.Stories)

	_, err = loader.GetEpicContext(context.Background(), "story-7.1")
	assert.Error(t, err)
}

func TestGetAgentContextFiltersByRole(t *testing.T) {
	loader, err := Open(seedIndex(t), Options{})
	require.NoError(t, err)
	defer loader.Close()
	ctx := context.Background()

	tests := []struct {
		role Role
		want int
	}{
		{RoleDeveloper, 6},
		{RoleTester, 6},
		{RoleReviewer, 3},
		{RoleArchitect, 12},
		{RolePM, 12},
	}
	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			rc, err := loader.GetAgentContext(ctx, tt.role, "epic-7")
			require.NoError(t, err)
			assert.Len(t, rc.Stories, tt.want)
			assert.Equal(t, 12, rc.TotalStories)
			allowed := tt.role.States()
			for _, s := range rc.Stories {
				if allowed != nil {
					assert.Contains(t, allowed, s.State)
				}
			}
			assert.LessOrEqual(t, len(rc.ActionItems), DefaultMaxActionItems)

			visible := map[string]bool{"epic-7": true}
			for _, s := range rc.Stories {
				visible[s.ID] = true
			}
			for _, e := range rc.ActionItems {
				assert.True(t, visible[e.RecordID], "action item of hidden %s", e.RecordID)
			}
			for _, n := range rc.Notes {
				assert.True(t, visible[n.RecordID], "note of hidden %s", n.RecordID)
			}
		})
	}

	_, err = loader.GetAgentContext(ctx, Role("intern"), "epic-7")
	assert.Error(t, err)
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole(" Tester ")
	require.NoError(t, err)
	assert.Equal(t, RoleTester, r)

	_, err = ParseRole("oracle")
	assert.Error(t, err)
}

func TestLoadLatencyMetric(t *testing.T) {
	reg := prometheus.NewRegistry()
	loader, err := Open(seedIndex(t), Options{Registerer: reg})
	require.NoError(t, err)
	defer loader.Close()

	_, err = loader.GetEpicContext(context.Background(), "epic-7")
	require.NoError(t, err)
	_, err = loader.GetAgentContext(context.Background(), RoleReviewer, "epic-7")
	require.NoError(t, err)

	assert.Equal(t, 2, testutil.CollectAndCount(loader.latency))
}

func TestContextReflectsManagerWrites(t *testing.T) {
	ctx := context.Background()
	root := wstest.NewRepo(t)
	v, err := git.New(root)
	require.NoError(t, err)
	dbPath := filepath.Join(root, txn.StateDir, "index.db")
	db, err := index.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.InitSchema())

	mgr, err := txn.New(v, db, document.NewLayout(root, "docs"), txn.Options{})
	require.NoError(t, err)

	epic, err := mgr.CreateRecord(ctx, types.KindEpic, "", "Billing", "")
	require.NoError(t, err)
	story, err := mgr.CreateRecord(ctx, types.KindStory, epic.ID, "Invoices", "")
	require.NoError(t, err)
	_, err = mgr.TransitionState(ctx, story.ID, types.StateInProgress)
	require.NoError(t, err)
	_, err = mgr.AddNote(ctx, story.ID, "blocked on tax tables")
	require.NoError(t, err)

	loader, err := Open(dbPath, Options{})
	require.NoError(t, err)
	defer loader.Close()

	ec, err := loader.GetEpicContext(ctx, epic.ID)
	require.NoError(t, err)
	require.Len(t, ec.Stories, 1)
	assert.Equal(t, types.StateInProgress, ec.Stories[0].State)
	require.Len(t, ec.Notes, 1)
	assert.Equal(t, "blocked on tax tables", ec.Notes[0].Body)
	for _, e := range ec.ActionItems {
		assert.NotEmpty(t, e.CommitID, "committed entries carry their commit")
	}

	dev, err := loader.GetAgentContext(ctx, RoleDeveloper, epic.ID)
	require.NoError(t, err)
	assert.Len(t, dev.Stories, 1)
	rev, err := loader.GetAgentContext(ctx, RoleReviewer, epic.ID)
	require.NoError(t, err)
	assert.Empty(t, rev.Stories)
}

func TestAnalyzeExistingProject(t *testing.T) {
	ctx := context.Background()
	root := wstest.NewRepo(t)
	v, err := git.New(root)
	require.NoError(t, err)

	st, err := AnalyzeExistingProject(ctx, root, AnalyzeOptions{VCS: v})
	require.NoError(t, err)
	assert.False(t, st.IndexExists)
	assert.False(t, st.Populated())
	assert.False(t, st.NeedsMigration())
	assert.Equal(t, "main", st.CurrentBranch)

	wstest.WriteFile(t, root, "docs/epics/epic-1.md", "# Epic 1\n")
	wstest.WriteFile(t, root, "docs/stories/story-1.1.md", "# Story 1.1\n")
	wstest.WriteFile(t, root, "docs/stories/story-1.2.md", "# Story 1.2\n")
	wstest.CommitAll(t, root, "add docs")
	branch := migrate.DefaultBranchPrefix + "abc123"
	wstest.Git(t, root, "branch", branch)

	st, err = AnalyzeExistingProject(ctx, root, AnalyzeOptions{VCS: v})
	require.NoError(t, err)
	assert.Equal(t, 1, st.Documents[types.KindEpic])
	assert.Equal(t, 2, st.Documents[types.KindStory])
	assert.True(t, st.NeedsMigration())
	assert.Equal(t, []string{branch}, st.MigrationBranches)
	assert.Equal(t, []string{branch}, st.AbandonedBranches())
	assert.Nil(t, st.Manifest)

	db, err := index.Open(filepath.Join(root, ".workstate", "index.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	require.NoError(t, db.InsertRecord(ctx, &types.WorkItemRecord{ID: "epic-1", Kind: types.KindEpic, Key: "1",
		Title: "Epic 1", State: types.StateDraft, FilePath: "docs/epics/epic-1.md", Seq: 1}))
	require.NoError(t, db.Close())

	st, err = AnalyzeExistingProject(ctx, root, AnalyzeOptions{VCS: v})
	require.NoError(t, err)
	assert.True(t, st.IndexExists)
	assert.True(t, st.SchemaPresent)
	assert.True(t, st.SchemaCompatible)
	assert.Equal(t, index.SchemaVersion, st.SchemaVersion)
	assert.True(t, st.Populated())
	assert.Equal(t, 1, st.Records[types.KindEpic])
	assert.True(t, st.NeedsMigration(), "stories are still unregistered")
}
