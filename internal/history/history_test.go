package history

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaywork/workstate/internal/document"
	"github.com/relaywork/workstate/internal/types"
	"github.com/relaywork/workstate/internal/vcs"
	"github.com/relaywork/workstate/internal/vcs/git"
)

func TestMessageFormatParse(t *testing.T) {
	msg := Message{
		Op:       OpTransition,
		Subject:  "story-4.2",
		Summary:  Arrow(types.StateDraft, types.StateInProgress),
		Envelope: "env-1",
		Actor:    "dev-1",
	}

	text := msg.Format()
	assert.Equal(t, "transition(story-4.2): draft -> in-progress\n\nEnvelope: env-1\nActor: dev-1", text)

	subject, body, _ := cut(text)
	parsed, ok := Parse(subject, body)
	require.True(t, ok)
	assert.Equal(t, msg, parsed)

	state, ok := parsed.ResultingState()
	assert.True(t, ok)
	assert.Equal(t, types.StateInProgress, state)
}

func cut(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

func TestParseRejectsNonGrammar(t *testing.T) {
	for _, subject := range []string{
		"Story 1.2: mark as done",
		"fix(story-1.1): typo",
		"create(story-1.1) missing colon",
		"create(story 1.1): spaces",
	} {
		_, ok := Parse(subject, "")
		assert.False(t, ok, subject)
	}
}

func TestResultingState(t *testing.T) {
	tests := []struct {
		subject string
		want    types.State
		ok      bool
	}{
		{"create(story-1.1): Login form", types.StateDraft, true},
		{"create(feature-auth): Auth", types.StateProposed, true},
		{"complete(story-1.1): in-review -> done", types.StateDone, true},
		{"repair(story-1.1): state done -> in-review", types.StateInReview, true},
		{"repair(story-1.1): archive orphaned record", "", false},
		{"note(story-1.1): blocked", "", false},
		{"migrate(phase-2): epic backfill", "", false},
		{"transition(epic-1): draft -> in-review", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			msg, ok := Parse(tt.subject, "")
			require.True(t, ok)
			got, ok := msg.ResultingState()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLegacyKeywordState(t *testing.T) {
	tests := []struct {
		kind    types.Kind
		subject string
		want    types.State
		ok      bool
	}{
		{types.KindStory, "Story 1.2: mark as done", types.StateDone, true},
		{types.KindStory, "Ready for review: checkout flow", types.StateInReview, true},
		{types.KindEpic, "Ready for review: checkout flow", types.StateInProgress, true},
		{types.KindStory, "start implementation of login", types.StateInProgress, true},
		{types.KindStory, "WIP search", types.StateInProgress, true},
		{types.KindStory, "Add story for password reset", types.StateDraft, true},
		{types.KindStory, "Import backlog", "", false},
	}

	for _, tt := range tests {
		got, ok := LegacyKeywordState(tt.kind, tt.subject)
		assert.Equal(t, tt.ok, ok, tt.subject)
		assert.Equal(t, tt.want, got, tt.subject)
	}
}

func TestFromCommitsSkipsOtherRecords(t *testing.T) {
	commits := []vcs.CommitInfo{
		{Hash: "c3", Subject: "note(story-1.1): call vendor"},
		{Hash: "c2", Subject: "transition(story-1.2): draft -> in-progress"},
		{Hash: "c1", Subject: "transition(story-1.1): draft -> in-progress"},
	}

	inf, ok := FromCommits("story-1.1", types.KindStory, commits, false)
	require.True(t, ok)
	assert.Equal(t, "c1", inf.Commit)
	assert.Equal(t, types.StateInProgress, inf.State())
	assert.False(t, inf.Legacy)
}

// setupRepo creates a git repository with user identity configured.
func setupRepo(t *testing.T) (string, vcs.VCS) {
	t.Helper()
	root := t.TempDir()
	for _, args := range [][]string{
		{"init", "-q", "-b", "main"},
		{"config", "user.name", "Test User"},
		{"config", "user.email", "test@example.com"},
		{"config", "commit.gpgsign", "false"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	g, err := git.New(root)
	require.NoError(t, err)
	return root, g
}

func commitFile(t *testing.T, v vcs.VCS, root, rel, content, message string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	ctx := context.Background()
	require.NoError(t, v.StageAll(ctx))
	_, err := v.Commit(ctx, vcs.CommitOptions{Message: message})
	require.NoError(t, err)
}

func TestInferStory(t *testing.T) {
	root, v := setupRepo(t)
	layout := document.NewLayout(root, "docs")
	ctx := context.Background()
	now := time.Now()

	commitFile(t, v, root, "docs/stories/story-1.1.md", "# A\n", "Add story A")
	commitFile(t, v, root, "docs/stories/story-1.1.md", "# A\nmore\n", "Story 1.1: finished")
	commitFile(t, v, root, "docs/stories/story-1.2.md", "# B\n\nStatus: in review\n", "Import backlog")
	commitFile(t, v, root, "docs/stories/story-1.3.md", "# C\n", "Import backlog again")

	in := NewInferrer(v)
	entries, _, err := layout.Scan(types.KindStory)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	results := map[string]Inference{}
	for _, e := range entries {
		doc, err := layout.ReadRel(e.Path)
		require.NoError(t, err)
		inf, err := in.Infer(ctx, e, doc)
		require.NoError(t, err)
		results[e.ID] = inf
	}

	commit, ok := results["story-1.1"].(InferredFromCommit)
	require.True(t, ok, "story-1.1 inferred from %T", results["story-1.1"])
	assert.Equal(t, types.StateDone, commit.Value)
	assert.True(t, commit.Legacy)

	marker, ok := results["story-1.2"].(InferredFromMarker)
	require.True(t, ok, "story-1.2 inferred from %T", results["story-1.2"])
	assert.Equal(t, types.StateInReview, marker.Value)

	recency, ok := results["story-1.3"].(InferredFromRecency)
	require.True(t, ok, "story-1.3 inferred from %T", results["story-1.3"])
	assert.Equal(t, types.StateInProgress, recency.Value)

	// Far in the future the same document counts as stale
	in.Now = func() time.Time { return now.Add(60 * 24 * time.Hour) }
	stale, err := in.Infer(ctx, entries[2], nil)
	require.NoError(t, err)
	assert.Equal(t, types.StateDraft, stale.State())
	assert.Equal(t, "recency", stale.Source())
}

func TestInferEpic(t *testing.T) {
	in := &Inferrer{}
	ctx := context.Background()
	e := document.Entry{ID: "epic-1", Kind: types.KindEpic, Key: "1"}

	doc, err := document.Parse([]byte("# Payments\n\nStatus: Done\n"))
	require.NoError(t, err)
	inf, err := in.Infer(ctx, e, doc)
	require.NoError(t, err)
	assert.Equal(t, types.StateDone, inf.State())
	assert.Equal(t, "marker", inf.Source())

	doc, err = document.Parse([]byte("# Payments\n"))
	require.NoError(t, err)
	inf, err = in.Infer(ctx, e, doc)
	require.NoError(t, err)
	assert.Equal(t, types.StateInProgress, inf.State())
	assert.IsType(t, InferredByDefault{}, inf)
}
