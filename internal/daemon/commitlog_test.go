package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wstest "github.com/relaywork/workstate/internal/testutil"
	"github.com/relaywork/workstate/internal/vcs"
	"github.com/relaywork/workstate/internal/vcs/git"
)

func TestParseAffectedFiles(t *testing.T) {
	out := []byte("docs/stories/story-1.1.md\nREADME.md\n\ndocs/epics/epic-1.md\ndocs/stories/story-1.1.md\ndocsy/other.md\n")
	assert.Equal(t, []string{"docs/stories/story-1.1.md", "docs/epics/epic-1.md"}, parseAffectedFiles(out, "docs"))
	assert.Empty(t, parseAffectedFiles(nil, "docs"))
}

func TestFindNewCommits(t *testing.T) {
	commits := []vcs.CommitInfo{{Hash: "c"}, {Hash: "b"}, {Hash: "a"}}

	assert.Equal(t, commits[:2], findNewCommits(commits, "a"))
	assert.Empty(t, findNewCommits(commits, "c"))
	assert.Equal(t, commits[:1], findNewCommits(commits, ""))
	assert.Equal(t, commits[:1], findNewCommits(commits, "gone"))
	assert.Nil(t, findNewCommits(nil, "a"))

	rev := []vcs.CommitInfo{{Hash: "c"}, {Hash: "b"}, {Hash: "a"}}
	reverse(rev)
	assert.Equal(t, "a", rev[0].Hash)
	assert.Equal(t, "c", rev[2].Hash)
}

func TestWatchCommits(t *testing.T) {
	root := wstest.NewRepo(t)
	v, err := git.New(root)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	head, err := LatestCommit(ctx, v)
	require.NoError(t, err)

	got := make(chan []CommitEntry, 10)
	done := make(chan error, 1)
	go func() {
		done <- WatchCommits(ctx, v, CommitLogConfig{
			PollInterval: 20 * time.Millisecond,
			LastHash:     head,
			Logger:       quiet(),
		}, func(entries []CommitEntry) error {
			got <- entries
			return nil
		})
	}()

	wstest.WriteFile(t, root, "docs/stories/story-1.1.md", "# one\n")
	wstest.CommitAll(t, root, "add story")
	wstest.WriteFile(t, root, "docs/epics/epic-1.md", "# epic\n")
	wstest.Git(t, root, "add", "-A")
	wstest.Git(t, root, "commit", "-q", "-m", "create(epic-1): Accounts", "-m", "Envelope: 1234")

	var entries []CommitEntry
	deadline := time.After(5 * time.Second)
	for len(entries) < 2 {
		select {
		case batch := <-got:
			entries = append(entries, batch...)
		case <-deadline:
			t.Fatalf("saw %d commits", len(entries))
		}
	}

	assert.Equal(t, "add story", entries[0].Subject)
	assert.False(t, entries[0].Managed)
	assert.Equal(t, []string{"docs/stories/story-1.1.md"}, entries[0].AffectedFiles)
	assert.True(t, entries[1].Managed)
	assert.Equal(t, []string{"docs/epics/epic-1.md"}, entries[1].AffectedFiles)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
