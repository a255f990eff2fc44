package document

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaywork/workstate/internal/types"
)

func TestRenderParseCanonical(t *testing.T) {
	created := time.Date(2026, 1, 10, 7, 36, 29, 0, time.UTC)
	rec := &types.WorkItemRecord{
		ID:        "story-4.2",
		Kind:      types.KindStory,
		Key:       "4.2",
		Title:     "Password reset",
		State:     types.StateDraft,
		ParentID:  "epic-4",
		CreatedAt: created,
		Metadata:  map[string]string{"points": "3"},
	}

	doc := New(rec, "Users can reset their password.")
	doc.AddNote(created.Add(time.Hour), "dev-1", "blocked on\nmail provider")

	data, err := doc.Render()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "---\nid: story-4.2\n"))

	parsed, err := Parse(data)
	require.NoError(t, err)
	require.NotNil(t, parsed.FrontMatter)
	assert.Equal(t, "story-4.2", parsed.FrontMatter.ID)
	assert.Equal(t, "epic-4", parsed.FrontMatter.Parent)
	assert.Equal(t, "3", parsed.FrontMatter.Metadata["points"])
	assert.Equal(t, "Password reset", parsed.Title)
	assert.Equal(t, "Users can reset their password.", parsed.Body)
	require.Len(t, parsed.Notes, 1)
	assert.Equal(t, "dev-1", parsed.Notes[0].Actor)
	assert.Equal(t, "blocked on mail provider", parsed.Notes[0].Text)

	state, ok := parsed.State(types.KindStory)
	assert.True(t, ok)
	assert.Equal(t, types.StateDraft, state)

	created2, ok := parsed.CreatedAt()
	assert.True(t, ok)
	assert.True(t, created.Equal(created2))

	// Rendering the parsed document is stable
	again, err := parsed.Render()
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))
}

func TestParseLegacy(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		kind      types.Kind
		wantTitle string
		wantState types.State
		wantOK    bool
	}{
		{
			name:      "plain status line",
			input:     "# Login form\n\nStatus: Done\n\nSome text\n",
			kind:      types.KindStory,
			wantTitle: "Login form",
			wantState: types.StateDone,
			wantOK:    true,
		},
		{
			name:      "bold status",
			input:     "# Checkout\n\n**Status:** In Progress\n",
			kind:      types.KindStory,
			wantTitle: "Checkout",
			wantState: types.StateInProgress,
			wantOK:    true,
		},
		{
			name:      "review on epic maps to in-progress",
			input:     "# Payments\n\nStatus: review\n",
			kind:      types.KindEpic,
			wantTitle: "Payments",
			wantState: types.StateInProgress,
			wantOK:    true,
		},
		{
			name:      "no marker",
			input:     "# Search\n\nJust words.\n",
			kind:      types.KindStory,
			wantTitle: "Search",
			wantOK:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Parse([]byte(tt.input))
			require.NoError(t, err)
			assert.Nil(t, doc.FrontMatter)
			assert.Equal(t, tt.wantTitle, doc.Title)

			state, ok := doc.State(tt.kind)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantState, state)
			}
		})
	}
}

func TestParseUnterminatedFrontMatter(t *testing.T) {
	_, err := Parse([]byte("---\nid: story-1.1\n# no end\n"))
	assert.Error(t, err)
}

func TestNormalizeKeepsDeclaredFields(t *testing.T) {
	doc, err := Parse([]byte("# Legacy\n\nStatus: done\n"))
	require.NoError(t, err)

	doc.Normalize(&types.WorkItemRecord{ID: "story-1.1", Kind: types.KindStory, Title: "Other", State: types.StateDone, ParentID: "epic-1"})
	assert.Equal(t, "story-1.1", doc.FrontMatter.ID)
	assert.Equal(t, "done", doc.FrontMatter.Status)
	assert.Equal(t, "Other", doc.FrontMatter.Title)
	// Heading title is kept as-is
	assert.Equal(t, "Legacy", doc.Title)
}

func TestValidate(t *testing.T) {
	doc := &Document{FrontMatter: &FrontMatter{ID: "story-1.1", Kind: "story"}}
	assert.NoError(t, doc.Validate("story-1.1"))
	assert.Error(t, doc.Validate("story-1.2"))

	doc.FrontMatter = &FrontMatter{Kind: "epic"}
	assert.Error(t, doc.Validate("story-1.1"))
}

func TestLayoutClassifyAndScan(t *testing.T) {
	root := t.TempDir()
	l := NewLayout(root, "docs")

	assert.Equal(t, "docs/stories/story-4.2.md", l.PathFor(types.KindStory, "4.2"))
	assert.Equal(t, "docs/.migration.json", l.ManifestPath())

	kind, key, ok := l.Classify("docs/epics/epic-12.md")
	assert.True(t, ok)
	assert.Equal(t, types.KindEpic, kind)
	assert.Equal(t, "12", key)

	for _, rel := range []string{
		"docs/epics/story-1.1.md",
		"docs/stories/story-x.md",
		"docs/stories/nested/story-1.1.md",
		"README.md",
	} {
		_, _, ok := l.Classify(rel)
		assert.False(t, ok, rel)
	}

	for _, rel := range []string{
		"docs/stories/story-2.1.md",
		"docs/stories/story-1.10.md",
		"docs/stories/story-1.2.md",
		"docs/epics/epic-10.md",
		"docs/epics/epic-2.md",
		"docs/features/feature-auth.md",
		"docs/stories/notes.md",
	} {
		require.NoError(t, WriteFile(l.Abs(rel), []byte("# x\n")))
	}

	entries, warnings, err := l.Scan()
	require.NoError(t, err)
	assert.Len(t, warnings, 1)

	var ids []string
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{
		"feature-auth",
		"epic-2", "epic-10",
		"story-1.2", "story-1.10", "story-2.1",
	}, ids)

	counts, err := l.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, counts[types.KindStory])
}

func TestPreImageRestore(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "a.md")
	require.NoError(t, os.WriteFile(existing, []byte("original"), 0644))
	missing := filepath.Join(dir, "sub", "b.md")

	pre1, err := Capture(existing)
	require.NoError(t, err)
	pre2, err := Capture(missing)
	require.NoError(t, err)

	require.NoError(t, WriteFile(existing, []byte("changed")))
	require.NoError(t, WriteFile(missing, []byte("created")))

	require.NoError(t, pre1.Restore())
	require.NoError(t, pre2.Restore())

	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
	_, err = os.Stat(missing)
	assert.True(t, os.IsNotExist(err))
}
