package loadtest

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaywork/workstate/internal/contextload"
	"github.com/relaywork/workstate/internal/index"
	"github.com/relaywork/workstate/internal/types"
)

func newFixture(t *testing.T, opts FixtureOptions) *Fixture {
	t.Helper()
	f, err := CreateFixture(context.Background(), filepath.Join(t.TempDir(), "index.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestCreateFixture(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, FixtureOptions{Epics: 3, StoriesPerEpic: 4, AuditPerStory: 5, NotesPerStory: 2})

	assert.Len(t, f.EpicIDs, 3)
	assert.Equal(t, 12, f.Stories)
	assert.Equal(t, 60, f.Audits)
	assert.Equal(t, 24, f.Notes)

	stories, err := f.DB.ListRecords(ctx, index.Filter{Kind: types.KindStory, ParentID: "epic-2"})
	require.NoError(t, err)
	assert.Len(t, stories, 4)

	audit, err := f.DB.AuditFor(ctx, "story-2.1", 0)
	require.NoError(t, err)
	assert.Len(t, audit, 5)
}

func TestConcurrentLoadsSmall(t *testing.T) {
	f := newFixture(t, FixtureOptions{Epics: 5, StoriesPerEpic: 5, AuditPerStory: 4, NotesPerStory: 2})

	stats, err := f.RunConcurrentLoads(context.Background(), 10, 5)
	require.NoError(t, err)
	assert.Zero(t, stats.Errors)
	assert.Equal(t, 50, stats.TotalLoads)
	assert.LessOrEqual(t, stats.Min, stats.P50)
	assert.LessOrEqual(t, stats.P50, stats.P99)
	assert.LessOrEqual(t, stats.P99, stats.Max)

	var buf bytes.Buffer
	stats.Print(&buf)
	assert.Contains(t, buf.String(), "Total Loads:   50")
}

func TestConcurrentLoadsAt100Agents(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}
	f := newFixture(t, DefaultFixtureOptions())

	stats, err := f.RunConcurrentLoads(context.Background(), 100, 10)
	require.NoError(t, err)
	assert.Zero(t, stats.Errors)
	assert.Equal(t, 1000, stats.TotalLoads)
	t.Logf("p50=%v p95=%v p99=%v", stats.P50, stats.P95, stats.P99)
}

func TestContextsStayBoundedUnderWrites(t *testing.T) {
	f := newFixture(t, FixtureOptions{Epics: 2, StoriesPerEpic: 6, AuditPerStory: 8, NotesPerStory: 4})
	require.NoError(t, f.VerifyBounded(context.Background(), 8, 300*time.Millisecond))

	ec, err := f.Loader.GetEpicContext(context.Background(), "epic-1")
	require.NoError(t, err)
	assert.Len(t, ec.ActionItems, contextload.DefaultMaxActionItems)
	assert.Len(t, ec.Notes, contextload.DefaultMaxNotes)
}

func TestComputeLatencyStats(t *testing.T) {
	assert.Equal(t, &LatencyStats{}, computeLatencyStats(nil))

	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}
	s := computeLatencyStats(ds)
	assert.Equal(t, time.Millisecond, s.Min)
	assert.Equal(t, 100*time.Millisecond, s.Max)
	assert.Equal(t, 51*time.Millisecond, s.P50)
	assert.Equal(t, 96*time.Millisecond, s.P95)
	assert.Equal(t, 100*time.Millisecond, s.P99)
	assert.Equal(t, 50500*time.Microsecond, s.Mean)
	assert.Equal(t, 100, s.TotalLoads)
}
