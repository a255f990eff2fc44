// Package loadtest measures the context loader under concurrent agents.
//
// A fixture index is populated with epics, stories, audit history and notes,
// then many simulated agents load role contexts at once while the latency of
// every load is recorded.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relaywork/workstate/internal/contextload"
	"github.com/relaywork/workstate/internal/index"
	"github.com/relaywork/workstate/internal/types"
)

// FixtureOptions sizes a fixture.
type FixtureOptions struct {
	Epics          int
	StoriesPerEpic int

	// AuditPerStory is how many transitions each story has seen
	AuditPerStory int

	NotesPerStory int
}

// DefaultFixtureOptions returns a fixture of 20 epics with 10 stories each.
func DefaultFixtureOptions() FixtureOptions {
	return FixtureOptions{Epics: 20, StoriesPerEpic: 10, AuditPerStory: 6, NotesPerStory: 3}
}

// Fixture is a populated index for load testing.
type Fixture struct {
	DB      *index.DB
	Loader  *contextload.Loader
	EpicIDs []string

	Stories int
	Audits  int
	Notes   int
}

// LatencyStats captures performance metrics from a load run.
type LatencyStats struct {
	Min        time.Duration
	Max        time.Duration
	Mean       time.Duration
	P50        time.Duration // Median
	P95        time.Duration
	P99        time.Duration
	TotalLoads int
	Errors     int
	Durations  []time.Duration
}

var lifecycle = []types.State{types.StateDraft, types.StateInProgress, types.StateInReview, types.StateDone}

// CreateFixture creates an index at dbPath and fills it.
func CreateFixture(ctx context.Context, dbPath string, opts FixtureOptions) (*Fixture, error) {
	db, err := index.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	db.RawDB().SetMaxOpenConns(150)
	db.RawDB().SetMaxIdleConns(50)
	db.RawDB().SetConnMaxLifetime(10 * time.Minute)

	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	f := &Fixture{DB: db}
	if err := f.populate(ctx, opts); err != nil {
		_ = db.Close()
		return nil, err
	}
	f.Loader = contextload.New(db, contextload.Options{})
	return f, nil
}

func (f *Fixture) populate(ctx context.Context, opts FixtureOptions) error {
	tx, err := f.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	rng := rand.New(rand.NewSource(42))
	base := time.Now().UTC().Add(-30 * 24 * time.Hour)

	for e := 1; e <= opts.Epics; e++ {
		epic := &types.WorkItemRecord{
			ID:        types.RecordID(types.KindEpic, fmt.Sprint(e)),
			Kind:      types.KindEpic,
			Key:       fmt.Sprint(e),
			Title:     fmt.Sprintf("Epic %d", e),
			State:     types.StateInProgress,
			Seq:       e,
			CreatedAt: base,
			UpdatedAt: base,
		}
		epic.FilePath = fmt.Sprintf("docs/epics/%s.md", epic.ID)
		if err := tx.InsertRecord(ctx, epic); err != nil {
			return fmt.Errorf("failed to insert %s: %w", epic.ID, err)
		}
		f.EpicIDs = append(f.EpicIDs, epic.ID)

		for s := 1; s <= opts.StoriesPerEpic; s++ {
			key := fmt.Sprintf("%d.%d", e, s)
			at := base.Add(time.Duration(e*opts.StoriesPerEpic+s) * time.Minute)
			steps := rng.Intn(len(lifecycle))
			story := &types.WorkItemRecord{
				ID:        types.RecordID(types.KindStory, key),
				Kind:      types.KindStory,
				Key:       key,
				Title:     fmt.Sprintf("Story %s", key),
				State:     lifecycle[steps],
				ParentID:  epic.ID,
				Seq:       s,
				CreatedAt: at,
				UpdatedAt: at,
			}
			story.FilePath = fmt.Sprintf("docs/stories/%s.md", story.ID)
			if err := tx.InsertRecord(ctx, story); err != nil {
				return fmt.Errorf("failed to insert %s: %w", story.ID, err)
			}
			f.Stories++

			prev := types.State("")
			for i := 0; i < opts.AuditPerStory; i++ {
				next := lifecycle[i%len(lifecycle)]
				entry := &types.AuditEntry{
					RecordID:  story.ID,
					PrevState: prev,
					NewState:  next,
					Timestamp: at.Add(time.Duration(i) * time.Second),
					Actor:     "loadtest",
					Operation: "transition",
				}
				if err := tx.AppendAudit(ctx, entry); err != nil {
					return err
				}
				prev = next
				f.Audits++
			}
			for i := 0; i < opts.NotesPerStory; i++ {
				n := &types.Note{
					RecordID:  story.ID,
					Body:      fmt.Sprintf("note %d on %s", i, story.ID),
					Actor:     "loadtest",
					CreatedAt: at.Add(time.Duration(i) * time.Second),
				}
				if err := tx.AddNote(ctx, n); err != nil {
					return err
				}
				f.Notes++
			}
		}
	}
	return tx.Commit(ctx)
}

// Close closes the fixture index.
func (f *Fixture) Close() error {
	if f.DB != nil {
		return f.DB.Close()
	}
	return nil
}

// RunConcurrentLoads simulates numAgents agents, each loading
// loadsPerAgent role contexts of random epics. Failed loads are counted in
// Errors; the run fails only when nothing succeeded.
func (f *Fixture) RunConcurrentLoads(ctx context.Context, numAgents, loadsPerAgent int) (*LatencyStats, error) {
	var mu sync.Mutex
	var all []time.Duration
	var errorCount int

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < numAgents; i++ {
		agent := i
		g.Go(func() error {
			rng := rand.New(rand.NewSource(int64(agent)))
			durations := make([]time.Duration, 0, loadsPerAgent)
			failed := 0
			for j := 0; j < loadsPerAgent; j++ {
				role := contextload.Roles[rng.Intn(len(contextload.Roles))]
				epic := f.EpicIDs[rng.Intn(len(f.EpicIDs))]

				start := time.Now()
				_, err := f.Loader.GetAgentContext(ctx, role, epic)
				elapsed := time.Since(start)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					failed++
					continue
				}
				durations = append(durations, elapsed)
			}

			mu.Lock()
			all = append(all, durations...)
			errorCount += failed
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(all) == 0 {
		return nil, fmt.Errorf("no successful loads completed")
	}
	stats := computeLatencyStats(all)
	stats.Errors = errorCount
	return stats, nil
}

// VerifyBounded loads contexts from numAgents readers while one writer keeps
// appending audit entries and notes, and fails if any context exceeds the
// loader limits or mixes in another epic's stories.
func (f *Fixture) VerifyBounded(ctx context.Context, numAgents int, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for i := 0; ctx.Err() == nil; i++ {
			epic := f.EpicIDs[i%len(f.EpicIDs)]
			entry := &types.AuditEntry{RecordID: epic, PrevState: types.StateInProgress, NewState: types.StateInProgress, Actor: "writer", Operation: "note"}
			if err := f.DB.AppendAudit(ctx, entry); err != nil {
				return ignoreDone(ctx, err)
			}
			if err := f.DB.AddNote(ctx, &types.Note{RecordID: epic, Body: fmt.Sprintf("writer note %d", i), Actor: "writer"}); err != nil {
				return ignoreDone(ctx, err)
			}
			time.Sleep(time.Millisecond)
		}
		return nil
	})

	for i := 0; i < numAgents; i++ {
		agent := i
		g.Go(func() error {
			for j := 0; ctx.Err() == nil; j++ {
				epic := f.EpicIDs[(agent+j)%len(f.EpicIDs)]
				ec, err := f.Loader.GetEpicContext(ctx, epic)
				if err != nil {
					return ignoreDone(ctx, fmt.Errorf("agent %d load failed: %w", agent, err))
				}
				if len(ec.ActionItems) > contextload.DefaultMaxActionItems {
					return fmt.Errorf("agent %d: %s has %d action items", agent, epic, len(ec.ActionItems))
				}
				if len(ec.Notes) > contextload.DefaultMaxNotes {
					return fmt.Errorf("agent %d: %s has %d notes", agent, epic, len(ec.Notes))
				}
				for _, s := range ec.Stories {
					if s.ParentID != epic {
						return fmt.Errorf("agent %d: %s returned foreign story %s", agent, epic, s.ID)
					}
				}
				time.Sleep(time.Millisecond)
			}
			return nil
		})
	}
	return g.Wait()
}

func ignoreDone(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(durations)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		TotalLoads: len(durations),
		Durations:  sorted,
	}
}

// Print writes the statistics to w.
func (s *LatencyStats) Print(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Loads:   %d\n", s.TotalLoads)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
