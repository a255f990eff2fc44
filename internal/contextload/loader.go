// Package contextload serves bounded read-only views of project state to
// agents.
//
// Every view is answered by a single aggregate query against the index:
// the epic row, its feature, its stories as a JSON array, and capped lists
// of the newest audit entries and notes. Document files are never read.
package contextload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaywork/workstate/internal/index"
	"github.com/relaywork/workstate/internal/types"
)

// Default caps on the size of a context.
const (
	DefaultMaxActionItems = 20
	DefaultMaxNotes       = 10
)

// Options configures a Loader.
type Options struct {
	MaxActionItems int
	MaxNotes       int

	// Registerer receives the load-time histogram when set
	Registerer prometheus.Registerer
}

// Loader answers context requests.
type Loader struct {
	db         *index.DB
	maxActions int
	maxNotes   int
	latency    *prometheus.HistogramVec
}

// New wraps an open index. The loader does not take ownership of db.
func New(db *index.DB, opts Options) *Loader {
	l := &Loader{
		db:         db,
		maxActions: opts.MaxActionItems,
		maxNotes:   opts.MaxNotes,
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "workstate",
			Name:      "context_load_seconds",
			Help:      "Latency of context loader views.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"view"}),
	}
	if l.maxActions <= 0 {
		l.maxActions = DefaultMaxActionItems
	}
	if l.maxNotes <= 0 {
		l.maxNotes = DefaultMaxNotes
	}
	if opts.Registerer != nil {
		opts.Registerer.MustRegister(l.latency)
	}
	return l
}

// Open opens the index at path read-only and returns a loader that owns it.
func Open(path string, opts Options) (*Loader, error) {
	db, err := index.OpenReadOnly(path)
	if err != nil {
		return nil, err
	}
	return New(db, opts), nil
}

// Close closes the underlying index.
func (l *Loader) Close() error {
	return l.db.Close()
}

// EpicContext is everything an agent needs to work inside one epic.
type EpicContext struct {
	EpicID  string                  `json:"epic_id"`
	Epic    *types.WorkItemRecord   `json:"epic,omitempty"`
	Feature *types.WorkItemRecord   `json:"feature,omitempty"`
	Stories []*types.WorkItemRecord `json:"stories"`

	// ActionItems are the newest audit entries across the epic and the
	// stories in view, newest first. Notes are scoped the same way.
	ActionItems []types.AuditEntry `json:"action_items"`
	Notes       []types.Note       `json:"notes"`

	// TotalStories counts every child story, including ones a role
	// filter hid
	TotalStories int `json:"total_stories"`

	// Missing lists referenced records that do not exist
	Missing []string `json:"missing,omitempty"`
}

// Found reports whether the epic exists.
func (c *EpicContext) Found() bool {
	return c.Epic != nil
}

// GetEpicContext returns the full context of an epic. A missing epic is not
// an error: the result carries a Missing marker instead.
func (l *Loader) GetEpicContext(ctx context.Context, epicID string) (*EpicContext, error) {
	start := time.Now()
	defer func() { l.latency.WithLabelValues("epic").Observe(time.Since(start).Seconds()) }()
	return l.load(ctx, epicID, nil)
}

func (l *Loader) load(ctx context.Context, epicID string, states []types.State) (*EpicContext, error) {
	kind, _, err := types.ParseRecordID(epicID)
	if err != nil {
		return nil, err
	}
	if kind != types.KindEpic {
		return nil, fmt.Errorf("%s is not an epic", epicID)
	}

	out := &EpicContext{EpicID: epicID, Stories: []*types.WorkItemRecord{}}

	b, err := l.db.EpicBundle(ctx, index.BundleQuery{
		EpicID:     epicID,
		States:     states,
		AuditLimit: l.maxActions,
		NotesLimit: l.maxNotes,
	})
	if errors.Is(err, index.ErrNotFound) {
		out.Missing = append(out.Missing, epicID)
		return out, nil
	}
	if err != nil {
		return nil, err
	}

	out.Epic = b.Epic
	out.Feature = b.Feature
	if b.Epic.ParentID != "" && b.Feature == nil {
		out.Missing = append(out.Missing, b.Epic.ParentID)
	}
	if b.Stories != nil {
		out.Stories = b.Stories
	}
	out.ActionItems = b.Audit
	out.Notes = b.Notes
	out.TotalStories = b.StoryCount
	return out, nil
}
