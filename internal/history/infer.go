package history

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/relaywork/workstate/internal/document"
	"github.com/relaywork/workstate/internal/types"
	"github.com/relaywork/workstate/internal/vcs"
)

// DefaultRecencyWindow is how recently a document must have changed for the
// recency fallback to treat it as in progress.
const DefaultRecencyWindow = 14 * 24 * time.Hour

// Inference is the outcome of state inference. It is one of
// InferredFromCommit, InferredFromMarker, InferredFromRecency or
// InferredByDefault.
type Inference interface {
	State() types.State
	Source() string
	isInference()
}

// InferredFromCommit: the most recent commit touching the document that
// either follows the grammar or matches a legacy transition keyword.
type InferredFromCommit struct {
	Value   types.State
	Commit  string
	Subject string
	Legacy  bool
}

// InferredFromMarker: the document declares its status.
type InferredFromMarker struct {
	Value  types.State
	Marker string
}

// InferredFromRecency: neither history nor markers were conclusive; the
// state follows from how recently the document changed.
type InferredFromRecency struct {
	Value   types.State
	ModTime time.Time
}

// InferredByDefault: epics and features with no explicit marker.
type InferredByDefault struct {
	Value types.State
}

func (i InferredFromCommit) State() types.State  { return i.Value }
func (i InferredFromMarker) State() types.State  { return i.Value }
func (i InferredFromRecency) State() types.State { return i.Value }
func (i InferredByDefault) State() types.State   { return i.Value }

func (InferredFromCommit) Source() string  { return "commit" }
func (InferredFromMarker) Source() string  { return "marker" }
func (InferredFromRecency) Source() string { return "recency" }
func (InferredByDefault) Source() string   { return "default" }

func (InferredFromCommit) isInference()  {}
func (InferredFromMarker) isInference()  {}
func (InferredFromRecency) isInference() {}
func (InferredByDefault) isInference()   {}

// legacyKeywords map free-form commit messages written before the grammar
// existed onto states. Order matters: the first match wins.
var legacyKeywords = []struct {
	re    *regexp.Regexp
	state func(types.Kind) types.State
}{
	{regexp.MustCompile(`(?i)\b(done|completed?|completes|finish(ed|es)?|closed?|closes|shipped)\b`), func(types.Kind) types.State { return types.StateDone }},
	{regexp.MustCompile(`(?i)\b(ready for review|in review|review)\b`), func(k types.Kind) types.State {
		if k == types.KindStory {
			return types.StateInReview
		}
		return progressState(k)
	}},
	{regexp.MustCompile(`(?i)\b(start(ed|s)?|begin|began|wip|in progress|implement(s|ed|ing)?|working on)\b`), progressState},
	{regexp.MustCompile(`(?i)\b(draft(ed)?|add(ed)? story|scaffold(ed)?)\b`), types.InitialState},
}

func progressState(k types.Kind) types.State {
	if k == types.KindFeature {
		return types.StateActive
	}
	return types.StateInProgress
}

// LegacyKeywordState matches a free-form commit subject against the legacy
// transition keywords.
func LegacyKeywordState(k types.Kind, subject string) (types.State, bool) {
	for _, kw := range legacyKeywords {
		if kw.re.MatchString(subject) {
			return kw.state(k), true
		}
	}
	return "", false
}

// Inferrer infers lifecycle states for documents that have no index row.
type Inferrer struct {
	VCS           vcs.VCS
	RecencyWindow time.Duration
	Now           func() time.Time
}

// NewInferrer returns an inferrer with the default recency window.
func NewInferrer(v vcs.VCS) *Inferrer {
	return &Inferrer{VCS: v, RecencyWindow: DefaultRecencyWindow, Now: time.Now}
}

// Infer determines the state of the document described by e.
//
// Stories: commit history first, then an explicit marker, then recency.
// Epics and features: an explicit marker, otherwise in progress (active).
func (in *Inferrer) Infer(ctx context.Context, e document.Entry, doc *document.Document) (Inference, error) {
	if e.Kind != types.KindStory {
		if s, ok := markerState(e.Kind, doc); ok {
			return InferredFromMarker{Value: s, Marker: markerText(doc)}, nil
		}
		return InferredByDefault{Value: progressState(e.Kind)}, nil
	}

	commits, err := in.VCS.Log(ctx, vcs.LogQuery{Paths: []string{e.Path}})
	if err != nil {
		return nil, fmt.Errorf("failed to read history of %s: %w", e.Path, err)
	}

	if inf, ok := FromCommits(e.ID, e.Kind, commits, true); ok {
		return inf, nil
	}

	if s, ok := markerState(e.Kind, doc); ok {
		return InferredFromMarker{Value: s, Marker: markerText(doc)}, nil
	}

	changed := e.ModTime
	if len(commits) > 0 && commits[0].Time.After(changed) {
		changed = commits[0].Time
	}
	window := in.RecencyWindow
	if window <= 0 {
		window = DefaultRecencyWindow
	}
	now := time.Now
	if in.Now != nil {
		now = in.Now
	}
	if !changed.IsZero() && now().Sub(changed) <= window {
		return InferredFromRecency{Value: progressState(e.Kind), ModTime: changed}, nil
	}
	return InferredFromRecency{Value: types.InitialState(e.Kind), ModTime: changed}, nil
}

// FromCommits scans commits newest first and returns the first that
// determines a state for the record. Grammar commits about other records
// are skipped. With legacy set, free-form subjects are matched against
// transition keywords.
func FromCommits(recordID string, kind types.Kind, commits []vcs.CommitInfo, legacy bool) (InferredFromCommit, bool) {
	for _, c := range commits {
		if msg, ok := Parse(c.Subject, c.Body); ok {
			if msg.Subject != recordID {
				continue
			}
			if s, ok := msg.ResultingState(); ok {
				return InferredFromCommit{Value: s, Commit: c.Hash, Subject: c.Subject}, true
			}
			continue
		}
		if !legacy {
			continue
		}
		if s, ok := LegacyKeywordState(kind, c.Subject); ok {
			return InferredFromCommit{Value: s, Commit: c.Hash, Subject: c.Subject, Legacy: true}, true
		}
	}
	return InferredFromCommit{}, false
}

func markerState(k types.Kind, doc *document.Document) (types.State, bool) {
	if doc == nil {
		return "", false
	}
	return doc.State(k)
}

func markerText(doc *document.Document) string {
	if doc.FrontMatter != nil && doc.FrontMatter.Status != "" {
		return doc.FrontMatter.Status
	}
	return doc.Marker
}
