// Package types defines the work-item records shared by the index, the
// transactional manager, the context loader, and the migration and audit
// tooling.
//
// A work item is identified by "<kind>-<key>": "feature-auth", "epic-4",
// "story-4.2". The markdown document on disk is authoritative; the index row
// is a queryable mirror; git history is the durable log of every change.
package types

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind is the category of a work item.
type Kind string

const (
	KindFeature Kind = "feature"
	KindEpic    Kind = "epic"
	KindStory   Kind = "story"
)

// Kinds lists every record kind in parent-first order.
var Kinds = []Kind{KindFeature, KindEpic, KindStory}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindFeature:
		return KindFeature, nil
	case KindEpic:
		return KindEpic, nil
	case KindStory:
		return KindStory, nil
	}
	return "", fmt.Errorf("unknown record kind %q", s)
}

// ParentKind returns the kind a record of kind k may reference as parent.
// Features have no parent.
func (k Kind) ParentKind() (Kind, bool) {
	switch k {
	case KindStory:
		return KindEpic, true
	case KindEpic:
		return KindFeature, true
	}
	return "", false
}

// Table returns the index table holding records of this kind.
func (k Kind) Table() string {
	switch k {
	case KindFeature:
		return "features"
	case KindEpic:
		return "epics"
	case KindStory:
		return "stories"
	}
	return ""
}

// State is a lifecycle state. The valid set depends on the record kind.
type State string

const (
	StateProposed   State = "proposed"
	StateActive     State = "active"
	StateDraft      State = "draft"
	StateInProgress State = "in-progress"
	StateInReview   State = "in-review"
	StateDone       State = "done"

	// StateArchived is terminal for every kind. Archived records may lack a
	// backing document; nothing is ever hard-deleted once committed.
	StateArchived State = "archived"
)

// lifecycle describes the ordered states of one kind and its allowed moves.
type lifecycle struct {
	order []State
	moves map[State][]State
}

var lifecycles = map[Kind]lifecycle{
	KindStory: {
		order: []State{StateDraft, StateInProgress, StateInReview, StateDone},
		moves: map[State][]State{
			StateDraft:      {StateInProgress},
			StateInProgress: {StateInReview},
			StateInReview:   {StateInProgress, StateDone},
		},
	},
	KindEpic: {
		order: []State{StateDraft, StateInProgress, StateDone},
		moves: map[State][]State{
			StateDraft:      {StateInProgress},
			StateInProgress: {StateDone},
		},
	},
	KindFeature: {
		order: []State{StateProposed, StateActive, StateDone},
		moves: map[State][]State{
			StateProposed: {StateActive},
			StateActive:   {StateDone},
		},
	},
}

// InitialState is the state a newly created record of kind k starts in.
func InitialState(k Kind) State {
	return lifecycles[k].order[0]
}

// DoneState is the state CompleteRecord moves a record of kind k into.
func DoneState(k Kind) State {
	return StateDone
}

// States returns the lifecycle states valid for kind k, archived last.
func States(k Kind) []State {
	lc := lifecycles[k]
	out := make([]State, 0, len(lc.order)+1)
	out = append(out, lc.order...)
	return append(out, StateArchived)
}

// ValidState reports whether s belongs to the lifecycle of kind k.
func ValidState(k Kind, s State) bool {
	for _, st := range States(k) {
		if st == s {
			return true
		}
	}
	return false
}

// Rank returns the position of s in the lifecycle of k, or -1.
// Archived ranks after every other state.
func Rank(k Kind, s State) int {
	for i, st := range States(k) {
		if st == s {
			return i
		}
	}
	return -1
}

// CanTransition reports whether a record of kind k may move from one state
// to another. Any live state may be archived; archived is final.
func CanTransition(k Kind, from, to State) bool {
	if from == to || from == StateArchived {
		return false
	}
	if to == StateArchived {
		return ValidState(k, from)
	}
	for _, next := range lifecycles[k].moves[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s ends the lifecycle.
func IsTerminal(s State) bool {
	return s == StateDone || s == StateArchived
}

// NormalizeState maps loose status markers found in legacy documents
// ("Done", "In Progress", "complete", "wip") onto a lifecycle state of k.
// The boolean is false when the marker is not recognised.
func NormalizeState(k Kind, marker string) (State, bool) {
	m := strings.ToLower(strings.TrimSpace(marker))
	m = strings.Trim(m, "*_` ")
	m = strings.NewReplacer("_", "-", " ", "-").Replace(m)
	switch m {
	case "done", "complete", "completed", "finished", "closed", "shipped":
		return StateDone, true
	case "archived", "deleted", "abandoned", "cancelled", "canceled":
		return StateArchived, true
	case "in-review", "review", "ready-for-review", "reviewing":
		if k == KindStory {
			return StateInReview, true
		}
		return StateInProgress, k == KindEpic
	case "in-progress", "wip", "started", "doing", "active":
		switch k {
		case KindFeature:
			return StateActive, true
		default:
			return StateInProgress, true
		}
	case "draft", "todo", "backlog", "new", "proposed", "planned":
		if k == KindFeature {
			return StateProposed, true
		}
		return StateDraft, true
	}
	s := State(m)
	return s, ValidState(k, s)
}

// WorkItemRecord is the index row for one work item.
type WorkItemRecord struct {
	ID        string
	Kind      Kind
	Key       string
	Title     string
	State     State
	ParentID  string
	FilePath  string
	CommitID  string
	Seq       int
	CreatedAt time.Time
	UpdatedAt time.Time
	Metadata  map[string]string
}

// Clone returns a deep copy of the record.
func (r *WorkItemRecord) Clone() *WorkItemRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// AuditEntry is one append-only row of the state-change log. CommitID is
// empty until the commit that carries the change is attached; an entry with
// no commit belongs to an envelope that never committed.
type AuditEntry struct {
	Seq        int64
	RecordSeq  int
	RecordID   string
	PrevState  State
	NewState   State
	CommitID   string
	Timestamp  time.Time
	Actor      string
	Operation  string
	EnvelopeID string
}

// Note is free text attached to a work item.
type Note struct {
	ID         int64
	RecordID   string
	Body       string
	Actor      string
	CreatedAt  time.Time
	EnvelopeID string
}

// MigrationCheckpoint records a completed migration phase.
type MigrationCheckpoint struct {
	RunID         string
	Phase         int
	CommitID      string
	RowsProcessed int
	CreatedAt     time.Time
}

// RecordID joins a kind and key into an identifier.
func RecordID(k Kind, key string) string {
	return string(k) + "-" + key
}

var (
	epicKeyRe  = regexp.MustCompile(`^[0-9]+$`)
	storyKeyRe = regexp.MustCompile(`^([0-9]+)\.([0-9]+)$`)
	slugRe     = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
)

// ParseRecordID splits "story-4.2" into its kind and key and validates the
// key shape for that kind.
func ParseRecordID(id string) (Kind, string, error) {
	prefix, key, ok := strings.Cut(id, "-")
	if !ok || key == "" {
		return "", "", fmt.Errorf("invalid record id %q", id)
	}
	kind, err := ParseKind(prefix)
	if err != nil {
		return "", "", fmt.Errorf("invalid record id %q: %w", id, err)
	}
	if err := ValidateKey(kind, key); err != nil {
		return "", "", fmt.Errorf("invalid record id %q: %w", id, err)
	}
	return kind, key, nil
}

// ValidateKey checks key against the shape required for kind.
func ValidateKey(k Kind, key string) error {
	switch k {
	case KindEpic:
		if !epicKeyRe.MatchString(key) {
			return fmt.Errorf("epic key must be numeric, got %q", key)
		}
	case KindStory:
		if !storyKeyRe.MatchString(key) {
			return fmt.Errorf("story key must be <epic>.<n>, got %q", key)
		}
	case KindFeature:
		if !slugRe.MatchString(key) {
			return fmt.Errorf("feature key must be a lowercase slug, got %q", key)
		}
	}
	return nil
}

// StorySeq returns the epic key and sequence number encoded in a story key.
func StorySeq(key string) (epicKey string, seq int, ok bool) {
	m := storyKeyRe.FindStringSubmatch(key)
	if m == nil {
		return "", 0, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return m[1], n, true
}

// ImpliedParent returns the parent id encoded in a record key. Only stories
// carry their parent in the key.
func ImpliedParent(k Kind, key string) string {
	if k != KindStory {
		return ""
	}
	epicKey, _, ok := StorySeq(key)
	if !ok {
		return ""
	}
	return RecordID(KindEpic, epicKey)
}

// Slugify turns a title into a feature key.
func Slugify(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	s := strings.TrimSuffix(b.String(), "-")
	if len(s) > 48 {
		s = strings.TrimSuffix(s[:48], "-")
	}
	if s == "" {
		s = "feature"
	}
	return s
}
