package txn

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/relaywork/workstate/internal/document"
	"github.com/relaywork/workstate/internal/history"
	"github.com/relaywork/workstate/internal/index"
	"github.com/relaywork/workstate/internal/types"
)

type opConfig struct {
	actor    string
	metadata map[string]string
}

// OpOption customises a single operation.
type OpOption func(*opConfig)

// WithActor records actor instead of the manager default.
func WithActor(actor string) OpOption {
	return func(c *opConfig) { c.actor = actor }
}

// WithMetadata merges key/value pairs into the record metadata.
func WithMetadata(md map[string]string) OpOption {
	return func(c *opConfig) {
		if c.metadata == nil {
			c.metadata = make(map[string]string, len(md))
		}
		for k, v := range md {
			c.metadata[k] = v
		}
	}
}

func applyOptions(opts []OpOption) opConfig {
	var c opConfig
	for _, o := range opts {
		o(&c)
	}
	return c
}

func mergeMetadata(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	out := make(map[string]string, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

func (m *Manager) finish(res *Result, err error) (*types.WorkItemRecord, error) {
	if err != nil {
		return nil, err
	}
	if len(res.Records) == 0 {
		return nil, fmt.Errorf("envelope %s produced no record", res.EnvelopeID)
	}
	return res.Records[0], nil
}

// CreateRecord creates a new work item: a document with front matter, an
// index row in its initial state, and a create commit.
//
// Stories require an epic parent; epics may name a feature; features have
// no parent.
func (m *Manager) CreateRecord(ctx context.Context, kind types.Kind, parentID, title, content string, opts ...OpOption) (*types.WorkItemRecord, error) {
	cfg := applyOptions(opts)
	title = strings.TrimSpace(title)

	var rec *types.WorkItemRecord
	env := &Envelope{
		Op:      history.OpCreate,
		Summary: title,
		Actor:   cfg.actor,
	}

	env.Prepare = func(ctx context.Context, tx *index.Tx) ([]FileWrite, error) {
		if _, err := types.ParseKind(string(kind)); err != nil {
			return nil, err
		}
		if title == "" {
			return nil, fmt.Errorf("title is required")
		}
		if err := m.checkParent(ctx, tx, kind, parentID); err != nil {
			return nil, err
		}

		key, seq, err := m.allocateKey(ctx, tx, kind, parentID, title)
		if err != nil {
			return nil, err
		}

		now := m.now()
		rec = &types.WorkItemRecord{
			ID:        types.RecordID(kind, key),
			Kind:      kind,
			Key:       key,
			Title:     title,
			State:     types.InitialState(kind),
			ParentID:  parentID,
			FilePath:  m.layout.PathFor(kind, key),
			Seq:       seq,
			CreatedAt: now,
			UpdatedAt: now,
			Metadata:  mergeMetadata(nil, cfg.metadata),
		}
		env.Subject = rec.ID

		data, err := document.New(rec, content).Render()
		if err != nil {
			return nil, err
		}
		return []FileWrite{{Path: rec.FilePath, Data: data}}, nil
	}

	env.Apply = func(ctx context.Context, fx *Effects) error {
		if err := fx.Put(ctx, rec); err != nil {
			return err
		}
		return fx.Audit(ctx, rec.ID, "", rec.State)
	}

	return m.finish(m.Execute(ctx, env))
}

func (m *Manager) checkParent(ctx context.Context, tx *index.Tx, kind types.Kind, parentID string) error {
	want, hasParent := kind.ParentKind()
	if !hasParent {
		if parentID != "" {
			return fmt.Errorf("%s records have no parent", kind)
		}
		return nil
	}
	if parentID == "" {
		if kind == types.KindStory {
			return fmt.Errorf("stories require an epic parent")
		}
		return nil
	}

	parentKind, _, err := types.ParseRecordID(parentID)
	if err != nil {
		return err
	}
	if parentKind != want {
		return fmt.Errorf("%s parent must be a %s, got %s", kind, want, parentID)
	}
	parent, err := record(ctx, tx, parentID)
	if err != nil {
		return err
	}
	if parent.State == types.StateArchived {
		return fmt.Errorf("parent %s is archived", parentID)
	}
	return nil
}

// allocateKey picks the next free key. Documents on disk that the index
// does not know about yet still reserve their key.
func (m *Manager) allocateKey(ctx context.Context, tx *index.Tx, kind types.Kind, parentID, title string) (string, int, error) {
	switch kind {
	case types.KindFeature:
		key, err := tx.UniqueFeatureKey(ctx, types.Slugify(title))
		if err != nil {
			return "", 0, err
		}
		base := key
		for n := 2; m.layout.Exists(m.layout.PathFor(kind, key)); n++ {
			key = fmt.Sprintf("%s-%d", base, n)
		}
		seq, err := tx.NextFeatureSeq(ctx)
		return key, seq, err

	case types.KindEpic:
		key, err := tx.NextEpicKey(ctx)
		if err != nil {
			return "", 0, err
		}
		n, err := strconv.Atoi(key)
		if err != nil {
			return "", 0, fmt.Errorf("invalid epic key %q: %w", key, err)
		}
		for m.layout.Exists(m.layout.PathFor(kind, key)) {
			n++
			key = strconv.Itoa(n)
		}
		return key, n, nil

	case types.KindStory:
		key, seq, err := tx.NextStoryKey(ctx, parentID)
		if err != nil {
			return "", 0, err
		}
		_, epicKey, _ := types.ParseRecordID(parentID)
		for m.layout.Exists(m.layout.PathFor(kind, key)) {
			seq++
			key = fmt.Sprintf("%s.%d", epicKey, seq)
		}
		return key, seq, nil
	}
	return "", 0, fmt.Errorf("unknown record kind %q", kind)
}

// TransitionState moves a record to a new lifecycle state.
func (m *Manager) TransitionState(ctx context.Context, id string, to types.State, opts ...OpOption) (*types.WorkItemRecord, error) {
	return m.changeState(ctx, history.OpTransition, id, to, "", opts)
}

// CompleteRecord moves a record to its done state, optionally replacing the
// document body with finalContent.
func (m *Manager) CompleteRecord(ctx context.Context, id, finalContent string, opts ...OpOption) (*types.WorkItemRecord, error) {
	kind, _, err := types.ParseRecordID(id)
	if err != nil {
		return nil, &OpError{Op: string(history.OpComplete), RecordID: id, Err: err}
	}
	return m.changeState(ctx, history.OpComplete, id, types.DoneState(kind), finalContent, opts)
}

func (m *Manager) changeState(ctx context.Context, op history.Op, id string, to types.State, content string, opts []OpOption) (*types.WorkItemRecord, error) {
	cfg := applyOptions(opts)

	var prev, next *types.WorkItemRecord
	env := &Envelope{Op: op, Subject: id, Actor: cfg.actor}

	env.Prepare = func(ctx context.Context, tx *index.Tx) ([]FileWrite, error) {
		rec, err := record(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if !types.ValidState(rec.Kind, to) {
			return nil, fmt.Errorf("%w: %q is not a %s state", ErrInvalidTransition, to, rec.Kind)
		}
		if !types.CanTransition(rec.Kind, rec.State, to) {
			return nil, fmt.Errorf("%w: %s cannot move from %s to %s", ErrInvalidTransition, id, rec.State, to)
		}

		doc, err := m.layout.ReadRel(rec.FilePath)
		if err != nil {
			return nil, err
		}
		if err := doc.Validate(id); err != nil {
			return nil, err
		}

		prev = rec
		next = rec.Clone()
		next.State = to
		next.UpdatedAt = m.now()
		next.Metadata = mergeMetadata(rec.Metadata, cfg.metadata)

		doc.Normalize(next)
		doc.SetStatus(to)
		if len(cfg.metadata) > 0 {
			doc.FrontMatter.Metadata = next.Metadata
		}
		if content != "" {
			doc.Body = strings.TrimSpace(content)
		}
		data, err := doc.Render()
		if err != nil {
			return nil, err
		}

		env.Summary = history.Arrow(prev.State, to)
		return []FileWrite{{Path: rec.FilePath, Data: data}}, nil
	}

	env.Apply = func(ctx context.Context, fx *Effects) error {
		if err := fx.Put(ctx, next); err != nil {
			return err
		}
		return fx.Audit(ctx, id, prev.State, next.State)
	}

	return m.finish(m.Execute(ctx, env))
}

// AddNote appends a note to the record's document and the notes table.
func (m *Manager) AddNote(ctx context.Context, id, text string, opts ...OpOption) (*types.Note, error) {
	cfg := applyOptions(opts)
	text = strings.TrimSpace(text)

	var rec *types.WorkItemRecord
	var note *types.Note
	env := &Envelope{Op: history.OpNote, Subject: id, Actor: cfg.actor, Summary: text}

	env.Prepare = func(ctx context.Context, tx *index.Tx) ([]FileWrite, error) {
		if text == "" {
			return nil, fmt.Errorf("note text is required")
		}
		var err error
		rec, err = record(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		doc, err := m.layout.ReadRel(rec.FilePath)
		if err != nil {
			return nil, err
		}
		doc.AddNote(m.now(), env.Actor, text)
		data, err := doc.Render()
		if err != nil {
			return nil, err
		}
		return []FileWrite{{Path: rec.FilePath, Data: data}}, nil
	}

	env.Apply = func(ctx context.Context, fx *Effects) error {
		updated := rec.Clone()
		updated.UpdatedAt = fx.Now()
		if err := fx.Put(ctx, updated); err != nil {
			return err
		}
		n, err := fx.Note(ctx, id, text)
		if err != nil {
			return err
		}
		note = n
		return fx.Audit(ctx, id, rec.State, rec.State)
	}

	if _, err := m.Execute(ctx, env); err != nil {
		return nil, err
	}
	return note, nil
}

// Get returns a record by id.
func (m *Manager) Get(ctx context.Context, id string) (*types.WorkItemRecord, error) {
	rec, err := m.db.GetRecord(ctx, id)
	if errors.Is(err, index.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return rec, err
}
