package migrate

import (
	"context"
	"fmt"
	"strconv"

	"github.com/relaywork/workstate/internal/document"
	"github.com/relaywork/workstate/internal/history"
	"github.com/relaywork/workstate/internal/index"
	"github.com/relaywork/workstate/internal/txn"
	"github.com/relaywork/workstate/internal/types"
)

// InvalidDocumentError is returned by Registrar.Plan for a document whose
// front matter contradicts its file name.
type InvalidDocumentError struct {
	Path string
	Err  error
}

func (e *InvalidDocumentError) Error() string {
	return fmt.Sprintf("invalid document %s: %v", e.Path, e.Err)
}

func (e *InvalidDocumentError) Unwrap() error { return e.Err }

// Backfill is one record to register for an existing document.
type Backfill struct {
	Record    *types.WorkItemRecord
	Inference history.Inference

	// Write normalises a legacy document; nil when the front matter is
	// complete
	Write *txn.FileWrite
}

// Registrar plans records for unregistered documents. Records planned by
// the same Registrar may be parents of each other, so one Registrar should
// serve a single envelope.
type Registrar struct {
	layout   document.Layout
	inferrer *history.Inferrer

	planned    map[string]bool
	featureSeq int
}

// NewRegistrar returns a Registrar reading documents under layout.
func NewRegistrar(layout document.Layout, inferrer *history.Inferrer) *Registrar {
	return &Registrar{layout: layout, inferrer: inferrer, planned: make(map[string]bool)}
}

// Plan infers the record for e. It returns nil when e is already registered.
func (r *Registrar) Plan(ctx context.Context, tx *index.Tx, e document.Entry) (*Backfill, error) {
	ok, err := registered(ctx, tx, e.ID)
	if err != nil || ok {
		return nil, err
	}
	doc, err := r.layout.ReadRel(e.Path)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(e.ID); err != nil {
		return nil, &InvalidDocumentError{Path: e.Path, Err: err}
	}
	inf, err := r.inferrer.Infer(ctx, e, doc)
	if err != nil {
		return nil, err
	}

	rec := &types.WorkItemRecord{
		ID:       e.ID,
		Kind:     e.Kind,
		Key:      e.Key,
		Title:    titleOf(e, doc),
		State:    inf.State(),
		FilePath: e.Path,
	}
	if doc.FrontMatter != nil && len(doc.FrontMatter.Metadata) > 0 {
		rec.Metadata = doc.FrontMatter.Metadata
	}
	if t, ok := doc.CreatedAt(); ok {
		rec.CreatedAt = t
	}
	switch e.Kind {
	case types.KindStory:
		_, rec.Seq, _ = types.StorySeq(e.Key)
	case types.KindEpic:
		rec.Seq, _ = strconv.Atoi(e.Key)
	case types.KindFeature:
		if r.featureSeq == 0 {
			if r.featureSeq, err = tx.NextFeatureSeq(ctx); err != nil {
				return nil, err
			}
		}
		rec.Seq = r.featureSeq
		r.featureSeq++
	}
	if rec.ParentID, err = r.resolveParent(ctx, tx, e, doc); err != nil {
		return nil, err
	}

	b := &Backfill{Record: rec, Inference: inf}
	if needsNormalize(doc) {
		doc.Normalize(rec)
		data, err := doc.Render()
		if err != nil {
			return nil, err
		}
		b.Write = &txn.FileWrite{Path: e.Path, Data: data}
	}
	r.planned[e.ID] = true
	return b, nil
}

func titleOf(e document.Entry, doc *document.Document) string {
	if doc.FrontMatter != nil && doc.FrontMatter.Title != "" {
		return doc.FrontMatter.Title
	}
	if doc.Title != "" {
		return doc.Title
	}
	return e.ID
}

// needsNormalize reports whether a legacy document lacks the front matter
// fields later inference and audits read.
func needsNormalize(doc *document.Document) bool {
	fm := doc.FrontMatter
	return fm == nil || fm.ID == "" || fm.Kind == "" || fm.Status == ""
}

// resolveParent returns the parent id of a document when the parent is
// registered or planned by r. An unresolvable parent is left empty and
// surfaces as a validation warning.
func (r *Registrar) resolveParent(ctx context.Context, tx *index.Tx, e document.Entry, doc *document.Document) (string, error) {
	want, ok := e.Kind.ParentKind()
	if !ok {
		return "", nil
	}
	parent := types.ImpliedParent(e.Kind, e.Key)
	if doc.FrontMatter != nil && doc.FrontMatter.Parent != "" {
		parent = doc.FrontMatter.Parent
	}
	if parent == "" {
		return "", nil
	}
	if k, _, err := types.ParseRecordID(parent); err != nil || k != want {
		return "", nil
	}
	if r.planned[parent] {
		return parent, nil
	}
	ok, err := registered(ctx, tx, parent)
	if err != nil || !ok {
		return "", err
	}
	return parent, nil
}
