package migrate

import (
	"context"

	"github.com/relaywork/workstate/internal/types"
)

// PlannedRecord is a document a run would register.
type PlannedRecord struct {
	ID    string
	Kind  types.Kind
	Path  string
	State types.State

	// Source is the inference source; empty when the plan was built
	// without inference
	Source string
}

// Plan previews a migration without writing anything.
type Plan struct {
	SchemaPresent bool
	Pending       []PlannedRecord

	// Skipped lists document names that do not follow the naming convention
	Skipped []string
}

// UpToDate reports whether a run would have nothing to do.
func (p *Plan) UpToDate() bool {
	return p.SchemaPresent && len(p.Pending) == 0
}

// Plan lists the documents a run would register. With infer set the state
// of each is inferred as the run would, which reads git history for every
// story.
func (c *Coordinator) Plan(ctx context.Context, infer bool) (*Plan, error) {
	p := &Plan{}
	ok, err := c.db.HasSchema(ctx)
	if err != nil {
		return nil, err
	}
	p.SchemaPresent = ok

	entries, skipped, err := c.layout.Scan()
	if err != nil {
		return nil, err
	}
	p.Skipped = skipped

	for _, e := range entries {
		if p.SchemaPresent {
			known, err := registered(ctx, c.db, e.ID)
			if err != nil {
				return nil, err
			}
			if known {
				continue
			}
		}
		pr := PlannedRecord{ID: e.ID, Kind: e.Kind, Path: e.Path}
		if infer {
			doc, err := c.layout.ReadRel(e.Path)
			if err != nil {
				return nil, err
			}
			inf, err := c.inferrer.Infer(ctx, e, doc)
			if err != nil {
				return nil, err
			}
			pr.State, pr.Source = inf.State(), inf.Source()
		}
		p.Pending = append(p.Pending, pr)
	}
	return p, nil
}
