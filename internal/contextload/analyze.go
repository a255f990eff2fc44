package contextload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/relaywork/workstate/internal/document"
	"github.com/relaywork/workstate/internal/index"
	"github.com/relaywork/workstate/internal/migrate"
	"github.com/relaywork/workstate/internal/types"
	"github.com/relaywork/workstate/internal/vcs"
)

// AnalyzeOptions locates the pieces of a project.
type AnalyzeOptions struct {
	// IndexPath is the index file (".workstate/index.db" under root when empty)
	IndexPath string

	// DocsDir is the docs directory relative to root ("docs" when empty)
	DocsDir string

	// BranchPrefix selects migration branches (migrate.DefaultBranchPrefix when empty)
	BranchPrefix string

	// VCS is used for branch discovery. When nil no branch information is
	// gathered.
	VCS vcs.VCS
}

// ProjectState summarises what already exists in a repository.
type ProjectState struct {
	Root string `json:"root"`

	IndexExists      bool   `json:"index_exists"`
	SchemaPresent    bool   `json:"schema_present"`
	SchemaVersion    string `json:"schema_version,omitempty"`
	SchemaCompatible bool   `json:"schema_compatible"`

	// Records counts index rows per kind
	Records map[types.Kind]int `json:"records"`

	// Documents counts document files per kind, from directory listing only
	Documents map[types.Kind]int `json:"documents"`

	Manifest *document.Manifest `json:"manifest,omitempty"`

	CurrentBranch     string   `json:"current_branch,omitempty"`
	MigrationBranches []string `json:"migration_branches,omitempty"`
}

// Populated reports whether the index holds any records.
func (p *ProjectState) Populated() bool {
	for _, n := range p.Records {
		if n > 0 {
			return true
		}
	}
	return false
}

// NeedsMigration reports whether documents exist that the index does not
// account for.
func (p *ProjectState) NeedsMigration() bool {
	if !p.SchemaPresent || !p.SchemaCompatible {
		return total(p.Documents) > 0
	}
	for k, n := range p.Documents {
		if n > p.Records[k] {
			return true
		}
	}
	return false
}

// AbandonedBranches returns migration branches that are not checked out and
// whose run the manifest does not mark complete.
func (p *ProjectState) AbandonedBranches() []string {
	var out []string
	for _, b := range p.MigrationBranches {
		if b == p.CurrentBranch {
			continue
		}
		if p.Manifest != nil && p.Manifest.Completed && p.Manifest.Branch == b {
			continue
		}
		out = append(out, b)
	}
	return out
}

func total(m map[types.Kind]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}

// AnalyzeExistingProject inspects root without modifying anything.
func AnalyzeExistingProject(ctx context.Context, root string, opts AnalyzeOptions) (*ProjectState, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if opts.IndexPath == "" {
		opts.IndexPath = filepath.Join(abs, ".workstate", "index.db")
	}
	if opts.BranchPrefix == "" {
		opts.BranchPrefix = migrate.DefaultBranchPrefix
	}

	st := &ProjectState{
		Root:      abs,
		Records:   map[types.Kind]int{},
		Documents: map[types.Kind]int{},
	}

	if err := analyzeIndex(ctx, opts.IndexPath, st); err != nil {
		return nil, err
	}

	layout := document.NewLayout(abs, opts.DocsDir)
	docs, err := layout.Count()
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	st.Documents = docs

	st.Manifest, err = layout.ReadManifest()
	if err != nil {
		return nil, err
	}

	if opts.VCS != nil {
		if cur, err := opts.VCS.CurrentRef(ctx); err == nil {
			st.CurrentBranch = cur
		}
		refs, err := opts.VCS.ListRefs(ctx, opts.BranchPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to list migration branches: %w", err)
		}
		for _, r := range refs {
			if strings.HasPrefix(r.Name, opts.BranchPrefix) {
				st.MigrationBranches = append(st.MigrationBranches, r.Name)
			}
		}
	}
	return st, nil
}

func analyzeIndex(ctx context.Context, path string, st *ProjectState) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	st.IndexExists = true

	db, err := index.OpenReadOnly(path)
	if err != nil {
		return err
	}
	defer db.Close()

	ok, err := db.HasSchema(ctx)
	if err != nil || !ok {
		return err
	}
	st.SchemaPresent = true
	st.SchemaVersion, err = db.StoredSchemaVersion(ctx)
	if err != nil {
		return err
	}
	st.SchemaCompatible = db.CheckSchema(ctx) == nil
	if !st.SchemaCompatible {
		return nil
	}
	counts, err := db.CountByKind(ctx)
	if err != nil {
		return err
	}
	st.Records = counts
	return nil
}
