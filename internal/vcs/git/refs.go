package git

import (
	"context"
	"fmt"
	"strings"

	"github.com/relaywork/workstate/internal/vcs"
)

// CurrentRef returns the current branch name
// Returns empty string if in detached HEAD state
func (g *Git) CurrentRef(ctx context.Context) (string, error) {
	output, err := g.run(ctx, "symbolic-ref", "--short", "-q", "HEAD")
	if err != nil {
		if vcs.GetExitCode(err) == 1 {
			return "", nil // Detached HEAD
		}
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}

	return vcs.TrimOutput(output), nil
}

// RefExists returns true if the named branch exists
func (g *Git) RefExists(ctx context.Context, name string) bool {
	ok, _ := g.succeeds(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return ok
}

// CreateRef creates a new branch at the specified base
// If base is empty, creates at current HEAD
func (g *Git) CreateRef(ctx context.Context, name string, base string) error {
	if g.RefExists(ctx, name) {
		return vcs.ErrRefExists
	}

	args := []string{"branch", name}
	if base != "" {
		args = append(args, base)
	}

	if _, err := g.run(ctx, args...); err != nil {
		return fmt.Errorf("failed to create branch: %w", err)
	}

	return nil
}

// DeleteRef deletes the named branch
func (g *Git) DeleteRef(ctx context.Context, name string) error {
	if !g.RefExists(ctx, name) {
		return vcs.ErrRefNotFound
	}

	if _, err := g.run(ctx, "branch", "-D", name); err != nil {
		return fmt.Errorf("failed to delete branch: %w", err)
	}

	return nil
}

// ListRefs returns local branches whose name starts with prefix
func (g *Git) ListRefs(ctx context.Context, prefix string) ([]vcs.RefInfo, error) {
	output, err := g.run(ctx, "for-each-ref", "--format=%(refname) %(objectname)", "refs/heads/")
	if err != nil {
		return nil, err
	}

	var refs []vcs.RefInfo
	for _, line := range vcs.ParseLines(output) {
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}

		name := strings.TrimPrefix(parts[0], "refs/heads/")
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		refs = append(refs, vcs.RefInfo{Name: name, Hash: parts[1]})
	}

	return refs, nil
}

// Checkout switches the working tree to the named branch
func (g *Git) Checkout(ctx context.Context, ref string) error {
	if _, err := g.run(ctx, "checkout", "-q", ref); err != nil {
		return fmt.Errorf("failed to checkout %s: %w", ref, err)
	}
	return nil
}

// GetCommitHash returns the commit hash for the given reference
func (g *Git) GetCommitHash(ctx context.Context, ref string) (string, error) {
	output, err := g.run(ctx, "rev-parse", "--verify", "-q", ref+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("failed to resolve ref %s: %w", ref, vcs.ErrRefNotFound)
	}

	return vcs.TrimOutput(output), nil
}

// ExtractFileFromRef extracts a file's content from a specific ref
func (g *Git) ExtractFileFromRef(ctx context.Context, ref, path string) ([]byte, error) {
	output, err := g.run(ctx, "show", ref+":"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to extract file from ref: %w", err)
	}

	return output, nil
}
