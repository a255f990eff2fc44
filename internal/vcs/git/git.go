// Package git provides a Git implementation of the VCS interface.
//
// Every operation shells out to the git binary in the repository root. The
// implementation never talks to a remote.
package git

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/relaywork/workstate/internal/vcs"
)

// DefaultTimeout bounds a single git invocation.
const DefaultTimeout = 30 * time.Second

// Git implements the VCS interface for git repositories.
type Git struct {
	// repoRoot is the repository root directory path
	repoRoot string

	// vcsDir is the .git directory path (per-worktree for worktrees)
	vcsDir string

	// commonDir is the shared .git directory (differs from vcsDir for worktrees)
	commonDir string

	// isWorktree indicates if this is a linked git worktree
	isWorktree bool

	// timeout bounds each git command
	timeout time.Duration
}

// New creates a new Git VCS instance for the given repository.
// The path should be somewhere within a git repository.
func New(path string) (*Git, error) {
	g := &Git{timeout: DefaultTimeout}

	if err := g.detect(path); err != nil {
		return nil, err
	}

	return g, nil
}

// Name returns the VCS type (git)
func (g *Git) Name() vcs.Type {
	return vcs.TypeGit
}

// Version returns the git version string
func (g *Git) Version() (string, error) {
	output, err := exec.Command("git", "--version").Output()
	if err != nil {
		return "", fmt.Errorf("failed to get git version: %w", err)
	}

	// Output format: "git version 2.39.0"
	return strings.TrimPrefix(strings.TrimSpace(string(output)), "git version "), nil
}

// RepoRoot returns the repository root directory path
func (g *Git) RepoRoot() (string, error) {
	if g.repoRoot == "" {
		return "", vcs.ErrNotInVCS
	}
	return g.repoRoot, nil
}

// VCSDir returns the .git directory path
func (g *Git) VCSDir() (string, error) {
	if g.vcsDir == "" {
		return "", vcs.ErrNotInVCS
	}
	return g.vcsDir, nil
}

// Exec executes a raw git command
func (g *Git) Exec(ctx context.Context, args ...string) ([]byte, error) {
	return g.run(ctx, args...)
}

// run executes git in the repository root and classifies common failures.
func (g *Git) run(ctx context.Context, args ...string) ([]byte, error) {
	full := append([]string{"-c", "core.quotePath=false"}, args...)
	output, err := vcs.ExecContext(ctx, g.timeout, g.repoRoot, "git", full...)
	if err != nil {
		if errors.Is(err, vcs.ErrTimeout) {
			return output, err
		}
		msg := err.Error()
		if strings.Contains(msg, "index.lock") {
			return output, fmt.Errorf("git %s failed: %w: %s", args[0], vcs.ErrLocked, msg)
		}
		return output, fmt.Errorf("git %s failed: %w", strings.Join(args, " "), err)
	}
	return output, nil
}

// succeeds runs a git command whose exit status is the answer: exit 0 is true,
// exit 1 or 128 is false, anything else is an error.
func (g *Git) succeeds(ctx context.Context, args ...string) (bool, error) {
	_, err := g.run(ctx, args...)
	if err == nil {
		return true, nil
	}
	if code := vcs.GetExitCode(err); code == 1 || code == 128 {
		return false, nil
	}
	return false, err
}
