package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/relaywork/workstate/internal/vcs"
)

// Status returns the status of files in the working directory.
// Untracked directories are expanded into individual files.
func (g *Git) Status(ctx context.Context, paths ...string) ([]vcs.FileStatus, error) {
	args := []string{"status", "--porcelain=v1", "-z", "--untracked-files=all"}
	if len(paths) > 0 {
		args = append(args, "--")
		args = append(args, paths...)
	}

	output, err := g.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	return parseStatus(output), nil
}

// parseStatus parses NUL-separated porcelain v1 output.
// Format per entry: "XY path", followed by an extra "orig" entry for
// renames and copies. The source of a rename is reported as a staged
// deletion of its own.
func parseStatus(output []byte) []vcs.FileStatus {
	var statuses []vcs.FileStatus
	entries := strings.Split(string(output), "\x00")

	for i := 0; i < len(entries); i++ {
		entry := entries[i]
		if len(entry) < 4 {
			continue
		}

		staged := entry[0:1]
		unstaged := entry[1:2]
		fs := vcs.FileStatus{
			Path:       entry[3:],
			Status:     parseStatusCode(unstaged),
			StagedCode: parseStatusCode(staged),
		}

		// Rename and copy entries carry the source path next
		if (staged == "R" || staged == "C") && i+1 < len(entries) {
			i++
			fs.OrigPath = entries[i]
		}
		statuses = append(statuses, fs)

		if staged == "R" && fs.OrigPath != "" {
			statuses = append(statuses, vcs.FileStatus{
				Path:       fs.OrigPath,
				StagedCode: vcs.StatusDeleted,
			})
		}
	}

	return statuses
}

// parseStatusCode converts git status code to vcs.StatusCode
func parseStatusCode(code string) vcs.StatusCode {
	switch code {
	case "M", "T":
		return vcs.StatusModified
	case "A":
		return vcs.StatusAdded
	case "D":
		return vcs.StatusDeleted
	case "R":
		return vcs.StatusRenamed
	case "C":
		return vcs.StatusCopied
	case "?":
		return vcs.StatusUntracked
	case "!":
		return vcs.StatusIgnored
	case "U":
		return vcs.StatusConflict
	default:
		return vcs.StatusUnmodified
	}
}

// IsClean reports whether git status shows nothing at all.
func (g *Git) IsClean(ctx context.Context) (bool, error) {
	statuses, err := g.Status(ctx)
	if err != nil {
		return false, err
	}
	return len(statuses) == 0, nil
}

// StageAll stages additions, modifications and deletions across the tree.
func (g *Git) StageAll(ctx context.Context) error {
	_, err := g.run(ctx, "add", "--all")
	return err
}

// Commit creates a commit from the staging area and returns its id.
func (g *Git) Commit(ctx context.Context, opts vcs.CommitOptions) (string, error) {
	if opts.Message == "" {
		return "", fmt.Errorf("commit message is required")
	}

	args := []string{"commit", "-q", "-m", opts.Message}

	if opts.Author != "" {
		args = append(args, "--author", opts.Author)
	}

	if opts.NoVerify {
		args = append(args, "--no-verify")
	}

	if opts.AllowEmpty {
		args = append(args, "--allow-empty")
	}

	output, err := g.run(ctx, args...)
	if err != nil {
		return "", g.classifyCommitError(err, output, opts)
	}

	return g.GetCommitHash(ctx, "HEAD")
}

// classifyCommitError maps a failed git commit onto the vcs sentinels.
func (g *Git) classifyCommitError(err error, output []byte, opts vcs.CommitOptions) error {
	if errors.Is(err, vcs.ErrLocked) || errors.Is(err, vcs.ErrTimeout) {
		return err
	}
	msg := err.Error() + string(output)
	if strings.Contains(msg, "nothing to commit") || strings.Contains(msg, "no changes added to commit") {
		return fmt.Errorf("%w: %v", vcs.ErrNothingToCommit, err)
	}
	if !opts.NoVerify && (g.hasHook("pre-commit") || g.hasHook("commit-msg")) {
		return fmt.Errorf("%w: %v", vcs.ErrHookRejected, err)
	}
	return err
}

// hasHook reports whether an executable hook with the given name exists.
func (g *Git) hasHook(name string) bool {
	info, err := os.Stat(filepath.Join(g.commonDir, "hooks", name))
	return err == nil && info.Mode()&0111 != 0
}

// ResetHard moves HEAD, the staging area and the working tree to commit.
func (g *Git) ResetHard(ctx context.Context, commit string) error {
	if commit == "" {
		return fmt.Errorf("reset target is required")
	}
	_, err := g.run(ctx, "reset", "--hard", "-q", commit)
	return err
}

// RestorePath discards all changes to path.
func (g *Git) RestorePath(ctx context.Context, path string) error {
	inHead, err := g.succeeds(ctx, "cat-file", "-e", "HEAD:"+path)
	if err != nil {
		return err
	}

	if inHead {
		_, err := g.run(ctx, "checkout", "-q", "HEAD", "--", path)
		return err
	}

	// Unknown to HEAD: unstage if staged, then delete
	if _, err := g.run(ctx, "rm", "--cached", "-q", "--ignore-unmatch", "--", path); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(g.repoRoot, filepath.FromSlash(path))); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// IsTracked reports whether path is in the staging area.
func (g *Git) IsTracked(ctx context.Context, path string) (bool, error) {
	return g.succeeds(ctx, "ls-files", "--error-unmatch", "--", path)
}

// ListTracked lists tracked files under dir.
func (g *Git) ListTracked(ctx context.Context, dir string) ([]string, error) {
	args := []string{"ls-files", "-z"}
	if dir != "" {
		args = append(args, "--", dir)
	}

	output, err := g.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, f := range strings.Split(string(output), "\x00") {
		if f != "" {
			files = append(files, f)
		}
	}
	return files, nil
}

// Diff returns the working-tree diff against HEAD for the given paths.
func (g *Git) Diff(ctx context.Context, paths ...string) ([]byte, error) {
	if _, err := g.GetCommitHash(ctx, "HEAD"); err != nil {
		// Unborn branch: nothing to diff against
		return nil, nil
	}
	args := []string{"diff", "--no-color", "--no-ext-diff", "HEAD"}
	if len(paths) > 0 {
		args = append(args, "--")
		args = append(args, paths...)
	}
	return g.run(ctx, args...)
}
