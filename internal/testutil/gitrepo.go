// Package testutil builds throwaway git repositories for tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Git runs git in dir and returns its trimmed combined output.
func Git(t testing.TB, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

// GitAt runs git with both author and committer dates pinned to at.
func GitAt(t testing.TB, dir string, at time.Time, args ...string) string {
	t.Helper()
	stamp := at.Format(time.RFC3339)
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_AUTHOR_DATE="+stamp, "GIT_COMMITTER_DATE="+stamp)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

// NewRepo initialises a repository on branch main with one commit.
func NewRepo(t testing.TB) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	root := t.TempDir()
	Git(t, root, "init", "-q", "-b", "main")
	Git(t, root, "config", "user.name", "Test User")
	Git(t, root, "config", "user.email", "test@example.com")
	Git(t, root, "config", "commit.gpgsign", "false")
	WriteFile(t, root, "README.md", "# project\n")
	Git(t, root, "add", "README.md")
	Git(t, root, "commit", "-q", "-m", "initial")
	return root
}

// WriteFile writes content to the repo-relative path rel.
func WriteFile(t testing.TB, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

// ReadFile returns the content of the repo-relative path rel.
func ReadFile(t testing.TB, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

// CommitAll stages everything and commits with message.
func CommitAll(t testing.TB, root, message string) string {
	t.Helper()
	Git(t, root, "add", "-A")
	Git(t, root, "commit", "-q", "-m", message)
	return Git(t, root, "rev-parse", "HEAD")
}

// CommitAllAt is CommitAll with a pinned commit date.
func CommitAllAt(t testing.TB, root, message string, at time.Time) string {
	t.Helper()
	Git(t, root, "add", "-A")
	GitAt(t, root, at, "commit", "-q", "-m", message)
	return Git(t, root, "rev-parse", "HEAD")
}
