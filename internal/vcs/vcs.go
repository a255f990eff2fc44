// Package vcs defines the version-control collaborator used by the state
// layer.
//
// The transactional manager, the migration coordinator and the consistency
// auditor only ever talk to version control through the VCS interface. All
// operations are local: nothing here fetches, pulls or pushes.
//
// # Usage
//
//	import _ "github.com/relaywork/workstate/internal/vcs/git" // registers git
//
//	v, err := vcs.GetForPath(root)
//	if err != nil {
//	    return err
//	}
//	clean, err := v.IsClean(ctx)
//
// # Implementations
//
//   - internal/vcs/git: git CLI implementation
package vcs

import (
	"context"
	"time"
)

// Type represents the VCS backend type
type Type string

const (
	// TypeGit indicates a git repository
	TypeGit Type = "git"
)

// String returns the string representation of the VCS type
func (t Type) String() string {
	return string(t)
}

// VCS is the contract the state layer needs from version control.
type VCS interface {
	// ===================
	// Identity
	// ===================

	// Name returns the VCS type
	Name() Type

	// Version returns the VCS binary version string
	Version() (string, error)

	// RepoRoot returns the working tree root directory
	RepoRoot() (string, error)

	// VCSDir returns the metadata directory (.git)
	VCSDir() (string, error)

	// ===================
	// Working tree
	// ===================

	// Status returns the status of changed files, optionally limited to paths
	Status(ctx context.Context, paths ...string) ([]FileStatus, error)

	// IsClean reports whether the working tree has no staged, unstaged
	// or untracked changes
	IsClean(ctx context.Context) (bool, error)

	// StageAll stages every change in the working tree
	StageAll(ctx context.Context) error

	// Commit creates a commit and returns its id
	Commit(ctx context.Context, opts CommitOptions) (string, error)

	// ResetHard moves the current branch, index and working tree to commit
	ResetHard(ctx context.Context, commit string) error

	// RestorePath discards working-tree changes to one path: tracked files
	// are restored from HEAD, files unknown to HEAD are removed
	RestorePath(ctx context.Context, path string) error

	// IsTracked reports whether path is known to HEAD or the staging area
	IsTracked(ctx context.Context, path string) (bool, error)

	// ListTracked lists tracked files under dir (repo-relative, slash separated)
	ListTracked(ctx context.Context, dir string) ([]string, error)

	// Diff returns a unified diff of the working tree against HEAD
	Diff(ctx context.Context, paths ...string) ([]byte, error)

	// IgnoreLocal adds a pattern to the repository-local exclude file so
	// that private state never shows up as a working-tree change
	IgnoreLocal(pattern string) error

	// ===================
	// History & references
	// ===================

	// Log returns commits matching the query, newest first
	Log(ctx context.Context, q LogQuery) ([]CommitInfo, error)

	// GetCommitHash resolves a reference to a commit id
	GetCommitHash(ctx context.Context, ref string) (string, error)

	// ExtractFileFromRef reads a file's content at a reference
	ExtractFileFromRef(ctx context.Context, ref, path string) ([]byte, error)

	// CurrentRef returns the current branch name ("" when detached)
	CurrentRef(ctx context.Context) (string, error)

	// RefExists reports whether a local branch exists
	RefExists(ctx context.Context, name string) bool

	// CreateRef creates a branch at base (HEAD when empty)
	CreateRef(ctx context.Context, name, base string) error

	// DeleteRef deletes a local branch
	DeleteRef(ctx context.Context, name string) error

	// ListRefs lists local branches whose name starts with prefix
	ListRefs(ctx context.Context, prefix string) ([]RefInfo, error)

	// Checkout switches the working tree to a branch
	Checkout(ctx context.Context, ref string) error

	// Exec runs a raw VCS command in the repository root
	Exec(ctx context.Context, args ...string) ([]byte, error)
}

// StatusCode represents the status of a file in the working directory
type StatusCode int

const (
	StatusUnmodified StatusCode = iota
	StatusModified
	StatusAdded
	StatusDeleted
	StatusRenamed
	StatusCopied
	StatusUntracked
	StatusIgnored
	StatusConflict
)

// String returns a short label for the status
func (s StatusCode) String() string {
	switch s {
	case StatusModified:
		return "modified"
	case StatusAdded:
		return "added"
	case StatusDeleted:
		return "deleted"
	case StatusRenamed:
		return "renamed"
	case StatusCopied:
		return "copied"
	case StatusUntracked:
		return "untracked"
	case StatusIgnored:
		return "ignored"
	case StatusConflict:
		return "conflict"
	}
	return "unmodified"
}

// FileStatus describes one changed path
type FileStatus struct {
	// Path is repo-relative and slash separated
	Path string

	// Status is the working-tree status
	Status StatusCode

	// StagedCode is the staging-area status
	StagedCode StatusCode

	// OrigPath is the source of a staged rename or copy
	OrigPath string
}

// Effective returns the most significant of the staged and unstaged codes.
func (f FileStatus) Effective() StatusCode {
	if f.Status != StatusUnmodified {
		return f.Status
	}
	return f.StagedCode
}

// CommitOptions configures a commit
type CommitOptions struct {
	// Message is the full commit message (subject, blank line, body)
	Message string

	// Author overrides the commit author ("Name <email>")
	Author string

	// NoVerify skips pre-commit and commit-msg hooks
	NoVerify bool

	// AllowEmpty permits a commit with no changes
	AllowEmpty bool
}

// LogQuery selects commits for Log.
type LogQuery struct {
	// Ref is the starting point (HEAD when empty)
	Ref string

	// Paths limits to commits touching these paths
	Paths []string

	// Grep limits to commits whose message matches (fixed string)
	Grep string

	// Since limits to commits newer than this time
	Since time.Time

	// Limit caps the number of commits (0 = unlimited)
	Limit int
}

// CommitInfo describes one commit.
type CommitInfo struct {
	Hash    string
	Author  string
	Time    time.Time
	Subject string
	Body    string
}

// RefInfo contains information about a branch
type RefInfo struct {
	// Name is the branch name
	Name string

	// Hash is the commit the branch points to
	Hash string
}
