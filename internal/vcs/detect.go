package vcs

import (
	"os"
	"os/exec"
	"path/filepath"
)

// DetectionResult contains information about the detected repository
type DetectionResult struct {
	// Type is the detected VCS type
	Type Type

	// RepoRoot is the repository root directory path
	RepoRoot string

	// VCSDir is the metadata directory path (.git, or the .git file of a worktree)
	VCSDir string

	// IsWorktree indicates .git is a file rather than a directory
	IsWorktree bool
}

// Detect walks up from path until it finds a .git directory or file.
//
// Returns ErrNotInVCS if no repository is found.
func Detect(path string) (*DetectionResult, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	current := absPath
	for {
		gitPath := filepath.Join(current, ".git")
		if info, err := os.Stat(gitPath); err == nil {
			return &DetectionResult{
				Type:       TypeGit,
				RepoRoot:   current,
				VCSDir:     gitPath,
				IsWorktree: info.Mode().IsRegular(),
			}, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			// Reached filesystem root without finding VCS
			return nil, ErrNotInVCS
		}
		current = parent
	}
}

// IsGitAvailable checks if the git command is available on the system
func IsGitAvailable() bool {
	_, err := exec.LookPath("git")
	return err == nil
}

// DetectWithAvailability performs detection and checks binary availability.
func DetectWithAvailability(path string) (*DetectionResult, error) {
	result, err := Detect(path)
	if err != nil {
		return nil, err
	}
	if result.Type == TypeGit && !IsGitAvailable() {
		return nil, ErrVCSNotAvailable
	}
	return result, nil
}
