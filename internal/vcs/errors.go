package vcs

import "errors"

// Common errors returned by VCS operations.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, vcs.ErrNotInVCS) {
//	    // outside any repository
//	}
var (
	// ErrNotInVCS is returned when the operation requires being inside
	// a repository but none was found.
	ErrNotInVCS = errors.New("not in a VCS repository")

	// ErrVCSNotAvailable is returned when the git binary is not in PATH.
	ErrVCSNotAvailable = errors.New("VCS binary not available")

	// ErrRefExists is returned when creating a branch that already exists.
	ErrRefExists = errors.New("reference already exists")

	// ErrRefNotFound is returned when operating on a missing branch.
	ErrRefNotFound = errors.New("reference not found")

	// ErrDirtyWorkspace is returned when an operation requires a clean
	// working tree but there are uncommitted changes.
	ErrDirtyWorkspace = errors.New("workspace has uncommitted changes")

	// ErrNothingToCommit is returned by Commit when nothing is staged and
	// AllowEmpty is not set.
	ErrNothingToCommit = errors.New("nothing to commit")

	// ErrHookRejected is returned when a commit hook refuses the commit.
	ErrHookRejected = errors.New("commit rejected by hook")

	// ErrLocked is returned when another git process holds the index lock.
	ErrLocked = errors.New("repository index is locked")

	// ErrTimeout is returned when a VCS operation exceeds its timeout.
	ErrTimeout = errors.New("operation timed out")
)

// IsRetryable returns true if the error is likely to succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Timeouts and a concurrent git process holding index.lock are transient
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrLocked)
}

// IsUserActionRequired returns true if the error requires an operator to
// change the working tree before retrying.
func IsUserActionRequired(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrDirtyWorkspace) || errors.Is(err, ErrHookRejected)
}

// IsFatal returns true if the error indicates a non-recoverable state.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNotInVCS) || errors.Is(err, ErrVCSNotAvailable)
}
