package txn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/relaywork/workstate/internal/vcs"
)

// Sentinel errors
var (
	// ErrBusy is returned under the fail-fast lock policy when another
	// writer holds the lock. Retryable.
	ErrBusy = errors.New("state layer is busy")

	// ErrRecordNotFound is returned when an operation names a record the
	// index does not have.
	ErrRecordNotFound = errors.New("record not found")

	// ErrInvalidTransition is returned when the lifecycle forbids a move.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInterrupted simulates the process dying mid-envelope. When a
	// FaultInjector returns it, the manager stops without compensating.
	ErrInterrupted = errors.New("envelope interrupted")

	// ErrNoHistory is returned when the repository has no commit to reset to.
	ErrNoHistory = errors.New("repository has no commits")
)

// OpError is the error surfaced by every manager operation.
type OpError struct {
	Op       string
	RecordID string
	Err      error

	// NeedsCheck is set when compensation could not fully restore the
	// pre-state and the auditor must run before further writes.
	NeedsCheck bool
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.RecordID != "" {
		b.WriteString(" ")
		b.WriteString(e.RecordID)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	if e.NeedsCheck {
		b.WriteString(" (run a consistency check)")
	}
	return b.String()
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// DirtyWorkingTreeError is returned by the pre-check when the working tree
// has uncommitted changes. The caller must commit or discard them; the
// manager never stashes.
type DirtyWorkingTreeError struct {
	Paths []string
}

func (e *DirtyWorkingTreeError) Error() string {
	const show = 5
	paths := e.Paths
	more := ""
	if len(paths) > show {
		more = fmt.Sprintf(" and %d more", len(paths)-show)
		paths = paths[:show]
	}
	return fmt.Sprintf("working tree has uncommitted changes: %s%s", strings.Join(paths, ", "), more)
}

func (e *DirtyWorkingTreeError) Unwrap() error {
	return vcs.ErrDirtyWorkspace
}

// IndexWriteError wraps a failure to write or commit the index. The file
// effects have been rolled back; the operation can be retried.
type IndexWriteError struct {
	Err error
}

func (e *IndexWriteError) Error() string {
	return fmt.Sprintf("index write failed: %v", e.Err)
}

func (e *IndexWriteError) Unwrap() error {
	return e.Err
}

// CommitError wraps a failure to create or attach the envelope commit.
// Compensated reports whether the index and working tree were restored.
type CommitError struct {
	Err         error
	Compensated bool
}

func (e *CommitError) Error() string {
	if e.Compensated {
		return fmt.Sprintf("commit failed, changes rolled back: %v", e.Err)
	}
	return fmt.Sprintf("commit failed: %v", e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether retrying the same operation may succeed.
func IsRetryable(err error) bool {
	var iw *IndexWriteError
	if errors.As(err, &iw) {
		return true
	}
	if errors.Is(err, ErrBusy) {
		return true
	}
	return vcs.IsRetryable(err)
}

// NeedsConsistencyCheck reports whether err left state that only the
// consistency auditor can reconcile.
func NeedsConsistencyCheck(err error) bool {
	var op *OpError
	if errors.As(err, &op) {
		return op.NeedsCheck
	}
	return false
}
