package txn

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relaywork/workstate/internal/vcs"
)

func TestDirtyWorkingTreeErrorMessage(t *testing.T) {
	err := &DirtyWorkingTreeError{Paths: []string{"a", "b", "c", "d", "e", "f", "g"}}
	assert.Equal(t, "working tree has uncommitted changes: a, b, c, d, e and 2 more", err.Error())
	assert.True(t, vcs.IsUserActionRequired(err))
}

func TestClassifiers(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		check     bool
	}{
		{"busy", fmt.Errorf("wrapped: %w", ErrBusy), true, false},
		{"index write", &OpError{Op: "transition", Err: &IndexWriteError{Err: errors.New("locked")}}, true, false},
		{"vcs lock", vcs.ErrLocked, true, false},
		{"commit compensated", &OpError{Op: "create", Err: &CommitError{Err: errors.New("hook"), Compensated: true}}, false, false},
		{"needs check", &OpError{Op: "create", Err: &CommitError{Err: errors.New("hook")}, NeedsCheck: true}, false, true},
		{"invalid transition", &OpError{Op: "transition", Err: ErrInvalidTransition}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
			assert.Equal(t, tt.check, NeedsConsistencyCheck(tt.err))
		})
	}
}

func TestOpErrorMessage(t *testing.T) {
	err := &OpError{Op: "transition", RecordID: "story-1.1", Err: ErrInvalidTransition, NeedsCheck: true}
	assert.Equal(t, "transition story-1.1: invalid state transition (run a consistency check)", err.Error())
}
