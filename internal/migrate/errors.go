package migrate

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownRun is returned when no migration branch exists for a run.
	ErrUnknownRun = errors.New("unknown migration run")

	// ErrNoCheckpoint is returned when rolling back to a phase the run never
	// completed.
	ErrNoCheckpoint = errors.New("no checkpoint for phase")
)

// MigrationPhaseError reports the phase a run failed in. The run never
// advances past LastGood; a later Run on the migration branch resumes
// from there.
type MigrationPhaseError struct {
	RunID    string
	Phase    int
	LastGood int
	Err      error
}

func (e *MigrationPhaseError) Error() string {
	return fmt.Sprintf("migration %s failed in phase %d (%s), last good phase %d: %v",
		e.RunID, e.Phase, PhaseName(e.Phase), e.LastGood, e.Err)
}

func (e *MigrationPhaseError) Unwrap() error {
	return e.Err
}
