package audit

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoSchema is returned when the index has not been initialised.
var ErrNoSchema = errors.New("index has no schema")

// ConsistencyRepairConflict is reported when findings would need
// contradictory repairs. It is never repaired automatically.
type ConsistencyRepairConflict struct {
	ID     string   `json:"id"`
	Paths  []string `json:"paths"`
	Reason string   `json:"reason"`
}

func (e *ConsistencyRepairConflict) Error() string {
	return fmt.Sprintf("conflicting claims on %s (%s): %s", e.ID, strings.Join(e.Paths, ", "), e.Reason)
}
