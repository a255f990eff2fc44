package contextload

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/relaywork/workstate/internal/types"
)

// Role is the kind of agent asking for context.
type Role string

const (
	RoleDeveloper Role = "developer"
	RoleTester    Role = "tester"
	RoleReviewer  Role = "reviewer"
	RoleArchitect Role = "architect"
	RolePM        Role = "pm"
)

// Roles lists every known role.
var Roles = []Role{RoleDeveloper, RoleTester, RoleReviewer, RoleArchitect, RolePM}

var roleStates = map[Role][]types.State{
	RoleDeveloper: {types.StateDraft, types.StateInProgress},
	RoleTester:    {types.StateInReview, types.StateDone},
	RoleReviewer:  {types.StateInReview},
	RoleArchitect: nil,
	RolePM:        nil,
}

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := roleStates[r]; !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// States returns the story states visible to the role; nil means all.
func (r Role) States() []types.State {
	return roleStates[r]
}

// RoleContext is an epic context projected for one role.
type RoleContext struct {
	Role   Role          `json:"role"`
	States []types.State `json:"states,omitempty"`
	EpicContext
}

// GetAgentContext returns the epic context with stories limited to the
// states the role works on. Action items and notes of hidden stories are
// left out as well. The filter runs inside the index query.
func (l *Loader) GetAgentContext(ctx context.Context, role Role, epicID string) (*RoleContext, error) {
	if _, ok := roleStates[role]; !ok {
		return nil, fmt.Errorf("unknown role %q", role)
	}

	start := time.Now()
	defer func() { l.latency.WithLabelValues(string(role)).Observe(time.Since(start).Seconds()) }()

	ec, err := l.load(ctx, epicID, role.States())
	if err != nil {
		return nil, err
	}
	return &RoleContext{Role: role, States: role.States(), EpicContext: *ec}, nil
}
