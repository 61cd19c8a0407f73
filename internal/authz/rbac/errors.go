package rbac

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrNotMember is returned by stores when the principal has no role
	// in the team.
	ErrNotMember = errors.New("principal is not a member of the team")

	// ErrInvalidRole indicates a role name or value outside the hierarchy.
	ErrInvalidRole = errors.New("invalid role")

	// ErrInvalidRequest indicates an empty principal or team, or an
	// invalid required role.
	ErrInvalidRequest = errors.New("invalid authorization request")

	// ErrLookupFailed indicates the membership store could not answer.
	ErrLookupFailed = errors.New("membership lookup failed")
)

// LookupError wraps a membership store failure.
type LookupError struct {
	TeamID      string
	PrincipalID string
	Cause       error
}

// Error implements the error interface.
func (e *LookupError) Error() string {
	return fmt.Sprintf("membership lookup for principal %s in team %s: %v", e.PrincipalID, e.TeamID, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *LookupError) Unwrap() []error {
	return []error{ErrLookupFailed, e.Cause}
}

// NewLookupError creates a new LookupError.
func NewLookupError(teamID, principalID string, cause error) *LookupError {
	return &LookupError{TeamID: teamID, PrincipalID: principalID, Cause: cause}
}
