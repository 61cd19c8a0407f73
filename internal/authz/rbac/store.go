package rbac

import (
	"context"
	"sync"
)

// MembershipStore resolves a principal's role in a team. Implementations
// return ErrNotMember when no membership exists and any other error when
// the answer is unknown.
type MembershipStore interface {
	GetRole(ctx context.Context, teamID, principalID string) (Role, error)
}

// MembershipStoreFunc adapts a function to MembershipStore.
type MembershipStoreFunc func(ctx context.Context, teamID, principalID string) (Role, error)

// GetRole calls f.
func (f MembershipStoreFunc) GetRole(ctx context.Context, teamID, principalID string) (Role, error) {
	return f(ctx, teamID, principalID)
}

// Pinger is implemented by stores that can report their availability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// MemoryStore is an in-memory membership store.
type MemoryStore struct {
	mu      sync.RWMutex
	members map[string]map[string]Role
}

var _ MembershipStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{members: make(map[string]map[string]Role)}
}

// SetRole assigns role to principal in team.
func (s *MemoryStore) SetRole(teamID, principalID string, role Role) {
	s.mu.Lock()
	defer s.mu.Unlock()

	team, ok := s.members[teamID]
	if !ok {
		team = make(map[string]Role)
		s.members[teamID] = team
	}
	team[principalID] = role
}

// RemoveMember deletes principal's membership in team.
func (s *MemoryStore) RemoveMember(teamID, principalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.members[teamID], principalID)
}

// GetRole returns the stored role.
func (s *MemoryStore) GetRole(ctx context.Context, teamID, principalID string) (Role, error) {
	if err := ctx.Err(); err != nil {
		return RoleNone, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	role, ok := s.members[teamID][principalID]
	if !ok {
		return RoleNone, ErrNotMember
	}
	return role, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
