package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix is the key prefix for membership hashes.
const DefaultRedisKeyPrefix = "keyarc:"

// RedisStore reads memberships from Redis hashes keyed
// "<prefix>team:<team_id>:members" with principal IDs as fields and
// role names as values.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ MembershipStore = (*RedisStore)(nil)

// NewRedisStore creates a store using client. An empty prefix selects
// DefaultRedisKeyPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// TeamKey returns the hash key holding team's memberships.
func (s *RedisStore) TeamKey(teamID string) string {
	return s.prefix + "team:" + teamID + ":members"
}

// GetRole reads the principal's role from the team hash.
func (s *RedisStore) GetRole(ctx context.Context, teamID, principalID string) (Role, error) {
	val, err := s.client.HGet(ctx, s.TeamKey(teamID), principalID).Result()
	if errors.Is(err, redis.Nil) {
		return RoleNone, ErrNotMember
	}
	if err != nil {
		return RoleNone, fmt.Errorf("redis hget: %w", err)
	}
	return ParseRole(val)
}

// SetRole writes a membership. It is used by tooling and tests.
func (s *RedisStore) SetRole(ctx context.Context, teamID, principalID string, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidRole, int(role))
	}
	return s.client.HSet(ctx, s.TeamKey(teamID), principalID, role.String()).Err()
}

// RemoveMember deletes a membership.
func (s *RedisStore) RemoveMember(ctx context.Context, teamID, principalID string) error {
	return s.client.HDel(ctx, s.TeamKey(teamID), principalID).Err()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
