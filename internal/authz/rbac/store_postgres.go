package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of *pgxpool.Pool used by PostgresStore.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const selectRoleQuery = `SELECT role FROM team_memberships WHERE team_id = $1 AND principal_id = $2`

const upsertRoleQuery = `
INSERT INTO team_memberships (team_id, principal_id, role)
VALUES ($1, $2, $3)
ON CONFLICT (team_id, principal_id) DO UPDATE SET role = EXCLUDED.role, updated_at = now()`

// PostgresStore reads memberships from the team_memberships table.
type PostgresStore struct {
	db Querier
}

var _ MembershipStore = (*PostgresStore)(nil)

// NewPostgresStore creates a store using db.
func NewPostgresStore(db Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetRole selects the principal's role in team.
func (s *PostgresStore) GetRole(ctx context.Context, teamID, principalID string) (Role, error) {
	var name string
	err := s.db.QueryRow(ctx, selectRoleQuery, teamID, principalID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return RoleNone, ErrNotMember
	}
	if err != nil {
		return RoleNone, fmt.Errorf("select membership: %w", err)
	}
	return ParseRole(name)
}

// SetRole inserts or updates a membership.
func (s *PostgresStore) SetRole(ctx context.Context, teamID, principalID string, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidRole, int(role))
	}
	if _, err := s.db.Exec(ctx, upsertRoleQuery, teamID, principalID, role.String()); err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}
