package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/keyarc-gateway/internal/audit"
	"github.com/vyrodovalexey/keyarc-gateway/internal/authz/rbac"
	"github.com/vyrodovalexey/keyarc-gateway/internal/config"
)

const memoryMembersConfig = `
jwt:
  secret: ` + testSecret + `
rbac:
  members:
    - {team: t1, principal: alice, role: admin}
    - {team: t1, principal: bob, role: viewer}
`

// executeSplit runs the root command with separate stdout and stderr.
func executeSplit(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err = cmd.Execute()
	return strings.TrimSpace(out.String()), strings.TrimSpace(errOut.String()), err
}

func decodeAuditLine(t *testing.T, line string) audit.Event {
	t.Helper()
	var e audit.Event
	require.NoError(t, json.Unmarshal([]byte(line), &e))
	return e
}

func TestCheck(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, memoryMembersConfig)

	tests := []struct {
		name    string
		sub     string
		role    string
		wantOut string
		outcome audit.Outcome
		wantErr bool
	}{
		{name: "granted", sub: "alice", role: "member", wantOut: "allowed role=admin reason=granted", outcome: audit.OutcomeAllowed},
		{name: "insufficient role", sub: "bob", role: "member", wantOut: "denied role=viewer reason=insufficient_role", outcome: audit.OutcomeDenied, wantErr: true},
		{name: "not a member", sub: "mallory", role: "viewer", wantOut: "reason=not_member", outcome: audit.OutcomeDenied, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			out, auditLog, err := executeSplit(t, "check", "--config", path,
				"--sub", tt.sub, "--team", "t1", "--role", tt.role)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Contains(t, out, tt.wantOut)

			e := decodeAuditLine(t, auditLog)
			assert.Equal(t, tt.sub, e.Actor)
			assert.Equal(t, tt.outcome, e.Outcome)
			assert.Equal(t, defaultCheckAction, e.Action)
			assert.Equal(t, defaultCheckResourceType, e.ResourceType)
			assert.Equal(t, "t1", e.ResourceID)
			assert.Equal(t, "t1", e.Metadata[audit.MetaTeamID])
			assert.Equal(t, tt.role, e.Metadata[audit.MetaRequired])
		})
	}
}

func TestCheck_RedisStore(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, rbac.NewRedisStore(client, config.DefaultRedisKeyPrefix).
		SetRole(context.Background(), "t1", "carol", rbac.RoleOwner))

	path := writeConfig(t, `
jwt:
  secret: `+testSecret+`
rbac:
  store: redis
redis:
  addr: `+mr.Addr()+`
`)

	var auditLog bytes.Buffer
	d, err := check(context.Background(), checkOptions{
		configPath:   path,
		subject:      "carol",
		team:         "t1",
		role:         "admin",
		action:       "delete",
		resourceType: "key",
		resourceID:   "k1",
	}, &auditLog)
	require.NoError(t, err)

	assert.True(t, d.Allowed)
	assert.Equal(t, rbac.RoleOwner, d.Role)

	e := decodeAuditLine(t, strings.TrimSpace(auditLog.String()))
	assert.Equal(t, audit.OutcomeAllowed, e.Outcome)
	assert.Equal(t, "delete", e.Action)
	assert.Equal(t, "key", e.ResourceType)
	assert.Equal(t, "k1", e.ResourceID)
}

func TestCheck_Errors(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, memoryMembersConfig)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "missing team", args: []string{"check", "--config", path, "--sub", "alice"}, want: "team"},
		{name: "bad role", args: []string{"check", "--config", path, "--sub", "alice", "--team", "t1", "--role", "root"}, want: "invalid --role"},
		{name: "missing config", args: []string{"check", "--config", "/nonexistent.yaml", "--sub", "alice", "--team", "t1"}, want: "nonexistent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, _, err := executeSplit(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
