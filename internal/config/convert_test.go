package config

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/keyarc-gateway/internal/authz/rbac"
	"github.com/vyrodovalexey/keyarc-gateway/internal/router"
)

func TestConfig_RouterServices(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	services, err := cfg.RouterServices()
	require.NoError(t, err)
	require.Len(t, services, 2)

	table, err := router.NewTable(services)
	require.NoError(t, err)

	m, err := table.Match(http.MethodPut, "/account/teams/t1/members/u2")
	require.NoError(t, err)
	assert.Equal(t, "account", m.Service.Name)
	assert.Equal(t, rbac.RoleOwner, m.RequiredRole)
	assert.Equal(t, "membership", m.Rule.ResourceType)

	m, err = table.Match(http.MethodPost, "/account/teams/t1/members")
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleAdmin, m.RequiredRole)

	m, err = table.Match(http.MethodGet, "/keys/teams/t1/keys/k1")
	require.NoError(t, err)
	assert.Equal(t, "keys", m.Service.Name)
	assert.Equal(t, rbac.RoleViewer, m.RequiredRole)
	assert.Equal(t, DefaultServiceTimeout, m.Service.Timeout)
}

func TestConfig_RouterServices_MethodCase(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Services[1].Routes = []RouteConfig{
		{Path: "/teams/{team_id}/keys", ResourceType: "key", Roles: map[string]string{" post ": "admin"}},
	}

	services, err := cfg.RouterServices()
	require.NoError(t, err)
	assert.Equal(t, map[string]rbac.Role{http.MethodPost: rbac.RoleAdmin}, services[1].Rules[0].Roles)

	cfg.Services[1].Routes[0].Roles = map[string]string{"POST": "superuser"}
	_, err = cfg.RouterServices()
	assert.ErrorIs(t, err, rbac.ErrInvalidRole)
}

func TestJWTConfig_KeySources(t *testing.T) {
	t.Parallel()

	j := JWTConfig{
		Secret: "shorthand-secret",
		Keys: []KeyConfig{
			{ID: "k2", SecretFile: "/run/secrets/k2"},
			{ID: "k3", VaultRef: "vault:secret/gateway#k3"},
		},
	}

	sources := j.KeySources()
	require.Len(t, sources, 3)
	assert.Empty(t, sources[0].ID)
	assert.Equal(t, "shorthand-secret", sources[0].Secret)
	assert.Equal(t, "/run/secrets/k2", sources[1].SecretFile)
	assert.Equal(t, "vault:secret/gateway#k3", sources[2].VaultRef)
	assert.True(t, j.UsesVault())
	assert.False(t, JWTConfig{Secret: "x"}.UsesVault())
}

func TestRBACConfig_EngineConfig(t *testing.T) {
	t.Parallel()

	r := RBACConfig{
		CacheTTL:        Duration(time.Minute),
		NegativeTTL:     Duration(-1),
		LookupTimeout:   Duration(time.Second),
		CacheMaxEntries: 10,
		CleanupInterval: Duration(time.Minute),
	}

	ec := r.EngineConfig()
	assert.Equal(t, time.Minute, ec.CacheTTL)
	assert.Zero(t, ec.NegativeTTL)
	assert.Equal(t, time.Second, ec.LookupTimeout)
	assert.Equal(t, 10, ec.CacheMaxEntries)
}

func TestRBACConfig_MemoryStore(t *testing.T) {
	t.Parallel()

	r := RBACConfig{Members: []MemberConfig{
		{Team: "t1", Principal: "user-1", Role: "admin"},
		{Team: "t1", Principal: "user-2", Role: "viewer"},
	}}

	store, err := r.MemoryStore()
	require.NoError(t, err)

	role, err := store.GetRole(t.Context(), "t1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleAdmin, role)

	_, err = store.GetRole(t.Context(), "t2", "user-1")
	assert.ErrorIs(t, err, rbac.ErrNotMember)

	r.Members = append(r.Members, MemberConfig{Team: "t1", Principal: "user-3", Role: "root"})
	_, err = r.MemoryStore()
	assert.ErrorIs(t, err, rbac.ErrInvalidRole)
}

func TestConfig_ForwarderConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	fc := cfg.ForwarderConfig()

	assert.True(t, fc.Retry)
	assert.Equal(t, DefaultRetryBackoff, fc.RetryBackoff)
	assert.True(t, fc.Breaker.Enabled)
	assert.Equal(t, uint32(DefaultBreakerFailureThreshold), fc.Breaker.FailureThreshold)
	assert.Equal(t, DefaultBreakerTimeout, fc.Breaker.Timeout)
}

func TestAuditConfig_StreamOutput(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "stdout", AuditConfig{Sink: SinkStdout}.StreamOutput())
	assert.Equal(t, "/var/log/audit.jsonl", AuditConfig{Sink: SinkFile, File: "/var/log/audit.jsonl"}.StreamOutput())
}

func TestConfig_HTTPConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 9000
	cfg.Server.RateLimit.Enabled = true
	cfg.Server.TrustedProxies = []string{"10.0.0.0/8"}

	hc := cfg.HTTPConfig()

	assert.Equal(t, "127.0.0.1:9000", hc.Addr)
	assert.Equal(t, DefaultReadTimeout, hc.ReadTimeout)
	assert.True(t, hc.RateLimit.Enabled)
	assert.InDelta(t, float64(DefaultRateLimitRPS), hc.RateLimit.RPS, 0)
	assert.Equal(t, DefaultRateLimitBurst, hc.RateLimit.Burst)
	assert.Equal(t, []string{"10.0.0.0/8"}, hc.TrustedProxies)
}

func TestConfig_MetricsServerConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Server.Host = "127.0.0.1"

	mc := cfg.MetricsServerConfig()

	assert.Equal(t, "127.0.0.1:9090", mc.Addr)
	assert.Equal(t, DefaultMetricsPath, mc.Path)
	assert.NotEqual(t, cfg.HTTPConfig().Addr, mc.Addr)
}

func TestConfig_Needs(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	assert.False(t, cfg.NeedsRedis())
	assert.False(t, cfg.NeedsDatabase())

	cfg.RBAC.Invalidation.Enabled = true
	cfg.Audit.Sink = SinkPostgres
	assert.True(t, cfg.NeedsRedis())
	assert.True(t, cfg.NeedsDatabase())

	cfg.Redis = RedisConfig{Addr: "redis:6379", DB: 2, DialTimeout: Duration(time.Second)}
	opts := cfg.Redis.ClientOptions()
	assert.Equal(t, "redis:6379", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, time.Second, opts.DialTimeout)
}
