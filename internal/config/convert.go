package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/keyarc-gateway/internal/audit"
	"github.com/vyrodovalexey/keyarc-gateway/internal/auth/jwt"
	"github.com/vyrodovalexey/keyarc-gateway/internal/authz/rbac"
	"github.com/vyrodovalexey/keyarc-gateway/internal/gateway"
	"github.com/vyrodovalexey/keyarc-gateway/internal/observability"
	"github.com/vyrodovalexey/keyarc-gateway/internal/postgres"
	"github.com/vyrodovalexey/keyarc-gateway/internal/router"
	"github.com/vyrodovalexey/keyarc-gateway/internal/server"
	"github.com/vyrodovalexey/keyarc-gateway/internal/vault"
)

// LoggerConfig converts to the observability logger configuration.
func (l LogConfig) LoggerConfig() observability.LogConfig {
	return observability.LogConfig{Level: l.Level, Format: l.Format, Output: l.Output}
}

// VerifierConfig converts to the token verifier configuration.
func (j JWTConfig) VerifierConfig() *jwt.Config {
	return &jwt.Config{
		Algorithm: j.Algorithm,
		Issuers:   j.Issuers,
		Audience:  j.Audience,
		ClockSkew: j.ClockSkew.Duration(),
	}
}

// KeySources returns the configured key sources. The Secret shorthand
// becomes a single key without a key ID.
func (j JWTConfig) KeySources() []jwt.KeySource {
	sources := make([]jwt.KeySource, 0, len(j.Keys)+1)
	if j.Secret != "" {
		sources = append(sources, jwt.KeySource{Secret: j.Secret})
	}
	for _, k := range j.Keys {
		sources = append(sources, jwt.KeySource{
			ID:            k.ID,
			Algorithm:     k.Algorithm,
			Secret:        k.Secret,
			SecretFile:    k.SecretFile,
			VaultRef:      k.VaultRef,
			PublicKeyFile: k.PublicKeyFile,
			JWKSFile:      k.JWKSFile,
		})
	}
	return sources
}

// UsesVault reports whether any key is read from Vault.
func (j JWTConfig) UsesVault() bool {
	for _, k := range j.Keys {
		if k.VaultRef != "" {
			return true
		}
	}
	return false
}

// ClientConfig converts to the Vault client configuration.
func (v VaultConfig) ClientConfig() *vault.Config {
	cfg := &vault.Config{
		Enabled:    v.Enabled,
		Address:    v.Address,
		Namespace:  v.Namespace,
		AuthMethod: vault.AuthMethod(v.AuthMethod),
		Token:      v.Token,
		KVVersion:  v.KVVersion,
		Timeout:    v.Timeout.Duration(),
	}
	if v.AppRole != nil {
		cfg.AppRole = &vault.AppRoleAuthConfig{
			RoleID:    v.AppRole.RoleID,
			SecretID:  v.AppRole.SecretID,
			MountPath: v.AppRole.MountPath,
		}
	}
	if v.TLS != nil {
		cfg.TLS = &vault.TLSConfig{
			CACert:     v.TLS.CACert,
			ClientCert: v.TLS.ClientCert,
			ClientKey:  v.TLS.ClientKey,
			SkipVerify: v.TLS.SkipVerify,
		}
	}
	return cfg
}

// EngineConfig converts to the policy engine configuration.
func (r RBACConfig) EngineConfig() rbac.Config {
	return rbac.Config{
		CacheTTL:        nonNegative(r.CacheTTL),
		NegativeTTL:     nonNegative(r.NegativeTTL),
		LookupTimeout:   r.LookupTimeout.Duration(),
		CacheMaxEntries: r.CacheMaxEntries,
		CleanupInterval: r.CleanupInterval.Duration(),
	}
}

// MemoryStore builds a memory store seeded with the configured members.
func (r RBACConfig) MemoryStore() (*rbac.MemoryStore, error) {
	store := rbac.NewMemoryStore()
	for i, m := range r.Members {
		role, err := rbac.ParseRole(m.Role)
		if err != nil {
			return nil, fmt.Errorf("rbac.members[%d]: %w", i, err)
		}
		store.SetRole(m.Team, m.Principal, role)
	}
	return store, nil
}

// WriterConfig converts to the audit writer configuration.
func (a AuditConfig) WriterConfig() audit.WriterConfig {
	return audit.WriterConfig{
		QueueCapacity:       a.QueueCapacity,
		BatchSize:           a.BatchSize,
		FlushInterval:       a.FlushInterval.Duration(),
		StoreTimeout:        a.StoreTimeout.Duration(),
		RetryInitialBackoff: a.RetryInitialBackoff.Duration(),
		RetryMaxBackoff:     a.RetryMaxBackoff.Duration(),
	}
}

// StreamOutput returns the stream store output for stdout, stderr and
// file sinks.
func (a AuditConfig) StreamOutput() string {
	if a.Sink == SinkFile {
		return a.File
	}
	return a.Sink
}

// ClientOptions converts to go-redis client options.
func (r RedisConfig) ClientOptions() *redis.Options {
	return &redis.Options{
		Addr:        r.Addr,
		Username:    r.Username,
		Password:    r.Password,
		DB:          r.DB,
		DialTimeout: r.DialTimeout.Duration(),
	}
}

// NeedsRedis reports whether a redis client is required.
func (c *Config) NeedsRedis() bool {
	return c.RBAC.Store == StoreRedis || c.RBAC.Invalidation.Enabled
}

// NeedsDatabase reports whether a postgres pool is required.
func (c *Config) NeedsDatabase() bool {
	return c.RBAC.Store == StorePostgres || c.Audit.Sink == SinkPostgres
}

// PoolConfig converts to the postgres pool configuration.
func (d DatabaseConfig) PoolConfig() postgres.Config {
	return postgres.Config{
		URL:            d.URL,
		MaxConns:       d.MaxConns,
		ConnectTimeout: d.ConnectTimeout.Duration(),
	}
}

// TracerConfig converts to the tracer configuration.
func (t TracingConfig) TracerConfig() observability.TracerConfig {
	return observability.TracerConfig{
		ServiceName:  t.ServiceName,
		OTLPEndpoint: t.OTLPEndpoint,
		SamplingRate: t.SamplingRate,
		Enabled:      t.Enabled,
	}
}

// RouterServices converts the services to routing table input.
func (c *Config) RouterServices() ([]router.Service, error) {
	services := make([]router.Service, 0, len(c.Services))
	for i, svc := range c.Services {
		rules := make([]router.Rule, 0, len(svc.Routes))
		for j, route := range svc.Routes {
			rule := router.Rule{
				Path:         route.Path,
				ResourceType: route.ResourceType,
				Action:       route.Action,
			}
			if len(route.Roles) > 0 {
				rule.Roles = make(map[string]rbac.Role, len(route.Roles))
				for method, name := range route.Roles {
					role, err := rbac.ParseRole(name)
					if err != nil {
						return nil, fmt.Errorf("services[%d].routes[%d].roles.%s: %w", i, j, method, err)
					}
					rule.Roles[normalizeMethod(method)] = role
				}
			}
			rules = append(rules, rule)
		}
		services = append(services, router.Service{
			Name:        svc.Name,
			Prefix:      svc.Prefix,
			URL:         svc.URL,
			Timeout:     svc.Timeout.Duration(),
			StripPrefix: svc.StripPrefix,
			Rules:       rules,
		})
	}
	return services, nil
}

func normalizeMethod(method string) string {
	return strings.ToUpper(strings.TrimSpace(method))
}

func nonNegative(d Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d.Duration()
}

// ForwarderConfig converts the retry and circuit breaker sections to the
// forwarder configuration.
func (c *Config) ForwarderConfig() gateway.ForwarderConfig {
	return gateway.ForwarderConfig{
		Retry:        c.Retry.Enabled,
		RetryBackoff: c.Retry.Backoff.Duration(),
		Breaker: gateway.BreakerConfig{
			Enabled:          c.Breaker.Enabled,
			MaxRequests:      c.Breaker.MaxRequests,
			Interval:         c.Breaker.Interval.Duration(),
			Timeout:          c.Breaker.Timeout.Duration(),
			FailureThreshold: c.Breaker.FailureThreshold,
		},
	}
}

// HTTPConfig converts the server section to the HTTP server
// configuration.
func (c *Config) HTTPConfig() server.Config {
	return server.Config{
		Addr:           c.Server.Addr(),
		ReadTimeout:    c.Server.ReadTimeout.Duration(),
		WriteTimeout:   c.Server.WriteTimeout.Duration(),
		IdleTimeout:    c.Server.IdleTimeout.Duration(),
		MaxHeaderBytes: server.DefaultMaxHeaderBytes,
		MaxBodyBytes:   server.DefaultMaxBodyBytes,
		TrustedProxies: c.Server.TrustedProxies,
		RateLimit: server.RateLimitConfig{
			Enabled: c.Server.RateLimit.Enabled,
			RPS:     c.Server.RateLimit.RequestsPerSecond,
			Burst:   c.Server.RateLimit.Burst,
		},
	}
}

// MetricsServerConfig converts the metrics section to the metrics
// listener configuration.
func (c *Config) MetricsServerConfig() server.MetricsConfig {
	return server.MetricsConfig{
		Addr: net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Metrics.Port)),
		Path: c.Metrics.Path,
	}
}
