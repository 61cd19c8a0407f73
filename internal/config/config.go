package config

import (
	"net"
	"strconv"
	"time"
)

// Store and sink types.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"

	SinkStdout   = "stdout"
	SinkStderr   = "stderr"
	SinkFile     = "file"
	SinkPostgres = "postgres"
	SinkMemory   = "memory"
)

// Default values.
const (
	DefaultPort            = 8002
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 60 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
	DefaultLogOutput = "stdout"

	DefaultAlgorithm = "HS256"
	DefaultClockSkew = 30 * time.Second

	DefaultRBACCacheTTL        = 30 * time.Second
	DefaultRBACNegativeTTL     = 2 * time.Second
	DefaultRBACLookupTimeout   = 2 * time.Second
	DefaultRBACCacheMaxEntries = 10000
	DefaultRBACCleanup         = time.Minute
	DefaultRedisKeyPrefix      = "keyarc:"
	DefaultInvalidationChannel = "keyarc:membership:invalidate"

	DefaultAuditQueueCapacity = 4096
	DefaultAuditBatchSize     = 256
	DefaultAuditFlushInterval = time.Second
	DefaultAuditStoreTimeout  = 5 * time.Second
	DefaultAuditRetryInitial  = 100 * time.Millisecond
	DefaultAuditRetryMax      = 10 * time.Second

	DefaultServiceTimeout = 5 * time.Second
	DefaultRetryBackoff   = 50 * time.Millisecond

	DefaultBreakerMaxRequests      = 1
	DefaultBreakerInterval         = 60 * time.Second
	DefaultBreakerTimeout          = 30 * time.Second
	DefaultBreakerFailureThreshold = 5

	DefaultRateLimitRPS   = 50
	DefaultRateLimitBurst = 100

	DefaultMetricsPath = "/metrics"
	DefaultMetricsPort = 9090
	DefaultServiceName = "keyarc-gateway"
	DefaultDebounce    = 500 * time.Millisecond

	DefaultAccountServiceURL = "http://localhost:8003"
	DefaultKeysServiceURL    = "http://localhost:8004"
)

// Config is the gateway configuration.
type Config struct {
	Server   ServerConfig    `yaml:"server" json:"server"`
	Log      LogConfig       `yaml:"log" json:"log"`
	JWT      JWTConfig       `yaml:"jwt" json:"jwt"`
	Vault    VaultConfig     `yaml:"vault" json:"vault"`
	RBAC     RBACConfig      `yaml:"rbac" json:"rbac"`
	Audit    AuditConfig     `yaml:"audit" json:"audit"`
	Redis    RedisConfig     `yaml:"redis" json:"redis"`
	Database DatabaseConfig  `yaml:"database" json:"database"`
	Services []ServiceConfig `yaml:"services" json:"services" validate:"dive"`
	Retry    RetryConfig     `yaml:"retry" json:"retry"`
	Breaker  BreakerConfig   `yaml:"circuitBreaker" json:"circuitBreaker"`
	Metrics  MetricsConfig   `yaml:"metrics" json:"metrics"`
	Tracing  TracingConfig   `yaml:"tracing" json:"tracing"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string          `yaml:"host" json:"host"`
	Port            int             `yaml:"port" json:"port" validate:"min=1,max=65535"`
	ReadTimeout     Duration        `yaml:"readTimeout" json:"readTimeout" validate:"min=0"`
	WriteTimeout    Duration        `yaml:"writeTimeout" json:"writeTimeout" validate:"min=0"`
	IdleTimeout     Duration        `yaml:"idleTimeout" json:"idleTimeout" validate:"min=0"`
	ShutdownTimeout Duration        `yaml:"shutdownTimeout" json:"shutdownTimeout" validate:"min=0"`
	TrustedProxies  []string        `yaml:"trustedProxies" json:"trustedProxies" validate:"dive,cidr|ip"`
	RateLimit       RateLimitConfig `yaml:"rateLimit" json:"rateLimit"`
}

// RateLimitConfig configures the per-client token bucket.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond" json:"requestsPerSecond" validate:"min=0"`
	Burst             int     `yaml:"burst" json:"burst" validate:"min=0"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"oneof=json console"`
	Output string `yaml:"output" json:"output" validate:"required"`
}

// JWTConfig configures token verification.
type JWTConfig struct {
	Algorithm string   `yaml:"algorithm" json:"algorithm" validate:"required"`
	Issuers   []string `yaml:"issuers" json:"issuers"`
	Audience  []string `yaml:"audience" json:"audience"`
	ClockSkew Duration `yaml:"clockSkew" json:"clockSkew" validate:"min=0"`

	// Secret is a shorthand for a single inline key without a key ID.
	Secret string `yaml:"secret" json:"-"`

	Keys []KeyConfig `yaml:"keys" json:"keys" validate:"dive"`
}

// KeyConfig is one verification key source. Exactly one material field
// is set.
type KeyConfig struct {
	ID            string `yaml:"id" json:"id"`
	Algorithm     string `yaml:"algorithm" json:"algorithm"`
	Secret        string `yaml:"secret" json:"-"`
	SecretFile    string `yaml:"secretFile" json:"secretFile,omitempty"`
	VaultRef      string `yaml:"vaultRef" json:"vaultRef,omitempty" validate:"omitempty,startswith=vault:"`
	PublicKeyFile string `yaml:"publicKeyFile" json:"publicKeyFile,omitempty"`
	JWKSFile      string `yaml:"jwksFile" json:"jwksFile,omitempty"`
}

// VaultConfig configures the Vault client used for vault: key references.
type VaultConfig struct {
	Enabled    bool            `yaml:"enabled" json:"enabled"`
	Address    string          `yaml:"address" json:"address" validate:"omitempty,url"`
	Namespace  string          `yaml:"namespace" json:"namespace"`
	AuthMethod string          `yaml:"authMethod" json:"authMethod" validate:"omitempty,oneof=token approle"`
	Token      string          `yaml:"token" json:"-"`
	AppRole    *AppRoleConfig  `yaml:"appRole" json:"appRole,omitempty"`
	KVVersion  int             `yaml:"kvVersion" json:"kvVersion" validate:"omitempty,oneof=1 2"`
	Timeout    Duration        `yaml:"timeout" json:"timeout" validate:"min=0"`
	TLS        *VaultTLSConfig `yaml:"tls" json:"tls,omitempty"`
}

// AppRoleConfig configures Vault AppRole login.
type AppRoleConfig struct {
	RoleID    string `yaml:"roleId" json:"roleId"`
	SecretID  string `yaml:"secretId" json:"-"`
	MountPath string `yaml:"mountPath" json:"mountPath"`
}

// VaultTLSConfig configures TLS to Vault.
type VaultTLSConfig struct {
	CACert     string `yaml:"caCert" json:"caCert"`
	ClientCert string `yaml:"clientCert" json:"clientCert"`
	ClientKey  string `yaml:"clientKey" json:"clientKey"`
	SkipVerify bool   `yaml:"skipVerify" json:"skipVerify"`
}

// RBACConfig configures the policy engine and its membership store.
type RBACConfig struct {
	Store string `yaml:"store" json:"store" validate:"oneof=memory redis postgres"`

	// CacheTTL and NegativeTTL bound cache staleness. A negative value
	// disables the corresponding cache.
	CacheTTL        Duration           `yaml:"cacheTTL" json:"cacheTTL"`
	NegativeTTL     Duration           `yaml:"negativeTTL" json:"negativeTTL"`
	LookupTimeout   Duration           `yaml:"lookupTimeout" json:"lookupTimeout" validate:"min=0"`
	CacheMaxEntries int                `yaml:"cacheMaxEntries" json:"cacheMaxEntries" validate:"min=0"`
	CleanupInterval Duration           `yaml:"cleanupInterval" json:"cleanupInterval" validate:"min=0"`
	KeyPrefix       string             `yaml:"keyPrefix" json:"keyPrefix"`
	Invalidation    InvalidationConfig `yaml:"invalidation" json:"invalidation"`

	// Members seeds the memory store.
	Members []MemberConfig `yaml:"members" json:"members" validate:"dive"`
}

// InvalidationConfig configures the redis membership-change subscriber.
type InvalidationConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Channel string `yaml:"channel" json:"channel"`
}

// MemberConfig is a static team membership.
type MemberConfig struct {
	Team      string `yaml:"team" json:"team" validate:"required"`
	Principal string `yaml:"principal" json:"principal" validate:"required"`
	Role      string `yaml:"role" json:"role" validate:"oneof=owner admin member viewer"`
}

// AuditConfig configures the audit trail writer.
type AuditConfig struct {
	Sink                string   `yaml:"sink" json:"sink" validate:"oneof=stdout stderr file postgres memory"`
	File                string   `yaml:"file" json:"file" validate:"required_if=Sink file"`
	QueueCapacity       int      `yaml:"queueCapacity" json:"queueCapacity" validate:"min=1"`
	BatchSize           int      `yaml:"batchSize" json:"batchSize" validate:"min=1"`
	FlushInterval       Duration `yaml:"flushInterval" json:"flushInterval" validate:"min=0"`
	StoreTimeout        Duration `yaml:"storeTimeout" json:"storeTimeout" validate:"min=0"`
	RetryInitialBackoff Duration `yaml:"retryInitialBackoff" json:"retryInitialBackoff" validate:"min=0"`
	RetryMaxBackoff     Duration `yaml:"retryMaxBackoff" json:"retryMaxBackoff" validate:"min=0"`
}

// RedisConfig configures the redis client.
type RedisConfig struct {
	Addr        string   `yaml:"addr" json:"addr"`
	Username    string   `yaml:"username" json:"username"`
	Password    string   `yaml:"password" json:"-"`
	DB          int      `yaml:"db" json:"db" validate:"min=0"`
	DialTimeout Duration `yaml:"dialTimeout" json:"dialTimeout" validate:"min=0"`
}

// DatabaseConfig configures the postgres pool.
type DatabaseConfig struct {
	URL            string   `yaml:"url" json:"-"`
	MaxConns       int32    `yaml:"maxConns" json:"maxConns" validate:"min=0"`
	ConnectTimeout Duration `yaml:"connectTimeout" json:"connectTimeout" validate:"min=0"`
	Migrate        bool     `yaml:"migrate" json:"migrate"`
}

// ServiceConfig is a downstream resource service.
type ServiceConfig struct {
	Name        string        `yaml:"name" json:"name" validate:"required"`
	Prefix      string        `yaml:"prefix" json:"prefix" validate:"required,startswith=/"`
	URL         string        `yaml:"url" json:"url" validate:"required,url"`
	Timeout     Duration      `yaml:"timeout" json:"timeout" validate:"min=0"`
	StripPrefix bool          `yaml:"stripPrefix" json:"stripPrefix"`
	Routes      []RouteConfig `yaml:"routes" json:"routes" validate:"dive"`
}

// RouteConfig is a route rule under a service prefix. Roles maps HTTP
// methods to the required team role and overrides the method defaults.
type RouteConfig struct {
	Path         string            `yaml:"path" json:"path" validate:"required,startswith=/"`
	ResourceType string            `yaml:"resourceType" json:"resourceType" validate:"required"`
	Action       string            `yaml:"action" json:"action"`
	Roles        map[string]string `yaml:"roles" json:"roles" validate:"dive,keys,required,endkeys,oneof=owner admin member viewer"`
}

// RetryConfig configures the single retry of idempotent requests.
type RetryConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Backoff Duration `yaml:"backoff" json:"backoff" validate:"min=0"`
}

// BreakerConfig configures the per-service circuit breaker.
type BreakerConfig struct {
	Enabled          bool     `yaml:"enabled" json:"enabled"`
	MaxRequests      uint32   `yaml:"maxRequests" json:"maxRequests"`
	Interval         Duration `yaml:"interval" json:"interval" validate:"min=0"`
	Timeout          Duration `yaml:"timeout" json:"timeout" validate:"min=0"`
	FailureThreshold uint32   `yaml:"failureThreshold" json:"failureThreshold"`
}

// MetricsConfig configures the metrics listener. It binds server.host
// on its own port and is never served on the gateway port.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port" validate:"omitempty,min=1,max=65535"`
	Path    string `yaml:"path" json:"path" validate:"omitempty,startswith=/"`
}

// TracingConfig configures OTLP tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	ServiceName  string  `yaml:"serviceName" json:"serviceName"`
	OTLPEndpoint string  `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate" validate:"min=0,max=1"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	cfg := baseConfig()
	ApplyDefaults(cfg)
	return cfg
}

// baseConfig holds the boolean defaults. Files are decoded over it so
// that an absent key keeps the default.
func baseConfig() *Config {
	return &Config{
		Retry:   RetryConfig{Enabled: true},
		Breaker: BreakerConfig{Enabled: true},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// ApplyDefaults fills zero values with defaults.
func ApplyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)
	applyLogDefaults(&cfg.Log)
	applyJWTDefaults(&cfg.JWT)
	applyRBACDefaults(&cfg.RBAC)
	applyAuditDefaults(&cfg.Audit)

	if len(cfg.Services) == 0 {
		cfg.Services = DefaultServices()
	}
	for i := range cfg.Services {
		setDuration(&cfg.Services[i].Timeout, DefaultServiceTimeout)
	}

	setDuration(&cfg.Retry.Backoff, DefaultRetryBackoff)

	if cfg.Breaker.MaxRequests == 0 {
		cfg.Breaker.MaxRequests = DefaultBreakerMaxRequests
	}
	setDuration(&cfg.Breaker.Interval, DefaultBreakerInterval)
	setDuration(&cfg.Breaker.Timeout, DefaultBreakerTimeout)
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = DefaultBreakerFailureThreshold
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = DefaultMetricsPort
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = DefaultServiceName
	}
}

func applyServerDefaults(s *ServerConfig) {
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	setDuration(&s.ReadTimeout, DefaultReadTimeout)
	setDuration(&s.WriteTimeout, DefaultWriteTimeout)
	setDuration(&s.IdleTimeout, DefaultIdleTimeout)
	setDuration(&s.ShutdownTimeout, DefaultShutdownTimeout)
	if s.RateLimit.RequestsPerSecond == 0 {
		s.RateLimit.RequestsPerSecond = DefaultRateLimitRPS
	}
	if s.RateLimit.Burst == 0 {
		s.RateLimit.Burst = DefaultRateLimitBurst
	}
}

func applyLogDefaults(l *LogConfig) {
	if l.Level == "" {
		l.Level = DefaultLogLevel
	}
	if l.Format == "" {
		l.Format = DefaultLogFormat
	}
	if l.Output == "" {
		l.Output = DefaultLogOutput
	}
}

func applyJWTDefaults(j *JWTConfig) {
	if j.Algorithm == "" {
		j.Algorithm = DefaultAlgorithm
	}
	setDuration(&j.ClockSkew, DefaultClockSkew)
}

func applyRBACDefaults(r *RBACConfig) {
	if r.Store == "" {
		r.Store = StoreMemory
	}
	setDuration(&r.CacheTTL, DefaultRBACCacheTTL)
	setDuration(&r.NegativeTTL, DefaultRBACNegativeTTL)
	setDuration(&r.LookupTimeout, DefaultRBACLookupTimeout)
	setDuration(&r.CleanupInterval, DefaultRBACCleanup)
	if r.CacheMaxEntries == 0 {
		r.CacheMaxEntries = DefaultRBACCacheMaxEntries
	}
	if r.KeyPrefix == "" {
		r.KeyPrefix = DefaultRedisKeyPrefix
	}
	if r.Invalidation.Channel == "" {
		r.Invalidation.Channel = DefaultInvalidationChannel
	}
}

func applyAuditDefaults(a *AuditConfig) {
	if a.Sink == "" {
		a.Sink = SinkStdout
	}
	if a.QueueCapacity == 0 {
		a.QueueCapacity = DefaultAuditQueueCapacity
	}
	if a.BatchSize == 0 {
		a.BatchSize = DefaultAuditBatchSize
	}
	setDuration(&a.FlushInterval, DefaultAuditFlushInterval)
	setDuration(&a.StoreTimeout, DefaultAuditStoreTimeout)
	setDuration(&a.RetryInitialBackoff, DefaultAuditRetryInitial)
	setDuration(&a.RetryMaxBackoff, DefaultAuditRetryMax)
}

func setDuration(d *Duration, def time.Duration) {
	if *d == 0 {
		*d = Duration(def)
	}
}

// DefaultServices returns the account and keys services with their
// default route rules.
func DefaultServices() []ServiceConfig {
	return []ServiceConfig{
		{
			Name:    "account",
			Prefix:  "/account",
			URL:     DefaultAccountServiceURL,
			Timeout: Duration(DefaultServiceTimeout),
			Routes: []RouteConfig{
				{Path: "/me", ResourceType: "account"},
				{Path: "/teams/{team_id}", ResourceType: "team"},
				{
					Path:         "/teams/{team_id}/members/{resource_id}",
					ResourceType: "membership",
					Roles:        map[string]string{"PUT": "owner", "DELETE": "owner"},
				},
				{
					Path:         "/teams/{team_id}/members",
					ResourceType: "membership",
					Roles:        map[string]string{"POST": "admin"},
				},
				{Path: "/teams/{team_id}/*", ResourceType: "team"},
			},
		},
		{
			Name:    "keys",
			Prefix:  "/keys",
			URL:     DefaultKeysServiceURL,
			Timeout: Duration(DefaultServiceTimeout),
			Routes: []RouteConfig{
				{Path: "/teams/{team_id}/keys", ResourceType: "key"},
				{Path: "/teams/{team_id}/keys/{resource_id}", ResourceType: "key"},
				{Path: "/teams/{team_id}/keys/{resource_id}/*", ResourceType: "key"},
			},
		},
	}
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}
