package vault

import (
	"fmt"
	"time"

	"github.com/vyrodovalexey/keyarc-gateway/internal/retry"
)

// AuthMethod specifies the Vault authentication method.
type AuthMethod string

// Authentication method constants.
const (
	// AuthMethodToken uses a static token.
	AuthMethodToken AuthMethod = "token"

	// AuthMethodAppRole uses AppRole authentication with RoleID and SecretID.
	AuthMethodAppRole AuthMethod = "approle"
)

// Default values.
const (
	DefaultTimeout          = 10 * time.Second
	DefaultAppRoleMountPath = "approle"
	DefaultKVVersion        = 2
)

// IsValid returns true if the auth method is valid.
func (m AuthMethod) IsValid() bool {
	return m == AuthMethodToken || m == AuthMethodAppRole
}

// Config represents Vault client configuration.
type Config struct {
	// Enabled enables Vault integration.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Address is the Vault server address.
	Address string `yaml:"address" json:"address"`

	// Namespace is the Vault namespace (Enterprise feature).
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty"`

	// AuthMethod specifies the authentication method. Default is token.
	AuthMethod AuthMethod `yaml:"authMethod,omitempty" json:"authMethod,omitempty"`

	// Token for token authentication.
	Token string `yaml:"token,omitempty" json:"token,omitempty"`

	// AppRole auth configuration.
	AppRole *AppRoleAuthConfig `yaml:"appRole,omitempty" json:"appRole,omitempty"`

	// KVVersion is the KV engine version of the mounts read (1 or 2). Default is 2.
	KVVersion int `yaml:"kvVersion,omitempty" json:"kvVersion,omitempty"`

	// Timeout bounds each request. Default is 10s.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// TLS configuration for the Vault connection.
	TLS *TLSConfig `yaml:"tls,omitempty" json:"tls,omitempty"`

	// Retry configuration for transient failures.
	Retry *retry.Config `yaml:"-" json:"-"`
}

// AppRoleAuthConfig configures AppRole authentication.
type AppRoleAuthConfig struct {
	RoleID    string `yaml:"roleId" json:"roleId"`
	SecretID  string `yaml:"secretId" json:"secretId"`
	MountPath string `yaml:"mountPath,omitempty" json:"mountPath,omitempty"`
}

// TLSConfig configures TLS for the Vault connection.
type TLSConfig struct {
	CACert     string `yaml:"caCert,omitempty" json:"caCert,omitempty"`
	ClientCert string `yaml:"clientCert,omitempty" json:"clientCert,omitempty"`
	ClientKey  string `yaml:"clientKey,omitempty" json:"clientKey,omitempty"`
	SkipVerify bool   `yaml:"skipVerify,omitempty" json:"skipVerify,omitempty"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: configuration is nil", ErrInvalidConfig)
	}
	if !c.Enabled {
		return nil
	}
	if c.Address == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidConfig)
	}

	switch c.GetEffectiveAuthMethod() {
	case AuthMethodToken:
		if c.Token == "" {
			return fmt.Errorf("%w: token is required for token auth", ErrInvalidConfig)
		}
	case AuthMethodAppRole:
		if c.AppRole == nil || c.AppRole.RoleID == "" || c.AppRole.SecretID == "" {
			return fmt.Errorf("%w: roleId and secretId are required for approle auth", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported auth method %q", ErrInvalidConfig, c.AuthMethod)
	}

	if v := c.KVVersion; v != 0 && v != 1 && v != 2 {
		return fmt.Errorf("%w: kvVersion must be 1 or 2", ErrInvalidConfig)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// GetEffectiveAuthMethod returns the auth method, defaulting to token.
func (c *Config) GetEffectiveAuthMethod() AuthMethod {
	if c.AuthMethod == "" {
		return AuthMethodToken
	}
	return c.AuthMethod
}

// GetEffectiveKVVersion returns the KV engine version.
func (c *Config) GetEffectiveKVVersion() int {
	if c.KVVersion == 0 {
		return DefaultKVVersion
	}
	return c.KVVersion
}

// GetEffectiveTimeout returns the request timeout.
func (c *Config) GetEffectiveTimeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}
