package vault

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/vyrodovalexey/keyarc-gateway/internal/observability"
	"github.com/vyrodovalexey/keyarc-gateway/internal/retry"
)

// Client reads secrets from Vault KV.
type Client struct {
	config  *Config
	api     *vaultapi.Client
	logger  observability.Logger
	metrics *Metrics
	retry   *retry.Config
	closed  atomic.Bool
}

// ClientOption is a functional option for configuring the client.
type ClientOption func(*Client)

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger observability.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClientMetrics sets the metrics for the client.
func WithClientMetrics(metrics *Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = metrics
	}
}

// New creates a new Vault client. Call Authenticate before reading.
func New(cfg *Config, opts ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	apiConfig := vaultapi.DefaultConfig()
	apiConfig.Address = cfg.Address
	apiConfig.Timeout = cfg.GetEffectiveTimeout()
	// Retries are handled by Client so that they are logged and bounded
	// by the caller's context.
	apiConfig.MaxRetries = 0

	if cfg.TLS != nil {
		tlsConfig := &vaultapi.TLSConfig{
			CACert:     cfg.TLS.CACert,
			ClientCert: cfg.TLS.ClientCert,
			ClientKey:  cfg.TLS.ClientKey,
			Insecure:   cfg.TLS.SkipVerify,
		}
		if err := apiConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, NewError("init", "", "failed to configure TLS", err)
		}
	}

	api, err := vaultapi.NewClient(apiConfig)
	if err != nil {
		return nil, NewError("init", "", "failed to create vault client", err)
	}
	api.ClearToken()
	if cfg.Namespace != "" {
		api.SetNamespace(cfg.Namespace)
	}

	c := &Client{
		config: cfg,
		api:    api,
		logger: observability.NopLogger(),
		retry:  cfg.Retry,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(observability.String("component", "vault"))

	if c.metrics == nil {
		c.metrics = NewMetrics("gateway")
	}
	if c.retry == nil {
		c.retry = &retry.Config{
			MaxRetries:     3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		}
	}

	return c, nil
}

// Authenticate logs in with the configured auth method.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	start := time.Now()
	var err error
	switch c.config.GetEffectiveAuthMethod() {
	case AuthMethodToken:
		c.api.SetToken(c.config.Token)
	case AuthMethodAppRole:
		err = c.withRetry(ctx, "authenticate", c.loginAppRole)
	}

	if err != nil {
		c.metrics.RecordRequest("authenticate", "error", time.Since(start))
		return err
	}

	c.metrics.RecordRequest("authenticate", "success", time.Since(start))
	c.logger.Info("authenticated with vault",
		observability.String("method", string(c.config.GetEffectiveAuthMethod())),
	)
	return nil
}

func (c *Client) loginAppRole(ctx context.Context) error {
	mount := c.config.AppRole.MountPath
	if mount == "" {
		mount = DefaultAppRoleMountPath
	}
	path := "auth/" + mount + "/login"

	secret, err := c.api.Logical().WriteWithContext(ctx, path, map[string]any{
		"role_id":   c.config.AppRole.RoleID,
		"secret_id": c.config.AppRole.SecretID,
	})
	if err != nil {
		return wrapAPIError("authenticate", path, err)
	}
	if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
		return NewError("authenticate", path, "no token in login response", ErrAuthenticationFailed)
	}

	c.api.SetToken(secret.Auth.ClientToken)
	return nil
}

// ReadKV reads the secret at mount/path.
func (c *Client) ReadKV(ctx context.Context, mount, path string) (map[string]any, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	start := time.Now()
	var data map[string]any
	err := c.withRetry(ctx, "read", func(ctx context.Context) error {
		var secret *vaultapi.KVSecret
		var err error
		if c.config.GetEffectiveKVVersion() == 1 {
			secret, err = c.api.KVv1(mount).Get(ctx, path)
		} else {
			secret, err = c.api.KVv2(mount).Get(ctx, path)
		}
		if err != nil {
			return wrapAPIError("read", mount+"/"+path, err)
		}
		data = secret.Data
		return nil
	})

	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordRequest("read", status, time.Since(start))

	return data, err
}

// ReadField reads a single string field.
func (c *Client) ReadField(ctx context.Context, ref Ref) ([]byte, error) {
	data, err := c.ReadKV(ctx, ref.Mount, ref.Path)
	if err != nil {
		return nil, err
	}

	value, ok := data[ref.Field]
	if !ok {
		return nil, NewError("read", ref.Mount+"/"+ref.Path, "field "+ref.Field+" not found", ErrSecretNotFound)
	}
	s, ok := value.(string)
	if !ok || s == "" {
		return nil, NewError("read", ref.Mount+"/"+ref.Path, "field "+ref.Field+" is not a non-empty string", ErrInvalidPath)
	}

	c.logger.Debug("secret resolved",
		observability.String("mount", ref.Mount),
		observability.String("path", ref.Path),
		observability.String("field", ref.Field),
	)
	return []byte(s), nil
}

// ResolveSecret resolves a <mount>/<path>#<field> reference. It satisfies
// the keyset loader's resolver interface.
func (c *Client) ResolveSecret(ctx context.Context, ref string) ([]byte, error) {
	parsed, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	return c.ReadField(ctx, parsed)
}

// Check reports whether Vault is reachable, initialized and unsealed.
func (c *Client) Check(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	start := time.Now()
	health, err := c.api.Sys().HealthWithContext(ctx)
	if err != nil {
		c.metrics.RecordRequest("health", "error", time.Since(start))
		return wrapAPIError("health", "", err)
	}
	c.metrics.RecordRequest("health", "success", time.Since(start))

	if !health.Initialized || health.Sealed {
		return NewError("health", "", "vault is sealed or not initialized", ErrConnectionFailed)
	}
	return nil
}

// Close closes the client. Further calls fail with ErrClientClosed.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.api.ClearToken()
	return nil
}

func (c *Client) withRetry(ctx context.Context, operation string, fn func(context.Context) error) error {
	return retry.Do(ctx, c.retry, func() error { return fn(ctx) }, &retry.Options{
		ShouldRetry: IsRetryable,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			c.logger.Warn("vault request failed, retrying",
				observability.String("operation", operation),
				observability.Int("attempt", attempt),
				observability.Duration("backoff", backoff),
				observability.Error(err),
			)
		},
	})
}

// wrapAPIError converts vault/api errors into *Error.
func wrapAPIError(operation, path string, err error) error {
	if errors.Is(err, vaultapi.ErrSecretNotFound) {
		return &Error{Operation: operation, Path: path, Message: "secret not found", Cause: ErrSecretNotFound}
	}

	var respErr *vaultapi.ResponseError
	if errors.As(err, &respErr) {
		return &Error{
			Operation: operation,
			Path:      path,
			Message:   fmt.Sprintf("vault returned %d", respErr.StatusCode),
			Code:      respErr.StatusCode,
			Cause:     err,
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Operation: operation, Path: path, Message: "request cancelled", Cause: err}
	}

	return &Error{Operation: operation, Path: path, Message: "request failed", Cause: errors.Join(ErrConnectionFailed, err)}
}
