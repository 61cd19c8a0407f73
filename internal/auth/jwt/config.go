package jwt

import (
	"errors"
	"fmt"
	"time"
)

// DefaultClockSkew is the default tolerance applied to exp, iat and nbf.
const DefaultClockSkew = 30 * time.Second

// Config represents token verification configuration.
type Config struct {
	// Algorithm is the only accepted signing algorithm. Default is HS256.
	Algorithm string

	// Issuers lists accepted issuers. Empty accepts any issuer.
	Issuers []string

	// Audience lists accepted audiences. Empty skips the audience check.
	Audience []string

	// ClockSkew is the tolerance applied to time-based claims.
	ClockSkew time.Duration
}

// DefaultConfig returns the default verification configuration.
func DefaultConfig() *Config {
	return &Config{
		Algorithm: AlgHS256,
		ClockSkew: DefaultClockSkew,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("jwt config is required")
	}
	if !IsSupportedAlgorithm(c.GetEffectiveAlgorithm()) {
		return fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, c.Algorithm)
	}
	if c.ClockSkew < 0 {
		return errors.New("clock skew cannot be negative")
	}
	return nil
}

// GetEffectiveAlgorithm returns the configured algorithm or HS256.
func (c *Config) GetEffectiveAlgorithm() string {
	if c == nil || c.Algorithm == "" {
		return AlgHS256
	}
	return c.Algorithm
}

// GetEffectiveClockSkew returns the effective clock skew.
func (c *Config) GetEffectiveClockSkew() time.Duration {
	if c == nil || c.ClockSkew <= 0 {
		return DefaultClockSkew
	}
	return c.ClockSkew
}

// IsSupportedAlgorithm reports whether alg can be verified.
func IsSupportedAlgorithm(alg string) bool {
	switch alg {
	case AlgRS256, AlgRS384, AlgRS512,
		AlgPS256, AlgPS384, AlgPS512,
		AlgES256, AlgES384, AlgES512,
		AlgHS256, AlgHS384, AlgHS512,
		AlgEdDSA:
		return true
	default:
		return false
	}
}

func isHMAC(alg string) bool {
	return alg == AlgHS256 || alg == AlgHS384 || alg == AlgHS512
}
