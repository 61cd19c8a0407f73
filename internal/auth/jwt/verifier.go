package jwt

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/vyrodovalexey/keyarc-gateway/internal/observability"
)

// maxTokenSize bounds the work done on hostile input.
const maxTokenSize = 16 * 1024

// Verifier verifies compact signed tokens against a KeySet.
type Verifier struct {
	config  *Config
	alg     string
	skew    time.Duration
	keys    *KeySet
	logger  observability.Logger
	metrics *Metrics
	now     func() time.Time
}

// VerifierOption is a functional option for the verifier.
type VerifierOption func(*Verifier)

// WithVerifierLogger sets the logger for the verifier.
func WithVerifierLogger(logger observability.Logger) VerifierOption {
	return func(v *Verifier) {
		v.logger = logger
	}
}

// WithVerifierMetrics sets the metrics for the verifier.
func WithVerifierMetrics(metrics *Metrics) VerifierOption {
	return func(v *Verifier) {
		v.metrics = metrics
	}
}

// WithVerifierClock sets the time source used for exp, iat and nbf checks.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier creates a new token verifier.
func NewVerifier(config *Config, keys *KeySet, opts ...VerifierOption) (*Verifier, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if keys == nil {
		return nil, fmt.Errorf("%w: keyset is required", ErrInvalidKey)
	}

	v := &Verifier{
		config: config,
		alg:    config.GetEffectiveAlgorithm(),
		skew:   config.GetEffectiveClockSkew(),
		keys:   keys,
		logger: observability.NopLogger(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(v)
	}

	if v.metrics == nil {
		v.metrics = NewMetrics("gateway")
	}
	v.metrics.SetKeysetKeys(keys.Len())

	return v, nil
}

// Algorithm returns the accepted signing algorithm.
func (v *Verifier) Algorithm() string {
	return v.alg
}

// KeySet returns the keyset used by the verifier.
func (v *Verifier) KeySet() *KeySet {
	return v.keys
}

// ReplaceKeys atomically swaps the verification keys.
func (v *Verifier) ReplaceKeys(set jwk.Set) error {
	if err := v.keys.Replace(set); err != nil {
		return err
	}
	v.metrics.RecordKeysetReplaced(v.keys.Len())
	v.logger.Info("verification keyset replaced",
		observability.Int("keys", v.keys.Len()),
		observability.Strings("kids", v.keys.KeyIDs()),
	)
	return nil
}

// Verify checks the token and returns the principal it identifies.
// Every failure is an *AuthenticationError.
func (v *Verifier) Verify(ctx context.Context, token string) (*Principal, error) {
	start := time.Now()

	principal, err := v.verify(token)

	reason := ""
	if err != nil {
		reason = ReasonOf(err)
		v.logger.WithContext(ctx).Debug("token rejected",
			observability.String("reason", reason),
		)
	}
	v.metrics.RecordVerification(reason, time.Since(start))

	return principal, err
}

// tokenHeader represents the JWT header.
type tokenHeader struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ,omitempty"`
	KeyID     string `json:"kid,omitempty"`
}

func (v *Verifier) verify(token string) (*Principal, error) {
	if token == "" {
		return nil, NewAuthenticationError(ReasonMissingToken, "no bearer token presented", nil)
	}
	if len(token) > maxTokenSize {
		return nil, NewAuthenticationError(ReasonMalformed, "token is too large", nil)
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, NewAuthenticationError(ReasonMalformed, "token must have three segments", nil)
	}

	header, err := decodeHeader(parts[0])
	if err != nil {
		return nil, NewAuthenticationError(ReasonMalformed, "failed to decode header", err)
	}

	if header.Algorithm != v.alg {
		return nil, NewAuthenticationError(ReasonUnsupportedAlgorithm,
			fmt.Sprintf("algorithm %q is not accepted", header.Algorithm), nil)
	}

	key, ok := v.keys.lookup(header.KeyID)
	if !ok {
		if header.KeyID == "" {
			return nil, NewAuthenticationError(ReasonUnknownKey, "token has no kid and the keyset holds several keys", nil)
		}
		return nil, NewAuthenticationError(ReasonUnknownKey, fmt.Sprintf("no key with kid %q", header.KeyID), nil)
	}
	if key.algorithm != "" && key.algorithm != v.alg {
		return nil, NewAuthenticationError(ReasonUnknownKey,
			fmt.Sprintf("key %q is pinned to another algorithm", key.id), ErrInvalidKey)
	}
	if !key.suits(v.alg) {
		return nil, NewAuthenticationError(ReasonUnknownKey,
			fmt.Sprintf("key %q cannot verify %s", key.id, v.alg), ErrInvalidKey)
	}

	signature, err := decodeSegment(parts[2])
	if err != nil {
		return nil, NewAuthenticationError(ReasonMalformed, "failed to decode signature", err)
	}

	if err := verifySignature(v.alg, key.raw, parts[0]+"."+parts[1], signature); err != nil {
		return nil, NewAuthenticationError(ReasonInvalidSignature, "signature verification failed", err)
	}

	payload, err := decodeSegment(parts[1])
	if err != nil {
		return nil, NewAuthenticationError(ReasonMalformed, "failed to decode payload", err)
	}

	claims, err := parseClaims(payload)
	if err != nil {
		if errors.Is(err, ErrTokenMalformed) {
			return nil, NewAuthenticationError(ReasonMalformed, "failed to decode payload", err)
		}
		return nil, NewAuthenticationError(ReasonInvalidClaims, "claims are invalid", err)
	}

	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}

	return newPrincipal(claims), nil
}

func (v *Verifier) validateClaims(claims *Claims) error {
	now := v.now()

	if !now.Before(claims.ExpiresAt.Add(v.skew)) {
		return NewAuthenticationError(ReasonExpired, "token has expired", nil)
	}
	if claims.IssuedAt != nil && now.Add(v.skew).Before(*claims.IssuedAt) {
		return NewAuthenticationError(ReasonNotYetValid, "token was issued in the future", nil)
	}
	if claims.NotBefore != nil && now.Add(v.skew).Before(*claims.NotBefore) {
		return NewAuthenticationError(ReasonNotYetValid, "token is not valid yet", nil)
	}

	if len(v.config.Issuers) > 0 && !slices.Contains(v.config.Issuers, claims.Issuer) {
		return NewAuthenticationError(ReasonInvalidIssuer, "issuer is not accepted", nil)
	}
	if len(v.config.Audience) > 0 && !claims.Audience.ContainsAny(v.config.Audience...) {
		return NewAuthenticationError(ReasonInvalidAudience, "audience does not match", nil)
	}

	return nil
}

func decodeSegment(seg string) ([]byte, error) {
	return base64.RawURLEncoding.Strict().DecodeString(seg)
}

func decodeHeader(seg string) (*tokenHeader, error) {
	data, err := decodeSegment(seg)
	if err != nil {
		return nil, err
	}
	var header tokenHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, err
	}
	if header.Algorithm == "" {
		return nil, errors.New("header has no alg")
	}
	return &header, nil
}

func hashFor(alg string) crypto.Hash {
	switch alg[2:] {
	case "384":
		return crypto.SHA384
	case "512":
		return crypto.SHA512
	default:
		return crypto.SHA256
	}
}

func verifySignature(alg string, key any, signingInput string, signature []byte) error {
	switch alg {
	case AlgHS256, AlgHS384, AlgHS512:
		mac := hmac.New(hashFor(alg).New, key.([]byte))
		mac.Write([]byte(signingInput))
		if !hmac.Equal(signature, mac.Sum(nil)) {
			return ErrTokenInvalidSignature
		}
		return nil

	case AlgRS256, AlgRS384, AlgRS512:
		h := hashFor(alg)
		return rsa.VerifyPKCS1v15(key.(*rsa.PublicKey), h, digest(h, signingInput), signature)

	case AlgPS256, AlgPS384, AlgPS512:
		h := hashFor(alg)
		opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: h}
		return rsa.VerifyPSS(key.(*rsa.PublicKey), h, digest(h, signingInput), signature, opts)

	case AlgES256, AlgES384, AlgES512:
		return verifyECDSA(alg, key.(*ecdsa.PublicKey), signingInput, signature)

	case AlgEdDSA:
		if !ed25519.Verify(key.(ed25519.PublicKey), []byte(signingInput), signature) {
			return ErrTokenInvalidSignature
		}
		return nil

	default:
		return ErrUnsupportedAlgorithm
	}
}

func digest(h crypto.Hash, input string) []byte {
	hasher := h.New()
	hasher.Write([]byte(input))
	return hasher.Sum(nil)
}

// curveFor returns the curve an ES algorithm requires.
func curveFor(alg string) elliptic.Curve {
	switch alg {
	case AlgES384:
		return elliptic.P384()
	case AlgES512:
		return elliptic.P521()
	default:
		return elliptic.P256()
	}
}

// verifyECDSA checks a JWS ECDSA signature, which is r || s with each
// half padded to the curve size.
func verifyECDSA(alg string, key *ecdsa.PublicKey, signingInput string, signature []byte) error {
	if key.Curve != curveFor(alg) {
		return fmt.Errorf("%w: curve does not match %s", ErrInvalidKey, alg)
	}
	size := (key.Curve.Params().BitSize + 7) / 8
	if len(signature) != 2*size {
		return ErrTokenInvalidSignature
	}
	r := new(big.Int).SetBytes(signature[:size])
	s := new(big.Int).SetBytes(signature[size:])
	if !ecdsa.Verify(key, digest(hashFor(alg), signingInput), r, s) {
		return ErrTokenInvalidSignature
	}
	return nil
}
