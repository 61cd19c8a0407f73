package jwt

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Signer mints compact tokens. It backs the developer CLI and tests; the
// production issuer is an external service.
type Signer struct {
	alg     string
	kid     string
	key     any
	issuer  string
	now     func() time.Time
	metrics *Metrics
}

// SignerOption is a functional option for the signer.
type SignerOption func(*Signer)

// WithSignerIssuer sets the iss claim of minted tokens.
func WithSignerIssuer(issuer string) SignerOption {
	return func(s *Signer) {
		s.issuer = issuer
	}
}

// WithSignerClock sets the time source for iat and exp.
func WithSignerClock(now func() time.Time) SignerOption {
	return func(s *Signer) {
		s.now = now
	}
}

// WithSignerMetrics sets the metrics for the signer.
func WithSignerMetrics(metrics *Metrics) SignerOption {
	return func(s *Signer) {
		s.metrics = metrics
	}
}

// NewSigner creates a signer. key is a []byte secret for HS*, an
// *rsa.PrivateKey for RS256, an *ecdsa.PrivateKey for ES256 or an
// ed25519.PrivateKey for EdDSA.
func NewSigner(alg, kid string, key any, opts ...SignerOption) (*Signer, error) {
	switch alg {
	case AlgHS256, AlgHS384, AlgHS512:
		if k, ok := key.([]byte); !ok || len(k) == 0 {
			return nil, fmt.Errorf("%w: %s needs a non-empty secret", ErrInvalidKey, alg)
		}
	case AlgRS256:
		if _, ok := key.(*rsa.PrivateKey); !ok {
			return nil, fmt.Errorf("%w: %s needs an RSA private key", ErrInvalidKey, alg)
		}
	case AlgES256:
		k, ok := key.(*ecdsa.PrivateKey)
		if !ok || k.Curve != curveFor(alg) {
			return nil, fmt.Errorf("%w: %s needs a P-256 private key", ErrInvalidKey, alg)
		}
	case AlgEdDSA:
		if _, ok := key.(ed25519.PrivateKey); !ok {
			return nil, fmt.Errorf("%w: %s needs an Ed25519 private key", ErrInvalidKey, alg)
		}
	default:
		return nil, fmt.Errorf("%w: cannot sign with %s", ErrUnsupportedAlgorithm, alg)
	}

	s := &Signer{alg: alg, kid: kid, key: key, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TokenRequest describes a token to mint.
type TokenRequest struct {
	Subject  string
	TTL      time.Duration
	Audience []string
	Teams    map[string]string
	Extra    map[string]any
}

// Sign mints a token for req.
func (s *Signer) Sign(req TokenRequest) (string, error) {
	if req.Subject == "" {
		return "", fmt.Errorf("%w: subject is required", ErrTokenInvalidClaim)
	}
	if req.TTL <= 0 {
		return "", fmt.Errorf("%w: ttl must be positive", ErrTokenInvalidClaim)
	}

	now := s.now().UTC()
	claims := &Claims{
		Issuer:    s.issuer,
		Subject:   req.Subject,
		Audience:  req.Audience,
		ExpiresAt: now.Add(req.TTL),
		IssuedAt:  &now,
		JWTID:     uuid.NewString(),
		Teams:     req.Teams,
		Extra:     req.Extra,
	}
	return s.SignClaims(claims)
}

// SignClaims signs claims as they are.
func (s *Signer) SignClaims(claims *Claims) (string, error) {
	header := tokenHeader{Algorithm: s.alg, Type: "JWT", KeyID: s.kid}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("failed to encode header: %w", err)
	}
	payloadJSON, err := json.Marshal(claims.ToMap())
	if err != nil {
		return "", fmt.Errorf("failed to encode claims: %w", err)
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) + "." +
		base64.RawURLEncoding.EncodeToString(payloadJSON)

	sig, err := s.sign(signingInput)
	if err != nil {
		return "", err
	}

	if s.metrics != nil {
		s.metrics.RecordSigned(s.alg)
	}

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func (s *Signer) sign(signingInput string) ([]byte, error) {
	switch k := s.key.(type) {
	case []byte:
		mac := hmac.New(hashFor(s.alg).New, k)
		mac.Write([]byte(signingInput))
		return mac.Sum(nil), nil

	case *rsa.PrivateKey:
		sig, err := rsa.SignPKCS1v15(rand.Reader, k, crypto.SHA256, digest(crypto.SHA256, signingInput))
		if err != nil {
			return nil, fmt.Errorf("failed to sign token: %w", err)
		}
		return sig, nil

	case *ecdsa.PrivateKey:
		r, sv, err := ecdsa.Sign(rand.Reader, k, digest(crypto.SHA256, signingInput))
		if err != nil {
			return nil, fmt.Errorf("failed to sign token: %w", err)
		}
		size := (k.Curve.Params().BitSize + 7) / 8
		sig := make([]byte, 2*size)
		r.FillBytes(sig[:size])
		sv.FillBytes(sig[size:])
		return sig, nil

	case ed25519.PrivateKey:
		return ed25519.Sign(k, []byte(signingInput)), nil

	default:
		return nil, fmt.Errorf("%w: unsupported key type %T", ErrInvalidKey, s.key)
	}
}
