package jwt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// VaultRefPrefix marks a secret that lives in Vault KV.
const VaultRefPrefix = "vault:"

// KeySource describes where one or more verification keys come from.
// Exactly one of Secret, SecretFile, VaultRef, PublicKeyFile and JWKSFile
// must be set.
type KeySource struct {
	// ID is the kid of the key. Ignored for JWKS files, which carry their own.
	ID string

	// Algorithm optionally pins the key to one algorithm.
	Algorithm string

	// Secret is an inline HMAC secret.
	Secret string

	// SecretFile is a file holding an HMAC secret. Trailing newlines are trimmed.
	SecretFile string

	// VaultRef is an HMAC secret stored in Vault,
	// in the form vault:<mount>/<path>#<field>.
	VaultRef string

	// PublicKeyFile is a PEM encoded public key.
	PublicKeyFile string

	// JWKSFile is a JSON Web Key Set file.
	JWKSFile string
}

// SecretResolver resolves secret references such as Vault KV paths.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) ([]byte, error)
}

// SecretResolverFunc adapts a function to SecretResolver.
type SecretResolverFunc func(ctx context.Context, ref string) ([]byte, error)

// ResolveSecret implements SecretResolver.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) ([]byte, error) {
	return f(ctx, ref)
}

// ErrNoSecretResolver is returned when a key references Vault but no
// resolver is configured.
var ErrNoSecretResolver = errors.New("no secret resolver configured")

// LoadKeySet materialises every source into a single jwk.Set. All I/O
// happens here so that verification stays pure.
func LoadKeySet(ctx context.Context, sources []KeySource, resolver SecretResolver) (jwk.Set, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: no key sources configured", ErrInvalidKey)
	}

	set := jwk.NewSet()
	for i := range sources {
		keys, err := loadSource(ctx, &sources[i], resolver)
		if err != nil {
			return nil, fmt.Errorf("key source %d (%s): %w", i, sources[i].ID, err)
		}
		for _, key := range keys {
			if err := set.AddKey(key); err != nil {
				return nil, fmt.Errorf("key source %d (%s): %w: %v", i, sources[i].ID, ErrInvalidKey, err)
			}
		}
	}
	return set, nil
}

func loadSource(ctx context.Context, src *KeySource, resolver SecretResolver) ([]jwk.Key, error) {
	if n := src.kinds(); n != 1 {
		return nil, fmt.Errorf("%w: exactly one key material field must be set, got %d", ErrInvalidKey, n)
	}

	switch {
	case src.Secret != "":
		key, err := SymmetricKey(src.ID, src.Algorithm, []byte(src.Secret))
		return wrapKey(key, err)

	case src.SecretFile != "":
		data, err := os.ReadFile(src.SecretFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read secret file: %w", err)
		}
		key, err := SymmetricKey(src.ID, src.Algorithm, []byte(strings.TrimRight(string(data), "\r\n")))
		return wrapKey(key, err)

	case src.VaultRef != "":
		if resolver == nil {
			return nil, ErrNoSecretResolver
		}
		secret, err := resolver.ResolveSecret(ctx, strings.TrimPrefix(src.VaultRef, VaultRefPrefix))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve secret: %w", err)
		}
		key, err := SymmetricKey(src.ID, src.Algorithm, secret)
		return wrapKey(key, err)

	case src.PublicKeyFile != "":
		return loadPEM(src)

	default:
		return loadJWKS(src)
	}
}

func (src *KeySource) kinds() int {
	n := 0
	for _, v := range []string{src.Secret, src.SecretFile, src.VaultRef, src.PublicKeyFile, src.JWKSFile} {
		if v != "" {
			n++
		}
	}
	return n
}

func wrapKey(key jwk.Key, err error) ([]jwk.Key, error) {
	if err != nil {
		return nil, err
	}
	return []jwk.Key{key}, nil
}

func loadPEM(src *KeySource) ([]jwk.Key, error) {
	data, err := os.ReadFile(src.PublicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key file: %w", err)
	}
	key, err := jwk.ParseKey(data, jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse PEM key: %v", ErrInvalidKey, err)
	}
	pub, err := key.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if err := setKeyAttributes(pub, src.ID, src.Algorithm); err != nil {
		return nil, err
	}
	return []jwk.Key{pub}, nil
}

func loadJWKS(src *KeySource) ([]jwk.Key, error) {
	set, err := jwk.ReadFile(src.JWKSFile)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read JWKS file: %v", ErrInvalidKey, err)
	}
	keys := make([]jwk.Key, 0, set.Len())
	for i := range set.Len() {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		if src.Algorithm != "" && keyAlgorithm(key) == "" {
			if err := key.Set(jwk.AlgorithmKey, src.Algorithm); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
			}
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: JWKS file has no keys", ErrInvalidKey)
	}
	return keys, nil
}
