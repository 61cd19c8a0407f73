package jwt

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"sync/atomic"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// verificationKey is a key ready for signature checks.
type verificationKey struct {
	id        string
	algorithm string // declared alg, may be empty
	raw       any    // []byte, *rsa.PublicKey, *ecdsa.PublicKey or ed25519.PublicKey
}

// keySnapshot is an immutable view of the keyset.
type keySnapshot struct {
	byID map[string]*verificationKey
	keys []*verificationKey
}

// KeySet holds the verification keys. It is safe for concurrent use and
// can be swapped atomically while requests are being verified.
type KeySet struct {
	current atomic.Pointer[keySnapshot]
}

// NewKeySet builds a keyset from a JWK set. Private keys are reduced to
// their public halves.
func NewKeySet(set jwk.Set) (*KeySet, error) {
	snap, err := newKeySnapshot(set)
	if err != nil {
		return nil, err
	}
	ks := &KeySet{}
	ks.current.Store(snap)
	return ks, nil
}

// Replace swaps in a new set of keys. Tokens verified after Replace
// returns use the new keys.
func (ks *KeySet) Replace(set jwk.Set) error {
	snap, err := newKeySnapshot(set)
	if err != nil {
		return err
	}
	ks.current.Store(snap)
	return nil
}

// Len returns the number of keys.
func (ks *KeySet) Len() int {
	return len(ks.current.Load().keys)
}

// KeyIDs returns the IDs of all keys, in insertion order.
func (ks *KeySet) KeyIDs() []string {
	snap := ks.current.Load()
	ids := make([]string, 0, len(snap.keys))
	for _, k := range snap.keys {
		ids = append(ids, k.id)
	}
	return ids
}

// lookup selects the key for kid. An empty kid resolves only when the
// set holds exactly one key.
func (ks *KeySet) lookup(kid string) (*verificationKey, bool) {
	snap := ks.current.Load()
	if kid == "" {
		if len(snap.keys) == 1 {
			return snap.keys[0], true
		}
		return nil, false
	}
	k, ok := snap.byID[kid]
	return k, ok
}

func newKeySnapshot(set jwk.Set) (*keySnapshot, error) {
	if set == nil || set.Len() == 0 {
		return nil, fmt.Errorf("%w: keyset is empty", ErrInvalidKey)
	}

	snap := &keySnapshot{byID: make(map[string]*verificationKey, set.Len())}
	for i := range set.Len() {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		vk, err := toVerificationKey(key)
		if err != nil {
			return nil, err
		}
		if vk.id == "" && set.Len() > 1 {
			return nil, fmt.Errorf("%w: every key needs a kid when the keyset holds more than one key", ErrInvalidKey)
		}
		if _, dup := snap.byID[vk.id]; dup {
			return nil, fmt.Errorf("%w: duplicate kid %q", ErrInvalidKey, vk.id)
		}
		snap.byID[vk.id] = vk
		snap.keys = append(snap.keys, vk)
	}
	return snap, nil
}

func toVerificationKey(key jwk.Key) (*verificationKey, error) {
	if key.KeyType() != jwa.OctetSeq {
		if pub, err := key.PublicKey(); err == nil {
			key = pub
		}
	}

	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("%w: key %q: %v", ErrInvalidKey, key.KeyID(), err)
	}

	switch k := raw.(type) {
	case []byte:
		if len(k) == 0 {
			return nil, fmt.Errorf("%w: key %q has an empty secret", ErrInvalidKey, key.KeyID())
		}
	case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
	default:
		return nil, fmt.Errorf("%w: key %q has unsupported type %T", ErrInvalidKey, key.KeyID(), raw)
	}

	return &verificationKey{id: key.KeyID(), algorithm: keyAlgorithm(key), raw: raw}, nil
}

func keyAlgorithm(key jwk.Key) string {
	if alg := key.Algorithm(); alg != nil {
		return alg.String()
	}
	return ""
}

// suits reports whether the key's type fits the algorithm family.
func (k *verificationKey) suits(alg string) bool {
	switch alg {
	case AlgHS256, AlgHS384, AlgHS512:
		_, ok := k.raw.([]byte)
		return ok
	case AlgRS256, AlgRS384, AlgRS512, AlgPS256, AlgPS384, AlgPS512:
		_, ok := k.raw.(*rsa.PublicKey)
		return ok
	case AlgES256, AlgES384, AlgES512:
		_, ok := k.raw.(*ecdsa.PublicKey)
		return ok
	case AlgEdDSA:
		_, ok := k.raw.(ed25519.PublicKey)
		return ok
	default:
		return false
	}
}

// SymmetricKey builds a JWK for an HMAC secret.
func SymmetricKey(kid, alg string, secret []byte) (jwk.Key, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: secret is empty", ErrInvalidKey)
	}
	key, err := jwk.FromRaw(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if err := setKeyAttributes(key, kid, alg); err != nil {
		return nil, err
	}
	return key, nil
}

// PublicKey builds a JWK from a raw public (or private) key.
func PublicKey(kid, alg string, raw any) (jwk.Key, error) {
	key, err := jwk.FromRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if err := setKeyAttributes(key, kid, alg); err != nil {
		return nil, err
	}
	return key, nil
}

func setKeyAttributes(key jwk.Key, kid, alg string) error {
	if kid != "" {
		if err := key.Set(jwk.KeyIDKey, kid); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
	}
	if alg != "" {
		if err := key.Set(jwk.AlgorithmKey, alg); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
	}
	return nil
}

// NewKeySetFromKeys builds a keyset from individual keys.
func NewKeySetFromKeys(keys ...jwk.Key) (*KeySet, error) {
	set := jwk.NewSet()
	for _, k := range keys {
		if err := set.AddKey(k); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
	}
	return NewKeySet(set)
}
