package jwt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"time"
)

// Claims represents the verified JWT payload.
type Claims struct {
	// Standard claims
	Issuer    string
	Subject   string
	Audience  Audience
	ExpiresAt time.Time
	NotBefore *time.Time
	IssuedAt  *time.Time
	JWTID     string

	// Teams maps team ID to the role asserted by the issuer.
	Teams map[string]string

	// Extra holds every other claim.
	Extra map[string]any
}

// Audience represents the JWT audience claim which can be a string or array.
type Audience []string

// UnmarshalJSON implements json.Unmarshaler.
func (a *Audience) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*a = Audience{single}
		return nil
	}

	var multiple []string
	if err := json.Unmarshal(data, &multiple); err != nil {
		return err
	}
	*a = Audience(multiple)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (a Audience) MarshalJSON() ([]byte, error) {
	if len(a) == 1 {
		return json.Marshal(a[0])
	}
	return json.Marshal([]string(a))
}

// Contains checks if the audience contains a specific value.
func (a Audience) Contains(aud string) bool {
	return slices.Contains(a, aud)
}

// ContainsAny checks if the audience contains any of the specified values.
func (a Audience) ContainsAny(auds ...string) bool {
	for _, aud := range auds {
		if a.Contains(aud) {
			return true
		}
	}
	return false
}

// parseClaims decodes a JSON payload. sub and exp are required; every
// registered claim that is present must have the right type.
func parseClaims(payload []byte) (*Claims, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object", ErrTokenMalformed)
	}

	claims := &Claims{Extra: make(map[string]any)}
	for key, value := range raw {
		if err := parseRegisteredClaim(claims, key, value); err != nil {
			return nil, err
		}
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub is required", ErrTokenInvalidClaim)
	}
	if claims.ExpiresAt.IsZero() {
		return nil, fmt.Errorf("%w: exp is required", ErrTokenInvalidClaim)
	}

	return claims, nil
}

func parseRegisteredClaim(claims *Claims, key string, value any) error {
	var err error
	switch key {
	case "iss":
		claims.Issuer, err = stringClaim(key, value)
	case "sub":
		claims.Subject, err = stringClaim(key, value)
	case "jti":
		claims.JWTID, err = stringClaim(key, value)
	case "aud":
		claims.Audience, err = audienceClaim(value)
	case "exp":
		claims.ExpiresAt, err = numericDate(key, value)
	case "nbf":
		var t time.Time
		if t, err = numericDate(key, value); err == nil {
			claims.NotBefore = &t
		}
	case "iat":
		var t time.Time
		if t, err = numericDate(key, value); err == nil {
			claims.IssuedAt = &t
		}
	case "teams":
		claims.Teams, err = teamsClaim(value)
	default:
		claims.Extra[key] = value
	}
	return err
}

func stringClaim(key string, value any) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrTokenInvalidClaim, key)
	}
	return s, nil
}

func audienceClaim(value any) (Audience, error) {
	switch v := value.(type) {
	case string:
		return Audience{v}, nil
	case []any:
		result := make(Audience, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: aud must contain strings", ErrTokenInvalidClaim)
			}
			result = append(result, s)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("%w: aud must be a string or array", ErrTokenInvalidClaim)
	}
}

// maxNumericDate bounds accepted timestamps far beyond any real token
// lifetime while keeping time arithmetic free of overflow.
const maxNumericDate = 1 << 40

// numericDate parses a NumericDate (seconds since the epoch, possibly
// fractional).
func numericDate(key string, value any) (time.Time, error) {
	n, ok := value.(json.Number)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s must be a number", ErrTokenInvalidClaim, key)
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > maxNumericDate {
		return time.Time{}, fmt.Errorf("%w: %s is out of range", ErrTokenInvalidClaim, key)
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

func teamsClaim(value any) (map[string]string, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: teams must be an object", ErrTokenInvalidClaim)
	}
	teams := make(map[string]string, len(m))
	for team, role := range m {
		s, ok := role.(string)
		if !ok {
			return nil, fmt.Errorf("%w: teams values must be strings", ErrTokenInvalidClaim)
		}
		teams[team] = s
	}
	return teams, nil
}

// ToMap converts claims to a JSON-ready map.
func (c *Claims) ToMap() map[string]any {
	result := make(map[string]any, len(c.Extra)+8)

	for k, v := range c.Extra {
		result[k] = v
	}
	if c.Issuer != "" {
		result["iss"] = c.Issuer
	}
	if c.Subject != "" {
		result["sub"] = c.Subject
	}
	if len(c.Audience) > 0 {
		result["aud"] = c.Audience
	}
	if !c.ExpiresAt.IsZero() {
		result["exp"] = c.ExpiresAt.Unix()
	}
	if c.NotBefore != nil {
		result["nbf"] = c.NotBefore.Unix()
	}
	if c.IssuedAt != nil {
		result["iat"] = c.IssuedAt.Unix()
	}
	if c.JWTID != "" {
		result["jti"] = c.JWTID
	}
	if len(c.Teams) > 0 {
		result["teams"] = c.Teams
	}

	return result
}
