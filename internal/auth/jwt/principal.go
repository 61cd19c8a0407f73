package jwt

import (
	"context"
	"maps"
	"time"
)

// Principal is the verified identity behind a request.
type Principal struct {
	// ID is the token subject.
	ID string

	// Issuer is the token issuer, if present.
	Issuer string

	// TokenID is the jti claim, if present.
	TokenID string

	// ExpiresAt is when the token stops being valid.
	ExpiresAt time.Time

	// IssuedAt is when the token was issued, zero if absent.
	IssuedAt time.Time

	// Teams is the issuer-asserted team to role map. It is informational;
	// authorization always consults the membership store.
	Teams map[string]string

	// Claims holds the full verified payload.
	Claims *Claims
}

func newPrincipal(claims *Claims) *Principal {
	p := &Principal{
		ID:        claims.Subject,
		Issuer:    claims.Issuer,
		TokenID:   claims.JWTID,
		ExpiresAt: claims.ExpiresAt,
		Teams:     maps.Clone(claims.Teams),
		Claims:    claims,
	}
	if claims.IssuedAt != nil {
		p.IssuedAt = *claims.IssuedAt
	}
	return p
}

type principalContextKey struct{}

// ContextWithPrincipal returns a context carrying p.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext returns the principal stored in ctx.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(*Principal)
	return p, ok && p != nil
}
