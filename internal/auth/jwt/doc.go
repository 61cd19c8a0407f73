// Package jwt verifies the bearer tokens presented to the KeyArc gateway.
//
// Tokens are compact JWS (header.payload.signature). Verification is a
// pure function of the token, the current time and an in-memory KeySet:
// no network I/O happens on the request path. The gateway is configured
// with exactly one signing algorithm and rejects any token whose header
// names another one, which closes the classic algorithm-confusion holes
// ("none", or an RS256 public key reused as an HS256 secret).
//
// Keys are selected by the header "kid". A token without "kid" is only
// accepted when the keyset holds a single key. Multiple keys may be
// active at once so signing keys can be rotated without downtime; the
// whole keyset is swapped atomically with KeySet.Replace.
//
// Every failure is reported as an *AuthenticationError carrying a
// machine-readable reason. A Principal is returned only when every
// check has passed.
package jwt
