package jwt

import (
	"errors"
	"fmt"
)

// JWT signing algorithm constants.
const (
	AlgRS256 = "RS256"
	AlgRS384 = "RS384"
	AlgRS512 = "RS512"
	AlgPS256 = "PS256"
	AlgPS384 = "PS384"
	AlgPS512 = "PS512"
	AlgES256 = "ES256"
	AlgES384 = "ES384"
	AlgES512 = "ES512"
	AlgHS256 = "HS256"
	AlgHS384 = "HS384"
	AlgHS512 = "HS512"
	AlgEdDSA = "EdDSA"
)

// Authentication failure reasons.
const (
	ReasonMissingToken         = "missing_token"
	ReasonMalformed            = "malformed"
	ReasonUnsupportedAlgorithm = "unsupported_algorithm"
	ReasonUnknownKey           = "unknown_key"
	ReasonInvalidSignature     = "invalid_signature"
	ReasonExpired              = "expired"
	ReasonNotYetValid          = "not_yet_valid"
	ReasonInvalidIssuer        = "invalid_issuer"
	ReasonInvalidAudience      = "invalid_audience"
	ReasonInvalidClaims        = "invalid_claims"
)

// Sentinel errors for JWT operations.
var (
	// ErrMissingToken indicates that no token was presented.
	ErrMissingToken = errors.New("token is missing")

	// ErrTokenMalformed indicates that the token is malformed.
	ErrTokenMalformed = errors.New("token is malformed")

	// ErrUnsupportedAlgorithm indicates that the signing algorithm is not accepted.
	ErrUnsupportedAlgorithm = errors.New("signing algorithm is not supported")

	// ErrKeyNotFound indicates that no verification key matches the token.
	ErrKeyNotFound = errors.New("signing key not found")

	// ErrTokenInvalidSignature indicates that the token signature is invalid.
	ErrTokenInvalidSignature = errors.New("token signature is invalid")

	// ErrTokenExpired indicates that the token has expired.
	ErrTokenExpired = errors.New("token has expired")

	// ErrTokenNotYetValid indicates that the token is not yet valid.
	ErrTokenNotYetValid = errors.New("token is not yet valid")

	// ErrTokenInvalidIssuer indicates that the token issuer is not accepted.
	ErrTokenInvalidIssuer = errors.New("token issuer is invalid")

	// ErrTokenInvalidAudience indicates that the token audience does not match.
	ErrTokenInvalidAudience = errors.New("token audience is invalid")

	// ErrTokenInvalidClaim indicates a missing or badly typed claim.
	ErrTokenInvalidClaim = errors.New("claim value is invalid")

	// ErrInvalidKey indicates that a key cannot be used with the algorithm.
	ErrInvalidKey = errors.New("signing key is invalid")
)

var reasonSentinels = map[string]error{
	ReasonMissingToken:         ErrMissingToken,
	ReasonMalformed:            ErrTokenMalformed,
	ReasonUnsupportedAlgorithm: ErrUnsupportedAlgorithm,
	ReasonUnknownKey:           ErrKeyNotFound,
	ReasonInvalidSignature:     ErrTokenInvalidSignature,
	ReasonExpired:              ErrTokenExpired,
	ReasonNotYetValid:          ErrTokenNotYetValid,
	ReasonInvalidIssuer:        ErrTokenInvalidIssuer,
	ReasonInvalidAudience:      ErrTokenInvalidAudience,
	ReasonInvalidClaims:        ErrTokenInvalidClaim,
}

// AuthenticationError is returned for every verification failure.
type AuthenticationError struct {
	// Reason is a machine-readable reason code.
	Reason string
	// Message is a human-readable description. It never contains token
	// contents or key material.
	Message string
	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *AuthenticationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("authentication failed (%s): %s: %v", e.Reason, e.Message, e.Cause)
	}
	return fmt.Sprintf("authentication failed (%s): %s", e.Reason, e.Message)
}

// Unwrap returns the sentinel for the reason and the cause.
func (e *AuthenticationError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := reasonSentinels[e.Reason]; ok {
		errs = append(errs, s)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// NewAuthenticationError creates a new AuthenticationError.
func NewAuthenticationError(reason, message string, cause error) *AuthenticationError {
	return &AuthenticationError{Reason: reason, Message: message, Cause: cause}
}

// ReasonOf returns the reason code of an AuthenticationError, or
// ReasonMalformed for any other non-nil error.
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return authErr.Reason
	}
	return ReasonMalformed
}

// IsExpiredError checks if the error is an expiration error.
func IsExpiredError(err error) bool {
	return errors.Is(err, ErrTokenExpired)
}
