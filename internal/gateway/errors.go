package gateway

import (
	"errors"
	"fmt"
)

// Sentinel errors for dispatch.
var (
	// ErrDownstreamUnavailable indicates the service could not be reached
	// or did not answer in time.
	ErrDownstreamUnavailable = errors.New("downstream service unavailable")

	// ErrDownstreamTimeout indicates the service deadline expired. It is
	// always reported together with ErrDownstreamUnavailable.
	ErrDownstreamTimeout = errors.New("downstream service timed out")

	// ErrCircuitOpen indicates the service circuit breaker rejected the
	// call. It is always reported together with ErrDownstreamUnavailable.
	ErrCircuitOpen = errors.New("downstream circuit breaker is open")

	// ErrClientGone indicates the client cancelled the request.
	ErrClientGone = errors.New("client cancelled request")

	// ErrInvalidService indicates a service URL that cannot be used.
	ErrInvalidService = errors.New("invalid service")
)

// DownstreamError is returned when a permitted request could not be
// delivered to its service.
type DownstreamError struct {
	Service string
	Kind    error
	Cause   error
}

// Error implements the error interface.
func (e *DownstreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("service %s: %v: %v", e.Service, e.Kind, e.Cause)
	}
	return fmt.Sprintf("service %s: %v", e.Service, e.Kind)
}

// Unwrap makes the kind, ErrDownstreamUnavailable and the cause
// reachable with errors.Is.
func (e *DownstreamError) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Kind != ErrDownstreamUnavailable && e.Kind != ErrClientGone {
		errs = append(errs, ErrDownstreamUnavailable)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// Error codes in gateway-originated responses.
const (
	CodeUnauthorized       = "unauthorized"
	CodeForbidden          = "forbidden"
	CodeServiceUnavailable = "service_unavailable"
	CodeRateLimited        = "rate_limited"
	CodeNotFound           = "not_found"
	CodeInternal           = "internal_error"
)

// ErrorResponse is the body of gateway-originated error responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
