package vault

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors for Vault operations.
var (
	// ErrDisabled indicates Vault integration is not enabled.
	ErrDisabled = errors.New("vault: integration disabled")

	// ErrAuthenticationFailed indicates authentication failed.
	ErrAuthenticationFailed = errors.New("vault: authentication failed")

	// ErrSecretNotFound indicates the secret or field was not found.
	ErrSecretNotFound = errors.New("vault: secret not found")

	// ErrInvalidPath indicates an invalid secret reference.
	ErrInvalidPath = errors.New("vault: invalid secret path")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("vault: invalid configuration")

	// ErrPermissionDenied indicates permission was denied.
	ErrPermissionDenied = errors.New("vault: permission denied")

	// ErrConnectionFailed indicates connection to Vault failed.
	ErrConnectionFailed = errors.New("vault: connection failed")

	// ErrClientClosed indicates the client has been closed.
	ErrClientClosed = errors.New("vault: client closed")
)

// Error represents a failed Vault operation.
type Error struct {
	// Operation that failed.
	Operation string
	// Path is the secret path, if applicable.
	Path string
	// Message is a human-readable description.
	Message string
	// Code is the HTTP status code, if any.
	Code int
	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := "vault " + e.Operation
	if e.Path != "" {
		msg += " on path " + e.Path
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

// Unwrap returns the sentinel matching Code, if any, and the cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Code != 0 {
		if s := classify(e.Code); s != nil {
			errs = append(errs, s)
		}
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// NewError creates a new Error.
func NewError(operation, path, message string, cause error) *Error {
	return &Error{Operation: operation, Path: path, Message: message, Cause: cause}
}

// classify maps an HTTP status code to a sentinel.
func classify(code int) error {
	switch {
	case code == http.StatusNotFound:
		return ErrSecretNotFound
	case code == http.StatusForbidden:
		return ErrPermissionDenied
	case code == http.StatusUnauthorized:
		return ErrAuthenticationFailed
	default:
		return nil
	}
}

// IsRetryable returns true if the error is transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var vaultErr *Error
	if errors.As(err, &vaultErr) && (vaultErr.Code >= 500 || vaultErr.Code == http.StatusTooManyRequests) {
		return true
	}

	return errors.Is(err, ErrConnectionFailed)
}
