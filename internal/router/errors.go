package router

import "errors"

var (
	// ErrNoRoute is returned when a request matches no service, no rule,
	// or no role for its method.
	ErrNoRoute = errors.New("no route")

	// ErrInvalidTemplate is returned for malformed path templates.
	ErrInvalidTemplate = errors.New("invalid path template")

	// ErrInvalidService is returned for malformed service definitions.
	ErrInvalidService = errors.New("invalid service")
)
