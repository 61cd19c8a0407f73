package vault

import (
	"fmt"
	"strings"
)

// Ref identifies a single field of a KV secret.
type Ref struct {
	Mount string
	Path  string
	Field string
}

// String returns the reference in <mount>/<path>#<field> form.
func (r Ref) String() string {
	return r.Mount + "/" + r.Path + "#" + r.Field
}

// ParseRef parses <mount>/<path>#<field>. A leading "vault:" is accepted.
func ParseRef(ref string) (Ref, error) {
	ref = strings.TrimPrefix(ref, "vault:")

	location, field, ok := strings.Cut(ref, "#")
	if !ok || field == "" {
		return Ref{}, fmt.Errorf("%w: %q has no #field", ErrInvalidPath, ref)
	}

	location = strings.Trim(location, "/")
	mount, path, ok := strings.Cut(location, "/")
	if !ok || mount == "" || path == "" {
		return Ref{}, fmt.Errorf("%w: %q must be <mount>/<path>#<field>", ErrInvalidPath, ref)
	}
	if strings.Contains(path, "..") {
		return Ref{}, fmt.Errorf("%w: %q contains ..", ErrInvalidPath, ref)
	}

	return Ref{Mount: mount, Path: path, Field: field}, nil
}
