package router

import (
	"fmt"
	"strings"
)

// Well-known template parameters.
const (
	ParamTeamID     = "team_id"
	ParamResourceID = "resource_id"
)

// Template is a compiled path template such as
// /teams/{team_id}/keys/{resource_id} or /teams/{team_id}/*.
type Template struct {
	pattern  string
	segments []segment
	wildcard bool
}

type segment struct {
	value     string
	isParam   bool
	paramName string
}

// ParseTemplate compiles a path template.
func ParseTemplate(pattern string) (*Template, error) {
	if !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("%w: %q must start with /", ErrInvalidTemplate, pattern)
	}

	t := &Template{pattern: pattern}
	parts := strings.Split(strings.Trim(pattern, "/"), "/")
	seen := make(map[string]bool, len(parts))

	for i, part := range parts {
		switch {
		case part == "":
			if len(parts) == 1 {
				continue
			}
			return nil, fmt.Errorf("%w: %q has an empty segment", ErrInvalidTemplate, pattern)

		case part == "*":
			if i != len(parts)-1 {
				return nil, fmt.Errorf("%w: %q has * before the last segment", ErrInvalidTemplate, pattern)
			}
			t.wildcard = true

		case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
			name := part[1 : len(part)-1]
			if name == "" || strings.ContainsAny(name, "{}*") {
				return nil, fmt.Errorf("%w: %q has an invalid parameter %q", ErrInvalidTemplate, pattern, part)
			}
			if seen[name] {
				return nil, fmt.Errorf("%w: %q repeats parameter %q", ErrInvalidTemplate, pattern, name)
			}
			seen[name] = true
			t.segments = append(t.segments, segment{value: part, isParam: true, paramName: name})

		case strings.ContainsAny(part, "{}*"):
			return nil, fmt.Errorf("%w: %q has a malformed segment %q", ErrInvalidTemplate, pattern, part)

		default:
			t.segments = append(t.segments, segment{value: part})
		}
	}

	return t, nil
}

// Pattern returns the source pattern.
func (t *Template) Pattern() string {
	return t.pattern
}

// HasParam reports whether the template declares the named parameter.
func (t *Template) HasParam(name string) bool {
	for _, seg := range t.segments {
		if seg.isParam && seg.paramName == name {
			return true
		}
	}
	return false
}

// Match matches path against the template and extracts parameters.
func (t *Template) Match(path string) (matched bool, params map[string]string) {
	parts := splitPath(path)
	if len(parts) < len(t.segments) || (!t.wildcard && len(parts) != len(t.segments)) {
		return false, nil
	}

	params = make(map[string]string)
	for i, seg := range t.segments {
		if seg.isParam {
			if parts[i] == "" {
				return false, nil
			}
			params[seg.paramName] = parts[i]
			continue
		}
		if parts[i] != seg.value {
			return false, nil
		}
	}
	return true, params
}

// splitPath splits a cleaned path into its non-empty segments.
func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
