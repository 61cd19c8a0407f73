package router

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/vyrodovalexey/keyarc-gateway/internal/authz/rbac"
)

// Default actions recorded for a method when the rule names none.
const (
	ActionRead   = "read"
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

var defaultMethodRoles = map[string]rbac.Role{
	http.MethodGet:     rbac.RoleViewer,
	http.MethodHead:    rbac.RoleViewer,
	http.MethodOptions: rbac.RoleViewer,
	http.MethodPost:    rbac.RoleMember,
	http.MethodPut:     rbac.RoleMember,
	http.MethodPatch:   rbac.RoleMember,
	http.MethodDelete:  rbac.RoleAdmin,
}

var methodActions = map[string]string{
	http.MethodGet:     ActionRead,
	http.MethodHead:    ActionRead,
	http.MethodOptions: ActionRead,
	http.MethodPost:    ActionCreate,
	http.MethodPut:     ActionUpdate,
	http.MethodPatch:   ActionUpdate,
	http.MethodDelete:  ActionDelete,
}

// DefaultRole returns the role required for method when a rule does not
// override it.
func DefaultRole(method string) (rbac.Role, bool) {
	role, ok := defaultMethodRoles[method]
	return role, ok
}

// Rule maps a path template under a service prefix to an authorization
// requirement.
type Rule struct {
	// Path is the template matched against the path after the prefix.
	Path string

	// ResourceType is recorded in the audit trail.
	ResourceType string

	// Action overrides the method-derived action.
	Action string

	// Roles overrides the default role per method.
	Roles map[string]rbac.Role
}

// Service is a downstream resource service.
type Service struct {
	Name        string
	Prefix      string
	URL         string
	Timeout     time.Duration
	StripPrefix bool
	Rules       []Rule
}

// Match is the result of routing a request.
type Match struct {
	Service      *Service
	Rule         *Rule
	Action       string
	TeamID       string
	ResourceID   string
	RequiredRole rbac.Role
	Params       map[string]string

	// UpstreamPath is the path sent to the service.
	UpstreamPath string
}

// TeamScoped reports whether the request requires a team role.
func (m *Match) TeamScoped() bool {
	return m.TeamID != ""
}

type compiledRule struct {
	rule     *Rule
	template *Template
}

type compiledService struct {
	service *Service
	rules   []compiledRule
}

// Table routes requests to services. It is immutable and safe for
// concurrent use.
type Table struct {
	services []*compiledService
}

// NewTable compiles services into a routing table.
func NewTable(services []Service) (*Table, error) {
	t := &Table{services: make([]*compiledService, 0, len(services))}
	names := make(map[string]bool, len(services))
	prefixes := make(map[string]string, len(services))

	for i := range services {
		svc := services[i]
		if svc.Name == "" {
			return nil, fmt.Errorf("%w: service %d has no name", ErrInvalidService, i)
		}
		if names[svc.Name] {
			return nil, fmt.Errorf("%w: duplicate service name %q", ErrInvalidService, svc.Name)
		}
		names[svc.Name] = true

		prefix, err := normalizePrefix(svc.Prefix)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", svc.Name, err)
		}
		if other, ok := prefixes[prefix]; ok {
			return nil, fmt.Errorf("%w: services %q and %q share prefix %q", ErrInvalidService, other, svc.Name, prefix)
		}
		prefixes[prefix] = svc.Name
		svc.Prefix = prefix

		compiled, err := compileService(&svc)
		if err != nil {
			return nil, err
		}
		t.services = append(t.services, compiled)
	}

	// Longest prefix wins.
	sort.SliceStable(t.services, func(i, j int) bool {
		return len(t.services[i].service.Prefix) > len(t.services[j].service.Prefix)
	})

	return t, nil
}

func compileService(svc *Service) (*compiledService, error) {
	compiled := &compiledService{service: svc, rules: make([]compiledRule, 0, len(svc.Rules))}
	for i := range svc.Rules {
		rule := &svc.Rules[i]
		tmpl, err := ParseTemplate(rule.Path)
		if err != nil {
			return nil, fmt.Errorf("service %s rule %d: %w", svc.Name, i, err)
		}
		if rule.ResourceType == "" {
			return nil, fmt.Errorf("%w: service %s rule %s has no resource type", ErrInvalidService, svc.Name, rule.Path)
		}
		for method, role := range rule.Roles {
			if !role.Valid() {
				return nil, fmt.Errorf("%w: service %s rule %s has invalid role for %s",
					ErrInvalidService, svc.Name, rule.Path, method)
			}
		}
		compiled.rules = append(compiled.rules, compiledRule{rule: rule, template: tmpl})
	}
	return compiled, nil
}

func normalizePrefix(prefix string) (string, error) {
	if !strings.HasPrefix(prefix, "/") {
		return "", fmt.Errorf("%w: prefix %q must start with /", ErrInvalidService, prefix)
	}
	if prefix != "/" {
		prefix = strings.TrimRight(prefix, "/")
	}
	if strings.ContainsAny(prefix, "{}*") {
		return "", fmt.Errorf("%w: prefix %q must be literal", ErrInvalidService, prefix)
	}
	return prefix, nil
}

// Match routes a request. It returns an error wrapping ErrNoRoute when
// nothing matches.
func (t *Table) Match(method, path string) (*Match, error) {
	if !isCleanPath(path) {
		return nil, fmt.Errorf("%w: %s %s", ErrNoRoute, method, path)
	}

	for _, svc := range t.services {
		remainder, ok := svc.strip(path)
		if !ok {
			continue
		}
		for _, cr := range svc.rules {
			matched, params := cr.template.Match(remainder)
			if !matched {
				continue
			}
			return svc.match(cr, method, path, remainder, params)
		}
		// Prefixes are exclusive: a matched service with no rule does not
		// fall through to a shorter prefix.
		return nil, fmt.Errorf("%w: %s %s has no rule in service %s", ErrNoRoute, method, path, svc.service.Name)
	}

	return nil, fmt.Errorf("%w: %s %s", ErrNoRoute, method, path)
}

func (s *compiledService) strip(path string) (string, bool) {
	prefix := s.service.Prefix
	if prefix == "/" {
		return path, true
	}
	if path == prefix {
		return "/", true
	}
	if strings.HasPrefix(path, prefix+"/") {
		return path[len(prefix):], true
	}
	return "", false
}

func (s *compiledService) match(cr compiledRule, method, path, remainder string, params map[string]string) (*Match, error) {
	role, ok := cr.rule.Roles[method]
	if !ok {
		role, ok = DefaultRole(method)
	}
	if !ok {
		return nil, fmt.Errorf("%w: method %s not allowed on %s", ErrNoRoute, method, path)
	}

	action := cr.rule.Action
	if action == "" {
		action = methodActions[method]
		if action == "" {
			action = strings.ToLower(method)
		}
	}

	m := &Match{
		Service:      s.service,
		Rule:         cr.rule,
		Action:       action,
		TeamID:       params[ParamTeamID],
		ResourceID:   params[ParamResourceID],
		RequiredRole: role,
		Params:       params,
		UpstreamPath: path,
	}
	if !m.TeamScoped() {
		m.RequiredRole = rbac.RoleNone
	}
	if s.service.StripPrefix {
		m.UpstreamPath = remainder
	}
	return m, nil
}

// Services returns the configured services in match order.
func (t *Table) Services() []Service {
	out := make([]Service, 0, len(t.services))
	for _, svc := range t.services {
		out = append(out, *svc.service)
	}
	return out
}

// ServiceFor returns the name of the service whose prefix owns path,
// without matching a rule.
func (t *Table) ServiceFor(path string) (string, bool) {
	for _, svc := range t.services {
		if _, ok := svc.strip(path); ok {
			return svc.service.Name, true
		}
	}
	return "", false
}

// isCleanPath rejects relative, dot and empty segments so that the path
// the gateway authorizes is the path the service receives.
func isCleanPath(path string) bool {
	if !strings.HasPrefix(path, "/") {
		return false
	}
	if path == "/" {
		return true
	}
	for _, part := range strings.Split(path[1:], "/") {
		if part == "." || part == ".." {
			return false
		}
	}
	return !strings.Contains(path, "//")
}
