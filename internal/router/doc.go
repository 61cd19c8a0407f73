// Package router maps gateway request paths to a downstream service and
// a route rule.
//
// A Table holds services keyed by path prefix. Each service carries an
// ordered list of rules whose path templates are matched against the
// path remainder after the prefix. Templates are made of literal
// segments, {param} segments that match exactly one non-empty segment,
// and an optional trailing * that matches any remainder.
//
// The {team_id} and {resource_id} parameters have special meaning: the
// former scopes the authorization check to a team, the latter names the
// resource recorded in the audit trail. A rule without {team_id}
// requires authentication only.
//
// A request that matches no service, no rule, or a method for which no
// role is defined is reported as ErrNoRoute; callers deny such requests.
//
// # Usage
//
//	table, err := router.NewTable(services)
//	if err != nil {
//	    return err
//	}
//	m, err := table.Match(r.Method, r.URL.Path)
//	if errors.Is(err, router.ErrNoRoute) {
//	    // deny
//	}
package router
