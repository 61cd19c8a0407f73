package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/vyrodovalexey/keyarc-gateway/internal/audit"
	"github.com/vyrodovalexey/keyarc-gateway/internal/auth/jwt"
	"github.com/vyrodovalexey/keyarc-gateway/internal/authz/rbac"
	"github.com/vyrodovalexey/keyarc-gateway/internal/observability"
	"github.com/vyrodovalexey/keyarc-gateway/internal/router"
)

// Reasons recorded by the dispatcher in addition to the verifier and
// policy engine reason codes.
const (
	ReasonNoRoute         = "no_route"
	ReasonAuthenticated   = "authenticated"
	ReasonClientCancelled = "client_cancelled"
)

// Audit vocabulary for requests rejected before routing.
const (
	ActionAuthenticate = "authenticate"
	ResourceToken      = "token"
	ResourceRoute      = "route"
)

// serviceNone labels metrics of requests that never matched a service.
const serviceNone = "none"

// TokenVerifier verifies bearer tokens. *jwt.Verifier implements it.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*jwt.Principal, error)
}

// Authorizer decides team-scoped permissions. *rbac.Engine implements it.
type Authorizer interface {
	Authorize(ctx context.Context, principalID, teamID string, required rbac.Role) rbac.Decision
}

// Routes resolves requests to services. *router.Table implements it.
type Routes interface {
	Match(method, path string) (*router.Match, error)
}

// Upstream relays permitted requests. *Forwarder implements it.
type Upstream interface {
	Forward(w http.ResponseWriter, r *http.Request, m *router.Match, id Identity) (int, error)
}

// Dispatcher is the http.Handler at the trust boundary.
type Dispatcher struct {
	verifier   TokenVerifier
	authorizer Authorizer
	routes     Routes
	upstream   Upstream
	recorder   audit.Recorder
	logger     observability.Logger
	metrics    *Metrics
	now        func() time.Time
}

// DispatcherOption is a functional option for configuring the dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger for the dispatcher.
func WithDispatcherLogger(logger observability.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithDispatcherMetrics sets the metrics for the dispatcher.
func WithDispatcherMetrics(metrics *Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// WithDispatcherClock sets the clock used for state transitions.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// NewDispatcher creates a dispatcher. A nil recorder discards events.
func NewDispatcher(
	verifier TokenVerifier,
	authorizer Authorizer,
	routes Routes,
	upstream Upstream,
	recorder audit.Recorder,
	opts ...DispatcherOption,
) (*Dispatcher, error) {
	switch {
	case verifier == nil:
		return nil, errors.New("gateway: verifier is required")
	case authorizer == nil:
		return nil, errors.New("gateway: authorizer is required")
	case routes == nil:
		return nil, errors.New("gateway: routes are required")
	case upstream == nil:
		return nil, errors.New("gateway: upstream is required")
	}
	if recorder == nil {
		recorder = audit.NopRecorder()
	}

	d := &Dispatcher{
		verifier:   verifier,
		authorizer: authorizer,
		routes:     routes,
		upstream:   upstream,
		recorder:   recorder,
		logger:     observability.NopLogger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(observability.String("component", "dispatcher"))
	if d.metrics == nil {
		d.metrics = NewMetrics("gateway")
	}

	return d, nil
}

// ServeHTTP runs one request through the dispatch state machine.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ex := newExchange(d.now)
	ctx := r.Context()

	ex.advance(StateAuthenticating)
	principal, err := d.authenticate(ctx, r)
	if err != nil {
		reason := jwt.ReasonOf(err)
		ex.advance(StateRejected)
		d.record(r, audit.NewEvent(audit.AnonymousActor, ActionAuthenticate, ResourceToken, "", audit.OutcomeDenied).
			WithMetadata(audit.MetaReason, reason))
		d.logger.WithContext(ctx).Debug("authentication failed",
			observability.String("path", r.URL.Path),
			observability.String("reason", reason),
		)
		w.Header().Set(HeaderWWWAuthenticate, `Bearer error="invalid_token"`)
		WriteError(w, http.StatusUnauthorized, CodeUnauthorized, "authentication required")
		d.finish(ex, serviceNone, http.StatusUnauthorized)
		return
	}
	ctx = jwt.ContextWithPrincipal(ctx, principal)
	r = r.WithContext(ctx)

	ex.advance(StateAuthorizing)
	match, err := d.routes.Match(r.Method, r.URL.Path)
	if err != nil {
		ex.advance(StateRejected)
		d.record(r, audit.NewEvent(principal.ID, strings.ToLower(r.Method), ResourceRoute, r.URL.Path, audit.OutcomeDenied).
			WithMetadata(audit.MetaReason, ReasonNoRoute))
		WriteError(w, http.StatusForbidden, CodeForbidden, "access denied")
		d.finish(ex, serviceNone, http.StatusForbidden)
		return
	}

	decision := d.authorize(ctx, principal, match)
	event := decisionEvent(principal, match, decision)

	if !decision.Allowed {
		ex.advance(StateRejected)
		if abandoned(ctx, decision) {
			// The client left before a decision could be made.
			event.Outcome = audit.OutcomeError
			d.record(r, event.WithMetadata(audit.MetaReason, ReasonClientCancelled))
			d.finish(ex, match.Service.Name, StatusClientClosedRequest)
			return
		}
		d.record(r, event)
		if decision.Err != nil {
			d.logger.WithContext(ctx).Warn("authorization failed closed",
				observability.String("team_id", match.TeamID),
				observability.String("reason", decision.Reason),
				observability.Error(decision.Err),
			)
		}
		WriteError(w, http.StatusForbidden, CodeForbidden, "access denied")
		d.finish(ex, match.Service.Name, http.StatusForbidden)
		return
	}

	// The decision is recorded before dispatch; nothing after this point
	// changes it.
	d.record(r, event)

	ex.advance(StateDispatching)
	id := Identity{
		PrincipalID: principal.ID,
		TeamID:      match.TeamID,
		RequestID:   observability.RequestIDFromContext(ctx),
	}
	if decision.Role.Valid() {
		id.Role = decision.Role.String()
	}

	status, err := d.upstream.Forward(w, r, match, id)
	ex.advance(StateResponded)
	if err != nil {
		status = d.downstreamFailed(w, r, match, err)
	}
	d.finish(ex, match.Service.Name, status)
}

func (d *Dispatcher) authenticate(ctx context.Context, r *http.Request) (*jwt.Principal, error) {
	token, ok := bearerToken(r)
	if !ok {
		return nil, jwt.NewAuthenticationError(jwt.ReasonMissingToken, "bearer token is required", jwt.ErrMissingToken)
	}
	return d.verifier.Verify(ctx, token)
}

// authorize consults the policy engine for team-scoped routes. Other
// routes only require authentication.
func (d *Dispatcher) authorize(ctx context.Context, principal *jwt.Principal, m *router.Match) rbac.Decision {
	if !m.TeamScoped() {
		return rbac.Decision{Allowed: true, Required: rbac.RoleNone, Reason: ReasonAuthenticated}
	}
	return d.authorizer.Authorize(ctx, principal.ID, m.TeamID, m.RequiredRole)
}

func (d *Dispatcher) downstreamFailed(w http.ResponseWriter, r *http.Request, m *router.Match, err error) int {
	logger := d.logger.WithContext(r.Context())

	if errors.Is(err, ErrClientGone) {
		logger.Debug("client cancelled during dispatch",
			observability.String("service", m.Service.Name),
		)
		return StatusClientClosedRequest
	}

	logger.Warn("downstream unavailable",
		observability.String("service", m.Service.Name),
		observability.String("method", r.Method),
		observability.String("path", r.URL.Path),
		observability.Error(err),
	)
	message := "downstream service unavailable"
	switch {
	case errors.Is(err, ErrDownstreamTimeout):
		message = "downstream service timed out"
	case errors.Is(err, ErrCircuitOpen):
		w.Header().Set(HeaderRetryAfter, "1")
	}
	WriteError(w, http.StatusServiceUnavailable, CodeServiceUnavailable, message)
	return http.StatusServiceUnavailable
}

// record adds request context to event and hands it to the recorder.
func (d *Dispatcher) record(r *http.Request, event audit.Event) {
	ctx := r.Context()
	event = event.
		WithMetadata(audit.MetaMethod, r.Method).
		WithMetadata(audit.MetaPath, r.URL.Path).
		WithMetadata(audit.MetaClientIP, clientIP(r))
	if id := observability.RequestIDFromContext(ctx); id != "" {
		event = event.WithMetadata(audit.MetaRequestID, id)
	}
	if id := observability.TraceIDFromContext(ctx); id != "" {
		event = event.WithMetadata(audit.MetaTraceID, id)
	}
	d.recorder.Record(event)
}

func (d *Dispatcher) finish(ex *exchange, service string, status int) {
	d.metrics.RecordDispatch(service, ex.State(), status)
}

// abandoned reports whether decision failed only because the caller's
// context ended. Denials reached without the context, such as cached
// ones, stand even when the client has gone.
func abandoned(ctx context.Context, decision rbac.Decision) bool {
	cause := ctx.Err()
	return cause != nil && decision.Err != nil && errors.Is(decision.Err, cause)
}

// decisionEvent builds the audit event of a routed request.
func decisionEvent(p *jwt.Principal, m *router.Match, dec rbac.Decision) audit.Event {
	outcome := audit.OutcomeDenied
	if dec.Allowed {
		outcome = audit.OutcomeAllowed
	}

	resourceID := m.ResourceID
	if resourceID == "" {
		resourceID = m.TeamID
	}

	event := audit.NewEvent(p.ID, m.Action, m.Rule.ResourceType, resourceID, outcome).
		WithMetadata(audit.MetaService, m.Service.Name).
		WithMetadata(audit.MetaReason, dec.Reason)
	if m.TeamScoped() {
		event = event.
			WithMetadata(audit.MetaTeamID, m.TeamID).
			WithMetadata(audit.MetaRequired, m.RequiredRole.String())
	}
	if dec.Role.Valid() {
		event = event.WithMetadata(audit.MetaRole, dec.Role.String())
	}
	return event
}

// bearerToken extracts the credential of an Authorization: Bearer header.
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
