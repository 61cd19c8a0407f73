package rbac

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/vyrodovalexey/keyarc-gateway/internal/observability"
)

// Decision reasons.
const (
	ReasonGranted          = "granted"
	ReasonInsufficientRole = "insufficient_role"
	ReasonNotMember        = "not_member"
	ReasonLookupFailed     = "lookup_failed"
	ReasonInvalidRequest   = "invalid_request"
)

// Default engine settings.
const (
	DefaultCacheTTL        = 30 * time.Second
	DefaultNegativeTTL     = 2 * time.Second
	DefaultLookupTimeout   = 2 * time.Second
	DefaultCacheMaxEntries = 10000
	DefaultCleanupInterval = time.Minute
)

const tracerName = "keyarc/rbac"

// Config configures the engine.
type Config struct {
	// CacheTTL bounds how long a found membership is reused.
	// Zero disables positive caching.
	CacheTTL time.Duration

	// NegativeTTL bounds how long an absent membership is reused.
	// Zero disables negative caching.
	NegativeTTL time.Duration

	// LookupTimeout bounds each membership store call.
	LookupTimeout time.Duration

	// CacheMaxEntries caps the cache size. Zero means unbounded.
	CacheMaxEntries int

	// CleanupInterval is the period of the expired-entry sweep started
	// by Start.
	CleanupInterval time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		CacheTTL:        DefaultCacheTTL,
		NegativeTTL:     DefaultNegativeTTL,
		LookupTimeout:   DefaultLookupTimeout,
		CacheMaxEntries: DefaultCacheMaxEntries,
		CleanupInterval: DefaultCleanupInterval,
	}
}

// Decision is the result of an authorization check.
type Decision struct {
	// Allowed is true only when a membership was found whose role
	// satisfies the requirement.
	Allowed bool

	// Role is the principal's role in the team, RoleNone if unknown.
	Role Role

	// Required is the role the request needed.
	Required Role

	// Reason is a machine-readable reason code.
	Reason string

	// Cached reports whether the membership came from the cache.
	Cached bool

	// Err is the lookup error behind a lookup_failed decision.
	Err error
}

// Checker answers permission questions. Engine implements it.
type Checker interface {
	Authorize(ctx context.Context, principalID, teamID string, required Role) Decision
	CheckPermission(ctx context.Context, principalID, teamID string, required Role) bool
}

// Invalidator evicts cached memberships.
type Invalidator interface {
	Invalidate(principalID, teamID string)
	InvalidateTeam(teamID string)
	Purge()
}

// EngineOption is a functional option for the engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the logger.
func WithEngineLogger(logger observability.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithEngineMetrics sets the metrics.
func WithEngineMetrics(metrics *Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// WithEngineClock overrides the time source used for cache expiry.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// Engine is the RBAC policy engine.
type Engine struct {
	store   MembershipStore
	cfg     Config
	logger  observability.Logger
	metrics *Metrics
	now     func() time.Time

	cache *membershipCache
	group singleflight.Group

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
	mu       sync.Mutex
}

var (
	_ Checker     = (*Engine)(nil)
	_ Invalidator = (*Engine)(nil)
)

// NewEngine creates an engine backed by store.
func NewEngine(store MembershipStore, cfg Config, opts ...EngineOption) *Engine {
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultLookupTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.CacheMaxEntries < 0 {
		cfg.CacheMaxEntries = 0
	}

	e := &Engine{
		store:  store,
		cfg:    cfg,
		logger: observability.NopLogger(),
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.metrics == nil {
		e.metrics = NewMetrics("gateway")
	}

	e.cache = newMembershipCache(cfg.CacheTTL, cfg.NegativeTTL, cfg.CacheMaxEntries, e.now)

	return e
}

// CheckPermission reports whether principalID's role in teamID
// satisfies required. Every failure yields false.
func (e *Engine) CheckPermission(ctx context.Context, principalID, teamID string, required Role) bool {
	return e.Authorize(ctx, principalID, teamID, required).Allowed
}

// Authorize decides whether principalID may act in teamID with at
// least the required role.
func (e *Engine) Authorize(ctx context.Context, principalID, teamID string, required Role) Decision {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "rbac.Authorize",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("rbac.team_id", teamID),
			attribute.String("rbac.required_role", required.String()),
		),
	)
	defer span.End()

	d := e.authorize(ctx, principalID, teamID, required)

	span.SetAttributes(
		attribute.Bool("rbac.allowed", d.Allowed),
		attribute.String("rbac.reason", d.Reason),
		attribute.Bool("rbac.cached", d.Cached),
	)
	if d.Err != nil {
		span.SetStatus(codes.Error, d.Err.Error())
	}

	e.metrics.RecordDecision(d)
	e.logger.Debug("rbac decision",
		observability.String("principal_id", principalID),
		observability.String("team_id", teamID),
		observability.String("required_role", required.String()),
		observability.String("role", d.Role.String()),
		observability.String("reason", d.Reason),
		observability.Bool("cached", d.Cached),
	)

	return d
}

func (e *Engine) authorize(ctx context.Context, principalID, teamID string, required Role) Decision {
	d := Decision{Required: required}

	if principalID == "" || teamID == "" || !required.Valid() {
		d.Reason = ReasonInvalidRequest
		d.Err = ErrInvalidRequest
		return d
	}

	key := cacheKey{principalID: principalID, teamID: teamID}
	role, hit := e.cache.get(key)
	e.metrics.RecordCache(hit)
	if !hit {
		var err error
		role, err = e.lookup(ctx, key)
		if err != nil && !errors.Is(err, ErrNotMember) {
			d.Reason = ReasonLookupFailed
			d.Err = err
			return d
		}
	}

	d.Cached = hit
	d.Role = role
	switch {
	case role == RoleNone:
		d.Reason = ReasonNotMember
	case role.Satisfies(required):
		d.Allowed = true
		d.Reason = ReasonGranted
	default:
		d.Reason = ReasonInsufficientRole
	}
	return d
}

type lookupResult struct {
	role Role
	err  error
}

// lookup resolves key from the store. Concurrent lookups for the same
// key share one store call, which runs under LookupTimeout and is not
// cancelled when an individual caller gives up. ErrNotMember is
// returned, with RoleNone, for absent memberships.
func (e *Engine) lookup(ctx context.Context, key cacheKey) (Role, error) {
	sfKey := key.teamID + "\x00" + key.principalID
	gen := e.cache.generation()

	ch := e.group.DoChan(sfKey, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.LookupTimeout)
		defer cancel()

		start := time.Now()
		role, err := e.store.GetRole(lctx, key.teamID, key.principalID)
		switch {
		case errors.Is(err, ErrNotMember):
			e.metrics.RecordLookup("not_member", time.Since(start))
			e.cache.setNegative(key, gen)
			return lookupResult{role: RoleNone, err: ErrNotMember}, nil
		case err != nil:
			e.metrics.RecordLookup("error", time.Since(start))
			return lookupResult{err: NewLookupError(key.teamID, key.principalID, err)}, nil
		case !role.Valid():
			e.metrics.RecordLookup("error", time.Since(start))
			return lookupResult{err: NewLookupError(key.teamID, key.principalID,
				ErrInvalidRole)}, nil
		}

		e.metrics.RecordLookup("found", time.Since(start))
		e.cache.setPositive(key, role, gen)
		e.metrics.SetCacheEntries(e.cache.len())
		return lookupResult{role: role}, nil
	})

	select {
	case res := <-ch:
		lr, _ := res.Val.(lookupResult)
		if lr.err != nil && !errors.Is(lr.err, ErrNotMember) {
			e.logger.Warn("membership lookup failed",
				observability.String("team_id", key.teamID),
				observability.String("principal_id", key.principalID),
				observability.Error(lr.err),
			)
		}
		return lr.role, lr.err
	case <-ctx.Done():
		return RoleNone, NewLookupError(key.teamID, key.principalID, ctx.Err())
	}
}

// Invalidate evicts the cached membership of principalID in teamID.
func (e *Engine) Invalidate(principalID, teamID string) {
	e.cache.delete(cacheKey{principalID: principalID, teamID: teamID})
	e.group.Forget(teamID + "\x00" + principalID)
	e.metrics.RecordInvalidation("member")
	e.metrics.SetCacheEntries(e.cache.len())
	e.logger.Debug("membership cache entry invalidated",
		observability.String("principal_id", principalID),
		observability.String("team_id", teamID),
	)
}

// InvalidateTeam evicts every cached membership of teamID.
func (e *Engine) InvalidateTeam(teamID string) {
	n := e.cache.deleteTeam(teamID)
	e.metrics.RecordInvalidation("team")
	e.metrics.SetCacheEntries(e.cache.len())
	e.logger.Debug("membership cache team invalidated",
		observability.String("team_id", teamID),
		observability.Int("entries", n),
	)
}

// Purge evicts every cached membership.
func (e *Engine) Purge() {
	e.cache.purge()
	e.metrics.RecordInvalidation("all")
	e.metrics.SetCacheEntries(0)
	e.logger.Info("membership cache purged")
}

// CacheLen returns the number of cached memberships.
func (e *Engine) CacheLen() int {
	return e.cache.len()
}

// Check reports the availability of the membership store, if it
// supports it.
func (e *Engine) Check(ctx context.Context) error {
	if p, ok := e.store.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Start launches the periodic cleanup of expired cache entries.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	go e.cleanupLoop()
}

// Stop stops the cleanup loop.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.mu.Lock()
		started := e.started
		e.mu.Unlock()
		if started {
			<-e.doneCh
		}
	})
}

func (e *Engine) cleanupLoop() {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			if n := e.cache.cleanup(); n > 0 {
				e.logger.Debug("expired membership cache entries removed",
					observability.Int("entries", n))
			}
			e.metrics.SetCacheEntries(e.cache.len())
		}
	}
}
