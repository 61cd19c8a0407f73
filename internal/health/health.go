package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

// Status represents the health status.
type Status string

const (
	// StatusHealthy indicates the service is healthy.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy indicates the service is unhealthy.
	StatusUnhealthy Status = "unhealthy"
	// StatusDegraded indicates the service is degraded but operational.
	StatusDegraded Status = "degraded"
)

// DefaultCheckTimeout bounds each readiness check.
const DefaultCheckTimeout = 2 * time.Second

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    Status    `json:"status"`
	Version   string    `json:"version,omitempty"`
	Uptime    string    `json:"uptime,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadinessResponse represents the readiness check response.
type ReadinessResponse struct {
	Status    Status           `json:"status"`
	Version   string           `json:"version,omitempty"`
	Checks    map[string]Check `json:"checks,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Check represents an individual health check result.
type Check struct {
	Status   Status `json:"status"`
	Critical bool   `json:"critical"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration"`
}

// CheckFunc reports a dependency failure as an error.
type CheckFunc func(ctx context.Context) error

type dependency struct {
	check    CheckFunc
	critical bool
}

// CheckOption configures a registered check.
type CheckOption func(*dependency)

// WithCritical sets whether a failure makes the gateway unready.
// Checks are critical by default.
func WithCritical(critical bool) CheckOption {
	return func(d *dependency) {
		d.critical = critical
	}
}

// Checker provides health and readiness checking functionality.
type Checker struct {
	version   string
	startTime time.Time
	timeout   time.Duration
	metrics   *Metrics
	now       func() time.Time

	mu     sync.RWMutex
	checks map[string]dependency
}

// CheckerOption is a functional option for configuring the checker.
type CheckerOption func(*Checker)

// WithCheckTimeout sets the timeout of each check.
func WithCheckTimeout(timeout time.Duration) CheckerOption {
	return func(c *Checker) {
		c.timeout = timeout
	}
}

// WithMetrics sets the metrics for the checker.
func WithMetrics(metrics *Metrics) CheckerOption {
	return func(c *Checker) {
		c.metrics = metrics
	}
}

// WithClock sets the checker's time source.
func WithClock(now func() time.Time) CheckerOption {
	return func(c *Checker) {
		c.now = now
	}
}

// NewChecker creates a new health checker.
func NewChecker(version string, opts ...CheckerOption) *Checker {
	c := &Checker{
		version: version,
		timeout: DefaultCheckTimeout,
		now:     time.Now,
		checks:  make(map[string]dependency),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.startTime = c.now()
	if c.metrics == nil {
		c.metrics = NewMetrics("gateway")
	}
	return c
}

// RegisterCheck registers a readiness check, replacing any check with
// the same name.
func (c *Checker) RegisterCheck(name string, check CheckFunc, opts ...CheckOption) {
	d := dependency{check: check, critical: true}
	for _, opt := range opts {
		opt(&d)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = d
}

// UnregisterCheck removes a readiness check.
func (c *Checker) UnregisterCheck(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.checks, name)
}

// Names returns the registered check names in order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Health returns the liveness status. It never consults dependencies.
func (c *Checker) Health() HealthResponse {
	now := c.now()
	return HealthResponse{
		Status:    StatusHealthy,
		Version:   c.version,
		Uptime:    now.Sub(c.startTime).Round(time.Second).String(),
		Timestamp: now,
	}
}

// Readiness runs every registered check concurrently.
func (c *Checker) Readiness(ctx context.Context) ReadinessResponse {
	c.mu.RLock()
	checks := make(map[string]dependency, len(c.checks))
	for name, d := range c.checks {
		checks[name] = d
	}
	c.mu.RUnlock()

	var mu sync.Mutex
	results := make(map[string]Check, len(checks))

	g, gctx := errgroup.WithContext(ctx)
	for name, d := range checks {
		g.Go(func() error {
			result := c.run(gctx, name, d)
			mu.Lock()
			results[name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	response := ReadinessResponse{
		Status:    StatusHealthy,
		Version:   c.version,
		Checks:    results,
		Timestamp: c.now(),
	}
	for _, check := range results {
		switch {
		case check.Status == StatusUnhealthy:
			response.Status = StatusUnhealthy
		case check.Status == StatusDegraded && response.Status != StatusUnhealthy:
			response.Status = StatusDegraded
		}
	}
	c.metrics.recordOverall(response.Status)

	return response
}

func (c *Checker) run(ctx context.Context, name string, d dependency) Check {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := d.check(ctx)
	elapsed := time.Since(start)

	result := Check{Status: StatusHealthy, Critical: d.critical, Duration: elapsed.Round(time.Microsecond).String()}
	if err != nil {
		result.Message = err.Error()
		result.Status = StatusDegraded
		if d.critical {
			result.Status = StatusUnhealthy
		}
	}
	c.metrics.recordCheck(name, err == nil, elapsed)
	return result
}

// HealthHandler returns the liveness handler.
func (c *Checker) HealthHandler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, c.Health())
	}
}

// ReadinessHandler returns the readiness handler. Only an unhealthy
// status fails the probe.
func (c *Checker) ReadinessHandler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		response := c.Readiness(ctx.Request.Context())

		status := http.StatusOK
		if response.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		ctx.JSON(status, response)
	}
}
