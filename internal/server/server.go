package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/keyarc-gateway/internal/gateway"
	"github.com/vyrodovalexey/keyarc-gateway/internal/health"
	"github.com/vyrodovalexey/keyarc-gateway/internal/observability"
)

// Server defaults.
const (
	DefaultAddr           = ":8002"
	DefaultReadTimeout    = 15 * time.Second
	DefaultWriteTimeout   = 60 * time.Second
	DefaultIdleTimeout    = 120 * time.Second
	DefaultMaxHeaderBytes = 1 << 20
	DefaultMaxBodyBytes   = 10 << 20

	HealthPath = "/health"
	StatusPath = "/status"
)

// ginModeOnce ensures gin.SetMode is only called once.
var ginModeOnce sync.Once

// ErrAlreadyRunning is returned by Start on a running server.
var ErrAlreadyRunning = errors.New("server already running")

// RateLimitConfig configures per-client rate limiting.
type RateLimitConfig struct {
	Enabled bool
	RPS     float64
	Burst   int
}

// Config holds configuration for the HTTP server.
type Config struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int
	// MaxBodyBytes bounds request bodies. Zero disables the limit.
	MaxBodyBytes   int64
	TrustedProxies []string
	RateLimit      RateLimitConfig
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Addr:           DefaultAddr,
		ReadTimeout:    DefaultReadTimeout,
		WriteTimeout:   DefaultWriteTimeout,
		IdleTimeout:    DefaultIdleTimeout,
		MaxHeaderBytes: DefaultMaxHeaderBytes,
		MaxBodyBytes:   DefaultMaxBodyBytes,
	}
}

// RouteResolver maps a request path to a bounded route label.
// (*router.Table).ServiceFor implements it.
type RouteResolver func(path string) (string, bool)

// Server is the gateway's HTTP front end. It serves the health and
// status endpoints itself and hands every other request to the
// dispatcher. Metrics are served on a separate listener.
type Server struct {
	engine      *gin.Engine
	httpServer  *http.Server
	config      Config
	dispatcher  http.Handler
	checker     *health.Checker
	logger      observability.Logger
	metrics     *observability.Metrics
	resolve     RouteResolver
	rateLimiter *RateLimiter

	mu      sync.RWMutex
	running bool
	stopped bool
}

// Option is a functional option for configuring the server.
type Option func(*Server)

// WithLogger sets the logger for the server.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics for the server.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Server) {
		s.metrics = metrics
	}
}

// WithRouteResolver sets how unmatched gin routes are labelled in
// metrics.
func WithRouteResolver(resolve RouteResolver) Option {
	return func(s *Server) {
		s.resolve = resolve
	}
}

// WithRateLimiter replaces the limiter built from the configuration.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) {
		s.rateLimiter = rl
	}
}

// New creates a server. dispatcher receives every request that is not
// an operational endpoint.
func New(cfg Config, dispatcher http.Handler, checker *health.Checker, opts ...Option) (*Server, error) {
	if dispatcher == nil {
		return nil, errors.New("server: dispatcher is required")
	}
	if checker == nil {
		return nil, errors.New("server: health checker is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}

	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		config:     cfg,
		dispatcher: dispatcher,
		checker:    checker,
		logger:     observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(observability.String("component", "server"))
	if s.metrics == nil {
		s.metrics = observability.NewMetrics("gateway")
	}
	if s.rateLimiter == nil && cfg.RateLimit.Enabled {
		s.rateLimiter = NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}

	engine := gin.New()
	engine.HandleMethodNotAllowed = false
	if err := engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("server: invalid trusted proxies: %w", err)
	}
	s.engine = engine
	s.routes()

	return s, nil
}

func (s *Server) routes() {
	operational := []string{HealthPath, StatusPath}

	s.engine.Use(
		Recovery(s.logger),
		RequestID(),
		Tracing(operational...),
		Metrics(s.metrics, s.routeOf),
		AccessLog(s.logger, operational...),
	)
	if s.config.MaxBodyBytes > 0 {
		s.engine.Use(s.maxBodyBytes())
	}

	s.engine.GET(HealthPath, s.checker.HealthHandler())
	s.engine.GET(StatusPath, s.checker.ReadinessHandler())

	// Operational endpoints are exempt from rate limiting.
	gated := []gin.HandlerFunc{}
	if s.rateLimiter != nil {
		gated = append(gated, RateLimit(s.rateLimiter, s.metrics, s.logger, s.routeOf))
	}
	gated = append(gated, dispatch(s.dispatcher))
	s.engine.NoRoute(gated...)
}

// dispatch hands the request to h. A dispatcher that writes nothing
// has lost its client; gin must not answer with its own 404.
func dispatch(h http.Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
		if !c.Writer.Written() {
			c.Status(gateway.StatusClientClosedRequest)
		}
	}
}

// maxBodyBytes limits request body size.
func (s *Server) maxBodyBytes() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.config.MaxBodyBytes)
		c.Next()
	}
}

// routeOf labels a request for metrics.
func (s *Server) routeOf(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	if s.resolve != nil {
		if name, ok := s.resolve(c.Request.URL.Path); ok {
			return name
		}
	}
	return observability.UnmatchedRoute
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on the configured address and serves until Stop is
// called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop is called.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrAlreadyRunning
	}
	if s.stopped {
		s.mu.Unlock()
		return ln.Close()
	}
	s.httpServer = &http.Server{
		Handler:        s.engine,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}
	srv := s.httpServer
	s.running = true
	s.mu.Unlock()

	if s.rateLimiter != nil {
		s.rateLimiter.StartCleanup(DefaultCleanupInterval)
	}

	s.logger.Info("starting HTTP server",
		observability.String("address", ln.Addr().String()),
		observability.Duration("read_timeout", s.config.ReadTimeout),
		observability.Duration("write_timeout", s.config.WriteTimeout),
	)

	err := srv.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop stops the server gracefully, waiting for in-flight requests
// until ctx is done. A server stopped before it started never serves.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("stopping HTTP server")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info("HTTP server stopped")
	return nil
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
