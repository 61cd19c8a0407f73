package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/keyarc-gateway/internal/health"
	"github.com/vyrodovalexey/keyarc-gateway/internal/observability"
)

// Metrics listener defaults.
const (
	DefaultMetricsAddr = ":9090"
	DefaultMetricsPath = "/metrics"

	metricsReadTimeout       = 10 * time.Second
	metricsReadHeaderTimeout = 5 * time.Second
	metricsWriteTimeout      = 10 * time.Second
)

// MetricsConfig configures the metrics listener.
type MetricsConfig struct {
	Addr string
	Path string
}

// MetricsServer serves Prometheus metrics and the probes on a listener
// separate from the gateway port.
type MetricsServer struct {
	httpServer *http.Server
	path       string
	logger     observability.Logger
}

// NewMetricsServer creates the metrics server.
func NewMetricsServer(
	cfg MetricsConfig,
	metrics *observability.Metrics,
	checker *health.Checker,
	logger observability.Logger,
) (*MetricsServer, error) {
	if metrics == nil {
		return nil, errors.New("server: metrics are required")
	}
	if checker == nil {
		return nil, errors.New("server: health checker is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultMetricsAddr
	}
	if cfg.Path == "" {
		cfg.Path = DefaultMetricsPath
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	logger = logger.With(observability.String("component", "metrics_server"))

	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	engine := gin.New()
	engine.Use(Recovery(logger))
	engine.GET(cfg.Path, gin.WrapH(metrics.Handler()))
	engine.GET(HealthPath, checker.HealthHandler())
	engine.GET(StatusPath, checker.ReadinessHandler())

	return &MetricsServer{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           engine,
			ReadTimeout:       metricsReadTimeout,
			ReadHeaderTimeout: metricsReadHeaderTimeout,
			WriteTimeout:      metricsWriteTimeout,
		},
		path:   cfg.Path,
		logger: logger,
	}, nil
}

// Handler returns the metrics server's HTTP handler.
func (m *MetricsServer) Handler() http.Handler {
	return m.httpServer.Handler
}

// Start listens on the configured address and serves until Stop is
// called. A server stopped before Start returns nil without serving.
func (m *MetricsServer) Start(ctx context.Context) error {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", m.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.httpServer.Addr, err)
	}

	m.logger.Info("starting metrics server",
		observability.String("address", ln.Addr().String()),
		observability.String("metrics_path", m.path),
	)

	if err := m.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server error: %w", err)
	}
	return nil
}

// Stop shuts the metrics server down.
func (m *MetricsServer) Stop(ctx context.Context) error {
	if err := m.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown metrics server: %w", err)
	}
	return nil
}
