package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vyrodovalexey/keyarc-gateway/internal/observability"
)

// Default pool settings.
const (
	DefaultMaxConns        = 10
	DefaultConnectTimeout  = 5 * time.Second
	DefaultMaxConnIdleTime = 5 * time.Minute
)

// ErrURLRequired is returned when no connection string is configured.
var ErrURLRequired = errors.New("postgres: connection url is required")

// Config configures the connection pool.
type Config struct {
	// URL is a libpq style connection string or postgres:// URL.
	URL string

	// MaxConns caps the pool size. Default is 10.
	MaxConns int32

	// ConnectTimeout bounds the initial connect and ping. Default is 5s.
	ConnectTimeout time.Duration
}

// New creates a connection pool and verifies it with a ping.
func New(ctx context.Context, cfg Config, logger observability.Logger) (*pgxpool.Pool, error) {
	if cfg.URL == "" {
		return nil, ErrURLRequired
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	if poolConfig.MaxConns <= 0 {
		poolConfig.MaxConns = DefaultMaxConns
	}
	poolConfig.MaxConnIdleTime = DefaultMaxConnIdleTime

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	logger.Info("connected to postgres",
		observability.String("host", poolConfig.ConnConfig.Host),
		observability.String("database", poolConfig.ConnConfig.Database),
		observability.Int("max_conns", int(poolConfig.MaxConns)),
	)

	return pool, nil
}

// Checker adapts a pool to the readiness check interface.
type Checker struct {
	pool *pgxpool.Pool
}

// NewChecker creates a pool checker.
func NewChecker(pool *pgxpool.Pool) *Checker {
	return &Checker{pool: pool}
}

// Check pings the database.
func (c *Checker) Check(ctx context.Context) error {
	if err := c.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}
