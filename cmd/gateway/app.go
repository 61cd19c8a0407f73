package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/keyarc-gateway/internal/audit"
	"github.com/vyrodovalexey/keyarc-gateway/internal/auth/jwt"
	"github.com/vyrodovalexey/keyarc-gateway/internal/authz/rbac"
	"github.com/vyrodovalexey/keyarc-gateway/internal/config"
	"github.com/vyrodovalexey/keyarc-gateway/internal/gateway"
	"github.com/vyrodovalexey/keyarc-gateway/internal/health"
	"github.com/vyrodovalexey/keyarc-gateway/internal/observability"
	"github.com/vyrodovalexey/keyarc-gateway/internal/postgres"
	"github.com/vyrodovalexey/keyarc-gateway/internal/router"
	"github.com/vyrodovalexey/keyarc-gateway/internal/server"
	"github.com/vyrodovalexey/keyarc-gateway/internal/vault"
)

const metricsNamespace = "gateway"

// Readiness check names.
const (
	checkMembershipStore = "membership_store"
	checkAuditWriter     = "audit_writer"
	checkDatabase        = "database"
	checkVault           = "vault"
)

// application holds all application components.
type application struct {
	logger        observability.Logger
	metrics       *observability.Metrics
	reloadMetrics *reloadMetrics
	tracer        *observability.Tracer

	pool        *pgxpool.Pool
	redis       redis.UniversalClient
	vaultClient *vault.Client

	verifier   *jwt.Verifier
	engine     *rbac.Engine
	auditor    *audit.Writer
	table      *router.Table
	dispatcher *gateway.Dispatcher
	checker    *health.Checker
	server     *server.Server
	subscriber *rbac.InvalidationSubscriber

	// metricsServer is nil when metrics are disabled.
	metricsServer *server.MetricsServer

	// flags are reapplied to every reloaded configuration.
	flags cliFlags

	mu     sync.Mutex
	config *config.Config
}

// newApplication builds every component from cfg. On error the
// components created so far are released.
func newApplication(ctx context.Context, cfg *config.Config, logger observability.Logger) (_ *application, err error) {
	metrics := observability.NewMetrics(metricsNamespace)
	metrics.SetBuildInfo(version, gitCommit, buildTime)
	reg := metrics.Registry()

	app := &application{
		logger:        logger,
		metrics:       metrics,
		reloadMetrics: newReloadMetrics(reg),
		config:        cfg,
	}
	defer func() {
		if err != nil {
			app.close(context.Background())
		}
	}()

	if app.tracer, err = observability.NewTracer(cfg.Tracing.TracerConfig()); err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	if err = app.initInfrastructure(ctx, cfg, reg); err != nil {
		return nil, err
	}
	if err = app.initVerifier(ctx, cfg, reg); err != nil {
		return nil, err
	}
	if err = app.initEngine(cfg, reg); err != nil {
		return nil, err
	}
	if err = app.initAuditor(cfg, reg); err != nil {
		return nil, err
	}
	if err = app.initDispatcher(cfg, reg); err != nil {
		return nil, err
	}
	app.initChecker(reg)

	app.server, err = server.New(cfg.HTTPConfig(), app.dispatcher, app.checker,
		server.WithLogger(logger),
		server.WithMetrics(metrics),
		server.WithRouteResolver(app.table.ServiceFor),
	)
	if err != nil {
		return nil, err
	}
	if err = app.initMetricsServer(cfg); err != nil {
		return nil, err
	}

	if cfg.RBAC.Invalidation.Enabled {
		app.subscriber = rbac.NewInvalidationSubscriber(app.redis, app.engine,
			rbac.WithSubscriberLogger(logger),
			rbac.WithSubscriberChannel(cfg.RBAC.Invalidation.Channel),
		)
	}

	return app, nil
}

// initInfrastructure connects to postgres, redis and Vault as the
// configuration requires.
func (a *application) initInfrastructure(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) error {
	if cfg.NeedsDatabase() {
		pool, err := postgres.New(ctx, cfg.Database.PoolConfig(), a.logger)
		if err != nil {
			return err
		}
		a.pool = pool
		if cfg.Database.Migrate {
			if err := postgres.Migrate(ctx, pool); err != nil {
				return err
			}
			a.logger.Info("database migrations applied")
		}
	}

	if cfg.NeedsRedis() {
		client := redis.NewClient(cfg.Redis.ClientOptions())
		a.redis = client
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: ping %s: %w", cfg.Redis.Addr, err)
		}
		a.logger.Info("connected to redis", observability.String("addr", cfg.Redis.Addr))
	}

	if cfg.JWT.UsesVault() {
		client, err := vault.New(cfg.Vault.ClientConfig(),
			vault.WithClientLogger(a.logger),
			vault.WithClientMetrics(vault.NewMetricsWithRegisterer(metricsNamespace, reg)),
		)
		if err != nil {
			return err
		}
		a.vaultClient = client
		if err := client.Authenticate(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *application) initVerifier(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) error {
	set, err := a.loadKeys(ctx, cfg)
	if err != nil {
		return err
	}
	keys, err := jwt.NewKeySet(set)
	if err != nil {
		return err
	}

	jwtMetrics := jwt.NewMetricsWithRegisterer(metricsNamespace, reg)
	jwtMetrics.Init()
	a.verifier, err = jwt.NewVerifier(cfg.JWT.VerifierConfig(), keys,
		jwt.WithVerifierLogger(a.logger),
		jwt.WithVerifierMetrics(jwtMetrics),
	)
	if err != nil {
		return err
	}

	a.logger.Info("verification keys loaded",
		observability.String("algorithm", a.verifier.Algorithm()),
		observability.Strings("key_ids", keys.KeyIDs()),
	)
	return nil
}

// loadKeys reads every configured key source.
func (a *application) loadKeys(ctx context.Context, cfg *config.Config) (jwk.Set, error) {
	var resolver jwt.SecretResolver
	if a.vaultClient != nil {
		resolver = a.vaultClient
	} else if cfg.JWT.UsesVault() {
		return nil, errors.New("vault key references need a restart to enable vault")
	}
	return jwt.LoadKeySet(ctx, cfg.JWT.KeySources(), resolver)
}

func (a *application) initEngine(cfg *config.Config, reg prometheus.Registerer) error {
	var store rbac.MembershipStore
	switch cfg.RBAC.Store {
	case config.StoreRedis:
		store = rbac.NewRedisStore(a.redis, cfg.RBAC.KeyPrefix)
	case config.StorePostgres:
		store = rbac.NewPostgresStore(a.pool)
	default:
		mem, err := cfg.RBAC.MemoryStore()
		if err != nil {
			return err
		}
		store = mem
	}

	rbacMetrics := rbac.NewMetricsWithRegisterer(metricsNamespace, reg)
	rbacMetrics.Init()
	a.engine = rbac.NewEngine(store, cfg.RBAC.EngineConfig(),
		rbac.WithEngineLogger(a.logger),
		rbac.WithEngineMetrics(rbacMetrics),
	)
	a.engine.Start()

	a.logger.Info("policy engine started", observability.String("store", cfg.RBAC.Store))
	return nil
}

func (a *application) initAuditor(cfg *config.Config, reg prometheus.Registerer) error {
	var store audit.Store
	switch cfg.Audit.Sink {
	case config.SinkPostgres:
		store = audit.NewPostgresStore(a.pool)
	case config.SinkMemory:
		store = audit.NewMemoryStore()
	default:
		stream, err := audit.OpenStreamStore(cfg.Audit.StreamOutput())
		if err != nil {
			return err
		}
		store = stream
	}

	auditMetrics := audit.NewMetricsWithRegisterer(metricsNamespace, reg)
	auditMetrics.Init()
	a.auditor = audit.NewWriter(store, cfg.Audit.WriterConfig(),
		audit.WithWriterLogger(a.logger),
		audit.WithWriterMetrics(auditMetrics),
	)
	a.auditor.Start()

	a.logger.Info("audit writer started", observability.String("sink", cfg.Audit.Sink))
	return nil
}

func (a *application) initDispatcher(cfg *config.Config, reg prometheus.Registerer) error {
	services, err := cfg.RouterServices()
	if err != nil {
		return err
	}
	if a.table, err = router.NewTable(services); err != nil {
		return err
	}

	gwMetrics := gateway.NewMetricsWithRegisterer(metricsNamespace, reg)
	forwarder, err := gateway.NewForwarder(services, cfg.ForwarderConfig(),
		gateway.WithForwarderLogger(a.logger),
		gateway.WithForwarderMetrics(gwMetrics),
	)
	if err != nil {
		return err
	}

	a.dispatcher, err = gateway.NewDispatcher(a.verifier, a.engine, a.table, forwarder, a.auditor,
		gateway.WithDispatcherLogger(a.logger),
		gateway.WithDispatcherMetrics(gwMetrics),
	)
	if err != nil {
		return err
	}

	for _, svc := range services {
		a.logger.Info("service registered",
			observability.String("service", svc.Name),
			observability.String("prefix", svc.Prefix),
			observability.String("url", svc.URL),
			observability.Int("routes", len(svc.Rules)),
		)
	}
	return nil
}

// initChecker registers readiness checks. Only the membership store is
// critical: without it every team-scoped request fails closed.
func (a *application) initChecker(reg prometheus.Registerer) {
	a.checker = health.NewChecker(version,
		health.WithMetrics(health.NewMetricsWithRegisterer(metricsNamespace, reg)),
	)
	a.checker.RegisterCheck(checkMembershipStore, a.engine.Check)
	a.checker.RegisterCheck(checkAuditWriter, a.auditor.Check, health.WithCritical(false))
	if a.pool != nil {
		a.checker.RegisterCheck(checkDatabase, postgres.NewChecker(a.pool).Check)
	}
	if a.vaultClient != nil {
		a.checker.RegisterCheck(checkVault, a.vaultClient.Check, health.WithCritical(false))
	}
}

// currentConfig returns the configuration last applied.
func (a *application) currentConfig() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.config
}

// close releases every component. The audit writer is closed after
// everything that records events; the pool it may write to outlives it.
func (a *application) close(ctx context.Context) {
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Error("failed to shutdown tracer", observability.Error(err))
		}
	}
	if a.engine != nil {
		a.engine.Stop()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("failed to close redis client", observability.Error(err))
		}
	}
	if a.vaultClient != nil {
		if err := a.vaultClient.Close(); err != nil {
			a.logger.Error("failed to close vault client", observability.Error(err))
		}
	}
	if a.auditor != nil {
		if err := a.auditor.Close(ctx); err != nil {
			a.logger.Error("failed to close audit writer", observability.Error(err))
		}
		if dropped := a.auditor.Dropped(); dropped > 0 {
			a.logger.Warn("audit events dropped", observability.Uint64("count", dropped))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
