// Package main is the entry point for the keyarc gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vyrodovalexey/keyarc-gateway/internal/config"
	"github.com/vyrodovalexey/keyarc-gateway/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags(os.Args[1:])

	if flags.showVersion {
		printVersion()
		return
	}

	if err := runMain(flags); err != nil {
		fmt.Fprintf(os.Stderr, "keyarc-gateway: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags parses command line flags. Empty log flags keep the
// configured values.
func parseFlags(args []string) cliFlags {
	fs := flag.NewFlagSet("keyarc-gateway", flag.ExitOnError)
	configPath := fs.String("config", getEnvOrDefault("GATEWAY_CONFIG_PATH", "configs/gateway.yaml"),
		"Path to configuration file")
	logLevel := fs.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "Log format (json, console)")
	showVersion := fs.Bool("version", false, "Show version information")
	_ = fs.Parse(args)

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("keyarc-gateway version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

func runMain(flags cliFlags) error {
	path, err := config.ResolveConfigPath(flags.configPath)
	if err != nil {
		return err
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}
	applyFlagOverrides(cfg, flags)

	logger, err := observability.NewLogger(cfg.Log.LoggerConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting keyarc-gateway",
		observability.String("version", version),
		observability.String("config", path),
	)
	logger.Info("configuration loaded",
		observability.String("address", cfg.Server.Addr()),
		observability.Int("services", len(cfg.Services)),
		observability.String("membership_store", cfg.RBAC.Store),
		observability.String("audit_sink", cfg.Audit.Sink),
	)

	ctx := context.Background()
	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize gateway", observability.Error(err))
		return err
	}
	app.flags = flags

	return run(ctx, app, path)
}

// applyFlagOverrides applies command line log settings over the file.
func applyFlagOverrides(cfg *config.Config, flags cliFlags) {
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Log.Format = flags.logFormat
	}
}

// run serves until SIGINT or SIGTERM, then shuts down gracefully. The
// server, the config watcher and the invalidation subscriber run under
// one errgroup; a failure of any of them stops the others.
func run(parent context.Context, app *application, configPath string) error {
	logger := app.logger
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", observability.String("signal", sig.String()))
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	g.Go(func() error {
		return app.server.Start(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(gctx), app.shutdownTimeout())
		defer stop()
		return app.server.Stop(shutdownCtx)
	})

	if app.metricsServer != nil {
		g.Go(func() error {
			return app.metricsServer.Start(gctx)
		})

		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(gctx), app.shutdownTimeout())
			defer stop()
			return app.metricsServer.Stop(shutdownCtx)
		})
	}

	if configPath != "" {
		g.Go(func() error {
			return watchConfig(gctx, app, configPath)
		})
	}

	if app.subscriber != nil {
		g.Go(func() error {
			return app.subscriber.Run(gctx)
		})
	}

	err := g.Wait()
	if err != nil {
		logger.Error("gateway stopped with error", observability.Error(err))
	}

	closeCtx, stop := context.WithTimeout(context.WithoutCancel(parent), app.shutdownTimeout())
	defer stop()
	app.close(closeCtx)

	logger.Info("gateway stopped")
	return err
}

// watchConfig reloads the configuration on file changes until ctx is
// done. A watcher that cannot start only disables reloads.
func watchConfig(ctx context.Context, app *application, configPath string) error {
	rm := app.reloadMetrics

	watcher, err := config.NewWatcher(configPath, func(newCfg *config.Config) {
		app.logger.Info("configuration changed, reloading")
		app.reload(ctx, newCfg)
	},
		config.WithLogger(app.logger),
		config.WithErrorCallback(func(err error) {
			rm.reloadTotal.WithLabelValues("error").Inc()
		}),
	)
	if err != nil {
		app.logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(ctx); err != nil {
		app.logger.Warn("failed to start config watcher", observability.Error(err))
		_ = watcher.Stop()
		return nil
	}
	rm.watcherStatus.Set(1)

	<-ctx.Done()
	rm.watcherStatus.Set(0)
	if err := watcher.Stop(); err != nil {
		app.logger.Warn("failed to stop config watcher", observability.Error(err))
	}
	return nil
}

// shutdownTimeout bounds the graceful drain and the audit flush.
func (a *application) shutdownTimeout() time.Duration {
	if d := a.currentConfig().Server.ShutdownTimeout.Duration(); d > 0 {
		return d
	}
	return config.DefaultShutdownTimeout
}
