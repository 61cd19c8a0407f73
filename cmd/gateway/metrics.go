package main

import (
	"github.com/vyrodovalexey/keyarc-gateway/internal/config"
	"github.com/vyrodovalexey/keyarc-gateway/internal/observability"
	"github.com/vyrodovalexey/keyarc-gateway/internal/server"
)

// initMetricsServer creates the dedicated metrics listener if metrics
// are enabled.
func (a *application) initMetricsServer(cfg *config.Config) error {
	if !cfg.Metrics.Enabled {
		return nil
	}

	mc := cfg.MetricsServerConfig()
	ms, err := server.NewMetricsServer(mc, a.metrics, a.checker, a.logger)
	if err != nil {
		return err
	}
	a.metricsServer = ms

	a.logger.Info("metrics server configured",
		observability.String("address", mc.Addr),
		observability.String("metrics_path", mc.Path),
	)
	return nil
}
