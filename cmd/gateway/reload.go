package main

import (
	"context"
	"reflect"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/keyarc-gateway/internal/config"
	"github.com/vyrodovalexey/keyarc-gateway/internal/observability"
)

// Reloadable components.
const (
	componentKeys     = "keys"
	componentLogLevel = "log_level"
	componentRBAC     = "rbac_cache"
)

// reloadMetrics holds Prometheus metrics for configuration reloads.
type reloadMetrics struct {
	reloadTotal          *prometheus.CounterVec
	reloadDuration       prometheus.Histogram
	reloadLastSuccess    prometheus.Gauge
	watcherStatus        prometheus.Gauge
	reloadComponentTotal *prometheus.CounterVec
}

// newReloadMetrics creates reload metrics registered with registerer.
func newReloadMetrics(registerer prometheus.Registerer) *reloadMetrics {
	rm := &reloadMetrics{
		reloadTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "config_reload_total",
				Help:      "Total number of configuration reloads",
			},
			[]string{"result"},
		),
		reloadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "config_reload_duration_seconds",
				Help:      "Duration of configuration reload operations",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),
		reloadLastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "config_reload_last_success_timestamp",
				Help:      "Timestamp of last successful config reload",
			},
		),
		watcherStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "config_watcher_running",
				Help:      "Whether the config file watcher is running (1=running, 0=stopped)",
			},
		),
		reloadComponentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "config_reload_component_total",
				Help:      "Total number of component reload operations by component and result",
			},
			[]string{"component", "result"},
		),
	}

	for _, c := range []prometheus.Collector{
		rm.reloadTotal,
		rm.reloadDuration,
		rm.reloadLastSuccess,
		rm.watcherStatus,
		rm.reloadComponentTotal,
	} {
		_ = registerer.Register(c)
	}
	return rm
}

// reload applies the parts of newCfg a running gateway can apply: the
// verification keys, the log level and a purge of the membership cache.
// Everything else is reported and waits for a restart.
func (a *application) reload(ctx context.Context, newCfg *config.Config) {
	start := time.Now()
	rm := a.reloadMetrics
	defer func() {
		rm.reloadDuration.Observe(time.Since(start).Seconds())
	}()

	applyFlagOverrides(newCfg, a.flags)
	changes := config.Diff(a.currentConfig(), newCfg)
	if changes.Empty() {
		a.logger.Debug("configuration unchanged")
		return
	}

	failed := false

	if changes.LogLevel {
		if err := a.logger.SetLevel(newCfg.Log.Level); err != nil {
			a.logger.Error("failed to change log level", observability.Error(err))
			rm.reloadComponentTotal.WithLabelValues(componentLogLevel, "error").Inc()
			failed = true
		} else {
			a.logger.Info("log level changed", observability.String("level", newCfg.Log.Level))
			rm.reloadComponentTotal.WithLabelValues(componentLogLevel, "success").Inc()
		}
	}

	if changes.Keys {
		if err := a.reloadKeys(ctx, newCfg); err != nil {
			// The previous keys stay active.
			a.logger.Error("failed to reload verification keys", observability.Error(err))
			rm.reloadComponentTotal.WithLabelValues(componentKeys, "error").Inc()
			failed = true
		} else {
			rm.reloadComponentTotal.WithLabelValues(componentKeys, "success").Inc()
		}
	}

	if changes.RBAC {
		a.engine.Purge()
		rm.reloadComponentTotal.WithLabelValues(componentRBAC, "success").Inc()
	}

	if len(changes.Restart) > 0 {
		a.logger.Warn("configuration changes require a restart",
			observability.Strings("sections", changes.Restart),
		)
	}

	if failed {
		rm.reloadTotal.WithLabelValues("error").Inc()
		return
	}

	a.mu.Lock()
	a.config = newCfg
	a.mu.Unlock()

	rm.reloadTotal.WithLabelValues("success").Inc()
	rm.reloadLastSuccess.SetToCurrentTime()
	a.logger.Info("configuration reloaded")
}

func (a *application) reloadKeys(ctx context.Context, cfg *config.Config) error {
	if !reflect.DeepEqual(a.currentConfig().JWT.VerifierConfig(), cfg.JWT.VerifierConfig()) {
		a.logger.Warn("jwt algorithm, issuer, audience and clock skew changes require a restart",
			observability.String("algorithm", a.verifier.Algorithm()),
		)
	}

	set, err := a.loadKeys(ctx, cfg)
	if err != nil {
		return err
	}
	return a.verifier.ReplaceKeys(set)
}
