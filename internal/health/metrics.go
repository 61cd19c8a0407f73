package health

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for health checks.
type Metrics struct {
	checksTotal   *prometheus.CounterVec
	checkStatus   *prometheus.GaugeVec
	checkDuration *prometheus.HistogramVec
	overall       *prometheus.GaugeVec
}

// NewMetrics creates new health metrics registered with the default
// registerer.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates new health metrics registered with
// the provided registerer.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		checksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "checks_total",
				Help:      "Total number of readiness checks performed",
			},
			[]string{"check", "result"},
		),
		checkStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "check_status",
				Help:      "Current check status (1=healthy, 0=failing)",
			},
			[]string{"check"},
		),
		checkDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "check_duration_seconds",
				Help:      "Readiness check duration in seconds",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 2},
			},
			[]string{"check"},
		),
		overall: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "status",
				Help:      "Overall readiness status (1 for the current status)",
			},
			[]string{"status"},
		),
	}

	for _, c := range []prometheus.Collector{m.checksTotal, m.checkStatus, m.checkDuration, m.overall} {
		_ = registerer.Register(c)
	}

	return m
}

func (m *Metrics) recordCheck(name string, healthy bool, duration time.Duration) {
	result, value := "success", 1.0
	if !healthy {
		result, value = "failure", 0
	}
	m.checksTotal.WithLabelValues(name, result).Inc()
	m.checkStatus.WithLabelValues(name).Set(value)
	m.checkDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func (m *Metrics) recordOverall(status Status) {
	for _, s := range []Status{StatusHealthy, StatusDegraded, StatusUnhealthy} {
		value := 0.0
		if s == status {
			value = 1
		}
		m.overall.WithLabelValues(string(s)).Set(value)
	}
}
