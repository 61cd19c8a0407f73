package gateway

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains dispatcher and forwarder metrics.
type Metrics struct {
	dispatchTotal      *prometheus.CounterVec
	downstreamDuration *prometheus.HistogramVec
	downstreamRetries  *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
}

// NewMetrics creates new gateway metrics registered with the default
// registerer.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates new gateway metrics registered with
// the provided registerer.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Total number of requests by service, final state and status",
			},
			[]string{"service", "state", "status"},
		),
		downstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "downstream_duration_seconds",
				Help:      "Downstream call duration in seconds, retries included",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "result"},
		),
		downstreamRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "downstream_retries_total",
				Help:      "Total number of retried downstream calls",
			},
			[]string{"service"},
		),
		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"service", "from", "to"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"service"},
		),
	}

	for _, c := range []prometheus.Collector{
		m.dispatchTotal,
		m.downstreamDuration,
		m.downstreamRetries,
		m.breakerTransitions,
		m.breakerState,
	} {
		_ = registerer.Register(c)
	}

	return m
}

// RecordDispatch records the final state of a request.
func (m *Metrics) RecordDispatch(service string, state State, status int) {
	m.dispatchTotal.WithLabelValues(service, state.String(), strconv.Itoa(status)).Inc()
}

// RecordDownstream records a downstream call.
func (m *Metrics) RecordDownstream(service, result string, duration time.Duration) {
	m.downstreamDuration.WithLabelValues(service, result).Observe(duration.Seconds())
}

// RecordRetry records a retried downstream call.
func (m *Metrics) RecordRetry(service string) {
	m.downstreamRetries.WithLabelValues(service).Inc()
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(service, from, to string, state int) {
	m.breakerTransitions.WithLabelValues(service, from, to).Inc()
	m.breakerState.WithLabelValues(service).Set(float64(state))
}
