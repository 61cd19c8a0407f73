package audit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons.
const (
	DropReasonOverflow = "overflow"
	DropReasonShutdown = "shutdown"
	DropReasonClosed   = "closed"
)

// Metrics contains audit writer metrics.
type Metrics struct {
	recordedTotal *prometheus.CounterVec
	droppedTotal  *prometheus.CounterVec
	flushedTotal  prometheus.Counter
	flushFailures prometheus.Counter
	flushDuration prometheus.Histogram
	queueDepth    prometheus.Gauge
}

// NewMetrics creates new audit metrics registered with the default
// registerer.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates new audit metrics registered with
// the provided registerer so they appear on the gateway's /metrics
// endpoint.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		recordedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "events_recorded_total",
				Help:      "Total number of audit events accepted into the queue",
			},
			[]string{"outcome"},
		),
		droppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "events_dropped_total",
				Help:      "Total number of audit events dropped before reaching the store",
			},
			[]string{"reason"},
		),
		flushedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "events_flushed_total",
				Help:      "Total number of audit events written to the store",
			},
		),
		flushFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "flush_failures_total",
				Help:      "Total number of failed audit store writes",
			},
		),
		flushDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "flush_duration_seconds",
				Help:      "Duration of successful audit batch writes",
				Buckets:   prometheus.DefBuckets,
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "queue_depth",
				Help:      "Number of audit events waiting to be flushed",
			},
		),
	}

	// Duplicate registration errors are ignored; descriptors are identical.
	for _, c := range []prometheus.Collector{
		m.recordedTotal, m.droppedTotal, m.flushedTotal,
		m.flushFailures, m.flushDuration, m.queueDepth,
	} {
		_ = registerer.Register(c)
	}

	m.Init()

	return m
}

// Init pre-populates label combinations so the series appear on
// /metrics before the first event.
func (m *Metrics) Init() {
	for _, o := range []Outcome{OutcomeAllowed, OutcomeDenied, OutcomeError} {
		m.recordedTotal.WithLabelValues(string(o))
	}
	for _, r := range []string{DropReasonOverflow, DropReasonShutdown, DropReasonClosed} {
		m.droppedTotal.WithLabelValues(r)
	}
}

func (m *Metrics) recordAccepted(outcome Outcome) {
	m.recordedTotal.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) recordDropped(reason string, n int) {
	m.droppedTotal.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) setQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}
