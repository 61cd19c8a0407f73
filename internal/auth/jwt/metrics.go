package jwt

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for token verification.
type Metrics struct {
	verificationsTotal   *prometheus.CounterVec
	verificationDuration *prometheus.HistogramVec
	signedTotal          *prometheus.CounterVec
	keysetKeys           prometheus.Gauge
	keysetReplacements   prometheus.Counter
}

// NewMetrics creates verification metrics registered with the default
// registerer.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates verification metrics registered with
// the provided registerer.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		verificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "auth",
				Name:      "verifications_total",
				Help:      "Total number of token verifications",
			},
			[]string{"result", "reason"},
		),
		verificationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "auth",
				Name:      "verification_duration_seconds",
				Help:      "Duration of token verification",
				Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01},
			},
			[]string{"result"},
		),
		signedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "auth",
				Name:      "tokens_signed_total",
				Help:      "Total number of tokens minted",
			},
			[]string{"algorithm"},
		),
		keysetKeys: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "auth",
				Name:      "keyset_keys",
				Help:      "Number of verification keys currently loaded",
			},
		),
		keysetReplacements: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "auth",
				Name:      "keyset_replacements_total",
				Help:      "Total number of keyset swaps",
			},
		),
	}

	for _, c := range []prometheus.Collector{
		m.verificationsTotal, m.verificationDuration, m.signedTotal,
		m.keysetKeys, m.keysetReplacements,
	} {
		_ = registerer.Register(c)
	}

	m.Init()

	return m
}

// Init pre-populates label combinations with zero values.
func (m *Metrics) Init() {
	m.verificationsTotal.WithLabelValues("success", "")
	for _, reason := range []string{
		ReasonMissingToken, ReasonMalformed, ReasonUnsupportedAlgorithm, ReasonUnknownKey,
		ReasonInvalidSignature, ReasonExpired, ReasonNotYetValid, ReasonInvalidIssuer,
		ReasonInvalidAudience, ReasonInvalidClaims,
	} {
		m.verificationsTotal.WithLabelValues("failure", reason)
	}
	for _, result := range []string{"success", "failure"} {
		m.verificationDuration.WithLabelValues(result)
	}
}

// RecordVerification records a verification outcome. reason is empty on
// success.
func (m *Metrics) RecordVerification(reason string, duration time.Duration) {
	result := "success"
	if reason != "" {
		result = "failure"
	}
	m.verificationsTotal.WithLabelValues(result, reason).Inc()
	m.verificationDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordSigned records a minted token.
func (m *Metrics) RecordSigned(algorithm string) {
	m.signedTotal.WithLabelValues(algorithm).Inc()
}

// RecordKeysetReplaced records a keyset swap.
func (m *Metrics) RecordKeysetReplaced(keys int) {
	m.keysetReplacements.Inc()
	m.keysetKeys.Set(float64(keys))
}

// SetKeysetKeys sets the number of loaded keys.
func (m *Metrics) SetKeysetKeys(keys int) {
	m.keysetKeys.Set(float64(keys))
}
