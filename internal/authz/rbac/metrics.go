package rbac

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for RBAC decisions.
type Metrics struct {
	decisionsTotal     *prometheus.CounterVec
	cacheHitsTotal     prometheus.Counter
	cacheMissesTotal   prometheus.Counter
	invalidationsTotal *prometheus.CounterVec
	lookupDuration     *prometheus.HistogramVec
	cacheEntries       prometheus.Gauge
}

// NewMetrics creates RBAC metrics registered with the default registerer.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates RBAC metrics registered with
// registerer.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{}

	m.decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rbac",
			Name:      "decisions_total",
			Help:      "Total number of RBAC decisions",
		},
		[]string{"result", "reason"},
	)

	m.cacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rbac",
			Name:      "cache_hits_total",
			Help:      "Total number of membership cache hits",
		},
	)

	m.cacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rbac",
			Name:      "cache_misses_total",
			Help:      "Total number of membership cache misses",
		},
	)

	m.invalidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rbac",
			Name:      "cache_invalidations_total",
			Help:      "Total number of membership cache invalidations",
		},
		[]string{"scope"},
	)

	m.lookupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rbac",
			Name:      "lookup_duration_seconds",
			Help:      "Membership store lookup duration in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"result"},
	)

	m.cacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rbac",
			Name:      "cache_entries",
			Help:      "Number of membership cache entries",
		},
	)

	for _, c := range []prometheus.Collector{
		m.decisionsTotal, m.cacheHitsTotal, m.cacheMissesTotal,
		m.invalidationsTotal, m.lookupDuration, m.cacheEntries,
	} {
		_ = registerer.Register(c)
	}

	m.Init()

	return m
}

// Init pre-populates decision label combinations.
func (m *Metrics) Init() {
	m.decisionsTotal.WithLabelValues("allowed", ReasonGranted)
	for _, reason := range []string{ReasonInsufficientRole, ReasonNotMember, ReasonLookupFailed, ReasonInvalidRequest} {
		m.decisionsTotal.WithLabelValues("denied", reason)
	}
	for _, scope := range []string{"member", "team", "all"} {
		m.invalidationsTotal.WithLabelValues(scope)
	}
}

// RecordDecision records one decision.
func (m *Metrics) RecordDecision(d Decision) {
	result := "denied"
	if d.Allowed {
		result = "allowed"
	}
	m.decisionsTotal.WithLabelValues(result, d.Reason).Inc()
}

// RecordLookup records a store lookup.
func (m *Metrics) RecordLookup(result string, duration time.Duration) {
	m.lookupDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordCache records a cache hit or miss.
func (m *Metrics) RecordCache(hit bool) {
	if hit {
		m.cacheHitsTotal.Inc()
		return
	}
	m.cacheMissesTotal.Inc()
}

// RecordInvalidation records an invalidation of the given scope.
func (m *Metrics) RecordInvalidation(scope string) {
	m.invalidationsTotal.WithLabelValues(scope).Inc()
}

// SetCacheEntries sets the cache size gauge.
func (m *Metrics) SetCacheEntries(n int) {
	m.cacheEntries.Set(float64(n))
}
