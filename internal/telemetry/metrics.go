package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tutosearch"

// Metrics holds the Prometheus collectors shared by the gateway, the sync
// coordinator and the reindex orchestrator. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	queries      *prometheus.CounterVec
	queryLatency prometheus.Histogram
	degraded     *prometheus.CounterVec
	syncEvents   *prometheus.CounterVec
	syncAttempts prometheus.Counter
	gaps         prometheus.Gauge
	lastSync     prometheus.Gauge
	reindexRuns  *prometheus.CounterVec
	reindexDocs  *prometheus.CounterVec
	reindexTime  prometheus.Histogram
	backendState *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer leaves them unregistered, which tests use to avoid collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "queries_total",
			Help:      "Search requests by outcome.",
		}, []string{"outcome"}),
		queryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "query_duration_seconds",
			Help:      "Search latency including normalization and boosting.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "degraded_total",
			Help:      "Degraded search responses by reason.",
		}, []string{"reason"}),
		syncEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "events_total",
			Help:      "Lifecycle events handled by outcome.",
		}, []string{"outcome"}),
		syncAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "retries_total",
			Help:      "Backend write attempts beyond the first.",
		}),
		gaps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "reconciliation_gaps",
			Help:      "Identifiers flagged for the next full reindex.",
		}),
		lastSync: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successfully applied event.",
		}),
		reindexRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reindex",
			Name:      "runs_total",
			Help:      "Full reindex runs by result.",
		}, []string{"result"}),
		reindexDocs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reindex",
			Name:      "documents_total",
			Help:      "Documents processed by full reindexes.",
		}, []string{"result"}),
		reindexTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reindex",
			Name:      "duration_seconds",
			Help:      "Wall time of full reindex runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		backendState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "health",
			Help:      "1 for the backend's current health state, 0 for the others.",
		}, []string{"backend", "state"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.queries, m.queryLatency, m.degraded,
			m.syncEvents, m.syncAttempts, m.gaps, m.lastSync,
			m.reindexRuns, m.reindexDocs, m.reindexTime,
			m.backendState,
		)
	}
	return m
}

// ObserveQuery records a finished search request.
func (m *Metrics) ObserveQuery(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(outcome).Inc()
	m.queryLatency.Observe(d.Seconds())
}

// ObserveDegraded records a degraded response.
func (m *Metrics) ObserveDegraded(reason string) {
	if m == nil {
		return
	}
	m.degraded.WithLabelValues(reason).Inc()
}

// ObserveSync records the outcome of one lifecycle event.
func (m *Metrics) ObserveSync(outcome string) {
	if m == nil {
		return
	}
	m.syncEvents.WithLabelValues(outcome).Inc()
}

// ObserveRetry records one backend write retry.
func (m *Metrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.syncAttempts.Inc()
}

// SetGaps records the current reconciliation gap count.
func (m *Metrics) SetGaps(n int) {
	if m == nil {
		return
	}
	m.gaps.Set(float64(n))
}

// MarkSync records the time of the last successfully applied event.
func (m *Metrics) MarkSync(t time.Time) {
	if m == nil {
		return
	}
	m.lastSync.Set(float64(t.Unix()))
}

// ObserveReindex records a finished reindex run.
func (m *Metrics) ObserveReindex(result string, loaded, failed int, d time.Duration) {
	if m == nil {
		return
	}
	m.reindexRuns.WithLabelValues(result).Inc()
	m.reindexDocs.WithLabelValues("loaded").Add(float64(loaded))
	m.reindexDocs.WithLabelValues("failed").Add(float64(failed))
	m.reindexTime.Observe(d.Seconds())
}

// SetBackendHealth marks state as the backend's current health.
func (m *Metrics) SetBackendHealth(backend, state string, states []string) {
	if m == nil {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.backendState.WithLabelValues(backend, s).Set(v)
	}
}
