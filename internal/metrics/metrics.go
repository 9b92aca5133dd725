// Package metrics provides Prometheus metrics for backend dispatch, the result cache and session sync.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricBackendRequestsTotal   = "livelab_backend_requests_total"
	MetricBackendRequestDuration = "livelab_backend_request_duration_seconds"
	MetricResultCacheTotal       = "livelab_result_cache_total"
	MetricSyncSessionsTotal      = "livelab_sync_sessions_total"
	MetricSyncPassesTotal        = "livelab_sync_passes_total"
)

// Result cache outcomes.
const (
	CacheHit     = "hit"
	CacheMiss    = "miss"
	CacheExpired = "expired"
)

// Per-session sync statuses.
const (
	SessionSynced    = "synced"
	SessionFailed    = "failed"
	SessionPurged    = "purged"
	SessionDiscarded = "discarded"
)

// Sync pass statuses.
const (
	PassOK      = "ok"
	PassAborted = "aborted"
	PassSkipped = "skipped"
)

// Metrics holds the router's collectors. A nil *Metrics records nothing.
type Metrics struct {
	backendRequests *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec
	cache           *prometheus.CounterVec
	syncSessions    *prometheus.CounterVec
	syncPasses      *prometheus.CounterVec
}

// NewMetrics creates all collectors. They are not registered; call Register.
func NewMetrics() *Metrics {
	return &Metrics{
		backendRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricBackendRequestsTotal,
				Help: "Backend calls by system and outcome",
			},
			[]string{"system", "outcome"},
		),
		backendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricBackendRequestDuration,
				Help:    "Backend call latency in seconds by system",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
			},
			[]string{"system"},
		),
		cache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricResultCacheTotal,
				Help: "Result cache lookups by outcome",
			},
			[]string{"outcome"},
		),
		syncSessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricSyncSessionsTotal,
				Help: "Sessions handled by the lifecycle worker by status",
			},
			[]string{"status"},
		),
		syncPasses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricSyncPassesTotal,
				Help: "Remote sync passes by status",
			},
			[]string{"status"},
		),
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.backendRequests,
		m.backendDuration,
		m.cache,
		m.syncSessions,
		m.syncPasses,
	}
}

// ObserveBackend records one backend call.
func (m *Metrics) ObserveBackend(system, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.backendRequests.WithLabelValues(system, outcome).Inc()
	m.backendDuration.WithLabelValues(system).Observe(elapsed.Seconds())
}

// IncCache counts a result cache lookup.
func (m *Metrics) IncCache(outcome string) {
	if m == nil {
		return
	}
	m.cache.WithLabelValues(outcome).Inc()
}

// IncSyncSession counts a session handled by the lifecycle worker.
func (m *Metrics) IncSyncSession(status string) {
	if m == nil {
		return
	}
	m.syncSessions.WithLabelValues(status).Inc()
}

// IncSyncPass counts a sync pass.
func (m *Metrics) IncSyncPass(status string) {
	if m == nil {
		return
	}
	m.syncPasses.WithLabelValues(status).Inc()
}
