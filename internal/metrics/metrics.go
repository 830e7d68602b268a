// Package metrics exposes Prometheus instruments for the API, the sync
// pipeline and outbound network calls.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "profilesync_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "profilesync_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	syncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "profilesync_syncs_total",
		Help: "Sync runs by network, kind and result.",
	}, []string{"network", "kind", "result"})

	syncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "profilesync_sync_duration_seconds",
		Help:    "Duration of sync runs.",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"network", "kind"})

	followChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "profilesync_follow_changes_total",
		Help: "Follow edges added, removed, or skipped as unresolved during reconciliation.",
	}, []string{"network", "change"})

	networkRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "profilesync_network_requests_total",
		Help: "Outbound network API requests by network and result.",
	}, []string{"network", "result"})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "profilesync_circuit_breaker_state",
		Help: "Circuit breaker state per network (0=closed, 1=half-open, 2=open).",
	}, []string{"network"})

	breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "profilesync_circuit_breaker_transitions_total",
		Help: "Circuit breaker state transitions.",
	}, []string{"network", "from", "to"})

	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "profilesync_jobs_total",
		Help: "Dispatched jobs by kind and outcome (enqueued, duplicate, succeeded, failed).",
	}, []string{"kind", "outcome"})

	dependencyUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "profilesync_dependency_up",
		Help: "Result of the last dependency probe (1=reachable, 0=failed).",
	}, []string{"dependency"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		requestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		requestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns a Gin handler that serves Prometheus metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordSync records a finished sync run.
func RecordSync(network, kind string, err error, elapsed time.Duration) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	syncsTotal.WithLabelValues(network, kind, result).Inc()
	syncDuration.WithLabelValues(network, kind).Observe(elapsed.Seconds())
}

// RecordFollowChanges records the outcome of one reconciliation.
func RecordFollowChanges(network string, added, removed, unresolved int) {
	followChangesTotal.WithLabelValues(network, "added").Add(float64(added))
	followChangesTotal.WithLabelValues(network, "removed").Add(float64(removed))
	followChangesTotal.WithLabelValues(network, "unresolved").Add(float64(unresolved))
}

// RecordNetworkRequest records an outbound API call result such as
// "success", "error", "rate_limited" or "breaker_open".
func RecordNetworkRequest(network, result string) {
	networkRequestsTotal.WithLabelValues(network, result).Inc()
}

// SetBreakerState records a circuit breaker transition.
func SetBreakerState(network, from, to string, value float64) {
	breakerState.WithLabelValues(network).Set(value)
	breakerTransitions.WithLabelValues(network, from, to).Inc()
}

// RecordJob records a dispatcher event.
func RecordJob(kind, outcome string) {
	jobsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordDependencyProbe records the latest health probe of a dependency.
func RecordDependencyProbe(dependency string, success bool) {
	v := 0.0
	if success {
		v = 1
	}
	dependencyUp.WithLabelValues(dependency).Set(v)
}
