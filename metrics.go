package sentinel

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay direction labels for byte counters.
const (
	DirClientToUpstream = "client_to_upstream"
	DirUpstreamToClient = "upstream_to_client"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	connectionsAccepted prometheus.Counter
	activeSessions      prometheus.Gauge
	sessionsDenied      prometheus.Counter
	sessionErrors       *prometheus.CounterVec
	sessionDuration     prometheus.Histogram
	bytesRelayed        *prometheus.CounterVec
	admissionRejected   prometheus.Counter
	rateLimited         prometheus.Counter

	certCacheSize   prometheus.Gauge
	certCacheHits   prometheus.Counter
	certCacheMisses prometheus.Counter

	aclRuleCount  prometheus.Gauge
	aclReloads    prometheus.Counter
	aclReloadErrs prometheus.Counter

	poolOutstanding *prometheus.GaugeVec
	poolOverflow    prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "connections_accepted_total",
			Help:      "Total number of client connections accepted.",
		}),

		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Name:      "active_sessions",
			Help:      "Number of sessions currently in flight.",
		}),

		sessionsDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "sessions_denied_total",
			Help:      "Total number of sessions denied by the ACL.",
		}),

		sessionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "session_errors_total",
			Help:      "Total number of sessions ended by an error, by kind.",
		}, []string{"kind"}),

		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sentinel",
			Name:      "session_duration_seconds",
			Help:      "Session duration from accept to close.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300, 1800},
		}),

		bytesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "bytes_relayed_total",
			Help:      "Total bytes relayed, by direction.",
		}, []string{"direction"}),

		admissionRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "admission_rejected_total",
			Help:      "Connections rejected by the session admission limit.",
		}),

		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "rate_limited_total",
			Help:      "Connections rejected by the per-client rate limit.",
		}),

		certCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Name:      "cert_cache_size",
			Help:      "Number of cached leaf certificates.",
		}),

		certCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "cert_cache_hits_total",
			Help:      "Number of leaf certificate cache hits.",
		}),

		certCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "cert_cache_misses_total",
			Help:      "Number of leaf certificate cache misses.",
		}),

		aclRuleCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Name:      "acl_rule_count",
			Help:      "Number of active ACL rules.",
		}),

		aclReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "acl_reloads_total",
			Help:      "Number of successful ACL reloads.",
		}),

		aclReloadErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "acl_reload_errors_total",
			Help:      "Number of failed ACL reloads.",
		}),

		poolOutstanding: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Name:      "pool_outstanding_buffers",
			Help:      "Checked-out pooled buffers, by tier.",
		}, []string{"tier"}),

		poolOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "pool_overflow_total",
			Help:      "Unpooled overflow buffers handed out.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.connectionsAccepted,
		m.activeSessions,
		m.sessionsDenied,
		m.sessionErrors,
		m.sessionDuration,
		m.bytesRelayed,
		m.admissionRejected,
		m.rateLimited,
		m.certCacheSize,
		m.certCacheHits,
		m.certCacheMisses,
		m.aclRuleCount,
		m.aclReloads,
		m.aclReloadErrs,
		m.poolOutstanding,
		m.poolOverflow,
	)

	return m
}

// Handler returns an http.Handler serving the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordAccepted records an accepted client connection.
func (m *Metrics) RecordAccepted() {
	m.connectionsAccepted.Inc()
}

// IncActiveSessions increments the in-flight session gauge.
func (m *Metrics) IncActiveSessions() {
	m.activeSessions.Inc()
}

// DecActiveSessions decrements the in-flight session gauge.
func (m *Metrics) DecActiveSessions() {
	m.activeSessions.Dec()
}

// RecordDenied records a session denied by the ACL.
func (m *Metrics) RecordDenied() {
	m.sessionsDenied.Inc()
}

// RecordSessionError records a session ended by an error of the given kind.
func (m *Metrics) RecordSessionError(kind ErrorKind) {
	m.sessionErrors.WithLabelValues(string(kind)).Inc()
}

// RecordSessionDuration records a completed session's duration.
func (m *Metrics) RecordSessionDuration(d time.Duration) {
	m.sessionDuration.Observe(d.Seconds())
}

// RecordBytesRelayed adds to the per-direction relay byte counter.
func (m *Metrics) RecordBytesRelayed(direction string, n int64) {
	m.bytesRelayed.WithLabelValues(direction).Add(float64(n))
}

// RecordAdmissionRejected records a connection turned away at the
// session limit.
func (m *Metrics) RecordAdmissionRejected() {
	m.admissionRejected.Inc()
}

// RecordRateLimited records a connection rejected by the per-client
// rate limit.
func (m *Metrics) RecordRateLimited() {
	m.rateLimited.Inc()
}

// SetCertCacheSize sets the leaf certificate cache size gauge.
func (m *Metrics) SetCertCacheSize(size int) {
	m.certCacheSize.Set(float64(size))
}

// RecordCertCacheHit records a leaf certificate cache hit.
func (m *Metrics) RecordCertCacheHit() {
	m.certCacheHits.Inc()
}

// RecordCertCacheMiss records a leaf certificate cache miss.
func (m *Metrics) RecordCertCacheMiss() {
	m.certCacheMisses.Inc()
}

// SetACLRuleCount sets the active ACL rule count.
func (m *Metrics) SetACLRuleCount(count int) {
	m.aclRuleCount.Set(float64(count))
}

// RecordACLReload records a successful ACL reload.
func (m *Metrics) RecordACLReload() {
	m.aclReloads.Inc()
}

// RecordACLReloadError records a failed ACL reload.
func (m *Metrics) RecordACLReloadError() {
	m.aclReloadErrs.Inc()
}

// SetPoolOutstanding sets the outstanding buffer gauge for a tier.
func (m *Metrics) SetPoolOutstanding(tier string, n int) {
	m.poolOutstanding.WithLabelValues(tier).Set(float64(n))
}

// RecordPoolOverflow records an overflow buffer allocation.
func (m *Metrics) RecordPoolOverflow() {
	m.poolOverflow.Inc()
}
