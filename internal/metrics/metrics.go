// Package metrics exposes Prometheus metrics for the session engines and
// the HTTP API.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	globalMu sync.RWMutex
	global   *Metrics
)

type Metrics struct {
	JoinsTotal     *prometheus.CounterVec // result: joined|terminal|transient|dropped
	SendsTotal     *prometheus.CounterVec // result: ok|error
	CampaignsTotal *prometheus.CounterVec // status: completed|stopped|error
	QueueDepth     *prometheus.GaugeVec   // per session
	SessionsActive prometheus.Gauge

	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	registry *prometheus.Registry
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		JoinsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupcast_joins_total",
			Help: "Group join attempts by outcome",
		}, []string{"result"}),
		SendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupcast_sends_total",
			Help: "Campaign sends by outcome",
		}, []string{"result"}),
		CampaignsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupcast_campaigns_total",
			Help: "Campaigns finished by terminal status",
		}, []string{"status"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "groupcast_join_queue_depth",
			Help: "Pending join-queue entries per session",
		}, []string{"session"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "groupcast_sessions_active",
			Help: "Sessions currently in the active state",
		}),
		APIRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupcast_api_requests_total",
			Help: "HTTP API requests",
		}, []string{"method", "path", "status"}),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "groupcast_api_request_duration_seconds",
			Help:    "HTTP API request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		registry: reg,
	}

	reg.MustRegister(
		m.JoinsTotal, m.SendsTotal, m.CampaignsTotal,
		m.QueueDepth, m.SessionsActive,
		m.APIRequestsTotal, m.APIRequestDurationSeconds,
	)
	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetGlobal installs m as the process-wide instance used by the engines.
// Pass nil to disable collection.
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	global = m
	globalMu.Unlock()
}

// Global returns the installed instance, or nil when metrics are disabled.
// Callers must nil-check.
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}
