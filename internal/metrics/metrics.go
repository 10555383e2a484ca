// Package metrics exposes sync engine and cache activity as Prometheus
// collectors, labelled by tenant.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the tether collectors.
type Metrics struct {
	OutboxPending   *prometheus.GaugeVec
	ConflictsOpen   *prometheus.GaugeVec
	SyncCycles      *prometheus.CounterVec
	EventsDelivered *prometheus.CounterVec
	CacheRequests   *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		OutboxPending: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tether_outbox_pending",
				Help: "Outbox events awaiting delivery, including exhausted failures",
			},
			[]string{"tenant"},
		),
		ConflictsOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tether_conflicts_open",
				Help: "Conflict records awaiting a decision",
			},
			[]string{"tenant"},
		),
		SyncCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tether_sync_cycles_total",
				Help: "Sync cycles by result",
			},
			[]string{"tenant", "result"}, // ok|offline|blocked|interrupted|error
		),
		EventsDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tether_events_delivered_total",
				Help: "Outbox delivery attempts by outcome",
			},
			[]string{"tenant", "outcome"}, // acknowledged|conflicted|deferred|failed|exhausted|invalid
		),
		CacheRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tether_cache_requests_total",
				Help: "Cache lookups by result",
			},
			[]string{"tenant", "result"}, // hit|miss|expired
		),
		gatherer: gatherer,
	}
	reg.MustRegister(
		m.OutboxPending,
		m.ConflictsOpen,
		m.SyncCycles,
		m.EventsDelivered,
		m.CacheRequests,
	)
	return m
}

// NewDefault registers with the default Prometheus registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// Handler serves the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ForTenant returns a recorder for one tenant's engine and cache.
func (m *Metrics) ForTenant(tenantID string) *TenantRecorder {
	return &TenantRecorder{m: m, tenant: tenantID}
}

// Forget drops the series of a removed tenant.
func (m *Metrics) Forget(tenantID string) {
	labels := prometheus.Labels{"tenant": tenantID}
	m.OutboxPending.DeletePartialMatch(labels)
	m.ConflictsOpen.DeletePartialMatch(labels)
	m.SyncCycles.DeletePartialMatch(labels)
	m.EventsDelivered.DeletePartialMatch(labels)
	m.CacheRequests.DeletePartialMatch(labels)
}

// TenantRecorder implements engine.Recorder and cache.Recorder.
type TenantRecorder struct {
	m      *Metrics
	tenant string
}

// CycleCompleted counts a finished sync cycle.
func (r *TenantRecorder) CycleCompleted(result string) {
	r.m.SyncCycles.WithLabelValues(r.tenant, result).Inc()
}

// EventDelivered counts one delivery outcome.
func (r *TenantRecorder) EventDelivered(outcome string) {
	r.m.EventsDelivered.WithLabelValues(r.tenant, outcome).Inc()
}

// OutboxDepth sets the pending and open conflict gauges.
func (r *TenantRecorder) OutboxDepth(pending, conflicts int) {
	r.m.OutboxPending.WithLabelValues(r.tenant).Set(float64(pending))
	r.m.ConflictsOpen.WithLabelValues(r.tenant).Set(float64(conflicts))
}

// CacheRequest counts a cache lookup.
func (r *TenantRecorder) CacheRequest(result string) {
	r.m.CacheRequests.WithLabelValues(r.tenant, result).Inc()
}
