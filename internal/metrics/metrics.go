// Package metrics exposes Prometheus instrumentation for the ledger core.
// A nil *Metrics, or one that was never registered, silently drops every
// observation so services can be built without a registry in tests.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hosting_ledger"

// Metrics holds all collectors.
type Metrics struct {
	ledgerMutations *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	afkTicks        *prometheus.CounterVec
	reconciles      *prometheus.CounterVec
	remoteLatency   *prometheus.HistogramVec
	httpRequests    *prometheus.CounterVec
	httpLatency     *prometheus.HistogramVec

	registerOnce sync.Once
}

// New creates a Metrics registered with registry. A nil registry yields a
// no-op instance.
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{}
	m.Register(registry)
	return m
}

// Register registers the collectors with registry. It is a no-op for a nil
// registry and after the first call.
func (m *Metrics) Register(registry prometheus.Registerer) {
	if registry == nil {
		return
	}

	m.registerOnce.Do(func() {
		factory := promauto.With(registry)

		m.ledgerMutations = factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_mutations_total",
			Help:      "Ledger mutations by transaction kind and result (applied, replayed, rejected)",
		}, []string{"kind", "result"})

		m.cacheLookups = factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_cache_lookups_total",
			Help:      "Idempotency cache lookups by result (hit, miss)",
		}, []string{"result"})

		m.afkTicks = factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "afk_ticks_total",
			Help:      "AFK verification ticks by result (credited, rejected)",
		}, []string{"result"})

		m.reconciles = factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciler_actions_total",
			Help:      "Server lifecycle actions by action and reconciliation outcome",
		}, []string{"action", "outcome"})

		m.remoteLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "controlplane_call_duration_seconds",
			Help:      "Latency of control plane calls",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		}, []string{"action", "result"})

		m.httpRequests = factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by method, route and status",
		}, []string{"method", "route", "status"})

		m.httpLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"})
	})
}

// LedgerMutation counts one ledger call.
func (m *Metrics) LedgerMutation(kind, result string) {
	if m == nil || m.ledgerMutations == nil {
		return
	}
	m.ledgerMutations.WithLabelValues(kind, result).Inc()
}

// CacheLookup counts one idempotency cache lookup.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil || m.cacheLookups == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// AfkTick counts one AFK verification.
func (m *Metrics) AfkTick(credited bool) {
	if m == nil || m.afkTicks == nil {
		return
	}
	result := "rejected"
	if credited {
		result = "credited"
	}
	m.afkTicks.WithLabelValues(result).Inc()
}

// Reconcile counts one lifecycle action outcome.
func (m *Metrics) Reconcile(action, outcome string) {
	if m == nil || m.reconciles == nil {
		return
	}
	m.reconciles.WithLabelValues(action, outcome).Inc()
}

// RemoteCall observes one control plane call.
func (m *Metrics) RemoteCall(action string, d time.Duration, err error) {
	if m == nil || m.remoteLatency == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.remoteLatency.WithLabelValues(action, result).Observe(d.Seconds())
}

// HTTPRequest observes one API request.
func (m *Metrics) HTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil || m.httpRequests == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(method, route).Observe(d.Seconds())
}
