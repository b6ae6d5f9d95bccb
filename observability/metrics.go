package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	remoteMetricsOnce sync.Once
	remoteRegistry    *RemoteMetrics

	balanceMetricsOnce sync.Once
	balanceRegistry    *BalanceMetrics

	sessionMetricsOnce sync.Once
	sessionRegistry    *SessionMetrics
)

// RemoteMetrics tracks calls made against the remote ledger provider.
type RemoteMetrics struct {
	requests   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	reconnects *prometheus.CounterVec
}

// Remote returns the lazily-initialised metrics registry for remote ledger
// requests and subscriptions.
func Remote() *RemoteMetrics {
	remoteMetricsOnce.Do(func() {
		remoteRegistry = &RemoteMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "thresholdsig",
				Subsystem: "remote",
				Name:      "requests_total",
				Help:      "Remote ledger requests segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "thresholdsig",
				Subsystem: "remote",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for remote ledger requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
			reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "thresholdsig",
				Subsystem: "remote",
				Name:      "subscription_reconnects_total",
				Help:      "Live subscription reconnect attempts segmented by event kind and mode.",
			}, []string{"kind", "mode"}),
		}
		prometheus.MustRegister(
			remoteRegistry.requests,
			remoteRegistry.latency,
			remoteRegistry.reconnects,
		)
	})
	return remoteRegistry
}

// Observe records the outcome of a remote request. Outcomes should be stable
// strings such as "success", "unavailable" or "rejected".
func (m *RemoteMetrics) Observe(op, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordReconnect counts a subscription re-establishment.
func (m *RemoteMetrics) RecordReconnect(kind, mode string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(strings.TrimSpace(kind), strings.TrimSpace(mode)).Inc()
}

// BalanceMetrics tracks balance refresh activity.
type BalanceMetrics struct {
	queries   *prometheus.CounterVec
	coalesced prometheus.Counter
}

// Balance returns the metrics registry for the balance refresher.
func Balance() *BalanceMetrics {
	balanceMetricsOnce.Do(func() {
		balanceRegistry = &BalanceMetrics{
			queries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "thresholdsig",
				Subsystem: "balance",
				Name:      "queries_total",
				Help:      "Balance queries issued segmented by outcome.",
			}, []string{"outcome"}),
			coalesced: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "thresholdsig",
				Subsystem: "balance",
				Name:      "coalesced_triggers_total",
				Help:      "Deposit triggers absorbed by an in-flight or pending balance query.",
			}),
		}
		prometheus.MustRegister(balanceRegistry.queries, balanceRegistry.coalesced)
	})
	return balanceRegistry
}

// RecordQuery counts a completed balance query.
func (m *BalanceMetrics) RecordQuery(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.queries.WithLabelValues(outcome).Inc()
}

// RecordCoalesced counts a trigger that did not start a new query.
func (m *BalanceMetrics) RecordCoalesced() {
	if m == nil {
		return
	}
	m.coalesced.Inc()
}

// SessionMetrics tracks the wallet session lifecycle.
type SessionMetrics struct {
	phase       *prometheus.GaugeVec
	transitions *prometheus.CounterVec
}

// Session returns the metrics registry for session lifecycle transitions.
func Session() *SessionMetrics {
	sessionMetricsOnce.Do(func() {
		sessionRegistry = &SessionMetrics{
			phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "thresholdsig",
				Subsystem: "session",
				Name:      "phase",
				Help:      "Current session phase; the active phase reports 1.",
			}, []string{"phase"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "thresholdsig",
				Subsystem: "session",
				Name:      "transitions_total",
				Help:      "Session phase transitions segmented by target phase.",
			}, []string{"phase"}),
		}
		prometheus.MustRegister(sessionRegistry.phase, sessionRegistry.transitions)
	})
	return sessionRegistry
}

// SetPhase marks phase as the active one among all known phases.
func (m *SessionMetrics) SetPhase(phase string, known []string) {
	if m == nil {
		return
	}
	for _, candidate := range known {
		value := 0.0
		if candidate == phase {
			value = 1
		}
		m.phase.WithLabelValues(candidate).Set(value)
	}
	m.transitions.WithLabelValues(phase).Inc()
}
