package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	events     *prometheus.CounterVec
	ledgerSize prometheus.Gauge
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking contract events flowing into
// the local ledger.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "thresholdsig",
				Subsystem: "ledger",
				Name:      "events_total",
				Help:      "Count of contract events segmented by kind and reconciliation outcome.",
			}, []string{"kind", "outcome"}),
			ledgerSize: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "thresholdsig",
				Subsystem: "ledger",
				Name:      "transactions",
				Help:      "Number of transfers currently held in the local ledger.",
			}),
		}
		prometheus.MustRegister(eventRegistry.events, eventRegistry.ledgerSize)
	})
	return eventRegistry
}

// RecordEvent counts an event of the supplied kind with its outcome, such as
// "admitted", "duplicate", "stale" or "malformed".
func (m *eventMetrics) RecordEvent(kind, outcome string) {
	if m == nil {
		return
	}
	kind = strings.TrimSpace(kind)
	if kind == "" {
		kind = "unknown"
	}
	outcome = strings.TrimSpace(strings.ToLower(outcome))
	if outcome == "" {
		outcome = "unknown"
	}
	m.events.WithLabelValues(kind, outcome).Inc()
}

// SetLedgerSize records the current ledger length.
func (m *eventMetrics) SetLedgerSize(n int) {
	if m == nil {
		return
	}
	m.ledgerSize.Set(float64(n))
}
