package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking structured protocol events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "invochain",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of protocol events emitted, segmented by module and event kind.",
			}, []string{"module", "event"}),
		}
		prometheus.MustRegister(eventRegistry.emitted)
	})
	return eventRegistry
}

// RecordEvent increments the counter for the supplied event type. Types follow
// the "module.kind" convention (invoice.created, bids.placed, ...); anything
// else lands under the unknown module.
func (m *eventMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	module, kind, found := strings.Cut(strings.TrimSpace(eventType), ".")
	if !found || module == "" || kind == "" {
		module, kind = "unknown", strings.TrimSpace(eventType)
		if kind == "" {
			kind = "unknown"
		}
	}
	m.emitted.WithLabelValues(module, kind).Inc()
}
