package observability

import (
	"context"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"digimarket/core/events"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
	dropped prometheus.CounterFunc
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
	eventBus         struct {
		sync.Mutex
		bus *events.Bus
	}
)

// Events returns the metrics registry tracking escrow events published on the
// bus.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of escrow events segmented by type.",
			}, []string{"type"}),
			dropped: prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Events discarded because the bus buffer was full.",
			}, func() float64 {
				eventBus.Lock()
				defer eventBus.Unlock()
				if eventBus.bus == nil {
					return 0
				}
				return float64(eventBus.bus.Dropped())
			}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.dropped)
	})
	return eventRegistry
}

// TrackBus subscribes the counters to bus and exposes its drop count.
func (m *eventMetrics) TrackBus(bus *events.Bus) {
	if m == nil || bus == nil {
		return
	}
	eventBus.Lock()
	eventBus.bus = bus
	eventBus.Unlock()
	bus.Subscribe(func(_ context.Context, evt events.Event) {
		m.RecordEvent(evt.EventType())
	})
}

// RecordEvent increments the counter for the supplied event type.
func (m *eventMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	if normalized == "" {
		normalized = "unknown"
	}
	m.emitted.WithLabelValues(normalized).Inc()
}
