package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"digimarket/native/escrow"
)

const namespace = "digimarket"

// EscrowMetrics tracks escrow transitions and commit contention.
type EscrowMetrics struct {
	transitions *prometheus.CounterVec
	conflicts   *prometheus.CounterVec
}

// SweeperMetrics tracks the expiry sweeper.
type SweeperMetrics struct {
	runs     *prometheus.CounterVec
	actions  *prometheus.CounterVec
	duration prometheus.Histogram
}

// NotifyMetrics tracks notification fan-out and delivery.
type NotifyMetrics struct {
	created    *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	queueDepth prometheus.Gauge
}

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics

	sweeperMetricsOnce sync.Once
	sweeperRegistry    *SweeperMetrics

	notifyMetricsOnce sync.Once
	notifyRegistry    *NotifyMetrics
)

var _ escrow.Metrics = (*EscrowMetrics)(nil)

// Escrow returns the lazily-initialised escrow metrics registry.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "escrow",
				Name:      "transitions_total",
				Help:      "Escrow operations segmented by operation and outcome code.",
			}, []string{"op", "outcome"}),
			conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "escrow",
				Name:      "commit_conflicts_total",
				Help:      "Optimistic commit conflicts that forced a retry.",
			}, []string{"op"}),
		}
		prometheus.MustRegister(escrowRegistry.transitions, escrowRegistry.conflicts)
	})
	return escrowRegistry
}

// RecordTransition counts one escrow operation. The outcome label is the
// error code so dashboards can separate rule rejections from failures.
func (m *EscrowMetrics) RecordTransition(op string, err error) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(label(op), escrow.Code(err)).Inc()
}

// RecordConflict counts a version conflict on commit.
func (m *EscrowMetrics) RecordConflict(op string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(label(op)).Inc()
}

// Sweeper returns the lazily-initialised sweeper metrics registry.
func Sweeper() *SweeperMetrics {
	sweeperMetricsOnce.Do(func() {
		sweeperRegistry = &SweeperMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweeper",
				Name:      "runs_total",
				Help:      "Sweeper passes segmented by result.",
			}, []string{"result"}),
			actions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweeper",
				Name:      "actions_total",
				Help:      "Escrows touched by the sweeper segmented by action.",
			}, []string{"action"}),
			duration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "sweeper",
				Name:      "run_duration_seconds",
				Help:      "Duration of a sweeper pass.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(sweeperRegistry.runs, sweeperRegistry.actions, sweeperRegistry.duration)
	})
	return sweeperRegistry
}

// ObserveRun records a completed pass.
func (m *SweeperMetrics) ObserveRun(expired, released, failed int, took time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if failed > 0 {
		result = "partial"
	}
	m.runs.WithLabelValues(result).Inc()
	m.actions.WithLabelValues("expired").Add(float64(expired))
	m.actions.WithLabelValues("reservation_released").Add(float64(released))
	m.actions.WithLabelValues("failed").Add(float64(failed))
	m.duration.Observe(took.Seconds())
}

// Notify returns the lazily-initialised notification metrics registry.
func Notify() *NotifyMetrics {
	notifyMetricsOnce.Do(func() {
		notifyRegistry = &NotifyMetrics{
			created: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "created_total",
				Help:      "Notifications created segmented by type.",
			}, []string{"type"}),
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "deliveries_total",
				Help:      "Notification delivery attempts segmented by transport and outcome.",
			}, []string{"transport", "outcome"}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "queue_depth",
				Help:      "Notifications waiting for delivery.",
			}),
		}
		prometheus.MustRegister(notifyRegistry.created, notifyRegistry.deliveries, notifyRegistry.queueDepth)
	})
	return notifyRegistry
}

// RecordCreated counts a persisted notification.
func (m *NotifyMetrics) RecordCreated(kind string) {
	if m == nil {
		return
	}
	m.created.WithLabelValues(label(kind)).Inc()
}

// RecordDelivery counts one delivery attempt.
func (m *NotifyMetrics) RecordDelivery(transport string, err error) {
	if m == nil {
		return
	}
	outcome := "delivered"
	if err != nil {
		outcome = "failed"
	}
	m.deliveries.WithLabelValues(label(transport), outcome).Inc()
}

// SetQueueDepth publishes the delivery backlog.
func (m *NotifyMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func label(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}
