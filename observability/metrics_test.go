package observability

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"digimarket/core/events"
	"digimarket/native/escrow"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	metric, ok := c.(prometheus.Metric)
	require.True(t, ok)
	var out dto.Metric
	require.NoError(t, metric.Write(&out))
	if out.Counter != nil {
		return out.Counter.GetValue()
	}
	return out.Gauge.GetValue()
}

func TestEscrowMetricsLabelOutcomes(t *testing.T) {
	m := Escrow()
	before := counterValue(t, m.transitions.WithLabelValues("reclaim", "deadline_not_passed"))
	m.RecordTransition("reclaim", fmt.Errorf("wrapped: %w", escrow.ErrDeadlineNotPassed))
	require.Equal(t, before+1, counterValue(t, m.transitions.WithLabelValues("reclaim", "deadline_not_passed")))

	okBefore := counterValue(t, m.transitions.WithLabelValues("create", "ok"))
	m.RecordTransition("create", nil)
	require.Equal(t, okBefore+1, counterValue(t, m.transitions.WithLabelValues("create", "ok")))

	conflicts := counterValue(t, m.conflicts.WithLabelValues("unknown"))
	m.RecordConflict(" ")
	require.Equal(t, conflicts+1, counterValue(t, m.conflicts.WithLabelValues("unknown")))
}

func TestSweeperAndNotifyMetrics(t *testing.T) {
	s := Sweeper()
	partial := counterValue(t, s.runs.WithLabelValues("partial"))
	expired := counterValue(t, s.actions.WithLabelValues("expired"))
	s.ObserveRun(3, 1, 2, 20*time.Millisecond)
	require.Equal(t, partial+1, counterValue(t, s.runs.WithLabelValues("partial")))
	require.Equal(t, expired+3, counterValue(t, s.actions.WithLabelValues("expired")))

	n := Notify()
	failed := counterValue(t, n.deliveries.WithLabelValues("webhook", "failed"))
	n.RecordDelivery("webhook", fmt.Errorf("timeout"))
	require.Equal(t, failed+1, counterValue(t, n.deliveries.WithLabelValues("webhook", "failed")))
	n.SetQueueDepth(7)
	require.Equal(t, float64(7), counterValue(t, n.queueDepth))
}

type namedEvent string

func (e namedEvent) EventType() string { return string(e) }

func TestEventsTrackBus(t *testing.T) {
	m := Events()
	bus := events.NewBus(4)
	m.TrackBus(bus)
	before := counterValue(t, m.emitted.WithLabelValues("escrow.created"))

	ctx, cancel := context.WithCancel(context.Background())
	go bus.Run(ctx)
	bus.Emit(namedEvent("Escrow.Created"))
	cancel()
	bus.Wait()

	require.Equal(t, before+1, counterValue(t, m.emitted.WithLabelValues("escrow.created")))
}
