package notify

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"digimarket/observability"
)

const (
	maxDeliveryAttempts = 5
	baseRetryDelay      = time.Second
	maxRetryDelay       = time.Minute
)

// Worker drains the queue into a transport, pacing deliveries and retrying
// failures with exponential backoff.
type Worker struct {
	queue       *Queue
	transport   Transport
	limiter     *rate.Limiter
	metrics     *observability.NotifyMetrics
	logger      *slog.Logger
	maxAttempts int
	backoff     func(attempt int) time.Duration
	nowFn       func() time.Time
}

// NewWorker constructs a worker delivering at most perSecond notifications per
// second. A non-positive rate disables pacing.
func NewWorker(queue *Queue, transport Transport, perSecond float64, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	burst := 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &Worker{
		queue:       queue,
		transport:   transport,
		limiter:     rate.NewLimiter(limit, burst),
		metrics:     observability.Notify(),
		logger:      logger,
		maxAttempts: maxDeliveryAttempts,
		backoff:     backoffDelay,
		nowFn:       time.Now,
	}
}

// Run processes deliveries until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		delivery, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
		w.deliver(ctx, delivery)
		w.metrics.SetQueueDepth(w.queue.Len())
	}
}

func (w *Worker) deliver(ctx context.Context, d Delivery) {
	err := w.transport.Deliver(ctx, d.Notification)
	w.metrics.RecordDelivery(w.transport.Name(), err)
	if err == nil {
		return
	}
	d.Attempt++
	if d.Attempt >= w.maxAttempts {
		w.logger.Warn("notification delivery abandoned",
			slog.String("transport", w.transport.Name()),
			slog.String("escrow_id", d.Notification.EscrowID),
			slog.Int("attempts", d.Attempt),
			slog.Any("error", err))
		return
	}
	d.NotBefore = w.nowFn().Add(w.backoff(d.Attempt))
	w.logger.Debug("notification delivery failed, retrying",
		slog.String("transport", w.transport.Name()),
		slog.String("escrow_id", d.Notification.EscrowID),
		slog.Int("attempt", d.Attempt),
		slog.Any("error", err))
	w.queue.Retry(d)
}

func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := baseRetryDelay << (attempt - 1)
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}
