package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

const defaultBusBuffer = 256

// Handler consumes events delivered by a Bus.
type Handler func(context.Context, Event)

// Bus is an asynchronous Emitter. Emit never blocks the caller: events are
// buffered and fanned out to subscribers on a background goroutine, and are
// dropped when the buffer is full.
type Bus struct {
	logger   *slog.Logger
	queue    chan Event
	mu       sync.RWMutex
	handlers []Handler
	dropped  atomic.Uint64
	done     chan struct{}
	// closeMu orders Emit against shutdown: once closed is set under the
	// write lock, no send can land after drain starts.
	closeMu sync.RWMutex
	closed  bool
}

// BusOption customises a Bus.
type BusOption func(*Bus)

// WithBusLogger overrides the logger used for dropped events and handler panics.
func WithBusLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBus constructs a bus with the supplied buffer size.
func NewBus(buffer int, opts ...BusOption) *Bus {
	if buffer <= 0 {
		buffer = defaultBusBuffer
	}
	b := &Bus{
		logger: slog.Default(),
		queue:  make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler. Handlers must be registered before Run.
func (b *Bus) Subscribe(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Emit implements Emitter.
func (b *Bus) Emit(evt Event) {
	if evt == nil {
		return
	}
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		b.dropped.Add(1)
		b.logger.Warn("event bus closed, dropping event", slog.String("event", evt.EventType()))
		return
	}
	select {
	case b.queue <- evt:
	default:
		b.dropped.Add(1)
		b.logger.Warn("event bus full, dropping event", slog.String("event", evt.EventType()))
	}
}

// Dropped reports how many events were discarded because the buffer was full
// or the bus had shut down.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Run delivers events until ctx is cancelled, then drains whatever is already
// buffered.
func (b *Bus) Run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			b.closeMu.Lock()
			b.closed = true
			b.closeMu.Unlock()
			b.drain(context.WithoutCancel(ctx))
			return
		case evt := <-b.queue:
			b.dispatch(ctx, evt)
		}
	}
}

// Wait blocks until Run has returned.
func (b *Bus) Wait() {
	<-b.done
}

func (b *Bus) drain(ctx context.Context) {
	for {
		select {
		case evt := <-b.queue:
			b.dispatch(ctx, evt)
		default:
			return
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, evt Event) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()
	for _, h := range handlers {
		b.invoke(ctx, h, evt)
	}
}

func (b *Bus) invoke(ctx context.Context, h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", slog.String("event", evt.EventType()), slog.Any("panic", r))
		}
	}()
	h(ctx, evt)
}
