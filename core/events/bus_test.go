package events

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type testEvent string

func (e testEvent) EventType() string { return string(e) }

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus(8)
	var (
		mu  sync.Mutex
		got []string
	)
	bus.Subscribe(func(_ context.Context, evt Event) {
		mu.Lock()
		got = append(got, evt.EventType())
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go bus.Run(ctx)

	bus.Emit(testEvent("a"))
	bus.Emit(testEvent("b"))
	bus.Emit(testEvent("c"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 3 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	bus.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected delivery order: %v", got)
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus(1)
	bus.Emit(testEvent("first"))
	bus.Emit(testEvent("second"))
	if bus.Dropped() != 1 {
		t.Fatalf("expected one dropped event, got %d", bus.Dropped())
	}
}

func TestBusSurvivesHandlerPanic(t *testing.T) {
	bus := NewBus(4)
	delivered := make(chan struct{}, 1)
	bus.Subscribe(func(context.Context, Event) { panic("boom") })
	bus.Subscribe(func(context.Context, Event) { delivered <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	bus.Emit(testEvent("x"))
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatalf("second handler not invoked after panic")
	}
}

func TestBusDrainsOnShutdown(t *testing.T) {
	bus := NewBus(4)
	count := 0
	bus.Subscribe(func(context.Context, Event) { count++ })
	bus.Emit(testEvent("a"))
	bus.Emit(testEvent("b"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bus.Run(ctx)
	if count != 2 {
		t.Fatalf("expected buffered events to drain, got %d", count)
	}
	bus.Emit(testEvent("late"))
	if len(bus.queue) != 0 {
		t.Fatalf("closed bus accepted an event")
	}
	if bus.Dropped() != 1 {
		t.Fatalf("expected late event to be counted as dropped, got %d", bus.Dropped())
	}
}

func TestBusConcurrentEmitDuringShutdownIsNeverStranded(t *testing.T) {
	bus := NewBus(1024)
	var delivered atomic.Uint64
	bus.Subscribe(func(context.Context, Event) { delivered.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	go bus.Run(ctx)

	const emitters, perEmitter = 8, 50
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < emitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < perEmitter; j++ {
				bus.Emit(testEvent("e"))
			}
		}()
	}
	close(start)
	cancel()
	wg.Wait()
	bus.Wait()

	if len(bus.queue) != 0 {
		t.Fatalf("%d events left in the queue after shutdown", len(bus.queue))
	}
	if got := delivered.Load() + bus.Dropped(); got != emitters*perEmitter {
		t.Fatalf("expected every event delivered or dropped, got %d of %d", got, emitters*perEmitter)
	}
}
