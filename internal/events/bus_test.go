package events

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tobioke/escrowd/internal/trade"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEvent(id string) trade.TransitionEvent {
	return trade.TransitionEvent{
		TradeID: id,
		Op:      trade.OpApprove,
		From:    trade.StatusPendingApproval,
		To:      trade.StatusApproved,
		ActorID: "bob",
		At:      time.Now(),
	}
}

// collector records delivered events and signals on each delivery.
type collector struct {
	mu     sync.Mutex
	events []trade.TransitionEvent
	got    chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 64)}
}

func (c *collector) Deliver(ev trade.TransitionEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func waitDelivery(t *testing.T, c *collector) {
	t.Helper()
	select {
	case <-c.got:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event delivery")
	}
}

func TestBus_DeliversToAllSinks(t *testing.T) {
	bus := NewBus(testLogger())
	a, b := newCollector(), newCollector()
	bus.Subscribe(a)
	bus.Subscribe(b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	bus.PublishTransition(ctx, testEvent("tr-1"))
	waitDelivery(t, a)
	waitDelivery(t, b)

	if a.len() != 1 || b.len() != 1 {
		t.Fatalf("deliveries = %d/%d, want 1/1", a.len(), b.len())
	}
	if a.events[0].TradeID != "tr-1" {
		t.Errorf("trade id = %s", a.events[0].TradeID)
	}
}

func TestBus_PanickingSinkDoesNotStopDispatch(t *testing.T) {
	bus := NewBus(testLogger())
	bus.Subscribe(SinkFunc(func(trade.TransitionEvent) { panic("boom") }))
	c := newCollector()
	bus.Subscribe(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	bus.PublishTransition(ctx, testEvent("tr-1"))
	bus.PublishTransition(ctx, testEvent("tr-2"))
	waitDelivery(t, c)
	waitDelivery(t, c)

	if c.len() != 2 {
		t.Fatalf("deliveries after panic = %d, want 2", c.len())
	}
}

func TestBus_DropsWhenQueueFull(t *testing.T) {
	bus := NewBus(testLogger())
	// No Run goroutine: the queue only drains on dispatch, so filling
	// the buffer forces the drop path. Publish must never block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 300; i++ {
			bus.PublishTransition(context.Background(), testEvent("tr-full"))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("PublishTransition blocked on full queue")
	}
}

func TestBus_SubscribeDuringDispatch(t *testing.T) {
	bus := NewBus(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	early := newCollector()
	bus.Subscribe(early)
	bus.PublishTransition(ctx, testEvent("tr-1"))
	waitDelivery(t, early)

	late := newCollector()
	bus.Subscribe(late)
	bus.PublishTransition(ctx, testEvent("tr-2"))
	waitDelivery(t, early)
	waitDelivery(t, late)

	if late.len() != 1 {
		t.Fatalf("late sink deliveries = %d, want 1", late.len())
	}
	if late.events[0].TradeID != "tr-2" {
		t.Errorf("late sink saw %s, want tr-2", late.events[0].TradeID)
	}
}
