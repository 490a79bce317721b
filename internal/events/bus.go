// Package events fans out committed trade transitions to interested
// consumers (websocket hub, log, future webhook deliveries) and feeds
// the transition metrics. Delivery is fire-and-forget: a slow or
// failing sink never blocks the engine.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tobioke/escrowd/internal/metrics"
	"github.com/tobioke/escrowd/internal/trade"
)

// Sink receives transition events. Implementations must not block;
// the bus calls each sink from its own dispatch goroutine but a stuck
// sink still stalls everything behind it in the queue.
type Sink interface {
	Deliver(ev trade.TransitionEvent)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev trade.TransitionEvent)

func (f SinkFunc) Deliver(ev trade.TransitionEvent) { f(ev) }

// Bus implements trade.Publisher over a buffered queue with a single
// dispatch goroutine. When the queue is full the event is dropped and
// counted; transitions are already durable in the store, so a dropped
// event costs a notification, never state.
type Bus struct {
	logger *slog.Logger
	queue  chan trade.TransitionEvent
	done   chan struct{}

	mu    sync.RWMutex
	sinks []Sink
}

// NewBus creates an event bus. Call Run in a goroutine to start dispatch.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger,
		queue:  make(chan trade.TransitionEvent, 256),
		done:   make(chan struct{}),
	}
}

// Subscribe registers a sink for all future events.
func (b *Bus) Subscribe(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// PublishTransition enqueues an event and updates transition metrics.
func (b *Bus) PublishTransition(_ context.Context, ev trade.TransitionEvent) {
	metrics.TransitionsTotal.WithLabelValues(string(ev.Op), string(ev.To)).Inc()
	switch {
	case ev.Op == trade.OpCreate:
		metrics.TradesCreatedTotal.Inc()
	case ev.Op == trade.OpRaiseDispute:
		metrics.DisputesRaisedTotal.Inc()
	case ev.To == trade.StatusCompleted:
		metrics.TradesCompletedTotal.Inc()
	}
	if ev.To.IsTerminal() && !ev.TradeCreatedAt.IsZero() {
		metrics.TradeDuration.Observe(ev.At.Sub(ev.TradeCreatedAt).Seconds())
	}

	select {
	case b.queue <- ev:
	case <-b.done:
		metrics.EventDeliveriesTotal.WithLabelValues("dropped").Inc()
	default:
		metrics.EventDeliveriesTotal.WithLabelValues("dropped").Inc()
		b.logger.Warn("event queue full, dropping transition event",
			"trade_id", ev.TradeID, "op", ev.Op)
	}
}

// Run dispatches queued events to all sinks until ctx is done. Queued
// events still pending at shutdown are discarded.
func (b *Bus) Run(ctx context.Context) {
	b.logger.Info("event bus started")
	defer close(b.done)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("event bus stopped")
			return
		case ev := <-b.queue:
			b.dispatch(ev)
		}
	}
}

func (b *Bus) dispatch(ev trade.TransitionEvent) {
	b.mu.RLock()
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	for _, s := range sinks {
		b.deliverSafe(s, ev)
	}
}

func (b *Bus) deliverSafe(s Sink, ev trade.TransitionEvent) {
	defer func() {
		if r := recover(); r != nil {
			metrics.EventDeliveriesTotal.WithLabelValues("panic").Inc()
			b.logger.Error("panic in event sink", "panic", r, "trade_id", ev.TradeID)
		}
	}()
	s.Deliver(ev)
	metrics.EventDeliveriesTotal.WithLabelValues("ok").Inc()
}

// LogSink returns a sink writing each transition to the structured log.
func LogSink(logger *slog.Logger) Sink {
	return SinkFunc(func(ev trade.TransitionEvent) {
		logger.Info("trade event",
			"trade_id", ev.TradeID,
			"op", ev.Op,
			"from", ev.From,
			"to", ev.To,
			"actor", ev.ActorID,
			"at", ev.At.Format(time.RFC3339),
		)
	})
}
