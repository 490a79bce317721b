package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tobioke/escrowd/internal/retry"
)

// Timer periodically expires overdue trades and finalizes trades
// resting in post-decision states.
type Timer struct {
	engine   *Engine
	store    Store
	builder  *Builder
	interval time.Duration
	draftTTL time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates the lifecycle sweep timer.
func NewTimer(engine *Engine, store Store, logger *slog.Logger) *Timer {
	return &Timer{
		engine:   engine,
		store:    store,
		interval: 30 * time.Second,
		draftTTL: 24 * time.Hour,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval sets the sweep interval.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// WithBuilder also prunes stale drafts from the given builder on each sweep.
func (t *Timer) WithBuilder(b *Builder) *Timer {
	t.builder = b
	return t
}

// Running reports whether the sweep loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in trade sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep runs one pass of the expiry and finalize checks. Exported so
// an operator endpoint or test can trigger it directly.
func (t *Timer) Sweep(ctx context.Context) {
	now := t.engine.Now()

	t.expireOverdue(ctx, now)
	t.finalizeResting(ctx)

	if t.builder != nil {
		if n := t.builder.PruneStale(now.Add(-t.draftTTL)); n > 0 {
			t.logger.Info("pruned stale trade drafts", "count", n)
		}
	}
}

func (t *Timer) expireOverdue(ctx context.Context, now time.Time) {
	expired, err := t.store.ListExpired(ctx, now, 100)
	if err != nil {
		t.logger.Warn("failed to list expired trades", "error", err)
		return
	}

	for _, tr := range expired {
		if err := t.transition(ctx, tr.ID, t.engine.Expire); err != nil {
			t.logger.Warn("failed to expire trade", "trade_id", tr.ID, "error", err)
			continue
		}
		t.logger.Info("expired trade past deadline",
			"trade_id", tr.ID, "seller", tr.SellerID, "deadline", tr.Deadline)
	}
}

func (t *Timer) finalizeResting(ctx context.Context) {
	resting, err := t.store.ListFinalizable(ctx, 100)
	if err != nil {
		t.logger.Warn("failed to list finalizable trades", "error", err)
		return
	}

	for _, tr := range resting {
		if err := t.transition(ctx, tr.ID, t.engine.Finalize); err != nil {
			t.logger.Warn("failed to finalize trade", "trade_id", tr.ID, "error", err)
			continue
		}
		t.logger.Info("finalized trade", "trade_id", tr.ID, "from", tr.Status)
	}
}

// transition runs one system operation, retrying briefly when the
// trade's lock is held. A trade that moved on between listing and
// acting reports invalid transition; that is expected and permanent.
func (t *Timer) transition(ctx context.Context, id string, op func(context.Context, string, Actor) (*Trade, error)) error {
	return retry.Do(ctx, 3, 50*time.Millisecond, func() error {
		_, err := op(ctx, id, System)
		if err != nil && !errors.Is(err, ErrBusy) {
			return retry.Permanent(err)
		}
		return err
	})
}
