package trade

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestTimer(t *testing.T) (*Timer, *Engine, *MemoryStore, *fakeClock) {
	t.Helper()
	e, store, clk := newTestEngine(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tm := NewTimer(e, store, logger).WithInterval(10 * time.Millisecond)
	return tm, e, store, clk
}

func TestTimer_ExpiresOverdueTrades(t *testing.T) {
	tm, e, _, clk := newTestTimer(t)
	ctx := context.Background()

	overdue := createTrade(t, e, buyer.ID)
	if _, err := e.Open(ctx, overdue.ID, seller, ""); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	clk.Advance(24 * time.Hour)
	onTime := createTrade(t, e, buyer.ID)

	clk.Advance(36 * time.Hour) // overdue's 48h deadline passed, onTime's has not

	tm.Sweep(ctx)

	got, _ := e.Get(ctx, overdue.ID)
	if got.Status != StatusCanceled {
		t.Errorf("overdue trade = %s, want canceled", got.Status)
	}
	got, _ = e.Get(ctx, onTime.ID)
	if got.Status != StatusInitiated {
		t.Errorf("on-time trade = %s, want initiated", got.Status)
	}
}

func TestTimer_FinalizesRestingTrades(t *testing.T) {
	tm, e, store, _ := newTestTimer(t)
	ctx := context.Background()

	seedTrade(t, store, "TRD-90001", StatusRejected, nil)
	seedTrade(t, store, "TRD-90002", StatusPaymentFailed, nil)
	seedTrade(t, store, "TRD-90003", StatusRefundProcessed, nil)
	seedTrade(t, store, "TRD-90004", StatusDisputeResolved, nil)
	seedTrade(t, store, "TRD-90005", StatusApproved, nil) // not resting

	tm.Sweep(ctx)

	wantTerminal := map[string]Status{
		"TRD-90001": StatusCanceled,
		"TRD-90002": StatusCanceled,
		"TRD-90003": StatusCanceled,
		"TRD-90004": StatusCompleted,
		"TRD-90005": StatusApproved,
	}
	for id, want := range wantTerminal {
		got, err := e.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get %s failed: %v", id, err)
		}
		if got.Status != want {
			t.Errorf("%s = %s, want %s", id, got.Status, want)
		}
	}

	// Finalize history attributes the system actor
	hist, _ := e.History(ctx, "TRD-90004")
	last := hist[len(hist)-1]
	if last.Op != OpFinalize || last.ActorID != System.ID {
		t.Errorf("finalize entry = %+v", last)
	}
}

func TestTimer_SweepIsIdempotent(t *testing.T) {
	tm, e, store, _ := newTestTimer(t)
	ctx := context.Background()

	seedTrade(t, store, "TRD-90010", StatusRejected, nil)

	tm.Sweep(ctx)
	tm.Sweep(ctx) // second pass finds nothing to do

	got, _ := e.Get(ctx, "TRD-90010")
	if got.Status != StatusCanceled {
		t.Fatalf("status = %s, want canceled", got.Status)
	}
	hist, _ := e.History(ctx, "TRD-90010")
	if len(hist) != 2 { // create + finalize, no double entry
		t.Errorf("history length = %d, want 2", len(hist))
	}
}

func TestTimer_PrunesStaleDrafts(t *testing.T) {
	tm, e, _, clk := newTestTimer(t)
	b := NewBuilder(e)
	tm.WithBuilder(b)

	d, err := b.Start(seller.ID)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	clk.Advance(48 * time.Hour) // past the 24h draft TTL
	tm.Sweep(context.Background())

	if _, err := b.Get(d.ID, seller.ID); err == nil {
		t.Error("stale draft survived sweep")
	}
}

func TestTimer_StartStop(t *testing.T) {
	tm, _, _, _ := newTestTimer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		tm.Start(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for !tm.Running() {
		select {
		case <-deadline:
			t.Fatal("timer never reported running")
		case <-time.After(5 * time.Millisecond):
		}
	}

	tm.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	if tm.Running() {
		t.Error("timer still reports running after stop")
	}
}
