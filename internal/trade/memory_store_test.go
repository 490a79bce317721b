package trade

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestMemoryStore_CreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	id, err := store.NextID(ctx)
	if err != nil {
		t.Fatalf("NextID failed: %v", err)
	}
	if id != "TRD-00001" {
		t.Errorf("first id = %q, want TRD-00001", id)
	}

	seedTrade(t, store, id, StatusInitiated, nil)

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}

	// Mutating the returned copy does not touch the stored trade
	got.Status = StatusCompleted
	again, _ := store.Get(ctx, id)
	if again.Status != StatusInitiated {
		t.Error("Get returned a live reference")
	}

	if _, err := store.Get(ctx, "TRD-99999"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing trade: error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_SaveVersionCheck(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seedTrade(t, store, "TRD-00001", StatusInitiated, nil)

	a, _ := store.Get(ctx, "TRD-00001")
	b, _ := store.Get(ctx, "TRD-00001")

	a.Status = StatusPendingApproval
	if err := store.Save(ctx, a, HistoryEntry{TradeID: a.ID, From: StatusInitiated, To: a.Status, Op: OpOpen}); err != nil {
		t.Fatalf("first Save failed: %v", err)
	}
	if a.Version != 2 {
		t.Errorf("version after save = %d, want 2", a.Version)
	}

	// Stale copy loses
	b.Status = StatusCanceled
	err := store.Save(ctx, b, HistoryEntry{TradeID: b.ID, To: b.Status, Op: OpExpire})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("stale Save: error = %v, want ErrConflict", err)
	}

	got, _ := store.Get(ctx, "TRD-00001")
	if got.Status != StatusPendingApproval {
		t.Errorf("status = %s, stale write went through", got.Status)
	}

	// History recorded the winning write only
	hist, _ := store.History(ctx, "TRD-00001")
	if len(hist) != 2 {
		t.Errorf("history length = %d, want 2", len(hist))
	}
}

func TestMemoryStore_SaveUnknownTrade(t *testing.T) {
	store := NewMemoryStore()
	tr := &Trade{ID: "TRD-00404", Version: 1}
	err := store.Save(context.Background(), tr, HistoryEntry{TradeID: tr.ID})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_HistorySeqOrdering(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seedTrade(t, store, "TRD-00001", StatusInitiated, nil)
	tr, _ := store.Get(ctx, "TRD-00001")
	for _, st := range []Status{StatusPendingApproval, StatusApproved} {
		tr.Status = st
		if err := store.Save(ctx, tr, HistoryEntry{TradeID: tr.ID, To: st}); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	hist, _ := store.History(ctx, "TRD-00001")
	if len(hist) != 3 {
		t.Fatalf("history length = %d, want 3", len(hist))
	}
	for i := 1; i < len(hist); i++ {
		if hist[i].Seq <= hist[i-1].Seq {
			t.Errorf("seq not strictly increasing at %d", i)
		}
	}
}

func TestMemoryStore_ListByParty(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seedTrade(t, store, "TRD-00001", StatusInitiated, nil)
	seedTrade(t, store, "TRD-00002", StatusInitiated, func(tr *Trade) {
		tr.SellerID = "carol"
		tr.BuyerID = "alice" // alice as buyer here
	})
	seedTrade(t, store, "TRD-00003", StatusInitiated, func(tr *Trade) {
		tr.SellerID = "carol"
		tr.BuyerID = "dave"
	})

	got, err := store.ListByParty(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("ListByParty failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("alice trades = %d, want 2 (seller once, buyer once)", len(got))
	}

	got, _ = store.ListByParty(ctx, "nobody", 10)
	if len(got) != 0 {
		t.Errorf("unknown party trades = %d, want 0", len(got))
	}
}

func TestMemoryStore_ListExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	// Past deadline, expirable state
	seedTrade(t, store, "TRD-00001", StatusPaymentPending, func(tr *Trade) {
		tr.Deadline = base.Add(-time.Hour)
	})
	// Past deadline, but payment already verified: not expirable
	seedTrade(t, store, "TRD-00002", StatusPaymentVerified, func(tr *Trade) {
		tr.Deadline = base.Add(-time.Hour)
	})
	// Future deadline
	seedTrade(t, store, "TRD-00003", StatusPendingApproval, nil)

	got, err := store.ListExpired(ctx, base, 100)
	if err != nil {
		t.Fatalf("ListExpired failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "TRD-00001" {
		t.Fatalf("expired = %v, want only TRD-00001", ids(got))
	}
}

func TestMemoryStore_ListFinalizable(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seedTrade(t, store, "TRD-00001", StatusRejected, nil)
	seedTrade(t, store, "TRD-00002", StatusDisputeResolved, nil)
	seedTrade(t, store, "TRD-00003", StatusApproved, nil)
	seedTrade(t, store, "TRD-00004", StatusCompleted, nil)

	got, err := store.ListFinalizable(ctx, 100)
	if err != nil {
		t.Fatalf("ListFinalizable failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("finalizable = %v, want TRD-00001 and TRD-00002", ids(got))
	}
}

func TestMemoryStore_Payments(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p := &PaymentRecord{
		ID:       "pay_abc",
		TradeID:  "TRD-00001",
		Amount:   decimal.NewFromInt(102),
		Currency: "USD",
		ProofRef: "TXN-1",
		Outcome:  PaymentPendingReview,
	}
	if err := store.CreatePayment(ctx, p); err != nil {
		t.Fatalf("CreatePayment failed: %v", err)
	}

	p.Outcome = PaymentVerified
	p.VerifiedBy = "admin"
	if err := store.ClosePayment(ctx, p); err != nil {
		t.Fatalf("ClosePayment failed: %v", err)
	}

	got, err := store.PaymentsByTrade(ctx, "TRD-00001")
	if err != nil {
		t.Fatalf("PaymentsByTrade failed: %v", err)
	}
	if len(got) != 1 || got[0].Outcome != PaymentVerified {
		t.Fatalf("payments = %+v", got)
	}

	unknown := &PaymentRecord{ID: "pay_nope", TradeID: "TRD-00001"}
	if err := store.ClosePayment(ctx, unknown); !errors.Is(err, ErrNotFound) {
		t.Errorf("close unknown payment: error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_Query(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	seedTrade(t, store, "TRD-00001", StatusCompleted, nil)
	seedTrade(t, store, "TRD-00002", StatusCompleted, func(tr *Trade) {
		tr.SellerID = "carol"
		tr.CreatedAt = base.Add(-72 * time.Hour)
	})
	seedTrade(t, store, "TRD-00003", StatusCanceled, nil)

	got, err := store.Query(ctx, Filter{Status: StatusCompleted}, 0)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("by status = %d, want 2", len(got))
	}

	got, _ = store.Query(ctx, Filter{SellerID: "carol"}, 0)
	if len(got) != 1 || got[0].ID != "TRD-00002" {
		t.Errorf("by seller = %v", ids(got))
	}

	from := base.Add(-time.Hour)
	got, _ = store.Query(ctx, Filter{From: &from}, 0)
	if len(got) != 2 {
		t.Errorf("by from-window = %d, want 2", len(got))
	}

	got, _ = store.Query(ctx, Filter{}, 2)
	if len(got) != 2 {
		t.Errorf("limit not applied: %d", len(got))
	}
}

func ids(trades []*Trade) []string {
	out := make([]string, len(trades))
	for i, t := range trades {
		out[i] = t.ID
	}
	return out
}
