package trade

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestAnalytics_Dashboard(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	// Two completed USD trades by alice, one disputed-and-canceled by
	// carol, one still in flight.
	seedTrade(t, store, "TRD-00001", StatusCompleted, func(tr *Trade) {
		tr.UpdatedAt = base.Add(10 * time.Hour)
	})
	seedTrade(t, store, "TRD-00002", StatusCompleted, func(tr *Trade) {
		tr.Price = decimal.NewFromInt(200)
		tr.FeeAmount = mustDecimal(t, "5.00")
		tr.UpdatedAt = base.Add(30 * time.Hour)
	})
	seedTrade(t, store, "TRD-00003", StatusCanceled, func(tr *Trade) {
		tr.SellerID = "carol"
		tr.DisputeStatus = DisputeResolved
	})
	seedTrade(t, store, "TRD-00004", StatusPaymentPending, func(tr *Trade) {
		tr.CreatedAt = base.AddDate(0, 0, -3)
	})

	svc := NewAnalyticsService(store, time.UTC).
		WithClock(func() time.Time { return base })

	got, err := svc.Dashboard(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("Dashboard failed: %v", err)
	}

	if got.TotalCount != 4 {
		t.Errorf("total = %d, want 4", got.TotalCount)
	}
	if got.CompletionRate != 50 {
		t.Errorf("completion rate = %v, want 50", got.CompletionRate)
	}
	if got.DisputeRate != 25 {
		t.Errorf("dispute rate = %v, want 25", got.DisputeRate)
	}
	if got.ByStatus["completed"] != 2 || got.ByStatus["payment_pending"] != 1 {
		t.Errorf("by status = %v", got.ByStatus)
	}

	// Volume counts every trade's price; fees count completed only
	if !got.VolumeByCurrency["USD"].Equal(decimal.NewFromInt(500)) {
		t.Errorf("USD volume = %s, want 500", got.VolumeByCurrency["USD"])
	}
	if !got.FeeTotalByCurrency["USD"].Equal(mustDecimal(t, "7.50")) {
		t.Errorf("USD fees = %s, want 7.50 (completed trades only)", got.FeeTotalByCurrency["USD"])
	}

	// (10h + 30h) / 2 = 20h average to completion
	if want := (20 * time.Hour).Seconds(); got.AvgCompletionSecs != want {
		t.Errorf("avg completion = %v, want %v", got.AvgCompletionSecs, want)
	}

	if len(got.LastSevenDays) != 7 {
		t.Fatalf("seven-day series length = %d", len(got.LastSevenDays))
	}
	today := got.LastSevenDays[6]
	if today.Day != "2026-03-10" || today.Count != 3 {
		t.Errorf("today = %+v, want 3 trades on 2026-03-10", today)
	}
	threeDaysAgo := got.LastSevenDays[3]
	if threeDaysAgo.Count != 1 {
		t.Errorf("three days ago = %+v, want 1", threeDaysAgo)
	}

	// alice leads by volume
	if len(got.TopSellers) != 2 {
		t.Fatalf("top sellers = %d, want 2", len(got.TopSellers))
	}
	top := got.TopSellers[0]
	if top.SellerID != "alice" || top.TradeCount != 3 || top.Completed != 2 {
		t.Errorf("top seller = %+v", top)
	}
	if !top.Volume.Equal(decimal.NewFromInt(400)) {
		t.Errorf("top seller volume = %s, want 400", top.Volume)
	}
}

func TestAnalytics_EmptyStore(t *testing.T) {
	svc := NewAnalyticsService(NewMemoryStore(), time.UTC)
	got, err := svc.Dashboard(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("Dashboard failed: %v", err)
	}
	if got.TotalCount != 0 || got.CompletionRate != 0 || got.AvgCompletionSecs != 0 {
		t.Errorf("empty dashboard = %+v", got)
	}
	if len(got.LastSevenDays) != 7 {
		t.Errorf("seven-day series length = %d, want 7 zero days", len(got.LastSevenDays))
	}
}

func TestAnalytics_FilterScopesResults(t *testing.T) {
	store := NewMemoryStore()

	seedTrade(t, store, "TRD-00001", StatusCompleted, nil)
	seedTrade(t, store, "TRD-00002", StatusCompleted, func(tr *Trade) {
		tr.SellerID = "carol"
	})

	svc := NewAnalyticsService(store, time.UTC)
	got, err := svc.Dashboard(context.Background(), Filter{SellerID: "carol"})
	if err != nil {
		t.Fatalf("Dashboard failed: %v", err)
	}
	if got.TotalCount != 1 {
		t.Errorf("filtered total = %d, want 1", got.TotalCount)
	}
}
