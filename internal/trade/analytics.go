package trade

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Analytics provides aggregate metrics across trades.
type Analytics struct {
	TotalCount          int                        `json:"totalCount"`
	CompletionRate      float64                    `json:"completionRate"` // 0-100
	DisputeRate         float64                    `json:"disputeRate"`    // 0-100
	AvgCompletionSecs   float64                    `json:"avgCompletionSecs"`
	ByStatus            map[string]int             `json:"byStatus"`
	VolumeByCurrency    map[string]decimal.Decimal `json:"volumeByCurrency"`
	FeeTotalByCurrency  map[string]decimal.Decimal `json:"feeTotalByCurrency"`
	LastSevenDays       []DayCount                 `json:"lastSevenDays"`
	TopSellers          []SellerStats              `json:"topSellers"`
}

// DayCount is the number of trades created on one calendar day.
type DayCount struct {
	Day   string `json:"day"` // YYYY-MM-DD in the platform zone
	Count int    `json:"count"`
}

// SellerStats provides per-seller aggregate info.
type SellerStats struct {
	SellerID   string          `json:"sellerId"`
	TradeCount int             `json:"tradeCount"`
	Completed  int             `json:"completed"`
	Volume     decimal.Decimal `json:"volume"`
	Currency   string          `json:"currency"`
}

// Querier provides read access to trades for analytics.
type Querier interface {
	Query(ctx context.Context, filter Filter, limit int) ([]*Trade, error)
}

// AnalyticsService computes aggregate metrics from trade data.
type AnalyticsService struct {
	querier Querier
	loc     *time.Location
	now     func() time.Time
}

// NewAnalyticsService creates an analytics service reporting in the
// given platform zone.
func NewAnalyticsService(q Querier, loc *time.Location) *AnalyticsService {
	if loc == nil {
		loc = time.UTC
	}
	s := &AnalyticsService{querier: q, loc: loc}
	s.now = func() time.Time { return time.Now().In(loc) }
	return s
}

// WithClock overrides the time source (for tests).
func (a *AnalyticsService) WithClock(now func() time.Time) *AnalyticsService {
	if now != nil {
		a.now = now
	}
	return a
}

// Dashboard computes aggregate trade analytics for the given filter.
func (a *AnalyticsService) Dashboard(ctx context.Context, filter Filter) (*Analytics, error) {
	trades, err := a.querier.Query(ctx, filter, 10000)
	if err != nil {
		return nil, err
	}

	result := &Analytics{
		ByStatus:           make(map[string]int),
		VolumeByCurrency:   make(map[string]decimal.Decimal),
		FeeTotalByCurrency: make(map[string]decimal.Decimal),
	}

	now := a.now()
	dayCounts := make(map[string]int)
	var completionTimes []float64
	completed := 0
	disputed := 0
	sellerVolumes := make(map[string]decimal.Decimal)
	sellerCounts := make(map[string]int)
	sellerCompleted := make(map[string]int)
	sellerCurrency := make(map[string]string)

	for _, t := range trades {
		result.TotalCount++
		result.ByStatus[string(t.Status)]++

		result.VolumeByCurrency[t.Currency] = result.VolumeByCurrency[t.Currency].Add(t.Price)

		sellerCounts[t.SellerID]++
		sellerVolumes[t.SellerID] = sellerVolumes[t.SellerID].Add(t.Price)
		sellerCurrency[t.SellerID] = t.Currency

		day := t.CreatedAt.In(a.loc).Format("2006-01-02")
		dayCounts[day]++

		if t.DisputeStatus != DisputeNone {
			disputed++
		}
		if t.Status == StatusCompleted {
			completed++
			sellerCompleted[t.SellerID]++
			// Only completed trades earn the platform its fee.
			result.FeeTotalByCurrency[t.FeeCurrency] = result.FeeTotalByCurrency[t.FeeCurrency].Add(t.FeeAmount)
			if d := t.UpdatedAt.Sub(t.CreatedAt).Seconds(); d > 0 {
				completionTimes = append(completionTimes, d)
			}
		}
	}

	if result.TotalCount > 0 {
		result.CompletionRate = float64(completed) / float64(result.TotalCount) * 100
		result.DisputeRate = float64(disputed) / float64(result.TotalCount) * 100
	}
	if len(completionTimes) > 0 {
		sum := 0.0
		for _, d := range completionTimes {
			sum += d
		}
		result.AvgCompletionSecs = sum / float64(len(completionTimes))
	}

	// Trades created in the trailing seven calendar days, oldest first.
	result.LastSevenDays = make([]DayCount, 0, 7)
	for i := 6; i >= 0; i-- {
		day := now.AddDate(0, 0, -i).Format("2006-01-02")
		result.LastSevenDays = append(result.LastSevenDays, DayCount{
			Day:   day,
			Count: dayCounts[day],
		})
	}

	// Top sellers by volume (top 10).
	type sellerEntry struct {
		id     string
		volume decimal.Decimal
	}
	var sellers []sellerEntry
	for id, vol := range sellerVolumes {
		sellers = append(sellers, sellerEntry{id, vol})
	}
	sort.Slice(sellers, func(i, j int) bool {
		if sellers[i].volume.Equal(sellers[j].volume) {
			return sellers[i].id < sellers[j].id
		}
		return sellers[i].volume.GreaterThan(sellers[j].volume)
	})
	if len(sellers) > 10 {
		sellers = sellers[:10]
	}
	result.TopSellers = make([]SellerStats, 0, len(sellers))
	for _, s := range sellers {
		result.TopSellers = append(result.TopSellers, SellerStats{
			SellerID:   s.id,
			TradeCount: sellerCounts[s.id],
			Completed:  sellerCompleted[s.id],
			Volume:     s.volume,
			Currency:   sellerCurrency[s.id],
		})
	}

	return result, nil
}
