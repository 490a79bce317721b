package trade

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory trade store for demo/development mode.
type MemoryStore struct {
	trades   map[string]*Trade
	history  map[string][]HistoryEntry
	payments map[string][]*PaymentRecord
	seq      int64
	hseq     int64
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory trade store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades:   make(map[string]*Trade),
		history:  make(map[string][]HistoryEntry),
		payments: make(map[string][]*PaymentRecord),
	}
}

func (m *MemoryStore) NextID(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	return fmt.Sprintf("TRD-%05d", m.seq), nil
}

func (m *MemoryStore) Create(ctx context.Context, t *Trade, h HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.trades[t.ID]; ok {
		return ErrConflict
	}
	t.Version = 1
	cp := *t
	m.trades[t.ID] = &cp
	m.appendHistoryLocked(h)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.trades[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// Save commits the updated trade and its history entry together.
// The version check runs under the store lock, so the compare and the
// write cannot interleave with another Save on the same trade.
func (m *MemoryStore) Save(ctx context.Context, t *Trade, h HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.trades[t.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != t.Version {
		return ErrConflict
	}
	t.Version++
	cp := *t
	m.trades[t.ID] = &cp
	m.appendHistoryLocked(h)
	return nil
}

func (m *MemoryStore) appendHistoryLocked(h HistoryEntry) {
	m.hseq++
	h.Seq = m.hseq
	m.history[h.TradeID] = append(m.history[h.TradeID], h)
}

func (m *MemoryStore) History(ctx context.Context, tradeID string) ([]HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.history[tradeID]
	out := make([]HistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, actorID string, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if t.SellerID == actorID || t.BuyerID == actorID {
			cp := *t
			result = append(result, &cp)
		}
	}
	sortNewestFirst(result)
	return clip(result, limit), nil
}

func (m *MemoryStore) ListRecent(ctx context.Context, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Trade, 0, len(m.trades))
	for _, t := range m.trades {
		cp := *t
		result = append(result, &cp)
	}
	sortNewestFirst(result)
	return clip(result, limit), nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if t.Status == status {
			cp := *t
			result = append(result, &cp)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if IsExpired(t, before) {
			cp := *t
			result = append(result, &cp)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListFinalizable(ctx context.Context, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if _, ok := Allowed(OpFinalize, t.Status); ok {
			cp := *t
			result = append(result, &cp)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) CreatePayment(ctx context.Context, p *PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.payments[p.TradeID] = append(m.payments[p.TradeID], &cp)
	return nil
}

func (m *MemoryStore) ClosePayment(ctx context.Context, p *PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.payments[p.TradeID] {
		if existing.ID == p.ID {
			cp := *p
			m.payments[p.TradeID][i] = &cp
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) PaymentsByTrade(ctx context.Context, tradeID string) ([]*PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.payments[tradeID]
	out := make([]*PaymentRecord, len(records))
	for i, p := range records {
		cp := *p
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) Query(ctx context.Context, filter Filter, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if filter.SellerID != "" && t.SellerID != filter.SellerID {
			continue
		}
		if filter.BuyerID != "" && t.BuyerID != filter.BuyerID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.From != nil && t.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && t.CreatedAt.After(*filter.To) {
			continue
		}
		cp := *t
		result = append(result, &cp)
	}
	sortNewestFirst(result)
	return clip(result, limit), nil
}

func sortNewestFirst(trades []*Trade) {
	sort.Slice(trades, func(i, j int) bool {
		if trades[i].CreatedAt.Equal(trades[j].CreatedAt) {
			return trades[i].ID > trades[j].ID
		}
		return trades[i].CreatedAt.After(trades[j].CreatedAt)
	})
}

func clip(trades []*Trade, limit int) []*Trade {
	if limit > 0 && len(trades) > limit {
		return trades[:limit]
	}
	return trades
}
