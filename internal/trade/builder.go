package trade

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tobioke/escrowd/internal/idgen"
)

// Draft is a trade being assembled field by field before submission.
// Nothing about a draft touches the lifecycle engine until Submit.
type Draft struct {
	ID            string          `json:"id"`
	SellerID      string          `json:"sellerId"`
	BuyerID       string          `json:"buyerId,omitempty"`
	Category      Category        `json:"category,omitempty"`
	Description   string          `json:"description,omitempty"`
	Price         decimal.Decimal `json:"price"`
	PriceSet      bool            `json:"priceSet"`
	Currency      string          `json:"currency,omitempty"`
	PaymentMethod string          `json:"paymentMethod,omitempty"`
	Deadline      time.Time       `json:"deadline,omitzero"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Missing lists the fields still required before the draft can be
// submitted, in collection order.
func (d *Draft) Missing() []string {
	var out []string
	if d.Category == "" {
		out = append(out, "category")
	}
	if d.Description == "" {
		out = append(out, "description")
	}
	if !d.PriceSet {
		out = append(out, "price")
	}
	if d.Currency == "" {
		out = append(out, "currency")
	}
	if d.PaymentMethod == "" {
		out = append(out, "paymentMethod")
	}
	if d.Deadline.IsZero() {
		out = append(out, "deadline")
	}
	return out
}

// Builder collects trade drafts and submits completed ones to the
// engine. Drafts live in memory only; an abandoned draft is pruned,
// never persisted.
type Builder struct {
	engine *Engine
	now    func() time.Time

	mu     sync.Mutex
	drafts map[string]*Draft
}

// NewBuilder creates a draft builder in front of the engine.
func NewBuilder(engine *Engine) *Builder {
	return &Builder{
		engine: engine,
		now:    engine.Now,
		drafts: make(map[string]*Draft),
	}
}

// Start opens a new empty draft for a seller.
func (b *Builder) Start(sellerID string) (*Draft, error) {
	if sellerID == "" {
		return nil, &MissingFieldError{Op: OpCreate, Field: "sellerId"}
	}
	now := b.now()
	d := &Draft{
		ID:        idgen.WithPrefix("drf_"),
		SellerID:  sellerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	b.mu.Lock()
	b.drafts[d.ID] = d
	b.mu.Unlock()
	return d, nil
}

// Get returns a copy of a draft, checking the caller owns it.
func (b *Builder) Get(draftID, sellerID string) (*Draft, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, err := b.lookupLocked(draftID, sellerID)
	if err != nil {
		return nil, err
	}
	cp := *d
	return &cp, nil
}

// DraftUpdate carries the fields a single update call sets. Nil/zero
// members leave the draft's current value alone.
type DraftUpdate struct {
	BuyerID       *string          `json:"buyerId,omitempty"`
	Category      *Category        `json:"category,omitempty"`
	Description   *string          `json:"description,omitempty"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	Currency      *string          `json:"currency,omitempty"`
	PaymentMethod *string          `json:"paymentMethod,omitempty"`
	Deadline      *time.Time       `json:"deadline,omitempty"`
}

// Update applies one collection step to a draft. Each field is
// validated at set time so the caller learns about a bad value at the
// step that produced it, not at submission.
func (b *Builder) Update(draftID, sellerID string, u DraftUpdate) (*Draft, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, err := b.lookupLocked(draftID, sellerID)
	if err != nil {
		return nil, err
	}

	if u.Category != nil {
		if !ValidCategory(*u.Category) {
			return nil, &MissingFieldError{Op: OpCreate, Field: "category (unknown value)"}
		}
		d.Category = *u.Category
	}
	if u.Description != nil {
		if strings.TrimSpace(*u.Description) == "" {
			return nil, &MissingFieldError{Op: OpCreate, Field: "description"}
		}
		d.Description = strings.TrimSpace(*u.Description)
	}
	if u.Price != nil {
		if !u.Price.IsPositive() {
			return nil, &MissingFieldError{Op: OpCreate, Field: "price (must be positive)"}
		}
		d.Price = *u.Price
		d.PriceSet = true
	}
	if u.Currency != nil {
		c := strings.ToUpper(strings.TrimSpace(*u.Currency))
		if len(c) != 3 {
			return nil, &MissingFieldError{Op: OpCreate, Field: "currency (ISO 4217 code)"}
		}
		d.Currency = c
	}
	if u.PaymentMethod != nil {
		if strings.TrimSpace(*u.PaymentMethod) == "" {
			return nil, &MissingFieldError{Op: OpCreate, Field: "paymentMethod"}
		}
		d.PaymentMethod = strings.TrimSpace(*u.PaymentMethod)
	}
	if u.Deadline != nil {
		if !u.Deadline.After(b.now()) {
			return nil, &MissingFieldError{Op: OpCreate, Field: "deadline (must be in the future)"}
		}
		d.Deadline = *u.Deadline
	}
	if u.BuyerID != nil {
		if *u.BuyerID == d.SellerID {
			return nil, &MissingFieldError{Op: OpCreate, Field: "buyerId (cannot equal sellerId)"}
		}
		d.BuyerID = *u.BuyerID
	}

	d.UpdatedAt = b.now()
	cp := *d
	return &cp, nil
}

// Submit turns a complete draft into a persisted trade and removes the
// draft. An incomplete draft fails naming the first missing field; the
// draft survives for further collection.
func (b *Builder) Submit(ctx context.Context, draftID, sellerID string) (*Trade, error) {
	b.mu.Lock()
	d, err := b.lookupLocked(draftID, sellerID)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	if missing := d.Missing(); len(missing) > 0 {
		b.mu.Unlock()
		return nil, &MissingFieldError{Op: OpCreate, Field: missing[0]}
	}
	cp := *d
	b.mu.Unlock()

	t, err := b.engine.Create(ctx, CreateRequest{
		SellerID:      cp.SellerID,
		BuyerID:       cp.BuyerID,
		Category:      cp.Category,
		Description:   cp.Description,
		Price:         cp.Price,
		Currency:      cp.Currency,
		PaymentMethod: cp.PaymentMethod,
		Deadline:      cp.Deadline,
	})
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	delete(b.drafts, draftID)
	b.mu.Unlock()
	return t, nil
}

// Discard drops a draft without creating anything.
func (b *Builder) Discard(draftID, sellerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.lookupLocked(draftID, sellerID); err != nil {
		return err
	}
	delete(b.drafts, draftID)
	return nil
}

// PruneStale drops drafts not touched since the cutoff and returns how
// many were removed.
func (b *Builder) PruneStale(cutoff time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, d := range b.drafts {
		if d.UpdatedAt.Before(cutoff) {
			delete(b.drafts, id)
			n++
		}
	}
	return n
}

func (b *Builder) lookupLocked(draftID, sellerID string) (*Draft, error) {
	d, ok := b.drafts[draftID]
	if !ok {
		return nil, ErrNotFound
	}
	if d.SellerID != sellerID {
		return nil, ErrForbidden
	}
	return d, nil
}
