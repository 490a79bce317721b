package trade

import (
	"context"
	"time"
)

// Store persists trades, their history, and payment records.
//
// Save must be atomic: the trade row update and the history append
// commit together or not at all, and the update must fail with
// ErrConflict when the persisted version differs from the version the
// caller loaded (the engine serializes writers, so a conflict means an
// out-of-band write and must not be silently overwritten).
type Store interface {
	// NextID allocates the next sequence-derived trade identifier.
	NextID(ctx context.Context) (string, error)

	// Create persists a new trade along with its creation history entry.
	Create(ctx context.Context, t *Trade, h HistoryEntry) error

	// Get returns the trade with the given ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*Trade, error)

	// Save commits a transition: updates the trade (version-checked)
	// and appends the history entry in the same unit of work.
	Save(ctx context.Context, t *Trade, h HistoryEntry) error

	// History returns the trade's history entries in commit order.
	History(ctx context.Context, tradeID string) ([]HistoryEntry, error)

	// ListByParty returns trades where the actor is buyer or seller,
	// newest first.
	ListByParty(ctx context.Context, actorID string, limit int) ([]*Trade, error)

	// ListRecent returns the most recently created trades.
	ListRecent(ctx context.Context, limit int) ([]*Trade, error)

	// ListByStatus returns trades currently in the given status.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Trade, error)

	// ListExpired returns trades whose deadline passed before the given
	// instant while still awaiting buyer approval or payment.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Trade, error)

	// ListFinalizable returns trades resting in a post-decision state
	// (rejected, payment_failed, refund_processed, dispute_resolved)
	// that the sweep moves to their terminal state.
	ListFinalizable(ctx context.Context, limit int) ([]*Trade, error)

	// CreatePayment records a submitted payment.
	CreatePayment(ctx context.Context, p *PaymentRecord) error

	// ClosePayment records the verification outcome on a payment.
	ClosePayment(ctx context.Context, p *PaymentRecord) error

	// PaymentsByTrade returns a trade's payment records, oldest first.
	PaymentsByTrade(ctx context.Context, tradeID string) ([]*PaymentRecord, error)

	// Query returns trades matching the analytics filter.
	Query(ctx context.Context, filter Filter, limit int) ([]*Trade, error)
}

// Filter narrows analytics queries.
type Filter struct {
	SellerID string
	BuyerID  string
	Status   Status
	From     *time.Time
	To       *time.Time
}
