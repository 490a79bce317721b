package trade

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tobioke/escrowd/internal/fees"
	"github.com/tobioke/escrowd/internal/idgen"
	"github.com/tobioke/escrowd/internal/metrics"
	"github.com/tobioke/escrowd/internal/syncutil"
	"github.com/tobioke/escrowd/internal/traces"
)

// TransitionEvent describes one committed transition for downstream
// notification. It carries enough to dedupe on the receiving side
// (trade ID + new state + timestamp).
type TransitionEvent struct {
	TradeID string    `json:"tradeId"`
	From    Status    `json:"from"`
	To      Status    `json:"to"`
	Op      Op        `json:"op"`
	ActorID string    `json:"actorId"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
	// TradeCreatedAt lets consumers observe lifecycle duration when
	// the event lands a trade in a terminal state.
	TradeCreatedAt time.Time `json:"tradeCreatedAt"`
}

// Publisher receives transition events after each successful commit.
// Delivery is at-least-once and must never block a transition.
type Publisher interface {
	PublishTransition(ctx context.Context, ev TransitionEvent)
}

// DefaultLockWait bounds how long a transition waits for the per-trade lock.
const DefaultLockWait = 2 * time.Second

// Engine is the sole authority for moving a trade between states.
// All state-changing operations run under a per-trade lock: the
// precondition check and the store write never interleave with another
// transition on the same trade.
type Engine struct {
	store    Store
	policy   fees.Policy
	locks    *syncutil.KeyedMutex
	lockWait time.Duration
	isAdmin  func(actorID string) bool
	now      func() time.Time
	loc      *time.Location
	pub      Publisher
	logger   *slog.Logger

	// forceFromVerified additionally permits admin force-release
	// straight from payment_verified, skipping asset_release_pending.
	forceFromVerified bool
}

// NewEngine creates a trade lifecycle engine.
func NewEngine(store Store, policy fees.Policy) *Engine {
	e := &Engine{
		store:    store,
		policy:   policy,
		locks:    syncutil.NewKeyedMutex(),
		lockWait: DefaultLockWait,
		isAdmin:  func(string) bool { return false },
		loc:      time.UTC,
		logger:   slog.Default(),
	}
	e.now = func() time.Time { return time.Now().In(e.loc) }
	return e
}

// WithAdminSet injects the admin-capability predicate.
func (e *Engine) WithAdminSet(isAdmin func(actorID string) bool) *Engine {
	if isAdmin != nil {
		e.isAdmin = isAdmin
	}
	return e
}

// WithLocation sets the fixed zone all trade timestamps are recorded in.
func (e *Engine) WithLocation(loc *time.Location) *Engine {
	if loc != nil {
		e.loc = loc
	}
	return e
}

// WithClock overrides the time source (for tests).
func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// WithLockWait bounds the per-trade lock wait before ErrBusy.
func (e *Engine) WithLockWait(d time.Duration) *Engine {
	if d > 0 {
		e.lockWait = d
	}
	return e
}

// WithPublisher sets the transition event publisher.
func (e *Engine) WithPublisher(p Publisher) *Engine {
	e.pub = p
	return e
}

// WithLogger sets a structured logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	if l != nil {
		e.logger = l
	}
	return e
}

// WithForceReleaseFromVerified enables the policy variant allowing
// force-release directly from payment_verified.
func (e *Engine) WithForceReleaseFromVerified(enabled bool) *Engine {
	e.forceFromVerified = enabled
	return e
}

// CreateRequest contains the parameters for creating a trade. Only a
// fully specified candidate should reach the engine; the draft builder
// is responsible for collecting fields step by step.
type CreateRequest struct {
	SellerID      string          `json:"sellerId" binding:"required"`
	BuyerID       string          `json:"buyerId"`
	Category      Category        `json:"category" binding:"required"`
	Description   string          `json:"description" binding:"required"`
	Price         decimal.Decimal `json:"price" binding:"required"`
	Currency      string          `json:"currency" binding:"required"`
	PaymentMethod string          `json:"paymentMethod" binding:"required"`
	Deadline      time.Time       `json:"deadline" binding:"required"`
}

// Create validates the request, freezes the fee quote, and persists a
// new trade in the initiated state.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.Create", traces.ActorID(req.SellerID))
	defer span.End()

	if req.SellerID == "" {
		return nil, &MissingFieldError{Op: OpCreate, Field: "sellerId"}
	}
	if req.BuyerID != "" && req.BuyerID == req.SellerID {
		return nil, fmt.Errorf("%w: buyer and seller cannot be the same actor", ErrIncompleteRequest)
	}
	if !ValidCategory(req.Category) {
		return nil, fmt.Errorf("%w: unknown category %q", ErrIncompleteRequest, req.Category)
	}
	if !req.Price.IsPositive() {
		return nil, fmt.Errorf("%w: price must be positive", ErrIncompleteRequest)
	}

	now := e.now()
	if !req.Deadline.After(now) {
		return nil, fmt.Errorf("%w: deadline must be after creation time", ErrIncompleteRequest)
	}

	quote, err := e.policy.Quote(req.Price, req.Currency)
	if err != nil {
		return nil, fmt.Errorf("trade: fee quote: %w", err)
	}

	id, err := e.store.NextID(ctx)
	if err != nil {
		return nil, fmt.Errorf("trade: allocate id: %w", err)
	}

	t := &Trade{
		ID:            id,
		SellerID:      req.SellerID,
		BuyerID:       req.BuyerID,
		Category:      req.Category,
		Description:   req.Description,
		Price:         req.Price,
		Currency:      strings.ToUpper(req.Currency),
		PaymentMethod: req.PaymentMethod,
		Deadline:      req.Deadline.In(e.loc),
		Status:        StatusInitiated,
		FeeAmount:     quote.Fee,
		FeeCurrency:   strings.ToUpper(req.Currency),
		NetAmount:     quote.Net,
		DisputeStatus: DisputeNone,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	h := HistoryEntry{
		TradeID: id,
		At:      now,
		From:    "",
		To:      StatusInitiated,
		Op:      OpCreate,
		ActorID: req.SellerID,
	}

	if err := e.store.Create(ctx, t, h); err != nil {
		return nil, fmt.Errorf("trade: create: %w", err)
	}

	e.publish(ctx, t, h)
	return t, nil
}

// Quote re-evaluates the fee policy for display before trade creation.
func (e *Engine) Quote(price decimal.Decimal, currency string) (fees.Quote, error) {
	return e.policy.Quote(price, currency)
}

// transition describes one guarded state change for apply.
type transition struct {
	op     Op
	to     Status
	actor  Actor
	reason string
	// guard checks actor permission and payload completeness against
	// the loaded trade. Runs inside the critical section, after the
	// edge-legality check.
	guard func(t *Trade) error
	// mutate applies operation-specific field changes. Runs after the
	// guard passes; must not touch Status or UpdatedAt.
	mutate func(t *Trade, now time.Time)
	// after runs post-commit side writes (payment records). Best
	// effort: the transition is already durable.
	after func(ctx context.Context, t *Trade, now time.Time)
}

// apply executes the read-check-write cycle for one transition under
// the trade's lock. On any failure the trade and its history are left
// unchanged.
func (e *Engine) apply(ctx context.Context, tradeID string, tr transition) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade."+string(tr.op),
		traces.TradeID(tradeID), traces.ActorID(tr.actor.ID))
	defer span.End()

	unlock, ok := e.locks.Acquire(ctx, tradeID, e.lockWait)
	if !ok {
		metrics.BusyRejectionsTotal.Inc()
		return nil, ErrBusy
	}
	defer unlock()

	t, err := e.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	if _, ok := Allowed(tr.op, t.Status); !ok {
		if !(tr.op == OpForceRelease && e.forceFromVerified && t.Status == StatusPaymentVerified) {
			return nil, &InvalidTransitionError{Op: tr.op, Current: t.Status}
		}
	}

	if tr.guard != nil {
		if err := tr.guard(t); err != nil {
			return nil, err
		}
	}

	now := e.now()
	from := t.Status
	t.Status = tr.to
	t.UpdatedAt = now
	if tr.mutate != nil {
		tr.mutate(t, now)
	}

	h := HistoryEntry{
		TradeID: t.ID,
		At:      now,
		From:    from,
		To:      tr.to,
		Op:      tr.op,
		ActorID: tr.actor.ID,
		Reason:  tr.reason,
	}

	if err := e.store.Save(ctx, t, h); err != nil {
		return nil, err
	}

	if tr.after != nil {
		tr.after(ctx, t, now)
	}

	e.logger.Info("trade transition committed",
		"trade_id", t.ID, "op", tr.op, "from", from, "to", tr.to, "actor", tr.actor.ID)
	e.publish(ctx, t, h)
	return t, nil
}

func (e *Engine) publish(ctx context.Context, t *Trade, h HistoryEntry) {
	if e.pub == nil {
		return
	}
	e.pub.PublishTransition(ctx, TransitionEvent{
		TradeID:        t.ID,
		From:           h.From,
		To:             h.To,
		Op:             h.Op,
		ActorID:        h.ActorID,
		Reason:         h.Reason,
		At:             h.At,
		TradeCreatedAt: t.CreatedAt,
	})
}

// requireBuyer guards operations only the trade's buyer may invoke.
func requireBuyer(op Op, actor Actor) func(*Trade) error {
	return func(t *Trade) error {
		if t.BuyerID == "" {
			return &MissingFieldError{Op: op, Field: "buyerId"}
		}
		if actor.ID != t.BuyerID {
			return ErrForbidden
		}
		return nil
	}
}

// requireSeller guards operations only the trade's seller may invoke.
func requireSeller(actor Actor) func(*Trade) error {
	return func(t *Trade) error {
		if actor.ID != t.SellerID {
			return ErrForbidden
		}
		return nil
	}
}

// requireAdmin guards operations needing admin capability.
func (e *Engine) requireAdmin(actor Actor) func(*Trade) error {
	return func(*Trade) error {
		if !actor.Admin && !e.isAdmin(actor.ID) {
			return ErrForbidden
		}
		return nil
	}
}

// Open submits an initiated trade to the buyer for approval. A
// non-empty buyerID assigns (or reassigns) the counterparty in the
// same step; otherwise the trade's existing buyer is used.
func (e *Engine) Open(ctx context.Context, id string, actor Actor, buyerID string) (*Trade, error) {
	return e.apply(ctx, id, transition{
		op:    OpOpen,
		to:    StatusPendingApproval,
		actor: actor,
		guard: func(t *Trade) error {
			if err := requireSeller(actor)(t); err != nil {
				return err
			}
			if buyerID == "" && t.BuyerID == "" {
				return &MissingFieldError{Op: OpOpen, Field: "buyerId"}
			}
			if buyerID == t.SellerID {
				return fmt.Errorf("%w: buyer and seller cannot be the same actor", ErrIncompleteRequest)
			}
			return nil
		},
		mutate: func(t *Trade, _ time.Time) {
			if buyerID != "" {
				t.BuyerID = buyerID
			}
		},
	})
}

// Approve records the buyer's acceptance of the proposed trade.
func (e *Engine) Approve(ctx context.Context, id string, actor Actor) (*Trade, error) {
	return e.apply(ctx, id, transition{
		op:    OpApprove,
		to:    StatusApproved,
		actor: actor,
		guard: requireBuyer(OpApprove, actor),
	})
}

// Reject records the buyer's refusal. A reason is mandatory.
func (e *Engine) Reject(ctx context.Context, id string, actor Actor, reason string) (*Trade, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, &MissingFieldError{Op: OpReject, Field: "reason"}
	}
	return e.apply(ctx, id, transition{
		op:     OpReject,
		to:     StatusRejected,
		actor:  actor,
		reason: reason,
		guard:  requireBuyer(OpReject, actor),
	})
}

// SubmitPaymentProof records the buyer's payment proof reference and
// opens a payment record for admin review. The proof is set once; a
// second submission on the same trade fails.
func (e *Engine) SubmitPaymentProof(ctx context.Context, id string, actor Actor, proofRef string) (*Trade, error) {
	if strings.TrimSpace(proofRef) == "" {
		return nil, &MissingFieldError{Op: OpSubmitPaymentProof, Field: "proofRef"}
	}
	return e.apply(ctx, id, transition{
		op:    OpSubmitPaymentProof,
		to:    StatusPaymentPending,
		actor: actor,
		guard: func(t *Trade) error {
			if err := requireBuyer(OpSubmitPaymentProof, actor)(t); err != nil {
				return err
			}
			if t.PaymentProofRef != "" {
				return ErrProofAlreadySet
			}
			return nil
		},
		mutate: func(t *Trade, _ time.Time) {
			t.PaymentProofRef = proofRef
		},
		after: func(ctx context.Context, t *Trade, now time.Time) {
			p := &PaymentRecord{
				ID:          idgen.WithPrefix("pay_"),
				TradeID:     t.ID,
				Amount:      t.Price.Add(t.FeeAmount),
				Currency:    t.Currency,
				ProofRef:    proofRef,
				SubmittedAt: now,
				Outcome:     PaymentPendingReview,
			}
			if err := e.store.CreatePayment(ctx, p); err != nil {
				e.logger.Warn("failed to record payment submission",
					"trade_id", t.ID, "error", err)
			}
		},
	})
}

// VerifyPayment records an admin's decision that the inbound payment
// checks out.
func (e *Engine) VerifyPayment(ctx context.Context, id string, actor Actor) (*Trade, error) {
	return e.apply(ctx, id, transition{
		op:    OpVerifyPayment,
		to:    StatusPaymentVerified,
		actor: actor,
		guard: e.requireAdmin(actor),
		after: func(ctx context.Context, t *Trade, now time.Time) {
			e.closeLatestPayment(ctx, t.ID, actor.ID, PaymentVerified, "", now)
		},
	})
}

// RejectPayment records an admin's decision that the payment could not
// be verified. A reason is mandatory.
func (e *Engine) RejectPayment(ctx context.Context, id string, actor Actor, reason string) (*Trade, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, &MissingFieldError{Op: OpRejectPayment, Field: "reason"}
	}
	return e.apply(ctx, id, transition{
		op:     OpRejectPayment,
		to:     StatusPaymentFailed,
		actor:  actor,
		reason: reason,
		guard:  e.requireAdmin(actor),
		after: func(ctx context.Context, t *Trade, now time.Time) {
			e.closeLatestPayment(ctx, t.ID, actor.ID, PaymentRejected, reason, now)
		},
	})
}

func (e *Engine) closeLatestPayment(ctx context.Context, tradeID, adminID string, outcome PaymentOutcome, reason string, now time.Time) {
	payments, err := e.store.PaymentsByTrade(ctx, tradeID)
	if err != nil || len(payments) == 0 {
		if err != nil {
			e.logger.Warn("failed to load payment records", "trade_id", tradeID, "error", err)
		}
		return
	}
	p := payments[len(payments)-1]
	p.Outcome = outcome
	p.VerifiedBy = adminID
	p.VerifiedAt = &now
	p.Reason = reason
	if err := e.store.ClosePayment(ctx, p); err != nil {
		e.logger.Warn("failed to close payment record",
			"trade_id", tradeID, "payment_id", p.ID, "error", err)
	}
}

// BeginRelease is the seller acknowledging verified payment and
// starting the asset handover.
func (e *Engine) BeginRelease(ctx context.Context, id string, actor Actor) (*Trade, error) {
	return e.apply(ctx, id, transition{
		op:    OpBeginRelease,
		to:    StatusReleasePending,
		actor: actor,
		guard: requireSeller(actor),
	})
}

// ReleaseAsset records the seller's confirmation that the asset went out.
func (e *Engine) ReleaseAsset(ctx context.Context, id string, actor Actor) (*Trade, error) {
	return e.apply(ctx, id, transition{
		op:    OpReleaseAsset,
		to:    StatusAssetReleased,
		actor: actor,
		guard: requireSeller(actor),
	})
}

// ForceRelease is the admin override releasing the asset without the
// seller's action, e.g. for an unresponsive seller. The reason is
// mandatory: this overrides a normal actor's authority and must be
// auditable.
func (e *Engine) ForceRelease(ctx context.Context, id string, actor Actor, reason string) (*Trade, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, &MissingFieldError{Op: OpForceRelease, Field: "reason"}
	}
	return e.apply(ctx, id, transition{
		op:     OpForceRelease,
		to:     StatusAssetReleased,
		actor:  actor,
		reason: reason,
		guard:  e.requireAdmin(actor),
	})
}

// ConfirmReceipt is the buyer confirming the asset arrived, completing
// the trade.
func (e *Engine) ConfirmReceipt(ctx context.Context, id string, actor Actor) (*Trade, error) {
	return e.apply(ctx, id, transition{
		op:    OpConfirmReceipt,
		to:    StatusCompleted,
		actor: actor,
		guard: requireBuyer(OpConfirmReceipt, actor),
	})
}

// RaiseDispute opens the dispute sub-flow. Either counterparty may
// raise it; a reason is mandatory.
func (e *Engine) RaiseDispute(ctx context.Context, id string, actor Actor, reason string) (*Trade, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, &MissingFieldError{Op: OpRaiseDispute, Field: "reason"}
	}
	return e.apply(ctx, id, transition{
		op:     OpRaiseDispute,
		to:     StatusDisputeRaised,
		actor:  actor,
		reason: reason,
		guard: func(t *Trade) error {
			if actor.ID != t.BuyerID && actor.ID != t.SellerID {
				return ErrForbidden
			}
			return nil
		},
		mutate: func(t *Trade, _ time.Time) {
			t.DisputeStatus = DisputeOpen
			t.DisputeReason = reason
		},
	})
}

// ResolveOutcome selects which way an admin resolves a dispute.
type ResolveOutcome string

const (
	ResolveRelease ResolveOutcome = "release" // seller's favor
	ResolveRefund  ResolveOutcome = "refund"  // buyer's favor
)

// ResolveRequest carries the admin's dispute decision.
type ResolveRequest struct {
	Outcome ResolveOutcome `json:"outcome" binding:"required"`
	Reason  string         `json:"reason" binding:"required"`
}

// ResolveDispute records the admin's branch choice: seller's favor
// parks the trade in dispute_resolved (swept to completed), buyer's
// favor starts the refund flow. The engine does not decide the branch;
// it only enforces that an admin chose and gave a reason.
func (e *Engine) ResolveDispute(ctx context.Context, id string, actor Actor, req ResolveRequest) (*Trade, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return nil, &MissingFieldError{Op: OpResolveDispute, Field: "reason"}
	}
	var to Status
	switch req.Outcome {
	case ResolveRelease:
		to = StatusDisputeResolved
	case ResolveRefund:
		to = StatusRefundInitiated
	default:
		return nil, fmt.Errorf("%w: outcome must be %q or %q",
			ErrIncompleteRequest, ResolveRelease, ResolveRefund)
	}
	return e.apply(ctx, id, transition{
		op:     OpResolveDispute,
		to:     to,
		actor:  actor,
		reason: req.Reason,
		guard:  e.requireAdmin(actor),
		mutate: func(t *Trade, _ time.Time) {
			t.DisputeStatus = DisputeResolved
			t.Resolution = string(req.Outcome)
		},
	})
}

// RefundRequest carries the details correlating a refund to the
// original inbound payment.
type RefundRequest struct {
	ProofRef  string `json:"proofRef" binding:"required"`  // original payment proof
	Method    string `json:"method" binding:"required"`    // original payment method
	Reference string `json:"reference"`                    // refund transfer reference
	Reason    string `json:"reason"`
}

// ProcessRefund records that the admin sent the money back. The
// request must carry the original payment's identifying details so the
// refund can be correlated to the inbound transfer.
func (e *Engine) ProcessRefund(ctx context.Context, id string, actor Actor, req RefundRequest) (*Trade, error) {
	if strings.TrimSpace(req.ProofRef) == "" {
		return nil, &MissingFieldError{Op: OpProcessRefund, Field: "proofRef"}
	}
	if strings.TrimSpace(req.Method) == "" {
		return nil, &MissingFieldError{Op: OpProcessRefund, Field: "method"}
	}
	return e.apply(ctx, id, transition{
		op:     OpProcessRefund,
		to:     StatusRefundProcessed,
		actor:  actor,
		reason: req.Reason,
		guard: func(t *Trade) error {
			if err := e.requireAdmin(actor)(t); err != nil {
				return err
			}
			if t.PaymentProofRef != "" && t.PaymentProofRef != req.ProofRef {
				return &MissingFieldError{Op: OpProcessRefund, Field: "proofRef (does not match original payment)"}
			}
			return nil
		},
		mutate: func(t *Trade, _ time.Time) {
			if req.Reason != "" {
				t.RefundReason = req.Reason
			}
		},
	})
}

// Expire cancels a trade whose deadline passed while it was still
// awaiting buyer approval or payment. Invoked by the scheduler (or an
// admin); the legality rule stays inside the engine.
func (e *Engine) Expire(ctx context.Context, id string, actor Actor) (*Trade, error) {
	return e.apply(ctx, id, transition{
		op:     OpExpire,
		to:     StatusCanceled,
		actor:  actor,
		reason: "deadline exceeded",
		guard: func(t *Trade) error {
			if !IsExpired(t, e.now()) {
				return &InvalidTransitionError{Op: OpExpire, Current: t.Status}
			}
			return nil
		},
	})
}

// Finalize sweeps a post-decision state to its terminal state:
// rejected, payment_failed and refund_processed become canceled;
// dispute_resolved becomes completed.
func (e *Engine) Finalize(ctx context.Context, id string, actor Actor) (*Trade, error) {
	unlock, ok := e.locks.Acquire(ctx, id, e.lockWait)
	if !ok {
		metrics.BusyRejectionsTotal.Inc()
		return nil, ErrBusy
	}
	// Peek at the current state to pick the terminal target, then
	// release and run the normal guarded path.
	t, err := e.store.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	to, ok := Allowed(OpFinalize, t.Status)
	unlock()
	if !ok {
		return nil, &InvalidTransitionError{Op: OpFinalize, Current: t.Status}
	}

	return e.apply(ctx, id, transition{
		op:    OpFinalize,
		to:    to,
		actor: actor,
	})
}

// Get returns a trade by ID.
func (e *Engine) Get(ctx context.Context, id string) (*Trade, error) {
	return e.store.Get(ctx, id)
}

// History returns a trade's audit trail in commit order.
func (e *Engine) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	if _, err := e.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.store.History(ctx, id)
}

// Payments returns a trade's payment records.
func (e *Engine) Payments(ctx context.Context, id string) ([]*PaymentRecord, error) {
	if _, err := e.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.store.PaymentsByTrade(ctx, id)
}

// ListByParty returns trades involving an actor as buyer or seller.
func (e *Engine) ListByParty(ctx context.Context, actorID string, limit int) ([]*Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.store.ListByParty(ctx, actorID, limit)
}

// Now returns the engine's current time in its fixed zone.
func (e *Engine) Now() time.Time {
	return e.now()
}
