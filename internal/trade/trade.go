// Package trade implements the escrow trade lifecycle engine.
//
// A trade moves through a fixed state machine from creation to a
// terminal state. Every state change is a named, guarded operation
// executed atomically under a per-trade lock, and every committed
// change appends an immutable history entry.
package trade

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("trade: not found")
	ErrInvalidTransition = errors.New("trade: invalid transition")
	ErrForbidden         = errors.New("trade: actor not permitted for this operation")
	ErrIncompleteRequest = errors.New("trade: request is missing required data")
	ErrBusy              = errors.New("trade: operation in progress, retry")
	ErrConflict          = errors.New("trade: concurrent modification")
	ErrProofAlreadySet   = errors.New("trade: payment proof already submitted")
)

// InvalidTransitionError reports an illegal (state, operation) pair.
// It carries the trade's actual state so the caller can resync.
type InvalidTransitionError struct {
	Op      Op
	Current Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("trade: operation %q not allowed in state %q", e.Op, e.Current)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// MissingFieldError reports a payload-completeness failure, naming the
// specific field the operation requires.
type MissingFieldError struct {
	Op    Op
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("trade: operation %q requires %s", e.Op, e.Field)
}

func (e *MissingFieldError) Unwrap() error { return ErrIncompleteRequest }

// Status represents the lifecycle state of a trade.
type Status string

const (
	StatusInitiated           Status = "initiated"
	StatusPendingApproval     Status = "pending_buyer_approval"
	StatusApproved            Status = "approved"
	StatusRejected            Status = "rejected"
	StatusPaymentPending      Status = "payment_pending"
	StatusPaymentVerified     Status = "payment_verified"
	StatusPaymentFailed       Status = "payment_failed"
	StatusReleasePending      Status = "asset_release_pending"
	StatusAssetReleased       Status = "asset_released"
	StatusDisputeRaised       Status = "dispute_raised"
	StatusDisputeResolved     Status = "dispute_resolved"
	StatusRefundInitiated     Status = "refund_initiated"
	StatusRefundProcessed     Status = "refund_processed"
	StatusCompleted           Status = "completed"
	StatusCanceled            Status = "canceled"
)

// Statuses lists every defined lifecycle state.
var Statuses = []Status{
	StatusInitiated, StatusPendingApproval, StatusApproved, StatusRejected,
	StatusPaymentPending, StatusPaymentVerified, StatusPaymentFailed,
	StatusReleasePending, StatusAssetReleased, StatusDisputeRaised,
	StatusDisputeResolved, StatusRefundInitiated, StatusRefundProcessed,
	StatusCompleted, StatusCanceled,
}

// IsTerminal returns true for final states: no transition ever leaves them.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// DisputeStatus tracks the dispute sub-flow independently of the main status.
type DisputeStatus string

const (
	DisputeNone     DisputeStatus = "none"
	DisputeOpen     DisputeStatus = "raised"
	DisputeResolved DisputeStatus = "resolved"
)

// Category is the enumerated kind of item being traded.
type Category string

const (
	CategoryDigitalAssets Category = "Digital Assets"
	CategoryCrypto        Category = "Crypto & Tokens"
	CategoryServices      Category = "Services"
	CategoryPhysicalGoods Category = "Physical Goods"
	CategoryOther         Category = "Other"
)

// ValidCategory reports whether c is one of the enumerated categories.
func ValidCategory(c Category) bool {
	switch c {
	case CategoryDigitalAssets, CategoryCrypto, CategoryServices,
		CategoryPhysicalGoods, CategoryOther:
		return true
	}
	return false
}

// Op names a guarded state transition.
type Op string

const (
	OpCreate             Op = "create"
	OpOpen               Op = "open"
	OpApprove            Op = "approve"
	OpReject             Op = "reject"
	OpSubmitPaymentProof Op = "submit_payment_proof"
	OpVerifyPayment      Op = "verify_payment"
	OpRejectPayment      Op = "reject_payment"
	OpBeginRelease       Op = "begin_release"
	OpReleaseAsset       Op = "release_asset"
	OpForceRelease       Op = "force_release"
	OpConfirmReceipt     Op = "confirm_receipt"
	OpRaiseDispute       Op = "raise_dispute"
	OpResolveDispute     Op = "resolve_dispute"
	OpProcessRefund      Op = "process_refund"
	OpExpire             Op = "expire"
	OpFinalize           Op = "finalize"
)

// Edge is one legal (from, to) pair for an operation.
type Edge struct {
	From Status
	To   Status
}

// edges enumerates the complete legal transition set. Anything not in
// this table fails with InvalidTransitionError. The force-release
// variant from payment_verified is policy-gated in the engine and
// intentionally absent here.
var edges = map[Op][]Edge{
	OpOpen:               {{StatusInitiated, StatusPendingApproval}},
	OpApprove:            {{StatusPendingApproval, StatusApproved}},
	OpReject:             {{StatusPendingApproval, StatusRejected}},
	OpSubmitPaymentProof: {{StatusApproved, StatusPaymentPending}},
	OpVerifyPayment:      {{StatusPaymentPending, StatusPaymentVerified}},
	OpRejectPayment:      {{StatusPaymentPending, StatusPaymentFailed}},
	OpBeginRelease:       {{StatusPaymentVerified, StatusReleasePending}},
	OpReleaseAsset:       {{StatusReleasePending, StatusAssetReleased}},
	OpForceRelease:       {{StatusReleasePending, StatusAssetReleased}},
	OpConfirmReceipt:     {{StatusAssetReleased, StatusCompleted}},
	OpRaiseDispute: {
		{StatusReleasePending, StatusDisputeRaised},
		{StatusAssetReleased, StatusDisputeRaised},
	},
	OpResolveDispute: {
		{StatusDisputeRaised, StatusDisputeResolved},
		{StatusDisputeRaised, StatusRefundInitiated},
	},
	OpProcessRefund: {{StatusRefundInitiated, StatusRefundProcessed}},
	OpExpire: {
		{StatusInitiated, StatusCanceled},
		{StatusPendingApproval, StatusCanceled},
		{StatusApproved, StatusCanceled},
		{StatusPaymentPending, StatusCanceled},
	},
	OpFinalize: {
		{StatusRejected, StatusCanceled},
		{StatusPaymentFailed, StatusCanceled},
		{StatusRefundProcessed, StatusCanceled},
		{StatusDisputeResolved, StatusCompleted},
	},
}

// Allowed reports whether op may move a trade from the given state,
// and if so, to which target. Branching operations (resolve-dispute,
// finalize) pick their target in the engine; this returns the first
// edge's target for the common single-target case.
func Allowed(op Op, from Status) (Status, bool) {
	for _, e := range edges[op] {
		if e.From == from {
			return e.To, true
		}
	}
	return "", false
}

// Edges returns a copy of the legal edge set for an operation.
func Edges(op Op) []Edge {
	out := make([]Edge, len(edges[op]))
	copy(out, edges[op])
	return out
}

// Ops lists every named transition operation (excluding create, which
// produces the initial state rather than moving between states).
var Ops = []Op{
	OpOpen, OpApprove, OpReject, OpSubmitPaymentProof, OpVerifyPayment,
	OpRejectPayment, OpBeginRelease, OpReleaseAsset, OpForceRelease,
	OpConfirmReceipt, OpRaiseDispute, OpResolveDispute, OpProcessRefund,
	OpExpire, OpFinalize,
}

// Trade is one escrowed exchange between a seller and a buyer.
type Trade struct {
	ID            string          `json:"id"`
	SellerID      string          `json:"sellerId"`
	BuyerID       string          `json:"buyerId,omitempty"`
	Category      Category        `json:"category"`
	Description   string          `json:"description"`
	Price         decimal.Decimal `json:"price"`
	Currency      string          `json:"currency"`
	PaymentMethod string          `json:"paymentMethod"`
	Deadline      time.Time       `json:"deadline"`
	Status        Status          `json:"status"`

	// Fee fields are frozen at creation (or explicit re-quote),
	// never recomputed on read.
	FeeAmount   decimal.Decimal `json:"feeAmount"`
	FeeCurrency string          `json:"feeCurrency"`
	NetAmount   decimal.Decimal `json:"netAmount"`

	PaymentProofRef string        `json:"paymentProofRef,omitempty"` // set once by the buyer
	DisputeStatus   DisputeStatus `json:"disputeStatus"`
	DisputeReason   string        `json:"disputeReason,omitempty"`
	Resolution      string        `json:"resolution,omitempty"`
	RefundReason    string        `json:"refundReason,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsExpired reports whether now is strictly past the trade's deadline
// while it still sits in a pre-payment-verification, non-terminal
// state. It is a pure check: the caller (a scheduler) decides whether
// to invoke the expire operation.
func IsExpired(t *Trade, now time.Time) bool {
	switch t.Status {
	case StatusInitiated, StatusPendingApproval, StatusApproved, StatusPaymentPending:
		return now.After(t.Deadline)
	}
	return false
}

// HistoryEntry is the immutable audit record of one committed transition.
type HistoryEntry struct {
	Seq     int64     `json:"seq"`
	TradeID string    `json:"tradeId"`
	At      time.Time `json:"at"`
	From    Status    `json:"from"`
	To      Status    `json:"to"`
	Op      Op        `json:"op"`
	ActorID string    `json:"actorId"`
	Reason  string    `json:"reason,omitempty"`
}

// PaymentOutcome is the verification result recorded on a payment.
type PaymentOutcome string

const (
	PaymentPendingReview PaymentOutcome = "pending"
	PaymentVerified      PaymentOutcome = "verified"
	PaymentRejected      PaymentOutcome = "rejected"
)

// PaymentRecord carries payment detail separately from the trade
// document. Owned by the trade; created when proof is submitted and
// closed when an admin verifies or rejects it.
type PaymentRecord struct {
	ID          string          `json:"id"`
	TradeID     string          `json:"tradeId"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	ProofRef    string          `json:"proofRef"`
	SubmittedAt time.Time       `json:"submittedAt"`
	Outcome     PaymentOutcome  `json:"outcome"`
	VerifiedBy  string          `json:"verifiedBy,omitempty"`
	VerifiedAt  *time.Time      `json:"verifiedAt,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// Actor is a caller whose identity and admin capability were resolved
// by an external collaborator before reaching the engine.
type Actor struct {
	ID    string
	Admin bool
}

// System is the actor recorded for scheduler-driven transitions.
var System = Actor{ID: "system", Admin: true}
