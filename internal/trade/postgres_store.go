package trade

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PostgresStore persists trade data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed trade store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) NextID(ctx context.Context) (string, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `SELECT nextval('trade_seq')`).Scan(&n)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("TRD-%05d", n), nil
}

const tradeColumns = `id, seller_id, buyer_id, category, description,
		       price, currency, payment_method, deadline, status,
		       fee_amount, fee_currency, net_amount,
		       payment_proof_ref, dispute_status, dispute_reason,
		       resolution, refund_reason, version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *Trade, h HistoryEntry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	t.Version = 1
	_, err = tx.ExecContext(ctx, `
		INSERT INTO trades (
			id, seller_id, buyer_id, category, description,
			price, currency, payment_method, deadline, status,
			fee_amount, fee_currency, net_amount,
			payment_proof_ref, dispute_status, dispute_reason,
			resolution, refund_reason, version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::NUMERIC(20,6), $7, $8, $9, $10,
			$11::NUMERIC(20,6), $12, $13::NUMERIC(20,6),
			$14, $15, $16,
			$17, $18, $19, $20, $21
		)`,
		t.ID, t.SellerID, nullString(t.BuyerID), string(t.Category), t.Description,
		t.Price.String(), t.Currency, t.PaymentMethod, t.Deadline, string(t.Status),
		t.FeeAmount.String(), t.FeeCurrency, t.NetAmount.String(),
		nullString(t.PaymentProofRef), string(t.DisputeStatus), nullString(t.DisputeReason),
		nullString(t.Resolution), nullString(t.RefundReason), t.Version, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if err := insertHistory(ctx, tx, h); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Trade, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)

	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

// Save commits the transition and its history entry in one
// transaction. The version predicate makes the update a compare-and-
// swap: zero rows affected on an existing trade means someone else
// wrote first.
func (p *PostgresStore) Save(ctx context.Context, t *Trade, h HistoryEntry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE trades SET
			buyer_id = $1, status = $2, payment_proof_ref = $3,
			dispute_status = $4, dispute_reason = $5, resolution = $6,
			refund_reason = $7, version = version + 1, updated_at = $8
		WHERE id = $9 AND version = $10`,
		nullString(t.BuyerID), string(t.Status), nullString(t.PaymentProofRef),
		string(t.DisputeStatus), nullString(t.DisputeReason), nullString(t.Resolution),
		nullString(t.RefundReason), t.UpdatedAt,
		t.ID, t.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM trades WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	if err := insertHistory(ctx, tx, h); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	t.Version++
	return nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, h HistoryEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO trade_history (trade_id, at, from_status, to_status, op, actor_id, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		h.TradeID, h.At, string(h.From), string(h.To), string(h.Op), h.ActorID, nullString(h.Reason),
	)
	return err
}

func (p *PostgresStore) History(ctx context.Context, tradeID string) ([]HistoryEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT seq, trade_id, at, from_status, to_status, op, actor_id, reason
		FROM trade_history
		WHERE trade_id = $1
		ORDER BY seq ASC`, tradeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []HistoryEntry
	for rows.Next() {
		var (
			h      HistoryEntry
			from   sql.NullString
			reason sql.NullString
			op     string
			to     string
		)
		if err := rows.Scan(&h.Seq, &h.TradeID, &h.At, &from, &to, &op, &h.ActorID, &reason); err != nil {
			return nil, err
		}
		h.From = Status(from.String)
		h.To = Status(to)
		h.Op = Op(op)
		h.Reason = reason.String
		result = append(result, h)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListByParty(ctx context.Context, actorID string, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE seller_id = $1 OR buyer_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, actorID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTrades(rows)
}

func (p *PostgresStore) ListRecent(ctx context.Context, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTrades(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTrades(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE status IN ('initiated', 'pending_buyer_approval', 'approved', 'payment_pending')
		  AND deadline < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTrades(rows)
}

func (p *PostgresStore) ListFinalizable(ctx context.Context, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE status IN ('rejected', 'payment_failed', 'refund_processed', 'dispute_resolved')
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTrades(rows)
}

func (p *PostgresStore) CreatePayment(ctx context.Context, pay *PaymentRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (id, trade_id, amount, currency, proof_ref, submitted_at, outcome)
		VALUES ($1, $2, $3::NUMERIC(20,6), $4, $5, $6, $7)`,
		pay.ID, pay.TradeID, pay.Amount.String(), pay.Currency, pay.ProofRef,
		pay.SubmittedAt, string(pay.Outcome),
	)
	return err
}

func (p *PostgresStore) ClosePayment(ctx context.Context, pay *PaymentRecord) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payments SET outcome = $1, verified_by = $2, verified_at = $3, reason = $4
		WHERE id = $5`,
		string(pay.Outcome), nullString(pay.VerifiedBy), nullTime(pay.VerifiedAt),
		nullString(pay.Reason), pay.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) PaymentsByTrade(ctx context.Context, tradeID string) ([]*PaymentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, trade_id, amount, currency, proof_ref, submitted_at, outcome,
		       verified_by, verified_at, reason
		FROM payments
		WHERE trade_id = $1
		ORDER BY submitted_at ASC`, tradeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*PaymentRecord
	for rows.Next() {
		var (
			pay        PaymentRecord
			amount     string
			outcome    string
			verifiedBy sql.NullString
			verifiedAt sql.NullTime
			reason     sql.NullString
		)
		if err := rows.Scan(&pay.ID, &pay.TradeID, &amount, &pay.Currency, &pay.ProofRef,
			&pay.SubmittedAt, &outcome, &verifiedBy, &verifiedAt, &reason); err != nil {
			return nil, err
		}
		pay.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("payments: bad amount for %s: %w", pay.ID, err)
		}
		pay.Outcome = PaymentOutcome(outcome)
		pay.VerifiedBy = verifiedBy.String
		if verifiedAt.Valid {
			pay.VerifiedAt = &verifiedAt.Time
		}
		pay.Reason = reason.String
		result = append(result, &pay)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Query(ctx context.Context, filter Filter, limit int) ([]*Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.SellerID != "" {
		query += ` AND seller_id = ` + arg(filter.SellerID)
	}
	if filter.BuyerID != "" {
		query += ` AND buyer_id = ` + arg(filter.BuyerID)
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	if filter.From != nil {
		query += ` AND created_at >= ` + arg(*filter.From)
	}
	if filter.To != nil {
		query += ` AND created_at <= ` + arg(*filter.To)
	}
	query += ` ORDER BY created_at DESC LIMIT ` + arg(limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTrades(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(s scanner) (*Trade, error) {
	t := &Trade{}
	var (
		buyerID       sql.NullString
		category      string
		price         string
		status        string
		feeAmount     string
		netAmount     string
		proofRef      sql.NullString
		disputeStatus string
		disputeReason sql.NullString
		resolution    sql.NullString
		refundReason  sql.NullString
	)

	err := s.Scan(
		&t.ID, &t.SellerID, &buyerID, &category, &t.Description,
		&price, &t.Currency, &t.PaymentMethod, &t.Deadline, &status,
		&feeAmount, &t.FeeCurrency, &netAmount,
		&proofRef, &disputeStatus, &disputeReason,
		&resolution, &refundReason, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.BuyerID = buyerID.String
	t.Category = Category(category)
	t.Status = Status(status)
	t.PaymentProofRef = proofRef.String
	t.DisputeStatus = DisputeStatus(disputeStatus)
	t.DisputeReason = disputeReason.String
	t.Resolution = resolution.String
	t.RefundReason = refundReason.String
	if t.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("trades: bad price for %s: %w", t.ID, err)
	}
	if t.FeeAmount, err = decimal.NewFromString(feeAmount); err != nil {
		return nil, fmt.Errorf("trades: bad fee for %s: %w", t.ID, err)
	}
	if t.NetAmount, err = decimal.NewFromString(netAmount); err != nil {
		return nil, fmt.Errorf("trades: bad net amount for %s: %w", t.ID, err)
	}

	return t, nil
}

func scanTrades(rows *sql.Rows) ([]*Trade, error) {
	var result []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertions that both stores implement Store.
var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
