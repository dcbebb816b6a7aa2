package commission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const queryTimeout = 3 * time.Second

const entryColumns = `id, earner_id, source_buyer_id, allocation_unit_id, phase_id, level, amount, percentage,
	status, created_at, activated_at, cancelled_at`

const balanceColumns = `earner_id, total_earned, pending_balance, available_balance, reserved_balance,
	total_withdrawn, total_reinvested, total_units, available_units, reserved_units, redeemed_units, updated_at`

type Repository interface {
	EnsureBalancesTx(ctx context.Context, tx *sqlx.Tx, earnerIDs []uuid.UUID) error
	LockBalancesTx(ctx context.Context, tx *sqlx.Tx, earnerIDs []uuid.UUID) error
	GetBalance(ctx context.Context, earnerID uuid.UUID) (*Balance, error)

	InsertEntryTx(ctx context.Context, tx *sqlx.Tx, e *Entry) error
	CreditPendingTx(ctx context.Context, tx *sqlx.Tx, earnerID uuid.UUID, amount decimal.Decimal) error
	CreditUnitsTx(ctx context.Context, tx *sqlx.Tx, earnerID uuid.UUID, units int64) error
	UplineTx(ctx context.Context, tx *sqlx.Tx, buyerID uuid.UUID, depth int) ([]Upline, error)

	LockPendingByIDsTx(ctx context.Context, tx *sqlx.Tx, ids []uuid.UUID) ([]Entry, error)
	LockPendingOlderThanTx(ctx context.Context, tx *sqlx.Tx, cutoff time.Time, limit int) ([]Entry, error)
	MarkEntriesTx(ctx context.Context, tx *sqlx.Tx, ids []uuid.UUID, status EntryStatus, at time.Time) (int64, error)
	ActivateBalanceTx(ctx context.Context, tx *sqlx.Tx, earnerID uuid.UUID, amount decimal.Decimal) error
	CancelBalanceTx(ctx context.Context, tx *sqlx.Tx, earnerID uuid.UUID, amount decimal.Decimal) error
	AddPhaseCommissionPaidTx(ctx context.Context, tx *sqlx.Tx, phaseID uuid.UUID, amount decimal.Decimal) error

	ReserveTx(ctx context.Context, tx *sqlx.Tx, earnerID uuid.UUID, amount decimal.Decimal, units int64) (*Balance, error)
	ReleaseTx(ctx context.Context, tx *sqlx.Tx, earnerID uuid.UUID, amount decimal.Decimal, units int64) (*Balance, error)
	DebitTx(ctx context.Context, tx *sqlx.Tx, earnerID uuid.UUID, amount decimal.Decimal, units int64) (*Balance, error)
	ReinvestDebitTx(ctx context.Context, tx *sqlx.Tx, earnerID uuid.UUID, amount decimal.Decimal) error

	InsertTransactionTx(ctx context.Context, tx *sqlx.Tx, earnerID uuid.UUID, amount decimal.Decimal, units int64, txType TxType, meta TxMeta) error
	ListEntries(ctx context.Context, earnerID uuid.UUID, filter EntryFilter) ([]Entry, error)
	ListTransactions(ctx context.Context, earnerID uuid.UUID, pagination Pagination) ([]Transaction, error)
	FoldTotals(ctx context.Context, earnerID uuid.UUID) (*Balance, error)
}

// LedgerRepository keeps commission entries, the balance head and the journal.
type LedgerRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func idStrings(ids []uuid.UUID) pq.StringArray {
	out := make(pq.StringArray, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// EnsureBalancesTx creates missing head rows in ascending id order.
func (r *LedgerRepository) EnsureBalancesTx(ctx context.Context, tx *sqlx.Tx, earnerIDs []uuid.UUID) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO earner_balances (earner_id)
		SELECT id FROM unnest($1::uuid[]) AS id
		ORDER BY id
		ON CONFLICT (earner_id) DO NOTHING
	`, idStrings(earnerIDs))
	if err != nil {
		return fmt.Errorf("%w: ensure balances: %v", ErrInternal, err)
	}
	return nil
}

// LockBalancesTx takes row locks on head rows in ascending id order.
func (r *LedgerRepository) LockBalancesTx(ctx context.Context, tx *sqlx.Tx, earnerIDs []uuid.UUID) error {
	var locked []uuid.UUID
	err := tx.SelectContext(ctx, &locked, `
		SELECT earner_id FROM earner_balances
		WHERE earner_id = ANY($1::uuid[])
		ORDER BY earner_id
		FOR UPDATE
	`, idStrings(earnerIDs))
	if err != nil {
		return fmt.Errorf("%w: lock balances: %v", ErrInternal, err)
	}
	return nil
}

func (r *LedgerRepository) GetBalance(ctx context.Context, earnerID uuid.UUID) (*Balance, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var b Balance
	err := r.db.GetContext(ctx2, &b, `SELECT `+balanceColumns+` FROM earner_balances WHERE earner_id = $1`, earnerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return emptyBalance(earnerID), nil
		}
		return nil, fmt.Errorf("%w: get balance: %v", ErrInternal, err)
	}
	return &b, nil
}

// InsertEntryTx inserts e unless the earner already has an entry for the
// allocation. ON CONFLICT keeps the surrounding transaction usable.
func (r *LedgerRepository) InsertEntryTx(ctx context.Context, tx *sqlx.Tx, e *Entry) error {
	err := tx.QueryRowxContext(ctx, `
		INSERT INTO commission_entries
			(earner_id, source_buyer_id, allocation_unit_id, phase_id, level, amount, percentage, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
		ON CONFLICT ON CONSTRAINT commission_entries_allocation_earner_key DO NOTHING
		RETURNING `+entryColumns,
		e.EarnerID, e.SourceBuyerID, e.AllocationUnitID, e.PhaseID, e.Level, e.Amount, e.Percentage,
	).StructScan(e)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrDuplicateCommission
		}
		return fmt.Errorf("%w: insert entry: %v", ErrInternal, err)
	}
	return nil
}

func (r *LedgerRepository) CreditPendingTx(ctx context.Context, tx *sqlx.Tx, earnerID uuid.UUID, amount decimal.Decimal) error {
	return r.execOne(ctx, tx, "credit pending", `
		UPDATE earner_balances
		SET total_earned = total_earned + $2,
		    pending_balance = pending_balance + $2,
		    updated_at = NOW()
		WHERE earner_id = $1
	`, earnerID, amount)
}

func (r *LedgerRepository) CreditUnitsTx(ctx context.Context, tx *sqlx.Tx, earnerID uuid.UUID, units int64) error {
	return r.execOne(ctx, tx, "credit units", `
		UPDATE earner_balances
		SET total_units = total_units + $2,
		    available_units = available_units + $2,
		    updated_at = NOW()
		WHERE earner_id = $1
	`, earnerID, units)
}

// UplineTx walks referrer edges upward from buyerID, at most depth levels.
func (r *LedgerRepository) UplineTx(ctx context.Context, tx *sqlx.Tx, buyerID uuid.UUID, depth int) ([]Upline, error) {
	upline := make([]Upline, 0, depth)
	if depth <= 0 {
		return upline, nil
	}
	err := tx.SelectContext(ctx, &upline, `
		WITH RECURSIVE chain AS (
			SELECT referrer_id, 1 AS level
			FROM referrals
			WHERE user_id = $1
			UNION ALL
			SELECT r.referrer_id, c.level + 1
			FROM referrals r
			JOIN chain c ON r.user_id = c.referrer_id
			WHERE c.level < $2
		)
		SELECT referrer_id AS earner_id, level FROM chain ORDER BY level
	`, buyerID, depth)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve upline: %v", ErrInternal, err)
	}
	return upline, nil
}

func (r *LedgerRepository) LockPendingByIDsTx(ctx context.Context, tx *sqlx.Tx, ids []uuid.UUID) ([]Entry, error) {
	entries := make([]Entry, 0, len(ids))
	err := tx.SelectContext(ctx, &entries, `
		SELECT `+entryColumns+`
		FROM commission_entries
		WHERE id = ANY($1::uuid[]) AND status = 'pending'
		ORDER BY id
		FOR UPDATE
	`, idStrings(ids))
	if err != nil {
		return nil, fmt.Errorf("%w: lock entries: %v", ErrInternal, err)
	}
	return entries, nil
}

func (r *LedgerRepository) LockPendingOlderThanTx(ctx context.Context, tx *sqlx.Tx, cutoff time.Time, limit int) ([]Entry, error) {
	entries := make([]Entry, 0)
	err := tx.SelectContext(ctx, &entries, `
		SELECT `+entryColumns+`
		FROM commission_entries
		WHERE status = 'pending' AND created_at < $1
		ORDER BY id
		LIMIT $2
		FOR UPDATE
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: lock matured entries: %v", ErrInternal, err)
	}
	return entries, nil
}

func (r *LedgerRepository) MarkEntriesTx(ctx context.Context, tx *sqlx.Tx, ids []uuid.UUID, status EntryStatus, at time.Time) (int64, error) {
	column := "activated_at"
	if status == EntryCancelled {
		column = "cancelled_at"
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE commission_entries
		SET status = $2, `+column+` = $3
		WHERE id = ANY($1::uuid[]) AND status = 'pending'
	`, idStrings(ids), status, at)
	if err != nil {
		return 0, fmt.Errorf("%w: mark entries: %v", ErrInternal, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %v", ErrInternal, err)
	}
	return rows, nil
}

func (r *LedgerRepository) ActivateBalanceTx(ctx context.Context, tx *sqlx.Tx, earnerID uuid.UUID, amount decimal.Decimal) error {
	return r.execOne(ctx, tx, "activate balance", `
		UPDATE earner_balances
		SET pending_balance = pending_balance - $2,
		    available_balance = available_balance + $2,
		    updated_at = NOW()
		WHERE earner_id = $1 AND pending_balance >= $2
	`, earnerID, amount)
}

func (r *LedgerRepository) CancelBalanceTx(ctx context.Context, tx *sqlx.Tx, earnerID uuid.UUID, amount decimal.Decimal) error {
	return r.execOne(ctx, tx, "cancel balance", `
		UPDATE earner_balances
		SET pending_balance = pending_balance - $2,
		    total_earned = total_earned - $2,
		    updated_at = NOW()
		WHERE earner_id = $1 AND pending_balance >= $2
	`, earnerID, amount)
}

func (r *LedgerRepository) AddPhaseCommissionPaidTx(ctx context.Context, tx *sqlx.Tx, phaseID uuid.UUID, amount decimal.Decimal) error {
	return r.execOne(ctx, tx, "phase commission total", `
		UPDATE phases
		SET commission_paid_total = commission_paid_total + $2, updated_at = NOW()
		WHERE id = $1
	`, phaseID, amount)
}

// ReserveTx moves funds from available to reserved. No row means the
// earner cannot cover the request.
func (r *LedgerRepository) ReserveTx(ctx context.Context, tx *sqlx.Tx, earnerID uuid.UUID, amount decimal.Decimal, units int64) (*Balance, error) {
	return r.moveFunds(ctx, tx, "reserve", `
		UPDATE earner_balances
		SET available_balance = available_balance - $2,
		    reserved_balance = reserved_balance + $2,
		    available_units = available_units - $3,
		    reserved_units = reserved_units + $3,
		    updated_at = NOW()
		WHERE earner_id = $1 AND available_balance >= $2 AND available_units >= $3
		RETURNING `+balanceColumns, earnerID, amount, units)
}

func (r *LedgerRepository) ReleaseTx(ctx context.Context, tx *sqlx.Tx, earnerID uuid.UUID, amount decimal.Decimal, units int64) (*Balance, error) {
	return r.moveFunds(ctx, tx, "release", `
		UPDATE earner_balances
		SET reserved_balance = reserved_balance - $2,
		    available_balance = available_balance + $2,
		    reserved_units = reserved_units - $3,
		    available_units = available_units + $3,
		    updated_at = NOW()
		WHERE earner_id = $1 AND reserved_balance >= $2 AND reserved_units >= $3
		RETURNING `+balanceColumns, earnerID, amount, units)
}

func (r *LedgerRepository) DebitTx(ctx context.Context, tx *sqlx.Tx, earnerID uuid.UUID, amount decimal.Decimal, units int64) (*Balance, error) {
	return r.moveFunds(ctx, tx, "debit", `
		UPDATE earner_balances
		SET reserved_balance = reserved_balance - $2,
		    total_withdrawn = total_withdrawn + $2,
		    reserved_units = reserved_units - $3,
		    redeemed_units = redeemed_units + $3,
		    updated_at = NOW()
		WHERE earner_id = $1 AND reserved_balance >= $2 AND reserved_units >= $3
		RETURNING `+balanceColumns, earnerID, amount, units)
}

func (r *LedgerRepository) moveFunds(ctx context.Context, tx *sqlx.Tx, step, query string, args ...interface{}) (*Balance, error) {
	var b Balance
	if err := tx.QueryRowxContext(ctx, query, args...).StructScan(&b); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInsufficientFunds
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInternal, step, err)
	}
	return &b, nil
}

func (r *LedgerRepository) ReinvestDebitTx(ctx context.Context, tx *sqlx.Tx, earnerID uuid.UUID, amount decimal.Decimal) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE earner_balances
		SET available_balance = available_balance - $2,
		    total_reinvested = total_reinvested + $2,
		    updated_at = NOW()
		WHERE earner_id = $1 AND available_balance >= $2
	`, earnerID, amount)
	if err != nil {
		return fmt.Errorf("%w: reinvest debit: %v", ErrInternal, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", ErrInternal, err)
	}
	if rows == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func (r *LedgerRepository) execOne(ctx context.Context, tx *sqlx.Tx, step, query string, args ...interface{}) error {
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInternal, step, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", ErrInternal, err)
	}
	if rows != 1 {
		return fmt.Errorf("%w: %s: expected one row, got %d", ErrInternal, step, rows)
	}
	return nil
}

func (r *LedgerRepository) InsertTransactionTx(ctx context.Context, tx *sqlx.Tx, earnerID uuid.UUID, amount decimal.Decimal, units int64, txType TxType, meta TxMeta) error {
	var relatedType *string
	if meta.RelatedEntityType != "" {
		relatedType = &meta.RelatedEntityType
	}
	var relatedID *uuid.UUID
	if meta.RelatedEntityID != uuid.Nil {
		relatedID = &meta.RelatedEntityID
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_transactions
			(earner_id, amount, unit_count, tx_type, related_entity_type, related_entity_id, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, earnerID, amount, units, txType, relatedType, relatedID, meta.Description)
	if err != nil {
		return fmt.Errorf("%w: insert journal row: %v", ErrInternal, err)
	}
	return nil
}

func (r *LedgerRepository) ListEntries(ctx context.Context, earnerID uuid.UUID, filter EntryFilter) ([]Entry, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}

	var sb strings.Builder
	sb.WriteString(`SELECT ` + entryColumns + ` FROM commission_entries WHERE earner_id = $1`)
	args := []interface{}{earnerID}

	if filter.Status != nil {
		args = append(args, *filter.Status)
		sb.WriteString(fmt.Sprintf(" AND status = $%d", len(args)))
	}

	args = append(args, limit, filter.Offset)
	sb.WriteString(fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args)))

	entries := make([]Entry, 0)
	if err := r.db.SelectContext(ctx2, &entries, sb.String(), args...); err != nil {
		return nil, fmt.Errorf("%w: list entries: %v", ErrInternal, err)
	}
	return entries, nil
}

func (r *LedgerRepository) ListTransactions(ctx context.Context, earnerID uuid.UUID, pagination Pagination) ([]Transaction, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	limit := pagination.Limit
	if limit <= 0 {
		limit = 20
	}

	transactions := make([]Transaction, 0)
	err := r.db.SelectContext(ctx2, &transactions, `
		SELECT id, earner_id, amount, unit_count, tx_type, related_entity_type, related_entity_id, description, created_at
		FROM ledger_transactions
		WHERE earner_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, earnerID, limit, pagination.Offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list transactions: %v", ErrInternal, err)
	}
	return transactions, nil
}

// FoldTotals recomputes what the head row should hold from entries,
// withdrawal requests and allocations.
func (r *LedgerRepository) FoldTotals(ctx context.Context, earnerID uuid.UUID) (*Balance, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var folded struct {
		Pending       decimal.Decimal `db:"pending"`
		Paid          decimal.Decimal `db:"paid"`
		Reserved      decimal.Decimal `db:"reserved"`
		Withdrawn     decimal.Decimal `db:"withdrawn"`
		Reinvested    decimal.Decimal `db:"reinvested"`
		Units         int64           `db:"units"`
		ReservedUnits int64           `db:"reserved_units"`
		RedeemedUnits int64           `db:"redeemed_units"`
	}

	err := r.db.GetContext(ctx2, &folded, `
		SELECT
			(SELECT COALESCE(SUM(amount), 0) FROM commission_entries
			 WHERE earner_id = $1 AND status = 'pending') AS pending,
			(SELECT COALESCE(SUM(amount), 0) FROM commission_entries
			 WHERE earner_id = $1 AND status = 'paid') AS paid,
			(SELECT COALESCE(SUM(amount), 0) FROM withdrawal_requests
			 WHERE earner_id = $1 AND type = 'balance'
			   AND status IN ('pending', 'outside_window', 'queued', 'processing')) AS reserved,
			(SELECT COALESCE(SUM(amount), 0) FROM withdrawal_requests
			 WHERE earner_id = $1 AND type = 'balance' AND status = 'completed') AS withdrawn,
			(SELECT COALESCE(SUM(amount), 0) FROM allocation_units
			 WHERE buyer_id = $1 AND source = 'reinvest' AND status = 'completed') AS reinvested,
			(SELECT COALESCE(SUM(unit_count), 0) FROM allocation_units
			 WHERE buyer_id = $1 AND status = 'completed') AS units,
			(SELECT COALESCE(SUM(unit_quantity), 0) FROM withdrawal_requests
			 WHERE earner_id = $1 AND type = 'unit_redeem'
			   AND status IN ('pending', 'outside_window', 'queued', 'processing')) AS reserved_units,
			(SELECT COALESCE(SUM(unit_quantity), 0) FROM withdrawal_requests
			 WHERE earner_id = $1 AND type = 'unit_redeem' AND status = 'completed') AS redeemed_units
	`, earnerID)
	if err != nil {
		return nil, fmt.Errorf("%w: fold totals: %v", ErrInternal, err)
	}

	return &Balance{
		EarnerID:         earnerID,
		TotalEarned:      folded.Pending.Add(folded.Paid),
		PendingBalance:   folded.Pending,
		AvailableBalance: folded.Paid.Sub(folded.Reserved).Sub(folded.Withdrawn).Sub(folded.Reinvested),
		ReservedBalance:  folded.Reserved,
		TotalWithdrawn:   folded.Withdrawn,
		TotalReinvested:  folded.Reinvested,
		TotalUnits:       folded.Units,
		AvailableUnits:   folded.Units - folded.ReservedUnits - folded.RedeemedUnits,
		ReservedUnits:    folded.ReservedUnits,
		RedeemedUnits:    folded.RedeemedUnits,
	}, nil
}
