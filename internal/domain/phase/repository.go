package phase

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/shareflow/shareflow-api/internal/pkg/database"
)

const queryTimeout = 3 * time.Second

const phaseColumns = `id, number, cap_units, units_sold, units_pending, unit_price, revenue_total,
	commission_paid_total, is_active, start_time, end_time, created_at, updated_at`

const allocationColumns = `id, phase_id, buyer_id, unit_count, amount, status, source, created_at, resolved_at`

type Repository interface {
	GetActive(ctx context.Context) (*Phase, error)
	GetActiveTx(ctx context.Context, tx *sqlx.Tx) (*Phase, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Phase, error)
	GetByIDTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*Phase, error)
	GetByNumberTx(ctx context.Context, tx *sqlx.Tx, number int) (*Phase, error)
	List(ctx context.Context) ([]Phase, error)
	UnitCounts(ctx context.Context, phaseID uuid.UUID) (UnitCounts, error)
	CreateTx(ctx context.Context, tx *sqlx.Tx, p *Phase) error
	MaxNumberTx(ctx context.Context, tx *sqlx.Tx) (int, error)

	AdmitTx(ctx context.Context, tx *sqlx.Tx, phaseID uuid.UUID, units int64) (available int64, admitted bool, err error)
	CommitUnitsTx(ctx context.Context, tx *sqlx.Tx, phaseID uuid.UUID, units int64, amount decimal.Decimal) error
	ReleaseUnitsTx(ctx context.Context, tx *sqlx.Tx, phaseID uuid.UUID, units int64) error
	DeactivateTx(ctx context.Context, tx *sqlx.Tx, number int, at time.Time) (bool, error)
	DeactivateAllTx(ctx context.Context, tx *sqlx.Tx, at time.Time) error
	ActivateTx(ctx context.Context, tx *sqlx.Tx, number int, at time.Time) (bool, error)

	CreateAllocationTx(ctx context.Context, tx *sqlx.Tx, a *AllocationUnit) error
	ResolveAllocationTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, status AllocationStatus, at time.Time) (*AllocationUnit, error)
	GetAllocation(ctx context.Context, id uuid.UUID) (*AllocationUnit, error)
	ListAllocationsByBuyer(ctx context.Context, buyerID uuid.UUID, limit, offset int) ([]AllocationUnit, int, error)
	ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]uuid.UUID, error)
}

// PhaseRepository stores phases and allocation units in postgres.
type PhaseRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *PhaseRepository {
	return &PhaseRepository{db: db}
}

func (r *PhaseRepository) GetActive(ctx context.Context) (*Phase, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return getPhase(ctx2, r.db, `SELECT `+phaseColumns+` FROM phases WHERE is_active`)
}

func (r *PhaseRepository) GetActiveTx(ctx context.Context, tx *sqlx.Tx) (*Phase, error) {
	return getPhase(ctx, tx, `SELECT `+phaseColumns+` FROM phases WHERE is_active`)
}

func (r *PhaseRepository) GetByID(ctx context.Context, id uuid.UUID) (*Phase, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return getPhase(ctx2, r.db, `SELECT `+phaseColumns+` FROM phases WHERE id = $1`, id)
}

func (r *PhaseRepository) GetByIDTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*Phase, error) {
	return getPhase(ctx, tx, `SELECT `+phaseColumns+` FROM phases WHERE id = $1`, id)
}

func (r *PhaseRepository) GetByNumberTx(ctx context.Context, tx *sqlx.Tx, number int) (*Phase, error) {
	return getPhase(ctx, tx, `SELECT `+phaseColumns+` FROM phases WHERE number = $1`, number)
}

func getPhase(ctx context.Context, q sqlx.QueryerContext, query string, args ...interface{}) (*Phase, error) {
	var p Phase
	if err := sqlx.GetContext(ctx, q, &p, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: get phase: %v", ErrInternal, err)
	}
	return &p, nil
}

func (r *PhaseRepository) List(ctx context.Context) ([]Phase, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	phases := make([]Phase, 0)
	if err := r.db.SelectContext(ctx2, &phases, `SELECT `+phaseColumns+` FROM phases ORDER BY number`); err != nil {
		return nil, fmt.Errorf("%w: list phases: %v", ErrInternal, err)
	}
	return phases, nil
}

// UnitCounts reads committed and pending units in one statement so both
// numbers come from the same snapshot.
func (r *PhaseRepository) UnitCounts(ctx context.Context, phaseID uuid.UUID) (UnitCounts, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var c UnitCounts
	err := r.db.GetContext(ctx2, &c, `SELECT units_sold, units_pending FROM phases WHERE id = $1`, phaseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UnitCounts{}, ErrNotFound
		}
		return UnitCounts{}, fmt.Errorf("%w: unit counts: %v", ErrInternal, err)
	}
	return c, nil
}

func (r *PhaseRepository) CreateTx(ctx context.Context, tx *sqlx.Tx, p *Phase) error {
	err := tx.QueryRowxContext(ctx, `
		INSERT INTO phases (number, cap_units, unit_price)
		VALUES ($1, $2, $3)
		RETURNING `+phaseColumns,
		p.Number, p.CapUnits, p.UnitPrice,
	).StructScan(p)
	if err != nil {
		if database.IsUniqueViolation(err, "phases_number_key") {
			return ErrPhaseNumberTaken
		}
		return fmt.Errorf("%w: insert phase: %v", ErrInternal, err)
	}
	return nil
}

func (r *PhaseRepository) MaxNumberTx(ctx context.Context, tx *sqlx.Tx) (int, error) {
	var n int
	if err := tx.GetContext(ctx, &n, `SELECT COALESCE(MAX(number), 0) FROM phases`); err != nil {
		return 0, fmt.Errorf("%w: max phase number: %v", ErrInternal, err)
	}
	return n, nil
}

// AdmitTx reserves units as pending when they fit under the cap of an active
// phase. It returns the capacity left after the reservation.
func (r *PhaseRepository) AdmitTx(ctx context.Context, tx *sqlx.Tx, phaseID uuid.UUID, units int64) (int64, bool, error) {
	var available int64
	err := tx.GetContext(ctx, &available, `
		UPDATE phases
		SET units_pending = units_pending + $2, updated_at = NOW()
		WHERE id = $1 AND is_active AND cap_units - units_sold - units_pending >= $2
		RETURNING cap_units - units_sold - units_pending
	`, phaseID, units)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("%w: admit units: %v", ErrInternal, err)
	}
	return available, true, nil
}

func (r *PhaseRepository) CommitUnitsTx(ctx context.Context, tx *sqlx.Tx, phaseID uuid.UUID, units int64, amount decimal.Decimal) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE phases
		SET units_pending = units_pending - $2,
		    units_sold = units_sold + $2,
		    revenue_total = revenue_total + $3,
		    updated_at = NOW()
		WHERE id = $1 AND units_pending >= $2
	`, phaseID, units, amount)
	if err != nil {
		return fmt.Errorf("%w: commit units: %v", ErrInternal, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", ErrInternal, err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: pending units missing on phase %s", ErrInternal, phaseID)
	}
	return nil
}

func (r *PhaseRepository) ReleaseUnitsTx(ctx context.Context, tx *sqlx.Tx, phaseID uuid.UUID, units int64) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE phases
		SET units_pending = units_pending - $2, updated_at = NOW()
		WHERE id = $1 AND units_pending >= $2
	`, phaseID, units)
	if err != nil {
		return fmt.Errorf("%w: release units: %v", ErrInternal, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", ErrInternal, err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: pending units missing on phase %s", ErrInternal, phaseID)
	}
	return nil
}

func (r *PhaseRepository) DeactivateTx(ctx context.Context, tx *sqlx.Tx, number int, at time.Time) (bool, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE phases
		SET is_active = FALSE, end_time = $2, updated_at = NOW()
		WHERE number = $1 AND is_active
	`, number, at)
	if err != nil {
		return false, fmt.Errorf("%w: deactivate phase: %v", ErrInternal, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected: %v", ErrInternal, err)
	}
	return rows == 1, nil
}

func (r *PhaseRepository) DeactivateAllTx(ctx context.Context, tx *sqlx.Tx, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE phases
		SET is_active = FALSE, end_time = $1, updated_at = NOW()
		WHERE is_active
	`, at)
	if err != nil {
		return fmt.Errorf("%w: deactivate phases: %v", ErrInternal, err)
	}
	return nil
}

func (r *PhaseRepository) ActivateTx(ctx context.Context, tx *sqlx.Tx, number int, at time.Time) (bool, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE phases
		SET is_active = TRUE, start_time = $2, end_time = NULL, updated_at = NOW()
		WHERE number = $1 AND NOT is_active
	`, number, at)
	if err != nil {
		if database.IsUniqueViolation(err, "phases_single_active_idx") {
			return false, nil
		}
		return false, fmt.Errorf("%w: activate phase: %v", ErrInternal, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected: %v", ErrInternal, err)
	}
	return rows == 1, nil
}

func (r *PhaseRepository) CreateAllocationTx(ctx context.Context, tx *sqlx.Tx, a *AllocationUnit) error {
	err := tx.QueryRowxContext(ctx, `
		INSERT INTO allocation_units (phase_id, buyer_id, unit_count, amount, status, source, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+allocationColumns,
		a.PhaseID, a.BuyerID, a.UnitCount, a.Amount, a.Status, a.Source, a.ResolvedAt,
	).StructScan(a)
	if err != nil {
		return fmt.Errorf("%w: insert allocation: %v", ErrInternal, err)
	}
	return nil
}

// ResolveAllocationTx moves a pending allocation to status. A concurrent
// resolver blocks on the row lock and then sees no pending row.
func (r *PhaseRepository) ResolveAllocationTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, status AllocationStatus, at time.Time) (*AllocationUnit, error) {
	var a AllocationUnit
	err := tx.QueryRowxContext(ctx, `
		UPDATE allocation_units
		SET status = $2, resolved_at = $3
		WHERE id = $1 AND status = 'pending'
		RETURNING `+allocationColumns,
		id, status, at,
	).StructScan(&a)
	if err == nil {
		return &a, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: resolve allocation: %v", ErrInternal, err)
	}

	var current AllocationStatus
	err = tx.GetContext(ctx, &current, `SELECT status FROM allocation_units WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAllocationNotFound
		}
		return nil, fmt.Errorf("%w: get allocation status: %v", ErrInternal, err)
	}
	return nil, fmt.Errorf("%w: allocation %s is %s", ErrInvalidState, id, current)
}

func (r *PhaseRepository) GetAllocation(ctx context.Context, id uuid.UUID) (*AllocationUnit, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var a AllocationUnit
	err := r.db.GetContext(ctx2, &a, `SELECT `+allocationColumns+` FROM allocation_units WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAllocationNotFound
		}
		return nil, fmt.Errorf("%w: get allocation: %v", ErrInternal, err)
	}
	return &a, nil
}

func (r *PhaseRepository) ListAllocationsByBuyer(ctx context.Context, buyerID uuid.UUID, limit, offset int) ([]AllocationUnit, int, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}

	var total int
	if err := r.db.GetContext(ctx2, &total, `SELECT COUNT(*) FROM allocation_units WHERE buyer_id = $1`, buyerID); err != nil {
		return nil, 0, fmt.Errorf("%w: count allocations: %v", ErrInternal, err)
	}

	items := make([]AllocationUnit, 0)
	err := r.db.SelectContext(ctx2, &items, `
		SELECT `+allocationColumns+`
		FROM allocation_units
		WHERE buyer_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, buyerID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: list allocations: %v", ErrInternal, err)
	}
	return items, total, nil
}

func (r *PhaseRepository) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]uuid.UUID, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	ids := make([]uuid.UUID, 0)
	err := r.db.SelectContext(ctx2, &ids, `
		SELECT id FROM allocation_units
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list stale allocations: %v", ErrInternal, err)
	}
	return ids, nil
}
