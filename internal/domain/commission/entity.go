package commission

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/shareflow/shareflow-api/internal/domain/phase"
)

type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryPaid      EntryStatus = "paid"
	EntryCancelled EntryStatus = "cancelled"
)

// Entry is one referral commission earned on one allocation.
type Entry struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	EarnerID         uuid.UUID       `db:"earner_id" json:"earner_id"`
	SourceBuyerID    uuid.UUID       `db:"source_buyer_id" json:"source_buyer_id"`
	AllocationUnitID uuid.UUID       `db:"allocation_unit_id" json:"allocation_unit_id"`
	PhaseID          uuid.UUID       `db:"phase_id" json:"phase_id"`
	Level            int             `db:"level" json:"level"`
	Amount           decimal.Decimal `db:"amount" json:"amount"`
	Percentage       decimal.Decimal `db:"percentage" json:"percentage"`
	Status           EntryStatus     `db:"status" json:"status"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	ActivatedAt      *time.Time      `db:"activated_at" json:"activated_at,omitempty"`
	CancelledAt      *time.Time      `db:"cancelled_at" json:"cancelled_at,omitempty"`
}

// Balance is the ledger head for one earner.
type Balance struct {
	EarnerID         uuid.UUID       `db:"earner_id" json:"earner_id"`
	TotalEarned      decimal.Decimal `db:"total_earned" json:"total_earned"`
	PendingBalance   decimal.Decimal `db:"pending_balance" json:"pending_balance"`
	AvailableBalance decimal.Decimal `db:"available_balance" json:"available_balance"`
	ReservedBalance  decimal.Decimal `db:"reserved_balance" json:"reserved_balance"`
	TotalWithdrawn   decimal.Decimal `db:"total_withdrawn" json:"total_withdrawn"`
	TotalReinvested  decimal.Decimal `db:"total_reinvested" json:"total_reinvested"`
	TotalUnits       int64           `db:"total_units" json:"total_units"`
	AvailableUnits   int64           `db:"available_units" json:"available_units"`
	ReservedUnits    int64           `db:"reserved_units" json:"reserved_units"`
	RedeemedUnits    int64           `db:"redeemed_units" json:"redeemed_units"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// IsReconciled checks the head invariants.
func (b *Balance) IsReconciled() bool {
	sum := b.PendingBalance.
		Add(b.AvailableBalance).
		Add(b.ReservedBalance).
		Add(b.TotalWithdrawn).
		Add(b.TotalReinvested)
	return b.TotalEarned.Equal(sum) &&
		b.TotalUnits == b.AvailableUnits+b.ReservedUnits+b.RedeemedUnits
}

func emptyBalance(earnerID uuid.UUID) *Balance {
	return &Balance{EarnerID: earnerID}
}

type TxType string

const (
	TxCommissionRecorded  TxType = "commission_recorded"
	TxCommissionActivated TxType = "commission_activated"
	TxCommissionCancelled TxType = "commission_cancelled"
	TxWithdrawalReserved  TxType = "withdrawal_reserved"
	TxWithdrawalReleased  TxType = "withdrawal_released"
	TxWithdrawalDebited   TxType = "withdrawal_debited"
	TxReinvested          TxType = "reinvested"
	TxUnitsAcquired       TxType = "units_acquired"
)

// Transaction is a journal row. Amount and UnitCount are magnitudes; TxType
// gives the direction.
type Transaction struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	EarnerID          uuid.UUID       `db:"earner_id" json:"earner_id"`
	Amount            decimal.Decimal `db:"amount" json:"amount"`
	UnitCount         int64           `db:"unit_count" json:"unit_count"`
	TxType            TxType          `db:"tx_type" json:"tx_type"`
	RelatedEntityType *string         `db:"related_entity_type" json:"related_entity_type,omitempty"`
	RelatedEntityID   *uuid.UUID      `db:"related_entity_id" json:"related_entity_id,omitempty"`
	Description       string          `db:"description" json:"description"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
}

// TxMeta links a journal row to the entity that caused it.
type TxMeta struct {
	RelatedEntityType string
	RelatedEntityID   uuid.UUID
	Description       string
}

// RecordInput describes one commission to book.
type RecordInput struct {
	AllocationUnitID uuid.UUID
	EarnerID         uuid.UUID
	SourceBuyerID    uuid.UUID
	PhaseID          uuid.UUID
	BaseAmount       decimal.Decimal
	Percentage       decimal.Decimal
	Level            int
}

// ActivationCriteria selects pending entries either by id or by age.
type ActivationCriteria struct {
	IDs       []uuid.UUID
	OlderThan time.Duration
}

type Upline struct {
	EarnerID uuid.UUID `db:"earner_id"`
	Level    int       `db:"level"`
}

type Pagination struct {
	Limit  int
	Offset int
}

type EntryFilter struct {
	Status *EntryStatus
	Pagination
}

// ReinvestResult is returned by CreditForReinvestment.
type ReinvestResult struct {
	Allocation *phase.AllocationUnit `json:"allocation"`
	Balance    *Balance              `json:"balance"`
}

// ReconcileReport compares the head row with totals folded from detail rows.
type ReconcileReport struct {
	EarnerID   uuid.UUID `json:"earner_id"`
	Head       *Balance  `json:"head"`
	Computed   *Balance  `json:"computed"`
	Mismatches []string  `json:"mismatches"`
	Reconciled bool      `json:"reconciled"`
}

// CommissionAmount is base × percentage / 100, truncated to cents.
func CommissionAmount(base, percentage decimal.Decimal) decimal.Decimal {
	return base.Mul(percentage).Div(decimal.NewFromInt(100)).Truncate(2)
}
