package phase

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Phase is a capped sale window. Rows are never deleted.
type Phase struct {
	ID                  uuid.UUID       `db:"id" json:"id"`
	Number              int             `db:"number" json:"number"`
	CapUnits            int64           `db:"cap_units" json:"cap_units"`
	UnitsSold           int64           `db:"units_sold" json:"units_sold"`
	UnitsPending        int64           `db:"units_pending" json:"units_pending"`
	UnitPrice           decimal.Decimal `db:"unit_price" json:"unit_price"`
	RevenueTotal        decimal.Decimal `db:"revenue_total" json:"revenue_total"`
	CommissionPaidTotal decimal.Decimal `db:"commission_paid_total" json:"commission_paid_total"`
	IsActive            bool            `db:"is_active" json:"is_active"`
	StartTime           *time.Time      `db:"start_time" json:"start_time,omitempty"`
	EndTime             *time.Time      `db:"end_time" json:"end_time,omitempty"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updated_at"`
}

// Remaining is the capacity not yet sold or held by pending allocations.
func (p *Phase) Remaining() int64 {
	r := p.CapUnits - p.UnitsSold - p.UnitsPending
	if r < 0 {
		return 0
	}
	return r
}

// IsSoldOut reports whether committed sales reached the cap.
func (p *Phase) IsSoldOut() bool {
	return p.UnitsSold >= p.CapUnits
}

type AllocationStatus string

const (
	AllocationPending   AllocationStatus = "pending"
	AllocationCompleted AllocationStatus = "completed"
	AllocationFailed    AllocationStatus = "failed"
)

type AllocationSource string

const (
	SourcePurchase AllocationSource = "purchase"
	SourceReinvest AllocationSource = "reinvest"
)

// AllocationUnit is a block of units bought by one buyer in one phase.
type AllocationUnit struct {
	ID         uuid.UUID        `db:"id" json:"id"`
	PhaseID    uuid.UUID        `db:"phase_id" json:"phase_id"`
	BuyerID    uuid.UUID        `db:"buyer_id" json:"buyer_id"`
	UnitCount  int64            `db:"unit_count" json:"unit_count"`
	Amount     decimal.Decimal  `db:"amount" json:"amount"`
	Status     AllocationStatus `db:"status" json:"status"`
	Source     AllocationSource `db:"source" json:"source"`
	CreatedAt  time.Time        `db:"created_at" json:"created_at"`
	ResolvedAt *time.Time       `db:"resolved_at" json:"resolved_at,omitempty"`
}

// Admission is the outcome of a capacity check.
type Admission struct {
	Admitted       bool  `json:"admitted"`
	AvailableUnits int64 `json:"available_units"`
}

// UnitCounts is a single snapshot of a phase's committed and pending units.
type UnitCounts struct {
	Committed int64 `db:"units_sold" json:"committed"`
	Pending   int64 `db:"units_pending" json:"pending"`
}

// Progress is the catalog view of the active phase.
type Progress struct {
	PhaseID      uuid.UUID       `json:"phase_id"`
	PhaseNumber  int             `json:"phase_number"`
	CapUnits     int64           `json:"cap_units"`
	UnitsSold    int64           `json:"units_sold"`
	UnitsPending int64           `json:"units_pending"`
	Remaining    int64           `json:"remaining"`
	PercentSold  decimal.Decimal `json:"percent_sold"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	StartTime    *time.Time      `json:"start_time,omitempty"`
	GeneratedAt  time.Time       `json:"generated_at"`
}

func progressFromPhase(p *Phase, now time.Time) *Progress {
	percent := decimal.Zero
	if p.CapUnits > 0 {
		percent = decimal.NewFromInt(p.UnitsSold).
			Mul(decimal.NewFromInt(100)).
			Div(decimal.NewFromInt(p.CapUnits)).
			Truncate(2)
	}
	return &Progress{
		PhaseID:      p.ID,
		PhaseNumber:  p.Number,
		CapUnits:     p.CapUnits,
		UnitsSold:    p.UnitsSold,
		UnitsPending: p.UnitsPending,
		Remaining:    p.Remaining(),
		PercentSold:  percent,
		UnitPrice:    p.UnitPrice,
		StartTime:    p.StartTime,
		GeneratedAt:  now,
	}
}

// SettledSale is handed to the commission ledger when an allocation completes.
type SettledSale struct {
	AllocationID uuid.UUID
	PhaseID      uuid.UUID
	BuyerID      uuid.UUID
	Units        int64
	Amount       decimal.Decimal
}

// CreatePhaseInput provisions the next phase in the lineage.
type CreatePhaseInput struct {
	Number    int             `json:"number" validate:"required,gt=0"`
	CapUnits  int64           `json:"cap_units" validate:"required,gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price" validate:"positive_amount"`
	Activate  bool            `json:"activate"`
}
