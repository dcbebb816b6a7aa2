package withdrawal

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Type string

const (
	TypeBalance    Type = "balance"
	TypeUnitRedeem Type = "unit_redeem"
)

type Status string

const (
	StatusPending       Status = "pending"
	StatusOutsideWindow Status = "outside_window"
	StatusQueued        Status = "queued"
	StatusProcessing    Status = "processing"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// activeStatuses hold a ledger reservation.
var activeStatuses = []Status{StatusPending, StatusOutsideWindow, StatusQueued, StatusProcessing}

// Request is a payout request for commission balance or redeemed units.
type Request struct {
	ID                  uuid.UUID       `db:"id" json:"id"`
	EarnerID            uuid.UUID       `db:"earner_id" json:"earner_id"`
	Type                Type            `db:"type" json:"type"`
	Amount              decimal.Decimal `db:"amount" json:"amount"`
	UnitQuantity        int64           `db:"unit_quantity" json:"unit_quantity"`
	Network             string          `db:"network" json:"network"`
	DestinationAddress  string          `db:"destination_address" json:"destination_address"`
	Status              Status          `db:"status" json:"status"`
	CompletionReference *string         `db:"completion_reference" json:"completion_reference,omitempty"`
	AdminID             *uuid.UUID      `db:"admin_id" json:"admin_id,omitempty"`
	Notes               *string         `db:"notes" json:"notes,omitempty"`
	RequestedAt         time.Time       `db:"requested_at" json:"requested_at"`
	QueuedAt            *time.Time      `db:"queued_at" json:"queued_at,omitempty"`
	ScheduledDate       *time.Time      `db:"scheduled_date" json:"scheduled_date,omitempty"`
	ProcessingStartedAt *time.Time      `db:"processing_started_at" json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updated_at"`
}

type QueueStatus string

const (
	QueueWaiting    QueueStatus = "waiting"
	QueueProcessing QueueStatus = "processing"
)

// QueueEntry orders queued requests for operators.
type QueueEntry struct {
	WithdrawalID  uuid.UUID   `db:"withdrawal_id" json:"withdrawal_id"`
	Position      int64       `db:"position" json:"position"`
	ScheduledDate time.Time   `db:"scheduled_date" json:"scheduled_date"`
	QueueStatus   QueueStatus `db:"queue_status" json:"queue_status"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
}

// QueueItem is a queue entry joined with its request.
type QueueItem struct {
	QueueEntry
	EarnerID           uuid.UUID       `db:"earner_id" json:"earner_id"`
	Type               Type            `db:"type" json:"type"`
	Amount             decimal.Decimal `db:"amount" json:"amount"`
	UnitQuantity       int64           `db:"unit_quantity" json:"unit_quantity"`
	Network            string          `db:"network" json:"network"`
	DestinationAddress string          `db:"destination_address" json:"destination_address"`
	Status             Status          `db:"status" json:"status"`
}

type SubmitInput struct {
	EarnerID           uuid.UUID
	Type               Type
	Amount             decimal.Decimal
	UnitQuantity       int64
	Network            string
	DestinationAddress string
}

type FinalizeInput struct {
	RequestID           uuid.UUID
	AdminID             uuid.UUID
	Outcome             Status
	CompletionReference string
	Notes               string
}

type ListFilter struct {
	Status   *Status
	EarnerID *uuid.UUID
	Limit    int
	Offset   int
}
