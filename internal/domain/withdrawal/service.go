package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/shareflow/shareflow-api/internal/domain/commission"
	"github.com/shareflow/shareflow-api/internal/pkg/address"
	"github.com/shareflow/shareflow-api/internal/pkg/database"
	"github.com/shareflow/shareflow-api/internal/pkg/metrics"
)

const reevaluateBatch = 200

// Ledger is the part of the commission ledger the scheduler may touch.
type Ledger interface {
	ReserveForWithdrawalTx(ctx context.Context, tx *sqlx.Tx, earnerID uuid.UUID, amount decimal.Decimal, units int64, meta commission.TxMeta) (*commission.Balance, error)
	ReleaseReservationTx(ctx context.Context, tx *sqlx.Tx, earnerID uuid.UUID, amount decimal.Decimal, units int64, meta commission.TxMeta) (*commission.Balance, error)
	DebitForWithdrawalTx(ctx context.Context, tx *sqlx.Tx, earnerID uuid.UUID, amount decimal.Decimal, units int64, meta commission.TxMeta) (*commission.Balance, error)
}

// AuditRecorder writes a permanent admin audit row inside tx.
type AuditRecorder interface {
	RecordTx(ctx context.Context, tx *sqlx.Tx, adminID uuid.UUID, action, entityType string, entityID uuid.UUID, oldValue, newValue interface{}, reason string) error
}

type Service struct {
	db        *sqlx.DB
	repo      Repository
	ledger    Ledger
	audit     AuditRecorder
	window    *Window
	minAmount decimal.Decimal
	now       func() time.Time
}

func NewService(db *sqlx.DB, repo Repository, ledger Ledger, window *Window, minAmount decimal.Decimal) *Service {
	if window == nil {
		window = AlwaysOpen()
	}
	return &Service{
		db:        db,
		repo:      repo,
		ledger:    ledger,
		window:    window,
		minAmount: minAmount,
		now:       time.Now,
	}
}

func (s *Service) SetAuditRecorder(audit AuditRecorder) {
	s.audit = audit
}

func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Window exposes the configured processing window.
func (s *Service) Window() *Window {
	return s.window
}

func ledgerMeta(req *Request, description string) commission.TxMeta {
	return commission.TxMeta{
		RelatedEntityType: "withdrawal_request",
		RelatedEntityID:   req.ID,
		Description:       description,
	}
}

func (s *Service) validate(in *SubmitInput) error {
	switch in.Type {
	case TypeBalance:
		if in.UnitQuantity != 0 || !in.Amount.IsPositive() {
			return ErrInvalidAmount
		}
		if !in.Amount.Equal(in.Amount.Truncate(2)) {
			return fmt.Errorf("%w: more than two decimal places", ErrInvalidAmount)
		}
		if in.Amount.LessThan(s.minAmount) {
			return fmt.Errorf("%w: minimum is %s", ErrBelowMinimum, s.minAmount.StringFixed(2))
		}
	case TypeUnitRedeem:
		if in.UnitQuantity <= 0 || !in.Amount.IsZero() {
			return ErrInvalidAmount
		}
	default:
		return ErrInvalidType
	}

	canonical, err := address.Validate(address.Network(in.Network), in.DestinationAddress)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	in.DestinationAddress = canonical
	return nil
}

// Submit reserves the requested funds and places the request in the queue,
// or parks it until the next window opening.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*Request, error) {
	if err := s.validate(&in); err != nil {
		return nil, err
	}

	now := s.now()
	var req *Request
	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		req = &Request{
			EarnerID:           in.EarnerID,
			Type:               in.Type,
			Amount:             in.Amount,
			UnitQuantity:       in.UnitQuantity,
			Network:            in.Network,
			DestinationAddress: in.DestinationAddress,
		}
		if err := s.repo.CreateTx(ctx, tx, req); err != nil {
			return err
		}

		_, err := s.ledger.ReserveForWithdrawalTx(ctx, tx, req.EarnerID, req.Amount, req.UnitQuantity,
			ledgerMeta(req, "withdrawal requested"))
		if err != nil {
			return err
		}

		req, err = s.enqueueTx(ctx, tx, req, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordWithdrawal(string(req.Status))
	log.Info().
		Str("request_id", req.ID.String()).
		Str("earner_id", req.EarnerID.String()).
		Str("status", string(req.Status)).
		Msg("withdrawal submitted")

	return req, nil
}

// enqueueTx queues req when the window is open, otherwise parks it as
// outside_window with the next opening as its scheduled date.
func (s *Service) enqueueTx(ctx context.Context, tx *sqlx.Tx, req *Request, now time.Time) (*Request, error) {
	if !s.window.Contains(now) {
		if req.Status == StatusOutsideWindow {
			return req, nil
		}
		return s.repo.MarkOutsideWindowTx(ctx, tx, req.ID, s.window.NextOpen(now))
	}

	queued, err := s.repo.MarkQueuedTx(ctx, tx, req.ID, now)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.InsertQueueEntryTx(ctx, tx, req.ID, now); err != nil {
		return nil, err
	}
	return queued, nil
}

// Enqueue places a pending or parked request according to the window.
func (s *Service) Enqueue(ctx context.Context, requestID uuid.UUID) (*Request, error) {
	now := s.now()
	var req *Request
	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		current, err := s.repo.GetForUpdateTx(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if current.Status != StatusPending && current.Status != StatusOutsideWindow {
			return fmt.Errorf("%w: request is %s", ErrInvalidState, current.Status)
		}

		req, err = s.enqueueTx(ctx, tx, current, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordWithdrawal(string(req.Status))
	return req, nil
}

// ReevaluateOutsideWindow queues parked requests whose opening has come.
func (s *Service) ReevaluateOutsideWindow(ctx context.Context) (int, error) {
	now := s.now()
	if !s.window.Contains(now) {
		return 0, nil
	}

	ids, err := s.repo.ListDueOutsideWindow(ctx, now, reevaluateBatch)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, id := range ids {
		req, err := s.Enqueue(ctx, id)
		if err != nil {
			if errors.Is(err, ErrInvalidState) {
				continue
			}
			return queued, err
		}
		if req.Status == StatusQueued {
			queued++
		}
	}

	if queued > 0 {
		log.Info().Int("count", queued).Msg("parked withdrawals queued")
	}
	return queued, nil
}

// BeginProcessing hands a queued request to an operator. Only allowed while
// the window is open.
func (s *Service) BeginProcessing(ctx context.Context, requestID, adminID uuid.UUID) (*Request, error) {
	now := s.now()
	if !s.window.Contains(now) {
		return nil, fmt.Errorf("%w: next opening %s", ErrOutsideWindow, s.window.NextOpen(now).Format(time.RFC3339))
	}

	var req *Request
	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		current, err := s.repo.GetForUpdateTx(ctx, tx, requestID)
		if err != nil {
			return err
		}

		req, err = s.repo.MarkProcessingTx(ctx, tx, requestID, adminID, now)
		if err != nil {
			if errors.Is(err, ErrInvalidState) {
				return fmt.Errorf("%w: request is %s", ErrInvalidState, current.Status)
			}
			return err
		}

		if err := s.repo.SetQueueStatusTx(ctx, tx, requestID, QueueProcessing); err != nil {
			return err
		}
		return s.recordAudit(ctx, tx, adminID, "withdrawal.begin_processing", req.ID,
			map[string]interface{}{"status": current.Status},
			map[string]interface{}{"status": req.Status}, "")
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordWithdrawal(string(req.Status))
	return req, nil
}

// Finalize closes a request. Completing requires a non-blank completion
// reference and debits the reservation; failing or cancelling releases it.
// The ledger movement, the status change and the audit row share one
// transaction.
func (s *Service) Finalize(ctx context.Context, in FinalizeInput) (*Request, error) {
	reference := strings.TrimSpace(in.CompletionReference)
	switch in.Outcome {
	case StatusCompleted:
		if reference == "" {
			return nil, ErrMissingProof
		}
	case StatusFailed, StatusCancelled:
	default:
		return nil, ErrInvalidOutcome
	}

	now := s.now()
	var req *Request
	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		current, err := s.repo.GetForUpdateTx(ctx, tx, in.RequestID)
		if err != nil {
			return err
		}
		if !canFinalize(current.Status, in.Outcome) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidState, current.Status, in.Outcome)
		}

		if in.Outcome == StatusCompleted {
			_, err = s.ledger.DebitForWithdrawalTx(ctx, tx, current.EarnerID, current.Amount, current.UnitQuantity,
				ledgerMeta(current, "withdrawal completed: "+reference))
		} else {
			_, err = s.ledger.ReleaseReservationTx(ctx, tx, current.EarnerID, current.Amount, current.UnitQuantity,
				ledgerMeta(current, "withdrawal "+string(in.Outcome)))
		}
		if err != nil {
			return err
		}

		var refPtr, notesPtr *string
		if reference != "" {
			refPtr = &reference
		}
		if in.Notes != "" {
			notesPtr = &in.Notes
		}
		adminID := in.AdminID
		req, err = s.repo.CloseTx(ctx, tx, current.ID, in.Outcome, refPtr, &adminID, notesPtr, now)
		if err != nil {
			return err
		}

		if err := s.repo.DeleteQueueEntryTx(ctx, tx, current.ID); err != nil {
			return err
		}

		return s.recordAudit(ctx, tx, in.AdminID, "withdrawal."+string(in.Outcome), current.ID,
			map[string]interface{}{"status": current.Status},
			map[string]interface{}{"status": req.Status, "completion_reference": reference},
			in.Notes)
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordWithdrawal(string(req.Status))
	log.Info().
		Str("request_id", req.ID.String()).
		Str("admin_id", in.AdminID.String()).
		Str("status", string(req.Status)).
		Msg("withdrawal finalized")

	return req, nil
}

// canFinalize: completion and failure need a request in processing; an
// admin may cancel anything not yet terminal.
func canFinalize(from, outcome Status) bool {
	if from.IsTerminal() {
		return false
	}
	if outcome == StatusCancelled {
		return true
	}
	return from == StatusProcessing
}

// OnProofReceived completes a request once the operator reports the payout
// reference.
func (s *Service) OnProofReceived(ctx context.Context, requestID, adminID uuid.UUID, reference string) (*Request, error) {
	return s.Finalize(ctx, FinalizeInput{
		RequestID:           requestID,
		AdminID:             adminID,
		Outcome:             StatusCompleted,
		CompletionReference: reference,
	})
}

// Cancel lets the owner withdraw a request until processing starts.
func (s *Service) Cancel(ctx context.Context, requestID, earnerID uuid.UUID) (*Request, error) {
	now := s.now()
	var req *Request
	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		current, err := s.repo.GetForUpdateTx(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if current.EarnerID != earnerID {
			return ErrNotFound
		}
		switch current.Status {
		case StatusPending, StatusOutsideWindow, StatusQueued:
		default:
			return fmt.Errorf("%w: request is %s", ErrInvalidState, current.Status)
		}

		_, err = s.ledger.ReleaseReservationTx(ctx, tx, current.EarnerID, current.Amount, current.UnitQuantity,
			ledgerMeta(current, "withdrawal cancelled by owner"))
		if err != nil {
			return err
		}

		req, err = s.repo.CloseTx(ctx, tx, current.ID, StatusCancelled, nil, nil, nil, now)
		if err != nil {
			return err
		}
		return s.repo.DeleteQueueEntryTx(ctx, tx, current.ID)
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordWithdrawal(string(req.Status))
	return req, nil
}

func (s *Service) recordAudit(ctx context.Context, tx *sqlx.Tx, adminID uuid.UUID, action string, entityID uuid.UUID, oldValue, newValue interface{}, reason string) error {
	if s.audit == nil {
		return nil
	}
	return s.audit.RecordTx(ctx, tx, adminID, action, "withdrawal_request", entityID, oldValue, newValue, reason)
}

// History lists an earner's requests, newest first.
func (s *Service) History(ctx context.Context, earnerID uuid.UUID, limit, offset int) ([]Request, error) {
	return s.repo.ListByEarner(ctx, earnerID, limit, offset)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Request, error) {
	return s.repo.GetByID(ctx, id)
}

// GetForEarner hides requests of other earners behind ErrNotFound.
func (s *Service) GetForEarner(ctx context.Context, id, earnerID uuid.UUID) (*Request, error) {
	req, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.EarnerID != earnerID {
		return nil, ErrNotFound
	}
	return req, nil
}

func (s *Service) Queue(ctx context.Context) ([]QueueItem, error) {
	return s.repo.ListQueue(ctx)
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]Request, int, error) {
	return s.repo.List(ctx, filter)
}
