package phase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/shareflow/shareflow-api/internal/pkg/database"
	"github.com/shareflow/shareflow-api/internal/pkg/metrics"
)

const staleSweepBatch = 500

// SaleSettler books the ledger side of a completed sale inside the caller's
// transaction.
type SaleSettler interface {
	SettleSaleTx(ctx context.Context, tx *sqlx.Tx, sale SettledSale) error
}

// AuditRecorder writes a permanent admin audit row inside tx.
type AuditRecorder interface {
	RecordTx(ctx context.Context, tx *sqlx.Tx, adminID uuid.UUID, action, entityType string, entityID uuid.UUID, oldValue, newValue interface{}, reason string) error
}

type Service struct {
	db      *sqlx.DB
	repo    Repository
	settler SaleSettler
	audit   AuditRecorder
	cache   ProgressCache
	now     func() time.Time
}

func NewService(db *sqlx.DB, repo Repository, cache ProgressCache) *Service {
	if cache == nil {
		cache = noopCache{}
	}
	return &Service{
		db:    db,
		repo:  repo,
		cache: cache,
		now:   time.Now,
	}
}

// SetSaleSettler wires the commission ledger. The ledger itself depends on
// this service for reinvestment, so it cannot be a constructor argument.
func (s *Service) SetSaleSettler(settler SaleSettler) {
	s.settler = settler
}

func (s *Service) SetAuditRecorder(audit AuditRecorder) {
	s.audit = audit
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// CurrentPhase returns the single active phase.
func (s *Service) CurrentPhase(ctx context.Context) (*Phase, error) {
	return s.repo.GetActive(ctx)
}

func (s *Service) GetPhase(ctx context.Context, id uuid.UUID) (*Phase, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListPhases(ctx context.Context) ([]Phase, error) {
	return s.repo.List(ctx)
}

func (s *Service) UnitCounts(ctx context.Context, phaseID uuid.UUID) (UnitCounts, error) {
	return s.repo.UnitCounts(ctx, phaseID)
}

func (s *Service) CommittedUnits(ctx context.Context, phaseID uuid.UUID) (int64, error) {
	c, err := s.repo.UnitCounts(ctx, phaseID)
	if err != nil {
		return 0, err
	}
	return c.Committed, nil
}

func (s *Service) PendingUnits(ctx context.Context, phaseID uuid.UUID) (int64, error) {
	c, err := s.repo.UnitCounts(ctx, phaseID)
	if err != nil {
		return 0, err
	}
	return c.Pending, nil
}

// AdmitPurchaseTx reserves units on phaseID as pending. The caller must
// create the allocation unit in the same transaction.
func (s *Service) AdmitPurchaseTx(ctx context.Context, tx *sqlx.Tx, phaseID uuid.UUID, units int64) (Admission, error) {
	if units <= 0 {
		return Admission{}, ErrInvalidUnits
	}

	available, admitted, err := s.repo.AdmitTx(ctx, tx, phaseID, units)
	if err != nil {
		return Admission{}, err
	}
	if admitted {
		metrics.RecordAdmission("admitted")
		return Admission{Admitted: true, AvailableUnits: available}, nil
	}

	p, err := s.repo.GetByIDTx(ctx, tx, phaseID)
	if err != nil {
		return Admission{}, err
	}
	if !p.IsActive {
		metrics.RecordAdmission("closed")
		return Admission{}, fmt.Errorf("%w: phase %d", ErrPhaseClosed, p.Number)
	}

	metrics.RecordAdmission("insufficient_capacity")
	return Admission{AvailableUnits: p.Remaining()},
		fmt.Errorf("%w: requested %d, available %d", ErrInsufficientCapacity, units, p.Remaining())
}

// Purchase admits units on the active phase and records a pending allocation.
func (s *Service) Purchase(ctx context.Context, buyerID uuid.UUID, units int64) (*AllocationUnit, error) {
	if units <= 0 {
		return nil, ErrInvalidUnits
	}

	var alloc *AllocationUnit
	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		p, err := s.repo.GetActiveTx(ctx, tx)
		if err != nil {
			return err
		}

		if _, err := s.AdmitPurchaseTx(ctx, tx, p.ID, units); err != nil {
			return err
		}

		alloc = &AllocationUnit{
			PhaseID:   p.ID,
			BuyerID:   buyerID,
			UnitCount: units,
			Amount:    p.UnitPrice.Mul(decimal.NewFromInt(units)),
			Status:    AllocationPending,
			Source:    SourcePurchase,
		}
		return s.repo.CreateAllocationTx(ctx, tx, alloc)
	})
	if err != nil {
		return nil, err
	}

	s.cache.Invalidate(ctx)

	log.Info().
		Str("allocation_id", alloc.ID.String()).
		Str("buyer_id", buyerID.String()).
		Int64("units", units).
		Msg("allocation admitted")

	return alloc, nil
}

// RecordSaleOutcome resolves a pending allocation. A completed sale moves its
// units from pending to sold and settles commissions in the same
// transaction; a failed sale releases the pending units.
func (s *Service) RecordSaleOutcome(ctx context.Context, allocationID uuid.UUID, status AllocationStatus) (*AllocationUnit, error) {
	alloc, err := s.resolve(ctx, allocationID, status)
	if err != nil {
		return nil, err
	}

	if status == AllocationCompleted {
		if _, err := s.checkCompletion(ctx, alloc.PhaseID, "sale"); err != nil {
			log.Error().Err(err).
				Str("phase_id", alloc.PhaseID.String()).
				Msg("phase completion check failed")
		}
	}

	return alloc, nil
}

func (s *Service) resolve(ctx context.Context, allocationID uuid.UUID, status AllocationStatus) (*AllocationUnit, error) {
	if status != AllocationCompleted && status != AllocationFailed {
		return nil, ErrInvalidStatus
	}

	var alloc *AllocationUnit
	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		a, err := s.repo.ResolveAllocationTx(ctx, tx, allocationID, status, s.now())
		if err != nil {
			return err
		}

		if status == AllocationFailed {
			if err := s.repo.ReleaseUnitsTx(ctx, tx, a.PhaseID, a.UnitCount); err != nil {
				return err
			}
			alloc = a
			return nil
		}

		// Balance rows are locked before the phase row, the same order
		// activation and reinvestment use.
		if s.settler != nil {
			err := s.settler.SettleSaleTx(ctx, tx, SettledSale{
				AllocationID: a.ID,
				PhaseID:      a.PhaseID,
				BuyerID:      a.BuyerID,
				Units:        a.UnitCount,
				Amount:       a.Amount,
			})
			if err != nil {
				return err
			}
		}
		if err := s.repo.CommitUnitsTx(ctx, tx, a.PhaseID, a.UnitCount, a.Amount); err != nil {
			return err
		}
		alloc = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordSaleOutcome(string(status))
	s.cache.Invalidate(ctx)

	log.Info().
		Str("allocation_id", alloc.ID.String()).
		Str("status", string(status)).
		Int64("units", alloc.UnitCount).
		Msg("sale outcome recorded")

	return alloc, nil
}

// CheckPhaseCompletion advances the phase when its committed units reached
// the cap. It reports whether an advance happened.
func (s *Service) CheckPhaseCompletion(ctx context.Context, phaseID uuid.UUID) (bool, error) {
	return s.checkCompletion(ctx, phaseID, "check")
}

func (s *Service) checkCompletion(ctx context.Context, phaseID uuid.UUID, trigger string) (bool, error) {
	p, err := s.repo.GetByID(ctx, phaseID)
	if err != nil {
		return false, err
	}
	if !p.IsActive || !p.IsSoldOut() {
		return false, nil
	}

	if err := s.advance(ctx, p.Number, trigger); err != nil {
		return false, err
	}
	return true, nil
}

// AdvancePhase closes phase fromNumber and opens fromNumber+1 atomically.
func (s *Service) AdvancePhase(ctx context.Context, fromNumber int) error {
	return s.advance(ctx, fromNumber, "manual")
}

func (s *Service) advance(ctx context.Context, fromNumber int, trigger string) error {
	now := s.now()
	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		ok, err := s.repo.DeactivateTx(ctx, tx, fromNumber, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: phase %d is not active", ErrPhaseSequence, fromNumber)
		}

		ok, err = s.repo.ActivateTx(ctx, tx, fromNumber+1, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: phase %d cannot be activated", ErrPhaseSequence, fromNumber+1)
		}
		return nil
	})
	metrics.RecordPhaseAdvance(trigger, err)
	if err != nil {
		log.Error().Err(err).
			Int("from", fromNumber).
			Str("trigger", trigger).
			Msg("phase advance failed")
		return err
	}

	s.cache.Invalidate(ctx)

	log.Info().
		Int("from", fromNumber).
		Int("to", fromNumber+1).
		Str("trigger", trigger).
		Msg("phase advanced")
	return nil
}

// ManualAdvance makes targetNumber the active phase regardless of sales.
func (s *Service) ManualAdvance(ctx context.Context, targetNumber int, adminID uuid.UUID, reason string) (*Phase, error) {
	now := s.now()

	var target *Phase
	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		previous, err := s.repo.GetActiveTx(ctx, tx)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		if err := s.repo.DeactivateAllTx(ctx, tx, now); err != nil {
			return err
		}

		ok, err := s.repo.ActivateTx(ctx, tx, targetNumber, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: phase %d does not exist", ErrPhaseSequence, targetNumber)
		}

		target, err = s.repo.GetByNumberTx(ctx, tx, targetNumber)
		if err != nil {
			return err
		}

		if s.audit == nil {
			return nil
		}
		var oldValue interface{}
		if previous != nil {
			oldValue = map[string]interface{}{"active_phase": previous.Number}
		}
		return s.audit.RecordTx(ctx, tx, adminID, "phase.manual_advance", "phase", target.ID,
			oldValue, map[string]interface{}{"active_phase": targetNumber}, reason)
	})
	metrics.RecordPhaseAdvance("admin", err)
	if err != nil {
		return nil, err
	}

	s.cache.Invalidate(ctx)

	log.Info().
		Int("to", targetNumber).
		Str("admin_id", adminID.String()).
		Msg("phase advanced manually")

	return target, nil
}

// CreatePhase appends a phase to the lineage, optionally activating it when
// no other phase is active.
func (s *Service) CreatePhase(ctx context.Context, input CreatePhaseInput, adminID uuid.UUID) (*Phase, error) {
	if input.CapUnits <= 0 {
		return nil, ErrInvalidUnits
	}
	if !input.UnitPrice.IsPositive() {
		return nil, ErrInvalidAmount
	}

	now := s.now()
	p := &Phase{
		Number:    input.Number,
		CapUnits:  input.CapUnits,
		UnitPrice: input.UnitPrice.Truncate(2),
	}

	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		maxNumber, err := s.repo.MaxNumberTx(ctx, tx)
		if err != nil {
			return err
		}
		if input.Number <= maxNumber {
			return fmt.Errorf("%w: %d <= %d", ErrPhaseNumberTaken, input.Number, maxNumber)
		}

		if err := s.repo.CreateTx(ctx, tx, p); err != nil {
			return err
		}

		if input.Activate {
			ok, err := s.repo.ActivateTx(ctx, tx, p.Number, now)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: another phase is active", ErrPhaseSequence)
			}
			p.IsActive = true
			p.StartTime = &now
		}

		if s.audit == nil {
			return nil
		}
		return s.audit.RecordTx(ctx, tx, adminID, "phase.create", "phase", p.ID, nil, p, "")
	})
	if err != nil {
		return nil, err
	}

	s.cache.Invalidate(ctx)
	return p, nil
}

// ExpireStalePending fails pending allocations created before now-olderThan,
// returning their capacity to the phase.
func (s *Service) ExpireStalePending(ctx context.Context, olderThan time.Duration) (int, error) {
	ids, err := s.repo.ListStalePending(ctx, s.now().Add(-olderThan), staleSweepBatch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		if _, err := s.resolve(ctx, id, AllocationFailed); err != nil {
			if errors.Is(err, ErrInvalidState) {
				continue
			}
			return expired, err
		}
		expired++
	}

	if expired > 0 {
		log.Info().Int("count", expired).Msg("stale allocations expired")
	}
	return expired, nil
}

// ReconcileActive retries the completion check on the active phase.
func (s *Service) ReconcileActive(ctx context.Context) (bool, error) {
	p, err := s.repo.GetActive(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return s.checkCompletion(ctx, p.ID, "sweep")
}

// Progress returns the active phase snapshot, served from cache when fresh.
func (s *Service) Progress(ctx context.Context) (*Progress, error) {
	cached, generation, ok := s.cache.Get(ctx)
	if ok {
		return cached, nil
	}

	p, err := s.repo.GetActive(ctx)
	if err != nil {
		return nil, err
	}

	progress := progressFromPhase(p, s.now())
	s.cache.Set(ctx, generation, progress)
	return progress, nil
}

// AllocateFromBalanceTx buys units on the active phase with funds the caller
// already debited in tx. The allocation is completed immediately.
func (s *Service) AllocateFromBalanceTx(ctx context.Context, tx *sqlx.Tx, buyerID uuid.UUID, units int64, amount decimal.Decimal) (*AllocationUnit, error) {
	if units <= 0 {
		return nil, ErrInvalidUnits
	}

	p, err := s.repo.GetActiveTx(ctx, tx)
	if err != nil {
		return nil, err
	}

	expected := p.UnitPrice.Mul(decimal.NewFromInt(units))
	if !amount.Equal(expected) {
		return nil, fmt.Errorf("%w: %d units cost %s", ErrInvalidAmount, units, expected.StringFixed(2))
	}

	if _, err := s.AdmitPurchaseTx(ctx, tx, p.ID, units); err != nil {
		return nil, err
	}

	now := s.now()
	alloc := &AllocationUnit{
		PhaseID:    p.ID,
		BuyerID:    buyerID,
		UnitCount:  units,
		Amount:     expected,
		Status:     AllocationCompleted,
		Source:     SourceReinvest,
		ResolvedAt: &now,
	}
	if err := s.repo.CreateAllocationTx(ctx, tx, alloc); err != nil {
		return nil, err
	}
	if err := s.repo.CommitUnitsTx(ctx, tx, p.ID, units, expected); err != nil {
		return nil, err
	}
	return alloc, nil
}

func (s *Service) GetAllocation(ctx context.Context, id uuid.UUID) (*AllocationUnit, error) {
	return s.repo.GetAllocation(ctx, id)
}

func (s *Service) ListByBuyer(ctx context.Context, buyerID uuid.UUID, limit, offset int) ([]AllocationUnit, int, error) {
	return s.repo.ListAllocationsByBuyer(ctx, buyerID, limit, offset)
}
