package commission

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/shareflow/shareflow-api/internal/domain/phase"
	"github.com/shareflow/shareflow-api/internal/pkg/database"
	"github.com/shareflow/shareflow-api/internal/pkg/metrics"
)

const activationBatch = 1000

// CapacityAllocator buys phase units for reinvested balance.
type CapacityAllocator interface {
	AllocateFromBalanceTx(ctx context.Context, tx *sqlx.Tx, buyerID uuid.UUID, units int64, amount decimal.Decimal) (*phase.AllocationUnit, error)
	CheckPhaseCompletion(ctx context.Context, phaseID uuid.UUID) (bool, error)
}

// AuditRecorder writes a permanent admin audit row inside tx.
type AuditRecorder interface {
	RecordTx(ctx context.Context, tx *sqlx.Tx, adminID uuid.UUID, action, entityType string, entityID uuid.UUID, oldValue, newValue interface{}, reason string) error
}

type Service struct {
	db        *sqlx.DB
	repo      Repository
	levels    []decimal.Decimal
	allocator CapacityAllocator
	audit     AuditRecorder
	now       func() time.Time
}

// NewService creates the ledger. levels holds the commission percentage
// paid to each referral level, level 1 first.
func NewService(db *sqlx.DB, repo Repository, levels []decimal.Decimal) *Service {
	return &Service{
		db:     db,
		repo:   repo,
		levels: levels,
		now:    time.Now,
	}
}

func (s *Service) SetCapacityAllocator(allocator CapacityAllocator) {
	s.allocator = allocator
}

func (s *Service) SetAuditRecorder(audit AuditRecorder) {
	s.audit = audit
}

func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Levels returns the configured percentage per referral level.
func (s *Service) Levels() []decimal.Decimal {
	return append([]decimal.Decimal(nil), s.levels...)
}

// RecordCommission books one pending commission and credits the earner's
// pending balance in one transaction.
func (s *Service) RecordCommission(ctx context.Context, in RecordInput) (*Entry, error) {
	var entry *Entry
	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := s.repo.EnsureBalancesTx(ctx, tx, []uuid.UUID{in.EarnerID}); err != nil {
			return err
		}
		if err := s.repo.LockBalancesTx(ctx, tx, []uuid.UUID{in.EarnerID}); err != nil {
			return err
		}

		var err error
		entry, err = s.recordTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordCommissions(string(EntryPending), 1)
	return entry, nil
}

// recordTx expects the earner's head row to exist and be locked.
func (s *Service) recordTx(ctx context.Context, tx *sqlx.Tx, in RecordInput) (*Entry, error) {
	if in.Percentage.IsNegative() || in.Percentage.GreaterThan(decimal.NewFromInt(100)) {
		return nil, ErrInvalidPercentage
	}
	if in.BaseAmount.IsNegative() {
		return nil, ErrInvalidAmount
	}
	if in.Level <= 0 {
		in.Level = 1
	}

	entry := &Entry{
		EarnerID:         in.EarnerID,
		SourceBuyerID:    in.SourceBuyerID,
		AllocationUnitID: in.AllocationUnitID,
		PhaseID:          in.PhaseID,
		Level:            in.Level,
		Amount:           CommissionAmount(in.BaseAmount, in.Percentage),
		Percentage:       in.Percentage,
	}
	if err := s.repo.InsertEntryTx(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := s.repo.CreditPendingTx(ctx, tx, in.EarnerID, entry.Amount); err != nil {
		return nil, err
	}

	err := s.repo.InsertTransactionTx(ctx, tx, in.EarnerID, entry.Amount, 0, TxCommissionRecorded, TxMeta{
		RelatedEntityType: "commission_entry",
		RelatedEntityID:   entry.ID,
		Description:       fmt.Sprintf("level %d commission on allocation %s", entry.Level, entry.AllocationUnitID),
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// SettleSaleTx credits the buyer with the purchased units and records one
// commission per configured level of the buyer's upline.
func (s *Service) SettleSaleTx(ctx context.Context, tx *sqlx.Tx, sale phase.SettledSale) error {
	upline, err := s.repo.UplineTx(ctx, tx, sale.BuyerID, len(s.levels))
	if err != nil {
		return err
	}

	seen := map[uuid.UUID]bool{sale.BuyerID: true}
	earners := make([]Upline, 0, len(upline))
	for _, u := range upline {
		if seen[u.EarnerID] || u.Level > len(s.levels) {
			continue
		}
		seen[u.EarnerID] = true
		earners = append(earners, u)
	}

	ids := make([]uuid.UUID, 0, len(earners)+1)
	ids = append(ids, sale.BuyerID)
	for _, e := range earners {
		ids = append(ids, e.EarnerID)
	}
	sortIDs(ids)

	if err := s.repo.EnsureBalancesTx(ctx, tx, ids); err != nil {
		return err
	}
	if err := s.repo.LockBalancesTx(ctx, tx, ids); err != nil {
		return err
	}

	if err := s.repo.CreditUnitsTx(ctx, tx, sale.BuyerID, sale.Units); err != nil {
		return err
	}
	err = s.repo.InsertTransactionTx(ctx, tx, sale.BuyerID, sale.Amount, sale.Units, TxUnitsAcquired, TxMeta{
		RelatedEntityType: "allocation_unit",
		RelatedEntityID:   sale.AllocationID,
		Description:       fmt.Sprintf("%d units purchased", sale.Units),
	})
	if err != nil {
		return err
	}

	recorded := 0
	for _, e := range earners {
		pct := s.levels[e.Level-1]
		if pct.IsZero() {
			continue
		}
		_, err := s.recordTx(ctx, tx, RecordInput{
			AllocationUnitID: sale.AllocationID,
			EarnerID:         e.EarnerID,
			SourceBuyerID:    sale.BuyerID,
			PhaseID:          sale.PhaseID,
			BaseAmount:       sale.Amount,
			Percentage:       pct,
			Level:            e.Level,
		})
		if errors.Is(err, ErrDuplicateCommission) {
			continue
		}
		if err != nil {
			return err
		}
		recorded++
	}

	metrics.RecordCommissions(string(EntryPending), recorded)
	return nil
}

// ActivateCommissions moves matching pending entries to paid and makes their
// amounts available. Entries already paid or cancelled are skipped, so
// repeating a call is harmless.
func (s *Service) ActivateCommissions(ctx context.Context, criteria ActivationCriteria) (int, error) {
	if len(criteria.IDs) == 0 && criteria.OlderThan <= 0 {
		return 0, ErrInvalidCriteria
	}

	now := s.now()
	activated := 0
	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		entries, err := s.lockPending(ctx, tx, criteria, now)
		if err != nil || len(entries) == 0 {
			return err
		}

		byEarner, byPhase, ids := groupEntries(entries)
		if err := s.repo.LockBalancesTx(ctx, tx, sortedKeys(byEarner)); err != nil {
			return err
		}

		n, err := s.repo.MarkEntriesTx(ctx, tx, ids, EntryPaid, now)
		if err != nil {
			return err
		}
		if int(n) != len(ids) {
			return fmt.Errorf("%w: marked %d of %d entries", ErrInternal, n, len(ids))
		}

		for _, earnerID := range sortedKeys(byEarner) {
			g := byEarner[earnerID]
			if err := s.repo.ActivateBalanceTx(ctx, tx, earnerID, g.sum); err != nil {
				return err
			}
			err := s.repo.InsertTransactionTx(ctx, tx, earnerID, g.sum, 0, TxCommissionActivated, TxMeta{
				RelatedEntityType: "commission_entry",
				RelatedEntityID:   g.first,
				Description:       fmt.Sprintf("%d commissions activated", g.count),
			})
			if err != nil {
				return err
			}
		}

		for _, phaseID := range sortedKeys(byPhase) {
			if err := s.repo.AddPhaseCommissionPaidTx(ctx, tx, phaseID, byPhase[phaseID].sum); err != nil {
				return err
			}
		}

		activated = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}

	metrics.RecordCommissions(string(EntryPaid), activated)
	if activated > 0 {
		log.Info().Int("count", activated).Msg("commissions activated")
	}
	return activated, nil
}

func (s *Service) lockPending(ctx context.Context, tx *sqlx.Tx, criteria ActivationCriteria, now time.Time) ([]Entry, error) {
	if len(criteria.IDs) > 0 {
		return s.repo.LockPendingByIDsTx(ctx, tx, criteria.IDs)
	}
	return s.repo.LockPendingOlderThanTx(ctx, tx, now.Add(-criteria.OlderThan), activationBatch)
}

// CancelCommissions voids pending entries, removing their amounts from the
// earner's pending balance and total earned.
func (s *Service) CancelCommissions(ctx context.Context, ids []uuid.UUID, reason string, adminID uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, ErrInvalidCriteria
	}

	now := s.now()
	cancelled := 0
	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		entries, err := s.repo.LockPendingByIDsTx(ctx, tx, ids)
		if err != nil || len(entries) == 0 {
			return err
		}

		byEarner, _, entryIDs := groupEntries(entries)
		if err := s.repo.LockBalancesTx(ctx, tx, sortedKeys(byEarner)); err != nil {
			return err
		}

		if _, err := s.repo.MarkEntriesTx(ctx, tx, entryIDs, EntryCancelled, now); err != nil {
			return err
		}

		for _, earnerID := range sortedKeys(byEarner) {
			g := byEarner[earnerID]
			if err := s.repo.CancelBalanceTx(ctx, tx, earnerID, g.sum); err != nil {
				return err
			}
			err := s.repo.InsertTransactionTx(ctx, tx, earnerID, g.sum, 0, TxCommissionCancelled, TxMeta{
				RelatedEntityType: "commission_entry",
				RelatedEntityID:   g.first,
				Description:       reason,
			})
			if err != nil {
				return err
			}
		}

		if s.audit != nil && adminID != uuid.Nil {
			for _, e := range entries {
				err := s.audit.RecordTx(ctx, tx, adminID, "commission.cancel", "commission_entry", e.ID,
					map[string]interface{}{"status": e.Status, "amount": e.Amount},
					map[string]interface{}{"status": EntryCancelled}, reason)
				if err != nil {
					return err
				}
			}
		}

		cancelled = len(entryIDs)
		return nil
	})
	if err != nil {
		return 0, err
	}

	metrics.RecordCommissions(string(EntryCancelled), cancelled)
	return cancelled, nil
}

// GetBalance returns the head row, or a zero balance for unknown earners.
func (s *Service) GetBalance(ctx context.Context, earnerID uuid.UUID) (*Balance, error) {
	return s.repo.GetBalance(ctx, earnerID)
}

// ReserveForWithdrawalTx holds amount (or units) for a withdrawal request.
func (s *Service) ReserveForWithdrawalTx(ctx context.Context, tx *sqlx.Tx, earnerID uuid.UUID, amount decimal.Decimal, units int64, meta TxMeta) (*Balance, error) {
	if err := validateMovement(amount, units); err != nil {
		return nil, err
	}
	b, err := s.repo.ReserveTx(ctx, tx, earnerID, amount, units)
	if err != nil {
		return nil, err
	}
	if err := s.repo.InsertTransactionTx(ctx, tx, earnerID, amount, units, TxWithdrawalReserved, meta); err != nil {
		return nil, err
	}
	return b, nil
}

// ReleaseReservationTx returns reserved funds to available.
func (s *Service) ReleaseReservationTx(ctx context.Context, tx *sqlx.Tx, earnerID uuid.UUID, amount decimal.Decimal, units int64, meta TxMeta) (*Balance, error) {
	if err := validateMovement(amount, units); err != nil {
		return nil, err
	}
	b, err := s.repo.ReleaseTx(ctx, tx, earnerID, amount, units)
	if err != nil {
		return nil, err
	}
	if err := s.repo.InsertTransactionTx(ctx, tx, earnerID, amount, units, TxWithdrawalReleased, meta); err != nil {
		return nil, err
	}
	return b, nil
}

// DebitForWithdrawalTx settles a reservation as withdrawn.
func (s *Service) DebitForWithdrawalTx(ctx context.Context, tx *sqlx.Tx, earnerID uuid.UUID, amount decimal.Decimal, units int64, meta TxMeta) (*Balance, error) {
	if err := validateMovement(amount, units); err != nil {
		return nil, err
	}
	b, err := s.repo.DebitTx(ctx, tx, earnerID, amount, units)
	if err != nil {
		return nil, err
	}
	if err := s.repo.InsertTransactionTx(ctx, tx, earnerID, amount, units, TxWithdrawalDebited, meta); err != nil {
		return nil, err
	}
	return b, nil
}

func validateMovement(amount decimal.Decimal, units int64) error {
	if amount.IsNegative() || units < 0 || (amount.IsZero() && units == 0) {
		return ErrInvalidAmount
	}
	if !amount.Equal(amount.Truncate(2)) {
		return fmt.Errorf("%w: more than two decimal places", ErrInvalidAmount)
	}
	return nil
}

// CreditForReinvestment spends available balance on units of the active
// phase. The phase cap applies as for any purchase.
func (s *Service) CreditForReinvestment(ctx context.Context, earnerID uuid.UUID, amount decimal.Decimal, units int64) (*ReinvestResult, error) {
	if s.allocator == nil {
		return nil, ErrReinvestDisabled
	}
	if !amount.IsPositive() || units <= 0 {
		return nil, ErrInvalidAmount
	}

	var alloc *phase.AllocationUnit
	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		ids := []uuid.UUID{earnerID}
		if err := s.repo.EnsureBalancesTx(ctx, tx, ids); err != nil {
			return err
		}
		if err := s.repo.LockBalancesTx(ctx, tx, ids); err != nil {
			return err
		}

		if err := s.repo.ReinvestDebitTx(ctx, tx, earnerID, amount); err != nil {
			return err
		}

		var err error
		alloc, err = s.allocator.AllocateFromBalanceTx(ctx, tx, earnerID, units, amount)
		if err != nil {
			return err
		}

		if err := s.repo.CreditUnitsTx(ctx, tx, earnerID, units); err != nil {
			return err
		}
		return s.repo.InsertTransactionTx(ctx, tx, earnerID, amount, units, TxReinvested, TxMeta{
			RelatedEntityType: "allocation_unit",
			RelatedEntityID:   alloc.ID,
			Description:       fmt.Sprintf("reinvested into %d units", units),
		})
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.allocator.CheckPhaseCompletion(ctx, alloc.PhaseID); err != nil {
		log.Error().Err(err).Str("phase_id", alloc.PhaseID.String()).Msg("phase completion check failed")
	}

	balance, err := s.repo.GetBalance(ctx, earnerID)
	if err != nil {
		return nil, err
	}
	return &ReinvestResult{Allocation: alloc, Balance: balance}, nil
}

func (s *Service) ListEntries(ctx context.Context, earnerID uuid.UUID, filter EntryFilter) ([]Entry, error) {
	return s.repo.ListEntries(ctx, earnerID, filter)
}

func (s *Service) ListTransactions(ctx context.Context, earnerID uuid.UUID, pagination Pagination) ([]Transaction, error) {
	return s.repo.ListTransactions(ctx, earnerID, pagination)
}

// Reconcile compares the head row with totals folded from detail rows.
func (s *Service) Reconcile(ctx context.Context, earnerID uuid.UUID) (*ReconcileReport, error) {
	head, err := s.repo.GetBalance(ctx, earnerID)
	if err != nil {
		return nil, err
	}
	computed, err := s.repo.FoldTotals(ctx, earnerID)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{
		EarnerID:   earnerID,
		Head:       head,
		Computed:   computed,
		Mismatches: compareBalances(head, computed),
	}
	if !head.IsReconciled() {
		report.Mismatches = append(report.Mismatches, "head_invariant")
	}
	report.Reconciled = len(report.Mismatches) == 0

	if !report.Reconciled {
		log.Warn().
			Str("earner_id", earnerID.String()).
			Strs("fields", report.Mismatches).
			Msg("ledger head does not reconcile")
	}
	return report, nil
}

func compareBalances(head, computed *Balance) []string {
	mismatches := make([]string, 0)
	money := []struct {
		name string
		a, b decimal.Decimal
	}{
		{"total_earned", head.TotalEarned, computed.TotalEarned},
		{"pending_balance", head.PendingBalance, computed.PendingBalance},
		{"available_balance", head.AvailableBalance, computed.AvailableBalance},
		{"reserved_balance", head.ReservedBalance, computed.ReservedBalance},
		{"total_withdrawn", head.TotalWithdrawn, computed.TotalWithdrawn},
		{"total_reinvested", head.TotalReinvested, computed.TotalReinvested},
	}
	for _, m := range money {
		if !m.a.Equal(m.b) {
			mismatches = append(mismatches, m.name)
		}
	}

	units := []struct {
		name string
		a, b int64
	}{
		{"total_units", head.TotalUnits, computed.TotalUnits},
		{"available_units", head.AvailableUnits, computed.AvailableUnits},
		{"reserved_units", head.ReservedUnits, computed.ReservedUnits},
		{"redeemed_units", head.RedeemedUnits, computed.RedeemedUnits},
	}
	for _, u := range units {
		if u.a != u.b {
			mismatches = append(mismatches, u.name)
		}
	}
	return mismatches
}

type entryGroup struct {
	sum   decimal.Decimal
	count int
	first uuid.UUID
}

func groupEntries(entries []Entry) (byEarner, byPhase map[uuid.UUID]*entryGroup, ids []uuid.UUID) {
	byEarner = make(map[uuid.UUID]*entryGroup)
	byPhase = make(map[uuid.UUID]*entryGroup)
	ids = make([]uuid.UUID, 0, len(entries))

	add := func(m map[uuid.UUID]*entryGroup, key uuid.UUID, e Entry) {
		g, ok := m[key]
		if !ok {
			g = &entryGroup{first: e.ID}
			m[key] = g
		}
		g.sum = g.sum.Add(e.Amount)
		g.count++
	}

	for _, e := range entries {
		ids = append(ids, e.ID)
		add(byEarner, e.EarnerID, e)
		add(byPhase, e.PhaseID, e)
	}
	return byEarner, byPhase, ids
}

func sortedKeys(m map[uuid.UUID]*entryGroup) []uuid.UUID {
	keys := make([]uuid.UUID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortIDs(keys)
	return keys
}

// sortIDs orders ids bytewise, which matches postgres uuid ordering.
func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
}
