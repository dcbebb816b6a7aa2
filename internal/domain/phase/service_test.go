package phase_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/shareflow/shareflow-api/internal/domain/phase"
	"github.com/shareflow/shareflow-api/internal/pkg/database"
	"github.com/shareflow/shareflow-api/internal/pkg/testdb"
)

func newService(t *testing.T) (*phase.Service, *sqlx.DB) {
	t.Helper()
	db := testdb.Open(t)
	return phase.NewService(db, phase.NewRepository(db), nil), db
}

func createPhase(t *testing.T, svc *phase.Service, number int, capUnits int64, activate bool) *phase.Phase {
	t.Helper()
	p, err := svc.CreatePhase(context.Background(), phase.CreatePhaseInput{
		Number:    number,
		CapUnits:  capUnits,
		UnitPrice: decimal.NewFromInt(10),
		Activate:  activate,
	}, uuid.Nil)
	requireNoError(t, err)
	return p
}

func requireNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

/* =========================
   Admission
   ========================= */

func TestConcurrentAdmissionsRespectCap(t *testing.T) {
	svc, _ := newService(t)
	p := createPhase(t, svc, 1, 100, true)

	var wg sync.WaitGroup
	var mu sync.Mutex
	success, rejected := 0, 0

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Purchase(context.Background(), uuid.New(), 60)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				success++
			case errors.Is(err, phase.ErrInsufficientCapacity):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if success != 1 || rejected != 1 {
		t.Fatalf("expected 1 success and 1 rejection, got %d/%d", success, rejected)
	}

	counts, err := svc.UnitCounts(context.Background(), p.ID)
	requireNoError(t, err)
	if counts.Pending != 60 || counts.Committed != 0 {
		t.Fatalf("expected pending=60 committed=0, got %+v", counts)
	}
}

func TestManyConcurrentPurchasesAdmitExactlyWhatFits(t *testing.T) {
	svc, _ := newService(t)
	p := createPhase(t, svc, 1, 25, true)

	const goroutines = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	success := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Purchase(context.Background(), uuid.New(), 2)
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
				return
			}
			if !errors.Is(err, phase.ErrInsufficientCapacity) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if success != 12 {
		t.Fatalf("expected 12 admissions, got %d", success)
	}

	pending, err := svc.PendingUnits(context.Background(), p.ID)
	requireNoError(t, err)
	if pending != 24 {
		t.Fatalf("expected 24 pending units, got %d", pending)
	}
}

func TestPurchaseOnClosedPhase(t *testing.T) {
	svc, db := newService(t)
	p := createPhase(t, svc, 1, 100, false)

	err := database.WithTx(context.Background(), db, func(tx *sqlx.Tx) error {
		_, err := svc.AdmitPurchaseTx(context.Background(), tx, p.ID, 1)
		return err
	})
	if !errors.Is(err, phase.ErrPhaseClosed) {
		t.Fatalf("expected ErrPhaseClosed, got %v", err)
	}

	if _, err := svc.Purchase(context.Background(), uuid.New(), 1); !errors.Is(err, phase.ErrNotFound) {
		t.Fatalf("expected ErrNotFound without an active phase, got %v", err)
	}
}

func TestPurchaseRejectsNonPositiveUnits(t *testing.T) {
	svc, _ := newService(t)
	createPhase(t, svc, 1, 100, true)

	if _, err := svc.Purchase(context.Background(), uuid.New(), 0); !errors.Is(err, phase.ErrInvalidUnits) {
		t.Fatalf("expected ErrInvalidUnits, got %v", err)
	}
}

/* =========================
   Sale outcomes
   ========================= */

type recordingSettler struct {
	mu    sync.Mutex
	sales []phase.SettledSale
	err   error
}

func (s *recordingSettler) SettleSaleTx(ctx context.Context, tx *sqlx.Tx, sale phase.SettledSale) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sales = append(s.sales, sale)
	return nil
}

func TestSaleCompletionAdvancesPhase(t *testing.T) {
	svc, _ := newService(t)
	settler := &recordingSettler{}
	svc.SetSaleSettler(settler)

	first := createPhase(t, svc, 1, 100, true)
	createPhase(t, svc, 2, 100, false)

	alloc, err := svc.Purchase(context.Background(), uuid.New(), 100)
	requireNoError(t, err)
	if !alloc.Amount.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected amount 1000, got %s", alloc.Amount)
	}

	resolved, err := svc.RecordSaleOutcome(context.Background(), alloc.ID, phase.AllocationCompleted)
	requireNoError(t, err)
	if resolved.Status != phase.AllocationCompleted {
		t.Fatalf("expected completed, got %s", resolved.Status)
	}

	if len(settler.sales) != 1 || settler.sales[0].Units != 100 {
		t.Fatalf("expected one settled sale of 100 units, got %+v", settler.sales)
	}

	current, err := svc.CurrentPhase(context.Background())
	requireNoError(t, err)
	if current.Number != 2 {
		t.Fatalf("expected phase 2 active, got %d", current.Number)
	}

	old, err := svc.GetPhase(context.Background(), first.ID)
	requireNoError(t, err)
	if old.IsActive || old.EndTime == nil || old.UnitsSold != 100 || old.UnitsPending != 0 {
		t.Fatalf("unexpected closed phase state: %+v", old)
	}
	if !old.RevenueTotal.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected revenue 1000, got %s", old.RevenueTotal)
	}
}

func TestSaleOutcomeReplayIsRejected(t *testing.T) {
	svc, _ := newService(t)
	settler := &recordingSettler{}
	svc.SetSaleSettler(settler)
	p := createPhase(t, svc, 1, 100, true)

	alloc, err := svc.Purchase(context.Background(), uuid.New(), 10)
	requireNoError(t, err)

	_, err = svc.RecordSaleOutcome(context.Background(), alloc.ID, phase.AllocationCompleted)
	requireNoError(t, err)

	_, err = svc.RecordSaleOutcome(context.Background(), alloc.ID, phase.AllocationCompleted)
	if !errors.Is(err, phase.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on replay, got %v", err)
	}
	_, err = svc.RecordSaleOutcome(context.Background(), alloc.ID, phase.AllocationFailed)
	if !errors.Is(err, phase.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for failed after completed, got %v", err)
	}

	if len(settler.sales) != 1 {
		t.Fatalf("expected settlement once, got %d", len(settler.sales))
	}

	committed, err := svc.CommittedUnits(context.Background(), p.ID)
	requireNoError(t, err)
	if committed != 10 {
		t.Fatalf("expected 10 committed units, got %d", committed)
	}
}

func TestSaleFailureReleasesCapacity(t *testing.T) {
	svc, _ := newService(t)
	p := createPhase(t, svc, 1, 100, true)

	alloc, err := svc.Purchase(context.Background(), uuid.New(), 40)
	requireNoError(t, err)

	_, err = svc.RecordSaleOutcome(context.Background(), alloc.ID, phase.AllocationFailed)
	requireNoError(t, err)

	counts, err := svc.UnitCounts(context.Background(), p.ID)
	requireNoError(t, err)
	if counts.Pending != 0 || counts.Committed != 0 {
		t.Fatalf("expected empty phase, got %+v", counts)
	}
}

func TestSettlerFailureRollsBackOutcome(t *testing.T) {
	svc, _ := newService(t)
	svc.SetSaleSettler(&recordingSettler{err: errors.New("ledger unavailable")})
	p := createPhase(t, svc, 1, 100, true)

	alloc, err := svc.Purchase(context.Background(), uuid.New(), 5)
	requireNoError(t, err)

	if _, err := svc.RecordSaleOutcome(context.Background(), alloc.ID, phase.AllocationCompleted); err == nil {
		t.Fatal("expected settlement error")
	}

	stored, err := svc.GetAllocation(context.Background(), alloc.ID)
	requireNoError(t, err)
	if stored.Status != phase.AllocationPending {
		t.Fatalf("expected allocation to stay pending, got %s", stored.Status)
	}

	counts, err := svc.UnitCounts(context.Background(), p.ID)
	requireNoError(t, err)
	if counts.Pending != 5 || counts.Committed != 0 {
		t.Fatalf("expected counters unchanged, got %+v", counts)
	}
}

func TestRecordSaleOutcomeUnknownAllocation(t *testing.T) {
	svc, _ := newService(t)
	createPhase(t, svc, 1, 100, true)

	_, err := svc.RecordSaleOutcome(context.Background(), uuid.New(), phase.AllocationCompleted)
	if !errors.Is(err, phase.ErrAllocationNotFound) {
		t.Fatalf("expected ErrAllocationNotFound, got %v", err)
	}

	_, err = svc.RecordSaleOutcome(context.Background(), uuid.New(), phase.AllocationPending)
	if !errors.Is(err, phase.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

/* =========================
   Advancement
   ========================= */

func TestAdvanceWithoutNextPhaseRollsBack(t *testing.T) {
	svc, _ := newService(t)
	createPhase(t, svc, 1, 10, true)

	alloc, err := svc.Purchase(context.Background(), uuid.New(), 10)
	requireNoError(t, err)

	// The outcome itself succeeds; the failed advance is only logged.
	_, err = svc.RecordSaleOutcome(context.Background(), alloc.ID, phase.AllocationCompleted)
	requireNoError(t, err)

	current, err := svc.CurrentPhase(context.Background())
	requireNoError(t, err)
	if current.Number != 1 {
		t.Fatalf("expected phase 1 to stay active, got %d", current.Number)
	}

	createPhase(t, svc, 2, 10, false)

	advanced, err := svc.ReconcileActive(context.Background())
	requireNoError(t, err)
	if !advanced {
		t.Fatal("expected reconcile to advance")
	}

	current, err = svc.CurrentPhase(context.Background())
	requireNoError(t, err)
	if current.Number != 2 {
		t.Fatalf("expected phase 2, got %d", current.Number)
	}
}

func TestAdvancePhaseRequiresActiveSource(t *testing.T) {
	svc, _ := newService(t)
	createPhase(t, svc, 1, 10, false)
	createPhase(t, svc, 2, 10, false)

	if err := svc.AdvancePhase(context.Background(), 1); !errors.Is(err, phase.ErrPhaseSequence) {
		t.Fatalf("expected ErrPhaseSequence, got %v", err)
	}
}

type recordingAudit struct {
	actions []string
}

func (a *recordingAudit) RecordTx(ctx context.Context, tx *sqlx.Tx, adminID uuid.UUID, action, entityType string, entityID uuid.UUID, oldValue, newValue interface{}, reason string) error {
	a.actions = append(a.actions, action)
	return nil
}

func TestManualAdvance(t *testing.T) {
	svc, _ := newService(t)
	audit := &recordingAudit{}
	svc.SetAuditRecorder(audit)

	createPhase(t, svc, 1, 10, true)
	createPhase(t, svc, 2, 10, false)
	createPhase(t, svc, 3, 10, false)

	p, err := svc.ManualAdvance(context.Background(), 3, uuid.New(), "skip phase 2")
	requireNoError(t, err)
	if p.Number != 3 || !p.IsActive {
		t.Fatalf("expected active phase 3, got %+v", p)
	}

	if _, err := svc.ManualAdvance(context.Background(), 9, uuid.New(), ""); !errors.Is(err, phase.ErrPhaseSequence) {
		t.Fatalf("expected ErrPhaseSequence for a missing phase, got %v", err)
	}

	current, err := svc.CurrentPhase(context.Background())
	requireNoError(t, err)
	if current.Number != 3 {
		t.Fatalf("failed advance must not change the active phase, got %d", current.Number)
	}

	want := []string{"phase.create", "phase.create", "phase.create", "phase.manual_advance"}
	if len(audit.actions) != len(want) {
		t.Fatalf("expected audit actions %v, got %v", want, audit.actions)
	}
}

func TestCreatePhaseNumberMustIncrease(t *testing.T) {
	svc, _ := newService(t)
	createPhase(t, svc, 2, 10, true)

	_, err := svc.CreatePhase(context.Background(), phase.CreatePhaseInput{
		Number:    1,
		CapUnits:  10,
		UnitPrice: decimal.NewFromInt(1),
	}, uuid.Nil)
	if !errors.Is(err, phase.ErrPhaseNumberTaken) {
		t.Fatalf("expected ErrPhaseNumberTaken, got %v", err)
	}
}

/* =========================
   Sweeps and reinvestment
   ========================= */

func TestExpireStalePending(t *testing.T) {
	svc, _ := newService(t)
	p := createPhase(t, svc, 1, 100, true)

	stale, err := svc.Purchase(context.Background(), uuid.New(), 30)
	requireNoError(t, err)

	svc.SetClock(func() time.Time { return time.Now().Add(time.Hour) })

	expired, err := svc.ExpireStalePending(context.Background(), 30*time.Minute)
	requireNoError(t, err)
	if expired != 1 {
		t.Fatalf("expected 1 expired allocation, got %d", expired)
	}

	stored, err := svc.GetAllocation(context.Background(), stale.ID)
	requireNoError(t, err)
	if stored.Status != phase.AllocationFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}

	pending, err := svc.PendingUnits(context.Background(), p.ID)
	requireNoError(t, err)
	if pending != 0 {
		t.Fatalf("expected capacity released, got %d pending", pending)
	}
}

func TestAllocateFromBalanceTx(t *testing.T) {
	svc, db := newService(t)
	p := createPhase(t, svc, 1, 10, true)
	buyer := uuid.New()

	err := database.WithTx(context.Background(), db, func(tx *sqlx.Tx) error {
		_, err := svc.AllocateFromBalanceTx(context.Background(), tx, buyer, 3, decimal.NewFromInt(25))
		return err
	})
	if !errors.Is(err, phase.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}

	var alloc *phase.AllocationUnit
	err = database.WithTx(context.Background(), db, func(tx *sqlx.Tx) error {
		var err error
		alloc, err = svc.AllocateFromBalanceTx(context.Background(), tx, buyer, 3, decimal.NewFromInt(30))
		return err
	})
	requireNoError(t, err)
	if alloc.Status != phase.AllocationCompleted || alloc.Source != phase.SourceReinvest {
		t.Fatalf("unexpected allocation: %+v", alloc)
	}

	err = database.WithTx(context.Background(), db, func(tx *sqlx.Tx) error {
		_, err := svc.AllocateFromBalanceTx(context.Background(), tx, buyer, 8, decimal.NewFromInt(80))
		return err
	})
	if !errors.Is(err, phase.ErrInsufficientCapacity) {
		t.Fatalf("expected ErrInsufficientCapacity, got %v", err)
	}

	counts, err := svc.UnitCounts(context.Background(), p.ID)
	requireNoError(t, err)
	if counts.Committed != 3 || counts.Pending != 0 {
		t.Fatalf("expected committed=3 pending=0, got %+v", counts)
	}

	items, total, err := svc.ListByBuyer(context.Background(), buyer, 10, 0)
	requireNoError(t, err)
	if total != 1 || len(items) != 1 {
		t.Fatalf("expected one allocation for buyer, got %d", total)
	}
}

func TestProgress(t *testing.T) {
	svc, _ := newService(t)
	createPhase(t, svc, 1, 200, true)

	alloc, err := svc.Purchase(context.Background(), uuid.New(), 50)
	requireNoError(t, err)
	_, err = svc.RecordSaleOutcome(context.Background(), alloc.ID, phase.AllocationCompleted)
	requireNoError(t, err)

	progress, err := svc.Progress(context.Background())
	requireNoError(t, err)
	if progress.UnitsSold != 50 || progress.Remaining != 150 {
		t.Fatalf("unexpected progress: %+v", progress)
	}
	if !progress.PercentSold.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("expected 25%% sold, got %s", progress.PercentSold)
	}
}
