package withdrawal_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/shareflow/shareflow-api/internal/domain/commission"
	"github.com/shareflow/shareflow-api/internal/domain/phase"
	"github.com/shareflow/shareflow-api/internal/domain/withdrawal"
	"github.com/shareflow/shareflow-api/internal/pkg/testdb"
)

const evmAddress = "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"

type fixture struct {
	db          *sqlx.DB
	phases      *phase.Service
	ledger      *commission.Service
	withdrawals *withdrawal.Service
	audit       *recordingAudit
}

type recordingAudit struct {
	mu      sync.Mutex
	actions []string
}

func (a *recordingAudit) RecordTx(ctx context.Context, tx *sqlx.Tx, adminID uuid.UUID, action, entityType string, entityID uuid.UUID, oldValue, newValue interface{}, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action)
	return nil
}

func setup(t *testing.T, window *withdrawal.Window) *fixture {
	t.Helper()
	db := testdb.Open(t)

	phases := phase.NewService(db, phase.NewRepository(db), nil)
	ledger := commission.NewService(db, commission.NewRepository(db), []decimal.Decimal{dec("12")})
	phases.SetSaleSettler(ledger)
	ledger.SetCapacityAllocator(phases)

	_, err := phases.CreatePhase(context.Background(), phase.CreatePhaseInput{
		Number:    1,
		CapUnits:  1000,
		UnitPrice: dec("10"),
		Activate:  true,
	}, uuid.Nil)
	requireNoError(t, err)

	audit := &recordingAudit{}
	withdrawals := withdrawal.NewService(db, withdrawal.NewRepository(db), ledger, window, dec("10"))
	withdrawals.SetAuditRecorder(audit)

	return &fixture{db: db, phases: phases, ledger: ledger, withdrawals: withdrawals, audit: audit}
}

// fund gives earner an available balance of amount through a sale commission
// at 10% that is then activated. The buyer ends up holding units.
func (f *fixture) fund(t *testing.T, earner, buyer uuid.UUID, units int64, pct string) {
	t.Helper()
	ctx := context.Background()

	alloc, err := f.phases.Purchase(ctx, buyer, units)
	requireNoError(t, err)
	alloc, err = f.phases.RecordSaleOutcome(ctx, alloc.ID, phase.AllocationCompleted)
	requireNoError(t, err)

	entry, err := f.ledger.RecordCommission(ctx, commission.RecordInput{
		AllocationUnitID: alloc.ID,
		EarnerID:         earner,
		SourceBuyerID:    buyer,
		PhaseID:          alloc.PhaseID,
		BaseAmount:       alloc.Amount,
		Percentage:       dec(pct),
		Level:            1,
	})
	requireNoError(t, err)

	_, err = f.ledger.ActivateCommissions(ctx, commission.ActivationCriteria{IDs: []uuid.UUID{entry.ID}})
	requireNoError(t, err)
}

func (f *fixture) balance(t *testing.T, earner uuid.UUID) *commission.Balance {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), earner)
	requireNoError(t, err)
	return b
}

func (f *fixture) submit(t *testing.T, earner uuid.UUID, amount string) *withdrawal.Request {
	t.Helper()
	req, err := f.withdrawals.Submit(context.Background(), withdrawal.SubmitInput{
		EarnerID:           earner,
		Type:               withdrawal.TypeBalance,
		Amount:             dec(amount),
		Network:            "erc20",
		DestinationAddress: evmAddress,
	})
	requireNoError(t, err)
	return req
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func requireAmount(t *testing.T, name string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(dec(want)) {
		t.Fatalf("%s: expected %s, got %s", name, want, got)
	}
}

func requireStatus(t *testing.T, req *withdrawal.Request, want withdrawal.Status) {
	t.Helper()
	if req.Status != want {
		t.Fatalf("expected status %s, got %s", want, req.Status)
	}
}

/* =========================
   Submission
   ========================= */

func TestSubmitReservesAndQueues(t *testing.T) {
	f := setup(t, withdrawal.AlwaysOpen())
	earner := uuid.New()
	f.fund(t, earner, uuid.New(), 50, "10")

	req := f.submit(t, earner, "50")
	requireStatus(t, req, withdrawal.StatusQueued)
	if req.DestinationAddress != "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed" {
		t.Fatalf("address must be stored checksummed, got %s", req.DestinationAddress)
	}

	b := f.balance(t, earner)
	requireAmount(t, "available", b.AvailableBalance, "0")
	requireAmount(t, "reserved", b.ReservedBalance, "50")

	queue, err := f.withdrawals.Queue(context.Background())
	requireNoError(t, err)
	if len(queue) != 1 || queue[0].WithdrawalID != req.ID || queue[0].QueueStatus != withdrawal.QueueWaiting {
		t.Fatalf("unexpected queue: %+v", queue)
	}
}

func TestSubmitRejectsOverdraw(t *testing.T) {
	f := setup(t, withdrawal.AlwaysOpen())
	earner := uuid.New()
	f.fund(t, earner, uuid.New(), 50, "10")

	_, err := f.withdrawals.Submit(context.Background(), withdrawal.SubmitInput{
		EarnerID:           earner,
		Type:               withdrawal.TypeBalance,
		Amount:             dec("50.01"),
		Network:            "erc20",
		DestinationAddress: evmAddress,
	})
	if !errors.Is(err, withdrawal.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	// The request row rolled back with the failed reservation.
	history, err := f.withdrawals.History(context.Background(), earner, 10, 0)
	requireNoError(t, err)
	if len(history) != 0 {
		t.Fatalf("expected no requests, got %d", len(history))
	}
	requireAmount(t, "available", f.balance(t, earner).AvailableBalance, "50")
}

func TestSubmitValidation(t *testing.T) {
	f := setup(t, withdrawal.AlwaysOpen())
	earner := uuid.New()

	cases := []struct {
		name string
		in   withdrawal.SubmitInput
		want error
	}{
		{"below minimum", withdrawal.SubmitInput{Type: withdrawal.TypeBalance, Amount: dec("9.99"), Network: "erc20", DestinationAddress: evmAddress}, withdrawal.ErrBelowMinimum},
		{"three decimals", withdrawal.SubmitInput{Type: withdrawal.TypeBalance, Amount: dec("10.001"), Network: "erc20", DestinationAddress: evmAddress}, withdrawal.ErrInvalidAmount},
		{"units on balance", withdrawal.SubmitInput{Type: withdrawal.TypeBalance, Amount: dec("20"), UnitQuantity: 1, Network: "erc20", DestinationAddress: evmAddress}, withdrawal.ErrInvalidAmount},
		{"amount on redeem", withdrawal.SubmitInput{Type: withdrawal.TypeUnitRedeem, Amount: dec("20"), UnitQuantity: 1, Network: "erc20", DestinationAddress: evmAddress}, withdrawal.ErrInvalidAmount},
		{"unknown type", withdrawal.SubmitInput{Type: "card", Amount: dec("20"), Network: "erc20", DestinationAddress: evmAddress}, withdrawal.ErrInvalidType},
		{"bad address", withdrawal.SubmitInput{Type: withdrawal.TypeBalance, Amount: dec("20"), Network: "erc20", DestinationAddress: "0x1234"}, withdrawal.ErrInvalidAddress},
		{"unknown network", withdrawal.SubmitInput{Type: withdrawal.TypeBalance, Amount: dec("20"), Network: "sol", DestinationAddress: evmAddress}, withdrawal.ErrInvalidAddress},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.in.EarnerID = earner
			_, err := f.withdrawals.Submit(context.Background(), tc.in)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestConcurrentSubmitsNeverOverdraw(t *testing.T) {
	f := setup(t, withdrawal.AlwaysOpen())
	earner := uuid.New()
	f.fund(t, earner, uuid.New(), 100, "10") // 100 available

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.withdrawals.Submit(context.Background(), withdrawal.SubmitInput{
				EarnerID:           earner,
				Type:               withdrawal.TypeBalance,
				Amount:             dec("30"),
				Network:            "erc20",
				DestinationAddress: evmAddress,
			})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			} else if !errors.Is(err, withdrawal.ErrInsufficientFunds) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted != 3 {
		t.Fatalf("expected 3 accepted withdrawals, got %d", accepted)
	}
	b := f.balance(t, earner)
	requireAmount(t, "reserved", b.ReservedBalance, "90")
	requireAmount(t, "available", b.AvailableBalance, "10")
}

func TestUnitRedeemReservesUnits(t *testing.T) {
	f := setup(t, withdrawal.AlwaysOpen())
	buyer := uuid.New()
	f.fund(t, uuid.New(), buyer, 40, "10")

	req, err := f.withdrawals.Submit(context.Background(), withdrawal.SubmitInput{
		EarnerID:           buyer,
		Type:               withdrawal.TypeUnitRedeem,
		UnitQuantity:       15,
		Network:            "erc20",
		DestinationAddress: evmAddress,
	})
	requireNoError(t, err)
	requireStatus(t, req, withdrawal.StatusQueued)

	b := f.balance(t, buyer)
	if b.AvailableUnits != 25 || b.ReservedUnits != 15 {
		t.Fatalf("expected 25 available / 15 reserved units, got %d / %d", b.AvailableUnits, b.ReservedUnits)
	}
}

/* =========================
   Finalization
   ========================= */

func TestCompleteWithProofDebitsReservation(t *testing.T) {
	f := setup(t, withdrawal.AlwaysOpen())
	ctx := context.Background()
	earner, admin := uuid.New(), uuid.New()
	f.fund(t, earner, uuid.New(), 50, "10")

	req := f.submit(t, earner, "50")
	_, err := f.withdrawals.BeginProcessing(ctx, req.ID, admin)
	requireNoError(t, err)

	done, err := f.withdrawals.OnProofReceived(ctx, req.ID, admin, " txhash123 ")
	requireNoError(t, err)
	requireStatus(t, done, withdrawal.StatusCompleted)
	if done.CompletionReference == nil || *done.CompletionReference != "txhash123" {
		t.Fatalf("unexpected reference: %v", done.CompletionReference)
	}
	if done.CompletedAt == nil {
		t.Fatalf("completed_at must be set")
	}

	b := f.balance(t, earner)
	requireAmount(t, "available", b.AvailableBalance, "0")
	requireAmount(t, "reserved", b.ReservedBalance, "0")
	requireAmount(t, "withdrawn", b.TotalWithdrawn, "50")

	queue, err := f.withdrawals.Queue(ctx)
	requireNoError(t, err)
	if len(queue) != 0 {
		t.Fatalf("completed request must leave the queue")
	}

	report, err := f.ledger.Reconcile(ctx, earner)
	requireNoError(t, err)
	if !report.Reconciled {
		t.Fatalf("ledger does not reconcile: %v", report.Mismatches)
	}

	if len(f.audit.actions) != 2 || f.audit.actions[1] != "withdrawal.completed" {
		t.Fatalf("unexpected audit trail: %v", f.audit.actions)
	}
}

func TestCompleteWithoutProofChangesNothing(t *testing.T) {
	f := setup(t, withdrawal.AlwaysOpen())
	ctx := context.Background()
	earner, admin := uuid.New(), uuid.New()
	f.fund(t, earner, uuid.New(), 50, "10")

	req := f.submit(t, earner, "50")
	_, err := f.withdrawals.BeginProcessing(ctx, req.ID, admin)
	requireNoError(t, err)

	for _, ref := range []string{"", "   "} {
		_, err = f.withdrawals.OnProofReceived(ctx, req.ID, admin, ref)
		if !errors.Is(err, withdrawal.ErrMissingProof) {
			t.Fatalf("expected ErrMissingProof, got %v", err)
		}
	}

	got, err := f.withdrawals.Get(ctx, req.ID)
	requireNoError(t, err)
	requireStatus(t, got, withdrawal.StatusProcessing)

	b := f.balance(t, earner)
	requireAmount(t, "reserved", b.ReservedBalance, "50")
	requireAmount(t, "withdrawn", b.TotalWithdrawn, "0")
}

func TestCompletionReferenceIsUnique(t *testing.T) {
	f := setup(t, withdrawal.AlwaysOpen())
	ctx := context.Background()
	earner, admin := uuid.New(), uuid.New()
	f.fund(t, earner, uuid.New(), 50, "10")

	first := f.submit(t, earner, "20")
	second := f.submit(t, earner, "20")
	for _, id := range []uuid.UUID{first.ID, second.ID} {
		_, err := f.withdrawals.BeginProcessing(ctx, id, admin)
		requireNoError(t, err)
	}

	_, err := f.withdrawals.OnProofReceived(ctx, first.ID, admin, "0xabc")
	requireNoError(t, err)

	_, err = f.withdrawals.OnProofReceived(ctx, second.ID, admin, "0xabc")
	if !errors.Is(err, withdrawal.ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference, got %v", err)
	}

	// The debit rolled back with the rejected close.
	b := f.balance(t, earner)
	requireAmount(t, "reserved", b.ReservedBalance, "20")
	requireAmount(t, "withdrawn", b.TotalWithdrawn, "20")
}

func TestFailedReleasesReservation(t *testing.T) {
	f := setup(t, withdrawal.AlwaysOpen())
	ctx := context.Background()
	earner, admin := uuid.New(), uuid.New()
	f.fund(t, earner, uuid.New(), 50, "10")

	req := f.submit(t, earner, "30")
	_, err := f.withdrawals.BeginProcessing(ctx, req.ID, admin)
	requireNoError(t, err)

	failed, err := f.withdrawals.Finalize(ctx, withdrawal.FinalizeInput{
		RequestID: req.ID,
		AdminID:   admin,
		Outcome:   withdrawal.StatusFailed,
		Notes:     "address rejected by exchange",
	})
	requireNoError(t, err)
	requireStatus(t, failed, withdrawal.StatusFailed)

	b := f.balance(t, earner)
	requireAmount(t, "available", b.AvailableBalance, "50")
	requireAmount(t, "reserved", b.ReservedBalance, "0")

	// Terminal requests stay terminal.
	_, err = f.withdrawals.OnProofReceived(ctx, req.ID, admin, "late")
	if !errors.Is(err, withdrawal.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestCompleteRequiresProcessing(t *testing.T) {
	f := setup(t, withdrawal.AlwaysOpen())
	ctx := context.Background()
	earner, admin := uuid.New(), uuid.New()
	f.fund(t, earner, uuid.New(), 50, "10")

	req := f.submit(t, earner, "20")
	_, err := f.withdrawals.OnProofReceived(ctx, req.ID, admin, "0xdef")
	if !errors.Is(err, withdrawal.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	// An admin may still cancel a queued request.
	cancelled, err := f.withdrawals.Finalize(ctx, withdrawal.FinalizeInput{
		RequestID: req.ID,
		AdminID:   admin,
		Outcome:   withdrawal.StatusCancelled,
	})
	requireNoError(t, err)
	requireStatus(t, cancelled, withdrawal.StatusCancelled)
	requireAmount(t, "available", f.balance(t, earner).AvailableBalance, "50")
}

func TestFinalizeRejectsUnknownOutcome(t *testing.T) {
	f := setup(t, withdrawal.AlwaysOpen())
	_, err := f.withdrawals.Finalize(context.Background(), withdrawal.FinalizeInput{
		RequestID: uuid.New(),
		Outcome:   withdrawal.StatusQueued,
	})
	if !errors.Is(err, withdrawal.ErrInvalidOutcome) {
		t.Fatalf("expected ErrInvalidOutcome, got %v", err)
	}
}

/* =========================
   Window
   ========================= */

func TestOutsideWindowParksUntilOpening(t *testing.T) {
	window, err := withdrawal.NewWindow("CRON_TZ=UTC 0 9 * * 1-5", 8*time.Hour)
	requireNoError(t, err)
	f := setup(t, window)
	ctx := context.Background()

	now := time.Date(2026, time.October, 17, 12, 0, 0, 0, time.UTC) // saturday
	f.withdrawals.SetClock(func() time.Time { return now })

	earner, admin := uuid.New(), uuid.New()
	f.fund(t, earner, uuid.New(), 50, "10")

	req := f.submit(t, earner, "25")
	requireStatus(t, req, withdrawal.StatusOutsideWindow)
	want := time.Date(2026, time.October, 19, 9, 0, 0, 0, time.UTC)
	if req.ScheduledDate == nil || !req.ScheduledDate.Equal(want) {
		t.Fatalf("expected scheduled date %s, got %v", want, req.ScheduledDate)
	}
	requireAmount(t, "reserved", f.balance(t, earner).ReservedBalance, "25")

	_, err = f.withdrawals.BeginProcessing(ctx, req.ID, admin)
	if !errors.Is(err, withdrawal.ErrOutsideWindow) {
		t.Fatalf("expected ErrOutsideWindow, got %v", err)
	}

	n, err := f.withdrawals.ReevaluateOutsideWindow(ctx)
	requireNoError(t, err)
	if n != 0 {
		t.Fatalf("nothing may be queued while closed, got %d", n)
	}

	now = want.Add(30 * time.Minute)
	n, err = f.withdrawals.ReevaluateOutsideWindow(ctx)
	requireNoError(t, err)
	if n != 1 {
		t.Fatalf("expected 1 queued request, got %d", n)
	}

	got, err := f.withdrawals.Get(ctx, req.ID)
	requireNoError(t, err)
	requireStatus(t, got, withdrawal.StatusQueued)

	_, err = f.withdrawals.BeginProcessing(ctx, req.ID, admin)
	requireNoError(t, err)
}

/* =========================
   Owner cancel
   ========================= */

func TestOwnerCancel(t *testing.T) {
	window, err := withdrawal.NewWindow("CRON_TZ=UTC 0 9 * * 1-5", 8*time.Hour)
	requireNoError(t, err)
	f := setup(t, window)
	ctx := context.Background()
	f.withdrawals.SetClock(func() time.Time {
		return time.Date(2026, time.October, 17, 12, 0, 0, 0, time.UTC)
	})

	earner := uuid.New()
	f.fund(t, earner, uuid.New(), 50, "10")
	req := f.submit(t, earner, "40")

	_, err = f.withdrawals.Cancel(ctx, req.ID, uuid.New())
	if !errors.Is(err, withdrawal.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a stranger, got %v", err)
	}

	cancelled, err := f.withdrawals.Cancel(ctx, req.ID, earner)
	requireNoError(t, err)
	requireStatus(t, cancelled, withdrawal.StatusCancelled)

	b := f.balance(t, earner)
	requireAmount(t, "available", b.AvailableBalance, "50")
	requireAmount(t, "reserved", b.ReservedBalance, "0")

	_, err = f.withdrawals.Cancel(ctx, req.ID, earner)
	if !errors.Is(err, withdrawal.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second cancel, got %v", err)
	}
}

func TestOwnerCancelsQueuedRequest(t *testing.T) {
	f := setup(t, withdrawal.AlwaysOpen())
	ctx := context.Background()
	earner := uuid.New()
	f.fund(t, earner, uuid.New(), 50, "10")
	req := f.submit(t, earner, "40")
	requireStatus(t, req, withdrawal.StatusQueued)

	cancelled, err := f.withdrawals.Cancel(ctx, req.ID, earner)
	requireNoError(t, err)
	requireStatus(t, cancelled, withdrawal.StatusCancelled)

	b := f.balance(t, earner)
	requireAmount(t, "available", b.AvailableBalance, "50")
	requireAmount(t, "reserved", b.ReservedBalance, "0")

	queue, err := f.withdrawals.Queue(ctx)
	requireNoError(t, err)
	if len(queue) != 0 {
		t.Fatalf("expected empty queue after cancel, got %d entries", len(queue))
	}
}

func TestOwnerCannotCancelProcessing(t *testing.T) {
	f := setup(t, withdrawal.AlwaysOpen())
	ctx := context.Background()
	earner := uuid.New()
	f.fund(t, earner, uuid.New(), 50, "10")
	req := f.submit(t, earner, "40")

	_, err := f.withdrawals.BeginProcessing(ctx, req.ID, uuid.New())
	requireNoError(t, err)

	_, err = f.withdrawals.Cancel(ctx, req.ID, earner)
	if !errors.Is(err, withdrawal.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	b := f.balance(t, earner)
	requireAmount(t, "reserved", b.ReservedBalance, "40")
}

func TestListFiltersByStatus(t *testing.T) {
	f := setup(t, withdrawal.AlwaysOpen())
	ctx := context.Background()
	earner, admin := uuid.New(), uuid.New()
	f.fund(t, earner, uuid.New(), 50, "10")

	first := f.submit(t, earner, "10")
	f.submit(t, earner, "10")
	_, err := f.withdrawals.BeginProcessing(ctx, first.ID, admin)
	requireNoError(t, err)

	status := withdrawal.StatusQueued
	items, total, err := f.withdrawals.List(ctx, withdrawal.ListFilter{Status: &status, Limit: 10})
	requireNoError(t, err)
	if total != 1 || len(items) != 1 || items[0].ID == first.ID {
		t.Fatalf("expected only the second request, got total=%d items=%d", total, len(items))
	}

	all, total, err := f.withdrawals.List(ctx, withdrawal.ListFilter{EarnerID: &earner, Limit: 10})
	requireNoError(t, err)
	if total != 2 || len(all) != 2 {
		t.Fatalf("expected 2 requests, got %d", total)
	}
}
