package phase_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/shareflow/shareflow-api/internal/domain/phase"
)

// ledgerLockSettler stands in for the commission ledger: it takes its
// balance locks with a statement the mock can place in order.
type ledgerLockSettler struct{}

func (ledgerLockSettler) SettleSaleTx(ctx context.Context, tx *sqlx.Tx, sale phase.SettledSale) error {
	_, err := tx.ExecContext(ctx, `SELECT earner_id FROM earner_balances WHERE earner_id = ANY($1) FOR UPDATE`, sale.BuyerID)
	return err
}

func TestSaleOutcomeLocksBalancesBeforePhase(t *testing.T) {
	repo, db, mock := newMockRepo(t)
	svc := phase.NewService(db, repo, nil)
	svc.SetSaleSettler(ledgerLockSettler{})

	allocID, phaseID, buyerID := uuid.New(), uuid.New(), uuid.New()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE allocation_units`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "phase_id", "buyer_id", "unit_count", "amount", "status", "source", "created_at", "resolved_at",
		}).AddRow(allocID.String(), phaseID.String(), buyerID.String(), int64(5), "50", "completed", "purchase", now, now))
	mock.ExpectExec(`FROM earner_balances .* FOR UPDATE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE phases\s+SET units_pending = units_pending - \$2`).
		WithArgs(phaseID, int64(5), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// The completion check afterwards reads the phase; its failure is only
	// logged, so it is left unmatched here.
	alloc, err := svc.RecordSaleOutcome(context.Background(), allocID, phase.AllocationCompleted)
	requireNoError(t, err)
	if alloc.ID != allocID {
		t.Fatalf("expected allocation %s, got %s", allocID, alloc.ID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("lock order: %v", err)
	}
}
