package database_test

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/shareflow/shareflow-api/internal/pkg/database"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { raw.Close() })
	return sqlx.NewDb(raw, "postgres"), mock
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE phases").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := database.WithTx(context.Background(), db, func(tx *sqlx.Tx) error {
		_, err := tx.Exec("UPDATE phases SET units_pending = 0")
		return err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithTxRollsBackAndKeepsSentinel(t *testing.T) {
	db, mock := newMockDB(t)
	sentinel := errors.New("insufficient capacity")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := database.WithTx(context.Background(), db, func(tx *sqlx.Tx) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithTxCommitFailure(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("connection reset"))

	err := database.WithTx(context.Background(), db, func(tx *sqlx.Tx) error { return nil })
	if !errors.Is(err, database.ErrTxAborted) {
		t.Fatalf("expected ErrTxAborted, got %v", err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	err := &pq.Error{Code: "23505", Constraint: "commission_entries_allocation_earner_key"}

	if !database.IsUniqueViolation(err, "") {
		t.Fatal("expected unique violation")
	}
	if !database.IsUniqueViolation(err, "commission_entries_allocation_earner_key") {
		t.Fatal("expected unique violation on named constraint")
	}
	if database.IsUniqueViolation(err, "withdrawal_requests_completion_reference_key") {
		t.Fatal("constraint name should not match")
	}
	if database.IsUniqueViolation(errors.New("boom"), "") {
		t.Fatal("plain error is not a unique violation")
	}
	if !database.IsCheckViolation(&pq.Error{Code: "23514"}) {
		t.Fatal("expected check violation")
	}
}
