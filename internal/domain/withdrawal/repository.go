package withdrawal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/shareflow/shareflow-api/internal/pkg/database"
)

const queryTimeout = 3 * time.Second

const requestColumns = `id, earner_id, type, amount, unit_quantity, network, destination_address, status,
	completion_reference, admin_id, notes, requested_at, queued_at, scheduled_date, processing_started_at,
	completed_at, updated_at`

type Repository interface {
	CreateTx(ctx context.Context, tx *sqlx.Tx, req *Request) error
	GetByID(ctx context.Context, id uuid.UUID) (*Request, error)
	GetForUpdateTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*Request, error)

	MarkQueuedTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, at time.Time) (*Request, error)
	MarkOutsideWindowTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, scheduled time.Time) (*Request, error)
	MarkProcessingTx(ctx context.Context, tx *sqlx.Tx, id, adminID uuid.UUID, at time.Time) (*Request, error)
	CloseTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, status Status, reference *string, adminID *uuid.UUID, notes *string, at time.Time) (*Request, error)

	InsertQueueEntryTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, scheduled time.Time) (*QueueEntry, error)
	SetQueueStatusTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, status QueueStatus) error
	DeleteQueueEntryTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) error

	ListByEarner(ctx context.Context, earnerID uuid.UUID, limit, offset int) ([]Request, error)
	List(ctx context.Context, filter ListFilter) ([]Request, int, error)
	ListQueue(ctx context.Context) ([]QueueItem, error)
	ListDueOutsideWindow(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error)
}

// RequestRepository stores withdrawal requests and the processing queue.
type RequestRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

func (r *RequestRepository) CreateTx(ctx context.Context, tx *sqlx.Tx, req *Request) error {
	err := tx.QueryRowxContext(ctx, `
		INSERT INTO withdrawal_requests (earner_id, type, amount, unit_quantity, network, destination_address, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		RETURNING `+requestColumns,
		req.EarnerID, req.Type, req.Amount, req.UnitQuantity, req.Network, req.DestinationAddress,
	).StructScan(req)
	if err != nil {
		return fmt.Errorf("%w: insert request: %v", ErrInternal, err)
	}
	return nil
}

func (r *RequestRepository) GetByID(ctx context.Context, id uuid.UUID) (*Request, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var req Request
	err := r.db.GetContext(ctx2, &req, `SELECT `+requestColumns+` FROM withdrawal_requests WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: get request: %v", ErrInternal, err)
	}
	return &req, nil
}

func (r *RequestRepository) GetForUpdateTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*Request, error) {
	var req Request
	err := tx.GetContext(ctx, &req, `SELECT `+requestColumns+` FROM withdrawal_requests WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: lock request: %v", ErrInternal, err)
	}
	return &req, nil
}

// transition runs a conditional status update. No row means the request was
// not in an allowed source status.
func (r *RequestRepository) transition(ctx context.Context, tx *sqlx.Tx, step, query string, args ...interface{}) (*Request, error) {
	var req Request
	if err := tx.QueryRowxContext(ctx, query, args...).StructScan(&req); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidState
		}
		if database.IsUniqueViolation(err, "withdrawal_requests_completion_reference_key") {
			return nil, ErrDuplicateReference
		}
		if database.IsCheckViolation(err) {
			return nil, ErrMissingProof
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInternal, step, err)
	}
	return &req, nil
}

func (r *RequestRepository) MarkQueuedTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, at time.Time) (*Request, error) {
	return r.transition(ctx, tx, "mark queued", `
		UPDATE withdrawal_requests
		SET status = 'queued', queued_at = $2, scheduled_date = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'outside_window')
		RETURNING `+requestColumns, id, at)
}

func (r *RequestRepository) MarkOutsideWindowTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, scheduled time.Time) (*Request, error) {
	return r.transition(ctx, tx, "mark outside window", `
		UPDATE withdrawal_requests
		SET status = 'outside_window', scheduled_date = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+requestColumns, id, scheduled)
}

func (r *RequestRepository) MarkProcessingTx(ctx context.Context, tx *sqlx.Tx, id, adminID uuid.UUID, at time.Time) (*Request, error) {
	return r.transition(ctx, tx, "mark processing", `
		UPDATE withdrawal_requests
		SET status = 'processing', admin_id = $2, processing_started_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'queued'
		RETURNING `+requestColumns, id, adminID, at)
}

// CloseTx moves an active request to a terminal status.
func (r *RequestRepository) CloseTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, status Status, reference *string, adminID *uuid.UUID, notes *string, at time.Time) (*Request, error) {
	return r.transition(ctx, tx, "close request", `
		UPDATE withdrawal_requests
		SET status = $2,
		    completion_reference = $3,
		    admin_id = COALESCE($4, admin_id),
		    notes = COALESCE($5, notes),
		    completed_at = $6,
		    updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'outside_window', 'queued', 'processing')
		RETURNING `+requestColumns, id, status, reference, adminID, notes, at)
}

func (r *RequestRepository) InsertQueueEntryTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, scheduled time.Time) (*QueueEntry, error) {
	var e QueueEntry
	err := tx.QueryRowxContext(ctx, `
		INSERT INTO withdrawal_queue (withdrawal_id, scheduled_date)
		VALUES ($1, $2)
		RETURNING withdrawal_id, position, scheduled_date, queue_status, created_at
	`, id, scheduled).StructScan(&e)
	if err != nil {
		return nil, fmt.Errorf("%w: insert queue entry: %v", ErrInternal, err)
	}
	return &e, nil
}

func (r *RequestRepository) SetQueueStatusTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, status QueueStatus) error {
	result, err := tx.ExecContext(ctx, `UPDATE withdrawal_queue SET queue_status = $2 WHERE withdrawal_id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("%w: update queue entry: %v", ErrInternal, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", ErrInternal, err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: queue entry missing for %s", ErrInternal, id)
	}
	return nil
}

func (r *RequestRepository) DeleteQueueEntryTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM withdrawal_queue WHERE withdrawal_id = $1`, id); err != nil {
		return fmt.Errorf("%w: delete queue entry: %v", ErrInternal, err)
	}
	return nil
}

func (r *RequestRepository) ListByEarner(ctx context.Context, earnerID uuid.UUID, limit, offset int) ([]Request, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}

	items := make([]Request, 0)
	err := r.db.SelectContext(ctx2, &items, `
		SELECT `+requestColumns+`
		FROM withdrawal_requests
		WHERE earner_id = $1
		ORDER BY requested_at DESC
		LIMIT $2 OFFSET $3
	`, earnerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list history: %v", ErrInternal, err)
	}
	return items, nil
}

func (r *RequestRepository) List(ctx context.Context, filter ListFilter) ([]Request, int, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var where []string
	var args []interface{}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.EarnerID != nil {
		args = append(args, *filter.EarnerID)
		where = append(where, fmt.Sprintf("earner_id = $%d", len(args)))
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.GetContext(ctx2, &total, `SELECT COUNT(*) FROM withdrawal_requests`+whereClause, args...); err != nil {
		return nil, 0, fmt.Errorf("%w: count requests: %v", ErrInternal, err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)

	items := make([]Request, 0)
	query := `SELECT ` + requestColumns + ` FROM withdrawal_requests` + whereClause +
		fmt.Sprintf(" ORDER BY requested_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	if err := r.db.SelectContext(ctx2, &items, query, args...); err != nil {
		return nil, 0, fmt.Errorf("%w: list requests: %v", ErrInternal, err)
	}
	return items, total, nil
}

func (r *RequestRepository) ListQueue(ctx context.Context) ([]QueueItem, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	items := make([]QueueItem, 0)
	err := r.db.SelectContext(ctx2, &items, `
		SELECT q.withdrawal_id, q.position, q.scheduled_date, q.queue_status, q.created_at,
		       w.earner_id, w.type, w.amount, w.unit_quantity, w.network, w.destination_address, w.status
		FROM withdrawal_queue q
		JOIN withdrawal_requests w ON w.id = q.withdrawal_id
		ORDER BY q.position
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: list queue: %v", ErrInternal, err)
	}
	return items, nil
}

func (r *RequestRepository) ListDueOutsideWindow(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	ids := make([]uuid.UUID, 0)
	err := r.db.SelectContext(ctx2, &ids, `
		SELECT id FROM withdrawal_requests
		WHERE status = 'outside_window' AND scheduled_date <= $1
		ORDER BY requested_at
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list due requests: %v", ErrInternal, err)
	}
	return ids, nil
}
