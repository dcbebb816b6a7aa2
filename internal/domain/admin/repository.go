package admin

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

const adminColumns = `id, email, password_hash, role, name, is_active, last_login_at, last_login_ip, created_at, updated_at`

// Repository defines admin data access
type Repository interface {
	// Admin users
	CreateAdmin(ctx context.Context, admin *AdminUser) error
	GetAdminByID(ctx context.Context, id uuid.UUID) (*AdminUser, error)
	GetAdminByEmail(ctx context.Context, email string) (*AdminUser, error)
	ListAdmins(ctx context.Context) ([]*AdminUser, error)
	UpdateAdmin(ctx context.Context, admin *AdminUser) error
	UpdateLastLogin(ctx context.Context, id uuid.UUID, ip string) error

	// Audit logs
	CreateAuditLog(ctx context.Context, q sqlx.ExecerContext, log *AuditLog) error
	AdminEmailTx(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (string, error)
	ListAuditLogs(ctx context.Context, filter AuditFilter) ([]*AuditLog, int, error)

	// Analytics
	GetDashboardStats(ctx context.Context) (*DashboardStats, error)
}

// AuditFilter for filtering audit logs
type AuditFilter struct {
	AdminID    *uuid.UUID
	Action     *string
	EntityType *string
	EntityID   *uuid.UUID
	FromDate   *time.Time
	ToDate     *time.Time
	Limit      int
	Offset     int
}

type repository struct {
	db *sqlx.DB
}

// NewRepository creates admin repository
func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

// Admin users

func (r *repository) CreateAdmin(ctx context.Context, admin *AdminUser) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		INSERT INTO admin_users (id, email, password_hash, role, name, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx2, query,
		admin.ID,
		admin.Email,
		admin.PasswordHash,
		admin.Role,
		admin.Name,
		admin.IsActive,
		admin.CreatedAt,
		admin.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err, "admin_users_email_key") {
			return ErrEmailTaken
		}
		return fmt.Errorf("%w: insert admin: %v", ErrInternal, err)
	}
	return nil
}

func (r *repository) getAdmin(ctx context.Context, where string, arg interface{}) (*AdminUser, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var admin AdminUser
	err := r.db.GetContext(ctx2, &admin, `SELECT `+adminColumns+` FROM admin_users WHERE `+where, arg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get admin: %v", ErrInternal, err)
	}
	return &admin, nil
}

func (r *repository) GetAdminByID(ctx context.Context, id uuid.UUID) (*AdminUser, error) {
	return r.getAdmin(ctx, "id = $1", id)
}

func (r *repository) GetAdminByEmail(ctx context.Context, email string) (*AdminUser, error) {
	return r.getAdmin(ctx, "lower(email) = lower($1)", email)
}

func (r *repository) ListAdmins(ctx context.Context) ([]*AdminUser, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	admins := make([]*AdminUser, 0)
	err := r.db.SelectContext(ctx2, &admins, `SELECT `+adminColumns+` FROM admin_users ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list admins: %v", ErrInternal, err)
	}
	return admins, nil
}

func (r *repository) UpdateAdmin(ctx context.Context, admin *AdminUser) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		UPDATE admin_users SET
			name = $2, role = $3, is_active = $4, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx2, query, admin.ID, admin.Name, admin.Role, admin.IsActive); err != nil {
		return fmt.Errorf("%w: update admin: %v", ErrInternal, err)
	}
	return nil
}

func (r *repository) UpdateLastLogin(ctx context.Context, id uuid.UUID, ip string) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `UPDATE admin_users SET last_login_at = NOW(), last_login_ip = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx2, query, id, ip); err != nil {
		return fmt.Errorf("%w: update last login: %v", ErrInternal, err)
	}
	return nil
}

// Audit logs

// CreateAuditLog inserts through q, which is the business transaction when
// the action changes ledger state.
func (r *repository) CreateAuditLog(ctx context.Context, q sqlx.ExecerContext, log *AuditLog) error {
	query := `
		INSERT INTO audit_logs (id, admin_id, admin_email, action, entity_type, entity_id, old_value, new_value, reason, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := q.ExecContext(ctx, query,
		log.ID,
		log.AdminID,
		log.AdminEmail,
		log.Action,
		log.EntityType,
		log.EntityID,
		nullJSON(log.OldValue),
		nullJSON(log.NewValue),
		log.Reason,
		log.IPAddress,
		log.UserAgent,
		log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: insert audit log: %v", ErrInternal, err)
	}
	return nil
}

func (r *repository) AdminEmailTx(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (string, error) {
	var email string
	err := sqlx.GetContext(ctx, q, &email, `SELECT email FROM admin_users WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("%w: admin email: %v", ErrInternal, err)
	}
	return email, nil
}

func nullJSON(v []byte) interface{} {
	if len(v) == 0 || string(v) == "null" {
		return nil
	}
	return string(v)
}

func (r *repository) ListAuditLogs(ctx context.Context, filter AuditFilter) ([]*AuditLog, int, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var where []string
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if filter.AdminID != nil {
		add("admin_id = $%d", *filter.AdminID)
	}
	if filter.Action != nil {
		add("action = $%d", *filter.Action)
	}
	if filter.EntityType != nil {
		add("entity_type = $%d", *filter.EntityType)
	}
	if filter.EntityID != nil {
		add("entity_id = $%d", *filter.EntityID)
	}
	if filter.FromDate != nil {
		add("created_at >= $%d", *filter.FromDate)
	}
	if filter.ToDate != nil {
		add("created_at < $%d", *filter.ToDate)
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.GetContext(ctx2, &total, `SELECT COUNT(*) FROM audit_logs`+whereClause, args...); err != nil {
		return nil, 0, fmt.Errorf("%w: count audit logs: %v", ErrInternal, err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	query := `SELECT * FROM audit_logs` + whereClause +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	logs := make([]*AuditLog, 0)
	if err := r.db.SelectContext(ctx2, &logs, query, args...); err != nil {
		return nil, 0, fmt.Errorf("%w: list audit logs: %v", ErrInternal, err)
	}

	return logs, total, nil
}

// Analytics

func (r *repository) GetDashboardStats(ctx context.Context) (*DashboardStats, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	stats := &DashboardStats{}

	err := r.db.GetContext(ctx2, &stats.Phase, `
		SELECT number, cap_units, units_sold, units_pending FROM phases WHERE is_active
	`)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: phase stats: %v", ErrInternal, err)
	}

	err = r.db.GetContext(ctx2, &stats.Commissions, `
		SELECT COALESCE(SUM(pending_balance), 0)   AS pending,
		       COALESCE(SUM(available_balance), 0) AS available,
		       COALESCE(SUM(reserved_balance), 0)  AS reserved,
		       COALESCE(SUM(total_withdrawn), 0)   AS withdrawn
		FROM earner_balances
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: commission stats: %v", ErrInternal, err)
	}

	err = r.db.GetContext(ctx2, &stats.Withdrawals, `
		SELECT COUNT(*) FILTER (WHERE status = 'pending')        AS pending,
		       COUNT(*) FILTER (WHERE status = 'outside_window') AS outside_window,
		       COUNT(*) FILTER (WHERE status = 'queued')         AS queued,
		       COUNT(*) FILTER (WHERE status = 'processing')     AS processing,
		       COUNT(*) FILTER (WHERE status = 'completed' AND completed_at >= CURRENT_DATE) AS completed_today
		FROM withdrawal_requests
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: withdrawal stats: %v", ErrInternal, err)
	}

	return stats, nil
}
