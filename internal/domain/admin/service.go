package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/shareflow/shareflow-api/internal/pkg/password"
)

// Service handles admin business logic
type Service struct {
	db   *sqlx.DB
	repo Repository
}

// NewService creates admin service
func NewService(db *sqlx.DB, repo Repository) *Service {
	return &Service{db: db, repo: repo}
}

// --- Authentication ---

// Login authenticates admin and returns token
func (s *Service) Login(ctx context.Context, email, pwd, ip string) (*AdminUser, error) {
	admin, err := s.repo.GetAdminByEmail(ctx, email)
	if err != nil || admin == nil {
		return nil, ErrInvalidCredentials
	}

	if !admin.IsActive {
		return nil, ErrAdminInactive
	}

	if !password.Verify(pwd, admin.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	if err := s.repo.UpdateLastLogin(ctx, admin.ID, ip); err != nil {
		log.Warn().Err(err).Str("admin_id", admin.ID.String()).Msg("failed to record admin login")
	}

	return admin, nil
}

// GetAdminByID returns admin by ID
func (s *Service) GetAdminByID(ctx context.Context, id uuid.UUID) (*AdminUser, error) {
	admin, err := s.repo.GetAdminByID(ctx, id)
	if err != nil || admin == nil {
		return nil, ErrAdminNotFound
	}
	return admin, nil
}

// --- Admin Management ---

// CreateAdmin creates a new admin user. actorID is uuid.Nil when seeding
// from the command line.
func (s *Service) CreateAdmin(ctx context.Context, actorID uuid.UUID, req *CreateAdminRequest) (*AdminUser, error) {
	role := Role(req.Role)
	if _, ok := RoleHierarchy[role]; !ok {
		return nil, ErrInvalidRole
	}
	if actorID != uuid.Nil {
		actor, _ := s.repo.GetAdminByID(ctx, actorID)
		if actor == nil || !CanManage(actor.Role, role) {
			return nil, ErrCannotManageRole
		}
	}

	existing, _ := s.repo.GetAdminByEmail(ctx, req.Email)
	if existing != nil {
		return nil, ErrEmailTaken
	}

	hash, err := password.Hash(req.Password)
	if err != nil {
		return nil, fmt.Errorf("%w: hash password: %v", ErrInternal, err)
	}

	now := time.Now()
	admin := &AdminUser{
		ID:           uuid.New(),
		Email:        strings.ToLower(strings.TrimSpace(req.Email)),
		PasswordHash: hash,
		Role:         role,
		Name:         req.Name,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.repo.CreateAdmin(ctx, admin); err != nil {
		return nil, err
	}

	s.logAction(ctx, actorID, "admin.create", "admin", admin.ID, nil, AdminResponseFromEntity(admin), "")

	return admin, nil
}

// UpdateAdmin updates admin user
func (s *Service) UpdateAdmin(ctx context.Context, actorID, targetID uuid.UUID, req *UpdateAdminRequest) (*AdminUser, error) {
	admin, err := s.repo.GetAdminByID(ctx, targetID)
	if err != nil || admin == nil {
		return nil, ErrAdminNotFound
	}

	actor, _ := s.repo.GetAdminByID(ctx, actorID)
	if actor == nil || !CanManage(actor.Role, admin.Role) {
		return nil, ErrCannotManageRole
	}

	oldValue := AdminResponseFromEntity(admin)

	if req.Name != nil {
		admin.Name = *req.Name
	}
	if req.Role != nil {
		if !CanManage(actor.Role, Role(*req.Role)) {
			return nil, ErrCannotManageRole
		}
		admin.Role = Role(*req.Role)
	}
	if req.IsActive != nil {
		admin.IsActive = *req.IsActive
	}

	if err := s.repo.UpdateAdmin(ctx, admin); err != nil {
		return nil, err
	}

	s.logAction(ctx, actorID, "admin.update", "admin", admin.ID, oldValue, AdminResponseFromEntity(admin), "")

	return admin, nil
}

// ListAdmins returns all admins
func (s *Service) ListAdmins(ctx context.Context) ([]*AdminUser, error) {
	return s.repo.ListAdmins(ctx)
}

// --- Analytics ---

// GetDashboardStats returns dashboard statistics
func (s *Service) GetDashboardStats(ctx context.Context) (*DashboardStats, error) {
	return s.repo.GetDashboardStats(ctx)
}

// --- Audit Logs ---

// ListAuditLogs returns audit logs
func (s *Service) ListAuditLogs(ctx context.Context, filter AuditFilter) ([]*AuditLog, int, error) {
	return s.repo.ListAuditLogs(ctx, filter)
}

// RecordTx writes an audit row inside tx, so the row exists exactly when
// the change it describes commits.
func (s *Service) RecordTx(ctx context.Context, tx *sqlx.Tx, adminID uuid.UUID, action, entityType string, entityID uuid.UUID, oldValue, newValue interface{}, reason string) error {
	entry, err := s.buildEntry(ctx, tx, adminID, action, entityType, entityID, oldValue, newValue, reason)
	if err != nil {
		return err
	}
	return s.repo.CreateAuditLog(ctx, tx, entry)
}

// logAction records actions on admin accounts themselves. Failures are
// logged and do not undo the action.
func (s *Service) logAction(ctx context.Context, adminID uuid.UUID, action, entityType string, entityID uuid.UUID, oldValue, newValue interface{}, reason string) {
	entry, err := s.buildEntry(ctx, s.db, adminID, action, entityType, entityID, oldValue, newValue, reason)
	if err == nil {
		err = s.repo.CreateAuditLog(ctx, s.db, entry)
	}
	if err != nil {
		log.Error().Err(err).Str("action", action).Msg("failed to create audit log")
	}
}

func (s *Service) buildEntry(ctx context.Context, q sqlx.QueryerContext, adminID uuid.UUID, action, entityType string, entityID uuid.UUID, oldValue, newValue interface{}, reason string) (*AuditLog, error) {
	email := ""
	if adminID != uuid.Nil {
		var err error
		if email, err = s.repo.AdminEmailTx(ctx, q, adminID); err != nil {
			return nil, err
		}
	}

	oldJSON, err := json.Marshal(oldValue)
	if err != nil {
		return nil, fmt.Errorf("%w: encode old value: %v", ErrInternal, err)
	}
	newJSON, err := json.Marshal(newValue)
	if err != nil {
		return nil, fmt.Errorf("%w: encode new value: %v", ErrInternal, err)
	}

	meta := requestMetaFrom(ctx)
	return &AuditLog{
		ID:         uuid.New(),
		AdminID:    uuid.NullUUID{UUID: adminID, Valid: adminID != uuid.Nil},
		AdminEmail: email,
		Action:     action,
		EntityType: entityType,
		EntityID:   uuid.NullUUID{UUID: entityID, Valid: entityID != uuid.Nil},
		OldValue:   oldJSON,
		NewValue:   newJSON,
		Reason:     sql.NullString{String: reason, Valid: reason != ""},
		IPAddress:  sql.NullString{String: meta.ip, Valid: meta.ip != ""},
		UserAgent:  sql.NullString{String: meta.userAgent, Valid: meta.userAgent != ""},
		CreatedAt:  time.Now(),
	}, nil
}
