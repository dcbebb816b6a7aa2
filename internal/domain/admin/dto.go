package admin

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LoginRequest for POST /admin/auth/login
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

// LoginResponse after successful login
type LoginResponse struct {
	AccessToken string         `json:"access_token"`
	Admin       *AdminResponse `json:"admin"`
}

// AdminResponse represents admin in API
type AdminResponse struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	Role        string    `json:"role"`
	Name        string    `json:"name"`
	IsActive    bool      `json:"is_active"`
	Permissions []string  `json:"permissions"`
	LastLoginAt *string   `json:"last_login_at,omitempty"`
	CreatedAt   string    `json:"created_at"`
}

// AdminResponseFromEntity converts entity to response
func AdminResponseFromEntity(a *AdminUser) *AdminResponse {
	resp := &AdminResponse{
		ID:          a.ID,
		Email:       a.Email,
		Role:        string(a.Role),
		Name:        a.Name,
		IsActive:    a.IsActive,
		CreatedAt:   a.CreatedAt.Format(time.RFC3339),
		Permissions: []string{},
	}

	if a.LastLoginAt.Valid {
		s := a.LastLoginAt.Time.Format(time.RFC3339)
		resp.LastLoginAt = &s
	}

	for _, p := range RolePermissions[a.Role] {
		resp.Permissions = append(resp.Permissions, string(p))
	}

	return resp
}

// CreateAdminRequest for POST /admin/admins
type CreateAdminRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	Role     string `json:"role" validate:"required,oneof=admin operator support"`
	Name     string `json:"name" validate:"required,min=2,max=100"`
}

// UpdateAdminRequest for PATCH /admin/admins/{id}
type UpdateAdminRequest struct {
	Name     *string `json:"name,omitempty" validate:"omitempty,min=2,max=100"`
	Role     *string `json:"role,omitempty" validate:"omitempty,oneof=admin operator support"`
	IsActive *bool   `json:"is_active,omitempty"`
}

// AuditLogResponse represents audit log in API
type AuditLogResponse struct {
	ID         uuid.UUID       `json:"id"`
	AdminID    *uuid.UUID      `json:"admin_id,omitempty"`
	AdminEmail string          `json:"admin_email"`
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   *uuid.UUID      `json:"entity_id,omitempty"`
	OldValue   json.RawMessage `json:"old_value,omitempty"`
	NewValue   json.RawMessage `json:"new_value,omitempty"`
	Reason     *string         `json:"reason,omitempty"`
	IPAddress  *string         `json:"ip_address,omitempty"`
	CreatedAt  string          `json:"created_at"`
}

func AuditLogResponseFromEntity(l *AuditLog) AuditLogResponse {
	resp := AuditLogResponse{
		ID:         l.ID,
		AdminEmail: l.AdminEmail,
		Action:     l.Action,
		EntityType: l.EntityType,
		OldValue:   l.OldValue,
		NewValue:   l.NewValue,
		CreatedAt:  l.CreatedAt.Format(time.RFC3339),
	}
	if l.AdminID.Valid {
		resp.AdminID = &l.AdminID.UUID
	}
	if l.EntityID.Valid {
		resp.EntityID = &l.EntityID.UUID
	}
	if l.Reason.Valid {
		resp.Reason = &l.Reason.String
	}
	if l.IPAddress.Valid {
		resp.IPAddress = &l.IPAddress.String
	}
	return resp
}

// DashboardStats for /admin/analytics/dashboard
type DashboardStats struct {
	Phase       PhaseStats      `json:"phase"`
	Commissions CommissionStats `json:"commissions"`
	Withdrawals WithdrawalStats `json:"withdrawals"`
}

type PhaseStats struct {
	ActiveNumber int   `db:"number" json:"active_number"`
	CapUnits     int64 `db:"cap_units" json:"cap_units"`
	UnitsSold    int64 `db:"units_sold" json:"units_sold"`
	UnitsPending int64 `db:"units_pending" json:"units_pending"`
}

type CommissionStats struct {
	PendingTotal   decimal.Decimal `db:"pending" json:"pending_total"`
	AvailableTotal decimal.Decimal `db:"available" json:"available_total"`
	ReservedTotal  decimal.Decimal `db:"reserved" json:"reserved_total"`
	WithdrawnTotal decimal.Decimal `db:"withdrawn" json:"withdrawn_total"`
}

type WithdrawalStats struct {
	Pending        int `db:"pending" json:"pending"`
	OutsideWindow  int `db:"outside_window" json:"outside_window"`
	Queued         int `db:"queued" json:"queued"`
	Processing     int `db:"processing" json:"processing"`
	CompletedToday int `db:"completed_today" json:"completed_today"`
}

// CreatePhaseRequest for POST /admin/phases
type CreatePhaseRequest struct {
	Number    int             `json:"number" validate:"required,gt=0"`
	CapUnits  int64           `json:"cap_units" validate:"required,gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price" validate:"positive_amount"`
	Activate  bool            `json:"activate"`
}

// AdvancePhaseRequest for POST /admin/phases/advance
type AdvancePhaseRequest struct {
	TargetNumber int    `json:"target_number" validate:"required,gt=0"`
	Reason       string `json:"reason" validate:"required,min=3,max=500"`
}

// ActivateCommissionsRequest for POST /admin/commissions/activate.
// Either IDs or OlderThan (a Go duration such as "168h") is required.
type ActivateCommissionsRequest struct {
	IDs       []string `json:"ids" validate:"omitempty,max=500,dive,uuid"`
	OlderThan string   `json:"older_than" validate:"omitempty,max=20"`
}

// CancelCommissionsRequest for POST /admin/commissions/cancel
type CancelCommissionsRequest struct {
	IDs    []string `json:"ids" validate:"required,min=1,max=500,dive,uuid"`
	Reason string   `json:"reason" validate:"required,min=3,max=500"`
}

// FinalizeWithdrawalRequest for POST /admin/withdrawals/{id}/finalize
type FinalizeWithdrawalRequest struct {
	Outcome             string `json:"outcome" validate:"required,outcome"`
	CompletionReference string `json:"completion_reference" validate:"max=255"`
	Notes               string `json:"notes" validate:"max=1000"`
}

// ProofRequest for POST /admin/withdrawals/{id}/proof
type ProofRequest struct {
	CompletionReference string `json:"completion_reference" validate:"max=255"`
}
