package admin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/shareflow/shareflow-api/internal/middleware"
	"github.com/shareflow/shareflow-api/internal/pkg/response"
	"github.com/shareflow/shareflow-api/internal/pkg/validator"
)

// Handler handles admin HTTP requests
type Handler struct {
	service *Service
	jwtSvc  *JWTService

	phases      *PhaseHandler
	commissions *CommissionHandler
	withdrawals *WithdrawalHandler
}

// NewHandler creates admin handler
func NewHandler(service *Service, jwtSvc *JWTService, phases *PhaseHandler, commissions *CommissionHandler, withdrawals *WithdrawalHandler) *Handler {
	return &Handler{
		service:     service,
		jwtSvc:      jwtSvc,
		phases:      phases,
		commissions: commissions,
		withdrawals: withdrawals,
	}
}

// --- Authentication ---

// Login handles POST /admin/auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}

	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	admin, err := h.service.Login(r.Context(), req.Email, req.Password, middleware.ClientIP(r))
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidCredentials):
			response.Unauthorized(w, "Invalid email or password")
		case errors.Is(err, ErrAdminInactive):
			response.Forbidden(w, "Account is inactive")
		default:
			log.Error().Err(err).Msg("admin login failed")
			response.InternalError(w)
		}
		return
	}

	token, err := h.jwtSvc.GenerateToken(admin)
	if err != nil {
		log.Error().Err(err).Msg("failed to sign admin token")
		response.InternalError(w)
		return
	}

	response.OK(w, &LoginResponse{
		AccessToken: token,
		Admin:       AdminResponseFromEntity(admin),
	})
}

// Me handles GET /admin/auth/me
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	admin, err := h.service.GetAdminByID(r.Context(), GetAdminID(r.Context()))
	if err != nil {
		response.NotFound(w, "Admin not found")
		return
	}

	response.OK(w, AdminResponseFromEntity(admin))
}

// --- Admin Management ---

// ListAdmins handles GET /admin/admins
func (h *Handler) ListAdmins(w http.ResponseWriter, r *http.Request) {
	admins, err := h.service.ListAdmins(r.Context())
	if err != nil {
		writeAdminError(w, err)
		return
	}

	items := make([]*AdminResponse, len(admins))
	for i, a := range admins {
		items[i] = AdminResponseFromEntity(a)
	}

	response.OK(w, items)
}

// CreateAdmin handles POST /admin/admins
func (h *Handler) CreateAdmin(w http.ResponseWriter, r *http.Request) {
	var req CreateAdminRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}

	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	admin, err := h.service.CreateAdmin(r.Context(), GetAdminID(r.Context()), &req)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	response.Created(w, AdminResponseFromEntity(admin))
}

// UpdateAdmin handles PATCH /admin/admins/{id}
func (h *Handler) UpdateAdmin(w http.ResponseWriter, r *http.Request) {
	targetID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid admin ID")
		return
	}

	var req UpdateAdminRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	admin, err := h.service.UpdateAdmin(r.Context(), GetAdminID(r.Context()), targetID, &req)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	response.OK(w, AdminResponseFromEntity(admin))
}

func writeAdminError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrAdminNotFound):
		response.NotFound(w, "Admin not found")
	case errors.Is(err, ErrEmailTaken):
		response.Conflict(w, "EMAIL_TAKEN", "Email already in use")
	case errors.Is(err, ErrCannotManageRole):
		response.Forbidden(w, "Cannot manage admin with equal or higher role")
	case errors.Is(err, ErrInvalidRole):
		response.BadRequest(w, "Invalid role")
	default:
		log.Error().Err(err).Msg("admin request failed")
		response.InternalError(w)
	}
}

// --- Analytics ---

// Dashboard handles GET /admin/analytics/dashboard
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetDashboardStats(r.Context())
	if err != nil {
		writeAdminError(w, err)
		return
	}

	response.OK(w, stats)
}

// --- Audit Logs ---

// AuditLogs handles GET /admin/audit/logs
func (h *Handler) AuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := parsePage(r, 50)
	filter := AuditFilter{Limit: limit, Offset: offset}

	if action := q.Get("action"); action != "" {
		filter.Action = &action
	}
	if entityType := q.Get("entity_type"); entityType != "" {
		filter.EntityType = &entityType
	}
	if v := q.Get("entity_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			response.BadRequest(w, "Invalid entity ID")
			return
		}
		filter.EntityID = &id
	}
	if v := q.Get("admin_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			response.BadRequest(w, "Invalid admin ID")
			return
		}
		filter.AdminID = &id
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			response.BadRequest(w, "Invalid from date")
			return
		}
		filter.FromDate = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			response.BadRequest(w, "Invalid to date")
			return
		}
		filter.ToDate = &t
	}

	logs, total, err := h.service.ListAuditLogs(r.Context(), filter)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	items := make([]AuditLogResponse, len(logs))
	for i, l := range logs {
		items[i] = AuditLogResponseFromEntity(l)
	}

	response.WithMeta(w, items, response.Meta{Total: total, Limit: limit, Offset: offset})
}

func parsePage(r *http.Request, defaultLimit int) (int, int) {
	limit, offset := defaultLimit, 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 100 {
			limit = v
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if v, err := strconv.Atoi(o); err == nil && v >= 0 {
			offset = v
		}
	}
	return limit, offset
}
