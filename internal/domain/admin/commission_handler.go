package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/shareflow/shareflow-api/internal/domain/commission"
	"github.com/shareflow/shareflow-api/internal/pkg/response"
	"github.com/shareflow/shareflow-api/internal/pkg/validator"
)

// CommissionManager is the ledger surface available to admins.
type CommissionManager interface {
	ActivateCommissions(ctx context.Context, criteria commission.ActivationCriteria) (int, error)
	CancelCommissions(ctx context.Context, ids []uuid.UUID, reason string, adminID uuid.UUID) (int, error)
	GetBalance(ctx context.Context, earnerID uuid.UUID) (*commission.Balance, error)
	ListEntries(ctx context.Context, earnerID uuid.UUID, filter commission.EntryFilter) ([]commission.Entry, error)
	Reconcile(ctx context.Context, earnerID uuid.UUID) (*commission.ReconcileReport, error)
}

// CommissionHandler handles admin ledger operations
type CommissionHandler struct {
	ledger CommissionManager
}

func NewCommissionHandler(ledger CommissionManager) *CommissionHandler {
	return &CommissionHandler{ledger: ledger}
}

// Activate handles POST /admin/commissions/activate
func (h *CommissionHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req ActivateCommissionsRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	criteria := commission.ActivationCriteria{IDs: parseIDs(req.IDs)}
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil || d <= 0 {
			response.BadRequest(w, "Invalid older_than duration")
			return
		}
		criteria.OlderThan = d
	}

	n, err := h.ledger.ActivateCommissions(r.Context(), criteria)
	if err != nil {
		commission.WriteError(w, err)
		return
	}
	response.OK(w, map[string]int{"activated": n})
}

// Cancel handles POST /admin/commissions/cancel
func (h *CommissionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelCommissionsRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	n, err := h.ledger.CancelCommissions(r.Context(), parseIDs(req.IDs), req.Reason, GetAdminID(r.Context()))
	if err != nil {
		commission.WriteError(w, err)
		return
	}
	response.OK(w, map[string]int{"cancelled": n})
}

// Balance handles GET /admin/earners/{id}/balance
func (h *CommissionHandler) Balance(w http.ResponseWriter, r *http.Request) {
	earnerID, ok := earnerParam(w, r)
	if !ok {
		return
	}

	balance, err := h.ledger.GetBalance(r.Context(), earnerID)
	if err != nil {
		commission.WriteError(w, err)
		return
	}
	response.OK(w, balance)
}

// Entries handles GET /admin/earners/{id}/entries
func (h *CommissionHandler) Entries(w http.ResponseWriter, r *http.Request) {
	earnerID, ok := earnerParam(w, r)
	if !ok {
		return
	}

	limit, offset := parsePage(r, 50)
	entries, err := h.ledger.ListEntries(r.Context(), earnerID, commission.EntryFilter{
		Pagination: commission.Pagination{Limit: limit, Offset: offset},
	})
	if err != nil {
		commission.WriteError(w, err)
		return
	}
	response.OK(w, entries)
}

// Reconcile handles GET /admin/earners/{id}/reconcile
func (h *CommissionHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	earnerID, ok := earnerParam(w, r)
	if !ok {
		return
	}

	report, err := h.ledger.Reconcile(r.Context(), earnerID)
	if err != nil {
		commission.WriteError(w, err)
		return
	}
	response.OK(w, report)
}

func earnerParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid earner ID")
		return uuid.Nil, false
	}
	return id, true
}

// parseIDs expects values already validated as uuids.
func parseIDs(values []string) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(values))
	for _, v := range values {
		if id, err := uuid.Parse(v); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
