package commission

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/shareflow/shareflow-api/internal/domain/phase"
	"github.com/shareflow/shareflow-api/internal/middleware"
	"github.com/shareflow/shareflow-api/internal/pkg/response"
	"github.com/shareflow/shareflow-api/internal/pkg/validator"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type reinvestRequest struct {
	Units  int64           `json:"units" validate:"required,gt=0"`
	Amount decimal.Decimal `json:"amount" validate:"positive_amount"`
}

// Balance handles GET /commissions/balance
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	earnerID := middleware.GetUserID(r.Context())
	if earnerID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	balance, err := h.svc.GetBalance(r.Context(), earnerID)
	if err != nil {
		WriteError(w, err)
		return
	}
	response.OK(w, balance)
}

// Entries handles GET /commissions/entries
func (h *Handler) Entries(w http.ResponseWriter, r *http.Request) {
	earnerID := middleware.GetUserID(r.Context())
	if earnerID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	filter := EntryFilter{Pagination: parsePagination(r)}
	if status := r.URL.Query().Get("status"); status != "" {
		s := EntryStatus(status)
		if s != EntryPending && s != EntryPaid && s != EntryCancelled {
			response.BadRequest(w, "Invalid status")
			return
		}
		filter.Status = &s
	}

	entries, err := h.svc.ListEntries(r.Context(), earnerID, filter)
	if err != nil {
		WriteError(w, err)
		return
	}
	response.OK(w, entries)
}

// Transactions handles GET /commissions/transactions
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	earnerID := middleware.GetUserID(r.Context())
	if earnerID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	transactions, err := h.svc.ListTransactions(r.Context(), earnerID, parsePagination(r))
	if err != nil {
		WriteError(w, err)
		return
	}
	response.OK(w, transactions)
}

// Reinvest handles POST /commissions/reinvest
func (h *Handler) Reinvest(w http.ResponseWriter, r *http.Request) {
	earnerID := middleware.GetUserID(r.Context())
	if earnerID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req reinvestRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	result, err := h.svc.CreditForReinvestment(r.Context(), earnerID, req.Amount, req.Units)
	if err != nil {
		WriteError(w, err)
		return
	}
	response.Created(w, result)
}

func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Get("/balance", h.Balance)
	r.Get("/entries", h.Entries)
	r.Get("/transactions", h.Transactions)
	r.Post("/reinvest", h.Reinvest)
	return r
}

// WriteError maps ledger errors, including capacity errors surfaced by
// reinvestment, to HTTP responses.
func WriteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		response.Conflict(w, "INSUFFICIENT_FUNDS", "Insufficient available balance")
	case errors.Is(err, ErrDuplicateCommission):
		response.Conflict(w, "DUPLICATE_COMMISSION", err.Error())
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidPercentage), errors.Is(err, ErrInvalidCriteria):
		response.BadRequest(w, err.Error())
	case errors.Is(err, ErrReinvestDisabled):
		response.ServiceUnavailable(w, "Reinvestment is not available")
	case errors.Is(err, phase.ErrInsufficientCapacity),
		errors.Is(err, phase.ErrNotFound),
		errors.Is(err, phase.ErrInvalidAmount),
		errors.Is(err, phase.ErrPhaseClosed):
		phase.WriteError(w, err)
	default:
		log.Error().Err(err).Msg("ledger request failed")
		response.InternalError(w)
	}
}

func parsePagination(r *http.Request) Pagination {
	p := Pagination{Limit: 20}
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 100 {
			p.Limit = v
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if v, err := strconv.Atoi(o); err == nil && v >= 0 {
			p.Offset = v
		}
	}
	return p
}
