package withdrawal

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

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

type submitRequest struct {
	Type               string          `json:"type" validate:"required,withdrawal_type"`
	Amount             decimal.Decimal `json:"amount" validate:"nonnegative_amount"`
	UnitQuantity       int64           `json:"unit_quantity" validate:"gte=0"`
	Network            string          `json:"network" validate:"required,network"`
	DestinationAddress string          `json:"destination_address" validate:"required,max=128"`
}

// Submit handles POST /withdrawals
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	earnerID := middleware.GetUserID(r.Context())
	if earnerID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req submitRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	result, err := h.svc.Submit(r.Context(), SubmitInput{
		EarnerID:           earnerID,
		Type:               Type(req.Type),
		Amount:             req.Amount,
		UnitQuantity:       req.UnitQuantity,
		Network:            req.Network,
		DestinationAddress: req.DestinationAddress,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	response.Created(w, result)
}

// History handles GET /withdrawals
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	earnerID := middleware.GetUserID(r.Context())
	if earnerID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	limit, offset := ParsePage(r)
	items, err := h.svc.History(r.Context(), earnerID, limit, offset)
	if err != nil {
		WriteError(w, err)
		return
	}
	response.OK(w, items)
}

// Get handles GET /withdrawals/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	earnerID := middleware.GetUserID(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid withdrawal ID")
		return
	}

	req, err := h.svc.GetForEarner(r.Context(), id, earnerID)
	if err != nil {
		WriteError(w, err)
		return
	}
	response.OK(w, req)
}

// Cancel handles POST /withdrawals/{id}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	earnerID := middleware.GetUserID(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid withdrawal ID")
		return
	}

	req, err := h.svc.Cancel(r.Context(), id, earnerID)
	if err != nil {
		WriteError(w, err)
		return
	}
	response.OK(w, req)
}

// Window handles GET /withdrawals/window
func (h *Handler) Window(w http.ResponseWriter, r *http.Request) {
	now := h.svc.now()
	window := h.svc.Window()
	response.OK(w, map[string]interface{}{
		"open":      window.Contains(now),
		"next_open": window.NextOpen(now),
	})
}

func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler, limiter func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.With(limiter).Post("/", h.Submit)
	r.Get("/", h.History)
	r.Get("/window", h.Window)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/cancel", h.Cancel)
	return r
}

// WriteError maps scheduler errors to HTTP responses.
func WriteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		response.NotFound(w, "Withdrawal request not found")
	case errors.Is(err, ErrMissingProof):
		response.Unprocessable(w, "MISSING_PROOF", "Completion reference is required")
	case errors.Is(err, ErrInvalidAddress):
		response.Unprocessable(w, "INVALID_ADDRESS", err.Error())
	case errors.Is(err, ErrInsufficientFunds):
		response.Conflict(w, "INSUFFICIENT_FUNDS", "Insufficient available balance")
	case errors.Is(err, ErrInvalidState):
		response.Conflict(w, "INVALID_STATE", err.Error())
	case errors.Is(err, ErrDuplicateReference):
		response.Conflict(w, "DUPLICATE_REFERENCE", "Completion reference already used")
	case errors.Is(err, ErrOutsideWindow):
		response.Conflict(w, "OUTSIDE_WINDOW", err.Error())
	case errors.Is(err, ErrInvalidType), errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrBelowMinimum), errors.Is(err, ErrInvalidOutcome):
		response.BadRequest(w, err.Error())
	default:
		log.Error().Err(err).Msg("withdrawal request failed")
		response.InternalError(w)
	}
}

// ParsePage reads limit and offset query parameters.
func ParsePage(r *http.Request) (int, int) {
	limit, offset := 20, 0
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
