// Package sale is the entry point for purchases and for the payment
// collaborator's confirmation callbacks.
package sale

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/shareflow/shareflow-api/internal/domain/phase"
	"github.com/shareflow/shareflow-api/internal/middleware"
	"github.com/shareflow/shareflow-api/internal/pkg/response"
	"github.com/shareflow/shareflow-api/internal/pkg/validator"
	"github.com/shareflow/shareflow-api/internal/pkg/webhook"
)

const maxWebhookBody = 64 << 10

// Tracker is the part of the phase tracker sales go through.
type Tracker interface {
	Purchase(ctx context.Context, buyerID uuid.UUID, units int64) (*phase.AllocationUnit, error)
	ListByBuyer(ctx context.Context, buyerID uuid.UUID, limit, offset int) ([]phase.AllocationUnit, int, error)
	RecordSaleOutcome(ctx context.Context, allocationID uuid.UUID, status phase.AllocationStatus) (*phase.AllocationUnit, error)
}

type Handler struct {
	tracker Tracker
	secret  string
}

func NewHandler(tracker Tracker, webhookSecret string) *Handler {
	return &Handler{tracker: tracker, secret: webhookSecret}
}

type purchaseRequest struct {
	Units int64 `json:"units" validate:"required,gt=0"`
}

type outcomeRequest struct {
	AllocationID     string `json:"allocation_id" validate:"required,uuid"`
	PaymentReference string `json:"payment_reference" validate:"max=255"`
}

// Purchase handles POST /purchases
// @Summary Reserve units in the active phase
// @Tags Sales
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body purchaseRequest true "Units to buy"
// @Success 201 {object} response.Response{data=phase.AllocationUnit}
// @Failure 409 {object} response.Response
// @Router /purchases [post]
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	buyerID := middleware.GetUserID(r.Context())
	if buyerID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req purchaseRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	alloc, err := h.tracker.Purchase(r.Context(), buyerID, req.Units)
	if err != nil {
		phase.WriteError(w, err)
		return
	}
	response.Created(w, alloc)
}

// List handles GET /purchases
// @Summary Buyer's allocations
// @Tags Sales
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Page size (default 20, max 100)"
// @Param offset query int false "Offset"
// @Success 200 {object} response.Response{data=[]phase.AllocationUnit}
// @Router /purchases [get]
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	buyerID := middleware.GetUserID(r.Context())
	if buyerID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	limit, offset := parsePage(r)
	items, total, err := h.tracker.ListByBuyer(r.Context(), buyerID, limit, offset)
	if err != nil {
		phase.WriteError(w, err)
		return
	}
	response.WithMeta(w, items, response.Meta{Total: total, Limit: limit, Offset: offset})
}

// Confirmed handles POST /webhooks/sales/confirmed
func (h *Handler) Confirmed(w http.ResponseWriter, r *http.Request) {
	h.outcome(w, r, phase.AllocationCompleted)
}

// Rejected handles POST /webhooks/sales/rejected
func (h *Handler) Rejected(w http.ResponseWriter, r *http.Request) {
	h.outcome(w, r, phase.AllocationFailed)
}

func (h *Handler) outcome(w http.ResponseWriter, r *http.Request, status phase.AllocationStatus) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		response.BadRequest(w, "Unreadable body")
		return
	}

	if !webhook.Verify(body, r.Header.Get(webhook.SignatureHeader), h.secret) {
		log.Warn().Str("remote", middleware.ClientIP(r)).Msg("sale webhook signature rejected")
		response.Unauthorized(w, "invalid signature")
		return
	}

	var req outcomeRequest
	if err := response.DecodeJSON(io.NopCloser(bytes.NewReader(body)), &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}
	allocationID := uuid.MustParse(req.AllocationID)

	alloc, err := h.tracker.RecordSaleOutcome(r.Context(), allocationID, status)
	if err != nil {
		log.Warn().Err(err).
			Str("allocation_id", allocationID.String()).
			Str("payment_reference", req.PaymentReference).
			Str("status", string(status)).
			Msg("sale outcome not applied")
		phase.WriteError(w, err)
		return
	}

	log.Info().
		Str("allocation_id", alloc.ID.String()).
		Str("payment_reference", req.PaymentReference).
		Str("status", string(alloc.Status)).
		Msg("sale outcome recorded")
	response.OK(w, alloc)
}

// Routes mounts the buyer purchase API.
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler, limiter func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Get("/", h.List)
	r.With(limiter).Post("/", h.Purchase)
	return r
}

// WebhookRoutes mounts the signed collaborator callbacks.
func (h *Handler) WebhookRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/confirmed", h.Confirmed)
	r.Post("/rejected", h.Rejected)
	return r
}

func parsePage(r *http.Request) (int, int) {
	limit, offset := 20, 0
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 100 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}
