package admin

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/shareflow/shareflow-api/internal/domain/withdrawal"
	"github.com/shareflow/shareflow-api/internal/pkg/response"
	"github.com/shareflow/shareflow-api/internal/pkg/validator"
)

// WithdrawalProcessor is the scheduler surface available to operators.
type WithdrawalProcessor interface {
	List(ctx context.Context, filter withdrawal.ListFilter) ([]withdrawal.Request, int, error)
	Queue(ctx context.Context) ([]withdrawal.QueueItem, error)
	Get(ctx context.Context, id uuid.UUID) (*withdrawal.Request, error)
	BeginProcessing(ctx context.Context, requestID, adminID uuid.UUID) (*withdrawal.Request, error)
	Finalize(ctx context.Context, in withdrawal.FinalizeInput) (*withdrawal.Request, error)
	OnProofReceived(ctx context.Context, requestID, adminID uuid.UUID, reference string) (*withdrawal.Request, error)
}

// WithdrawalHandler handles admin withdrawal processing
type WithdrawalHandler struct {
	withdrawals WithdrawalProcessor
}

func NewWithdrawalHandler(withdrawals WithdrawalProcessor) *WithdrawalHandler {
	return &WithdrawalHandler{withdrawals: withdrawals}
}

// List handles GET /admin/withdrawals
func (h *WithdrawalHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePage(r, 50)
	filter := withdrawal.ListFilter{Limit: limit, Offset: offset}

	if v := r.URL.Query().Get("status"); v != "" {
		status := withdrawal.Status(v)
		filter.Status = &status
	}
	if v := r.URL.Query().Get("earner_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			response.BadRequest(w, "Invalid earner ID")
			return
		}
		filter.EarnerID = &id
	}

	items, total, err := h.withdrawals.List(r.Context(), filter)
	if err != nil {
		withdrawal.WriteError(w, err)
		return
	}
	response.WithMeta(w, items, response.Meta{Total: total, Limit: limit, Offset: offset})
}

// Queue handles GET /admin/withdrawals/queue
func (h *WithdrawalHandler) Queue(w http.ResponseWriter, r *http.Request) {
	items, err := h.withdrawals.Queue(r.Context())
	if err != nil {
		withdrawal.WriteError(w, err)
		return
	}
	response.OK(w, items)
}

// Get handles GET /admin/withdrawals/{id}
func (h *WithdrawalHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := withdrawalParam(w, r)
	if !ok {
		return
	}

	req, err := h.withdrawals.Get(r.Context(), id)
	if err != nil {
		withdrawal.WriteError(w, err)
		return
	}
	response.OK(w, req)
}

// Process handles POST /admin/withdrawals/{id}/process
func (h *WithdrawalHandler) Process(w http.ResponseWriter, r *http.Request) {
	id, ok := withdrawalParam(w, r)
	if !ok {
		return
	}

	req, err := h.withdrawals.BeginProcessing(r.Context(), id, GetAdminID(r.Context()))
	if err != nil {
		withdrawal.WriteError(w, err)
		return
	}
	response.OK(w, req)
}

// Finalize handles POST /admin/withdrawals/{id}/finalize
func (h *WithdrawalHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	id, ok := withdrawalParam(w, r)
	if !ok {
		return
	}

	var body FinalizeWithdrawalRequest
	if err := response.DecodeJSON(r.Body, &body); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(&body); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	req, err := h.withdrawals.Finalize(r.Context(), withdrawal.FinalizeInput{
		RequestID:           id,
		AdminID:             GetAdminID(r.Context()),
		Outcome:             withdrawal.Status(body.Outcome),
		CompletionReference: body.CompletionReference,
		Notes:               body.Notes,
	})
	if err != nil {
		withdrawal.WriteError(w, err)
		return
	}
	response.OK(w, req)
}

// Proof handles POST /admin/withdrawals/{id}/proof, the operator callback
// reporting that a payout was sent.
func (h *WithdrawalHandler) Proof(w http.ResponseWriter, r *http.Request) {
	id, ok := withdrawalParam(w, r)
	if !ok {
		return
	}

	var body ProofRequest
	if err := response.DecodeJSON(r.Body, &body); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(&body); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	req, err := h.withdrawals.OnProofReceived(r.Context(), id, GetAdminID(r.Context()), body.CompletionReference)
	if err != nil {
		withdrawal.WriteError(w, err)
		return
	}
	response.OK(w, req)
}

func withdrawalParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid withdrawal ID")
		return uuid.Nil, false
	}
	return id, true
}
