package admin

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/shareflow/shareflow-api/internal/domain/phase"
	"github.com/shareflow/shareflow-api/internal/pkg/response"
	"github.com/shareflow/shareflow-api/internal/pkg/validator"
)

// PhaseManager is the phase tracker surface available to admins.
type PhaseManager interface {
	ListPhases(ctx context.Context) ([]phase.Phase, error)
	Progress(ctx context.Context) (*phase.Progress, error)
	CreatePhase(ctx context.Context, input phase.CreatePhaseInput, adminID uuid.UUID) (*phase.Phase, error)
	ManualAdvance(ctx context.Context, targetNumber int, adminID uuid.UUID, reason string) (*phase.Phase, error)
	ReconcileActive(ctx context.Context) (bool, error)
}

// PhaseHandler handles admin phase operations
type PhaseHandler struct {
	phases PhaseManager
}

func NewPhaseHandler(phases PhaseManager) *PhaseHandler {
	return &PhaseHandler{phases: phases}
}

// List handles GET /admin/phases
func (h *PhaseHandler) List(w http.ResponseWriter, r *http.Request) {
	phases, err := h.phases.ListPhases(r.Context())
	if err != nil {
		phase.WriteError(w, err)
		return
	}
	response.OK(w, phases)
}

// Progress handles GET /admin/phases/progress
func (h *PhaseHandler) Progress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.phases.Progress(r.Context())
	if err != nil {
		phase.WriteError(w, err)
		return
	}
	response.OK(w, progress)
}

// Create handles POST /admin/phases
func (h *PhaseHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreatePhaseRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	p, err := h.phases.CreatePhase(r.Context(), phase.CreatePhaseInput{
		Number:    req.Number,
		CapUnits:  req.CapUnits,
		UnitPrice: req.UnitPrice,
		Activate:  req.Activate,
	}, GetAdminID(r.Context()))
	if err != nil {
		phase.WriteError(w, err)
		return
	}
	response.Created(w, p)
}

// Advance handles POST /admin/phases/advance
func (h *PhaseHandler) Advance(w http.ResponseWriter, r *http.Request) {
	var req AdvancePhaseRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	adminID := GetAdminID(r.Context())
	p, err := h.phases.ManualAdvance(r.Context(), req.TargetNumber, adminID, req.Reason)
	if err != nil {
		phase.WriteError(w, err)
		return
	}

	log.Info().
		Str("admin_id", adminID.String()).
		Int("phase", p.Number).
		Msg("phase advanced manually")
	response.OK(w, p)
}

// Reconcile handles POST /admin/phases/reconcile
func (h *PhaseHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	advanced, err := h.phases.ReconcileActive(r.Context())
	if err != nil {
		phase.WriteError(w, err)
		return
	}
	response.OK(w, map[string]bool{"advanced": advanced})
}
