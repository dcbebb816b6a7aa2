package phase

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/shareflow/shareflow-api/internal/pkg/response"
)

// Handler serves the public phase catalog.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Current handles GET /phases/current
func (h *Handler) Current(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.CurrentPhase(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	response.OK(w, p)
}

// Progress handles GET /phases/progress
func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Progress(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	response.OK(w, p)
}

// List handles GET /phases
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	phases, err := h.svc.ListPhases(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	response.OK(w, phases)
}

// Units handles GET /phases/{id}/units
func (h *Handler) Units(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid phase ID")
		return
	}

	counts, err := h.svc.UnitCounts(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	response.OK(w, counts)
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/current", h.Current)
	r.Get("/progress", h.Progress)
	r.Get("/{id}/units", h.Units)
	return r
}

// WriteError maps phase errors to HTTP responses.
func WriteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		response.NotFound(w, "Phase not found")
	case errors.Is(err, ErrAllocationNotFound):
		response.NotFound(w, "Allocation not found")
	case errors.Is(err, ErrInsufficientCapacity):
		response.Conflict(w, "INSUFFICIENT_CAPACITY", err.Error())
	case errors.Is(err, ErrPhaseClosed):
		response.Conflict(w, "PHASE_CLOSED", "Phase is not open for sale")
	case errors.Is(err, ErrPhaseSequence):
		response.Conflict(w, "PHASE_SEQUENCE", err.Error())
	case errors.Is(err, ErrInvalidState):
		response.Conflict(w, "INVALID_STATE", "Allocation already resolved")
	case errors.Is(err, ErrPhaseNumberTaken):
		response.Conflict(w, "PHASE_NUMBER_TAKEN", err.Error())
	case errors.Is(err, ErrInvalidUnits), errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidStatus):
		response.BadRequest(w, err.Error())
	default:
		log.Error().Err(err).Msg("phase request failed")
		response.InternalError(w)
	}
}
