package admin

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/shareflow/shareflow-api/internal/domain/withdrawal"
)

type fakeProcessor struct {
	finalized []withdrawal.FinalizeInput
	window    bool
}

func (f *fakeProcessor) List(ctx context.Context, filter withdrawal.ListFilter) ([]withdrawal.Request, int, error) {
	return []withdrawal.Request{}, 0, nil
}

func (f *fakeProcessor) Queue(ctx context.Context) ([]withdrawal.QueueItem, error) {
	return []withdrawal.QueueItem{}, nil
}

func (f *fakeProcessor) Get(ctx context.Context, id uuid.UUID) (*withdrawal.Request, error) {
	return nil, withdrawal.ErrNotFound
}

func (f *fakeProcessor) BeginProcessing(ctx context.Context, requestID, adminID uuid.UUID) (*withdrawal.Request, error) {
	if !f.window {
		return nil, fmt.Errorf("%w: next opening monday", withdrawal.ErrOutsideWindow)
	}
	return &withdrawal.Request{ID: requestID, Status: withdrawal.StatusProcessing, AdminID: &adminID}, nil
}

func (f *fakeProcessor) Finalize(ctx context.Context, in withdrawal.FinalizeInput) (*withdrawal.Request, error) {
	if in.Outcome == withdrawal.StatusCompleted && strings.TrimSpace(in.CompletionReference) == "" {
		return nil, withdrawal.ErrMissingProof
	}
	f.finalized = append(f.finalized, in)
	return &withdrawal.Request{ID: in.RequestID, Status: in.Outcome}, nil
}

func (f *fakeProcessor) OnProofReceived(ctx context.Context, requestID, adminID uuid.UUID, reference string) (*withdrawal.Request, error) {
	return f.Finalize(ctx, withdrawal.FinalizeInput{
		RequestID:           requestID,
		AdminID:             adminID,
		Outcome:             withdrawal.StatusCompleted,
		CompletionReference: reference,
	})
}

func withdrawalRouter(p WithdrawalProcessor, adminID uuid.UUID) http.Handler {
	h := NewWithdrawalHandler(p)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ContextAdminID, adminID)))
		})
	})
	r.Get("/{id}", h.Get)
	r.Post("/{id}/process", h.Process)
	r.Post("/{id}/finalize", h.Finalize)
	r.Post("/{id}/proof", h.Proof)
	return r
}

func post(h http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestProofWithoutReferenceIsUnprocessable(t *testing.T) {
	p := &fakeProcessor{window: true}
	h := withdrawalRouter(p, uuid.New())

	rr := post(h, "/"+uuid.NewString()+"/proof", `{"completion_reference":"  "}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, rr.Body.String(), "MISSING_PROOF")
	assert.Empty(t, p.finalized)
}

func TestProofCompletesRequest(t *testing.T) {
	p := &fakeProcessor{window: true}
	adminID := uuid.New()
	h := withdrawalRouter(p, adminID)
	id := uuid.New()

	rr := post(h, "/"+id.String()+"/proof", `{"completion_reference":"txhash123"}`)
	assert.Equal(t, http.StatusOK, rr.Code)
	if assert.Len(t, p.finalized, 1) {
		assert.Equal(t, id, p.finalized[0].RequestID)
		assert.Equal(t, adminID, p.finalized[0].AdminID)
		assert.Equal(t, "txhash123", p.finalized[0].CompletionReference)
	}
}

func TestFinalizeValidatesOutcome(t *testing.T) {
	p := &fakeProcessor{window: true}
	h := withdrawalRouter(p, uuid.New())

	rr := post(h, "/"+uuid.NewString()+"/finalize", `{"outcome":"queued"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = post(h, "/"+uuid.NewString()+"/finalize", `{"outcome":"failed","notes":"bounced"}`)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestProcessOutsideWindowConflicts(t *testing.T) {
	h := withdrawalRouter(&fakeProcessor{}, uuid.New())

	rr := post(h, "/"+uuid.NewString()+"/process", ``)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, rr.Body.String(), "OUTSIDE_WINDOW")
}

func TestGetUnknownWithdrawal(t *testing.T) {
	h := withdrawalRouter(&fakeProcessor{}, uuid.New())

	req := httptest.NewRequest(http.MethodGet, "/"+uuid.NewString(), nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/not-an-id", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
