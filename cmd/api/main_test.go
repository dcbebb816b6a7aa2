package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shareflow/shareflow-api/internal/domain/admin"
	"github.com/shareflow/shareflow-api/internal/domain/commission"
	"github.com/shareflow/shareflow-api/internal/domain/phase"
	"github.com/shareflow/shareflow-api/internal/domain/sale"
	"github.com/shareflow/shareflow-api/internal/domain/withdrawal"
	"github.com/shareflow/shareflow-api/internal/middleware"
	"github.com/shareflow/shareflow-api/internal/pkg/jwt"
)

func testRouter() chi.Router {
	pass := func(next http.Handler) http.Handler { return next }
	return newRouter(handlers{
		phases:      phase.NewHandler(nil),
		commissions: commission.NewHandler(nil),
		withdrawals: withdrawal.NewHandler(nil),
		sales:       sale.NewHandler(nil, "webhook-secret"),
		admin: admin.NewHandler(nil, admin.NewJWTService("admin-secret", time.Hour),
			admin.NewPhaseHandler(nil), admin.NewCommissionHandler(nil), admin.NewWithdrawalHandler(nil)),
		auth:           middleware.Auth(jwt.NewService("secret", time.Hour)),
		limiter:        pass,
		allowedOrigins: []string{"http://localhost:3000"},
	})
}

func TestRouterMountsEveryArea(t *testing.T) {
	routes := map[string]bool{}
	err := chi.Walk(testRouter(), func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		routes[method+" "+strings.TrimSuffix(route, "/")] = true
		return nil
	})
	require.NoError(t, err)

	for _, want := range []string{
		"GET /health",
		"GET /api/v1/phases/current",
		"GET /api/v1/phases/progress",
		"POST /api/v1/purchases",
		"GET /api/v1/commissions/balance",
		"POST /api/v1/commissions/reinvest",
		"POST /api/v1/withdrawals",
		"POST /api/v1/withdrawals/{id}/cancel",
		"POST /webhooks/sales/confirmed",
		"POST /webhooks/sales/rejected",
		"POST /api/admin/auth/login",
		"POST /api/admin/withdrawals/{id}/finalize",
		"POST /api/admin/phases/advance",
	} {
		assert.True(t, routes[want], "missing route %s", want)
	}
}

func TestHealth(t *testing.T) {
	rr := httptest.NewRecorder()
	testRouter().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"ok"`)
}

func TestUserRoutesRequireToken(t *testing.T) {
	for _, path := range []string{"/api/v1/commissions/balance", "/api/v1/withdrawals"} {
		rr := httptest.NewRecorder()
		testRouter().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code, path)
	}
}

func TestSaleWebhookRejectsUnsignedPayload(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sales/confirmed", strings.NewReader(`{"allocation_id":"x"}`))
	testRouter().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
