package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPathCollapsesIDs(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/", "/"},
		{"/health", "/health"},
		{"/api/v1/withdrawals/7d4e9a3c-1f2b-4c5d-8e6f-0a1b2c3d4e5f", "/api/v1/withdrawals/:id"},
		{"/api/admin/phases/3/advance", "/api/admin/phases/:id/advance"},
	}
	for _, tc := range cases {
		if got := canonicalPath(tc.in); got != tc.want {
			t.Errorf("canonicalPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestInstrumentHandlerCountsRequests(t *testing.T) {
	h := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))

	before := testutil.ToFloat64(httpRequests.WithLabelValues("POST", "/api/v1/purchases", "409"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/purchases", nil))
	after := testutil.ToFloat64(httpRequests.WithLabelValues("POST", "/api/v1/purchases", "409"))

	if after-before != 1 {
		t.Fatalf("expected one request recorded, got %v", after-before)
	}
}

func TestHandlerExposesBusinessMetrics(t *testing.T) {
	RecordAdmission("admitted")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if !strings.Contains(rec.Body.String(), "shareflow_phase_admissions_total") {
		t.Fatal("expected admissions counter in exposition")
	}
}
