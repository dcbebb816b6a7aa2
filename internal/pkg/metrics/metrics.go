package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shareflow"

var (
	// Registry holds the application collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight HTTP requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests handled.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method", "path"})

	admissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "phase",
		Name:      "admissions_total",
		Help:      "Purchase admissions by result (admitted, insufficient_capacity, closed).",
	}, []string{"result"})

	saleOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "phase",
		Name:      "sale_outcomes_total",
		Help:      "Resolved allocation units by outcome.",
	}, []string{"status"})

	phaseAdvances = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "phase",
		Name:      "advances_total",
		Help:      "Phase advancement attempts by trigger and result.",
	}, []string{"trigger", "result"})

	commissionsRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "commission",
		Name:      "entries_total",
		Help:      "Commission entry transitions by status.",
	}, []string{"status"})

	withdrawalTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "withdrawal",
		Name:      "transitions_total",
		Help:      "Withdrawal request transitions by target status.",
	}, []string{"status"})

	sweepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of background sweeps.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	}, []string{"job", "success"})
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		admissions,
		saleOutcomes,
		phaseAdvances,
		commissionsRecorded,
		withdrawalTransitions,
		sweepDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler records request counts and latency.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

func RecordAdmission(result string) {
	admissions.WithLabelValues(result).Inc()
}

func RecordSaleOutcome(status string) {
	saleOutcomes.WithLabelValues(status).Inc()
}

func RecordPhaseAdvance(trigger string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	phaseAdvances.WithLabelValues(trigger, result).Inc()
}

func RecordCommissions(status string, n int) {
	if n <= 0 {
		return
	}
	commissionsRecorded.WithLabelValues(status).Add(float64(n))
}

func RecordWithdrawal(status string) {
	withdrawalTransitions.WithLabelValues(status).Inc()
}

func RecordSweep(job string, duration time.Duration, err error) {
	success := "true"
	if err != nil {
		success = "false"
	}
	sweepDuration.WithLabelValues(job, success).Observe(duration.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// canonicalPath keeps label cardinality bounded: ids are collapsed to ":id".
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	for i, p := range parts {
		if looksLikeID(p) {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

func looksLikeID(s string) bool {
	if len(s) == 36 && strings.Count(s, "-") == 4 {
		return true
	}
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}
