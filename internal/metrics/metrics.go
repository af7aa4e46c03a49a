package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "doit_easily",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "doit_easily",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "doit_easily",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	loginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "doit_easily",
			Subsystem: "signup",
			Name:      "logins_total",
			Help:      "Total marketplace login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	marketplaceEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "doit_easily",
			Subsystem: "events",
			Name:      "processed_total",
			Help:      "Total marketplace Pub/Sub events by type and disposition.",
		},
		[]string{"event_type", "disposition"},
	)

	procurementCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "doit_easily",
			Subsystem: "procurement",
			Name:      "calls_total",
			Help:      "Total procurement API calls by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	sweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "doit_easily",
			Subsystem: "sweeper",
			Name:      "runs_total",
			Help:      "Total entitlement sweep runs.",
		},
		[]string{"success"},
	)

	sweepApprovals = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "doit_easily",
			Subsystem: "sweeper",
			Name:      "approvals_total",
			Help:      "Total entitlements approved by the sweeper.",
		},
	)

	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "doit_easily",
			Subsystem: "sweeper",
			Name:      "run_duration_seconds",
			Help:      "Duration of entitlement sweep runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		loginAttempts,
		marketplaceEvents,
		procurementCalls,
		sweepRuns,
		sweepApprovals,
		sweepDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
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

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordLogin records a marketplace login attempt.
func RecordLogin(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	loginAttempts.WithLabelValues(outcome).Inc()
}

// RecordEvent records a processed marketplace Pub/Sub event.
func RecordEvent(eventType, disposition string) {
	if eventType == "" {
		eventType = "unknown"
	}
	if disposition == "" {
		disposition = "unknown"
	}
	marketplaceEvents.WithLabelValues(eventType, disposition).Inc()
}

// RecordProcurement records one procurement API call.
func RecordProcurement(op, outcome string) {
	if op == "" {
		op = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	procurementCalls.WithLabelValues(op, outcome).Inc()
}

// RecordSweep records an entitlement sweep run.
func RecordSweep(duration time.Duration, approved int, success bool) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	result := "false"
	if success {
		result = "true"
	}
	sweepRuns.WithLabelValues(result).Inc()
	sweepApprovals.Add(float64(approved))
	sweepDuration.Observe(duration.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses resource ids so label cardinality stays bounded.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")

	switch parts[0] {
	case "v1":
		if len(parts) < 2 {
			return "/v1"
		}
		switch parts[1] {
		case "entitlement":
			if len(parts) >= 4 {
				return "/v1/entitlement/:entitlement/" + parts[3]
			}
			return "/v1/entitlement/:entitlement"
		case "account":
			if len(parts) >= 4 {
				return "/v1/account/:account/" + parts[3]
			}
			return "/v1/account/:account"
		default:
			return "/v1/" + parts[1]
		}
	case "app":
		if len(parts) >= 3 && parts[1] == "account" {
			return "/app/account/:account"
		}
		if len(parts) >= 2 {
			return "/app/" + parts[1]
		}
		return "/app"
	default:
		return "/" + parts[0]
	}
}
