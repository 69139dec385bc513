package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// Domain counters for the progress engine.
	actionsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_actions_ingested_total",
			Help: "Action events accepted by the engine.",
		},
		[]string{"action_type", "replayed"},
	)

	pointsCredited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_points_credited_total",
			Help: "Points credited to score cards.",
		},
		[]string{"category"},
	)

	claimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_claims_total",
			Help: "Achievement claim attempts by outcome.",
		},
		[]string{"outcome"},
	)

	streakResets = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_streak_resets_total",
		Help: "Streaks reset after a gap of more than one day.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		actionsIngested, pointsCredited, claimsTotal, streakResets,
	)
}

// Handler exposes the prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAction records an ingested action event.
func ObserveAction(actionType string, replayed bool) {
	actionsIngested.WithLabelValues(actionType, strconv.FormatBool(replayed)).Inc()
}

// ObserveCredit records points credited under a category ("" becomes "none").
func ObserveCredit(category string, amount int64) {
	if category == "" {
		category = "none"
	}
	pointsCredited.WithLabelValues(category).Add(float64(amount))
}

// ObserveClaim records a claim attempt outcome: awarded, replayed or rejected.
func ObserveClaim(outcome string) {
	claimsTotal.WithLabelValues(outcome).Inc()
}

// ObserveStreakReset counts a streak falling back to one.
func ObserveStreakReset() {
	streakResets.Inc()
}

// Instrument wraps a handler with in-flight/total/duration measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses per-user path segments so metric cardinality stays
// bounded. Only the routes with identifiers in them are rewritten.
func CanonicalPath(path string) string {
	if path == "" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" && parts[1] == "users" {
		parts[2] = ":id"
		if len(parts) >= 5 && parts[3] == "achievements" && parts[4] != "" {
			parts[4] = ":achievement_id"
		}
		return "/" + strings.Join(parts, "/")
	}
	return path
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
