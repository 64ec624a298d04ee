// Package metrics provides Prometheus instrumentation for the engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LoginsTotal counts broker login attempts by profile and outcome.
	LoginsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradedesk_logins_total",
		Help: "Broker login attempts",
	}, []string{"profile", "result"})

	// SessionState is 1 for the current session state of each profile.
	SessionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradedesk_session_state",
		Help: "Current session state per profile (1 = active state)",
	}, []string{"profile", "state"})

	// QuotePolls counts quote batch polls by profile and outcome.
	QuotePolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradedesk_quote_polls_total",
		Help: "Quote batch polls",
	}, []string{"profile", "result"})

	// QuotesApplied counts quote snapshots accepted, by profile.
	QuotesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradedesk_quotes_applied_total",
		Help: "Quote snapshots applied",
	}, []string{"profile"})

	// QuotesStale counts out-of-order or duplicate quotes discarded.
	QuotesStale = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradedesk_quotes_discarded_total",
		Help: "Out-of-order or duplicate quotes discarded",
	}, []string{"profile"})

	// Subscriptions tracks live subscriptions per profile.
	Subscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradedesk_subscriptions",
		Help: "Live instrument subscriptions",
	}, []string{"profile"})

	// OrderTransitions counts order state transitions by profile and state.
	OrderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradedesk_order_transitions_total",
		Help: "Order state transitions",
	}, []string{"profile", "state"})

	// SubmitAttempts counts broker order placement attempts.
	SubmitAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradedesk_order_submit_attempts_total",
		Help: "Broker order placement attempts",
	}, []string{"profile"})

	// SubmitLatency tracks time from Created to a submission outcome.
	SubmitLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradedesk_order_submit_seconds",
		Help:    "Time from order creation to acknowledgement or rejection",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"profile", "result"})

	// JobRuns counts scheduler job executions by job name and outcome.
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradedesk_job_runs_total",
		Help: "Background job executions",
	}, []string{"job", "result"})

	// JobDuration tracks job run time by job name.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradedesk_job_duration_seconds",
		Help:    "Background job run time",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})

	// JobsQueued tracks due jobs waiting for a worker slot.
	JobsQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradedesk_jobs_queued",
		Help: "Due jobs waiting for a worker slot",
	})

	// JobsInFlight tracks running jobs.
	JobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradedesk_jobs_in_flight",
		Help: "Jobs currently running",
	})

	// EventsDropped mirrors the event bus drop counter.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradedesk_events_dropped_total",
		Help: "Quote events dropped for slow subscribers",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradedesk_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradedesk_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradedesk_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Result returns the "ok"/"error" label for err.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		// Route pattern keeps the path label low-cardinality.
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
