// Package metrics exposes Prometheus instrumentation for HabitPipe.
//
// Labels are bounded enums (routes, statuses, sources) so cardinality stays fixed no matter how
// many users or habits exist. All collectors are registered on the default registry in init and
// are safe for concurrent use.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Inbound routing outcomes
const (
	RouteUnknownSender = "unknown_sender"
	RouteDuplicate     = "duplicate"
	RouteCommand       = "command"
	RoutePending       = "pending"
	RouteFollowup      = "followup"
	RouteSmart         = "smart"
	RouteSilent        = "silent"
	RouteRateLimited   = "rate_limited"
	RouteError         = "error"
)

// Smart parser outcomes
const (
	SmartUnderstood    = "understood"
	SmartNotUnderstood = "not_understood"
	SmartFailed        = "failed"
)

var (
	inboundMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "habitpipe_inbound_messages_total",
			Help: "Inbound SMS messages by routing outcome.",
		},
		[]string{"route"},
	)

	outboundMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "habitpipe_outbound_messages_total",
			Help: "Outbound SMS send attempts by status.",
		},
		[]string{"status"},
	)

	entriesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "habitpipe_entries_written_total",
			Help: "Habit entries upserted by source.",
		},
		[]string{"source"},
	)

	smartResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "habitpipe_smart_parser_results_total",
			Help: "Smart parser interpretations by result.",
		},
		[]string{"result"},
	)

	turnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "habitpipe_turn_duration_seconds",
			Help:    "Duration of one inbound message turn in seconds.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 25},
		},
	)

	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "habitpipe_http_requests_total",
			Help: "HTTP requests by method, route path and status code.",
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	prometheus.MustRegister(inboundMessages, outboundMessages, entriesWritten, smartResults, turnDuration, httpReqs)
}

// InboundRouted counts one inbound message handled by route.
func InboundRouted(route string) { inboundMessages.WithLabelValues(route).Inc() }

// OutboundSent counts one outbound send attempt with its status.
func OutboundSent(status string) { outboundMessages.WithLabelValues(status).Inc() }

// EntryWritten counts one habit entry upsert.
func EntryWritten(source string) { entriesWritten.WithLabelValues(source).Inc() }

// SmartResult counts one smart parser outcome.
func SmartResult(result string) { smartResults.WithLabelValues(result).Inc() }

// ObserveTurn records how long an inbound turn took.
func ObserveTurn(d time.Duration) { turnDuration.Observe(d.Seconds()) }

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Instrument wraps h so each request increments habitpipe_http_requests_total. path is the
// registered route, never the raw URL.
func Instrument(path string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)
		httpReqs.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
	})
}
