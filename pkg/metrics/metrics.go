package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the collectors of one binary. All methods are safe on a nil *Registry.
type Registry struct {
	reg *prometheus.Registry

	userRequests    *prometheus.CounterVec
	authRejections  *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	freshnessLookup *prometheus.HistogramVec
	events          *prometheus.CounterVec
	commitErrors    prometheus.Counter
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		userRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_user_requests_total",
			Help: "Authenticated requests by user.",
		}, []string{"user_id"}),
		authRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_auth_rejections_total",
			Help: "Requests rejected by authentication, freshness, permission or rate checks.",
		}, []string{"reason"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		freshnessLookup: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_freshness_lookup_seconds",
			Help:    "Invalidation store lookup latency on the request path.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .3},
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authsync_events_total",
			Help: "Permission change events by processing outcome.",
		}, []string{"outcome"}),
		commitErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authsync_commit_errors_total",
			Help: "Offset commits that failed.",
		}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.userRequests,
		r.authRejections,
		r.httpDuration,
		r.freshnessLookup,
		r.events,
		r.commitErrors,
	)
	return r
}

func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.reg
}

func (r *Registry) IncUserRequest(userID int64) {
	if r == nil {
		return
	}
	r.userRequests.WithLabelValues(strconv.FormatInt(userID, 10)).Inc()
}

func (r *Registry) IncAuthRejection(reason string) {
	if r == nil || reason == "" {
		return
	}
	r.authRejections.WithLabelValues(reason).Inc()
}

func (r *Registry) ObserveHTTP(method, route string, status int, d time.Duration) {
	if r == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	r.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

func (r *Registry) ObserveFreshnessLookup(d time.Duration, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.freshnessLookup.WithLabelValues(result).Observe(d.Seconds())
}

// Event outcomes.
const (
	OutcomeApplied     = "applied"
	OutcomeMalformed   = "malformed"
	OutcomeIgnored     = "ignored"
	OutcomeWriteFailed = "write_failed"
	OutcomeStreamError = "stream_error"
)

func (r *Registry) IncEvent(outcome string) {
	if r == nil {
		return
	}
	r.events.WithLabelValues(outcome).Inc()
}

func (r *Registry) IncCommitError() {
	if r == nil {
		return
	}
	r.commitErrors.Inc()
}
