package main

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/msa-sandbox/crm/pkg/auth"
	"github.com/msa-sandbox/crm/pkg/httpx"
	"github.com/msa-sandbox/crm/pkg/metrics"
	"github.com/msa-sandbox/crm/pkg/ratelimit"
)

type application struct {
	logger      *slog.Logger
	auth        *auth.Middleware
	limiter     ratelimit.Limiter
	limit       int
	metrics     *metrics.Registry
	health      http.Handler
	corsOrigins []string
	maxBody     int64
}

// routes builds the API router. Protected routes run, in order: token verification,
// the freshness check, the per-user rate limit and the per-user request counter.
func (a *application) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.RequestIDMiddleware)
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(httpx.CORSMiddleware(a.corsOrigins))
	r.Use(a.observe)
	r.Use(a.limitRequestBody)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.Error(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpx.Error(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"message": "Hi. Nothing here"})
	})
	r.Get("/favicon.ico", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Method(http.MethodGet, "/health", a.health)
	r.Method(http.MethodGet, "/metrics", a.metrics.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(a.auth.Authenticate)
		v1.Use(a.auth.RequireFresh)
		v1.Use(ratelimit.PerUser(a.limiter, a.limit, a.logger, a.metrics.IncAuthRejection))
		v1.Use(a.countUserRequest)
		v1.Use(httpx.RequireJSONMiddleware)

		v1.Get("/me", a.me)
		v1.Get("/access/{resource}/{action}", a.access)
	})
	return r
}

type meResponse struct {
	UserID        int64               `json:"user_id"`
	AccountID     int64               `json:"account_id"`
	Username      string              `json:"username"`
	TokenIssuedAt int64               `json:"token_issued_at"`
	Permissions   map[string][]string `json:"permissions"`
}

func (a *application) me(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	httpx.Success(w, http.StatusOK, meResponse{
		UserID:        p.UserID(),
		AccountID:     p.AccountID(),
		Username:      p.Username(),
		TokenIssuedAt: p.TokenIssuedAt(),
		Permissions:   p.Permissions(),
	})
}

// access answers whether the caller holds resource:action. Entity handlers mount
// behind the same auth.Require check.
func (a *application) access(w http.ResponseWriter, r *http.Request) {
	kind, okKind := auth.ParseResourceKind(chi.URLParam(r, "resource"))
	action, okAction := auth.ParseAction(chi.URLParam(r, "action"))
	if !okKind || !okAction {
		httpx.Error(w, http.StatusBadRequest, "Unknown permission")
		return
	}
	a.auth.Require(kind, action)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.Success(w, http.StatusOK, map[string]any{
			"resource": kind.String(),
			"action":   action.String(),
			"granted":  true,
		})
	})).ServeHTTP(w, r)
}

func (a *application) countUserRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := auth.PrincipalFromContext(r.Context()); ok {
			a.metrics.IncUserRequest(p.UserID())
		}
		next.ServeHTTP(w, r)
	})
}

func (a *application) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := httpx.NewStatusRecorder(w)
		next.ServeHTTP(rec, r)
		route := ""
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		a.metrics.ObserveHTTP(r.Method, route, rec.Status, time.Since(start))
	})
}

func (a *application) limitRequestBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.maxBody > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, a.maxBody)
		}
		next.ServeHTTP(w, r)
	})
}
