package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/msa-sandbox/crm/pkg/httpx"
)

const (
	msgInvalidToken     = "Invalid or expired JWT token"
	msgTokenInvalidated = "Token has been invalidated, please refresh"
	msgStoreUnavailable = "Service temporarily unavailable, try later"
)

// Rejection reasons reported through Middleware.OnReject.
const (
	ReasonMissingToken     = "missing_token"
	ReasonInvalidToken     = "invalid_token"
	ReasonInvalidated      = "invalidated"
	ReasonStoreUnavailable = "store_unavailable"
	ReasonForbidden        = "forbidden"
)

// Middleware authenticates bearer tokens and enforces freshness on the request path.
type Middleware struct {
	Verifier  Verifier
	AccountID int64
	Guard     *FreshnessGuard
	Logger    *slog.Logger
	// OnReject, when set, is called once for every rejected request.
	OnReject func(reason string)
}

// Authenticate verifies the bearer token and stores the resolved Principal in the request context.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := BearerToken(r)
		if !ok {
			m.reject(w, r, http.StatusUnauthorized, ReasonMissingToken, msgInvalidToken, ErrUnauthenticated)
			return
		}
		claims, err := m.Verifier.VerifyAndDecode(raw)
		if err != nil {
			m.reject(w, r, http.StatusUnauthorized, ReasonInvalidToken, msgInvalidToken, err)
			return
		}
		p := Resolve(claims, m.AccountID)
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// RequireFresh consults the freshness guard. Requests without a principal pass through.
func (m *Middleware) RequireFresh(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok || m.Guard == nil {
			next.ServeHTTP(w, r)
			return
		}
		err := m.Guard.Check(r.Context(), p)
		switch {
		case err == nil:
			next.ServeHTTP(w, r)
		case errors.Is(err, ErrTokenInvalidated):
			m.reject(w, r, http.StatusUnauthorized, ReasonInvalidated, msgTokenInvalidated, err)
		default:
			m.logger().ErrorContext(r.Context(), "invalidation store unavailable",
				"user_id", p.UserID(), "error", err, "request_id", httpx.RequestID(r.Context()))
			m.count(ReasonStoreUnavailable)
			httpx.Error(w, http.StatusServiceUnavailable, msgStoreUnavailable)
		}
	})
}

// Require mounts a permission check in front of a handler.
func Require(kind ResourceKind, action Action, logger *slog.Logger) func(http.Handler) http.Handler {
	return require(kind, action, logger, nil)
}

// Require is the package-level Require with denials reported through OnReject.
func (m *Middleware) Require(kind ResourceKind, action Action) func(http.Handler) http.Handler {
	return require(kind, action, m.logger(), m.count)
}

func require(kind ResourceKind, action Action, logger *slog.Logger, onDeny func(string)) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				httpx.Error(w, http.StatusUnauthorized, msgInvalidToken)
				return
			}
			if err := AssertGranted(p, kind, action); err != nil {
				logger.InfoContext(r.Context(), "permission denied",
					"user_id", p.UserID(), "permission", kind.String()+":"+action.String())
				if onDeny != nil {
					onDeny(ReasonForbidden)
				}
				httpx.Error(w, http.StatusForbidden, err.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[len("Bearer "):])
	return token, token != ""
}

func (m *Middleware) reject(w http.ResponseWriter, r *http.Request, status int, reason, msg string, err error) {
	m.logger().WarnContext(r.Context(), "authentication rejected",
		"reason", reason,
		"error", err,
		"ip", httpx.ClientIP(r),
		"user_agent", r.UserAgent(),
		"request_id", httpx.RequestID(r.Context()),
	)
	m.count(reason)
	httpx.Error(w, status, msg)
}

func (m *Middleware) count(reason string) {
	if m.OnReject != nil {
		m.OnReject(reason)
	}
}

func (m *Middleware) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
