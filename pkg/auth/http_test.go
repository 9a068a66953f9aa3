package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func decodeMessage(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	if body.Success {
		t.Fatalf("expected success=false in %q", rr.Body.String())
	}
	return body.Message
}

func mintFor(t *testing.T, userID int64, perms map[string][]string) string {
	t.Helper()
	tok, err := Mint(MintRequest{
		UserID: userID, Username: "alice", Permissions: perms,
		IssuedAt: time.Unix(1000, 0), TTL: time.Hour,
	}, AlgHS256, testSecret)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return tok
}

func TestAuthenticateAndFreshnessChain(t *testing.T) {
	var logs bytes.Buffer
	var reasons []string
	store := &fakeInvalidations{records: map[int64]int64{3: 2000}}
	mw := &Middleware{
		Verifier:  newHSCodec(t, 2001),
		AccountID: 1,
		Guard:     &FreshnessGuard{Store: store, Now: fixedNow(2001)},
		Logger:    slog.New(slog.NewJSONHandler(&logs, nil)),
		OnReject:  func(reason string) { reasons = append(reasons, reason) },
	}
	var seen Principal
	h := mw.Authenticate(mw.RequireFresh(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})))

	t.Run("missing_header", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/me", nil))
		if rr.Code != http.StatusUnauthorized || decodeMessage(t, rr) != "Invalid or expired JWT token" {
			t.Fatalf("unexpected response: %d %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("invalid_token_logged_with_client", func(t *testing.T) {
		logs.Reset()
		req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
		req.Header.Set("Authorization", "Bearer nope")
		req.Header.Set("User-Agent", "curl/8.0")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rr.Code)
		}
		out := logs.String()
		if !strings.Contains(out, `"level":"WARN"`) || !strings.Contains(out, "curl/8.0") || !strings.Contains(out, `"reason":"invalid_token"`) {
			t.Fatalf("unexpected log output: %s", out)
		}
	})

	t.Run("invalidated_user", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
		req.Header.Set("Authorization", "Bearer "+mintFor(t, 3, map[string][]string{}))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized || decodeMessage(t, rr) != "Token has been invalidated, please refresh" {
			t.Fatalf("unexpected response: %d %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("fresh_user", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
		req.Header.Set("Authorization", "bearer "+mintFor(t, 4, map[string][]string{"lead": {"read"}}))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d %s", rr.Code, rr.Body.String())
		}
		if seen.UserID() != 4 || seen.AccountID() != 1 || !IsGranted(seen, ResourceLead, ActionRead) {
			t.Fatalf("unexpected principal: %+v", seen)
		}
	})

	want := []string{ReasonMissingToken, ReasonInvalidToken, ReasonInvalidated}
	if strings.Join(reasons, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected reject reasons: %v", reasons)
	}
}

func TestRequireFreshStoreUnavailable(t *testing.T) {
	store := &fakeInvalidations{err: errors.New("dial tcp: i/o timeout")}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
		return r.WithContext(WithPrincipal(r.Context(), principalIssuedAt(3, 1000)))
	}

	closed := &Middleware{Guard: &FreshnessGuard{Store: store}, Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))}
	rr := httptest.NewRecorder()
	closed.RequireFresh(next).ServeHTTP(rr, req())
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when failing closed, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "i/o timeout") {
		t.Fatalf("internal error detail leaked: %s", rr.Body.String())
	}

	open := &Middleware{Guard: &FreshnessGuard{Store: store, FailOpen: true, Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))}}
	rr = httptest.NewRecorder()
	open.RequireFresh(next).ServeHTTP(rr, req())
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 when failing open, got %d", rr.Code)
	}
}

func TestRequireFreshSkipsPublicRoutes(t *testing.T) {
	store := &fakeInvalidations{records: map[int64]int64{}}
	mw := &Middleware{Guard: &FreshnessGuard{Store: store}}
	rr := httptest.NewRecorder()
	mw.RequireFresh(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusNoContent || store.calls != 0 {
		t.Fatalf("expected pass-through without lookup, got %d calls=%d", rr.Code, store.calls)
	}
}

func TestRequire(t *testing.T) {
	var logs bytes.Buffer
	h := Require(ResourceLead, ActionDelete, slog.New(slog.NewJSONHandler(&logs, nil)))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	serve := func(p *Principal) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodDelete, "/v1/leads/1", nil)
		if p != nil {
			req = req.WithContext(WithPrincipal(req.Context(), *p))
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	if rr := serve(nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without principal, got %d", rr.Code)
	}

	reader := principalWith(map[string][]string{"lead": {"read", "write"}})
	rr := serve(&reader)
	if rr.Code != http.StatusForbidden || decodeMessage(t, rr) != `User does not have permission "lead:delete"` {
		t.Fatalf("unexpected response: %d %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(logs.String(), `"level":"INFO"`) {
		t.Fatalf("expected INFO denial log, got %s", logs.String())
	}

	admin := principalWith(map[string][]string{"lead": {"delete"}})
	if rr := serve(&admin); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]struct {
		header string
		want   string
		ok     bool
	}{
		"standard":    {"Bearer abc.def.ghi", "abc.def.ghi", true},
		"lowercase":   {"bearer  tok ", "tok", true},
		"empty_token": {"Bearer   ", "", false},
		"basic":       {"Basic dXNlcjpwYXNz", "", false},
		"missing":     {"", "", false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			got, ok := BearerToken(req)
			if got != tc.want || ok != tc.ok {
				t.Fatalf("BearerToken(%q)=%q,%v want %q,%v", tc.header, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestMiddlewareRequireReportsDenial(t *testing.T) {
	var reasons []string
	mw := &Middleware{OnReject: func(r string) { reasons = append(reasons, r) }}
	h := mw.Require(ResourceContact, ActionWrite)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	p := principalWith(map[string][]string{"contact": {"read"}})
	req := httptest.NewRequest(http.MethodPost, "/v1/contacts", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req.WithContext(WithPrincipal(req.Context(), p)))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if len(reasons) != 1 || reasons[0] != ReasonForbidden {
		t.Fatalf("expected forbidden reason, got %v", reasons)
	}
}
