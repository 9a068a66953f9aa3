package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/msa-sandbox/crm/pkg/auth"
	"github.com/msa-sandbox/crm/pkg/health"
	"github.com/msa-sandbox/crm/pkg/metrics"
	"github.com/msa-sandbox/crm/pkg/ratelimit"
	"github.com/msa-sandbox/crm/pkg/store"
	"github.com/msa-sandbox/crm/pkg/store/storetest"
)

var testSecret = []byte("routes-test-secret-0123456789abcdef")

type brokenStore struct{}

func (brokenStore) Get(context.Context, int64) (int64, bool, error) {
	return 0, false, store.ErrStoreUnavailable
}

type testApp struct {
	app   *application
	now   time.Time
	store *storetest.MemoryInvalidations
}

func newTestApp(t *testing.T, reader auth.InvalidationReader, limiter ratelimit.Limiter, limit int) *testApp {
	t.Helper()
	now := time.Unix(2001, 0)
	codec, err := auth.NewCodec(auth.CodecConfig{
		Algorithm: auth.AlgHS256,
		Secret:    testSecret,
		Now:       func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	mem := storetest.NewMemoryInvalidations(false)
	if reader == nil {
		reader = mem
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := metrics.NewRegistry()
	return &testApp{
		now:   now,
		store: mem,
		app: &application{
			logger: logger,
			auth: &auth.Middleware{
				Verifier:  codec,
				AccountID: 1,
				Guard: &auth.FreshnessGuard{
					Store:    reader,
					Mode:     auth.FreshnessAnyRecord,
					Now:      func() time.Time { return now },
					Logger:   logger,
					OnLookup: reg.ObserveFreshnessLookup,
				},
				Logger:   logger,
				OnReject: reg.IncAuthRejection,
			},
			limiter: limiter,
			limit:   limit,
			metrics: reg,
			health:  health.NewChecker(time.Second).Handler(),
			maxBody: 1 << 20,
		},
	}
}

func (ta *testApp) token(t *testing.T, userID int64) string {
	t.Helper()
	tok, err := auth.Mint(auth.MintRequest{
		UserID:      userID,
		Username:    "user",
		Permissions: map[string][]string{"lead": {"read", "write"}, "contact": {"read"}},
		IssuedAt:    time.Unix(1000, 0),
		TTL:         time.Hour,
	}, auth.AlgHS256, testSecret)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return tok
}

func (ta *testApp) do(method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	ta.app.routes().ServeHTTP(rr, req)
	return rr
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return env
}

func TestPublicRoutes(t *testing.T) {
	ta := newTestApp(t, nil, nil, 0)

	rr := ta.do(http.MethodGet, "/", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "Hi. Nothing here") {
		t.Fatalf("unexpected home: %d %s", rr.Code, rr.Body.String())
	}
	if rr := ta.do(http.MethodGet, "/favicon.ico", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for favicon, got %d", rr.Code)
	}
	if rr := ta.do(http.MethodGet, "/health", ""); rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"status":"UP"`) {
		t.Fatalf("unexpected health: %d %s", rr.Code, rr.Body.String())
	}
	rr = ta.do(http.MethodGet, "/nope", "")
	if rr.Code != http.StatusNotFound || decode(t, rr).Message != "Not found" {
		t.Fatalf("unexpected 404: %d %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected request id header")
	}
}

func TestMeReturnsPrincipal(t *testing.T) {
	ta := newTestApp(t, nil, nil, 0)
	rr := ta.do(http.MethodGet, "/v1/me", ta.token(t, 3))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	var me meResponse
	if err := json.Unmarshal(decode(t, rr).Data, &me); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if me.UserID != 3 || me.AccountID != 1 || me.TokenIssuedAt != 1000 {
		t.Fatalf("unexpected principal: %+v", me)
	}
	if len(me.Permissions["lead"]) != 2 {
		t.Fatalf("unexpected permissions: %v", me.Permissions)
	}
}

func TestMissingTokenRejected(t *testing.T) {
	ta := newTestApp(t, nil, nil, 0)
	rr := ta.do(http.MethodGet, "/v1/me", "")
	if rr.Code != http.StatusUnauthorized || decode(t, rr).Message != "Invalid or expired JWT token" {
		t.Fatalf("unexpected response: %d %s", rr.Code, rr.Body.String())
	}
	rr = ta.do(http.MethodGet, "/v1/me", "not-a-jwt")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rr.Code)
	}
}

func TestInvalidatedUserRejectedOthersPass(t *testing.T) {
	ta := newTestApp(t, nil, nil, 0)
	if err := ta.store.Set(context.Background(), 3, 2000, store.InvalidationTTL); err != nil {
		t.Fatalf("set: %v", err)
	}

	rr := ta.do(http.MethodGet, "/v1/me", ta.token(t, 3))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalidated user, got %d", rr.Code)
	}
	if msg := decode(t, rr).Message; msg != "Token has been invalidated, please refresh" {
		t.Fatalf("unexpected message %q", msg)
	}
	if rr := ta.do(http.MethodGet, "/v1/me", ta.token(t, 4)); rr.Code != http.StatusOK {
		t.Fatalf("expected other users unaffected, got %d", rr.Code)
	}
}

func TestFutureInvalidationNotYetEffective(t *testing.T) {
	ta := newTestApp(t, nil, nil, 0)
	if err := ta.store.Set(context.Background(), 3, ta.now.Unix()+60, store.InvalidationTTL); err != nil {
		t.Fatalf("set: %v", err)
	}
	if rr := ta.do(http.MethodGet, "/v1/me", ta.token(t, 3)); rr.Code != http.StatusOK {
		t.Fatalf("expected future record to be ignored, got %d", rr.Code)
	}
}

func TestStoreOutageFailsClosed(t *testing.T) {
	ta := newTestApp(t, brokenStore{}, nil, 0)
	rr := ta.do(http.MethodGet, "/v1/me", ta.token(t, 3))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d %s", rr.Code, rr.Body.String())
	}
	if decode(t, rr).Success {
		t.Fatal("expected success=false")
	}
}

func TestStoreOutageFailOpen(t *testing.T) {
	ta := newTestApp(t, brokenStore{}, nil, 0)
	ta.app.auth.Guard.FailOpen = true
	if rr := ta.do(http.MethodGet, "/v1/me", ta.token(t, 3)); rr.Code != http.StatusOK {
		t.Fatalf("expected fail-open 200, got %d", rr.Code)
	}
}

func TestAccessChecks(t *testing.T) {
	ta := newTestApp(t, nil, nil, 0)
	tok := ta.token(t, 5)
	cases := []struct {
		path string
		want int
	}{
		{"/v1/access/lead/read", http.StatusOK},
		{"/v1/access/LEAD/write", http.StatusOK},
		{"/v1/access/lead/delete", http.StatusForbidden},
		{"/v1/access/deal/read", http.StatusForbidden},
		{"/v1/access/invoice/read", http.StatusBadRequest},
		{"/v1/access/lead/approve", http.StatusBadRequest},
	}
	for _, tc := range cases {
		if rr := ta.do(http.MethodGet, tc.path, tok); rr.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d %s", tc.path, tc.want, rr.Code, rr.Body.String())
		}
	}
}

func TestWriteMethodsRequireJSON(t *testing.T) {
	ta := newTestApp(t, nil, nil, 0)
	tok := ta.token(t, 4)

	rr := ta.do(http.MethodPost, "/v1/me", tok)
	if rr.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415 without a json body, got %d %s", rr.Code, rr.Body.String())
	}
	if env := decode(t, rr); env.Success || env.Message != "Content-Type must be application/json" {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/me", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")
	rr = httptest.NewRecorder()
	ta.app.routes().ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected json post to reach routing and get 405, got %d", rr.Code)
	}

	if rr := ta.do(http.MethodPost, "/v1/me", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected authentication before the content type check, got %d", rr.Code)
	}
}

func TestRateLimitPerUser(t *testing.T) {
	ta := newTestApp(t, nil, ratelimit.NewInMemory(time.Minute), 2)
	tok := ta.token(t, 7)
	for i := 0; i < 2; i++ {
		if rr := ta.do(http.MethodGet, "/v1/me", tok); rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rr.Code)
		}
	}
	rr := ta.do(http.MethodGet, "/v1/me", tok)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if rr := ta.do(http.MethodGet, "/v1/me", ta.token(t, 8)); rr.Code != http.StatusOK {
		t.Fatalf("expected separate budget per user, got %d", rr.Code)
	}
}

func TestMetricsExposed(t *testing.T) {
	ta := newTestApp(t, nil, nil, 0)
	ta.do(http.MethodGet, "/v1/me", ta.token(t, 9))
	ta.do(http.MethodGet, "/v1/me", "")

	body := ta.do(http.MethodGet, "/metrics", "").Body.String()
	for _, want := range []string{
		`api_user_requests_total{user_id="9"} 1`,
		`api_auth_rejections_total{reason="missing_token"} 1`,
		`route="/v1/me"`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics output", want)
		}
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	server := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}
	listen := func(s *http.Server) error {
		close(started)
		return s.ListenAndServe()
	}
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, server, listen, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()
	<-started
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestServeReturnsListenError(t *testing.T) {
	boom := errors.New("address in use")
	err := serve(context.Background(), &http.Server{}, func(*http.Server) error { return boom }, time.Second,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if !errors.Is(err, boom) {
		t.Fatalf("expected listen error, got %v", err)
	}
}
