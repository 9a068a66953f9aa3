package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegistryCounters(t *testing.T) {
	r := NewRegistry()
	r.IncUserRequest(3)
	r.IncUserRequest(3)
	r.IncUserRequest(4)
	r.IncAuthRejection("invalidated")
	r.IncAuthRejection("")
	r.IncEvent(OutcomeApplied)
	r.IncEvent(OutcomeMalformed)
	r.IncEvent(OutcomeApplied)
	r.IncCommitError()

	if got := testutil.ToFloat64(r.userRequests.WithLabelValues("3")); got != 2 {
		t.Fatalf("expected 2 requests for user 3, got %v", got)
	}
	if got := testutil.ToFloat64(r.authRejections.WithLabelValues("invalidated")); got != 1 {
		t.Fatalf("expected 1 invalidated rejection, got %v", got)
	}
	if got := testutil.CollectAndCount(r.authRejections); got != 1 {
		t.Fatalf("empty reason must not create a series, got %d series", got)
	}
	if got := testutil.ToFloat64(r.events.WithLabelValues(OutcomeApplied)); got != 2 {
		t.Fatalf("expected 2 applied events, got %v", got)
	}
	if got := testutil.ToFloat64(r.commitErrors); got != 1 {
		t.Fatalf("expected 1 commit error, got %v", got)
	}
}

func TestRegistryHistograms(t *testing.T) {
	r := NewRegistry()
	r.ObserveHTTP("GET", "/v1/me", 200, 15*time.Millisecond)
	r.ObserveHTTP("GET", "", 404, time.Millisecond)
	r.ObserveFreshnessLookup(time.Millisecond, nil)
	r.ObserveFreshnessLookup(300*time.Millisecond, errors.New("timeout"))

	if got := testutil.CollectAndCount(r.httpDuration); got != 2 {
		t.Fatalf("expected 2 http series, got %d", got)
	}
	if got := testutil.CollectAndCount(r.freshnessLookup); got != 2 {
		t.Fatalf("expected ok and error lookup series, got %d", got)
	}
}

func TestRegistryHandler(t *testing.T) {
	r := NewRegistry()
	r.IncEvent(OutcomeIgnored)
	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(string(body), `authsync_events_total{outcome="ignored"} 1`) {
		t.Fatalf("expected event series in exposition, got:\n%s", body)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatal("expected go runtime collector output")
	}
}

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	r.IncUserRequest(1)
	r.IncAuthRejection("x")
	r.ObserveHTTP("GET", "/", 200, time.Millisecond)
	r.ObserveFreshnessLookup(time.Millisecond, nil)
	r.IncEvent(OutcomeApplied)
	r.IncCommitError()
	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 from nil registry handler, got %d", rr.Code)
	}
	if _, err := r.Gatherer().Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}
