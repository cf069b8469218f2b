package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/hyphanet/wot-engine/internal/telemetry"
)

// sharedMetrics is built exactly once: telemetry.New() registers against the
// default Prometheus registry via promauto, and registering the same metric
// names twice in one test binary would panic.
var (
	sharedMetrics     *telemetry.Metrics
	sharedMetricsOnce sync.Once
)

func metrics() *telemetry.Metrics {
	sharedMetricsOnce.Do(func() { sharedMetrics = telemetry.New() })
	return sharedMetrics
}

type stubHealthChecker struct {
	ok     bool
	detail map[string]string
}

func (s stubHealthChecker) Healthy() (bool, map[string]string) { return s.ok, s.detail }

func TestHealthHandlerOK(t *testing.T) {
	h := New(stubHealthChecker{ok: true, detail: map[string]string{"store": "ok"}}, metrics(), 1000, 1<<20)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"healthy":true`) {
		t.Errorf("body = %q, want healthy:true", rec.Body.String())
	}
}

func TestHealthHandlerUnhealthy(t *testing.T) {
	h := New(stubHealthChecker{ok: false, detail: map[string]string{"store": "down"}}, metrics(), 1000, 1<<20)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	h := New(stubHealthChecker{ok: true}, metrics(), 1000, 1<<20)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "# HELP") {
		t.Error("response does not look like prometheus exposition format")
	}
}

func TestRequestIDMiddlewareSetsHeaderWhenAbsent(t *testing.T) {
	h := New(stubHealthChecker{ok: true}, metrics(), 1000, 1<<20)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header not set")
	}
}

func TestRequestIDMiddlewarePreservesIncomingHeader(t *testing.T) {
	h := New(stubHealthChecker{ok: true}, metrics(), 1000, 1<<20)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "fixed-id" {
		t.Errorf("X-Request-ID = %q, want fixed-id", got)
	}
}

func TestRateLimitMiddlewareRejectsBurstOverflow(t *testing.T) {
	h := New(stubHealthChecker{ok: true}, metrics(), 1, 1<<20) // burst of 1 request/minute

	ok := 0
	limited := 0
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "203.0.113.9:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		switch rec.Code {
		case http.StatusOK:
			ok++
		case http.StatusTooManyRequests:
			limited++
		}
	}
	if ok == 0 {
		t.Error("expected at least one request to be admitted before the limiter engaged")
	}
	if limited == 0 {
		t.Error("expected at least one request to be rejected by the rate limiter")
	}
}

func TestRateLimitMiddlewareTracksClientsIndependently(t *testing.T) {
	h := New(stubHealthChecker{ok: true}, metrics(), 1, 1<<20)

	req1 := httptest.NewRequest(http.MethodGet, "/health", nil)
	req1.RemoteAddr = "198.51.100.1:1"
	rec1 := httptest.NewRecorder()
	h.ServeHTTP(rec1, req1)

	req2 := httptest.NewRequest(http.MethodGet, "/health", nil)
	req2.RemoteAddr = "198.51.100.2:1"
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)

	if rec1.Code != http.StatusOK || rec2.Code != http.StatusOK {
		t.Errorf("two distinct clients' first requests should both succeed, got %d and %d", rec1.Code, rec2.Code)
	}
}

func TestClientIPPrefersXForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.50, 10.0.0.1")

	if got := clientIP(req); got != "203.0.113.50" {
		t.Errorf("clientIP = %q, want 203.0.113.50", got)
	}
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.7:5555"

	if got := clientIP(req); got != "10.0.0.7:5555" {
		t.Errorf("clientIP = %q, want 10.0.0.7:5555", got)
	}
}

func TestRequestIDFromContextEmptyWhenUnset(t *testing.T) {
	if got := RequestIDFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context()); got != "" {
		t.Errorf("RequestIDFromContext = %q, want empty string on a bare context", got)
	}
}
