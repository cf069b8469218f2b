// Package httpapi is the ambient HTTP surface (health/metrics) every
// component of the engine exposes regardless of domain scope, grounded on
// the teacher's core/handlers.go + core/middleware.go pair: a gorilla/mux
// router wrapped in the same outermost-to-innermost middleware chain
// (RateLimit -> BodySizeLimit -> Metrics -> RequestID -> Router), reduced
// to the two ambient routes this engine's Non-goals leave in scope (§1
// excludes a general external HTTP/REST surface as a non-goal; FCP is the
// control surface, this is observability only).
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/hyphanet/wot-engine/internal/telemetry"
)

// HealthChecker reports whether the engine's dependencies are healthy.
type HealthChecker interface {
	Healthy() (ok bool, detail map[string]string)
}

// New builds the ambient HTTP handler: /health, /metrics, wrapped in the
// rate-limit/body-size/metrics/request-id middleware chain.
func New(hc HealthChecker, m *telemetry.Metrics, rateLimitPerMinute int, maxBodySizeBytes int64) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", healthHandler(hc)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	limiter := newIPRateLimiter(rateLimitPerMinute)
	handler := http.Handler(router)
	handler = requestIDMiddleware(handler)
	handler = metricsMiddleware(m, handler)
	handler = bodySizeLimitMiddleware(maxBodySizeBytes, handler)
	handler = rateLimitMiddleware(limiter, handler)
	handler = otelhttp.NewHandler(handler, "wot-engine.http")
	return handler
}

func healthHandler(hc HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, detail := hc.Healthy()
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"healthy": ok, "detail": detail})
	}
}

// --- middleware, grounded on core/middleware.go ---

type ipRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

func newIPRateLimiter(requestsPerMinute int) *ipRateLimiter {
	return &ipRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:    requestsPerMinute,
	}
}

func (l *ipRateLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.r, l.burst)
		l.limiters[ip] = lim
	}
	return lim
}

func rateLimitMiddleware(limiter *ipRateLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !limiter.get(ip).Allow() {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := indexByte(xff, ','); idx != -1 {
			return xff[:idx]
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func bodySizeLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

type statusResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func metricsMiddleware(m *telemetry.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		if m != nil {
			m.HTTPRequestsTotal.WithLabelValues(r.URL.Path, strconv.Itoa(wrapped.status)).Inc()
			m.HTTPRequestDur.WithLabelValues(r.URL.Path).Observe(time.Since(start).Seconds())
		}
	})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext retrieves the request ID set by requestIDMiddleware.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}
