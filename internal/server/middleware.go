package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meshboard/meshboard/internal/version"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Admin API metrics, labeled by route pattern rather than raw path so
// per-plugin and per-task URLs collapse into one series.
var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshboard_http_requests_total",
			Help: "Admin API requests by route and status.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshboard_http_request_duration_seconds",
			Help:    "Admin API request duration by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
}

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middleware so the first argument runs outermost.
func Chain(handler http.Handler, mw ...Middleware) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		handler = mw[i](handler)
	}
	return handler
}

type requestIDKey struct{}

// RequestID returns the request id stored in ctx, or "".
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// RequestIDMiddleware tags every request with an id, honoring one supplied
// by the caller. The same id goes into the response header, the request
// context, and from there into log lines.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// LoggingMiddleware logs each request and records the request metrics.
// Paths in quietPaths (probes, scrapes) are metered but not logged.
func LoggingMiddleware(logger *zap.Logger, quietPaths []string) Middleware {
	quiet := make(map[string]bool, len(quietPaths))
	for _, p := range quietPaths {
		quiet[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)
			route := routeLabel(r)

			httpRequestsTotal.WithLabelValues(
				r.Method, route, strconv.Itoa(rec.status),
			).Inc()
			httpRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())

			if quiet[r.URL.Path] {
				return
			}
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("route", route),
				zap.Int("status", rec.status),
				zap.Int("bytes", rec.bytes),
				zap.Duration("duration", elapsed),
				zap.String("remote", clientIP(r)),
				zap.String("request_id", RequestID(r.Context())),
			)
		})
	}
}

// routeLabel returns the matched mux pattern ("GET /api/v1/plugins/{name}")
// stripped of its method, or "unmatched" when no route matched.
func routeLabel(r *http.Request) string {
	p := r.Pattern
	if p == "" {
		return "unmatched"
	}
	if _, path, ok := strings.Cut(p, " "); ok {
		return path
	}
	return p
}

// SecurityHeadersMiddleware sets response headers for a JSON-only admin API:
// no content sniffing, no framing, no caching of operator data.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// VersionHeaderMiddleware stamps every response with the build version.
func VersionHeaderMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Meshboard-Version", version.Short())
		next.ServeHTTP(w, r)
	})
}

// RecoveryMiddleware converts handler panics into 500 problem responses.
// A panicking admin handler must never take the node down with it.
func RecoveryMiddleware(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					logger.Error("admin handler panic",
						zap.Any("panic", v),
						zap.String("path", r.URL.Path),
						zap.String("request_id", RequestID(r.Context())),
					)
					InternalError(w, "an unexpected error occurred", r.URL.Path)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitMiddleware applies a per-client token bucket. Probes and scrapes
// in skipPaths bypass it. The admin surface of a single node sees a handful
// of clients, so the table is swept by age rather than capped.
func RateLimitMiddleware(rps float64, burst int, skipPaths []string) Middleware {
	rl := newClientLimiter(rate.Limit(rps), burst)
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !skip[r.URL.Path] && !rl.allow(clientIP(r)) {
				RateLimited(w, "rate limit exceeded", r.URL.Path)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

const limiterIdleTTL = 10 * time.Minute

// clientLimiter keeps one token bucket per client IP and drops buckets idle
// for limiterIdleTTL.
type clientLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*clientBucket
	limit     rate.Limit
	burst     int
	lastSweep time.Time
}

type clientBucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

func newClientLimiter(limit rate.Limit, burst int) *clientLimiter {
	return &clientLimiter{
		buckets:   make(map[string]*clientBucket),
		limit:     limit,
		burst:     burst,
		lastSweep: time.Now(),
	}
}

func (c *clientLimiter) allow(ip string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Sub(c.lastSweep) > limiterIdleTTL {
		for k, b := range c.buckets {
			if now.Sub(b.seen) > limiterIdleTTL {
				delete(c.buckets, k)
			}
		}
		c.lastSweep = now
	}

	b, ok := c.buckets[ip]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.buckets[ip] = b
	}
	b.seen = now

	return b.limiter.Allow()
}

// clientIP resolves the caller's address, trusting the first X-Forwarded-For
// hop when a reverse proxy sits in front.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// responseRecorder captures the status and body size a handler writes.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (w *responseRecorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseRecorder) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
