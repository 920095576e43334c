package httpx

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Decision is the outcome of one rate limit lookup.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetIn   time.Duration
}

// Limiter counts requests per key within a window.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// RateLimitOptions configures RateLimit.
type RateLimitOptions struct {
	// Prefix namespaces keys, e.g. "booking:public".
	Prefix string
	// Key extracts the caller identity. Defaults to ClientIP.
	Key func(*http.Request) string
	// FailOpen lets requests through when the limiter itself errors.
	FailOpen bool
	Logger   *slog.Logger
}

// RateLimit rejects callers over their budget with 429 and rate limit headers.
func RateLimit(l Limiter, opts RateLimitOptions) Middleware {
	keyFn := opts.Key
	if keyFn == nil {
		keyFn = ClientIP
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if opts.Prefix != "" {
				key = opts.Prefix + ":" + key
			}
			d, err := l.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limiter error", "err", err, "request_id", RequestIDFromContext(r.Context()))
				if opts.FailOpen {
					next.ServeHTTP(w, r)
					return
				}
				WriteError(w, http.StatusServiceUnavailable, ErrorBody{Error: "rate limiter unavailable", Code: "unavailable"})
				return
			}
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				h.Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.ResetIn)))
				WriteError(w, http.StatusTooManyRequests, ErrorBody{Error: "rate limit exceeded", Code: "rate_limited"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}

// ClientIP prefers the first X-Forwarded-For hop, then the peer address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

// MemoryLimiter is a fixed-window limiter for a single replica.
type MemoryLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*fixedWindow
	swept   time.Time
}

type fixedWindow struct {
	count   int
	resetAt time.Time
}

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &MemoryLimiter{limit: limit, window: window, now: time.Now, windows: map[string]*fixedWindow{}}
}

func (m *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if now.Sub(m.swept) >= m.window {
		for k, fw := range m.windows {
			if !now.Before(fw.resetAt) {
				delete(m.windows, k)
			}
		}
		m.swept = now
	}

	fw := m.windows[key]
	if fw == nil || !now.Before(fw.resetAt) {
		fw = &fixedWindow{resetAt: now.Add(m.window)}
		m.windows[key] = fw
	}
	fw.count++
	return decide(m.limit, int64(fw.count), fw.resetAt.Sub(now)), nil
}

func decide(limit int, count int64, resetIn time.Duration) Decision {
	remaining := int64(limit) - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: int(remaining),
		ResetIn:   resetIn,
	}
}
