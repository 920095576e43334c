package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func hit(h http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMemoryLimiterBlocksAfterLimit(t *testing.T) {
	h := RateLimit(NewMemoryLimiter(2, time.Minute), RateLimitOptions{})(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, hit(h, "10.0.0.1:5555").Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)

	// Other clients have their own budget.
	assert.Equal(t, http.StatusOK, hit(h, "10.0.0.2:5555").Code)
}

func TestMemoryLimiterWindowResets(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(1, time.Minute)
	l.now = func() time.Time { return now }

	d, err := l.Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, _ = l.Allow(context.Background(), "k")
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Minute, d.ResetIn)

	now = now.Add(61 * time.Second)
	d, _ = l.Allow(context.Background(), "k")
	assert.True(t, d.Allowed)
	assert.Len(t, l.windows, 1)
}

func TestRateLimitRejectionIsJSON(t *testing.T) {
	h := RateLimit(NewMemoryLimiter(1, time.Minute), RateLimitOptions{})(okHandler())
	hit(h, "10.0.0.1:1")
	rec := hit(h, "10.0.0.1:1")

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate_limited", body.Code)
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := RateLimit(NewRedisLimiter(rdb, 1, time.Minute), RateLimitOptions{Prefix: "test"})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.True(t, mr.Exists("test:203.0.113.9"))
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{}, errors.New("redis down")
}

func TestRateLimitFailOpen(t *testing.T) {
	rec := hit(RateLimit(brokenLimiter{}, RateLimitOptions{FailOpen: true})(okHandler()), "10.0.0.1:1")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = hit(RateLimit(brokenLimiter{}, RateLimitOptions{})(okHandler()), "10.0.0.1:1")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRedisLimiterUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	_, err := NewRedisLimiter(rdb, 1, time.Minute).Allow(context.Background(), "k")
	assert.Error(t, err)
}
