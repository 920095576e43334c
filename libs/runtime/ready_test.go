package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getReport(t *testing.T, h http.Handler, path string) (int, readyReport) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var out readyReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec.Code, out
}

func TestReadyzReportsEveryCheck(t *testing.T) {
	mux := NewBaseMuxWithReady(
		ReadyCheck{Name: "db", Check: func(context.Context) error { return nil }},
		ReadyCheck{Name: "kafka", Check: func(context.Context) error { return errors.New("down") }},
	)

	code, report := getReport(t, mux, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unavailable", report.Status)
	assert.Equal(t, map[string]string{"db": "ok", "kafka": "down"}, report.Checks)

	code, report = getReport(t, mux, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", report.Status)
}

func TestReadyzTimesOutSlowChecks(t *testing.T) {
	prev := CheckTimeout
	CheckTimeout = 20 * time.Millisecond
	t.Cleanup(func() { CheckTimeout = prev })

	mux := NewBaseMuxWithReady(ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	code, report := getReport(t, mux, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, context.DeadlineExceeded.Error(), report.Checks["redis"])
}

func TestReadyzWithoutChecks(t *testing.T) {
	code, report := getReport(t, NewBaseMuxWithReady(), "/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", report.Status)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}
