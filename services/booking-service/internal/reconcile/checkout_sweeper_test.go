package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
)

type fakeStore struct {
	ids     []string
	err     error
	before  time.Time
	lockKey int64
	limit   int
}

func (f *fakeStore) ClaimStalePendingPayments(_ context.Context, lockKey int64, before time.Time, limit int) ([]string, error) {
	f.lockKey, f.before, f.limit = lockKey, before, limit
	return f.ids, f.err
}

type fakeExpirer struct {
	errs map[string]error
	got  []string
}

func (f *fakeExpirer) AbandonCheckout(_ context.Context, id string) (booking.BookResult, error) {
	f.got = append(f.got, id)
	if err := f.errs[id]; err != nil {
		return booking.BookResult{}, err
	}
	return booking.BookResult{Booking: model.Booking{ID: id, Status: model.StatusFailedPayment}}, nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSweepOnceExpiresStaleBookings(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{ids: []string{"bk-1", "bk-2", "bk-3"}}
	exp := &fakeExpirer{errs: map[string]error{
		"bk-2": model.ErrInvalidTransition,
		"bk-3": errors.New("db down"),
	}}
	s := NewCheckoutSweeper(store, exp, quiet(), CheckoutSweeperConfig{TTL: 40 * time.Minute, BatchSize: 10})
	s.now = func() time.Time { return now }

	n := s.SweepOnce(context.Background())

	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"bk-1", "bk-2", "bk-3"}, exp.got)
	assert.Equal(t, now.Add(-40*time.Minute), store.before)
	assert.Equal(t, 10, store.limit)
	assert.Equal(t, int64(4242101), store.lockKey)
}

func TestSweepOnceListFailure(t *testing.T) {
	exp := &fakeExpirer{}
	s := NewCheckoutSweeper(&fakeStore{err: errors.New("boom")}, exp, quiet(), CheckoutSweeperConfig{})
	assert.Zero(t, s.SweepOnce(context.Background()))
	assert.Empty(t, exp.got)
}

func TestRunStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := &fakeStore{}
	s := NewCheckoutSweeper(store, &fakeExpirer{}, quiet(), CheckoutSweeperConfig{Interval: time.Hour})

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		require.Fail(t, "Run did not return after cancel")
	}
}
