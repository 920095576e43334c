// Package reconcile repairs booking state the payment provider never told us
// about.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
)

// Store is satisfied by *storage.BookingRepository.
type Store interface {
	ClaimStalePendingPayments(ctx context.Context, lockKey int64, before time.Time, limit int) ([]string, error)
}

// Expirer is satisfied by *booking.Service.
type Expirer interface {
	AbandonCheckout(ctx context.Context, bookingID string) (booking.BookResult, error)
}

type CheckoutSweeperConfig struct {
	// TTL is how long a pending_payment booking may wait for a webhook.
	// It should exceed the checkout session lifetime.
	TTL             time.Duration
	Interval        time.Duration
	BatchSize       int
	AdvisoryLockKey int64
}

// CheckoutSweeper moves pending_payment bookings whose checkout expired
// without a webhook to failed_payment, releasing their slots.
type CheckoutSweeper struct {
	store   Store
	expirer Expirer
	logger  *slog.Logger
	cfg     CheckoutSweeperConfig
	now     func() time.Time
}

func NewCheckoutSweeper(store Store, expirer Expirer, logger *slog.Logger, cfg CheckoutSweeperConfig) *CheckoutSweeper {
	if cfg.TTL <= 0 {
		cfg.TTL = 35 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.AdvisoryLockKey == 0 {
		cfg.AdvisoryLockKey = 4242101
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckoutSweeper{store: store, expirer: expirer, logger: logger, cfg: cfg, now: time.Now}
}

func (s *CheckoutSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce expires one batch and returns how many bookings changed.
func (s *CheckoutSweeper) SweepOnce(ctx context.Context) int {
	ids, err := s.store.ClaimStalePendingPayments(ctx, s.cfg.AdvisoryLockKey, s.now().Add(-s.cfg.TTL), s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("checkout sweep: list stale bookings failed", "err", err)
		return 0
	}
	expired := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return expired
		}
		res, err := s.expirer.AbandonCheckout(ctx, id)
		switch {
		case err == nil:
			expired++
			s.logger.Info("checkout sweep: payment window closed", "booking_id", id, "status", res.Booking.Status)
		case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, model.ErrNotFound):
			// A webhook got there first.
		default:
			s.logger.Warn("checkout sweep: expire failed", "booking_id", id, "err", err)
		}
	}
	return expired
}
