package booking

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/gateway"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/outbox"
)

// startCheckout opens a checkout session for a pending_payment booking. When
// the provider cannot be reached the booking moves to failed_payment and the
// result carries the retry link.
func (s *Service) startCheckout(ctx context.Context, n gateway.BookingNotice) (BookResult, error) {
	if s.payments == nil {
		return s.failCheckout(ctx, n, errors.New("payment gateway not configured"))
	}

	cctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	session, err := s.payments.CreateCheckoutSession(cctx, gateway.CheckoutRequest{
		Organization:    n.Organization,
		Booking:         n.Booking,
		AppointmentType: n.AppointmentType,
		PatientEmail:    n.Patient.Email,
		SuccessURL:      s.successURL(n.Organization, n.Booking),
		CancelURL:       s.cancelURL(n.Organization, n.Booking),
	})
	cancel()
	if err != nil {
		return s.failCheckout(ctx, n, err)
	}

	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.SetPaymentSession(ctx, n.Booking.ID, session.SessionID, session.CheckoutURL)
	})
	if err != nil {
		return BookResult{}, fmt.Errorf("store checkout session: %w", err)
	}
	b := n.Booking
	b.PaymentSessionID = session.SessionID
	b.CheckoutURL = session.CheckoutURL
	return BookResult{Booking: b, CheckoutURL: session.CheckoutURL}, nil
}

func (s *Service) failCheckout(ctx context.Context, n gateway.BookingNotice, cause error) (BookResult, error) {
	s.integrationFailed("payments", "create_checkout", n.Booking, cause)

	updated, err := s.transition(ctx, "", n.Booking.ID, EventPaymentFailed, outbox.EventPaymentFailed, nil)
	if err != nil {
		return BookResult{}, fmt.Errorf("mark payment failed: %w", err)
	}
	n.Booking = updated
	n.RetryURL = s.retryURL(n.Organization, updated)
	s.notify(ctx, "payment_retry", n, s.sendPaymentRetry)
	return BookResult{Booking: updated, RetryURL: n.RetryURL}, nil
}

// HandlePaymentEvent applies a verified provider webhook. Duplicate, stale and
// unknown-booking events are acknowledged without changes. A success on any
// session of a pending booking confirms it; a success that can no longer
// confirm anything is recorded as an orphaned payment for staff.
func (s *Service) HandlePaymentEvent(ctx context.Context, ev gateway.PaymentEvent) error {
	ctx, span := tracer.Start(ctx, "booking.HandlePaymentEvent")
	defer span.End()
	span.SetAttributes(attribute.String("payment.event_type", ev.EventType), attribute.String("booking.id", ev.BookingID))

	var event Event
	switch ev.Outcome {
	case gateway.PaymentSucceeded:
		event = EventPaymentSucceeded
	case gateway.PaymentFailed:
		event = EventPaymentFailed
	case gateway.PaymentProcessing:
		event = EventPaymentProcessing
	}

	var (
		before   model.Booking
		after    model.Booking
		applied  bool
		orphaned bool
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		fresh, err := tx.RecordWebhookEvent(ctx, ev.Provider, ev.EventID, ev.EventType, ev.Payload)
		if err != nil {
			return fmt.Errorf("record webhook event: %w", err)
		}
		if !fresh {
			s.logger.Info("duplicate payment event ignored", "event_id", ev.EventID)
			return nil
		}
		if event == "" || ev.BookingID == "" {
			return nil
		}

		before, err = tx.GetBookingForUpdate(ctx, ev.BookingID)
		if errors.Is(err, model.ErrNotFound) {
			s.logger.Warn("payment event for unknown booking", "event_id", ev.EventID, "booking_id", ev.BookingID)
			return nil
		}
		if err != nil {
			return err
		}

		stale := ev.SessionID != "" && before.PaymentSessionID != "" && ev.SessionID != before.PaymentSessionID
		switch {
		case event == EventPaymentSucceeded && before.Status == model.StatusPendingPayment:
			if stale {
				// Paid on a session a retry replaced. Keep the one that holds the money.
				if err := tx.SetPaymentSession(ctx, before.ID, ev.SessionID, before.CheckoutURL); err != nil {
					return err
				}
			}
		case event == EventPaymentSucceeded && (before.Status == model.StatusFailedPayment || stale):
			orphaned = true
			return s.emit(ctx, tx, outbox.EventPaymentOrphaned, before, before.Status)
		case stale:
			s.logger.Info("stale checkout session event ignored",
				"event_id", ev.EventID, "booking_id", before.ID, "session_id", ev.SessionID)
			return nil
		}

		next, err := Transition(before.State(), event)
		if err != nil {
			s.logger.Warn("payment event does not apply", "event_id", ev.EventID, "booking_id", before.ID, "status", before.Status, "err", err)
			return nil
		}
		after, err = tx.UpdateBookingState(ctx, before.ID, next)
		if err != nil {
			return err
		}
		var evtType string
		switch event {
		case EventPaymentFailed:
			evtType = outbox.EventPaymentFailed
		case EventPaymentProcessing:
			evtType = outbox.EventPaymentProcessing
		default:
			evtType = outbox.EventBookingConfirmed
		}
		if err := s.emit(ctx, tx, evtType, after, before.Status); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return err
	}
	if orphaned {
		s.metrics.ObserveIntegrationFailure("payments", "orphaned_payment")
		s.logger.Error("payment received for booking that cannot be confirmed",
			"event_id", ev.EventID,
			"booking_id", before.ID,
			"organization_id", before.OrganizationID,
			"status", before.Status,
			"session_id", ev.SessionID,
		)
		return nil
	}
	if !applied {
		return nil
	}
	s.metrics.ObserveTransition(string(before.Status), string(after.Status))
	s.logger.Info("payment event applied", "booking_id", after.ID, "from", before.Status, "to", after.Status, "payment_status", after.PaymentStatus)
	if event == EventPaymentProcessing {
		return nil
	}

	sctx := context.WithoutCancel(ctx)
	n, err := s.loadNotice(sctx, after)
	if err != nil {
		s.logger.Error("load booking details after payment event", "booking_id", after.ID, "err", err)
		return nil
	}
	if after.Status == model.StatusConfirmed {
		s.afterConfirmed(sctx, n)
		return nil
	}
	n.RetryURL = s.retryURL(n.Organization, after)
	s.notify(sctx, "payment_retry", n, s.sendPaymentRetry)
	return nil
}

// RetryPayment moves a failed (or still pending) paid booking back to
// pending_payment and opens a new checkout session that replaces the old one.
// A failed booking no longer holds its slot, so the slot is re-checked.
func (s *Service) RetryPayment(ctx context.Context, bookingID string) (BookResult, error) {
	ctx, span := tracer.Start(ctx, "booking.RetryPayment")
	defer span.End()
	span.SetAttributes(attribute.String("booking.id", bookingID))

	var prior model.Booking
	updated, err := s.transition(ctx, "", bookingID, EventPaymentRetry, outbox.EventPaymentRetried, func(ctx context.Context, tx Tx, b model.Booking) error {
		prior = b
		if err := checkoutOpen(b); err != nil {
			return err
		}
		if b.Status.Occupies() {
			return nil
		}
		if err := tx.LockOrganization(ctx, b.OrganizationID); err != nil {
			return fmt.Errorf("lock organization: %w", err)
		}
		taken, err := tx.FindBookingsOverlapping(ctx, b.OrganizationID, b.StartTime, b.EndTime, model.OccupyingStatuses)
		if err != nil {
			return fmt.Errorf("overlap check: %w", err)
		}
		for _, other := range taken {
			if other.ID != b.ID {
				return model.ErrConflict
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrConflict) {
			s.metrics.ObserveConflict()
		}
		return BookResult{}, err
	}

	sctx := context.WithoutCancel(ctx)
	if prior.Status == model.StatusPendingPayment {
		s.expireSession(sctx, prior)
	}
	n, err := s.loadNotice(sctx, updated)
	if err != nil {
		return BookResult{}, err
	}
	res, err := s.startCheckout(sctx, n)
	if err != nil {
		return BookResult{}, err
	}
	if res.CheckoutURL == "" {
		return res, model.ErrPaymentFailed
	}
	return res, nil
}

// AbandonCheckout records that the patient left the checkout page and closes
// the session they left.
func (s *Service) AbandonCheckout(ctx context.Context, bookingID string) (BookResult, error) {
	current, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return BookResult{}, err
	}
	if current.Status == model.StatusFailedPayment {
		org, err := s.store.GetOrganization(ctx, current.OrganizationID)
		if err != nil {
			return BookResult{}, err
		}
		return BookResult{Booking: current, RetryURL: s.retryURL(org, current)}, nil
	}

	updated, err := s.transition(ctx, "", bookingID, EventCheckoutAbandoned, outbox.EventPaymentFailed, func(_ context.Context, _ Tx, b model.Booking) error {
		return checkoutOpen(b)
	})
	if err != nil {
		return BookResult{}, err
	}
	sctx := context.WithoutCancel(ctx)
	s.expireSession(sctx, updated)
	n, err := s.loadNotice(sctx, updated)
	if err != nil {
		return BookResult{}, err
	}
	n.RetryURL = s.retryURL(n.Organization, updated)
	s.notify(sctx, "payment_retry", n, s.sendPaymentRetry)
	return BookResult{Booking: updated, RetryURL: n.RetryURL}, nil
}

// checkoutOpen rejects bookings whose checkout can no longer be replaced or
// abandoned: free ones and ones whose payment is already settling.
func checkoutOpen(b model.Booking) error {
	switch b.PaymentStatus {
	case model.PaymentNotRequired:
		return fmt.Errorf("%w: booking does not require payment", model.ErrInvalidTransition)
	case model.PaymentProcessing:
		return fmt.Errorf("%w: payment is processing", model.ErrInvalidTransition)
	}
	return nil
}

// expireSession closes b's checkout session so it stops taking payments.
func (s *Service) expireSession(ctx context.Context, b model.Booking) {
	if s.payments == nil || b.PaymentSessionID == "" {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	if err := s.payments.ExpireCheckoutSession(cctx, b.PaymentSessionID); err != nil {
		s.integrationFailed("payments", "expire_checkout", b, err)
	}
}

// transition locks a booking, applies ev after guard accepts it and records
// eventType in the outbox, all in one transaction. A non-empty organizationID
// hides bookings of other organizations.
func (s *Service) transition(ctx context.Context, organizationID, bookingID string, ev Event, eventType string, guard func(context.Context, Tx, model.Booking) error) (model.Booking, error) {
	var before, after model.Booking
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		before, err = tx.GetBookingForUpdate(ctx, bookingID)
		if err != nil {
			return err
		}
		if organizationID != "" && before.OrganizationID != organizationID {
			return model.ErrNotFound
		}
		next, err := Transition(before.State(), ev)
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(ctx, tx, before); err != nil {
				return err
			}
		}
		after, err = tx.UpdateBookingState(ctx, bookingID, next)
		if err != nil {
			return err
		}
		return s.emit(ctx, tx, eventType, after, before.Status)
	})
	if err != nil {
		return model.Booking{}, err
	}
	s.metrics.ObserveTransition(string(before.Status), string(after.Status))
	return after, nil
}
