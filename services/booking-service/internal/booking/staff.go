package booking

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/outbox"
)

// ApplyStaffAction completes, cancels or marks a confirmed booking as a no-show.
// Bookings of other organizations are reported as not found.
func (s *Service) ApplyStaffAction(ctx context.Context, organizationID, bookingID, action string) (model.Booking, error) {
	ctx, span := tracer.Start(ctx, "booking.ApplyStaffAction")
	defer span.End()

	ev, ok := StaffEvent(action)
	if !ok {
		return model.Booking{}, model.Invalid("action", "unknown action %q", action)
	}
	if organizationID == "" {
		return model.Booking{}, model.ErrNotFound
	}
	updated, err := s.transition(ctx, organizationID, bookingID, ev, outbox.EventBookingStatusChanged, nil)
	if err != nil {
		return model.Booking{}, err
	}
	s.logger.Info("booking status changed by staff", "booking_id", updated.ID, "organization_id", organizationID, "status", updated.Status)
	return updated, nil
}

// ListBookings returns an organization's bookings starting in [from, to).
func (s *Service) ListBookings(ctx context.Context, organizationID string, from, to time.Time) ([]model.Booking, error) {
	if !to.After(from) {
		return nil, model.Invalid("to", "must be after from")
	}
	return s.store.ListBookings(ctx, organizationID, from, to)
}

// GetBooking returns one booking of the organization.
func (s *Service) GetBooking(ctx context.Context, organizationID, bookingID string) (model.Booking, error) {
	b, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return model.Booking{}, err
	}
	if organizationID != "" && b.OrganizationID != organizationID {
		return model.Booking{}, model.ErrNotFound
	}
	return b, nil
}
