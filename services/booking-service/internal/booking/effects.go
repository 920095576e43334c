package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/gateway"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
)

// afterConfirmed creates the calendar event and sends the confirmation and
// owner emails. Failures are logged and counted only.
func (s *Service) afterConfirmed(ctx context.Context, n gateway.BookingNotice) model.Booking {
	n.Booking = s.createCalendarEvent(ctx, n)
	s.notify(ctx, "booking_confirmation", n, s.sendConfirmation)
	s.notify(ctx, "owner_notification", n, s.sendOwnerNotification)
	return n.Booking
}

func (s *Service) createCalendarEvent(ctx context.Context, n gateway.BookingNotice) model.Booking {
	b := n.Booking
	if s.calendar == nil {
		return b
	}
	creds, err := s.store.GetCalendarCredentials(ctx, b.OrganizationID)
	if errors.Is(err, model.ErrNotFound) {
		s.logger.Debug("no calendar connected", "organization_id", b.OrganizationID)
		return b
	}
	if err != nil {
		s.integrationFailed("calendar", "load_credentials", b, err)
		return b
	}

	req := gateway.CalendarEventRequest{
		Token:        creds.Token,
		CalendarID:   creds.CalendarID,
		Summary:      fmt.Sprintf("%s with %s", n.AppointmentType.Name, n.Patient.Name),
		Description:  b.Notes,
		Start:        b.StartTime,
		End:          b.EndTime,
		TimeZone:     n.Organization.Timezone,
		Location:     n.AppointmentType.Address,
		AttendeeName: n.Patient.Name,
		AttendeeMail: n.Patient.Email,
		RequestID:    b.ID,
	}

	cctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	var res gateway.CalendarEventResult
	if n.AppointmentType.LocationKind == model.LocationInPerson {
		res, err = s.calendar.CreateInPersonEvent(cctx, req)
	} else {
		res, err = s.calendar.CreateMeetingEvent(cctx, req)
	}
	if res.TokenRefreshed != nil {
		if serr := s.store.SaveCalendarToken(ctx, b.OrganizationID, res.TokenRefreshed.NewToken); serr != nil {
			s.integrationFailed("calendar", "save_token", b, serr)
		}
	}
	if err != nil {
		s.integrationFailed("calendar", "create_event", b, err)
		return b
	}

	if err := s.store.SetCalendarEvent(ctx, b.ID, res.EventID, res.Link); err != nil {
		s.integrationFailed("calendar", "store_event", b, err)
		return b
	}
	b.CalendarEventID = res.EventID
	b.MeetingLink = res.Link
	return b
}

func (s *Service) loadNotice(ctx context.Context, b model.Booking) (gateway.BookingNotice, error) {
	org, err := s.store.GetOrganization(ctx, b.OrganizationID)
	if err != nil {
		return gateway.BookingNotice{}, fmt.Errorf("organization: %w", err)
	}
	apptType, err := s.store.GetAppointmentType(ctx, b.OrganizationID, b.AppointmentTypeID)
	if err != nil {
		return gateway.BookingNotice{}, fmt.Errorf("appointment type: %w", err)
	}
	patient, err := s.store.GetPatient(ctx, b.PatientID)
	if err != nil {
		return gateway.BookingNotice{}, fmt.Errorf("patient: %w", err)
	}
	return gateway.BookingNotice{Organization: org, Booking: b, AppointmentType: apptType, Patient: patient}, nil
}

func (s *Service) notify(ctx context.Context, op string, n gateway.BookingNotice, send func(context.Context, gateway.BookingNotice) error) {
	if s.notifier == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	if err := send(cctx, n); err != nil {
		s.integrationFailed("email", op, n.Booking, err)
	}
}

func (s *Service) sendConfirmation(ctx context.Context, n gateway.BookingNotice) error {
	return s.notifier.SendBookingConfirmation(ctx, n)
}

func (s *Service) sendOwnerNotification(ctx context.Context, n gateway.BookingNotice) error {
	return s.notifier.SendOwnerNotification(ctx, n)
}

func (s *Service) sendPaymentRetry(ctx context.Context, n gateway.BookingNotice) error {
	return s.notifier.SendPaymentRetry(ctx, n)
}

func (s *Service) integrationFailed(gw, op string, b model.Booking, err error) {
	s.metrics.ObserveIntegrationFailure(gw, op)
	ierr := &model.IntegrationError{Gateway: gw, Op: op, Err: err}
	s.logger.Warn("integration call failed",
		"booking_id", b.ID,
		"organization_id", b.OrganizationID,
		"err", ierr,
	)
}
