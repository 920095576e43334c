package booking

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/gateway"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/scheduling"
)

// IdempotencyRecord is a stored Idempotency-Key claim.
type IdempotencyRecord struct {
	OrganizationID string
	Key            string
	RequestHash    string
	BookingID      string
}

// Tx is the unit of work every booking mutation runs in. Implementations
// must make LockOrganization serialize concurrent writers of one organization
// until the transaction ends.
type Tx interface {
	LockIdempotencyKey(ctx context.Context, organizationID, key, requestHash string) (IdempotencyRecord, bool, error)
	FinalizeIdempotency(ctx context.Context, organizationID, key, bookingID string) error
	LockOrganization(ctx context.Context, organizationID string) error
	GetAppointmentType(ctx context.Context, organizationID, appointmentTypeID string) (model.AppointmentType, error)
	FindBookingsOverlapping(ctx context.Context, organizationID string, start, end time.Time, statuses []model.Status) ([]model.Booking, error)
	FindOrCreatePatient(ctx context.Context, organizationID string, info model.PatientInfo) (model.Patient, error)
	InsertBooking(ctx context.Context, b model.Booking) (model.Booking, error)
	GetBookingForUpdate(ctx context.Context, bookingID string) (model.Booking, error)
	UpdateBookingState(ctx context.Context, bookingID string, st model.State) (model.Booking, error)
	SetPaymentSession(ctx context.Context, bookingID, sessionID, checkoutURL string) error
	RecordWebhookEvent(ctx context.Context, provider, eventID, eventType string, payload []byte) (bool, error)
	InsertOutboxEvent(ctx context.Context, evt outbox.Event) error
}

// Store is the booking repository.
type Store interface {
	scheduling.Reader
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	GetBooking(ctx context.Context, bookingID string) (model.Booking, error)
	ListBookings(ctx context.Context, organizationID string, from, to time.Time) ([]model.Booking, error)
	GetPatient(ctx context.Context, patientID string) (model.Patient, error)
	GetCalendarCredentials(ctx context.Context, organizationID string) (gateway.CalendarCredentials, error)
	SaveCalendarToken(ctx context.Context, organizationID string, token gateway.OAuthToken) error
	SetCalendarEvent(ctx context.Context, bookingID, eventID, link string) error
}
