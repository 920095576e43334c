package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types published by the booking engine. The Kafka topic equals the event type.
const (
	EventBookingBooked        = "booking.appointment.booked.v1"
	EventBookingConfirmed     = "booking.appointment.confirmed.v1"
	EventPaymentFailed        = "booking.payment.failed.v1"
	EventPaymentRetried       = "booking.payment.retried.v1"
	EventPaymentProcessing    = "booking.payment.processing.v1"
	EventBookingStatusChanged = "booking.appointment.status_changed.v1"

	// EventPaymentOrphaned reports money received for a booking that can no
	// longer be confirmed by it. Staff refund or rebook by hand.
	EventPaymentOrphaned = "booking.payment.received_after_failure.v1"
)

const AggregateAppointment = "appointment"

// Event is the domain event envelope written to the outbox table.
type Event struct {
	EventID        string
	AggregateType  string
	AggregateID    string
	OrganizationID string
	EventType      string
	Payload        []byte
}

// BookingPayload is the JSON body of every appointment event.
type BookingPayload struct {
	EventID           string    `json:"event_id"`
	OccurredAt        time.Time `json:"occurred_at"`
	BookingID         string    `json:"booking_id"`
	OrganizationID    string    `json:"organization_id"`
	PatientID         string    `json:"patient_id"`
	AppointmentTypeID string    `json:"appointment_type_id"`
	StartTime         time.Time `json:"start_time"`
	EndTime           time.Time `json:"end_time"`
	Status            string    `json:"status"`
	PaymentStatus     string    `json:"payment_status"`
	PreviousStatus    string    `json:"previous_status,omitempty"`
}

// NewBookingEvent builds an appointment event with a fresh id.
func NewBookingEvent(eventType string, p BookingPayload) (Event, error) {
	p.EventID = uuid.NewString()
	if p.OccurredAt.IsZero() {
		p.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(p)
	if err != nil {
		return Event{}, err
	}
	return Event{
		EventID:        p.EventID,
		AggregateType:  AggregateAppointment,
		AggregateID:    p.BookingID,
		OrganizationID: p.OrganizationID,
		EventType:      eventType,
		Payload:        body,
	}, nil
}
