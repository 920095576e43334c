package model

import "time"

// Status is the lifecycle state of a booking.
type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusConfirmed      Status = "confirmed"
	StatusFailedPayment  Status = "failed_payment"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
	StatusNoShow         Status = "no_show"
)

// PaymentStatus tracks the money side of a booking. Processing is a
// completed checkout whose funds have not settled yet, such as a bank debit.
type PaymentStatus string

const (
	PaymentNotRequired PaymentStatus = "not_required"
	PaymentPending     PaymentStatus = "pending"
	PaymentProcessing  PaymentStatus = "processing"
	PaymentPaid        PaymentStatus = "paid"
	PaymentFailed      PaymentStatus = "failed"
)

// OccupyingStatuses are the statuses whose bookings hold their time range.
// The database exclusion constraint uses the same set.
var OccupyingStatuses = []Status{StatusPendingPayment, StatusConfirmed}

func (s Status) Occupies() bool {
	for _, o := range OccupyingStatuses {
		if s == o {
			return true
		}
	}
	return false
}

// Booking is a persisted appointment.
type Booking struct {
	ID                string
	OrganizationID    string
	PatientID         string
	AppointmentTypeID string
	StartTime         time.Time
	EndTime           time.Time
	Status            Status
	PaymentStatus     PaymentStatus
	PaymentSessionID  string
	CheckoutURL       string
	MeetingLink       string
	CalendarEventID   string
	Notes             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	StatusChangedAt   time.Time
}

// State is the (status, payment status) pair the state machine works on.
type State struct {
	Status        Status
	PaymentStatus PaymentStatus
}

func (b Booking) State() State {
	return State{Status: b.Status, PaymentStatus: b.PaymentStatus}
}

// Overlaps reports whether [start, end) intersects the booking's range.
func (b Booking) Overlaps(start, end time.Time) bool {
	return start.Before(b.EndTime) && b.StartTime.Before(end)
}

type Patient struct {
	ID             string
	OrganizationID string
	Email          string
	Name           string
	Phone          string
}

// PatientInfo is what a booking request carries about the patient.
type PatientInfo struct {
	Name  string
	Email string
	Phone string
}
