package booking

import (
	"fmt"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
)

// Event drives a booking from one state to another.
type Event string

const (
	EventPaymentSucceeded  Event = "payment_succeeded"
	EventPaymentFailed     Event = "payment_failed"
	EventPaymentProcessing Event = "payment_processing"
	EventCheckoutAbandoned Event = "checkout_abandoned"
	EventPaymentRetry      Event = "payment_retry"
	EventComplete          Event = "complete"
	EventCancel            Event = "cancel"
	EventNoShow            Event = "no_show"
)

type transitionKey struct {
	from  model.Status
	event Event
}

var transitions = map[transitionKey]model.State{
	{model.StatusPendingPayment, EventPaymentSucceeded}:  {Status: model.StatusConfirmed, PaymentStatus: model.PaymentPaid},
	{model.StatusPendingPayment, EventPaymentFailed}:     {Status: model.StatusFailedPayment, PaymentStatus: model.PaymentFailed},
	{model.StatusPendingPayment, EventPaymentProcessing}: {Status: model.StatusPendingPayment, PaymentStatus: model.PaymentProcessing},
	{model.StatusPendingPayment, EventCheckoutAbandoned}: {Status: model.StatusFailedPayment, PaymentStatus: model.PaymentFailed},
	{model.StatusPendingPayment, EventPaymentRetry}:      {Status: model.StatusPendingPayment, PaymentStatus: model.PaymentPending},
	{model.StatusFailedPayment, EventPaymentRetry}:       {Status: model.StatusPendingPayment, PaymentStatus: model.PaymentPending},
	{model.StatusConfirmed, EventComplete}:               {Status: model.StatusCompleted},
	{model.StatusConfirmed, EventCancel}:                 {Status: model.StatusCancelled},
	{model.StatusConfirmed, EventNoShow}:                 {Status: model.StatusNoShow},
}

// InitialState is the state a new booking of type t starts in.
func InitialState(t model.AppointmentType) model.State {
	if t.RequiresPayment {
		return model.State{Status: model.StatusPendingPayment, PaymentStatus: model.PaymentPending}
	}
	return model.State{Status: model.StatusConfirmed, PaymentStatus: model.PaymentNotRequired}
}

// Transition returns the state reached from cur on ev. Staff actions keep the
// payment status unchanged.
func Transition(cur model.State, ev Event) (model.State, error) {
	next, ok := transitions[transitionKey{from: cur.Status, event: ev}]
	if !ok {
		return cur, fmt.Errorf("%w: %s on %s", model.ErrInvalidTransition, ev, cur.Status)
	}
	if next.PaymentStatus == "" {
		next.PaymentStatus = cur.PaymentStatus
	}
	return next, nil
}

// StaffEvent maps a staff action name to its event.
func StaffEvent(action string) (Event, bool) {
	switch action {
	case "complete":
		return EventComplete, true
	case "cancel":
		return EventCancel, true
	case "no-show", "no_show":
		return EventNoShow, true
	default:
		return "", false
	}
}
