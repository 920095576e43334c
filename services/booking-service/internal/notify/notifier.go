package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/gateway"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
)

// Notifier renders booking notices and hands them to an EmailSender.
type Notifier struct {
	sender EmailSender
}

var _ gateway.Notifier = (*Notifier)(nil)

func NewNotifier(sender EmailSender) *Notifier {
	return &Notifier{sender: sender}
}

func (n *Notifier) SendBookingConfirmation(ctx context.Context, b gateway.BookingNotice) error {
	if b.Patient.Email == "" {
		return errors.New("patient has no email")
	}
	lines := []string{
		fmt.Sprintf("Hi %s,", b.Patient.Name),
		"",
		fmt.Sprintf("Your %s with %s is confirmed.", b.AppointmentType.Name, b.Organization.Name),
		"When: " + when(b),
	}
	if b.AppointmentType.LocationKind == model.LocationInPerson && b.AppointmentType.Address != "" {
		lines = append(lines, "Where: "+b.AppointmentType.Address)
	}
	if b.Booking.MeetingLink != "" {
		lines = append(lines, "Join: "+b.Booking.MeetingLink)
	}
	return n.send(ctx, b.Patient.Email, b.Patient.Name,
		fmt.Sprintf("Appointment confirmed: %s", b.AppointmentType.Name), lines)
}

func (n *Notifier) SendPaymentRetry(ctx context.Context, b gateway.BookingNotice) error {
	if b.Patient.Email == "" {
		return errors.New("patient has no email")
	}
	if b.RetryURL == "" {
		return errors.New("retry url is empty")
	}
	lines := []string{
		fmt.Sprintf("Hi %s,", b.Patient.Name),
		"",
		fmt.Sprintf("We could not complete the payment for your %s with %s on %s.", b.AppointmentType.Name, b.Organization.Name, when(b)),
		"The time is not held until payment goes through. You can try again here:",
		b.RetryURL,
	}
	return n.send(ctx, b.Patient.Email, b.Patient.Name, "Complete your appointment payment", lines)
}

func (n *Notifier) SendOwnerNotification(ctx context.Context, b gateway.BookingNotice) error {
	if b.Organization.OwnerEmail == "" {
		return errors.New("organization has no owner email")
	}
	lines := []string{
		fmt.Sprintf("New %s booked.", b.AppointmentType.Name),
		"When: " + when(b),
		fmt.Sprintf("Patient: %s <%s>", b.Patient.Name, b.Patient.Email),
	}
	if b.Patient.Phone != "" {
		lines = append(lines, "Phone: "+b.Patient.Phone)
	}
	if b.Booking.Notes != "" {
		lines = append(lines, "Notes: "+b.Booking.Notes)
	}
	return n.send(ctx, b.Organization.OwnerEmail, b.Organization.Name,
		fmt.Sprintf("New booking: %s with %s", b.AppointmentType.Name, b.Patient.Name), lines)
}

func (n *Notifier) send(ctx context.Context, to, toName, subject string, lines []string) error {
	escaped := make([]string, len(lines))
	for i, l := range lines {
		escaped[i] = html.EscapeString(l)
	}
	return n.sender.Send(ctx, EmailMessage{
		To:      to,
		ToName:  toName,
		Subject: subject,
		Body:    strings.Join(lines, "\n"),
		HTML:    "<p>" + strings.Join(escaped, "<br>") + "</p>",
	})
}

// when formats the booking start in the organization's timezone.
func when(b gateway.BookingNotice) string {
	loc := b.Organization.Location()
	return b.Booking.StartTime.In(loc).Format("Monday, January 2, 2006 at 3:04 PM MST") +
		fmt.Sprintf(" (%d min)", int(b.Booking.EndTime.Sub(b.Booking.StartTime)/time.Minute))
}
