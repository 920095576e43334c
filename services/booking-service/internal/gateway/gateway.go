// Package gateway defines the contracts of the external collaborators the
// booking engine calls after a transaction commits.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
)

// OAuthToken is an organization's calendar credential.
type OAuthToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry"`
}

// TokenRefreshed is returned when the provider rotated the credential during
// a call. The caller persists it.
type TokenRefreshed struct {
	NewToken OAuthToken
	Expiry   time.Time
}

type CalendarEventRequest struct {
	Token        OAuthToken
	CalendarID   string
	Summary      string
	Description  string
	Start        time.Time
	End          time.Time
	TimeZone     string
	Location     string
	AttendeeName string
	AttendeeMail string
	RequestID    string
}

type CalendarEventResult struct {
	EventID        string
	Link           string
	TokenRefreshed *TokenRefreshed
}

type CalendarGateway interface {
	CreateMeetingEvent(ctx context.Context, req CalendarEventRequest) (CalendarEventResult, error)
	CreateInPersonEvent(ctx context.Context, req CalendarEventRequest) (CalendarEventResult, error)
}

type CheckoutRequest struct {
	Organization    model.Organization
	Booking         model.Booking
	AppointmentType model.AppointmentType
	PatientEmail    string
	SuccessURL      string
	CancelURL       string
}

type CheckoutSession struct {
	SessionID   string
	CheckoutURL string
}

type PaymentOutcome string

const (
	PaymentSucceeded PaymentOutcome = "succeeded"
	PaymentFailed    PaymentOutcome = "failed"
	// PaymentProcessing is a finished checkout whose payment settles later.
	PaymentProcessing PaymentOutcome = "processing"
	// PaymentIgnored marks provider events that carry no state change.
	PaymentIgnored PaymentOutcome = "ignored"
)

// PaymentEvent is a verified, provider-neutral webhook notification.
type PaymentEvent struct {
	Provider       string
	EventID        string
	EventType      string
	Outcome        PaymentOutcome
	SessionID      string
	BookingID      string
	OrganizationID string
	Payload        []byte
}

// ErrInvalidSignature is returned by ParseWebhook for payloads that fail
// provider signature verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

type PaymentGateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
	// ExpireCheckoutSession closes a session so it can no longer be paid.
	ExpireCheckoutSession(ctx context.Context, sessionID string) error
	ParseWebhook(payload []byte, signature string) (PaymentEvent, error)
}

// BookingNotice is the data every booking email is rendered from.
type BookingNotice struct {
	Organization    model.Organization
	Booking         model.Booking
	AppointmentType model.AppointmentType
	Patient         model.Patient
	RetryURL        string
}

// Notifier sends best-effort emails. Callers log failures and move on.
type Notifier interface {
	SendBookingConfirmation(ctx context.Context, n BookingNotice) error
	SendPaymentRetry(ctx context.Context, n BookingNotice) error
	SendOwnerNotification(ctx context.Context, n BookingNotice) error
}

// CalendarCredentials is an organization's connected calendar.
type CalendarCredentials struct {
	OrganizationID string
	CalendarID     string
	Token          OAuthToken
}
