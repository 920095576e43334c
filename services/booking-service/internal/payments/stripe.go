// Package payments creates Stripe Checkout sessions for paid appointment
// types and turns Stripe webhooks into provider-neutral payment events.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/gateway"
)

const (
	Provider = "stripe"

	metaBookingID      = "booking_id"
	metaOrganizationID = "organization_id"

	// Stripe rejects expirations shorter than 30 minutes.
	sessionTTL = 30 * time.Minute
)

type Config struct {
	SecretKey        string
	WebhookSecret    string
	WebhookTolerance time.Duration
	// DryRun fabricates checkout sessions instead of calling Stripe.
	// Webhook verification still uses WebhookSecret.
	DryRun bool
	// Backend overrides the Stripe API backend (tests, stripe-mock).
	Backend stripe.Backend
}

type Gateway struct {
	cfg     Config
	session session.Client
	now     func() time.Time
}

var _ gateway.PaymentGateway = (*Gateway)(nil)

func New(cfg Config) *Gateway {
	if cfg.WebhookTolerance <= 0 {
		cfg.WebhookTolerance = webhook.DefaultTolerance
	}
	backend := cfg.Backend
	if backend == nil {
		backend = stripe.GetBackend(stripe.APIBackend)
	}
	return &Gateway{
		cfg:     cfg,
		session: session.Client{B: backend, Key: cfg.SecretKey},
		now:     time.Now,
	}
}

// CreateCheckoutSession opens a one-off payment for the booking. Calls for
// the same booking state share one Stripe idempotency key.
func (g *Gateway) CreateCheckoutSession(ctx context.Context, req gateway.CheckoutRequest) (gateway.CheckoutSession, error) {
	if g.cfg.DryRun {
		id := "cs_dry_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		return gateway.CheckoutSession{SessionID: id, CheckoutURL: withSessionID(req.SuccessURL, id)}, nil
	}
	if strings.TrimSpace(g.cfg.SecretKey) == "" {
		return gateway.CheckoutSession{}, errors.New("stripe secret key not configured")
	}

	item, err := lineItem(req)
	if err != nil {
		return gateway.CheckoutSession{}, err
	}
	meta := map[string]string{
		metaBookingID:      req.Booking.ID,
		metaOrganizationID: req.Booking.OrganizationID,
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.Booking.ID),
		LineItems:         []*stripe.CheckoutSessionLineItemParams{item},
		Metadata:          meta,
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: meta},
		ExpiresAt:         stripe.Int64(g.now().Add(sessionTTL).Unix()),
	}
	if req.PatientEmail != "" {
		params.CustomerEmail = stripe.String(req.PatientEmail)
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(fmt.Sprintf("checkout-%s-%d", req.Booking.ID, req.Booking.UpdatedAt.UnixNano()))

	sess, err := g.session.New(params)
	if err != nil {
		return gateway.CheckoutSession{}, fmt.Errorf("stripe checkout session: %w", err)
	}
	if sess.URL == "" {
		return gateway.CheckoutSession{}, fmt.Errorf("stripe checkout session %s has no url", sess.ID)
	}
	return gateway.CheckoutSession{SessionID: sess.ID, CheckoutURL: sess.URL}, nil
}

// ExpireCheckoutSession closes an open session so a replaced checkout link
// stops accepting payments. Dry-run sessions only exist locally.
func (g *Gateway) ExpireCheckoutSession(ctx context.Context, sessionID string) error {
	if g.cfg.DryRun || strings.HasPrefix(sessionID, "cs_dry_") {
		return nil
	}
	if strings.TrimSpace(g.cfg.SecretKey) == "" {
		return errors.New("stripe secret key not configured")
	}
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	if _, err := g.session.Expire(sessionID, params); err != nil {
		return fmt.Errorf("stripe expire session %s: %w", sessionID, err)
	}
	return nil
}

// lineItem uses the appointment type's Stripe price when it has one and
// inline price data otherwise.
func lineItem(req gateway.CheckoutRequest) (*stripe.CheckoutSessionLineItemParams, error) {
	t := req.AppointmentType
	if ref := strings.TrimSpace(t.PaymentReference); strings.HasPrefix(ref, "price_") {
		return &stripe.CheckoutSessionLineItemParams{Price: stripe.String(ref), Quantity: stripe.Int64(1)}, nil
	}
	if t.PriceCents <= 0 || t.Currency == "" {
		return nil, fmt.Errorf("appointment type %s has no price", t.ID)
	}
	name := t.Name
	if req.Organization.Name != "" {
		name = t.Name + " - " + req.Organization.Name
	}
	return &stripe.CheckoutSessionLineItemParams{
		PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripe.String(strings.ToLower(t.Currency)),
			UnitAmount: stripe.Int64(t.PriceCents),
			ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
				Name: stripe.String(name),
			},
		},
		Quantity: stripe.Int64(1),
	}, nil
}

// ParseWebhook verifies the Stripe-Signature header and classifies the event.
func (g *Gateway) ParseWebhook(payload []byte, signature string) (gateway.PaymentEvent, error) {
	if strings.TrimSpace(g.cfg.WebhookSecret) == "" {
		return gateway.PaymentEvent{}, errors.New("stripe webhook secret not configured")
	}
	evt, err := webhook.ConstructEventWithOptions(payload, signature, g.cfg.WebhookSecret, webhook.ConstructEventOptions{
		Tolerance:                g.cfg.WebhookTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return gateway.PaymentEvent{}, fmt.Errorf("%w: %v", gateway.ErrInvalidSignature, err)
	}

	out := gateway.PaymentEvent{
		Provider:  Provider,
		EventID:   evt.ID,
		EventType: string(evt.Type),
		Outcome:   gateway.PaymentIgnored,
		Payload:   payload,
	}
	if !strings.HasPrefix(out.EventType, "checkout.session.") {
		return out, nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(evt.Data.Raw, &sess); err != nil {
		return gateway.PaymentEvent{}, fmt.Errorf("decode checkout session: %w", err)
	}
	out.SessionID = sess.ID
	out.BookingID = sess.Metadata[metaBookingID]
	if out.BookingID == "" {
		out.BookingID = sess.ClientReferenceID
	}
	out.OrganizationID = sess.Metadata[metaOrganizationID]
	out.Outcome = outcome(out.EventType, sess.PaymentStatus)
	return out, nil
}

func outcome(eventType string, status stripe.CheckoutSessionPaymentStatus) gateway.PaymentOutcome {
	switch eventType {
	case "checkout.session.completed":
		// Delayed payment methods complete unpaid and settle with an async event.
		if status == stripe.CheckoutSessionPaymentStatusPaid || status == stripe.CheckoutSessionPaymentStatusNoPaymentRequired {
			return gateway.PaymentSucceeded
		}
		return gateway.PaymentProcessing
	case "checkout.session.async_payment_succeeded":
		return gateway.PaymentSucceeded
	case "checkout.session.async_payment_failed", "checkout.session.expired":
		return gateway.PaymentFailed
	default:
		return gateway.PaymentIgnored
	}
}

func withSessionID(rawURL, id string) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + "session_id=" + id
}
