// Command stripe-webhook-sim posts a signed checkout.session event to a local
// booking-service so payment flows can be exercised without Stripe.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79/webhook"
)

func main() {
	var (
		baseURL   = flag.String("base-url", getenv("BASE_URL", "http://localhost:8083"), "booking-service base url")
		evtType   = flag.String("type", getenv("STRIPE_EVENT_TYPE", "checkout.session.completed"), "stripe event type")
		bookingID = flag.String("booking-id", getenv("BOOKING_ID", ""), "booking_id metadata")
		orgID     = flag.String("organization-id", getenv("ORGANIZATION_ID", ""), "organization_id metadata")
		sessionID = flag.String("session-id", getenv("SESSION_ID", ""), "checkout session id (empty matches any)")
		secret    = flag.String("secret", getenv("STRIPE_WEBHOOK_SECRET", ""), "stripe webhook signing secret (whsec_...)")
		payStatus = flag.String("payment-status", getenv("PAYMENT_STATUS", ""), "override session payment_status (unpaid simulates a bank debit)")
	)
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		fatal("STRIPE_WEBHOOK_SECRET is required")
	}
	if strings.TrimSpace(*bookingID) == "" {
		fatal("BOOKING_ID is required")
	}

	now := time.Now().UTC()
	payload, err := buildEventJSON(fmt.Sprintf("evt_test_%d", now.UnixNano()), *evtType, now, *sessionID, *bookingID, *orgID, *payStatus)
	if err != nil {
		fatal(err.Error())
	}

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    *secret,
		Timestamp: now,
		Scheme:    "v1",
	})

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*baseURL, "/")+"/api/v1/webhooks/stripe", bytes.NewReader(payload))
	if err != nil {
		fatal(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	fmt.Printf("status=%d body=%s\n", resp.StatusCode, strings.TrimSpace(string(body)))
}

func buildEventJSON(eventID, eventType string, t time.Time, sessionID, bookingID, orgID, paymentStatusOverride string) ([]byte, error) {
	var paymentStatus, status string
	switch eventType {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		paymentStatus, status = "paid", "complete"
	case "checkout.session.async_payment_failed":
		paymentStatus, status = "unpaid", "complete"
	case "checkout.session.expired":
		paymentStatus, status = "unpaid", "expired"
	default:
		return nil, fmt.Errorf("unsupported event type: %s", eventType)
	}
	if paymentStatusOverride != "" {
		paymentStatus = paymentStatusOverride
	}
	if sessionID == "" {
		sessionID = "cs_test_" + bookingID
	}

	return json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"created":     t.Unix(),
		"type":        eventType,
		"api_version": "2024-06-20",
		"data": map[string]any{
			"object": map[string]any{
				"id":                  sessionID,
				"object":              "checkout.session",
				"client_reference_id": bookingID,
				"payment_status":      paymentStatus,
				"status":              status,
				"metadata": map[string]any{
					"booking_id":      bookingID,
					"organization_id": orgID,
				},
			},
		},
	})
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
