package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

func TestBuildEventJSONVerifies(t *testing.T) {
	now := time.Now().UTC()
	payload, err := buildEventJSON("evt_1", "checkout.session.expired", now, "", "bk-1", "org-1", "")
	require.NoError(t, err)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: "whsec_test", Timestamp: now, Scheme: "v1"})
	evt, err := webhook.ConstructEventWithOptions(payload, signed.Header, "whsec_test", webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	require.NoError(t, err)
	assert.Equal(t, "checkout.session.expired", string(evt.Type))

	var sess stripe.CheckoutSession
	require.NoError(t, json.Unmarshal(evt.Data.Raw, &sess))
	assert.Equal(t, "cs_test_bk-1", sess.ID)
	assert.Equal(t, "bk-1", sess.Metadata["booking_id"])
	assert.Equal(t, "org-1", sess.Metadata["organization_id"])
	assert.Equal(t, stripe.CheckoutSessionPaymentStatusUnpaid, sess.PaymentStatus)
}

func TestBuildEventJSONPaymentStatusOverride(t *testing.T) {
	payload, err := buildEventJSON("evt_2", "checkout.session.completed", time.Now(), "cs_1", "bk-1", "org-1", "unpaid")
	require.NoError(t, err)

	var evt stripe.Event
	require.NoError(t, json.Unmarshal(payload, &evt))
	var sess stripe.CheckoutSession
	require.NoError(t, json.Unmarshal(evt.Data.Raw, &sess))
	assert.Equal(t, "cs_1", sess.ID)
	assert.Equal(t, stripe.CheckoutSessionPaymentStatusUnpaid, sess.PaymentStatus)
	assert.Equal(t, stripe.CheckoutSessionStatusComplete, sess.Status)
}

func TestBuildEventJSONRejectsUnknownType(t *testing.T) {
	_, err := buildEventJSON("evt_1", "invoice.paid", time.Now(), "", "bk-1", "", "")
	assert.Error(t, err)
}
