package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"paycat/internal/apperrors"
	"paycat/internal/crypto"
	"paycat/internal/models"

	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStripeBackend struct {
	invoice      *stripe.Invoice
	charge       *stripe.Charge
	subscription *stripe.Subscription
	err          error
}

func (b *fakeStripeBackend) GetInvoice(_, _ string) (*stripe.Invoice, error) {
	return b.invoice, b.err
}

func (b *fakeStripeBackend) GetCharge(_, _ string) (*stripe.Charge, error) {
	return b.charge, b.err
}

func (b *fakeStripeBackend) GetSubscription(_, _ string) (*stripe.Subscription, error) {
	return b.subscription, b.err
}

func newTestStripeService() *StripeService {
	s := NewStripeService()
	s.backend = &fakeStripeBackend{}
	return s
}

func stripeEventBody(t *testing.T, eventID, eventType string, object interface{}, previous map[string]interface{}) []byte {
	t.Helper()
	objectRaw, err := json.Marshal(object)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]interface{}{
		"id":       eventID,
		"type":     eventType,
		"livemode": true,
		"created":  1700000300,
		"data": map[string]interface{}{
			"object":              json.RawMessage(objectRaw),
			"previous_attributes": previous,
		},
	})
	require.NoError(t, err)
	return body
}

func signedStripeHeader(body []byte, secret string, now time.Time) http.Header {
	header := http.Header{}
	header.Set("Stripe-Signature", crypto.StripeSignatureHeader(body, secret, now))
	return header
}

func stripeApp(secret string) *models.App {
	return &models.App{
		AppID:        "app_1",
		StripeConfig: fmt.Sprintf(`{"secret_key":"sk_test","webhook_secret":%q}`, secret),
	}
}

func TestStripeMatchesSignature(t *testing.T) {
	now := time.Now()
	s := newTestStripeService()
	s.now = fixedClock(now)

	body := []byte(`{"id":"evt_1"}`)
	app := stripeApp("whsec_a")

	assert.True(t, s.MatchesSignature(app, body, signedStripeHeader(body, "whsec_a", now)))
	assert.False(t, s.MatchesSignature(app, body, signedStripeHeader(body, "whsec_b", now)))
	assert.False(t, s.MatchesSignature(app, body, http.Header{}))
	assert.False(t, s.MatchesSignature(&models.App{AppID: "no_stripe"}, body, signedStripeHeader(body, "whsec_a", now)))
}

func TestStripeSubscriptionCreated(t *testing.T) {
	now := time.Now()
	s := newTestStripeService()
	s.now = fixedClock(now)

	body := stripeEventBody(t, "evt_1", "customer.subscription.created", map[string]interface{}{
		"id":                   "sub_1",
		"status":               "active",
		"start_date":           1700000000,
		"current_period_end":   1702592000,
		"cancel_at_period_end": false,
		"customer":             "cus_1",
		"metadata":             map[string]string{"app_user_id": "user_1"},
		"items": map[string]interface{}{
			"data": []map[string]interface{}{
				{"price": map[string]interface{}{"id": "price_pro"}},
			},
		},
	}, nil)

	app := stripeApp("whsec_a")
	event, err := s.VerifyNotification(context.Background(), app, body, signedStripeHeader(body, "whsec_a", now))
	require.NoError(t, err)
	require.NotNil(t, event)

	assert.Equal(t, models.EventInitialPurchase, event.EventType)
	assert.Equal(t, "evt_1", event.NotificationUUID)
	assert.Equal(t, "sub_1", event.SubscriptionHandle)
	assert.Equal(t, "user_1", event.AppUserID)
	assert.Equal(t, "price_pro", event.ProductID)
	assert.Equal(t, models.StatusActive, event.Status)
	assert.True(t, event.WillRenew)
	assert.False(t, event.IsSandbox)
	assert.Equal(t, int64(1700000300000), event.EventTimestamp)
	require.NotNil(t, event.ExpiresDate)
	assert.Equal(t, int64(1702592000000), *event.ExpiresDate)
}

func TestStripeSubscriptionCreatedTrialing(t *testing.T) {
	now := time.Now()
	s := newTestStripeService()
	s.now = fixedClock(now)

	body := stripeEventBody(t, "evt_1", "customer.subscription.created", map[string]interface{}{
		"id":     "sub_1",
		"status": "trialing",
	}, nil)

	app := stripeApp("whsec_a")
	event, err := s.VerifyNotification(context.Background(), app, body, signedStripeHeader(body, "whsec_a", now))
	require.NoError(t, err)
	assert.Equal(t, models.EventTrialStarted, event.EventType)
	assert.True(t, event.IsTrial)
	assert.Equal(t, models.StatusActive, event.Status)
}

func TestStripeSubscriptionUpdatedVariants(t *testing.T) {
	now := time.Now()
	s := newTestStripeService()
	s.now = fixedClock(now)
	app := stripeApp("whsec_a")

	// Auto-renew turned off
	body := stripeEventBody(t, "evt_1", "customer.subscription.updated", map[string]interface{}{
		"id":                   "sub_1",
		"status":               "active",
		"cancel_at_period_end": true,
	}, nil)
	event, err := s.VerifyNotification(context.Background(), app, body, signedStripeHeader(body, "whsec_a", now))
	require.NoError(t, err)
	assert.Equal(t, models.EventCancellation, event.EventType)
	assert.False(t, event.WillRenew)

	// Payment trouble
	body = stripeEventBody(t, "evt_2", "customer.subscription.updated", map[string]interface{}{
		"id":     "sub_1",
		"status": "past_due",
	}, nil)
	event, err = s.VerifyNotification(context.Background(), app, body, signedStripeHeader(body, "whsec_a", now))
	require.NoError(t, err)
	assert.Equal(t, models.EventBillingIssue, event.EventType)
	assert.Equal(t, models.StatusBillingRetry, event.Status)

	// Trial converting to paid
	body = stripeEventBody(t, "evt_3", "customer.subscription.updated", map[string]interface{}{
		"id":     "sub_1",
		"status": "active",
	}, map[string]interface{}{"status": "trialing"})
	event, err = s.VerifyNotification(context.Background(), app, body, signedStripeHeader(body, "whsec_a", now))
	require.NoError(t, err)
	assert.Equal(t, models.EventTrialConverted, event.EventType)
}

func TestStripeSubscriptionDeleted(t *testing.T) {
	now := time.Now()
	s := newTestStripeService()
	s.now = fixedClock(now)
	app := stripeApp("whsec_a")

	body := stripeEventBody(t, "evt_1", "customer.subscription.deleted", map[string]interface{}{
		"id":     "sub_1",
		"status": "canceled",
	}, nil)
	event, err := s.VerifyNotification(context.Background(), app, body, signedStripeHeader(body, "whsec_a", now))
	require.NoError(t, err)
	assert.Equal(t, models.EventExpiration, event.EventType)
	assert.Equal(t, models.StatusExpired, event.Status)
	assert.False(t, event.WillRenew)
}

func TestStripeInvoiceEvents(t *testing.T) {
	now := time.Now()
	s := newTestStripeService()
	s.now = fixedClock(now)
	app := stripeApp("whsec_a")

	invoice := map[string]interface{}{
		"id":             "in_1",
		"subscription":   "sub_1",
		"customer":       "cus_1",
		"created":        1700000000,
		"amount_paid":    999,
		"currency":       "usd",
		"billing_reason": "subscription_cycle",
		"lines": map[string]interface{}{
			"data": []map[string]interface{}{
				{
					"price":  map[string]interface{}{"id": "price_pro"},
					"period": map[string]interface{}{"end": 1702592000},
				},
			},
		},
	}

	body := stripeEventBody(t, "evt_1", "invoice.payment_succeeded", invoice, nil)
	event, err := s.VerifyNotification(context.Background(), app, body, signedStripeHeader(body, "whsec_a", now))
	require.NoError(t, err)
	assert.Equal(t, models.EventRenewal, event.EventType)
	assert.Equal(t, "in_1", event.TransactionID)
	assert.Equal(t, int64(999), event.RevenueAmount)
	assert.Equal(t, "usd", event.RevenueCurrency)
	require.NotNil(t, event.ExpiresDate)
	assert.Equal(t, int64(1702592000000), *event.ExpiresDate)

	// First invoice of a subscription is the initial purchase.
	invoice["billing_reason"] = "subscription_create"
	body = stripeEventBody(t, "evt_2", "invoice.payment_succeeded", invoice, nil)
	event, err = s.VerifyNotification(context.Background(), app, body, signedStripeHeader(body, "whsec_a", now))
	require.NoError(t, err)
	assert.Equal(t, models.EventInitialPurchase, event.EventType)

	// Failed payment opens billing retry.
	body = stripeEventBody(t, "evt_3", "invoice.payment_failed", invoice, nil)
	event, err = s.VerifyNotification(context.Background(), app, body, signedStripeHeader(body, "whsec_a", now))
	require.NoError(t, err)
	assert.Equal(t, models.EventBillingIssue, event.EventType)

	// Invoices without a subscription are one-off sales, not ours.
	delete(invoice, "subscription")
	body = stripeEventBody(t, "evt_4", "invoice.payment_succeeded", invoice, nil)
	event, err = s.VerifyNotification(context.Background(), app, body, signedStripeHeader(body, "whsec_a", now))
	require.NoError(t, err)
	assert.Nil(t, event)
}

func TestStripeChargeRefunded(t *testing.T) {
	now := time.Now()
	s := newTestStripeService()
	s.now = fixedClock(now)
	s.backend = &fakeStripeBackend{
		invoice: &stripe.Invoice{
			ID:           "in_1",
			Subscription: &stripe.Subscription{ID: "sub_1"},
		},
	}
	app := stripeApp("whsec_a")

	body := stripeEventBody(t, "evt_1", "charge.refunded", map[string]interface{}{
		"id":              "ch_1",
		"invoice":         "in_1",
		"created":         1700000000,
		"amount_refunded": 999,
		"currency":        "usd",
	}, nil)

	event, err := s.VerifyNotification(context.Background(), app, body, signedStripeHeader(body, "whsec_a", now))
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, models.EventRefund, event.EventType)
	assert.Equal(t, "sub_1", event.SubscriptionHandle)
	assert.Equal(t, "in_1", event.TransactionID)
	assert.Equal(t, int64(-999), event.RevenueAmount)
}

func TestStripeDisputeCreatedWithBareChargeID(t *testing.T) {
	now := time.Now()
	s := newTestStripeService()
	s.now = fixedClock(now)
	// The webhook payload references the charge by id only; the adapter
	// resolves charge and invoice through the API.
	s.backend = &fakeStripeBackend{
		charge: &stripe.Charge{
			ID:      "ch_1",
			Invoice: &stripe.Invoice{ID: "in_1"},
		},
		invoice: &stripe.Invoice{
			ID:           "in_1",
			Subscription: &stripe.Subscription{ID: "sub_1"},
		},
	}
	app := stripeApp("whsec_a")

	body := stripeEventBody(t, "evt_1", "charge.dispute.created", map[string]interface{}{
		"id":       "dp_1",
		"charge":   "ch_1",
		"currency": "usd",
	}, nil)

	event, err := s.VerifyNotification(context.Background(), app, body, signedStripeHeader(body, "whsec_a", now))
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, models.EventDisputeCreated, event.EventType)
	assert.Equal(t, "sub_1", event.SubscriptionHandle)
	assert.Equal(t, "in_1", event.TransactionID)
}

func TestStripeRejectsBadSignature(t *testing.T) {
	now := time.Now()
	s := newTestStripeService()
	s.now = fixedClock(now)
	app := stripeApp("whsec_a")

	body := stripeEventBody(t, "evt_1", "customer.subscription.created", map[string]interface{}{"id": "sub_1"}, nil)

	_, err := s.VerifyNotification(context.Background(), app, body, signedStripeHeader(body, "whsec_wrong", now))
	assert.ErrorIs(t, err, apperrors.ErrSignatureInvalid)

	_, err = s.VerifyNotification(context.Background(), app, body, http.Header{})
	assert.ErrorIs(t, err, apperrors.ErrSignatureInvalid)
}

func TestStripeIgnoresUnrelatedEvents(t *testing.T) {
	now := time.Now()
	s := newTestStripeService()
	s.now = fixedClock(now)
	app := stripeApp("whsec_a")

	body := stripeEventBody(t, "evt_1", "payment_intent.succeeded", map[string]interface{}{"id": "pi_1"}, nil)
	event, err := s.VerifyNotification(context.Background(), app, body, signedStripeHeader(body, "whsec_a", now))
	require.NoError(t, err)
	assert.Nil(t, event)
}

func TestMapStripeSubscriptionStatus(t *testing.T) {
	assert.Equal(t, models.StatusActive, mapStripeSubscriptionStatus(stripe.SubscriptionStatusActive))
	assert.Equal(t, models.StatusActive, mapStripeSubscriptionStatus(stripe.SubscriptionStatusTrialing))
	assert.Equal(t, models.StatusBillingRetry, mapStripeSubscriptionStatus(stripe.SubscriptionStatusPastDue))
	assert.Equal(t, models.StatusBillingRetry, mapStripeSubscriptionStatus(stripe.SubscriptionStatusUnpaid))
	assert.Equal(t, models.StatusExpired, mapStripeSubscriptionStatus(stripe.SubscriptionStatusCanceled))
	assert.Equal(t, models.StatusPaused, mapStripeSubscriptionStatus(stripe.SubscriptionStatusPaused))
	assert.Equal(t, "", mapStripeSubscriptionStatus(stripe.SubscriptionStatusIncomplete))
}
