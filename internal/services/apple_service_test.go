package services

import (
	"context"
	"testing"

	"paycat/internal/apperrors"
	"paycat/internal/models"

	"github.com/awa/go-iap/appstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLegacyVerifier struct {
	resp appstore.IAPResponse
	err  error
}

func (f *fakeLegacyVerifier) Verify(_ context.Context, _ appstore.IAPRequest, result interface{}) error {
	if f.err != nil {
		return f.err
	}
	*result.(*appstore.IAPResponse) = f.resp
	return nil
}

func TestMapAppleEventType(t *testing.T) {
	assert.Equal(t, models.EventInitialPurchase, mapAppleEventType("SUBSCRIBED", ""))
	assert.Equal(t, models.EventInitialPurchase, mapAppleEventType("SUBSCRIBED", "INITIAL_BUY"))
	assert.Equal(t, models.EventReactivation, mapAppleEventType("SUBSCRIBED", "RESUBSCRIBE"))

	assert.Equal(t, models.EventRenewal, mapAppleEventType("DID_RENEW", ""))
	assert.Equal(t, models.EventBillingRecovery, mapAppleEventType("DID_RENEW", "BILLING_RECOVERY"))

	assert.Equal(t, models.EventBillingIssue, mapAppleEventType("DID_FAIL_TO_RENEW", ""))
	assert.Equal(t, models.EventGracePeriodStarted, mapAppleEventType("DID_FAIL_TO_RENEW", "GRACE_PERIOD"))

	assert.Equal(t, models.EventCancellation, mapAppleEventType("DID_CHANGE_RENEWAL_STATUS", "AUTO_RENEW_DISABLED"))
	assert.Equal(t, models.EventReactivation, mapAppleEventType("DID_CHANGE_RENEWAL_STATUS", "AUTO_RENEW_ENABLED"))

	assert.Equal(t, models.EventExpiration, mapAppleEventType("EXPIRED", "VOLUNTARY"))
	assert.Equal(t, models.EventGracePeriodExpired, mapAppleEventType("GRACE_PERIOD_EXPIRED", ""))
	assert.Equal(t, models.EventProductChange, mapAppleEventType("DID_CHANGE_RENEWAL_PREF", "UPGRADE"))
	assert.Equal(t, models.EventRefund, mapAppleEventType("REFUND", ""))
	assert.Equal(t, models.EventRevocation, mapAppleEventType("REVOKE", ""))
	assert.Equal(t, models.EventRenewalExtended, mapAppleEventType("RENEWAL_EXTENDED", ""))

	assert.Equal(t, models.EventUnknown, mapAppleEventType("CONSUMPTION_REQUEST", ""))
}

func TestAppleStoreEventMapping(t *testing.T) {
	s := NewAppleService()

	payload := &AppleNotificationPayload{
		NotificationType: "DID_RENEW",
		NotificationUUID: "uuid-abc",
	}
	payload.Data.BundleID = "com.example.app"
	payload.Data.Environment = "Sandbox"

	txn := &AppleTransactionInfo{
		TransactionID:         "txn_2",
		OriginalTransactionID: "orig_1",
		ProductID:             "pro_monthly",
		PurchaseDate:          1700000000000,
		ExpiresDate:           1702592000000,
		AppAccountToken:       "user-token",
		Price:                 9990, // milliunits
		Currency:              "USD",
	}
	renewal := &AppleRenewalInfo{AutoRenewStatus: 1}

	event := s.storeEvent(payload, txn, renewal, []byte("{}"))

	assert.Equal(t, models.PlatformIOS, event.Platform)
	assert.Equal(t, models.EventRenewal, event.EventType)
	assert.Equal(t, "uuid-abc", event.NotificationUUID)
	assert.Equal(t, "com.example.app", event.ProviderAccountID)
	assert.Equal(t, "orig_1", event.SubscriptionHandle)
	assert.Equal(t, "user-token", event.AppUserID)
	assert.True(t, event.IsSandbox)
	assert.True(t, event.WillRenew)
	require.NotNil(t, event.ExpiresDate)
	assert.Equal(t, int64(1702592000000), *event.ExpiresDate)
	// Milliunits become minor units
	assert.Equal(t, int64(999), event.RevenueAmount)
}

func TestAppleStoreEventRefundNegatesRevenue(t *testing.T) {
	s := NewAppleService()

	payload := &AppleNotificationPayload{NotificationType: "REFUND"}
	txn := &AppleTransactionInfo{
		TransactionID:         "txn_2",
		OriginalTransactionID: "orig_1",
		Price:                 9990,
		Currency:              "USD",
	}

	event := s.storeEvent(payload, txn, &AppleRenewalInfo{}, nil)
	assert.Equal(t, models.EventRefund, event.EventType)
	assert.Equal(t, int64(-999), event.RevenueAmount)
}

func TestAppleStoreEventFreeTrial(t *testing.T) {
	s := NewAppleService()

	payload := &AppleNotificationPayload{NotificationType: "SUBSCRIBED"}
	txn := &AppleTransactionInfo{
		OriginalTransactionID: "orig_1",
		OfferDiscountType:     "FREE_TRIAL",
	}

	event := s.storeEvent(payload, txn, &AppleRenewalInfo{AutoRenewStatus: 1}, nil)
	assert.Equal(t, models.EventTrialStarted, event.EventType)
	assert.True(t, event.IsTrial)
}

func TestAppleVerifyNotificationRejectsGarbage(t *testing.T) {
	s := NewAppleService()

	_, err := s.VerifyNotification(context.Background(), nil, []byte("not json"), nil)
	assert.ErrorIs(t, err, apperrors.ErrReceiptInvalid)

	_, err = s.VerifyNotification(context.Background(), nil, []byte(`{}`), nil)
	assert.ErrorIs(t, err, apperrors.ErrReceiptInvalid)

	// A body with a malformed JWS fails signature verification.
	_, err = s.VerifyNotification(context.Background(), nil, []byte(`{"signedPayload":"a.b"}`), nil)
	assert.ErrorIs(t, err, apperrors.ErrSignatureInvalid)
}

func TestAppleVerifyLegacyReceipt(t *testing.T) {
	s := NewAppleService()

	resp := appstore.IAPResponse{Status: 0, Environment: "Production"}
	resp.Receipt.BundleID = "com.example.app"
	latest := appstore.InApp{
		ProductID:             "pro_monthly",
		TransactionID:         "txn_9",
		OriginalTransactionID: "orig_9",
		IsTrialPeriod:         "true",
	}
	latest.PurchaseDateMS = "1700000000000"
	latest.ExpiresDateMS = "1702592000000"
	resp.LatestReceiptInfo = []appstore.InApp{latest}
	s.legacyClient = &fakeLegacyVerifier{resp: resp}

	creds := &models.AppleCredentials{SharedSecret: "shared"}
	event, err := s.verifyLegacyReceipt(context.Background(), creds, "base64receipt")
	require.NoError(t, err)

	assert.Equal(t, "com.example.app", event.ProviderAccountID)
	assert.Equal(t, "orig_9", event.SubscriptionHandle)
	assert.Equal(t, "txn_9", event.TransactionID)
	assert.Equal(t, int64(1700000000000), event.PurchaseDate)
	require.NotNil(t, event.ExpiresDate)
	assert.Equal(t, int64(1702592000000), *event.ExpiresDate)
	assert.True(t, event.IsTrial)
	assert.False(t, event.IsSandbox)
}

func TestAppleVerifyLegacyReceiptRejected(t *testing.T) {
	s := NewAppleService()
	s.legacyClient = &fakeLegacyVerifier{resp: appstore.IAPResponse{Status: 21003}}

	creds := &models.AppleCredentials{SharedSecret: "shared"}
	_, err := s.verifyLegacyReceipt(context.Background(), creds, "bad")
	assert.ErrorIs(t, err, apperrors.ErrReceiptInvalid)
}

func TestMapAppleSubscriptionStatus(t *testing.T) {
	assert.Equal(t, models.StatusActive, mapAppleSubscriptionStatus(1))
	assert.Equal(t, models.StatusExpired, mapAppleSubscriptionStatus(2))
	assert.Equal(t, models.StatusBillingRetry, mapAppleSubscriptionStatus(3))
	assert.Equal(t, models.StatusGracePeriod, mapAppleSubscriptionStatus(4))
	assert.Equal(t, models.StatusCancelled, mapAppleSubscriptionStatus(5))
	assert.Equal(t, "", mapAppleSubscriptionStatus(0))
}
