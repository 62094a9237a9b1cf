package services

import (
	"testing"
	"time"

	"paycat/internal/apperrors"
	"paycat/internal/database"
	"paycat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSubscriptionService(now time.Time) *SubscriptionService {
	s := NewSubscriptionService()
	s.now = fixedClock(now)
	return s
}

func purchaseEvent(uuid string) *models.StoreEvent {
	expires := time.Now().Add(30 * 24 * time.Hour).UnixMilli()
	return &models.StoreEvent{
		Platform:           models.PlatformIOS,
		NotificationUUID:   uuid,
		NotificationType:   "SUBSCRIBED",
		EventType:          models.EventInitialPurchase,
		ProductID:          "com.example.pro.monthly",
		SubscriptionHandle: "orig_1000",
		TransactionID:      "txn_1000",
		AppUserID:          "user_1",
		PurchaseDate:       time.Now().UnixMilli(),
		ExpiresDate:        &expires,
		WillRenew:          true,
		RevenueAmount:      999,
		RevenueCurrency:    "USD",
	}
}

func TestApplyStoreEventInitialPurchase(t *testing.T) {
	setupTestDB(t)
	app := newTestApp(t, "app_1")
	svc := newTestSubscriptionService(time.Now())

	event := purchaseEvent("uuid-1")
	result, err := svc.ApplyStoreEvent(app, event)
	require.NoError(t, err)

	assert.True(t, result.Created)
	assert.Equal(t, "user_1", result.Subscriber.AppUserID)

	sub := result.Subscription
	assert.Equal(t, models.StatusActive, sub.Status)
	assert.Equal(t, "com.example.pro.monthly", sub.ProductID)
	assert.True(t, sub.WillRenew)
	assert.Equal(t, int64(999), sub.PriceAmount)
	assert.Equal(t, "USD", sub.PriceCurrency)

	require.NotNil(t, result.Transaction)
	assert.Equal(t, models.TransactionInitialPurchase, result.Transaction.Type)
	assert.Equal(t, "txn_1000", result.Transaction.TransactionID)
	assert.Equal(t, int64(999), result.Transaction.RevenueAmount)

	seen, err := database.HasProcessedNotification(app.AppID, models.PlatformIOS, "uuid-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestApplyStoreEventReplayReturnsDuplicate(t *testing.T) {
	setupTestDB(t)
	app := newTestApp(t, "app_1")
	svc := newTestSubscriptionService(time.Now())

	_, err := svc.ApplyStoreEvent(app, purchaseEvent("uuid-1"))
	require.NoError(t, err)

	_, err = svc.ApplyStoreEvent(app, purchaseEvent("uuid-1"))
	assert.ErrorIs(t, err, apperrors.ErrDuplicateNotification)

	// The failed transaction rolled back; exactly one ledger row and one
	// witness remain.
	var txnCount, witnessCount int64
	require.NoError(t, database.DB.Model(&models.Transaction{}).Count(&txnCount).Error)
	require.NoError(t, database.DB.Model(&models.ProcessedNotification{}).Count(&witnessCount).Error)
	assert.Equal(t, int64(1), txnCount)
	assert.Equal(t, int64(1), witnessCount)
}

func TestApplyStoreEventRenewalAppendsLedger(t *testing.T) {
	setupTestDB(t)
	app := newTestApp(t, "app_1")
	svc := newTestSubscriptionService(time.Now())

	_, err := svc.ApplyStoreEvent(app, purchaseEvent("uuid-1"))
	require.NoError(t, err)

	newExpiry := time.Now().Add(60 * 24 * time.Hour).UnixMilli()
	renewal := purchaseEvent("uuid-2")
	renewal.EventType = models.EventRenewal
	renewal.TransactionID = "txn_1001"
	renewal.ExpiresDate = &newExpiry

	result, err := svc.ApplyStoreEvent(app, renewal)
	require.NoError(t, err)

	assert.False(t, result.Created)
	assert.Equal(t, models.StatusActive, result.Subscription.Status)
	require.NotNil(t, result.Subscription.ExpiresAt)
	assert.Equal(t, newExpiry, *result.Subscription.ExpiresAt)

	require.NotNil(t, result.Transaction)
	assert.Equal(t, models.TransactionRenewal, result.Transaction.Type)

	var count int64
	require.NoError(t, database.DB.Model(&models.Transaction{}).
		Where("subscription_id = ?", result.Subscription.ID).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestApplyStoreEventSameTransactionIDIsIdempotent(t *testing.T) {
	setupTestDB(t)
	app := newTestApp(t, "app_1")
	svc := newTestSubscriptionService(time.Now())

	_, err := svc.ApplyStoreEvent(app, purchaseEvent("uuid-1"))
	require.NoError(t, err)

	// Same store transaction arrives again under a fresh notification id
	// (different channel, same fact). The ledger must not grow.
	replay := purchaseEvent("uuid-2")
	result, err := svc.ApplyStoreEvent(app, replay)
	require.NoError(t, err)
	assert.Nil(t, result.Transaction)

	var count int64
	require.NoError(t, database.DB.Model(&models.Transaction{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestApplyStoreEventSameTransactionIDAcrossAppsBothLedger(t *testing.T) {
	setupTestDB(t)
	appA := newTestApp(t, "app_1")
	appB := newTestApp(t, "app_2")
	svc := newTestSubscriptionService(time.Now())

	_, err := svc.ApplyStoreEvent(appA, purchaseEvent("uuid-1"))
	require.NoError(t, err)

	// Another tenant reusing the same store transaction id is a distinct
	// ledger fact, not a replay.
	result, err := svc.ApplyStoreEvent(appB, purchaseEvent("uuid-1"))
	require.NoError(t, err)
	require.NotNil(t, result.Transaction)
	assert.Equal(t, "txn_1000", result.Transaction.TransactionID)

	var count int64
	require.NoError(t, database.DB.Model(&models.Transaction{}).
		Where("transaction_id = ?", "txn_1000").Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestApplyStoreEventPurchaseReplayOnExistingLedgerIsRenewal(t *testing.T) {
	setupTestDB(t)
	app := newTestApp(t, "app_1")
	svc := newTestSubscriptionService(time.Now())

	_, err := svc.ApplyStoreEvent(app, purchaseEvent("uuid-1"))
	require.NoError(t, err)

	// Stores resend purchase-shaped events for later billing cycles.
	second := purchaseEvent("uuid-2")
	second.TransactionID = "txn_1001"
	result, err := svc.ApplyStoreEvent(app, second)
	require.NoError(t, err)

	require.NotNil(t, result.Transaction)
	assert.Equal(t, models.TransactionRenewal, result.Transaction.Type)
}

func TestApplyStoreEventCancellationIsTimeDriven(t *testing.T) {
	setupTestDB(t)
	app := newTestApp(t, "app_1")
	now := time.Now()
	svc := newTestSubscriptionService(now)

	expires := now.Add(10 * 24 * time.Hour).UnixMilli()
	purchase := purchaseEvent("uuid-1")
	purchase.ExpiresDate = &expires
	_, err := svc.ApplyStoreEvent(app, purchase)
	require.NoError(t, err)

	cancelledAt := now.Add(-time.Minute).UnixMilli()
	cancel := &models.StoreEvent{
		Platform:           models.PlatformIOS,
		NotificationUUID:   "uuid-2",
		EventType:          models.EventCancellation,
		SubscriptionHandle: "orig_1000",
		EventTimestamp:     cancelledAt,
	}
	result, err := svc.ApplyStoreEvent(app, cancel)
	require.NoError(t, err)

	sub := result.Subscription
	// Auto-renew off keeps the paid-through entitlement; the status
	// flips by clock, not by event.
	assert.Equal(t, models.StatusActive, sub.Status)
	assert.False(t, sub.WillRenew)
	// The store's event time, not the processing clock, is the
	// cancellation instant.
	require.NotNil(t, sub.CancelledAt)
	assert.Equal(t, cancelledAt, *sub.CancelledAt)

	assert.Equal(t, models.StatusActive, EffectiveStatus(sub, expires-1))
	assert.Equal(t, models.StatusExpired, EffectiveStatus(sub, expires))
	assert.Equal(t, models.StatusExpired, EffectiveStatus(sub, expires+1))
}

func TestApplyStoreEventRefund(t *testing.T) {
	setupTestDB(t)
	app := newTestApp(t, "app_1")
	svc := newTestSubscriptionService(time.Now())

	_, err := svc.ApplyStoreEvent(app, purchaseEvent("uuid-1"))
	require.NoError(t, err)

	refund := &models.StoreEvent{
		Platform:           models.PlatformIOS,
		NotificationUUID:   "uuid-2",
		EventType:          models.EventRefund,
		SubscriptionHandle: "orig_1000",
		TransactionID:      "txn_1000",
	}
	result, err := svc.ApplyStoreEvent(app, refund)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCancelled, result.Subscription.Status)
	assert.False(t, result.Subscription.WillRenew)

	require.NotNil(t, result.Transaction)
	assert.Equal(t, models.TransactionRefund, result.Transaction.Type)
	assert.Equal(t, "txn_1000:refund", result.Transaction.TransactionID)
	assert.Equal(t, int64(-999), result.Transaction.RevenueAmount)
	assert.Equal(t, "USD", result.Transaction.RevenueCurrency)

	var original models.Transaction
	require.NoError(t, database.DB.Where("transaction_id = ?", "txn_1000").First(&original).Error)
	assert.True(t, original.IsRefunded)
	require.NotNil(t, original.RefundedAt)

	// A refund replay must not double the negative row.
	replay := *refund
	replay.NotificationUUID = "uuid-3"
	result, err = svc.ApplyStoreEvent(app, &replay)
	require.NoError(t, err)
	assert.Nil(t, result.Transaction)

	var refundCount int64
	require.NoError(t, database.DB.Model(&models.Transaction{}).
		Where("type = ?", models.TransactionRefund).Count(&refundCount).Error)
	assert.Equal(t, int64(1), refundCount)
}

func TestApplyStoreEventBillingRetryAndRecovery(t *testing.T) {
	setupTestDB(t)
	app := newTestApp(t, "app_1")
	svc := newTestSubscriptionService(time.Now())

	_, err := svc.ApplyStoreEvent(app, purchaseEvent("uuid-1"))
	require.NoError(t, err)

	grace := time.Now().Add(16 * 24 * time.Hour).UnixMilli()
	issue := &models.StoreEvent{
		Platform:             models.PlatformIOS,
		NotificationUUID:     "uuid-2",
		EventType:            models.EventBillingIssue,
		SubscriptionHandle:   "orig_1000",
		GracePeriodExpiresAt: &grace,
	}
	result, err := svc.ApplyStoreEvent(app, issue)
	require.NoError(t, err)
	assert.Equal(t, models.StatusBillingRetry, result.Subscription.Status)
	require.NotNil(t, result.Subscription.GracePeriodExpiresAt)

	recovery := &models.StoreEvent{
		Platform:           models.PlatformIOS,
		NotificationUUID:   "uuid-3",
		EventType:          models.EventBillingRecovery,
		SubscriptionHandle: "orig_1000",
		TransactionID:      "txn_1001",
	}
	result, err = svc.ApplyStoreEvent(app, recovery)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, result.Subscription.Status)
	assert.Nil(t, result.Subscription.GracePeriodExpiresAt)
	assert.True(t, result.Subscription.WillRenew)
}

func TestApplyStoreEventAuthoritativeStatusWins(t *testing.T) {
	setupTestDB(t)
	app := newTestApp(t, "app_1")
	svc := newTestSubscriptionService(time.Now())

	event := purchaseEvent("uuid-1")
	event.Status = models.StatusExpired
	result, err := svc.ApplyStoreEvent(app, event)
	require.NoError(t, err)

	assert.Equal(t, models.StatusExpired, result.Subscription.Status)
	assert.False(t, result.Subscription.WillRenew)
}

func TestApplyStoreEventAnonymousSubscriberTakeover(t *testing.T) {
	setupTestDB(t)
	app := newTestApp(t, "app_1")
	svc := newTestSubscriptionService(time.Now())

	anon := purchaseEvent("uuid-1")
	anon.AppUserID = ""
	result, err := svc.ApplyStoreEvent(app, anon)
	require.NoError(t, err)
	assert.Equal(t, "$anon:orig_1000", result.Subscriber.AppUserID)

	// A later renewal carries the real user id; the holding moves over.
	renewal := purchaseEvent("uuid-2")
	renewal.EventType = models.EventRenewal
	renewal.TransactionID = "txn_1001"
	result, err = svc.ApplyStoreEvent(app, renewal)
	require.NoError(t, err)
	assert.Equal(t, "user_1", result.Subscriber.AppUserID)
	assert.Equal(t, result.Subscriber.ID, result.Subscription.SubscriberID)
}

func TestApplyStoreEventRequiresHandle(t *testing.T) {
	setupTestDB(t)
	app := newTestApp(t, "app_1")
	svc := newTestSubscriptionService(time.Now())

	event := purchaseEvent("uuid-1")
	event.SubscriptionHandle = ""
	_, err := svc.ApplyStoreEvent(app, event)
	assert.ErrorIs(t, err, apperrors.ErrReceiptInvalid)
}

func TestEffectiveStatusBillingRetryGraceWindow(t *testing.T) {
	grace := int64(5000)
	sub := &models.Subscription{
		Status:               models.StatusBillingRetry,
		GracePeriodExpiresAt: &grace,
	}
	assert.Equal(t, models.StatusBillingRetry, EffectiveStatus(sub, 4999))
	assert.Equal(t, models.StatusExpired, EffectiveStatus(sub, 5000))
}

func TestEffectiveStatusGracePeriodOutlivesPaidThrough(t *testing.T) {
	expires := int64(1000)
	grace := int64(5000)
	sub := &models.Subscription{
		Status:               models.StatusGracePeriod,
		ExpiresAt:            &expires,
		GracePeriodExpiresAt: &grace,
	}

	// The lapsed paid-through date does not end the grace window.
	assert.Equal(t, models.StatusGracePeriod, EffectiveStatus(sub, 1500))
	assert.True(t, sub.IsGranting(1500))
	assert.Equal(t, models.StatusGracePeriod, EffectiveStatus(sub, 4999))
	assert.Equal(t, models.StatusExpired, EffectiveStatus(sub, 5000))
	assert.False(t, sub.IsGranting(5000))

	// Without a grace window the paid-through date still governs.
	sub.GracePeriodExpiresAt = nil
	assert.Equal(t, models.StatusExpired, EffectiveStatus(sub, 1500))
}
