package services

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"paycat/internal/apperrors"
	"paycat/internal/database"
	"paycat/internal/models"
	"paycat/pkg/logging"

	"gorm.io/gorm"
)

// ApplyResult is what one store event did to the canonical model.
type ApplyResult struct {
	Subscriber   *models.Subscriber
	Subscription *models.Subscription
	Transaction  *models.Transaction

	// Created is true when the subscription row was first inserted by
	// this event.
	Created bool
}

// SubscriptionService normalizes store events into subscriptions and
// the transaction ledger.
type SubscriptionService struct {
	now func() time.Time
}

// NewSubscriptionService creates the normalizer.
func NewSubscriptionService() *SubscriptionService {
	return &SubscriptionService{now: time.Now}
}

// ApplyStoreEvent folds a verified store event into the canonical
// model inside one transaction: subscription first, then the ledger,
// then the idempotency witness. The row lock on the subscription
// serializes concurrent events for the same provider handle.
//
// Returns apperrors.ErrDuplicateNotification when the witness row for
// the event already exists.
func (s *SubscriptionService) ApplyStoreEvent(app *models.App, event *models.StoreEvent) (*ApplyResult, error) {
	if event.SubscriptionHandle == "" {
		return nil, apperrors.ReceiptInvalid(fmt.Errorf("event has no subscription handle"))
	}

	result := &ApplyResult{}
	err := database.DB.Transaction(func(tx *gorm.DB) error {
		subscription, err := database.GetSubscriptionByHandleLocked(tx, app.AppID, event.Platform, event.SubscriptionHandle)
		switch {
		case err == nil:
		case errors.Is(err, gorm.ErrRecordNotFound):
			subscription = nil
		default:
			return err
		}

		subscriber, err := s.resolveSubscriber(tx, app, event, subscription)
		if err != nil {
			return err
		}
		result.Subscriber = subscriber

		if subscription == nil {
			subscription = &models.Subscription{
				SubscriberID:           subscriber.ID,
				AppID:                  app.AppID,
				Platform:               event.Platform,
				ProviderSubscriptionID: event.SubscriptionHandle,
				Status:                 models.StatusActive,
				PurchaseDate:           event.PurchaseDate,
			}
			result.Created = true
		} else if subscription.SubscriberID != subscriber.ID {
			// A later event carried an app user id for a holding that was
			// created anonymously; the identified subscriber takes it over.
			subscription.SubscriberID = subscriber.ID
		}

		s.applyTransition(subscription, event)

		if result.Created {
			if err := tx.Create(subscription).Error; err != nil {
				return err
			}
		} else if err := tx.Save(subscription).Error; err != nil {
			return err
		}
		result.Subscription = subscription

		transaction, err := s.applyLedger(tx, subscription, event)
		if err != nil {
			return err
		}
		result.Transaction = transaction

		if event.NotificationUUID != "" {
			witness := &models.ProcessedNotification{
				AppID:            app.AppID,
				Platform:         event.Platform,
				NotificationUUID: event.NotificationUUID,
				NotificationType: event.NotificationType,
			}
			if err := tx.Create(witness).Error; err != nil {
				if isUniqueViolationErr(err) {
					return apperrors.ErrDuplicateNotification
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func isUniqueViolationErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

// resolveSubscriber attaches the event to a subscriber. Events that
// carry an app user id win; otherwise the existing subscription's
// owner is kept, and as a last resort an anonymous subscriber keyed by
// the provider handle is created.
func (s *SubscriptionService) resolveSubscriber(tx *gorm.DB, app *models.App, event *models.StoreEvent, existing *models.Subscription) (*models.Subscriber, error) {
	appUserID := event.AppUserID
	if appUserID == "" && existing != nil {
		var subscriber models.Subscriber
		if err := tx.First(&subscriber, existing.SubscriberID).Error; err != nil {
			return nil, err
		}
		return &subscriber, nil
	}
	if appUserID == "" {
		appUserID = "$anon:" + event.SubscriptionHandle
	}

	now := s.now()
	subscriber := models.Subscriber{
		AppID:       app.AppID,
		AppUserID:   appUserID,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	if err := tx.Where("app_id = ? AND app_user_id = ?", app.AppID, appUserID).
		FirstOrCreate(&subscriber).Error; err != nil {
		return nil, err
	}
	if err := tx.Model(&subscriber).Update("last_seen_at", now).Error; err != nil {
		return nil, err
	}
	return &subscriber, nil
}

// applyTransition mutates the subscription per the canonical event.
// When the provider sent an authoritative status it wins over the
// event-derived one.
func (s *SubscriptionService) applyTransition(sub *models.Subscription, event *models.StoreEvent) {
	nowMs := s.now().UnixMilli()

	if event.ProductID != "" {
		sub.ProductID = event.ProductID
	}
	if event.PurchaseDate > 0 && sub.PurchaseDate == 0 {
		sub.PurchaseDate = event.PurchaseDate
	}
	if event.ExpiresDate != nil {
		sub.ExpiresAt = event.ExpiresDate
	}
	if event.GracePeriodExpiresAt != nil {
		sub.GracePeriodExpiresAt = event.GracePeriodExpiresAt
	}
	if event.IsSandbox {
		sub.IsSandbox = true
	}
	if event.RevenueAmount > 0 {
		sub.PriceAmount = event.RevenueAmount
		sub.PriceCurrency = event.RevenueCurrency
	}

	switch event.EventType {
	case models.EventInitialPurchase, models.EventTrialStarted:
		sub.Status = models.StatusActive
		sub.WillRenew = event.WillRenew
		sub.IsTrial = event.EventType == models.EventTrialStarted || event.IsTrial
		sub.CancelledAt = nil

	case models.EventRenewal, models.EventBillingRecovery, models.EventRenewalExtended:
		sub.Status = models.StatusActive
		sub.WillRenew = true
		sub.IsTrial = false
		sub.GracePeriodExpiresAt = nil
		sub.CancelledAt = nil

	case models.EventTrialConverted:
		sub.Status = models.StatusActive
		sub.WillRenew = true
		sub.IsTrial = false

	case models.EventCancellation, models.EventPendingCancelled:
		// Entitlement runs to the paid-through date; expiry is
		// time-driven, not an immediate status flip.
		sub.WillRenew = false
		cancelled := event.EventTimestamp
		if cancelled == 0 {
			cancelled = nowMs
		}
		sub.CancelledAt = &cancelled

	case models.EventReactivation:
		sub.Status = models.StatusActive
		sub.WillRenew = true
		sub.CancelledAt = nil

	case models.EventExpiration, models.EventGracePeriodExpired:
		sub.Status = models.StatusExpired
		sub.WillRenew = false
		sub.GracePeriodExpiresAt = nil

	case models.EventBillingIssue:
		sub.Status = models.StatusBillingRetry
		sub.WillRenew = true

	case models.EventGracePeriodStarted:
		sub.Status = models.StatusGracePeriod
		sub.WillRenew = true

	case models.EventPaused:
		sub.Status = models.StatusPaused
		sub.WillRenew = false

	case models.EventProductChange:
		// Product already applied above; term fields follow the event.
		sub.WillRenew = true

	case models.EventRefund, models.EventRevocation:
		// Money went back; the holding stops granting immediately.
		sub.Status = models.StatusCancelled
		sub.WillRenew = false
		cancelled := event.EventTimestamp
		if cancelled == 0 {
			cancelled = nowMs
		}
		sub.CancelledAt = &cancelled

	case models.EventOfferRedeemed, models.EventPriceIncrease,
		models.EventSubscriptionUpdate, models.EventPauseScheduled,
		models.EventTrialEnding, models.EventDisputeCreated,
		models.EventDisputeClosed:
		// Field updates above are enough.

	default:
		logging.Warnf("Unhandled event type %s for subscription %s", event.EventType, sub.ProviderSubscriptionID)
	}

	if event.Status != "" {
		sub.Status = event.Status
		if event.Status == models.StatusExpired {
			sub.WillRenew = false
		}
	}
}

// applyLedger appends the transaction the event carries, if any.
// Refunds mark the original row and append a negative one.
func (s *SubscriptionService) applyLedger(tx *gorm.DB, sub *models.Subscription, event *models.StoreEvent) (*models.Transaction, error) {
	if event.TransactionID == "" {
		return nil, nil
	}

	switch event.EventType {
	case models.EventRefund, models.EventRevocation:
		return s.applyRefund(tx, sub, event)

	case models.EventInitialPurchase, models.EventTrialStarted,
		models.EventRenewal, models.EventBillingRecovery,
		models.EventTrialConverted:
		txnType := models.TransactionInitialPurchase
		if event.EventType != models.EventInitialPurchase && event.EventType != models.EventTrialStarted {
			txnType = models.TransactionRenewal
		} else {
			// A purchase event replayed against a subscription that
			// already holds ledger rows is a renewal economically.
			var count int64
			if err := tx.Model(&models.Transaction{}).
				Where("subscription_id = ?", sub.ID).Count(&count).Error; err != nil {
				return nil, err
			}
			if count > 0 {
				txnType = models.TransactionRenewal
			}
		}
		return s.appendTransaction(tx, sub, event, txnType)

	case models.EventProductChange:
		return s.appendTransaction(tx, sub, event, models.TransactionUpgrade)

	default:
		return nil, nil
	}
}

func (s *SubscriptionService) appendTransaction(tx *gorm.DB, sub *models.Subscription, event *models.StoreEvent, txnType string) (*models.Transaction, error) {
	transaction := &models.Transaction{
		SubscriptionID:        sub.ID,
		AppID:                 sub.AppID,
		TransactionID:         event.TransactionID,
		OriginalTransactionID: event.SubscriptionHandle,
		ProductID:             event.ProductID,
		Platform:              event.Platform,
		Type:                  txnType,
		PurchaseDate:          event.PurchaseDate,
		ExpiresDate:           event.ExpiresDate,
		RevenueAmount:         event.RevenueAmount,
		RevenueCurrency:       event.RevenueCurrency,
		RawPayload:            string(event.RawPayload),
	}
	if err := tx.Create(transaction).Error; err != nil {
		if isUniqueViolationErr(err) {
			// Ledger rows are append-only and keyed by the provider
			// transaction id; a replay changes nothing.
			return nil, nil
		}
		return nil, err
	}
	return transaction, nil
}

func (s *SubscriptionService) applyRefund(tx *gorm.DB, sub *models.Subscription, event *models.StoreEvent) (*models.Transaction, error) {
	nowMs := s.now().UnixMilli()

	var original models.Transaction
	err := tx.Where("app_id = ? AND platform = ? AND transaction_id = ?",
		sub.AppID, sub.Platform, event.TransactionID).
		First(&original).Error
	switch {
	case err == nil:
		if original.IsRefunded {
			return nil, nil
		}
		if err := tx.Model(&original).Updates(map[string]interface{}{
			"is_refunded": true,
			"refunded_at": nowMs,
		}).Error; err != nil {
			return nil, err
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		logging.Warnf("Refund for unknown transaction %s on %s", event.TransactionID, sub.ProviderSubscriptionID)
	default:
		return nil, err
	}

	amount := event.RevenueAmount
	if amount == 0 && err == nil {
		amount = -original.RevenueAmount
	}
	if amount > 0 {
		amount = -amount
	}

	refund := &models.Transaction{
		SubscriptionID:        sub.ID,
		AppID:                 sub.AppID,
		TransactionID:         event.TransactionID + ":refund",
		OriginalTransactionID: event.SubscriptionHandle,
		ProductID:             sub.ProductID,
		Platform:              event.Platform,
		Type:                  models.TransactionRefund,
		PurchaseDate:          nowMs,
		RevenueAmount:         amount,
		RevenueCurrency:       event.RevenueCurrency,
	}
	if refund.RevenueCurrency == "" && err == nil {
		refund.RevenueCurrency = original.RevenueCurrency
	}
	if createErr := tx.Create(refund).Error; createErr != nil {
		if isUniqueViolationErr(createErr) {
			return nil, nil
		}
		return nil, createErr
	}
	return refund, nil
}

// EffectiveStatus derives the externally visible status: a stored
// active subscription whose paid-through date has passed reads as
// expired without waiting for the store's expiration event.
func EffectiveStatus(sub *models.Subscription, nowMs int64) string {
	switch sub.Status {
	case models.StatusActive:
		if sub.ExpiresAt != nil && nowMs >= *sub.ExpiresAt {
			return models.StatusExpired
		}
	case models.StatusGracePeriod, models.StatusBillingRetry:
		// The grace window, not the lapsed paid-through date, is what
		// keeps these granting.
		if sub.GracePeriodExpiresAt != nil {
			if nowMs >= *sub.GracePeriodExpiresAt {
				return models.StatusExpired
			}
		} else if sub.ExpiresAt != nil && nowMs >= *sub.ExpiresAt {
			return models.StatusExpired
		}
	}
	return sub.Status
}
