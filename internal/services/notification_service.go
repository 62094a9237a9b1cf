package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"paycat/internal/apperrors"
	"paycat/internal/database"
	"paycat/internal/models"
	"paycat/pkg/logging"
)

const notificationSeenTTL = 24 * time.Hour

// ProcessResult is the outcome of one store event run through the
// pipeline.
type ProcessResult struct {
	// Duplicate is true when the event was already processed; nothing
	// was written.
	Duplicate bool

	Apply        *ApplyResult
	Entitlements *SubscriberEntitlements
}

// NotificationService runs verified store events through the pipeline:
// duplicate gate, normalization, entitlement resolution, then webhook
// and integration fan-out.
type NotificationService struct {
	Subscriptions *SubscriptionService
	Entitlements  *EntitlementService
	Webhooks      *WebhookDispatcher
	Integrations  *IntegrationService

	// AsyncFanOut moves webhook and integration delivery off the
	// request path. Tests disable it.
	AsyncFanOut bool
}

// NewNotificationService wires the pipeline.
func NewNotificationService(subscriptions *SubscriptionService, entitlements *EntitlementService, webhooks *WebhookDispatcher, integrations *IntegrationService) *NotificationService {
	return &NotificationService{
		Subscriptions: subscriptions,
		Entitlements:  entitlements,
		Webhooks:      webhooks,
		Integrations:  integrations,
		AsyncFanOut:   true,
	}
}

// Process applies one verified store event. The database witness row
// is the duplicate authority; Redis only short-circuits the common
// replay without a round trip through the normalizer.
func (s *NotificationService) Process(ctx context.Context, app *models.App, event *models.StoreEvent) (*ProcessResult, error) {
	if event == nil {
		return &ProcessResult{}, nil
	}
	event.AppID = app.AppID

	seenKey := ""
	if event.NotificationUUID != "" {
		seenKey = fmt.Sprintf("notif:%s:%s:%s", app.AppID, event.Platform, event.NotificationUUID)
		if s.seenRecently(ctx, seenKey) {
			return &ProcessResult{Duplicate: true}, nil
		}
		seen, err := database.HasProcessedNotification(app.AppID, event.Platform, event.NotificationUUID)
		if err != nil {
			s.forget(ctx, seenKey)
			return nil, err
		}
		if seen {
			return &ProcessResult{Duplicate: true}, nil
		}
	}

	apply, err := s.Subscriptions.ApplyStoreEvent(app, event)
	if err != nil {
		if errors.Is(err, apperrors.ErrDuplicateNotification) {
			// Lost the race to a concurrent delivery of the same event.
			return &ProcessResult{Duplicate: true}, nil
		}
		s.forget(ctx, seenKey)
		return nil, err
	}

	database.InvalidateSubscriberView(ctx, app.AppID, apply.Subscriber.AppUserID)

	subscriptions, err := database.GetSubscriberSubscriptions(apply.Subscriber.ID)
	if err != nil {
		return nil, err
	}
	entitlements, err := s.Entitlements.Resolve(app.AppID, subscriptions)
	if err != nil {
		return nil, err
	}

	result := &ProcessResult{Apply: apply, Entitlements: entitlements}

	domainEvent := s.buildDomainEvent(event, apply, entitlements)
	if domainEvent != nil {
		if s.AsyncFanOut {
			go s.fanOut(app, domainEvent)
		} else {
			s.fanOut(app, domainEvent)
		}
	}
	return result, nil
}

func (s *NotificationService) fanOut(app *models.App, event *models.DomainEvent) {
	if err := s.Webhooks.Dispatch(app, event); err != nil {
		logging.Errorf("Webhook dispatch for event %s failed: %v", event.ID, err)
	}
	s.Integrations.FanOut(app, event)
}

// buildDomainEvent renders the canonical outbound payload. Events that
// map to no canonical type (unknown provider vocabulary) fan out
// nothing.
func (s *NotificationService) buildDomainEvent(event *models.StoreEvent, apply *ApplyResult, entitlements *SubscriberEntitlements) *models.DomainEvent {
	if event.EventType == models.EventUnknown || event.EventType == "" {
		return nil
	}

	data := models.DomainEventData{
		AppUserID:    apply.Subscriber.AppUserID,
		SubscriberID: apply.Subscriber.ID,
		Entitlements: entitlements.ActiveMap(),
		Attributes: map[string]interface{}{
			"platform":   event.Platform,
			"is_sandbox": apply.Subscription.IsSandbox,
			"store_type": event.NotificationType,
		},
	}
	if sub := apply.Subscription; sub != nil {
		data.Subscription = &models.EventSubscription{
			ID:        sub.ID,
			ProductID: sub.ProductID,
			Platform:  sub.Platform,
			Status:    EffectiveStatus(sub, time.Now().UnixMilli()),
			ExpiresAt: sub.ExpiresAt,
		}
	}
	if txn := apply.Transaction; txn != nil {
		data.Transaction = &models.EventTransaction{
			ID:       txn.TransactionID,
			Amount:   txn.RevenueAmount,
			Currency: txn.RevenueCurrency,
		}
	}
	return models.NewDomainEvent(event.EventType, data)
}

// seenRecently marks the notification key and reports whether it was
// already marked. Redis being down never blocks processing.
func (s *NotificationService) seenRecently(ctx context.Context, key string) bool {
	if database.RedisClient == nil {
		return false
	}
	set, err := database.RedisClient.SetNX(ctx, key, "1", notificationSeenTTL).Result()
	if err != nil {
		logging.Warnf("Redis duplicate gate unavailable: %v", err)
		return false
	}
	return !set
}

func (s *NotificationService) forget(ctx context.Context, key string) {
	if key == "" || database.RedisClient == nil {
		return
	}
	if err := database.RedisClient.Del(ctx, key).Err(); err != nil {
		logging.Warnf("Failed to clear duplicate gate key %s: %v", key, err)
	}
}
