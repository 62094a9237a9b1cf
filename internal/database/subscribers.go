package database

import (
	"context"
	"fmt"
	"time"

	"paycat/internal/models"
	"paycat/pkg/logging"

	"gorm.io/gorm"
)

// SubscriberViewTTL bounds staleness of the cached subscriber view.
const SubscriberViewTTL = 60 * time.Second

func subscriberViewKey(appID, appUserID string) string {
	return fmt.Sprintf("subscriber:%s:%s", appID, appUserID)
}

// CachedSubscriberView returns the cached rendered view, or "" on miss.
func CachedSubscriberView(ctx context.Context, appID, appUserID string) string {
	if RedisClient == nil {
		return ""
	}
	cached, err := GetCache(ctx, subscriberViewKey(appID, appUserID))
	if err != nil {
		return ""
	}
	return cached
}

// CacheSubscriberView stores the rendered view for SubscriberViewTTL.
func CacheSubscriberView(ctx context.Context, appID, appUserID, view string) {
	if RedisClient == nil {
		return
	}
	if err := SetCache(ctx, subscriberViewKey(appID, appUserID), view, SubscriberViewTTL); err != nil {
		logging.Warnf("Failed to cache subscriber view: %v", err)
	}
}

// InvalidateSubscriberView drops the cached view after a write.
func InvalidateSubscriberView(ctx context.Context, appID, appUserID string) {
	if RedisClient == nil {
		return
	}
	if err := DeleteCache(ctx, subscriberViewKey(appID, appUserID)); err != nil {
		logging.Warnf("Failed to invalidate subscriber view: %v", err)
	}
}

// GetSubscriber loads a subscriber by its tenant-scoped external id.
func GetSubscriber(appID, appUserID string) (*models.Subscriber, error) {
	var subscriber models.Subscriber
	err := DB.Where("app_id = ? AND app_user_id = ?", appID, appUserID).First(&subscriber).Error
	if err != nil {
		return nil, err
	}
	return &subscriber, nil
}

// GetSubscriberByID loads a subscriber by primary key.
func GetSubscriberByID(id uint) (*models.Subscriber, error) {
	var subscriber models.Subscriber
	if err := DB.First(&subscriber, id).Error; err != nil {
		return nil, err
	}
	return &subscriber, nil
}

// GetOrCreateSubscriber returns the subscriber for (app, app_user_id),
// creating it on first sight and touching last_seen either way.
func GetOrCreateSubscriber(appID, appUserID string) (*models.Subscriber, error) {
	now := time.Now()
	subscriber := models.Subscriber{
		AppID:       appID,
		AppUserID:   appUserID,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	err := DB.Where("app_id = ? AND app_user_id = ?", appID, appUserID).
		FirstOrCreate(&subscriber).Error
	if err != nil {
		return nil, err
	}
	if err := DB.Model(&subscriber).Update("last_seen_at", now).Error; err != nil {
		return nil, err
	}
	return &subscriber, nil
}

// DeleteSubscriber erases a subscriber and cascades to its
// subscriptions and transactions (GDPR erase).
func DeleteSubscriber(appID, appUserID string) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		var subscriber models.Subscriber
		if err := tx.Where("app_id = ? AND app_user_id = ?", appID, appUserID).
			First(&subscriber).Error; err != nil {
			return err
		}

		var subscriptionIDs []uint
		if err := tx.Model(&models.Subscription{}).
			Where("subscriber_id = ?", subscriber.ID).
			Pluck("id", &subscriptionIDs).Error; err != nil {
			return err
		}

		if len(subscriptionIDs) > 0 {
			if err := tx.Where("subscription_id IN ?", subscriptionIDs).
				Delete(&models.Transaction{}).Error; err != nil {
				return err
			}
			if err := tx.Where("subscriber_id = ?", subscriber.ID).
				Delete(&models.Subscription{}).Error; err != nil {
				return err
			}
		}

		return tx.Delete(&subscriber).Error
	})
}
