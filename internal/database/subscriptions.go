package database

import (
	"paycat/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetSubscriptionByHandle finds a subscription by its provider handle
// within (app, platform).
func GetSubscriptionByHandle(appID, platform, handle string) (*models.Subscription, error) {
	var subscription models.Subscription
	err := DB.Where("app_id = ? AND platform = ? AND provider_subscription_id = ?",
		appID, platform, handle).First(&subscription).Error
	if err != nil {
		return nil, err
	}
	return &subscription, nil
}

// GetSubscriptionByHandleLocked is GetSubscriptionByHandle inside tx
// with a FOR UPDATE row lock, used by the normalizer to serialize writes
// per (app, subscription).
func GetSubscriptionByHandleLocked(tx *gorm.DB, appID, platform, handle string) (*models.Subscription, error) {
	query := tx
	// SQLite serializes writers on its own and rejects FOR UPDATE.
	if tx.Dialector.Name() != "sqlite" {
		query = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var subscription models.Subscription
	err := query.
		Where("app_id = ? AND platform = ? AND provider_subscription_id = ?",
			appID, platform, handle).First(&subscription).Error
	if err != nil {
		return nil, err
	}
	return &subscription, nil
}

// GetSubscriberSubscriptions lists all subscriptions of a subscriber.
func GetSubscriberSubscriptions(subscriberID uint) ([]models.Subscription, error) {
	var subscriptions []models.Subscription
	err := DB.Where("subscriber_id = ?", subscriberID).
		Order("created_at ASC").Find(&subscriptions).Error
	return subscriptions, err
}
