package database

import (
	"time"

	"paycat/internal/models"
)

// CreateWebhook registers an outbound endpoint.
func CreateWebhook(webhook *models.Webhook) error {
	return DB.Create(webhook).Error
}

// GetWebhookByID loads one webhook scoped to its app.
func GetWebhookByID(appID string, id uint) (*models.Webhook, error) {
	var webhook models.Webhook
	err := DB.Where("app_id = ? AND id = ?", appID, id).First(&webhook).Error
	if err != nil {
		return nil, err
	}
	return &webhook, nil
}

// GetActiveWebhooks lists the active endpoints of an app.
func GetActiveWebhooks(appID string) ([]models.Webhook, error) {
	var webhooks []models.Webhook
	err := DB.Where("app_id = ? AND active = ?", appID, true).Find(&webhooks).Error
	return webhooks, err
}

// GetAppWebhooks lists all endpoints of an app.
func GetAppWebhooks(appID string) ([]models.Webhook, error) {
	var webhooks []models.Webhook
	err := DB.Where("app_id = ?", appID).Find(&webhooks).Error
	return webhooks, err
}

// DeactivateWebhook disables an endpoint without losing its delivery
// history.
func DeactivateWebhook(appID string, id uint) error {
	return DB.Model(&models.Webhook{}).
		Where("app_id = ? AND id = ?", appID, id).
		Update("active", false).Error
}

// CreateWebhookDelivery appends a delivery record.
func CreateWebhookDelivery(delivery *models.WebhookDelivery) error {
	return DB.Create(delivery).Error
}

// SaveWebhookDelivery persists delivery attempt results.
func SaveWebhookDelivery(delivery *models.WebhookDelivery) error {
	return DB.Save(delivery).Error
}

// GetDueWebhookDeliveries selects up to limit deliveries whose retry is
// due: next_retry_at <= now, not delivered, attempts below the ceiling.
func GetDueWebhookDeliveries(now time.Time, limit int) ([]models.WebhookDelivery, error) {
	var deliveries []models.WebhookDelivery
	err := DB.Where("next_retry_at IS NOT NULL AND next_retry_at <= ? AND delivered_at IS NULL AND attempts < ?",
		now.UnixMilli(), models.MaxDeliveryAttempts).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&deliveries).Error
	return deliveries, err
}

// GetWebhookDeliveries lists delivery history for a webhook, newest
// first.
func GetWebhookDeliveries(webhookID uint, limit int) ([]models.WebhookDelivery, error) {
	var deliveries []models.WebhookDelivery
	err := DB.Where("webhook_id = ?", webhookID).
		Order("created_at DESC").Limit(limit).Find(&deliveries).Error
	return deliveries, err
}
