package database

import (
	"paycat/internal/models"
)

// GetEnabledIntegrations lists the enabled analytics sinks of an app.
func GetEnabledIntegrations(appID string) ([]models.Integration, error) {
	var integrations []models.Integration
	err := DB.Where("app_id = ? AND enabled = ?", appID, true).Find(&integrations).Error
	return integrations, err
}

// CreateIntegrationDelivery records one fan-out attempt.
func CreateIntegrationDelivery(delivery *models.IntegrationDelivery) error {
	return DB.Create(delivery).Error
}
