package database

import (
	"paycat/internal/models"
)

// GetEntitlementDefinitions lists the entitlements an app defines.
func GetEntitlementDefinitions(appID string) ([]models.EntitlementDefinition, error) {
	var definitions []models.EntitlementDefinition
	err := DB.Where("app_id = ?", appID).Find(&definitions).Error
	return definitions, err
}

// GetProductEntitlements returns the product → entitlement identifiers
// mapping of an app.
func GetProductEntitlements(appID string) (map[string][]string, error) {
	var rows []models.ProductEntitlement
	if err := DB.Where("app_id = ?", appID).Find(&rows).Error; err != nil {
		return nil, err
	}
	mapping := make(map[string][]string, len(rows))
	for _, row := range rows {
		mapping[row.ProductID] = append(mapping[row.ProductID], row.EntitlementIdentifier)
	}
	return mapping, nil
}
