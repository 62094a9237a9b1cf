package database

import (
	"paycat/internal/models"
)

// GetAppByAPIKey resolves the tenant for an inbound API-key request.
func GetAppByAPIKey(apiKey string) (*models.App, error) {
	var app models.App
	err := DB.Where("api_key = ? AND is_active = ?", apiKey, true).First(&app).Error
	if err != nil {
		return nil, err
	}
	return &app, nil
}

// GetAppByID loads an app by its public id.
func GetAppByID(appID string) (*models.App, error) {
	var app models.App
	err := DB.Where("app_id = ?", appID).First(&app).Error
	if err != nil {
		return nil, err
	}
	return &app, nil
}

// GetAppByAppleBundleID finds the app whose Apple configuration matches
// the bundle id carried in a notification.
func GetAppByAppleBundleID(bundleID string) (*models.App, error) {
	var apps []models.App
	if err := DB.Where("apple_config <> ''").Find(&apps).Error; err != nil {
		return nil, err
	}
	for i := range apps {
		creds, err := apps[i].AppleCredentials()
		if err != nil {
			continue
		}
		if creds.BundleID == bundleID {
			return &apps[i], nil
		}
	}
	return nil, ErrAppNotFound
}

// GetAppByGooglePackageName finds the app whose Google configuration
// matches the package name carried in an RTDN.
func GetAppByGooglePackageName(packageName string) (*models.App, error) {
	var apps []models.App
	if err := DB.Where("google_config <> ''").Find(&apps).Error; err != nil {
		return nil, err
	}
	for i := range apps {
		creds, err := apps[i].GoogleCredentials()
		if err != nil {
			continue
		}
		if creds.PackageName == packageName {
			return &apps[i], nil
		}
	}
	return nil, ErrAppNotFound
}

// GetAppByAmazonAppID finds the app whose Amazon configuration matches
// the package name carried in an Appstore notification.
func GetAppByAmazonAppID(appPackageName string) (*models.App, error) {
	var apps []models.App
	if err := DB.Where("amazon_config <> ''").Find(&apps).Error; err != nil {
		return nil, err
	}
	for i := range apps {
		creds, err := apps[i].AmazonCredentials()
		if err != nil {
			continue
		}
		if creds.AppstoreAppID == appPackageName {
			return &apps[i], nil
		}
	}
	return nil, ErrAppNotFound
}

// GetAppsWithStripeConfig lists apps with a Stripe configuration; the
// Stripe route identifies the tenant by probing webhook secrets.
func GetAppsWithStripeConfig() ([]models.App, error) {
	var apps []models.App
	err := DB.Where("stripe_config <> ''").Find(&apps).Error
	return apps, err
}

// CreateApp inserts a tenant row.
func CreateApp(app *models.App) error {
	return DB.Create(app).Error
}
