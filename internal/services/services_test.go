package services

import (
	"path/filepath"
	"testing"
	"time"

	"paycat/internal/database"
	"paycat/internal/models"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// setupTestDB points database.DB at a throwaway SQLite file with the
// full schema migrated, restoring the previous handle on cleanup.
func setupTestDB(t *testing.T) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.App{},
		&models.Subscriber{},
		&models.Subscription{},
		&models.Transaction{},
		&models.ProcessedNotification{},
		&models.Webhook{},
		&models.WebhookDelivery{},
		&models.Integration{},
		&models.IntegrationDelivery{},
		&models.EntitlementDefinition{},
		&models.ProductEntitlement{},
	))

	prev := database.DB
	database.DB = db
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
		database.DB = prev
	})
}

func newTestApp(t *testing.T, appID string) *models.App {
	t.Helper()
	app := &models.App{
		AppID:        appID,
		AppName:      "Test App",
		APIKey:       "pk_" + appID,
		IsActive:     true,
		ContactEmail: "dev@example.com",
	}
	require.NoError(t, database.DB.Create(app).Error)
	return app
}

func msPtr(v int64) *int64 {
	return &v
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
