package database

import (
	"errors"
	"strings"

	"paycat/internal/models"

	"gorm.io/gorm"
)

// HasProcessedNotification reports whether the witness row for
// (app, platform, uuid) already exists.
func HasProcessedNotification(appID, platform, notificationUUID string) (bool, error) {
	var count int64
	err := DB.Model(&models.ProcessedNotification{}).
		Where("app_id = ? AND platform = ? AND notification_uuid = ?",
			appID, platform, notificationUUID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// InsertProcessedNotification inserts the idempotency witness row.
// Returns gorm.ErrDuplicatedKey when another processing already
// committed the same (app, platform, uuid).
func InsertProcessedNotification(n *models.ProcessedNotification) error {
	err := DB.Create(n).Error
	if err != nil && isUniqueViolation(err) {
		return gorm.ErrDuplicatedKey
	}
	return err
}

// isUniqueViolation detects unique-constraint errors across the
// postgres and sqlite drivers.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}
