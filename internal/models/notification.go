package models

import "time"

// ProcessedNotification is the idempotency witness for inbound store
// notifications. The unique key on (app_id, platform, notification_uuid)
// is what makes replays observable.
type ProcessedNotification struct {
	ID               uint      `json:"id" gorm:"primaryKey"`
	AppID            string    `json:"app_id" gorm:"not null;uniqueIndex:idx_processed_notification"`
	Platform         string    `json:"platform" gorm:"not null;size:20;uniqueIndex:idx_processed_notification"`
	NotificationUUID string    `json:"notification_uuid" gorm:"not null;size:255;uniqueIndex:idx_processed_notification"`
	NotificationType string    `json:"notification_type" gorm:"size:100"`
	CreatedAt        time.Time `json:"created_at" gorm:"autoCreateTime"`
}
