package models

import "time"

// Subscriber is one real end-user of an app. AppUserID is the
// tenant-chosen external id, unique within the app; the gateway never
// interprets its format.
type Subscriber struct {
	BaseModel
	AppID     string `json:"app_id" gorm:"not null;index;uniqueIndex:idx_subscriber_app_user"`
	AppUserID string `json:"app_user_id" gorm:"not null;size:255;uniqueIndex:idx_subscriber_app_user"`

	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`

	// Opaque attributes map (JSON string)
	Attributes string `json:"attributes,omitempty" gorm:"type:text"`
}
