package models

import "strings"

// Webhook is a customer-registered outbound endpoint. Secret is 32
// random bytes hex-encoded, generated at registration and shown once.
type Webhook struct {
	BaseModel
	AppID  string `json:"app_id" gorm:"not null;index"`
	URL    string `json:"url" gorm:"not null;type:varchar(500)"`
	Secret string `json:"-" gorm:"not null;type:varchar(64)"`

	// EventFilter is "*" or a comma-separated subset of domain event
	// types.
	EventFilter string `json:"event_filter" gorm:"type:text;default:'*'"`
	Active      bool   `json:"active" gorm:"default:true"`
}

// Matches reports whether the webhook subscribes to the event type.
func (w *Webhook) Matches(eventType string) bool {
	return filterMatches(w.EventFilter, eventType)
}

func filterMatches(filter, eventType string) bool {
	if filter == "" || filter == "*" {
		return true
	}
	for _, f := range strings.Split(filter, ",") {
		if strings.TrimSpace(f) == eventType {
			return true
		}
	}
	return false
}

// MaxDeliveryAttempts is the webhook delivery attempt ceiling; the
// seventh failure dead-letters the delivery.
const MaxDeliveryAttempts = 7

// WebhookDelivery is one delivery record per (webhook, event).
// DeliveredAt and NextRetryAt are never both set: a delivered row has
// no retry scheduled, a dead-lettered row (attempts = 7) has neither.
type WebhookDelivery struct {
	BaseModel
	DeliveryID string `json:"delivery_id" gorm:"not null;size:36;uniqueIndex"`
	WebhookID  uint   `json:"webhook_id" gorm:"not null;index"`
	AppID      string `json:"app_id" gorm:"not null;index"`

	EventType string `json:"event_type" gorm:"not null;size:50"`
	Payload   string `json:"payload" gorm:"type:text"`

	ResponseStatus int    `json:"response_status"`
	ResponseBody   string `json:"response_body" gorm:"type:varchar(1000)"`

	Attempts    int    `json:"attempts"`
	DeliveredAt *int64 `json:"delivered_at"`
	NextRetryAt *int64 `json:"next_retry_at" gorm:"index"`
}
