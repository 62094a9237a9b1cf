package models

import (
	"encoding/json"
)

// Integration types.
const (
	IntegrationSlack     = "slack"
	IntegrationAmplitude = "amplitude"
	IntegrationMixpanel  = "mixpanel"
	IntegrationSegment   = "segment"
	IntegrationFirebase  = "firebase"
	IntegrationBraze     = "braze"
	IntegrationAppsFlyer = "appsflyer"
	IntegrationAdjust    = "adjust"
	IntegrationWebhook   = "webhook"
)

// Integration is a third-party analytics sink. Config is a
// provider-specific JSON blob.
type Integration struct {
	BaseModel
	AppID       string `json:"app_id" gorm:"not null;index"`
	Type        string `json:"type" gorm:"not null;size:20"`
	Name        string `json:"name" gorm:"size:100"`
	Config      string `json:"-" gorm:"type:text"`
	Enabled     bool   `json:"enabled" gorm:"default:true"`
	EventFilter string `json:"event_filter" gorm:"type:text;default:'*'"`
}

// Matches reports whether the integration subscribes to the event type.
func (i *Integration) Matches(eventType string) bool {
	return filterMatches(i.EventFilter, eventType)
}

// DecodeConfig unmarshals the provider-specific config blob.
func (i *Integration) DecodeConfig(out interface{}) error {
	if i.Config == "" {
		return nil
	}
	return json.Unmarshal([]byte(i.Config), out)
}

// IntegrationDelivery records one fan-out attempt. Integration sends
// are fire-and-forget; failures are recorded but never retried.
type IntegrationDelivery struct {
	BaseModel
	IntegrationID  uint   `json:"integration_id" gorm:"not null;index"`
	AppID          string `json:"app_id" gorm:"not null;index"`
	EventType      string `json:"event_type" gorm:"size:50"`
	Success        bool   `json:"success"`
	ResponseStatus int    `json:"response_status"`
	Error          string `json:"error" gorm:"type:varchar(500)"`
}
