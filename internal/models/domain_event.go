package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DomainEvent is the canonical event fanned out to customer webhooks
// and analytics integrations.
type DomainEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	CreatedAt time.Time       `json:"created_at"`
	Data      DomainEventData `json:"data"`
}

// DomainEventData is the payload body of a DomainEvent.
type DomainEventData struct {
	AppUserID    string                 `json:"app_user_id"`
	SubscriberID uint                   `json:"subscriber_id"`
	Subscription *EventSubscription     `json:"subscription,omitempty"`
	Transaction  *EventTransaction      `json:"transaction,omitempty"`
	Entitlements map[string]bool        `json:"entitlements,omitempty"`
	Attributes   map[string]interface{} `json:"attributes,omitempty"`
}

// EventSubscription is the subscription view embedded in event payloads.
type EventSubscription struct {
	ID        uint   `json:"id"`
	ProductID string `json:"product_id"`
	Platform  string `json:"platform"`
	Status    string `json:"status"`
	ExpiresAt *int64 `json:"expires_at"`
}

// EventTransaction is the transaction view embedded in event payloads.
type EventTransaction struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// NewDomainEvent builds an event with a fresh id and the current time.
func NewDomainEvent(eventType string, data DomainEventData) *DomainEvent {
	return &DomainEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		CreatedAt: time.Now().UTC(),
		Data:      data,
	}
}

// Marshal renders the canonical JSON payload. CreatedAt serializes as
// ISO 8601 via encoding/json's RFC 3339 handling.
func (e *DomainEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalDomainEvent parses a canonical payload back into an event.
func UnmarshalDomainEvent(raw []byte) (*DomainEvent, error) {
	var e DomainEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
