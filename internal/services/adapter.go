package services

import (
	"context"
	"net/http"

	"paycat/internal/models"
)

// ReceiptData is the platform-specific handle a client submits through
// the receipts endpoint. Exactly one group of fields is used per
// platform.
type ReceiptData struct {
	// ios: either a signed transaction JWS or a legacy base64 receipt
	SignedTransaction     string `json:"signed_transaction,omitempty"`
	Receipt               string `json:"receipt,omitempty"`
	OriginalTransactionID string `json:"original_transaction_id,omitempty"`

	// android
	PurchaseToken  string `json:"purchase_token,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`

	// stripe / paddle
	ProviderSubscriptionID string `json:"provider_subscription_id,omitempty"`

	// amazon
	ReceiptID string `json:"receipt_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// ProviderAdapter is the capability set every billing provider
// implements: receipt verification for SDK-initiated syncs and
// notification verification for store-pushed events. Both return the
// canonical StoreEvent; verification failures carry typed errors.
type ProviderAdapter interface {
	Platform() string

	VerifyReceipt(ctx context.Context, app *models.App, receipt *ReceiptData) (*models.StoreEvent, error)

	// VerifyNotification may return (nil, nil) for envelopes that are
	// valid but carry no subscription event (heartbeats, SNS
	// subscription confirmations, Pub/Sub test notifications).
	VerifyNotification(ctx context.Context, app *models.App, raw []byte, header http.Header) (*models.StoreEvent, error)
}

// AdapterRegistry dispatches on the platform tag.
type AdapterRegistry struct {
	adapters map[string]ProviderAdapter
}

// NewAdapterRegistry builds a registry over the given adapters.
func NewAdapterRegistry(adapters ...ProviderAdapter) *AdapterRegistry {
	r := &AdapterRegistry{adapters: make(map[string]ProviderAdapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Platform()] = a
	}
	return r
}

// ForPlatform resolves the adapter for a platform tag.
func (r *AdapterRegistry) ForPlatform(platform string) (ProviderAdapter, bool) {
	a, ok := r.adapters[platform]
	return a, ok
}
