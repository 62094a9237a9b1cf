package models

// Platform identifies the billing provider a subscription lives on.
const (
	PlatformIOS     = "ios"
	PlatformAndroid = "android"
	PlatformStripe  = "stripe"
	PlatformPaddle  = "paddle"
	PlatformAmazon  = "amazon"
)

// Subscription status values.
const (
	StatusActive       = "active"
	StatusExpired      = "expired"
	StatusCancelled    = "cancelled"
	StatusGracePeriod  = "grace_period"
	StatusPaused       = "paused"
	StatusBillingRetry = "billing_retry"
)

// Subscription is one product × platform holding for a subscriber.
//
// ProviderSubscriptionID is the platform-specific handle: Apple's
// original transaction id, Google's purchase token, the Stripe or
// Paddle subscription id, or the Amazon receipt id. It is unique
// within (app, platform).
//
// Domain timestamps are Unix milliseconds; pointers are null when the
// provider did not supply the value (lifetime purchases have no
// expires_at).
type Subscription struct {
	BaseModel
	SubscriberID uint   `json:"subscriber_id" gorm:"not null;index"`
	AppID        string `json:"app_id" gorm:"not null;index;uniqueIndex:idx_sub_provider_handle"`
	Platform     string `json:"platform" gorm:"not null;size:20;uniqueIndex:idx_sub_provider_handle"`

	ProviderSubscriptionID string `json:"provider_subscription_id" gorm:"not null;size:255;uniqueIndex:idx_sub_provider_handle"`

	ProductID string `json:"product_id" gorm:"size:255;index"`
	Status    string `json:"status" gorm:"not null;size:20;index"`

	PurchaseDate         int64  `json:"purchase_date"`
	ExpiresAt            *int64 `json:"expires_at" gorm:"index"`
	GracePeriodExpiresAt *int64 `json:"grace_period_expires_at"`
	CancelledAt          *int64 `json:"cancelled_at"`

	WillRenew bool `json:"will_renew"`
	IsSandbox bool `json:"is_sandbox"`
	IsTrial   bool `json:"is_trial"`

	// Price in minor units
	PriceAmount   int64  `json:"price_amount"`
	PriceCurrency string `json:"price_currency" gorm:"size:3"`
}

// IsGranting reports whether the subscription currently grants its
// entitlements at instant nowMs. expires_at == now is already expired.
// Grace-period and billing-retry holdings grant through the grace
// window; at grace start the paid-through date has normally already
// lapsed.
func (s *Subscription) IsGranting(nowMs int64) bool {
	switch s.Status {
	case StatusActive:
		return s.ExpiresAt == nil || nowMs < *s.ExpiresAt
	case StatusGracePeriod, StatusBillingRetry:
		if s.GracePeriodExpiresAt != nil {
			return nowMs < *s.GracePeriodExpiresAt
		}
		return s.ExpiresAt == nil || nowMs < *s.ExpiresAt
	default:
		return false
	}
}

// PlatformPriority ranks platforms for primary-subscription selection.
func PlatformPriority(platform string) int {
	switch platform {
	case PlatformIOS:
		return 3
	case PlatformAndroid:
		return 2
	case PlatformStripe:
		return 1
	default:
		return 0
	}
}
