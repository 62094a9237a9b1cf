package models

import (
	"encoding/json"
	"fmt"
)

// App represents a tenant. Provider credentials are stored as JSON blobs
// per provider; at most one configuration per provider.
type App struct {
	BaseModel
	AppID        string `json:"app_id" gorm:"uniqueIndex;not null"`
	AppName      string `json:"app_name" gorm:"not null"`
	APIKey       string `json:"api_key" gorm:"uniqueIndex;not null"`
	IsActive     bool   `json:"is_active" gorm:"default:true"`
	ContactEmail string `json:"contact_email"`

	// Per-provider configuration blobs (JSON strings)
	AppleConfig  string `json:"-" gorm:"type:text;column:apple_config"`
	GoogleConfig string `json:"-" gorm:"type:text;column:google_config"`
	StripeConfig string `json:"-" gorm:"type:text;column:stripe_config"`
	PaddleConfig string `json:"-" gorm:"type:text;column:paddle_config"`
	AmazonConfig string `json:"-" gorm:"type:text;column:amazon_config"`
}

// AppleCredentials holds App Store Connect API credentials.
type AppleCredentials struct {
	KeyID      string `json:"key_id"`
	IssuerID   string `json:"issuer_id"`
	BundleID   string `json:"bundle_id"`
	PrivateKey string `json:"private_key"` // PKCS#8 PEM
	// Legacy verifyReceipt shared secret, optional.
	SharedSecret string `json:"shared_secret,omitempty"`
}

// GoogleCredentials holds a Play service account.
type GoogleCredentials struct {
	PackageName         string `json:"package_name"`
	ServiceAccountEmail string `json:"service_account_email"`
	ServicePrivateKey   string `json:"service_private_key"` // PKCS#8 PEM
	// Expected audience of Pub/Sub push JWTs, optional.
	PushEndpoint string `json:"push_endpoint,omitempty"`
}

// StripeCredentials holds Stripe API and webhook secrets.
type StripeCredentials struct {
	SecretKey     string `json:"secret_key"`
	WebhookSecret string `json:"webhook_secret"`
}

// PaddleCredentials holds Paddle vendor credentials.
type PaddleCredentials struct {
	VendorID  string `json:"vendor_id"`
	APIKey    string `json:"api_key"`
	PublicKey string `json:"public_key"` // PEM
	Sandbox   bool   `json:"sandbox"`
}

// AmazonCredentials holds Amazon Appstore RVS credentials.
type AmazonCredentials struct {
	AppstoreAppID string `json:"app_id"`
	SharedSecret  string `json:"shared_secret"`
	Sandbox       bool   `json:"sandbox"`
}

func decodeCredentials(blob, provider string, out interface{}) error {
	if blob == "" {
		return fmt.Errorf("no %s configuration", provider)
	}
	if err := json.Unmarshal([]byte(blob), out); err != nil {
		return fmt.Errorf("invalid %s configuration: %w", provider, err)
	}
	return nil
}

// AppleCredentials decodes the Apple configuration blob.
func (a *App) AppleCredentials() (*AppleCredentials, error) {
	var c AppleCredentials
	if err := decodeCredentials(a.AppleConfig, "apple", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// GoogleCredentials decodes the Google configuration blob.
func (a *App) GoogleCredentials() (*GoogleCredentials, error) {
	var c GoogleCredentials
	if err := decodeCredentials(a.GoogleConfig, "google", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// StripeCredentials decodes the Stripe configuration blob.
func (a *App) StripeCredentials() (*StripeCredentials, error) {
	var c StripeCredentials
	if err := decodeCredentials(a.StripeConfig, "stripe", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// PaddleCredentials decodes the Paddle configuration blob.
func (a *App) PaddleCredentials() (*PaddleCredentials, error) {
	var c PaddleCredentials
	if err := decodeCredentials(a.PaddleConfig, "paddle", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// AmazonCredentials decodes the Amazon configuration blob.
func (a *App) AmazonCredentials() (*AmazonCredentials, error) {
	var c AmazonCredentials
	if err := decodeCredentials(a.AmazonConfig, "amazon", &c); err != nil {
		return nil, err
	}
	return &c, nil
}
