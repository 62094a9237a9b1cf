package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"paycat/internal/apperrors"
	"paycat/internal/crypto"
	"paycat/internal/models"
	"paycat/pkg/logging"

	"golang.org/x/oauth2"
	oauth2google "golang.org/x/oauth2/google"
	oauth2jwt "golang.org/x/oauth2/jwt"
	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/option"
)

// Real-time developer notification types.
const (
	googleSubscriptionRecovered           = 1
	googleSubscriptionRenewed             = 2
	googleSubscriptionCanceled            = 3
	googleSubscriptionPurchased           = 4
	googleSubscriptionOnHold              = 5
	googleSubscriptionInGracePeriod       = 6
	googleSubscriptionRestarted           = 7
	googleSubscriptionPriceChangeConfirm  = 8
	googleSubscriptionDeferred            = 9
	googleSubscriptionPaused              = 10
	googleSubscriptionPauseScheduleChange = 11
	googleSubscriptionRevoked             = 12
	googleSubscriptionExpired             = 13
)

// GooglePushEnvelope is the Pub/Sub push wrapper around an RTDN.
type GooglePushEnvelope struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// GoogleDeveloperNotification is the base64-decoded RTDN body.
type GoogleDeveloperNotification struct {
	Version                  string `json:"version"`
	PackageName              string `json:"packageName"`
	EventTimeMillis          string `json:"eventTimeMillis"`
	SubscriptionNotification *struct {
		Version          string `json:"version"`
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification,omitempty"`
	TestNotification *struct {
		Version string `json:"version"`
	} `json:"testNotification,omitempty"`
}

// googleSubscriptionFetcher abstracts the Play Developer API read so
// tests can substitute canned purchases.
type googleSubscriptionFetcher interface {
	GetSubscriptionV2(ctx context.Context, creds *models.GoogleCredentials, purchaseToken string) (*androidpublisher.SubscriptionPurchaseV2, error)
}

// playAPIFetcher builds one androidpublisher client per service
// account and reuses its token source.
type playAPIFetcher struct {
	services map[string]*androidpublisher.Service
	mutex    sync.Mutex
}

func (f *playAPIFetcher) service(ctx context.Context, creds *models.GoogleCredentials) (*androidpublisher.Service, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if svc, ok := f.services[creds.ServiceAccountEmail]; ok {
		return svc, nil
	}

	conf := &oauth2jwt.Config{
		Email:      creds.ServiceAccountEmail,
		PrivateKey: []byte(creds.ServicePrivateKey),
		Scopes:     []string{androidpublisher.AndroidpublisherScope},
		TokenURL:   oauth2google.JWTTokenURL,
	}
	ts := oauth2.ReuseTokenSource(nil, conf.TokenSource(ctx))
	svc, err := androidpublisher.NewService(context.Background(), option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to build androidpublisher client: %w", err)
	}
	f.services[creds.ServiceAccountEmail] = svc
	return svc, nil
}

func (f *playAPIFetcher) GetSubscriptionV2(ctx context.Context, creds *models.GoogleCredentials, purchaseToken string) (*androidpublisher.SubscriptionPurchaseV2, error) {
	svc, err := f.service(ctx, creds)
	if err != nil {
		return nil, err
	}
	return svc.Purchases.Subscriptionsv2.Get(creds.PackageName, purchaseToken).Context(ctx).Do()
}

// GoogleService is the Play Billing provider adapter. Notifications
// only carry a purchase token, so every event triggers an
// authoritative re-read through the Play Developer API.
type GoogleService struct {
	fetcher googleSubscriptionFetcher
	keySet  *crypto.GoogleKeySet
}

// NewGoogleService creates the Play Billing adapter.
func NewGoogleService() *GoogleService {
	return &GoogleService{
		fetcher: &playAPIFetcher{services: make(map[string]*androidpublisher.Service)},
		keySet:  crypto.NewGoogleKeySet(),
	}
}

func (s *GoogleService) Platform() string {
	return models.PlatformAndroid
}

// DecodeNotification unwraps the Pub/Sub envelope without touching the
// Play API, so the handler can resolve the tenant first.
func (s *GoogleService) DecodeNotification(raw []byte) (*GooglePushEnvelope, *GoogleDeveloperNotification, error) {
	var envelope GooglePushEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, nil, apperrors.ReceiptInvalid(fmt.Errorf("invalid push envelope: %w", err))
	}
	if envelope.Message.Data == "" {
		return nil, nil, apperrors.ReceiptInvalid(fmt.Errorf("push envelope has no data"))
	}

	decoded, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		return nil, nil, apperrors.ReceiptInvalid(fmt.Errorf("invalid base64 data: %w", err))
	}

	var notification GoogleDeveloperNotification
	if err := json.Unmarshal(decoded, &notification); err != nil {
		return nil, nil, apperrors.ReceiptInvalid(fmt.Errorf("invalid developer notification: %w", err))
	}
	return &envelope, &notification, nil
}

// VerifyPushAuth validates the Pub/Sub push JWT when the app has a
// push endpoint configured. Apps without one accept unauthenticated
// pushes; the Play API re-read is the trust anchor either way.
func (s *GoogleService) VerifyPushAuth(app *models.App, header http.Header) error {
	creds, err := app.GoogleCredentials()
	if err != nil || creds.PushEndpoint == "" {
		return nil
	}

	auth := header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return apperrors.SignatureInvalid(fmt.Errorf("missing push authorization token"))
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	if err := s.keySet.VerifyPushToken(token, creds.PushEndpoint, time.Now()); err != nil {
		return apperrors.SignatureInvalid(err)
	}
	return nil
}

// VerifyNotification decodes the RTDN and, when it names a purchase
// token, re-reads the authoritative subscription state.
func (s *GoogleService) VerifyNotification(ctx context.Context, app *models.App, raw []byte, header http.Header) (*models.StoreEvent, error) {
	envelope, notification, err := s.DecodeNotification(raw)
	if err != nil {
		return nil, err
	}

	if notification.TestNotification != nil || notification.SubscriptionNotification == nil {
		logging.Infof("Ignoring Play notification without subscription payload for %s", notification.PackageName)
		return nil, nil
	}

	sub := notification.SubscriptionNotification
	eventType := mapGoogleEventType(sub.NotificationType)

	event := &models.StoreEvent{
		Platform:           models.PlatformAndroid,
		NotificationUUID:   envelope.Message.MessageID,
		NotificationType:   fmt.Sprintf("SUBSCRIPTION_NOTIFICATION_%d", sub.NotificationType),
		EventType:          eventType,
		ProviderAccountID:  notification.PackageName,
		ProductID:          sub.SubscriptionID,
		SubscriptionHandle: sub.PurchaseToken,
		RawPayload:         raw,
	}
	if ms, err := strconv.ParseInt(notification.EventTimeMillis, 10, 64); err == nil {
		event.PurchaseDate = ms
		event.EventTimestamp = ms
	}

	// The handler passes a nil app when the route is not key-scoped;
	// the notification pipeline enriches the event once the tenant is
	// known.
	if app != nil {
		if err := s.enrich(ctx, app, event); err != nil {
			return nil, err
		}
	}
	return event, nil
}

// Enrich re-reads the purchase through the Play Developer API and
// folds the authoritative state into the event.
func (s *GoogleService) Enrich(ctx context.Context, app *models.App, event *models.StoreEvent) error {
	return s.enrich(ctx, app, event)
}

func (s *GoogleService) enrich(ctx context.Context, app *models.App, event *models.StoreEvent) error {
	creds, err := app.GoogleCredentials()
	if err != nil {
		return apperrors.ConfigurationMissing("google")
	}

	purchase, err := s.fetcher.GetSubscriptionV2(ctx, creds, event.SubscriptionHandle)
	if err != nil {
		return apperrors.TransientUpstream(fmt.Errorf("play api read failed: %w", err))
	}

	applyPlayPurchase(event, purchase)
	return nil
}

// applyPlayPurchase maps a SubscriptionPurchaseV2 onto the event.
func applyPlayPurchase(event *models.StoreEvent, purchase *androidpublisher.SubscriptionPurchaseV2) {
	event.Status = mapPlaySubscriptionState(purchase.SubscriptionState)
	event.IsSandbox = purchase.TestPurchase != nil
	event.WillRenew = false

	if purchase.ExternalAccountIdentifiers != nil {
		event.AppUserID = purchase.ExternalAccountIdentifiers.ObfuscatedExternalAccountId
	}
	if purchase.LatestOrderId != "" {
		event.TransactionID = purchase.LatestOrderId
	}
	if ms := parseRFC3339Millis(purchase.StartTime); ms > 0 {
		event.PurchaseDate = ms
	}

	for _, item := range purchase.LineItems {
		if item.ProductId != "" {
			event.ProductID = item.ProductId
		}
		if ms := parseRFC3339Millis(item.ExpiryTime); ms > 0 {
			expires := ms
			if event.ExpiresDate == nil || expires > *event.ExpiresDate {
				event.ExpiresDate = &expires
			}
		}
		if item.AutoRenewingPlan != nil && item.AutoRenewingPlan.AutoRenewEnabled {
			event.WillRenew = true
		}
		if item.OfferDetails != nil {
			for _, tag := range item.OfferDetails.OfferTags {
				if strings.Contains(strings.ToLower(tag), "trial") {
					event.IsTrial = true
				}
			}
		}
	}
}

func mapPlaySubscriptionState(state string) string {
	switch state {
	case "SUBSCRIPTION_STATE_ACTIVE":
		return models.StatusActive
	case "SUBSCRIPTION_STATE_CANCELED":
		// Still entitled until expiry; renewal is off.
		return models.StatusActive
	case "SUBSCRIPTION_STATE_IN_GRACE_PERIOD":
		return models.StatusGracePeriod
	case "SUBSCRIPTION_STATE_ON_HOLD":
		return models.StatusBillingRetry
	case "SUBSCRIPTION_STATE_PAUSED":
		return models.StatusPaused
	case "SUBSCRIPTION_STATE_EXPIRED":
		return models.StatusExpired
	default:
		return ""
	}
}

func mapGoogleEventType(notificationType int) string {
	switch notificationType {
	case googleSubscriptionRecovered:
		return models.EventBillingRecovery
	case googleSubscriptionRenewed:
		return models.EventRenewal
	case googleSubscriptionCanceled:
		return models.EventCancellation
	case googleSubscriptionPurchased:
		return models.EventInitialPurchase
	case googleSubscriptionOnHold:
		return models.EventBillingIssue
	case googleSubscriptionInGracePeriod:
		return models.EventGracePeriodStarted
	case googleSubscriptionRestarted:
		return models.EventReactivation
	case googleSubscriptionPriceChangeConfirm:
		return models.EventPriceIncrease
	case googleSubscriptionDeferred:
		return models.EventRenewalExtended
	case googleSubscriptionPaused:
		return models.EventPaused
	case googleSubscriptionPauseScheduleChange:
		return models.EventPauseScheduled
	case googleSubscriptionRevoked:
		return models.EventRevocation
	case googleSubscriptionExpired:
		return models.EventExpiration
	default:
		return models.EventUnknown
	}
}

// VerifyReceipt handles an SDK-initiated sync for a purchase token.
func (s *GoogleService) VerifyReceipt(ctx context.Context, app *models.App, receipt *ReceiptData) (*models.StoreEvent, error) {
	if receipt.PurchaseToken == "" {
		return nil, apperrors.ReceiptInvalid(fmt.Errorf("purchase_token is required"))
	}
	creds, err := app.GoogleCredentials()
	if err != nil {
		return nil, apperrors.ConfigurationMissing("google")
	}

	event := &models.StoreEvent{
		Platform:           models.PlatformAndroid,
		EventType:          models.EventInitialPurchase,
		NotificationType:   "VERIFY_RECEIPT",
		ProviderAccountID:  creds.PackageName,
		ProductID:          receipt.SubscriptionID,
		SubscriptionHandle: receipt.PurchaseToken,
	}
	if err := s.enrich(ctx, app, event); err != nil {
		return nil, err
	}
	return event, nil
}

func parseRFC3339Millis(v string) int64 {
	if v == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}
