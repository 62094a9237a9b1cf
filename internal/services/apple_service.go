package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"paycat/internal/apperrors"
	"paycat/internal/crypto"
	"paycat/internal/models"
	"paycat/pkg/logging"

	"github.com/awa/go-iap/appstore"
	"github.com/golang-jwt/jwt/v5"
)

const (
	appleAPIBaseProduction = "https://api.storekit.itunes.apple.com"
	appleAPIBaseSandbox    = "https://api.storekit-sandbox.itunes.apple.com"

	appleTokenLifetime     = time.Hour
	appleTokenSafetyMargin = 5 * time.Minute
)

// AppleNotificationWrapper is the outer body Apple posts: the actual
// notification is a JWS in signedPayload.
type AppleNotificationWrapper struct {
	SignedPayload string `json:"signedPayload"`
}

// AppleNotificationPayload is the decoded App Store Server Notification
// V2 envelope.
type AppleNotificationPayload struct {
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype,omitempty"`
	NotificationUUID string `json:"notificationUUID"`
	Version          string `json:"version"`
	SignedDate       int64  `json:"signedDate"`
	Data             struct {
		AppAppleID            int64  `json:"appAppleId"`
		BundleID              string `json:"bundleId"`
		Environment           string `json:"environment"`
		SignedTransactionInfo string `json:"signedTransactionInfo"`
		SignedRenewalInfo     string `json:"signedRenewalInfo"`
	} `json:"data"`
}

// AppleTransactionInfo is the decoded signedTransactionInfo payload.
type AppleTransactionInfo struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	BundleID              string `json:"bundleId"`
	ProductID             string `json:"productId"`
	PurchaseDate          int64  `json:"purchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	Type                  string `json:"type"`
	AppAccountToken       string `json:"appAccountToken,omitempty"`
	Environment           string `json:"environment"`
	// Price is in milliunits of the currency
	Price             int64  `json:"price,omitempty"`
	Currency          string `json:"currency,omitempty"`
	OfferDiscountType string `json:"offerDiscountType,omitempty"`
	RevocationDate    int64  `json:"revocationDate,omitempty"`
	RevocationReason  *int   `json:"revocationReason,omitempty"`
}

// AppleRenewalInfo is the decoded signedRenewalInfo payload.
type AppleRenewalInfo struct {
	OriginalTransactionID  string `json:"originalTransactionId"`
	AutoRenewProductID     string `json:"autoRenewProductId"`
	AutoRenewStatus        int    `json:"autoRenewStatus"`
	ExpirationIntent       int    `json:"expirationIntent,omitempty"`
	GracePeriodExpiresDate int64  `json:"gracePeriodExpiresDate,omitempty"`
	IsInBillingRetryPeriod bool   `json:"isInBillingRetryPeriod,omitempty"`
}

type appleStatusResponse struct {
	Data []struct {
		LastTransactions []struct {
			OriginalTransactionID string `json:"originalTransactionId"`
			Status                int    `json:"status"`
			SignedTransactionInfo string `json:"signedTransactionInfo"`
			SignedRenewalInfo     string `json:"signedRenewalInfo"`
		} `json:"lastTransactions"`
	} `json:"data"`
}

// legacyReceiptVerifier abstracts the go-iap verifyReceipt client.
type legacyReceiptVerifier interface {
	Verify(ctx context.Context, req appstore.IAPRequest, result interface{}) error
}

type appleToken struct {
	token     string
	expiresAt time.Time
}

// AppleService is the App Store provider adapter.
type AppleService struct {
	Verifier   *crypto.AppleJWSVerifier
	httpClient *http.Client

	// Overridable for tests
	apiBaseURL   string
	legacyClient legacyReceiptVerifier

	tokens map[string]*appleToken
	mutex  sync.RWMutex
}

// NewAppleService creates the App Store adapter.
func NewAppleService() *AppleService {
	return &AppleService{
		Verifier:     crypto.NewAppleJWSVerifier(),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		apiBaseURL:   appleAPIBaseProduction,
		legacyClient: appstore.New(),
		tokens:       make(map[string]*appleToken),
	}
}

func (s *AppleService) Platform() string {
	return models.PlatformIOS
}

// VerifyNotification decodes and verifies the triple-nested JWS payload
// of an App Store Server Notification V2. The app argument may be nil;
// tenant resolution happens by bundle id through ProviderAccountID.
func (s *AppleService) VerifyNotification(ctx context.Context, app *models.App, raw []byte, header http.Header) (*models.StoreEvent, error) {
	var wrapper AppleNotificationWrapper
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, apperrors.ReceiptInvalid(fmt.Errorf("invalid notification body: %w", err))
	}
	if wrapper.SignedPayload == "" {
		return nil, apperrors.ReceiptInvalid(fmt.Errorf("signedPayload is missing"))
	}

	payloadRaw, err := s.Verifier.Verify(wrapper.SignedPayload)
	if err != nil {
		return nil, apperrors.SignatureInvalid(err)
	}

	var payload AppleNotificationPayload
	if err := json.Unmarshal(payloadRaw, &payload); err != nil {
		return nil, apperrors.ReceiptInvalid(fmt.Errorf("invalid notification payload: %w", err))
	}

	// TEST notifications confirm endpoint wiring and carry no event
	if payload.NotificationType == "TEST" || payload.NotificationType == "" {
		return nil, nil
	}

	var txn AppleTransactionInfo
	if payload.Data.SignedTransactionInfo != "" {
		txnRaw, err := s.Verifier.Verify(payload.Data.SignedTransactionInfo)
		if err != nil {
			return nil, apperrors.SignatureInvalid(fmt.Errorf("signedTransactionInfo: %w", err))
		}
		if err := json.Unmarshal(txnRaw, &txn); err != nil {
			return nil, apperrors.ReceiptInvalid(fmt.Errorf("invalid transaction info: %w", err))
		}
	}

	var renewal AppleRenewalInfo
	if payload.Data.SignedRenewalInfo != "" {
		renewalRaw, err := s.Verifier.Verify(payload.Data.SignedRenewalInfo)
		if err != nil {
			return nil, apperrors.SignatureInvalid(fmt.Errorf("signedRenewalInfo: %w", err))
		}
		if err := json.Unmarshal(renewalRaw, &renewal); err != nil {
			return nil, apperrors.ReceiptInvalid(fmt.Errorf("invalid renewal info: %w", err))
		}
	}

	return s.storeEvent(&payload, &txn, &renewal, raw), nil
}

// storeEvent maps the decoded notification into the canonical model.
func (s *AppleService) storeEvent(payload *AppleNotificationPayload, txn *AppleTransactionInfo, renewal *AppleRenewalInfo, raw []byte) *models.StoreEvent {
	eventType := mapAppleEventType(payload.NotificationType, payload.Subtype)
	isTrial := txn.OfferDiscountType == "FREE_TRIAL"
	if isTrial && eventType == models.EventInitialPurchase {
		eventType = models.EventTrialStarted
	}

	event := &models.StoreEvent{
		Platform:          models.PlatformIOS,
		NotificationUUID:  payload.NotificationUUID,
		NotificationType:  payload.NotificationType,
		EventType:         eventType,
		ProviderAccountID: payload.Data.BundleID,

		ProductID:          txn.ProductID,
		SubscriptionHandle: txn.OriginalTransactionID,
		TransactionID:      txn.TransactionID,
		AppUserID:          txn.AppAccountToken,

		PurchaseDate: txn.PurchaseDate,
		WillRenew:    renewal.AutoRenewStatus == 1,
		IsSandbox:    payload.Data.Environment == "Sandbox",
		IsTrial:      isTrial,

		EventTimestamp: payload.SignedDate,

		RevenueCurrency: txn.Currency,
		RawPayload:      raw,
	}

	if txn.ExpiresDate > 0 {
		expires := txn.ExpiresDate
		event.ExpiresDate = &expires
	}
	if renewal.GracePeriodExpiresDate > 0 {
		grace := renewal.GracePeriodExpiresDate
		event.GracePeriodExpiresAt = &grace
	}

	// Apple reports price in milliunits
	if txn.Price > 0 {
		event.RevenueAmount = txn.Price / 10
	}
	if eventType == models.EventRefund || eventType == models.EventRevocation {
		event.RevenueAmount = -event.RevenueAmount
	}

	return event
}

// mapAppleEventType translates Apple's notification vocabulary to the
// canonical enumeration.
func mapAppleEventType(notificationType, subtype string) string {
	switch notificationType {
	case "SUBSCRIBED", "INITIAL_BUY":
		if subtype == "RESUBSCRIBE" {
			return models.EventReactivation
		}
		return models.EventInitialPurchase
	case "DID_RENEW":
		if subtype == "BILLING_RECOVERY" {
			return models.EventBillingRecovery
		}
		return models.EventRenewal
	case "DID_FAIL_TO_RENEW":
		if subtype == "GRACE_PERIOD" {
			return models.EventGracePeriodStarted
		}
		return models.EventBillingIssue
	case "EXPIRED":
		return models.EventExpiration
	case "GRACE_PERIOD_EXPIRED":
		return models.EventGracePeriodExpired
	case "DID_CHANGE_RENEWAL_STATUS":
		if subtype == "AUTO_RENEW_ENABLED" {
			return models.EventReactivation
		}
		return models.EventCancellation
	case "DID_CHANGE_RENEWAL_PREF":
		return models.EventProductChange
	case "OFFER_REDEEMED":
		return models.EventOfferRedeemed
	case "PRICE_INCREASE":
		return models.EventPriceIncrease
	case "REFUND":
		return models.EventRefund
	case "REVOKE":
		return models.EventRevocation
	case "RENEWAL_EXTENDED", "RENEWAL_EXTENSION":
		return models.EventRenewalExtended
	default:
		return models.EventUnknown
	}
}

// VerifyReceipt handles an SDK-initiated sync. Three handle shapes are
// accepted: a signed transaction JWS, an original transaction id to
// re-read through the App Store Server API, or a legacy base64 receipt
// for the verifyReceipt fallback.
func (s *AppleService) VerifyReceipt(ctx context.Context, app *models.App, receipt *ReceiptData) (*models.StoreEvent, error) {
	creds, err := app.AppleCredentials()
	if err != nil {
		return nil, apperrors.ConfigurationMissing("apple")
	}

	switch {
	case receipt.SignedTransaction != "":
		return s.verifySignedTransaction(receipt.SignedTransaction)
	case receipt.OriginalTransactionID != "":
		return s.fetchSubscriptionStatus(ctx, app, creds, receipt.OriginalTransactionID)
	case receipt.Receipt != "":
		return s.verifyLegacyReceipt(ctx, creds, receipt.Receipt)
	default:
		return nil, apperrors.ReceiptInvalid(fmt.Errorf("no apple receipt handle provided"))
	}
}

func (s *AppleService) verifySignedTransaction(signed string) (*models.StoreEvent, error) {
	txnRaw, err := s.Verifier.Verify(signed)
	if err != nil {
		return nil, apperrors.SignatureInvalid(err)
	}
	var txn AppleTransactionInfo
	if err := json.Unmarshal(txnRaw, &txn); err != nil {
		return nil, apperrors.ReceiptInvalid(fmt.Errorf("invalid transaction payload: %w", err))
	}

	payload := &AppleNotificationPayload{NotificationType: "SUBSCRIBED"}
	payload.Data.BundleID = txn.BundleID
	payload.Data.Environment = txn.Environment
	renewal := &AppleRenewalInfo{AutoRenewStatus: 1}
	return s.storeEvent(payload, &txn, renewal, []byte(signed)), nil
}

// fetchSubscriptionStatus re-reads the authoritative state through the
// App Store Server API.
func (s *AppleService) fetchSubscriptionStatus(ctx context.Context, app *models.App, creds *models.AppleCredentials, originalTransactionID string) (*models.StoreEvent, error) {
	token, err := s.apiToken(app.AppID, creds)
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("apple api token: %w", err))
	}

	url := fmt.Sprintf("%s/inApps/v1/subscriptions/%s", s.apiBaseURL, originalTransactionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.TransientUpstream(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, apperrors.ReceiptInvalid(fmt.Errorf("unknown original transaction id"))
	}
	if resp.StatusCode >= 500 {
		return nil, apperrors.TransientUpstream(fmt.Errorf("app store server api returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.ReceiptInvalid(fmt.Errorf("app store server api returned %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperrors.TransientUpstream(err)
	}

	var statuses appleStatusResponse
	if err := json.Unmarshal(body, &statuses); err != nil {
		return nil, apperrors.ReceiptInvalid(fmt.Errorf("invalid status response: %w", err))
	}
	if len(statuses.Data) == 0 || len(statuses.Data[0].LastTransactions) == 0 {
		return nil, apperrors.ReceiptInvalid(fmt.Errorf("status response has no transactions"))
	}

	last := statuses.Data[0].LastTransactions[0]
	txnRaw, err := s.Verifier.Verify(last.SignedTransactionInfo)
	if err != nil {
		return nil, apperrors.SignatureInvalid(err)
	}
	var txn AppleTransactionInfo
	if err := json.Unmarshal(txnRaw, &txn); err != nil {
		return nil, apperrors.ReceiptInvalid(err)
	}

	var renewal AppleRenewalInfo
	if last.SignedRenewalInfo != "" {
		renewalRaw, err := s.Verifier.Verify(last.SignedRenewalInfo)
		if err != nil {
			return nil, apperrors.SignatureInvalid(err)
		}
		if err := json.Unmarshal(renewalRaw, &renewal); err != nil {
			return nil, apperrors.ReceiptInvalid(err)
		}
	}

	payload := &AppleNotificationPayload{NotificationType: "SUBSCRIBED"}
	payload.Data.BundleID = txn.BundleID
	payload.Data.Environment = txn.Environment

	event := s.storeEvent(payload, &txn, &renewal, body)
	event.Status = mapAppleSubscriptionStatus(last.Status)
	return event, nil
}

// mapAppleSubscriptionStatus maps the server API status codes.
func mapAppleSubscriptionStatus(status int) string {
	switch status {
	case 1:
		return models.StatusActive
	case 2:
		return models.StatusExpired
	case 3:
		return models.StatusBillingRetry
	case 4:
		return models.StatusGracePeriod
	case 5:
		return models.StatusCancelled
	default:
		return ""
	}
}

// verifyLegacyReceipt validates a base64 receipt through Apple's
// verifyReceipt endpoint; go-iap retries against the sandbox host on
// status 21007.
func (s *AppleService) verifyLegacyReceipt(ctx context.Context, creds *models.AppleCredentials, receiptData string) (*models.StoreEvent, error) {
	req := appstore.IAPRequest{
		ReceiptData: receiptData,
		Password:    creds.SharedSecret,
	}
	var resp appstore.IAPResponse
	if err := s.legacyClient.Verify(ctx, req, &resp); err != nil {
		return nil, apperrors.TransientUpstream(err)
	}
	if resp.Status != 0 {
		return nil, apperrors.ReceiptInvalid(fmt.Errorf("verifyReceipt status %d", resp.Status))
	}
	if len(resp.LatestReceiptInfo) == 0 {
		return nil, apperrors.ReceiptInvalid(fmt.Errorf("receipt has no subscription transactions"))
	}

	latest := resp.LatestReceiptInfo[0]
	purchase := parseMsString(latest.PurchaseDateMS)
	expires := parseMsString(latest.ExpiresDateMS)

	event := &models.StoreEvent{
		Platform:           models.PlatformIOS,
		EventType:          models.EventInitialPurchase,
		NotificationType:   "VERIFY_RECEIPT",
		ProviderAccountID:  resp.Receipt.BundleID,
		ProductID:          latest.ProductID,
		SubscriptionHandle: string(latest.OriginalTransactionID),
		TransactionID:      latest.TransactionID,
		PurchaseDate:       purchase,
		IsSandbox:          resp.Environment == "Sandbox",
		IsTrial:            latest.IsTrialPeriod == "true",
		WillRenew:          true,
		RawPayload:         []byte(receiptData),
	}
	if expires > 0 {
		event.ExpiresDate = &expires
	}
	return event, nil
}

func parseMsString(v string) int64 {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return ms
}

// apiToken returns a cached App Store Server API JWT for the app,
// minting a fresh one when within the safety margin of expiry.
func (s *AppleService) apiToken(appID string, creds *models.AppleCredentials) (string, error) {
	s.mutex.RLock()
	cached, exists := s.tokens[appID]
	s.mutex.RUnlock()
	if exists && time.Now().Before(cached.expiresAt) {
		return cached.token, nil
	}

	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(creds.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("failed to parse apple private key: %w", err)
	}

	now := time.Now()
	expiresAt := now.Add(appleTokenLifetime)
	claims := jwt.MapClaims{
		"iss": creds.IssuerID,
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
		"aud": "appstoreconnect-v1",
		"bid": creds.BundleID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = creds.KeyID

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign apple api token: %w", err)
	}

	s.mutex.Lock()
	s.tokens[appID] = &appleToken{
		token:     signed,
		expiresAt: expiresAt.Add(-appleTokenSafetyMargin),
	}
	s.mutex.Unlock()

	logging.Infof("Minted App Store Server API token for app %s", appID)
	return signed, nil
}
