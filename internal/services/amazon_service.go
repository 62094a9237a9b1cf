package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"paycat/internal/apperrors"
	"paycat/internal/crypto"
	"paycat/internal/models"
	"paycat/pkg/logging"
)

const (
	amazonRVSBaseProduction = "https://appstore-sdk.amazon.com"
	amazonRVSBaseSandbox    = "http://localhost:8080/RVSSandbox"
)

// AmazonNotification is the JSON carried inside the SNS Message field
// for Appstore real-time notifications.
type AmazonNotification struct {
	NotificationType string `json:"notificationType"`
	AppPackageName   string `json:"appPackageName"`
	AppUserID        string `json:"appUserId"`
	ReceiptID        string `json:"receiptId"`
	Timestamp        int64  `json:"timestamp"`
	BetaTransaction  bool   `json:"betaProductTransaction"`
}

// amazonRVSReceipt is the Receipt Verification Service response.
type amazonRVSReceipt struct {
	ReceiptID       string `json:"receiptId"`
	ProductID       string `json:"productId"`
	ProductType     string `json:"productType"`
	PurchaseDate    int64  `json:"purchaseDate"`
	RenewalDate     int64  `json:"renewalDate"`
	CancelDate      int64  `json:"cancelDate"`
	TestTransaction bool   `json:"testTransaction"`
	Term            string `json:"term"`
	Quantity        int    `json:"quantity"`
}

// AmazonService is the Amazon Appstore provider adapter. Notifications
// arrive through SNS; receipts are verified against RVS.
type AmazonService struct {
	snsVerifier *crypto.SNSVerifier
	httpClient  *http.Client

	// Overridable for tests
	rvsBaseURL        string
	rvsSandboxBaseURL string
	autoConfirm       bool
}

// NewAmazonService creates the Appstore adapter.
func NewAmazonService() *AmazonService {
	return &AmazonService{
		snsVerifier:       crypto.NewSNSVerifier(),
		httpClient:        &http.Client{Timeout: 30 * time.Second},
		rvsBaseURL:        amazonRVSBaseProduction,
		rvsSandboxBaseURL: amazonRVSBaseSandbox,
		autoConfirm:       true,
	}
}

func (s *AmazonService) Platform() string {
	return models.PlatformAmazon
}

// VerifyNotification validates the SNS envelope and maps the inner
// Appstore notification. SubscriptionConfirmation envelopes are
// confirmed in place and produce no event.
func (s *AmazonService) VerifyNotification(ctx context.Context, app *models.App, raw []byte, header http.Header) (*models.StoreEvent, error) {
	msg, err := crypto.ParseSNSMessage(raw)
	if err != nil {
		return nil, apperrors.ReceiptInvalid(err)
	}
	if err := s.snsVerifier.Verify(msg); err != nil {
		return nil, apperrors.SignatureInvalid(err)
	}

	switch msg.Type {
	case "SubscriptionConfirmation":
		if s.autoConfirm && msg.SubscribeURL != "" {
			s.confirmSubscription(ctx, msg.SubscribeURL)
		}
		return nil, nil
	case "UnsubscribeConfirmation":
		return nil, nil
	}

	var notification AmazonNotification
	if err := json.Unmarshal([]byte(msg.Message), &notification); err != nil {
		return nil, apperrors.ReceiptInvalid(fmt.Errorf("invalid appstore notification: %w", err))
	}
	if notification.ReceiptID == "" {
		logging.Infof("Ignoring Amazon notification without receipt id (%s)", notification.NotificationType)
		return nil, nil
	}

	event := &models.StoreEvent{
		Platform:           models.PlatformAmazon,
		NotificationUUID:   msg.MessageID,
		NotificationType:   notification.NotificationType,
		EventType:          mapAmazonEventType(notification.NotificationType),
		ProviderAccountID:  notification.AppPackageName,
		AppUserID:          notification.AppUserID,
		SubscriptionHandle: notification.ReceiptID,
		TransactionID:      notification.ReceiptID,
		PurchaseDate:       notification.Timestamp,
		EventTimestamp:     notification.Timestamp,
		IsSandbox:          notification.BetaTransaction,
		RawPayload:         raw,
	}

	// The route is not key-scoped; the pipeline enriches through RVS
	// once the tenant is resolved.
	if app != nil {
		if err := s.Enrich(ctx, app, event); err != nil {
			return nil, err
		}
	}
	return event, nil
}

func (s *AmazonService) confirmSubscription(ctx context.Context, subscribeURL string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, subscribeURL, nil)
	if err != nil {
		return
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		logging.Warnf("Failed to confirm SNS subscription: %v", err)
		return
	}
	resp.Body.Close()
	logging.Infof("Confirmed SNS subscription (%d)", resp.StatusCode)
}

func mapAmazonEventType(notificationType string) string {
	switch notificationType {
	case "SUBSCRIPTION_PURCHASED":
		return models.EventInitialPurchase
	case "SUBSCRIPTION_RENEWED":
		return models.EventRenewal
	case "SUBSCRIPTION_CANCELLED":
		return models.EventCancellation
	default:
		return models.EventUnknown
	}
}

// Enrich re-reads the receipt through RVS and folds the authoritative
// term dates into the event.
func (s *AmazonService) Enrich(ctx context.Context, app *models.App, event *models.StoreEvent) error {
	creds, err := app.AmazonCredentials()
	if err != nil {
		return apperrors.ConfigurationMissing("amazon")
	}
	receipt, err := s.fetchReceipt(ctx, creds, event.AppUserID, event.SubscriptionHandle)
	if err != nil {
		return err
	}
	applyRVSReceipt(event, receipt)
	return nil
}

func (s *AmazonService) fetchReceipt(ctx context.Context, creds *models.AmazonCredentials, userID, receiptID string) (*amazonRVSReceipt, error) {
	base := s.rvsBaseURL
	if creds.Sandbox {
		base = s.rvsSandboxBaseURL
	}
	url := fmt.Sprintf("%s/version/1.0/verifyReceiptId/developer/%s/user/%s/receiptId/%s",
		base, creds.SharedSecret, userID, receiptID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.TransientUpstream(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusNotFound:
		return nil, apperrors.ReceiptInvalid(fmt.Errorf("rvs rejected receipt (%d)", resp.StatusCode))
	case resp.StatusCode == 496:
		// Invalid developer secret
		return nil, apperrors.ConfigurationMissing("amazon")
	default:
		return nil, apperrors.TransientUpstream(fmt.Errorf("rvs returned %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperrors.TransientUpstream(err)
	}
	var receipt amazonRVSReceipt
	if err := json.Unmarshal(body, &receipt); err != nil {
		return nil, apperrors.ReceiptInvalid(fmt.Errorf("invalid rvs response: %w", err))
	}
	return &receipt, nil
}

func applyRVSReceipt(event *models.StoreEvent, receipt *amazonRVSReceipt) {
	event.ProductID = receipt.ProductID
	event.IsSandbox = event.IsSandbox || receipt.TestTransaction
	if receipt.PurchaseDate > 0 {
		event.PurchaseDate = receipt.PurchaseDate
	}

	switch {
	case receipt.CancelDate > 0:
		expires := receipt.CancelDate
		event.ExpiresDate = &expires
		event.WillRenew = false
		event.Status = models.StatusExpired
		if time.Now().UnixMilli() < receipt.CancelDate {
			event.Status = models.StatusActive
		}
	case receipt.RenewalDate > 0:
		expires := receipt.RenewalDate
		event.ExpiresDate = &expires
		event.WillRenew = true
		event.Status = models.StatusActive
	default:
		event.WillRenew = true
		event.Status = models.StatusActive
	}
}

// VerifyReceipt handles an SDK-initiated sync against RVS.
func (s *AmazonService) VerifyReceipt(ctx context.Context, app *models.App, receipt *ReceiptData) (*models.StoreEvent, error) {
	if receipt.ReceiptID == "" || receipt.UserID == "" {
		return nil, apperrors.ReceiptInvalid(fmt.Errorf("receipt_id and user_id are required"))
	}
	creds, err := app.AmazonCredentials()
	if err != nil {
		return nil, apperrors.ConfigurationMissing("amazon")
	}

	rvs, err := s.fetchReceipt(ctx, creds, receipt.UserID, receipt.ReceiptID)
	if err != nil {
		return nil, err
	}

	event := &models.StoreEvent{
		Platform:           models.PlatformAmazon,
		NotificationType:   "VERIFY_RECEIPT",
		EventType:          models.EventInitialPurchase,
		AppID:              app.AppID,
		AppUserID:          receipt.UserID,
		SubscriptionHandle: rvs.ReceiptID,
		TransactionID:      rvs.ReceiptID,
	}
	applyRVSReceipt(event, rvs)
	return event, nil
}
