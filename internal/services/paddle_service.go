package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"paycat/internal/apperrors"
	"paycat/internal/crypto"
	"paycat/internal/models"
	"paycat/pkg/logging"
)

const (
	paddleVendorAPIBase        = "https://vendors.paddle.com/api/2.0"
	paddleVendorAPIBaseSandbox = "https://sandbox-vendors.paddle.com/api/2.0"
)

// PaddlePassthrough is the JSON blob the SDK plants at checkout so
// webhooks can be routed back to the tenant and subscriber.
type PaddlePassthrough struct {
	AppID     string `json:"app_id"`
	AppUserID string `json:"app_user_id"`
	ProductID string `json:"product_id,omitempty"`
}

// PaddleService is the Paddle (classic) provider adapter. Webhooks are
// form-encoded and signed with the vendor's RSA key over the
// PHP-serialized field map.
type PaddleService struct {
	httpClient *http.Client
	apiBaseURL string // overridable for tests; "" selects by sandbox flag
}

// NewPaddleService creates the Paddle adapter.
func NewPaddleService() *PaddleService {
	return &PaddleService{httpClient: &http.Client{Timeout: 30 * time.Second}}
}

func (s *PaddleService) Platform() string {
	return models.PlatformPaddle
}

// ParseWebhookForm decodes the form body and returns the field map
// plus the detached signature. Exposed so the handler can read the
// passthrough for tenant resolution before signature verification.
func ParseWebhookForm(raw []byte) (map[string]string, string, error) {
	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, "", apperrors.ReceiptInvalid(fmt.Errorf("invalid form body: %w", err))
	}

	fields := make(map[string]string, len(values))
	for k := range values {
		fields[k] = values.Get(k)
	}
	signature := fields["p_signature"]
	delete(fields, "p_signature")
	if signature == "" {
		return nil, "", apperrors.SignatureInvalid(fmt.Errorf("missing p_signature"))
	}
	return fields, signature, nil
}

// ParsePassthrough decodes the passthrough blob.
func ParsePassthrough(fields map[string]string) (*PaddlePassthrough, error) {
	blob := fields["passthrough"]
	if blob == "" {
		return nil, apperrors.ReceiptInvalid(fmt.Errorf("missing passthrough"))
	}
	var p PaddlePassthrough
	if err := json.Unmarshal([]byte(blob), &p); err != nil {
		return nil, apperrors.ReceiptInvalid(fmt.Errorf("invalid passthrough: %w", err))
	}
	if p.AppID == "" {
		return nil, apperrors.ReceiptInvalid(fmt.Errorf("passthrough has no app_id"))
	}
	return &p, nil
}

// VerifyNotification authenticates and maps a Paddle alert.
func (s *PaddleService) VerifyNotification(ctx context.Context, app *models.App, raw []byte, header http.Header) (*models.StoreEvent, error) {
	creds, err := app.PaddleCredentials()
	if err != nil {
		return nil, apperrors.ConfigurationMissing("paddle")
	}

	fields, signature, err := ParseWebhookForm(raw)
	if err != nil {
		return nil, err
	}
	if err := crypto.VerifyPaddleSignature(fields, signature, creds.PublicKey); err != nil {
		return nil, apperrors.SignatureInvalid(err)
	}

	passthrough, err := ParsePassthrough(fields)
	if err != nil {
		return nil, err
	}

	event := s.mapAlert(fields, passthrough)
	if event == nil {
		return nil, nil
	}
	event.AppID = app.AppID
	event.IsSandbox = creds.Sandbox
	event.RawPayload = raw
	return event, nil
}

func (s *PaddleService) mapAlert(fields map[string]string, passthrough *PaddlePassthrough) *models.StoreEvent {
	alertName := fields["alert_name"]

	event := &models.StoreEvent{
		Platform:           models.PlatformPaddle,
		NotificationUUID:   fields["alert_id"],
		NotificationType:   alertName,
		ProviderAccountID:  passthrough.AppID,
		AppUserID:          passthrough.AppUserID,
		SubscriptionHandle: fields["subscription_id"],
		ProductID:          fields["subscription_plan_id"],
		PurchaseDate:       parsePaddleTime(fields["event_time"]),
		EventTimestamp:     parsePaddleTime(fields["event_time"]),
	}
	if passthrough.ProductID != "" {
		event.ProductID = passthrough.ProductID
	}
	if ms := parsePaddleTime(fields["next_bill_date"]); ms > 0 {
		event.ExpiresDate = &ms
	}

	switch alertName {
	case "subscription_created":
		if fields["status"] == "trialing" {
			event.EventType = models.EventTrialStarted
			event.IsTrial = true
		} else {
			event.EventType = models.EventInitialPurchase
		}
		event.WillRenew = true

	case "subscription_updated":
		event.WillRenew = true
		event.Status = mapPaddleStatus(fields["status"])
		oldPlan := fields["old_subscription_plan_id"]
		if oldPlan != "" && oldPlan != fields["subscription_plan_id"] {
			event.EventType = models.EventProductChange
		} else if fields["status"] == "paused" || fields["paused_at"] != "" {
			event.EventType = models.EventPaused
			event.WillRenew = false
		} else {
			event.EventType = models.EventSubscriptionUpdate
		}

	case "subscription_cancelled":
		event.EventType = models.EventCancellation
		event.WillRenew = false
		if ms := parsePaddleTime(fields["cancellation_effective_date"]); ms > 0 {
			event.ExpiresDate = &ms
		}

	case "subscription_payment_succeeded":
		event.TransactionID = fields["order_id"]
		event.RevenueAmount = parseDecimalMinor(fields["sale_gross"])
		event.RevenueCurrency = fields["currency"]
		event.WillRenew = true
		if fields["instalments"] == "1" || fields["instalments"] == "" {
			event.EventType = models.EventInitialPurchase
		} else {
			event.EventType = models.EventRenewal
		}

	case "subscription_payment_failed":
		event.EventType = models.EventBillingIssue
		event.Status = models.StatusBillingRetry
		if ms := parsePaddleTime(fields["next_retry_date"]); ms > 0 {
			event.GracePeriodExpiresAt = &ms
		}

	case "subscription_payment_refunded":
		event.EventType = models.EventRefund
		event.TransactionID = fields["order_id"]
		event.RevenueAmount = -parseDecimalMinor(fields["gross_refund"])
		event.RevenueCurrency = fields["currency"]

	default:
		logging.Infof("Ignoring Paddle alert %s", alertName)
		return nil
	}
	return event
}

func mapPaddleStatus(status string) string {
	switch status {
	case "active", "trialing":
		return models.StatusActive
	case "past_due":
		return models.StatusBillingRetry
	case "paused":
		return models.StatusPaused
	case "deleted":
		return models.StatusExpired
	default:
		return ""
	}
}

// parsePaddleTime accepts both of Paddle's formats: full timestamps
// ("2026-08-25 14:03:22") and bare dates ("2026-09-25"). UTC, Unix ms.
func parsePaddleTime(v string) int64 {
	if v == "" {
		return 0
	}
	if t, err := time.Parse("2006-01-02 15:04:05", v); err == nil {
		return t.UnixMilli()
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t.UnixMilli()
	}
	return 0
}

// parseDecimalMinor converts a decimal money string to minor units
// without going through floating point. "29.99" yields 2999.
func parseDecimalMinor(v string) int64 {
	if v == "" {
		return 0
	}
	whole, frac, _ := strings.Cut(v, ".")
	if len(frac) > 2 {
		frac = frac[:2]
	}
	for len(frac) < 2 {
		frac += "0"
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0
	}
	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0
	}
	if units < 0 || strings.HasPrefix(whole, "-") {
		return units*100 - cents
	}
	return units*100 + cents
}

type paddleSubscriptionUser struct {
	SubscriptionID int64  `json:"subscription_id"`
	PlanID         int64  `json:"plan_id"`
	State          string `json:"state"`
	SignupDate     string `json:"signup_date"`
	NextPayment    *struct {
		Amount   float64 `json:"amount"`
		Currency string  `json:"currency"`
		Date     string  `json:"date"`
	} `json:"next_payment"`
}

type paddleListUsersResponse struct {
	Success  bool                     `json:"success"`
	Response []paddleSubscriptionUser `json:"response"`
	Error    *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// VerifyReceipt syncs a Paddle subscription through the vendor API.
func (s *PaddleService) VerifyReceipt(ctx context.Context, app *models.App, receipt *ReceiptData) (*models.StoreEvent, error) {
	if receipt.ProviderSubscriptionID == "" {
		return nil, apperrors.ReceiptInvalid(fmt.Errorf("provider_subscription_id is required"))
	}
	creds, err := app.PaddleCredentials()
	if err != nil {
		return nil, apperrors.ConfigurationMissing("paddle")
	}

	base := s.apiBaseURL
	if base == "" {
		base = paddleVendorAPIBase
		if creds.Sandbox {
			base = paddleVendorAPIBaseSandbox
		}
	}

	form := url.Values{}
	form.Set("vendor_id", creds.VendorID)
	form.Set("vendor_auth_code", creds.APIKey)
	form.Set("subscription_id", receipt.ProviderSubscriptionID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/subscription/users", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.TransientUpstream(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, apperrors.TransientUpstream(fmt.Errorf("paddle vendor api returned %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperrors.TransientUpstream(err)
	}

	var listResp paddleListUsersResponse
	if err := json.Unmarshal(body, &listResp); err != nil {
		return nil, apperrors.ReceiptInvalid(fmt.Errorf("invalid vendor api response: %w", err))
	}
	if !listResp.Success || len(listResp.Response) == 0 {
		if listResp.Error != nil {
			return nil, apperrors.ReceiptInvalid(fmt.Errorf("paddle vendor api error %d: %s", listResp.Error.Code, listResp.Error.Message))
		}
		return nil, apperrors.ReceiptInvalid(fmt.Errorf("unknown paddle subscription"))
	}

	user := listResp.Response[0]
	event := &models.StoreEvent{
		Platform:           models.PlatformPaddle,
		NotificationType:   "VERIFY_RECEIPT",
		EventType:          models.EventSubscriptionUpdate,
		AppID:              app.AppID,
		SubscriptionHandle: strconv.FormatInt(user.SubscriptionID, 10),
		ProductID:          strconv.FormatInt(user.PlanID, 10),
		Status:             mapPaddleStatus(user.State),
		PurchaseDate:       parsePaddleTime(user.SignupDate),
		IsSandbox:          creds.Sandbox,
		WillRenew:          user.State == "active" || user.State == "trialing",
		RawPayload:         body,
	}
	if user.NextPayment != nil {
		if ms := parsePaddleTime(user.NextPayment.Date); ms > 0 {
			event.ExpiresDate = &ms
		}
	}
	return event, nil
}
