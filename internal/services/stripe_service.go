package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"paycat/internal/apperrors"
	"paycat/internal/crypto"
	"paycat/internal/models"
	"paycat/pkg/logging"

	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// stripeBackend abstracts the Stripe API reads the adapter performs so
// tests can substitute canned objects.
type stripeBackend interface {
	GetInvoice(secretKey, invoiceID string) (*stripe.Invoice, error)
	GetCharge(secretKey, chargeID string) (*stripe.Charge, error)
	GetSubscription(secretKey, subscriptionID string) (*stripe.Subscription, error)
}

type stripeAPIBackend struct {
	clients map[string]*client.API
	mutex   sync.Mutex
}

func (b *stripeAPIBackend) api(secretKey string) *client.API {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if api, ok := b.clients[secretKey]; ok {
		return api
	}
	api := &client.API{}
	api.Init(secretKey, nil)
	b.clients[secretKey] = api
	return api
}

func (b *stripeAPIBackend) GetInvoice(secretKey, invoiceID string) (*stripe.Invoice, error) {
	return b.api(secretKey).Invoices.Get(invoiceID, &stripe.InvoiceParams{})
}

func (b *stripeAPIBackend) GetCharge(secretKey, chargeID string) (*stripe.Charge, error) {
	return b.api(secretKey).Charges.Get(chargeID, &stripe.ChargeParams{})
}

func (b *stripeAPIBackend) GetSubscription(secretKey, subscriptionID string) (*stripe.Subscription, error) {
	return b.api(secretKey).Subscriptions.Get(subscriptionID, &stripe.SubscriptionParams{})
}

// StripeService is the Stripe provider adapter. Inbound events are
// authenticated with the per-app webhook signing secret; subscription
// reads go through the Stripe API with the per-app secret key.
type StripeService struct {
	backend stripeBackend
	now     func() time.Time
}

// NewStripeService creates the Stripe adapter.
func NewStripeService() *StripeService {
	return &StripeService{
		backend: &stripeAPIBackend{clients: make(map[string]*client.API)},
		now:     time.Now,
	}
}

func (s *StripeService) Platform() string {
	return models.PlatformStripe
}

// MatchesSignature reports whether the payload was signed with the
// app's webhook secret. The notification route carries no API key, so
// the handler probes configured apps with this before processing.
func (s *StripeService) MatchesSignature(app *models.App, raw []byte, header http.Header) bool {
	creds, err := app.StripeCredentials()
	if err != nil {
		return false
	}
	sig := header.Get("Stripe-Signature")
	if sig == "" {
		return false
	}
	return crypto.VerifyStripeSignature(sig, raw, creds.WebhookSecret, s.now()) == nil
}

// VerifyNotification authenticates and maps a Stripe webhook event.
func (s *StripeService) VerifyNotification(ctx context.Context, app *models.App, raw []byte, header http.Header) (*models.StoreEvent, error) {
	creds, err := app.StripeCredentials()
	if err != nil {
		return nil, apperrors.ConfigurationMissing("stripe")
	}
	sig := header.Get("Stripe-Signature")
	if sig == "" {
		return nil, apperrors.SignatureInvalid(fmt.Errorf("missing Stripe-Signature header"))
	}
	if err := crypto.VerifyStripeSignature(sig, raw, creds.WebhookSecret, s.now()); err != nil {
		return nil, apperrors.SignatureInvalid(err)
	}

	var stripeEvent stripe.Event
	if err := json.Unmarshal(raw, &stripeEvent); err != nil {
		return nil, apperrors.ReceiptInvalid(fmt.Errorf("invalid event body: %w", err))
	}

	event, err := s.mapEvent(creds, &stripeEvent)
	if err != nil || event == nil {
		return nil, err
	}
	event.AppID = app.AppID
	event.RawPayload = raw
	event.IsSandbox = !stripeEvent.Livemode
	if stripeEvent.Created > 0 {
		event.EventTimestamp = stripeEvent.Created * 1000
	}
	return event, nil
}

func (s *StripeService) mapEvent(creds *models.StripeCredentials, stripeEvent *stripe.Event) (*models.StoreEvent, error) {
	switch stripeEvent.Type {
	case "customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(stripeEvent.Data.Raw, &sub); err != nil {
			return nil, apperrors.ReceiptInvalid(err)
		}
		return s.subscriptionEvent(stripeEvent, &sub), nil

	case "invoice.payment_succeeded", "invoice.payment_failed":
		var invoice stripe.Invoice
		if err := json.Unmarshal(stripeEvent.Data.Raw, &invoice); err != nil {
			return nil, apperrors.ReceiptInvalid(err)
		}
		return s.invoiceEvent(stripeEvent, &invoice), nil

	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(stripeEvent.Data.Raw, &charge); err != nil {
			return nil, apperrors.ReceiptInvalid(err)
		}
		return s.refundEvent(creds, stripeEvent, &charge)

	case "charge.dispute.created", "charge.dispute.closed":
		var dispute stripe.Dispute
		if err := json.Unmarshal(stripeEvent.Data.Raw, &dispute); err != nil {
			return nil, apperrors.ReceiptInvalid(err)
		}
		return s.disputeEvent(creds, stripeEvent, &dispute)

	default:
		logging.Infof("Ignoring Stripe event type %s", stripeEvent.Type)
		return nil, nil
	}
}

func (s *StripeService) subscriptionEvent(stripeEvent *stripe.Event, sub *stripe.Subscription) *models.StoreEvent {
	event := &models.StoreEvent{
		Platform:           models.PlatformStripe,
		NotificationUUID:   stripeEvent.ID,
		NotificationType:   string(stripeEvent.Type),
		SubscriptionHandle: sub.ID,
		Status:             mapStripeSubscriptionStatus(sub.Status),
		WillRenew:          !sub.CancelAtPeriodEnd && sub.Status != stripe.SubscriptionStatusCanceled,
		IsTrial:            sub.Status == stripe.SubscriptionStatusTrialing,
		PurchaseDate:       sub.StartDate * 1000,
	}
	if sub.Customer != nil {
		event.AppUserID = sub.Customer.ID
	}
	if v, ok := sub.Metadata["app_user_id"]; ok && v != "" {
		event.AppUserID = v
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		event.ProductID = sub.Items.Data[0].Price.ID
	}
	if sub.CurrentPeriodEnd > 0 {
		expires := sub.CurrentPeriodEnd * 1000
		event.ExpiresDate = &expires
	}

	switch stripeEvent.Type {
	case "customer.subscription.created":
		if event.IsTrial {
			event.EventType = models.EventTrialStarted
		} else {
			event.EventType = models.EventInitialPurchase
		}
	case "customer.subscription.deleted":
		event.EventType = models.EventExpiration
	default:
		switch {
		case sub.CancelAtPeriodEnd:
			event.EventType = models.EventCancellation
		case sub.Status == stripe.SubscriptionStatusPastDue,
			sub.Status == stripe.SubscriptionStatusUnpaid:
			event.EventType = models.EventBillingIssue
		case wasTrialing(stripeEvent) && sub.Status == stripe.SubscriptionStatusActive:
			event.EventType = models.EventTrialConverted
		default:
			event.EventType = models.EventSubscriptionUpdate
		}
	}
	return event
}

// wasTrialing inspects previous_attributes for a trialing-to-active
// transition.
func wasTrialing(stripeEvent *stripe.Event) bool {
	prev, ok := stripeEvent.Data.PreviousAttributes["status"]
	if !ok {
		return false
	}
	status, _ := prev.(string)
	return status == "trialing"
}

func (s *StripeService) invoiceEvent(stripeEvent *stripe.Event, invoice *stripe.Invoice) *models.StoreEvent {
	if invoice.Subscription == nil {
		// One-off invoices carry no subscription
		return nil
	}

	event := &models.StoreEvent{
		Platform:           models.PlatformStripe,
		NotificationUUID:   stripeEvent.ID,
		NotificationType:   string(stripeEvent.Type),
		SubscriptionHandle: invoice.Subscription.ID,
		TransactionID:      invoice.ID,
		PurchaseDate:       invoice.Created * 1000,
		RevenueCurrency:    string(invoice.Currency),
	}
	if invoice.Customer != nil {
		event.AppUserID = invoice.Customer.ID
	}
	if invoice.Lines != nil && len(invoice.Lines.Data) > 0 {
		line := invoice.Lines.Data[0]
		if line.Price != nil {
			event.ProductID = line.Price.ID
		}
		if line.Period != nil && line.Period.End > 0 {
			expires := line.Period.End * 1000
			event.ExpiresDate = &expires
		}
	}

	if stripeEvent.Type == "invoice.payment_failed" {
		event.EventType = models.EventBillingIssue
		return event
	}

	event.RevenueAmount = invoice.AmountPaid
	event.WillRenew = true
	if invoice.BillingReason == stripe.InvoiceBillingReasonSubscriptionCreate {
		event.EventType = models.EventInitialPurchase
	} else {
		event.EventType = models.EventRenewal
	}
	return event
}

// refundEvent resolves the refunded charge back to its subscription
// through the invoice.
func (s *StripeService) refundEvent(creds *models.StripeCredentials, stripeEvent *stripe.Event, charge *stripe.Charge) (*models.StoreEvent, error) {
	if charge.Invoice == nil {
		return nil, nil
	}
	invoice := charge.Invoice
	if invoice.Subscription == nil {
		fetched, err := s.backend.GetInvoice(creds.SecretKey, invoice.ID)
		if err != nil {
			return nil, apperrors.TransientUpstream(fmt.Errorf("invoice fetch failed: %w", err))
		}
		invoice = fetched
	}
	if invoice.Subscription == nil {
		return nil, nil
	}

	return &models.StoreEvent{
		Platform:           models.PlatformStripe,
		NotificationUUID:   stripeEvent.ID,
		NotificationType:   string(stripeEvent.Type),
		EventType:          models.EventRefund,
		SubscriptionHandle: invoice.Subscription.ID,
		TransactionID:      invoice.ID,
		PurchaseDate:       charge.Created * 1000,
		RevenueAmount:      -charge.AmountRefunded,
		RevenueCurrency:    string(charge.Currency),
	}, nil
}

func (s *StripeService) disputeEvent(creds *models.StripeCredentials, stripeEvent *stripe.Event, dispute *stripe.Dispute) (*models.StoreEvent, error) {
	if dispute.Charge == nil {
		return nil, nil
	}

	// Dispute webhooks carry the charge as a bare id; resolve it to
	// reach the invoice.
	charge := dispute.Charge
	if charge.Invoice == nil {
		fetched, err := s.backend.GetCharge(creds.SecretKey, charge.ID)
		if err != nil {
			return nil, apperrors.TransientUpstream(fmt.Errorf("charge fetch failed: %w", err))
		}
		charge = fetched
	}
	if charge.Invoice == nil {
		return nil, nil
	}

	invoice := charge.Invoice
	if invoice.Subscription == nil {
		fetched, err := s.backend.GetInvoice(creds.SecretKey, invoice.ID)
		if err != nil {
			return nil, apperrors.TransientUpstream(fmt.Errorf("invoice fetch failed: %w", err))
		}
		invoice = fetched
	}
	if invoice.Subscription == nil {
		return nil, nil
	}

	eventType := models.EventDisputeCreated
	if stripeEvent.Type == "charge.dispute.closed" {
		eventType = models.EventDisputeClosed
	}
	return &models.StoreEvent{
		Platform:           models.PlatformStripe,
		NotificationUUID:   stripeEvent.ID,
		NotificationType:   string(stripeEvent.Type),
		EventType:          eventType,
		SubscriptionHandle: invoice.Subscription.ID,
		TransactionID:      invoice.ID,
		RevenueCurrency:    string(dispute.Currency),
	}, nil
}

func mapStripeSubscriptionStatus(status stripe.SubscriptionStatus) string {
	switch status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return models.StatusActive
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return models.StatusBillingRetry
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return models.StatusExpired
	case stripe.SubscriptionStatusPaused:
		return models.StatusPaused
	default:
		return ""
	}
}

// VerifyReceipt syncs a Stripe subscription by id through the API.
func (s *StripeService) VerifyReceipt(ctx context.Context, app *models.App, receipt *ReceiptData) (*models.StoreEvent, error) {
	if receipt.ProviderSubscriptionID == "" {
		return nil, apperrors.ReceiptInvalid(fmt.Errorf("provider_subscription_id is required"))
	}
	creds, err := app.StripeCredentials()
	if err != nil {
		return nil, apperrors.ConfigurationMissing("stripe")
	}

	sub, err := s.backend.GetSubscription(creds.SecretKey, receipt.ProviderSubscriptionID)
	if err != nil {
		return nil, apperrors.TransientUpstream(fmt.Errorf("subscription fetch failed: %w", err))
	}

	synthetic := &stripe.Event{
		ID:   fmt.Sprintf("sync_%s_%d", sub.ID, s.now().UnixMilli()),
		Type: "customer.subscription.updated",
	}
	event := s.subscriptionEvent(synthetic, sub)
	event.AppID = app.AppID
	event.NotificationType = "VERIFY_RECEIPT"
	event.EventType = models.EventSubscriptionUpdate
	return event, nil
}
