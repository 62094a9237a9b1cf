package models

// Canonical store event types. Every provider vocabulary maps into this
// closed enumeration; anything unrecognized falls to EventUnknown.
const (
	EventInitialPurchase    = "initial_purchase"
	EventRenewal            = "renewal"
	EventCancellation       = "cancellation"
	EventExpiration         = "expiration"
	EventRefund             = "refund"
	EventBillingIssue       = "billing_issue"
	EventBillingRecovery    = "billing_recovery"
	EventGracePeriodStarted = "grace_period_started"
	EventGracePeriodExpired = "grace_period_expired"
	EventTrialStarted       = "trial_started"
	EventTrialConverted     = "trial_converted"
	EventTrialEnding        = "trial_ending"
	EventProductChange      = "product_change"
	EventReactivation       = "reactivation"
	EventRevocation         = "revocation"
	EventOfferRedeemed      = "offer_redeemed"
	EventPriceIncrease      = "price_increase"
	EventRenewalExtended    = "renewal_extended"
	EventPaused             = "paused"
	EventPauseScheduled     = "pause_scheduled"
	EventPendingCancelled   = "pending_cancelled"
	EventSubscriptionUpdate = "subscription_updated"
	EventDisputeCreated     = "dispute_created"
	EventDisputeClosed      = "dispute_closed"
	EventUnknown            = "unknown"
)

// EventTypes is the closed set of canonical event types.
var EventTypes = []string{
	EventInitialPurchase, EventRenewal, EventCancellation, EventExpiration,
	EventRefund, EventBillingIssue, EventBillingRecovery,
	EventGracePeriodStarted, EventGracePeriodExpired, EventTrialStarted,
	EventTrialConverted, EventTrialEnding, EventProductChange,
	EventReactivation, EventRevocation, EventOfferRedeemed,
	EventPriceIncrease, EventRenewalExtended, EventPaused,
	EventPauseScheduled, EventPendingCancelled, EventSubscriptionUpdate,
	EventDisputeCreated, EventDisputeClosed, EventUnknown,
}

// IsEventType reports whether t is a member of the canonical set.
func IsEventType(t string) bool {
	for _, e := range EventTypes {
		if e == t {
			return true
		}
	}
	return false
}

// StoreEvent is the provider-neutral form of a verified receipt or
// inbound notification, produced by the provider adapters and consumed
// by the normalizer.
//
// NotificationUUID is the provider's stable identifier for the event:
// Apple notificationUUID, the Pub/Sub messageId, the Stripe event id,
// the Paddle alert_id, or the SNS MessageId.
type StoreEvent struct {
	AppID            string
	Platform         string
	NotificationUUID string
	NotificationType string // provider vocabulary, kept for the witness row

	EventType string // canonical
	Status    string // canonical subscription status, "" when not authoritative

	// ProviderAccountID identifies the tenant on the provider's side
	// (Apple bundle id, Google package name, Amazon app id); handlers
	// use it to resolve the app when the route is not API-key scoped.
	ProviderAccountID string

	ProductID          string
	SubscriptionHandle string
	TransactionID      string

	AppUserID string // present when the provider carries it

	// EventTimestamp is when the provider says the event happened
	// (Unix ms), zero when the provider did not carry one.
	EventTimestamp int64

	PurchaseDate         int64
	ExpiresDate          *int64
	GracePeriodExpiresAt *int64

	WillRenew bool
	IsSandbox bool
	IsTrial   bool

	// Signed revenue in minor units; negative on refunds.
	RevenueAmount   int64
	RevenueCurrency string

	RawPayload []byte
}
