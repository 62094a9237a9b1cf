package models

// Transaction types.
const (
	TransactionInitialPurchase = "initial_purchase"
	TransactionRenewal         = "renewal"
	TransactionRefund          = "refund"
	TransactionUpgrade         = "upgrade"
	TransactionDowngrade       = "downgrade"
)

// Transaction is an append-only ledger entry. Rows are never mutated
// except for refund marking; refunds additionally append a row with
// negative revenue.
type Transaction struct {
	BaseModel
	SubscriptionID uint   `json:"subscription_id" gorm:"not null;index"`
	AppID          string `json:"app_id" gorm:"not null;index;uniqueIndex:idx_txn_store_id"`

	// Provider transaction ids are only unique per store, so the ledger
	// key spans (app, platform, transaction_id).
	TransactionID         string `json:"transaction_id" gorm:"not null;size:255;uniqueIndex:idx_txn_store_id"`
	OriginalTransactionID string `json:"original_transaction_id" gorm:"size:255;index"`
	ProductID             string `json:"product_id" gorm:"size:255"`
	Platform              string `json:"platform" gorm:"size:20;uniqueIndex:idx_txn_store_id"`
	Type                  string `json:"type" gorm:"not null;size:20"`

	PurchaseDate int64  `json:"purchase_date"`
	ExpiresDate  *int64 `json:"expires_date"`

	// Signed revenue in minor units; negative on refund rows.
	RevenueAmount   int64  `json:"revenue_amount"`
	RevenueCurrency string `json:"revenue_currency" gorm:"size:3"`

	IsRefunded bool   `json:"is_refunded"`
	RefundedAt *int64 `json:"refunded_at"`

	RawPayload string `json:"-" gorm:"type:text"`
}
