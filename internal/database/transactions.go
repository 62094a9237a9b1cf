package database

import (
	"paycat/internal/models"
)

// GetTransactionByID finds a ledger row by its provider transaction id.
func GetTransactionByID(appID, transactionID string) (*models.Transaction, error) {
	var transaction models.Transaction
	err := DB.Where("app_id = ? AND transaction_id = ?", appID, transactionID).
		First(&transaction).Error
	if err != nil {
		return nil, err
	}
	return &transaction, nil
}

// GetSubscriptionTransactions lists the ledger of a subscription, oldest
// first.
func GetSubscriptionTransactions(subscriptionID uint) ([]models.Transaction, error) {
	var transactions []models.Transaction
	err := DB.Where("subscription_id = ?", subscriptionID).
		Order("purchase_date ASC, id ASC").Find(&transactions).Error
	return transactions, err
}
