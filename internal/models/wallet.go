package models

import "time"

// Wallet holds a user's stored balance in minor units. Balance never drops below zero.
type Wallet struct {
	UserID    string    `json:"user_id" gorm:"primaryKey;type:varchar(36)"`
	Balance   int64     `json:"balance" gorm:"not null;default:0;check:balance >= 0"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WalletDebit records the debit taken for one payment. The paying transaction is the key,
// so a transaction debits a wallet at most once and refunds at most once.
type WalletDebit struct {
	TransactionID string     `json:"transaction_id" gorm:"primaryKey;type:varchar(36)"`
	UserID        string     `json:"user_id" gorm:"type:varchar(36);not null;index"`
	Amount        int64      `json:"amount" gorm:"not null"`
	RefundedAt    *time.Time `json:"refunded_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}
