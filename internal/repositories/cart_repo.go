package repositories

import (
	"context"

	"tokopay/internal/models"
)

// CartRepository defines the read and clear operations the payment core needs on carts.
type CartRepository interface {
	GetByID(ctx context.Context, id string) (*models.Cart, error)
	Create(ctx context.Context, cart *models.Cart) error
	// Clear removes every item and the discount code of the cart.
	Clear(ctx context.Context, id string) error
}

// DiscountRepository defines the interface for discount rule data access.
type DiscountRepository interface {
	GetByCode(ctx context.Context, code string) (*models.DiscountRule, error)
	GetByID(ctx context.Context, id string) (*models.DiscountRule, error)
	Create(ctx context.Context, rule *models.DiscountRule) error
	// Consume increments the usage counter only while the rule is below its limit,
	// and reports whether a slot was taken.
	Consume(ctx context.Context, id string) (bool, error)
}

// WalletRepository defines the interface for wallet balances.
type WalletRepository interface {
	// Get returns the wallet of userID, or an empty wallet if none exists yet.
	Get(ctx context.Context, userID string) (*models.Wallet, error)
	Credit(ctx context.Context, userID string, amount int64) error
	// Debit atomically subtracts amount for the payment transactionID when the balance
	// covers it, and returns apperrors.ErrInsufficientBalance otherwise. A transaction
	// that already debited the wallet is not charged again.
	Debit(ctx context.Context, userID, transactionID string, amount int64) error
	// Refund gives back the debit of transactionID once. Without a debit it does nothing.
	Refund(ctx context.Context, userID, transactionID string) error
}
