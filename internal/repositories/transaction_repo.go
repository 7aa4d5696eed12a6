package repositories

import (
	"context"
	"time"

	"tokopay/internal/models"
)

// TransactionRepository defines the interface for payment transaction data access.
type TransactionRepository interface {
	Create(ctx context.Context, txn *models.Transaction) error
	GetByID(ctx context.Context, id string) (*models.Transaction, error)
	GetForUpdate(ctx context.Context, id string) (*models.Transaction, error)
	// GetByToken finds the transaction by exact gateway and token match. Unknown tokens
	// return apperrors.ErrTransactionNotFound.
	GetByToken(ctx context.Context, gateway, token string) (*models.Transaction, error)
	ListByOrder(ctx context.Context, orderID string) ([]models.Transaction, error)
	// ListStale returns open transactions initiated before the cutoff, oldest first.
	ListStale(ctx context.Context, initiatedBefore time.Time, limit int) ([]models.Transaction, error)
	ListFlagged(ctx context.Context, limit int) ([]models.Transaction, error)
	// Update writes every mutable column of txn provided the stored status still equals expected.
	// Amount, owner and purpose are never rewritten.
	Update(ctx context.Context, txn *models.Transaction, expected models.TransactionStatus) error
	AppendEvent(ctx context.Context, event *models.TransactionEvent) error
	ListEvents(ctx context.Context, transactionID string) ([]models.TransactionEvent, error)
}
