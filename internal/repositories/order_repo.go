package repositories

import (
	"context"
	"time"

	"tokopay/internal/models"
)

// OrderRepository defines the interface for order data access.
type OrderRepository interface {
	Create(ctx context.Context, order *models.Order) error
	GetByID(ctx context.Context, id string) (*models.Order, error)
	// GetForUpdate reads the order and locks its row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, id string) (*models.Order, error)
	ListByUser(ctx context.Context, userID string) ([]models.Order, error)
	// ListByStatus returns up to limit orders in status created before the cutoff, oldest first.
	ListByStatus(ctx context.Context, status models.OrderStatus, createdBefore time.Time, limit int) ([]models.Order, error)
	// Update writes the mutable lifecycle columns of order, provided the stored status still equals expected.
	// Items and amounts are never rewritten. A lost race returns apperrors.ErrConcurrentUpdate.
	Update(ctx context.Context, order *models.Order, expected models.OrderStatus) error
	// SwapStockState moves the stock state from one value to another and reports whether it did.
	SwapStockState(ctx context.Context, id string, from, to models.StockState) (bool, error)
}
