package repositories

import (
	"context"

	"tokopay/internal/models"
)

// VariantRepository defines the interface for catalog variant data access.
type VariantRepository interface {
	GetByID(ctx context.Context, id string) (*models.Variant, error)
	// GetMany returns the variants found among ids keyed by ID. Missing IDs are simply absent.
	GetMany(ctx context.Context, ids []string) (map[string]models.Variant, error)
	Create(ctx context.Context, variant *models.Variant) error
	Update(ctx context.Context, variant *models.Variant) error
}

// StockRepository defines the interface for per-variant stock counters.
type StockRepository interface {
	Get(ctx context.Context, variantID string) (*models.StockRecord, error)
	// Set creates or overwrites the stock record of a variant.
	Set(ctx context.Context, variantID string, count int) error
	// Decrement atomically subtracts quantity when at least quantity is available.
	// It returns apperrors.ErrInsufficientStock or apperrors.ErrVariantNotFound otherwise.
	Decrement(ctx context.Context, variantID string, quantity int) error
	Increment(ctx context.Context, variantID string, quantity int) error
}
