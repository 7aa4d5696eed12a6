package services

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"

	"tokopay/internal/apperrors"
	"tokopay/internal/models"
	"tokopay/internal/repositories"
)

// CatalogService maintains the variants and stock counters the payment core prices and
// reserves against. Operators use it to seed and correct stock.
type CatalogService struct {
	variants repositories.VariantRepository
	stock    repositories.StockRepository
	validate *validator.Validate
}

// NewCatalogService creates a new CatalogService.
func NewCatalogService(variants repositories.VariantRepository, stock repositories.StockRepository) *CatalogService {
	return &CatalogService{
		variants: variants,
		stock:    stock,
		validate: validator.New(),
	}
}

// GetVariant retrieves a single variant by its ID.
func (s *CatalogService) GetVariant(ctx context.Context, id string) (*models.Variant, error) {
	return s.variants.GetByID(ctx, id)
}

// CreateVariant validates and stores a new variant with an initial stock count.
func (s *CatalogService) CreateVariant(ctx context.Context, variant *models.Variant, initialStock int) error {
	if err := s.validate.Struct(variant); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalidInput, err)
	}
	if initialStock < 0 {
		return fmt.Errorf("%w: stock cannot be negative", apperrors.ErrInvalidInput)
	}
	if err := s.variants.Create(ctx, variant); err != nil {
		return fmt.Errorf("failed to create variant: %w", err)
	}
	return s.stock.Set(ctx, variant.ID, initialStock)
}

// UpdateVariant changes the live price or naming of a variant. Existing orders keep their prices.
func (s *CatalogService) UpdateVariant(ctx context.Context, variant *models.Variant) error {
	if err := s.validate.Struct(variant); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalidInput, err)
	}
	return s.variants.Update(ctx, variant)
}

// GetStock returns the stock record of a variant.
func (s *CatalogService) GetStock(ctx context.Context, variantID string) (*models.StockRecord, error) {
	return s.stock.Get(ctx, variantID)
}

// SetStock overwrites the available count of an existing variant.
func (s *CatalogService) SetStock(ctx context.Context, variantID string, count int) error {
	if count < 0 {
		return fmt.Errorf("%w: stock cannot be negative", apperrors.ErrInvalidInput)
	}
	if _, err := s.variants.GetByID(ctx, variantID); err != nil {
		return err
	}
	return s.stock.Set(ctx, variantID, count)
}
