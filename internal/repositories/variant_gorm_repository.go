package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tokopay/internal/apperrors"
	"tokopay/internal/models"
)

// GORMVariantRepository is a GORM implementation of VariantRepository.
type GORMVariantRepository struct {
	db *gorm.DB
}

// NewGORMVariantRepository creates a new instance of GORMVariantRepository.
func NewGORMVariantRepository(db *gorm.DB) *GORMVariantRepository {
	return &GORMVariantRepository{db: db}
}

// GetByID retrieves a single variant by its ID from the database.
func (r *GORMVariantRepository) GetByID(ctx context.Context, id string) (*models.Variant, error) {
	var variant models.Variant
	if err := dbFrom(ctx, r.db).First(&variant, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: variant with ID %s", apperrors.ErrVariantNotFound, id)
		}
		return nil, fmt.Errorf("failed to get variant by ID %s: %w", id, err)
	}
	return &variant, nil
}

// GetMany retrieves the variants with the given IDs.
func (r *GORMVariantRepository) GetMany(ctx context.Context, ids []string) (map[string]models.Variant, error) {
	var variants []models.Variant
	if err := dbFrom(ctx, r.db).Where("id IN ?", ids).Find(&variants).Error; err != nil {
		return nil, fmt.Errorf("failed to get variants: %w", err)
	}
	out := make(map[string]models.Variant, len(variants))
	for _, v := range variants {
		out[v.ID] = v
	}
	return out, nil
}

// Create creates a new variant in the database.
func (r *GORMVariantRepository) Create(ctx context.Context, variant *models.Variant) error {
	if variant.ID == "" {
		variant.ID = uuid.New().String()
	}
	if err := dbFrom(ctx, r.db).Create(variant).Error; err != nil {
		return fmt.Errorf("failed to create variant: %w", err)
	}
	return nil
}

// Update updates an existing variant in the database.
func (r *GORMVariantRepository) Update(ctx context.Context, variant *models.Variant) error {
	res := dbFrom(ctx, r.db).Model(&models.Variant{}).Where("id = ?", variant.ID).Updates(map[string]any{
		"product_name": variant.ProductName,
		"category_id":  variant.CategoryID,
		"price":        variant.Price,
	})
	if res.Error != nil {
		return fmt.Errorf("failed to update variant: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: variant with ID %s", apperrors.ErrVariantNotFound, variant.ID)
	}
	return nil
}

// GORMStockRepository is a GORM implementation of StockRepository.
type GORMStockRepository struct {
	db *gorm.DB
}

// NewGORMStockRepository creates a new instance of GORMStockRepository.
func NewGORMStockRepository(db *gorm.DB) *GORMStockRepository {
	return &GORMStockRepository{db: db}
}

// Get retrieves the stock record of a variant.
func (r *GORMStockRepository) Get(ctx context.Context, variantID string) (*models.StockRecord, error) {
	var rec models.StockRecord
	if err := dbFrom(ctx, r.db).First(&rec, "variant_id = ?", variantID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no stock record for variant %s", apperrors.ErrVariantNotFound, variantID)
		}
		return nil, fmt.Errorf("failed to get stock of variant %s: %w", variantID, err)
	}
	return &rec, nil
}

// Set upserts the stock count of a variant.
func (r *GORMStockRepository) Set(ctx context.Context, variantID string, count int) error {
	if count < 0 {
		return fmt.Errorf("%w: negative stock count", apperrors.ErrInvalidInput)
	}
	rec := models.StockRecord{VariantID: variantID, Count: count, UpdatedAt: time.Now()}
	err := dbFrom(ctx, r.db).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "variant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"count", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to set stock of variant %s: %w", variantID, err)
	}
	return nil
}

// Decrement is a single compare-and-decrement statement; the row is only touched when enough stock remains.
func (r *GORMStockRepository) Decrement(ctx context.Context, variantID string, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", apperrors.ErrInvalidInput)
	}
	db := dbFrom(ctx, r.db)
	res := db.Model(&models.StockRecord{}).
		Where("variant_id = ? AND count >= ?", variantID, quantity).
		Updates(map[string]any{
			"count":      gorm.Expr("count - ?", quantity),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to decrement stock of variant %s: %w", variantID, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	rec, err := r.Get(ctx, variantID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: variant %s requested %d, available %d", apperrors.ErrInsufficientStock, variantID, quantity, rec.Count)
}

// Increment returns quantity to the variant's stock.
func (r *GORMStockRepository) Increment(ctx context.Context, variantID string, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", apperrors.ErrInvalidInput)
	}
	res := dbFrom(ctx, r.db).Model(&models.StockRecord{}).
		Where("variant_id = ?", variantID).
		Updates(map[string]any{
			"count":      gorm.Expr("count + ?", quantity),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to increment stock of variant %s: %w", variantID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: no stock record for variant %s", apperrors.ErrVariantNotFound, variantID)
	}
	return nil
}
