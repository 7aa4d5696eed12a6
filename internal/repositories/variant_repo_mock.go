package repositories

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tokopay/internal/apperrors"
	"tokopay/internal/models"
)

// MockVariantRepository is an in-memory implementation of VariantRepository.
type MockVariantRepository struct {
	variants map[string]models.Variant
	mu       sync.RWMutex
}

// NewMockVariantRepository creates a new instance of MockVariantRepository.
func NewMockVariantRepository() *MockVariantRepository {
	return &MockVariantRepository{
		variants: make(map[string]models.Variant),
	}
}

// GetByID returns a variant by its ID.
func (r *MockVariantRepository) GetByID(_ context.Context, id string) (*models.Variant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	variant, ok := r.variants[id]
	if !ok {
		return nil, fmt.Errorf("%w: variant with ID %s", apperrors.ErrVariantNotFound, id)
	}
	return &variant, nil
}

// GetMany returns the variants found among ids.
func (r *MockVariantRepository) GetMany(_ context.Context, ids []string) (map[string]models.Variant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]models.Variant, len(ids))
	for _, id := range ids {
		if v, ok := r.variants[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

// Create adds a new variant.
func (r *MockVariantRepository) Create(_ context.Context, variant *models.Variant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if variant.ID == "" {
		variant.ID = uuid.New().String()
	}
	r.variants[variant.ID] = *variant
	return nil
}

// Update modifies an existing variant.
func (r *MockVariantRepository) Update(_ context.Context, variant *models.Variant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.variants[variant.ID]; !ok {
		return fmt.Errorf("%w: variant with ID %s", apperrors.ErrVariantNotFound, variant.ID)
	}
	r.variants[variant.ID] = *variant
	return nil
}

// MockStockRepository is an in-memory implementation of StockRepository.
type MockStockRepository struct {
	counts map[string]int
	mu     sync.Mutex
}

// NewMockStockRepository creates a new instance of MockStockRepository.
func NewMockStockRepository() *MockStockRepository {
	return &MockStockRepository{
		counts: make(map[string]int),
	}
}

// Get returns the stock record of a variant.
func (r *MockStockRepository) Get(_ context.Context, variantID string) (*models.StockRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count, ok := r.counts[variantID]
	if !ok {
		return nil, fmt.Errorf("%w: no stock record for variant %s", apperrors.ErrVariantNotFound, variantID)
	}
	return &models.StockRecord{VariantID: variantID, Count: count, UpdatedAt: time.Now()}, nil
}

// Set creates or overwrites the stock count of a variant.
func (r *MockStockRepository) Set(_ context.Context, variantID string, count int) error {
	if count < 0 {
		return fmt.Errorf("%w: negative stock count", apperrors.ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[variantID] = count
	return nil
}

// Decrement subtracts quantity under the lock when enough stock remains.
func (r *MockStockRepository) Decrement(_ context.Context, variantID string, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", apperrors.ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	count, ok := r.counts[variantID]
	if !ok {
		return fmt.Errorf("%w: no stock record for variant %s", apperrors.ErrVariantNotFound, variantID)
	}
	if count < quantity {
		return fmt.Errorf("%w: variant %s requested %d, available %d", apperrors.ErrInsufficientStock, variantID, quantity, count)
	}
	r.counts[variantID] = count - quantity
	return nil
}

// Increment returns quantity to the variant's stock.
func (r *MockStockRepository) Increment(_ context.Context, variantID string, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", apperrors.ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.counts[variantID]; !ok {
		return fmt.Errorf("%w: no stock record for variant %s", apperrors.ErrVariantNotFound, variantID)
	}
	r.counts[variantID] += quantity
	return nil
}
