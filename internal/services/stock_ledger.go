package services

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"tokopay/internal/apperrors"
	"tokopay/internal/models"
	"tokopay/internal/repositories"
	"tokopay/pkg/logger"
)

// StockLedger owns the per-variant available quantity.
type StockLedger struct {
	stock repositories.StockRepository
	log   *zap.Logger
}

// NewStockLedger creates a new StockLedger.
func NewStockLedger(stock repositories.StockRepository, log *zap.Logger) *StockLedger {
	return &StockLedger{stock: stock, log: logger.OrNop(log).Named("stock")}
}

// Available returns the current count of a variant.
func (l *StockLedger) Available(ctx context.Context, variantID string) (int, error) {
	rec, err := l.stock.Get(ctx, variantID)
	if err != nil {
		return 0, err
	}
	return rec.Count, nil
}

// CheckAndReserve atomically takes quantity units of a variant.
func (l *StockLedger) CheckAndReserve(ctx context.Context, variantID string, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", apperrors.ErrInvalidInput)
	}
	return l.stock.Decrement(ctx, variantID, quantity)
}

// Release gives quantity units of a variant back.
func (l *StockLedger) Release(ctx context.Context, variantID string, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", apperrors.ErrInvalidInput)
	}
	return l.stock.Increment(ctx, variantID, quantity)
}

// ReserveAll reserves every item or none of them.
func (l *StockLedger) ReserveAll(ctx context.Context, items []models.OrderItem) error {
	merged := mergeQuantities(items)
	reserved := make([]variantQuantity, 0, len(merged))
	for _, vq := range merged {
		if err := l.CheckAndReserve(ctx, vq.variantID, vq.quantity); err != nil {
			for _, done := range reserved {
				if rerr := l.Release(ctx, done.variantID, done.quantity); rerr != nil {
					l.log.Error("failed to undo partial reservation",
						zap.String("variant_id", done.variantID), zap.Int("quantity", done.quantity), zap.Error(rerr))
				}
			}
			return fmt.Errorf("failed to reserve variant %s: %w", vq.variantID, err)
		}
		reserved = append(reserved, vq)
	}
	return nil
}

// ReleaseAll gives back the stock of every item.
func (l *StockLedger) ReleaseAll(ctx context.Context, items []models.OrderItem) error {
	for _, vq := range mergeQuantities(items) {
		if err := l.Release(ctx, vq.variantID, vq.quantity); err != nil {
			return fmt.Errorf("failed to release variant %s: %w", vq.variantID, err)
		}
	}
	return nil
}

type variantQuantity struct {
	variantID string
	quantity  int
}

// mergeQuantities sums quantities per variant in variant order, so concurrent reservations
// lock rows in the same sequence.
func mergeQuantities(items []models.OrderItem) []variantQuantity {
	sums := make(map[string]int, len(items))
	for _, item := range items {
		sums[item.VariantID] += item.Quantity
	}
	out := make([]variantQuantity, 0, len(sums))
	for id, q := range sums {
		out = append(out, variantQuantity{variantID: id, quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].variantID < out[j].variantID })
	return out
}
