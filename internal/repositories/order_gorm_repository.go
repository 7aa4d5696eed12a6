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

// GORMOrderRepository is a GORM implementation of OrderRepository.
type GORMOrderRepository struct {
	db *gorm.DB
}

// NewGORMOrderRepository creates a new instance of GORMOrderRepository.
func NewGORMOrderRepository(db *gorm.DB) *GORMOrderRepository {
	return &GORMOrderRepository{db: db}
}

// Create inserts the order together with its items.
func (r *GORMOrderRepository) Create(ctx context.Context, order *models.Order) error {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if err := dbFrom(ctx, r.db).Create(order).Error; err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// GetByID retrieves a single order with its items.
func (r *GORMOrderRepository) GetByID(ctx context.Context, id string) (*models.Order, error) {
	return r.get(dbFrom(ctx, r.db), id)
}

// GetForUpdate retrieves the order under a row lock.
func (r *GORMOrderRepository) GetForUpdate(ctx context.Context, id string) (*models.Order, error) {
	return r.get(dbFrom(ctx, r.db).Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

func (r *GORMOrderRepository) get(db *gorm.DB, id string) (*models.Order, error) {
	var order models.Order
	err := db.Preload("Items", func(db *gorm.DB) *gorm.DB {
		return db.Order("id")
	}).First(&order, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: order with ID %s", apperrors.ErrOrderNotFound, id)
		}
		return nil, fmt.Errorf("failed to get order by ID %s: %w", id, err)
	}
	return &order, nil
}

// ListByUser returns the user's orders, newest first.
func (r *GORMOrderRepository) ListByUser(ctx context.Context, userID string) ([]models.Order, error) {
	var orders []models.Order
	err := dbFrom(ctx, r.db).Preload("Items").
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list orders of user %s: %w", userID, err)
	}
	return orders, nil
}

// ListByStatus returns stale orders in the given status, oldest first.
func (r *GORMOrderRepository) ListByStatus(ctx context.Context, status models.OrderStatus, createdBefore time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := dbFrom(ctx, r.db).Preload("Items").
		Where("status = ? AND created_at < ?", status, createdBefore).
		Order("created_at").
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list %s orders: %w", status, err)
	}
	return orders, nil
}

// Update performs a status-guarded write of the lifecycle columns.
func (r *GORMOrderRepository) Update(ctx context.Context, order *models.Order, expected models.OrderStatus) error {
	res := dbFrom(ctx, r.db).Model(&models.Order{}).
		Where("id = ? AND status = ?", order.ID, expected).
		Updates(map[string]any{
			"status":            order.Status,
			"stock_state":       order.StockState,
			"discount_consumed": order.DiscountConsumed,
			"cancel_reason":     order.CancelReason,
			"paid_at":           order.PaidAt,
			"cancelled_at":      order.CancelledAt,
			"updated_at":        order.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update order %s: %w", order.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: order %s is no longer %s", apperrors.ErrConcurrentUpdate, order.ID, expected)
	}
	return nil
}

// SwapStockState is a compare-and-set on the stock_state column.
func (r *GORMOrderRepository) SwapStockState(ctx context.Context, id string, from, to models.StockState) (bool, error) {
	res := dbFrom(ctx, r.db).Model(&models.Order{}).
		Where("id = ? AND stock_state = ?", id, from).
		Update("stock_state", to)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update stock state of order %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}
