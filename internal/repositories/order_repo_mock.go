package repositories

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tokopay/internal/apperrors"
	"tokopay/internal/models"
)

// MockOrderRepository is an in-memory implementation of OrderRepository.
type MockOrderRepository struct {
	orders map[string]models.Order
	mu     sync.RWMutex
}

// NewMockOrderRepository creates a new instance of MockOrderRepository.
func NewMockOrderRepository() *MockOrderRepository {
	return &MockOrderRepository{
		orders: make(map[string]models.Order),
	}
}

func cloneOrder(o models.Order) models.Order {
	o.Items = append([]models.OrderItem(nil), o.Items...)
	return o
}

// Create adds a new order.
func (r *MockOrderRepository) Create(_ context.Context, order *models.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if _, exists := r.orders[order.ID]; exists {
		return fmt.Errorf("order with ID %s already exists", order.ID)
	}
	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = now
	}
	for i := range order.Items {
		order.Items[i].OrderID = order.ID
	}
	r.orders[order.ID] = cloneOrder(*order)
	return nil
}

// GetByID returns an order by its ID.
func (r *MockOrderRepository) GetByID(_ context.Context, id string) (*models.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order with ID %s", apperrors.ErrOrderNotFound, id)
	}
	order = cloneOrder(order)
	return &order, nil
}

// GetForUpdate returns an order by its ID. Locking is provided by the transactor.
func (r *MockOrderRepository) GetForUpdate(ctx context.Context, id string) (*models.Order, error) {
	return r.GetByID(ctx, id)
}

// ListByUser returns the user's orders, newest first.
func (r *MockOrderRepository) ListByUser(_ context.Context, userID string) ([]models.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	orderList := make([]models.Order, 0)
	for _, order := range r.orders {
		if order.UserID == userID {
			orderList = append(orderList, cloneOrder(order))
		}
	}
	sort.Slice(orderList, func(i, j int) bool { return orderList[i].CreatedAt.After(orderList[j].CreatedAt) })
	return orderList, nil
}

// ListByStatus returns stale orders in the given status, oldest first.
func (r *MockOrderRepository) ListByStatus(_ context.Context, status models.OrderStatus, createdBefore time.Time, limit int) ([]models.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	orderList := make([]models.Order, 0)
	for _, order := range r.orders {
		if order.Status == status && order.CreatedAt.Before(createdBefore) {
			orderList = append(orderList, cloneOrder(order))
		}
	}
	sort.Slice(orderList, func(i, j int) bool { return orderList[i].CreatedAt.Before(orderList[j].CreatedAt) })
	if limit > 0 && len(orderList) > limit {
		orderList = orderList[:limit]
	}
	return orderList, nil
}

// Update writes the lifecycle columns if the stored status still equals expected.
func (r *MockOrderRepository) Update(_ context.Context, order *models.Order, expected models.OrderStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.orders[order.ID]
	if !ok {
		return fmt.Errorf("%w: order with ID %s", apperrors.ErrOrderNotFound, order.ID)
	}
	if stored.Status != expected {
		return fmt.Errorf("%w: order %s is no longer %s", apperrors.ErrConcurrentUpdate, order.ID, expected)
	}
	stored.Status = order.Status
	stored.StockState = order.StockState
	stored.DiscountConsumed = order.DiscountConsumed
	stored.CancelReason = order.CancelReason
	stored.PaidAt = order.PaidAt
	stored.CancelledAt = order.CancelledAt
	stored.UpdatedAt = order.UpdatedAt
	r.orders[order.ID] = stored
	return nil
}

// SwapStockState is a compare-and-set on the stock state.
func (r *MockOrderRepository) SwapStockState(_ context.Context, id string, from, to models.StockState) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.orders[id]
	if !ok || stored.StockState != from {
		return false, nil
	}
	stored.StockState = to
	r.orders[id] = stored
	return true, nil
}
