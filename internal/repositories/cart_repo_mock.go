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

// MockCartRepository is an in-memory implementation of CartRepository.
type MockCartRepository struct {
	carts map[string]models.Cart
	mu    sync.RWMutex
}

// NewMockCartRepository creates a new instance of MockCartRepository.
func NewMockCartRepository() *MockCartRepository {
	return &MockCartRepository{carts: make(map[string]models.Cart)}
}

// GetByID returns a cart by its ID.
func (r *MockCartRepository) GetByID(_ context.Context, id string) (*models.Cart, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cart, ok := r.carts[id]
	if !ok {
		return nil, fmt.Errorf("%w: cart with ID %s", apperrors.ErrCartNotFound, id)
	}
	cart.Items = append([]models.CartItem(nil), cart.Items...)
	return &cart, nil
}

// Create adds a new cart.
func (r *MockCartRepository) Create(_ context.Context, cart *models.Cart) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cart.ID == "" {
		cart.ID = uuid.New().String()
	}
	stored := *cart
	stored.Items = append([]models.CartItem(nil), cart.Items...)
	r.carts[cart.ID] = stored
	return nil
}

// Clear empties the cart.
func (r *MockCartRepository) Clear(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cart, ok := r.carts[id]
	if !ok {
		return nil
	}
	cart.Items = nil
	cart.DiscountCode = ""
	r.carts[id] = cart
	return nil
}

// MockDiscountRepository is an in-memory implementation of DiscountRepository.
type MockDiscountRepository struct {
	rules map[string]models.DiscountRule
	mu    sync.RWMutex
}

// NewMockDiscountRepository creates a new instance of MockDiscountRepository.
func NewMockDiscountRepository() *MockDiscountRepository {
	return &MockDiscountRepository{rules: make(map[string]models.DiscountRule)}
}

// GetByCode returns a rule by its code.
func (r *MockDiscountRepository) GetByCode(_ context.Context, code string) (*models.DiscountRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rule := range r.rules {
		if rule.Code == code {
			return &rule, nil
		}
	}
	return nil, fmt.Errorf("%w: unknown discount %s", apperrors.ErrDiscountInvalid, code)
}

// GetByID returns a rule by its ID.
func (r *MockDiscountRepository) GetByID(_ context.Context, id string) (*models.DiscountRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rule, ok := r.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown discount %s", apperrors.ErrDiscountInvalid, id)
	}
	return &rule, nil
}

// Create adds a new rule.
func (r *MockDiscountRepository) Create(_ context.Context, rule *models.DiscountRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	r.rules[rule.ID] = *rule
	return nil
}

// Consume takes a usage slot if one is left.
func (r *MockDiscountRepository) Consume(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rule, ok := r.rules[id]
	if !ok || rule.Exhausted() {
		return false, nil
	}
	rule.UsageCount++
	r.rules[id] = rule
	return true, nil
}

// MockWalletRepository is an in-memory implementation of WalletRepository.
type MockWalletRepository struct {
	balances map[string]int64
	debits   map[string]models.WalletDebit
	mu       sync.Mutex
}

// NewMockWalletRepository creates a new instance of MockWalletRepository.
func NewMockWalletRepository() *MockWalletRepository {
	return &MockWalletRepository{balances: make(map[string]int64), debits: make(map[string]models.WalletDebit)}
}

// Get returns the wallet of a user.
func (r *MockWalletRepository) Get(_ context.Context, userID string) (*models.Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &models.Wallet{UserID: userID, Balance: r.balances[userID]}, nil
}

// Credit adds amount to the balance.
func (r *MockWalletRepository) Credit(_ context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: credit amount must be positive", apperrors.ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances[userID] += amount
	return nil
}

// Debit subtracts amount when the balance covers it, once per transaction.
func (r *MockWalletRepository) Debit(_ context.Context, userID, transactionID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: debit amount must be positive", apperrors.ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.debits[transactionID]; ok {
		return nil
	}
	if r.balances[userID] < amount {
		return fmt.Errorf("%w: user %s cannot cover %d", apperrors.ErrInsufficientBalance, userID, amount)
	}
	r.balances[userID] -= amount
	r.debits[transactionID] = models.WalletDebit{TransactionID: transactionID, UserID: userID, Amount: amount, CreatedAt: time.Now()}
	return nil
}

// Refund credits back the debit of transactionID once.
func (r *MockWalletRepository) Refund(_ context.Context, userID, transactionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.debits[transactionID]
	if !ok || entry.UserID != userID || entry.RefundedAt != nil {
		return nil
	}
	now := time.Now()
	entry.RefundedAt = &now
	r.debits[transactionID] = entry
	r.balances[userID] += entry.Amount
	return nil
}
