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

// MockTransactionRepository is an in-memory implementation of TransactionRepository.
type MockTransactionRepository struct {
	txns   map[string]models.Transaction
	events []models.TransactionEvent
	mu     sync.RWMutex
}

// NewMockTransactionRepository creates a new instance of MockTransactionRepository.
func NewMockTransactionRepository() *MockTransactionRepository {
	return &MockTransactionRepository{
		txns: make(map[string]models.Transaction),
	}
}

// Create adds a new transaction.
func (r *MockTransactionRepository) Create(_ context.Context, txn *models.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if txn.ID == "" {
		txn.ID = uuid.New().String()
	}
	if _, exists := r.txns[txn.ID]; exists {
		return fmt.Errorf("transaction with ID %s already exists", txn.ID)
	}
	if err := r.checkTokenLocked(txn); err != nil {
		return err
	}
	now := time.Now()
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = now
	}
	if txn.UpdatedAt.IsZero() {
		txn.UpdatedAt = now
	}
	r.txns[txn.ID] = *txn
	return nil
}

// checkTokenLocked enforces the unique (gateway, token) index.
func (r *MockTransactionRepository) checkTokenLocked(txn *models.Transaction) error {
	if txn.Token == nil {
		return nil
	}
	for id, other := range r.txns {
		if id != txn.ID && other.Gateway == txn.Gateway && other.TokenValue() == *txn.Token {
			return fmt.Errorf("token %s already used by transaction %s", *txn.Token, id)
		}
	}
	return nil
}

// GetByID returns a transaction by its ID.
func (r *MockTransactionRepository) GetByID(_ context.Context, id string) (*models.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	txn, ok := r.txns[id]
	if !ok {
		return nil, fmt.Errorf("%w: [%s]", apperrors.ErrTransactionNotFound, id)
	}
	return &txn, nil
}

// GetForUpdate returns a transaction by its ID. Locking is provided by the transactor.
func (r *MockTransactionRepository) GetForUpdate(ctx context.Context, id string) (*models.Transaction, error) {
	return r.GetByID(ctx, id)
}

// GetByToken returns the transaction carrying the exact gateway token.
func (r *MockTransactionRepository) GetByToken(_ context.Context, gateway, token string) (*models.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if token != "" {
		for _, txn := range r.txns {
			if txn.Gateway == gateway && txn.TokenValue() == token {
				return &txn, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: [%s %s]", apperrors.ErrTransactionNotFound, gateway, token)
}

// ListByOrder returns all attempts for an order, oldest first.
func (r *MockTransactionRepository) ListByOrder(_ context.Context, orderID string) ([]models.Transaction, error) {
	return r.filter(func(t models.Transaction) bool { return t.OrderID == orderID }, byCreatedAt, 0), nil
}

// ListStale returns open transactions initiated before the cutoff.
func (r *MockTransactionRepository) ListStale(_ context.Context, initiatedBefore time.Time, limit int) ([]models.Transaction, error) {
	return r.filter(func(t models.Transaction) bool {
		return t.Status.IsOpen() && !t.NeedsReconciliation && t.InitiatedAt.Before(initiatedBefore)
	}, byInitiatedAt, limit), nil
}

// ListFlagged returns transactions waiting for reconciliation.
func (r *MockTransactionRepository) ListFlagged(_ context.Context, limit int) ([]models.Transaction, error) {
	return r.filter(func(t models.Transaction) bool { return t.NeedsReconciliation }, byUpdatedAt, limit), nil
}

func byCreatedAt(a, b models.Transaction) bool   { return a.CreatedAt.Before(b.CreatedAt) }
func byInitiatedAt(a, b models.Transaction) bool { return a.InitiatedAt.Before(b.InitiatedAt) }
func byUpdatedAt(a, b models.Transaction) bool   { return a.UpdatedAt.Before(b.UpdatedAt) }

func (r *MockTransactionRepository) filter(keep func(models.Transaction) bool, less func(a, b models.Transaction) bool, limit int) []models.Transaction {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Transaction, 0)
	for _, txn := range r.txns {
		if keep(txn) {
			out = append(out, txn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Update writes the mutable columns if the stored status still equals expected.
func (r *MockTransactionRepository) Update(_ context.Context, txn *models.Transaction, expected models.TransactionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.txns[txn.ID]
	if !ok {
		return fmt.Errorf("%w: [%s]", apperrors.ErrTransactionNotFound, txn.ID)
	}
	if stored.Status != expected {
		return fmt.Errorf("%w: transaction %s is no longer %s", apperrors.ErrConcurrentUpdate, txn.ID, expected)
	}
	if err := r.checkTokenLocked(txn); err != nil {
		return err
	}

	updated := *txn
	updated.OrderID = stored.OrderID
	updated.UserID = stored.UserID
	updated.Purpose = stored.Purpose
	updated.Gateway = stored.Gateway
	updated.Amount = stored.Amount
	updated.Currency = stored.Currency
	updated.InitiatedAt = stored.InitiatedAt
	updated.CreatedAt = stored.CreatedAt
	r.txns[txn.ID] = updated
	return nil
}

// AppendEvent records an audit row.
func (r *MockTransactionRepository) AppendEvent(_ context.Context, event *models.TransactionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	event.ID = uint(len(r.events) + 1)
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	r.events = append(r.events, *event)
	return nil
}

// ListEvents returns the audit trail of a transaction in insertion order.
func (r *MockTransactionRepository) ListEvents(_ context.Context, transactionID string) ([]models.TransactionEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.TransactionEvent, 0)
	for _, e := range r.events {
		if e.TransactionID == transactionID {
			out = append(out, e)
		}
	}
	return out, nil
}
