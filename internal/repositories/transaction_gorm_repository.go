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

// GORMTransactionRepository is a GORM implementation of TransactionRepository.
type GORMTransactionRepository struct {
	db *gorm.DB
}

// NewGORMTransactionRepository creates a new instance of GORMTransactionRepository.
func NewGORMTransactionRepository(db *gorm.DB) *GORMTransactionRepository {
	return &GORMTransactionRepository{db: db}
}

// Create inserts a new transaction.
func (r *GORMTransactionRepository) Create(ctx context.Context, txn *models.Transaction) error {
	if txn.ID == "" {
		txn.ID = uuid.New().String()
	}
	if err := dbFrom(ctx, r.db).Create(txn).Error; err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetByID retrieves a transaction by its ID.
func (r *GORMTransactionRepository) GetByID(ctx context.Context, id string) (*models.Transaction, error) {
	return r.first(dbFrom(ctx, r.db), "id = ?", id)
}

// GetForUpdate retrieves a transaction under a row lock.
func (r *GORMTransactionRepository) GetForUpdate(ctx context.Context, id string) (*models.Transaction, error) {
	return r.first(dbFrom(ctx, r.db).Clauses(clause.Locking{Strength: "UPDATE"}), "id = ?", id)
}

// GetByToken retrieves a transaction by its gateway correlation token.
func (r *GORMTransactionRepository) GetByToken(ctx context.Context, gateway, token string) (*models.Transaction, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", apperrors.ErrTransactionNotFound)
	}
	return r.first(dbFrom(ctx, r.db), "gateway = ? AND token = ?", gateway, token)
}

func (r *GORMTransactionRepository) first(db *gorm.DB, query string, args ...any) (*models.Transaction, error) {
	var txn models.Transaction
	if err := db.Where(query, args...).First(&txn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrTransactionNotFound, args)
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return &txn, nil
}

// ListByOrder returns all attempts for an order, oldest first.
func (r *GORMTransactionRepository) ListByOrder(ctx context.Context, orderID string) ([]models.Transaction, error) {
	var txns []models.Transaction
	if err := dbFrom(ctx, r.db).Where("order_id = ?", orderID).Order("created_at").Find(&txns).Error; err != nil {
		return nil, fmt.Errorf("failed to list transactions of order %s: %w", orderID, err)
	}
	return txns, nil
}

// ListStale returns open transactions initiated before the cutoff.
func (r *GORMTransactionRepository) ListStale(ctx context.Context, initiatedBefore time.Time, limit int) ([]models.Transaction, error) {
	var txns []models.Transaction
	err := dbFrom(ctx, r.db).
		Where("status IN ? AND initiated_at < ? AND needs_reconciliation = ?",
			[]models.TransactionStatus{models.TxnInitiated, models.TxnRedirected}, initiatedBefore, false).
		Order("initiated_at").
		Limit(limit).
		Find(&txns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale transactions: %w", err)
	}
	return txns, nil
}

// ListFlagged returns transactions waiting for reconciliation.
func (r *GORMTransactionRepository) ListFlagged(ctx context.Context, limit int) ([]models.Transaction, error) {
	var txns []models.Transaction
	err := dbFrom(ctx, r.db).
		Where("needs_reconciliation = ?", true).
		Order("updated_at").
		Limit(limit).
		Find(&txns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list flagged transactions: %w", err)
	}
	return txns, nil
}

// Update performs a status-guarded write of the mutable columns.
func (r *GORMTransactionRepository) Update(ctx context.Context, txn *models.Transaction, expected models.TransactionStatus) error {
	res := dbFrom(ctx, r.db).Model(&models.Transaction{}).
		Where("id = ? AND status = ?", txn.ID, expected).
		Updates(map[string]any{
			"status":               txn.Status,
			"token":                txn.Token,
			"provider_reference":   txn.ProviderReference,
			"provider_status":      txn.ProviderStatus,
			"verified_amount":      txn.VerifiedAmount,
			"needs_reconciliation": txn.NeedsReconciliation,
			"reconcile_reason":     txn.ReconcileReason,
			"failure_reason":       txn.FailureReason,
			"callback_payload":     txn.CallbackPayload,
			"raw_payload":          txn.RawPayload,
			"redirected_at":        txn.RedirectedAt,
			"verified_at":          txn.VerifiedAt,
			"settled_at":           txn.SettledAt,
			"failed_at":            txn.FailedAt,
			"reverted_at":          txn.RevertedAt,
			"cancelled_at":         txn.CancelledAt,
			"updated_at":           txn.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update transaction %s: %w", txn.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: transaction %s is no longer %s", apperrors.ErrConcurrentUpdate, txn.ID, expected)
	}
	return nil
}

// AppendEvent inserts an audit row.
func (r *GORMTransactionRepository) AppendEvent(ctx context.Context, event *models.TransactionEvent) error {
	if err := dbFrom(ctx, r.db).Create(event).Error; err != nil {
		return fmt.Errorf("failed to append event to transaction %s: %w", event.TransactionID, err)
	}
	return nil
}

// ListEvents returns the audit trail of a transaction in insertion order.
func (r *GORMTransactionRepository) ListEvents(ctx context.Context, transactionID string) ([]models.TransactionEvent, error) {
	var events []models.TransactionEvent
	if err := dbFrom(ctx, r.db).Where("transaction_id = ?", transactionID).Order("id").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to list events of transaction %s: %w", transactionID, err)
	}
	return events, nil
}
