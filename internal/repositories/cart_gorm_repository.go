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

// GORMCartRepository is a GORM implementation of CartRepository.
type GORMCartRepository struct {
	db *gorm.DB
}

// NewGORMCartRepository creates a new instance of GORMCartRepository.
func NewGORMCartRepository(db *gorm.DB) *GORMCartRepository {
	return &GORMCartRepository{db: db}
}

// GetByID retrieves a cart with its items.
func (r *GORMCartRepository) GetByID(ctx context.Context, id string) (*models.Cart, error) {
	var cart models.Cart
	err := dbFrom(ctx, r.db).Preload("Items", func(db *gorm.DB) *gorm.DB {
		return db.Order("id")
	}).First(&cart, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: cart with ID %s", apperrors.ErrCartNotFound, id)
		}
		return nil, fmt.Errorf("failed to get cart by ID %s: %w", id, err)
	}
	return &cart, nil
}

// Create creates a cart with its items.
func (r *GORMCartRepository) Create(ctx context.Context, cart *models.Cart) error {
	if cart.ID == "" {
		cart.ID = uuid.New().String()
	}
	if err := dbFrom(ctx, r.db).Create(cart).Error; err != nil {
		return fmt.Errorf("failed to create cart: %w", err)
	}
	return nil
}

// Clear deletes the cart items and resets its discount code.
func (r *GORMCartRepository) Clear(ctx context.Context, id string) error {
	db := dbFrom(ctx, r.db)
	if err := db.Where("cart_id = ?", id).Delete(&models.CartItem{}).Error; err != nil {
		return fmt.Errorf("failed to clear cart %s: %w", id, err)
	}
	if err := db.Model(&models.Cart{}).Where("id = ?", id).Update("discount_code", "").Error; err != nil {
		return fmt.Errorf("failed to reset discount of cart %s: %w", id, err)
	}
	return nil
}

// GORMDiscountRepository is a GORM implementation of DiscountRepository.
type GORMDiscountRepository struct {
	db *gorm.DB
}

// NewGORMDiscountRepository creates a new instance of GORMDiscountRepository.
func NewGORMDiscountRepository(db *gorm.DB) *GORMDiscountRepository {
	return &GORMDiscountRepository{db: db}
}

// GetByCode retrieves a rule by its redemption code.
func (r *GORMDiscountRepository) GetByCode(ctx context.Context, code string) (*models.DiscountRule, error) {
	return r.first(ctx, "code = ?", code)
}

// GetByID retrieves a rule by its ID.
func (r *GORMDiscountRepository) GetByID(ctx context.Context, id string) (*models.DiscountRule, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *GORMDiscountRepository) first(ctx context.Context, query string, arg string) (*models.DiscountRule, error) {
	var rule models.DiscountRule
	if err := dbFrom(ctx, r.db).Where(query, arg).First(&rule).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: unknown discount %s", apperrors.ErrDiscountInvalid, arg)
		}
		return nil, fmt.Errorf("failed to get discount %s: %w", arg, err)
	}
	return &rule, nil
}

// Create creates a new discount rule.
func (r *GORMDiscountRepository) Create(ctx context.Context, rule *models.DiscountRule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if err := dbFrom(ctx, r.db).Create(rule).Error; err != nil {
		return fmt.Errorf("failed to create discount rule: %w", err)
	}
	return nil
}

// Consume is a conditional increment of the usage counter.
func (r *GORMDiscountRepository) Consume(ctx context.Context, id string) (bool, error) {
	res := dbFrom(ctx, r.db).Model(&models.DiscountRule{}).
		Where("id = ? AND (usage_limit = 0 OR usage_count < usage_limit)", id).
		Updates(map[string]any{
			"usage_count": gorm.Expr("usage_count + 1"),
			"updated_at":  time.Now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to consume discount %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// GORMWalletRepository is a GORM implementation of WalletRepository.
type GORMWalletRepository struct {
	db *gorm.DB
}

// NewGORMWalletRepository creates a new instance of GORMWalletRepository.
func NewGORMWalletRepository(db *gorm.DB) *GORMWalletRepository {
	return &GORMWalletRepository{db: db}
}

// Get retrieves the wallet of a user, defaulting to an empty one.
func (r *GORMWalletRepository) Get(ctx context.Context, userID string) (*models.Wallet, error) {
	var wallet models.Wallet
	err := dbFrom(ctx, r.db).First(&wallet, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.Wallet{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet of user %s: %w", userID, err)
	}
	return &wallet, nil
}

// Credit adds amount to the wallet, creating it on first use.
func (r *GORMWalletRepository) Credit(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: credit amount must be positive", apperrors.ErrInvalidInput)
	}
	db := dbFrom(ctx, r.db)
	for attempt := 0; attempt < 2; attempt++ {
		res := db.Model(&models.Wallet{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{
				"balance":    gorm.Expr("balance + ?", amount),
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to credit wallet of user %s: %w", userID, res.Error)
		}
		if res.RowsAffected == 1 {
			return nil
		}
		// First credit for this user; a concurrent insert makes the second pass update instead.
		wallet := models.Wallet{UserID: userID, Balance: amount, UpdatedAt: time.Now()}
		res = db.Clauses(clause.OnConflict{DoNothing: true}).Create(&wallet)
		if res.Error != nil {
			return fmt.Errorf("failed to create wallet of user %s: %w", userID, res.Error)
		}
		if res.RowsAffected == 1 {
			return nil
		}
	}
	return fmt.Errorf("failed to credit wallet of user %s: concurrent creation", userID)
}

// Debit subtracts amount only when the balance covers it. The debit row and the balance
// change commit together.
func (r *GORMWalletRepository) Debit(ctx context.Context, userID, transactionID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: debit amount must be positive", apperrors.ErrInvalidInput)
	}
	return dbFrom(ctx, r.db).Transaction(func(tx *gorm.DB) error {
		entry := models.WalletDebit{TransactionID: transactionID, UserID: userID, Amount: amount, CreatedAt: time.Now()}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
		if res.Error != nil {
			return fmt.Errorf("failed to record debit of transaction %s: %w", transactionID, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		res = tx.Model(&models.Wallet{}).
			Where("user_id = ? AND balance >= ?", userID, amount).
			Updates(map[string]any{
				"balance":    gorm.Expr("balance - ?", amount),
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to debit wallet of user %s: %w", userID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: user %s cannot cover %d", apperrors.ErrInsufficientBalance, userID, amount)
		}
		return nil
	})
}

// Refund marks the debit of transactionID refunded and credits it back in one step.
func (r *GORMWalletRepository) Refund(ctx context.Context, userID, transactionID string) error {
	return dbFrom(ctx, r.db).Transaction(func(tx *gorm.DB) error {
		var entry models.WalletDebit
		err := tx.First(&entry, "transaction_id = ? AND user_id = ?", transactionID, userID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get debit of transaction %s: %w", transactionID, err)
		}
		now := time.Now()
		res := tx.Model(&models.WalletDebit{}).
			Where("transaction_id = ? AND refunded_at IS NULL", transactionID).
			Update("refunded_at", now)
		if res.Error != nil {
			return fmt.Errorf("failed to mark debit of transaction %s refunded: %w", transactionID, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		res = tx.Model(&models.Wallet{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{
				"balance":    gorm.Expr("balance + ?", entry.Amount),
				"updated_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to refund wallet of user %s: %w", userID, res.Error)
		}
		return nil
	})
}
