package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"tokopay/internal/apperrors"
	"tokopay/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", name), nil)
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func strPtr(s string) *string { return &s }

func TestGORMStockDecrementIsConditional(t *testing.T) {
	ctx := context.Background()
	repo := NewGORMStockRepository(newTestDB(t))
	require.NoError(t, repo.Set(ctx, "v1", 3))

	require.NoError(t, repo.Decrement(ctx, "v1", 2))
	err := repo.Decrement(ctx, "v1", 2)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientStock)

	rec, err := repo.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Count)

	assert.ErrorIs(t, repo.Decrement(ctx, "missing", 1), apperrors.ErrVariantNotFound)
	assert.ErrorIs(t, repo.Decrement(ctx, "v1", 0), apperrors.ErrInvalidInput)

	require.NoError(t, repo.Increment(ctx, "v1", 4))
	require.NoError(t, repo.Set(ctx, "v1", 9))
	rec, err = repo.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 9, rec.Count)
}

func TestGORMOrderGuardedUpdate(t *testing.T) {
	ctx := context.Background()
	repo := NewGORMOrderRepository(newTestDB(t))

	order := &models.Order{
		UserID:     "u1",
		Status:     models.OrderDraft,
		StockState: models.StockNone,
		Items:      []models.OrderItem{{VariantID: "v1", Quantity: 2, UnitPrice: 50}},
	}
	order.ComputeTotals()
	require.NoError(t, repo.Create(ctx, order))

	order.Status = models.OrderAwaitingPayment
	require.NoError(t, repo.Update(ctx, order, models.OrderDraft))

	// A second writer still expecting Draft loses.
	stale := *order
	stale.Status = models.OrderCancelled
	err := repo.Update(ctx, &stale, models.OrderDraft)
	assert.ErrorIs(t, err, apperrors.ErrConcurrentUpdate)

	got, err := repo.GetForUpdate(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderAwaitingPayment, got.Status)
	assert.Equal(t, int64(100), got.Total)
	require.Len(t, got.Items, 1)

	_, err = repo.GetByID(ctx, "nope")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
}

func TestGORMOrderSwapStockState(t *testing.T) {
	ctx := context.Background()
	repo := NewGORMOrderRepository(newTestDB(t))
	order := &models.Order{UserID: "u1", Status: models.OrderDraft, StockState: models.StockReserved}
	require.NoError(t, repo.Create(ctx, order))

	ok, err := repo.SwapStockState(ctx, order.ID, models.StockReserved, models.StockReleased)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.SwapStockState(ctx, order.ID, models.StockReserved, models.StockReleased)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGORMOrderListByStatus(t *testing.T) {
	ctx := context.Background()
	repo := NewGORMOrderRepository(newTestDB(t))
	old := time.Now().Add(-3 * time.Hour)

	require.NoError(t, repo.Create(ctx, &models.Order{UserID: "u1", Status: models.OrderDraft, CreatedAt: old}))
	require.NoError(t, repo.Create(ctx, &models.Order{UserID: "u1", Status: models.OrderDraft}))
	require.NoError(t, repo.Create(ctx, &models.Order{UserID: "u2", Status: models.OrderPaid, CreatedAt: old}))

	drafts, err := repo.ListByStatus(ctx, models.OrderDraft, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, drafts, 1)

	mine, err := repo.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}

func TestGORMTransactionTokenLookupAndGuard(t *testing.T) {
	ctx := context.Background()
	repo := NewGORMTransactionRepository(newTestDB(t))

	txn := &models.Transaction{
		OrderID:     "o1",
		UserID:      "u1",
		Purpose:     models.PurposeOrderPayment,
		Gateway:     "mellat",
		Amount:      1000,
		Status:      models.TxnInitiated,
		InitiatedAt: time.Now(),
	}
	require.NoError(t, repo.Create(ctx, txn))
	// Several transactions without a token may coexist.
	require.NoError(t, repo.Create(ctx, &models.Transaction{Gateway: "mellat", Status: models.TxnInitiated, InitiatedAt: time.Now()}))

	txn.Token = strPtr("ref-1")
	txn.Status = models.TxnRedirected
	txn.Amount = 1 // never persisted
	require.NoError(t, repo.Update(ctx, txn, models.TxnInitiated))

	got, err := repo.GetByToken(ctx, "mellat", "ref-1")
	require.NoError(t, err)
	assert.Equal(t, txn.ID, got.ID)
	assert.Equal(t, int64(1000), got.Amount)
	assert.Equal(t, models.TxnRedirected, got.Status)

	_, err = repo.GetByToken(ctx, "snapppay", "ref-1")
	assert.ErrorIs(t, err, apperrors.ErrTransactionNotFound)
	_, err = repo.GetByToken(ctx, "mellat", "")
	assert.ErrorIs(t, err, apperrors.ErrTransactionNotFound)

	err = repo.Update(ctx, txn, models.TxnInitiated)
	assert.ErrorIs(t, err, apperrors.ErrConcurrentUpdate)
}

func TestGORMTransactionListsAndEvents(t *testing.T) {
	ctx := context.Background()
	repo := NewGORMTransactionRepository(newTestDB(t))
	old := time.Now().Add(-time.Hour)

	stale := &models.Transaction{Gateway: "snapppay", Status: models.TxnRedirected, InitiatedAt: old}
	flagged := &models.Transaction{Gateway: "snapppay", Status: models.TxnRedirected, InitiatedAt: old, NeedsReconciliation: true}
	settled := &models.Transaction{Gateway: "snapppay", Status: models.TxnSettled, InitiatedAt: old}
	for _, txn := range []*models.Transaction{stale, flagged, settled} {
		require.NoError(t, repo.Create(ctx, txn))
	}

	got, err := repo.ListStale(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stale.ID, got[0].ID)

	got, err = repo.ListFlagged(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, flagged.ID, got[0].ID)

	require.NoError(t, repo.AppendEvent(ctx, &models.TransactionEvent{TransactionID: stale.ID, FromStatus: models.TxnInitiated, ToStatus: models.TxnRedirected}))
	require.NoError(t, repo.AppendEvent(ctx, &models.TransactionEvent{TransactionID: stale.ID, FromStatus: models.TxnRedirected, ToStatus: models.TxnFailed}))
	events, err := repo.ListEvents(ctx, stale.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.TxnFailed, events[1].ToStatus)
}

func TestGORMWalletCreditDebit(t *testing.T) {
	ctx := context.Background()
	repo := NewGORMWalletRepository(newTestDB(t))

	w, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), w.Balance)

	require.NoError(t, repo.Credit(ctx, "u1", 500))
	require.NoError(t, repo.Credit(ctx, "u1", 250))
	require.NoError(t, repo.Debit(ctx, "u1", "t1", 700))
	require.NoError(t, repo.Debit(ctx, "u1", "t1", 700), "a repeated debit is not charged")
	assert.ErrorIs(t, repo.Debit(ctx, "u1", "t2", 100), apperrors.ErrInsufficientBalance)
	assert.ErrorIs(t, repo.Debit(ctx, "nobody", "t3", 1), apperrors.ErrInsufficientBalance)

	w, err = repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), w.Balance)

	// A declined debit leaves no record behind, so the transaction can still pay later.
	require.NoError(t, repo.Credit(ctx, "u1", 100))
	require.NoError(t, repo.Debit(ctx, "u1", "t2", 100))

	require.NoError(t, repo.Refund(ctx, "u1", "t1"))
	require.NoError(t, repo.Refund(ctx, "u1", "t1"))
	require.NoError(t, repo.Refund(ctx, "u1", "unknown"))
	w, err = repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(750), w.Balance)
}

func TestGORMDiscountConsumeRespectsLimit(t *testing.T) {
	ctx := context.Background()
	repo := NewGORMDiscountRepository(newTestDB(t))
	rule := &models.DiscountRule{Code: "ONCE", Scope: models.ScopeVariants, AmountOff: 10, UsageLimit: 1}
	require.NoError(t, repo.Create(ctx, rule))

	ok, err := repo.Consume(ctx, rule.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.Consume(ctx, rule.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.GetByCode(ctx, "ONCE")
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsageCount)

	_, err = repo.GetByCode(ctx, "NOPE")
	assert.ErrorIs(t, err, apperrors.ErrDiscountInvalid)
}

func TestGORMCartClear(t *testing.T) {
	ctx := context.Background()
	repo := NewGORMCartRepository(newTestDB(t))
	cart := &models.Cart{UserID: "u1", DiscountCode: "X", Items: []models.CartItem{{VariantID: "v1", Quantity: 1, UnitPrice: 10}}}
	require.NoError(t, repo.Create(ctx, cart))

	require.NoError(t, repo.Clear(ctx, cart.ID))
	got, err := repo.GetByID(ctx, cart.ID)
	require.NoError(t, err)
	assert.True(t, got.IsEmpty())
	assert.Empty(t, got.DiscountCode)
}

func TestGORMTransactorRollsBack(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	tx := NewGORMTransactor(db)
	stock := NewGORMStockRepository(db)
	require.NoError(t, stock.Set(ctx, "v1", 5))

	boom := errors.New("boom")
	err := tx.WithinTx(ctx, func(ctx context.Context) error {
		require.NoError(t, stock.Decrement(ctx, "v1", 5))
		// Nested units join the outer transaction.
		return tx.WithinTx(ctx, func(ctx context.Context) error { return boom })
	})
	assert.ErrorIs(t, err, boom)

	rec, err := stock.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 5, rec.Count)
}
