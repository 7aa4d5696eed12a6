package services_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokopay/internal/apperrors"
	"tokopay/internal/models"
	"tokopay/internal/services"
)

func newDraft(t *testing.T, h *harness) *models.Order {
	t.Helper()
	h.seedVariant(t, "tea", "drinks", 1000, 5)
	order, err := h.ledger.CreateOrderFromCart(h.ctx, services.NewOrder{
		UserID:       "u1",
		CartID:       "c1",
		AddressID:    "addr-1",
		Currency:     "IRR",
		Lines:        []services.PricedLine{{VariantID: "tea", Quantity: 2, UnitPrice: 1000}},
		Adjustment:   &services.PriceAdjustment{RuleID: "r1", Code: "TEA", Total: 150, Lines: map[string]int64{"tea": 150}},
		ShippingCost: 300,
	})
	require.NoError(t, err)
	return order
}

func TestOrderLedger_CreateOrderFromCart(t *testing.T) {
	h := newHarness(t)
	order := newDraft(t, h)

	assert.Equal(t, models.OrderDraft, order.Status)
	assert.Equal(t, models.StockNone, order.StockState)
	assert.EqualValues(t, 2000, order.Subtotal)
	assert.EqualValues(t, 150, order.DiscountTotal)
	assert.EqualValues(t, 2000-150+300, order.Total)
	assert.Equal(t, "TEA", order.DiscountCode)
	assert.True(t, order.TotalsConsistent())
	assert.Equal(t, 5, h.available(t, "tea"), "creating an order checks stock without taking it")

	_, err := h.ledger.CreateOrderFromCart(h.ctx, services.NewOrder{UserID: "u1"})
	assert.ErrorIs(t, err, apperrors.ErrEmptyCart)

	_, err = h.ledger.CreateOrderFromCart(h.ctx, services.NewOrder{
		UserID: "u1",
		Lines:  []services.PricedLine{{VariantID: "tea", Quantity: 6, UnitPrice: 1000}},
	})
	assert.ErrorIs(t, err, apperrors.ErrInsufficientStock)
}

func TestOrderLedger_StockReservationIsExactlyOnce(t *testing.T) {
	h := newHarness(t)
	order := newDraft(t, h)

	require.NoError(t, h.ledger.ReserveStock(h.ctx, order.ID))
	require.NoError(t, h.ledger.ReserveStock(h.ctx, order.ID))
	assert.Equal(t, 3, h.available(t, "tea"))

	released, err := h.ledger.ReleaseStock(h.ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, released)
	released, err = h.ledger.ReleaseStock(h.ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, released)
	assert.Equal(t, 5, h.available(t, "tea"))

	require.NoError(t, h.ledger.ReserveStock(h.ctx, order.ID))
	committed, err := h.ledger.CommitStock(h.ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, committed)
	released, err = h.ledger.ReleaseStock(h.ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, released, "committed stock is not released as a reservation")
	assert.Equal(t, 3, h.available(t, "tea"))

	restocked, err := h.ledger.RestockCommitted(h.ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, restocked)
	assert.Equal(t, 5, h.available(t, "tea"))
}

func TestOrderLedger_TransactionLifecycle(t *testing.T) {
	h := newHarness(t)
	order := newDraft(t, h)

	txn, err := h.ledger.OpenTransaction(h.ctx, order.ID, "Deferred")
	require.NoError(t, err)
	assert.Equal(t, models.TxnInitiated, txn.Status)
	assert.Equal(t, "deferred", txn.Gateway)
	assert.Equal(t, order.Total, txn.Amount)
	assert.Equal(t, models.OrderAwaitingPayment, h.order(t, order.ID).Status)

	_, err = h.ledger.ApplyVerification(h.ctx, txn.ID, txn.Amount, "OK", nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition, "initiated cannot skip redirect")

	_, err = h.ledger.RecordRedirect(h.ctx, txn.ID, "tok-1", "ref-1", nil)
	require.NoError(t, err)
	verified, err := h.ledger.ApplyVerification(h.ctx, txn.ID, txn.Amount, "OK", []byte(`{"ok":true}`))
	require.NoError(t, err)
	assert.Equal(t, models.TxnVerified, verified.Status)
	assert.NotNil(t, verified.VerifiedAt)

	settled, err := h.ledger.MarkSettled(h.ctx, txn.ID, "SETTLE", nil)
	require.NoError(t, err)
	assert.Equal(t, models.TxnSettled, settled.Status)

	_, err = h.ledger.MarkSettled(h.ctx, txn.ID, "SETTLE", nil)
	assert.ErrorIs(t, err, apperrors.ErrDuplicateSettlement)
	_, err = h.ledger.MarkFailed(h.ctx, txn.ID, "late", nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	events, err := h.txns.ListEvents(h.ctx, txn.ID)
	require.NoError(t, err)
	var path []models.TransactionStatus
	for _, ev := range events {
		path = append(path, ev.ToStatus)
	}
	assert.Equal(t, []models.TransactionStatus{models.TxnInitiated, models.TxnRedirected, models.TxnVerified, models.TxnSettled}, path)
}

func TestOrderLedger_AmountMismatchChangesNothing(t *testing.T) {
	h := newHarness(t)
	order := newDraft(t, h)
	txn, err := h.ledger.OpenTransaction(h.ctx, order.ID, "deferred")
	require.NoError(t, err)
	_, err = h.ledger.RecordRedirect(h.ctx, txn.ID, "tok-1", "ref-1", nil)
	require.NoError(t, err)

	before := h.txn(t, txn.ID)
	_, err = h.ledger.ApplyVerification(h.ctx, txn.ID, txn.Amount-1, "OK", []byte(`{}`))
	assert.ErrorIs(t, err, apperrors.ErrAmountMismatch)
	assert.Equal(t, before, h.txn(t, txn.ID))
}

func TestOrderLedger_OneOpenAttemptPerOrder(t *testing.T) {
	h := newHarness(t)
	order := newDraft(t, h)

	first, err := h.ledger.OpenTransaction(h.ctx, order.ID, "deferred")
	require.NoError(t, err)
	_, err = h.ledger.OpenTransaction(h.ctx, order.ID, "capture")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotPayable)

	_, err = h.ledger.MarkFailed(h.ctx, first.ID, "declined", nil)
	require.NoError(t, err)
	second, err := h.ledger.OpenTransaction(h.ctx, order.ID, "capture")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestOrderLedger_OrderTransitions(t *testing.T) {
	h := newHarness(t)
	order := newDraft(t, h)

	_, err := h.ledger.MarkOrderPaid(h.ctx, order.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition, "a draft cannot be paid")

	_, err = h.ledger.OpenTransaction(h.ctx, order.ID, "deferred")
	require.NoError(t, err)
	paid, err := h.ledger.MarkOrderPaid(h.ctx, order.ID)
	require.NoError(t, err)
	assert.NotNil(t, paid.PaidAt)

	_, err = h.ledger.OpenTransaction(h.ctx, order.ID, "deferred")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotPayable)

	_, err = h.ledger.MarkFulfilling(h.ctx, order.ID)
	require.NoError(t, err)
	_, err = h.ledger.MarkCompleted(h.ctx, order.ID)
	require.NoError(t, err)
	_, err = h.ledger.CancelOrder(h.ctx, order.ID, "too late")
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	// Items and amounts survive every transition untouched.
	final := h.order(t, order.ID)
	assert.Equal(t, order.Items[0].UnitPrice, final.Items[0].UnitPrice)
	assert.Equal(t, order.Total, final.Total)
}

func TestOrderLedger_FlagIsClearedByNextTransition(t *testing.T) {
	h := newHarness(t)
	order := newDraft(t, h)
	txn, err := h.ledger.OpenTransaction(h.ctx, order.ID, "deferred")
	require.NoError(t, err)

	require.NoError(t, h.ledger.Flag(h.ctx, txn.ID, "verify_unavailable"))
	flagged := h.txn(t, txn.ID)
	assert.True(t, flagged.NeedsReconciliation)
	assert.Equal(t, models.TxnInitiated, flagged.Status)

	_, err = h.ledger.MarkFailed(h.ctx, txn.ID, "abandoned", nil)
	require.NoError(t, err)
	failed := h.txn(t, txn.ID)
	assert.False(t, failed.NeedsReconciliation)
	assert.Equal(t, "abandoned", failed.FailureReason)
}
