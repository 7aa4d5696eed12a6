package services_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokopay/internal/apperrors"
	"tokopay/internal/models"
	"tokopay/internal/services"
)

func TestCheckout_FinalizeStartsPayment(t *testing.T) {
	h := newHarness(t)
	h.seedVariant(t, "tea", "drinks", 1000, 5)
	rule := &models.DiscountRule{Code: "TEA10", Scope: models.ScopeVariants, PercentOff: 10}
	rule.SetVariantIDs("tea")
	require.NoError(t, h.discounts.Create(h.ctx, rule))
	cart := h.seedCart(t, "u1", "TEA10", map[string]int{"tea": 2})

	res, err := h.checkout.Finalize(h.ctx, services.FinalizeRequest{UserID: "u1", CartID: cart.ID, AddressID: "addr-1", Gateway: "deferred"})
	require.NoError(t, err)
	assert.EqualValues(t, 1800, res.Total)
	assert.Equal(t, "https://pay.example/tok-"+res.TransactionID, res.Redirect.URL)

	order := h.order(t, res.OrderID)
	assert.Equal(t, models.OrderAwaitingPayment, order.Status)
	assert.Equal(t, models.StockReserved, order.StockState)
	assert.False(t, order.DiscountConsumed, "discount is consumed on settlement, not at checkout")
	assert.Equal(t, 3, h.available(t, "tea"))

	txn := h.txn(t, res.TransactionID)
	assert.Equal(t, models.TxnRedirected, txn.Status)
	assert.Equal(t, "tok-"+txn.ID, txn.TokenValue())
	assert.Equal(t, order.Total, txn.Amount)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.OrdersFinalized.WithLabelValues("deferred")))
	assert.Equal(t, "https://shop.example/api/v1/payments/deferred/callback", h.checkout.CallbackURL("deferred"))
}

func TestCheckout_RejectsBadRequests(t *testing.T) {
	h := newHarness(t)
	h.seedVariant(t, "tea", "drinks", 1000, 5)
	cart := h.seedCart(t, "u1", "", map[string]int{"tea": 1})

	_, err := h.checkout.Finalize(h.ctx, services.FinalizeRequest{UserID: "u1", CartID: cart.ID, AddressID: "a", Gateway: "paypal"})
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedGateway)

	_, err = h.checkout.Finalize(h.ctx, services.FinalizeRequest{UserID: "u2", CartID: cart.ID, AddressID: "a", Gateway: "deferred"})
	assert.ErrorIs(t, err, apperrors.ErrCartNotFound)

	_, err = h.checkout.Finalize(h.ctx, services.FinalizeRequest{UserID: "u1", CartID: cart.ID, Gateway: "deferred"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	empty := h.seedCart(t, "u1", "", nil)
	_, err = h.checkout.Finalize(h.ctx, services.FinalizeRequest{UserID: "u1", CartID: empty.ID, AddressID: "a", Gateway: "deferred"})
	assert.ErrorIs(t, err, apperrors.ErrEmptyCart)

	expired := h.seedCart(t, "u1", "UNKNOWN", map[string]int{"tea": 1})
	_, err = h.checkout.Finalize(h.ctx, services.FinalizeRequest{UserID: "u1", CartID: expired.ID, AddressID: "a", Gateway: "deferred"})
	assert.ErrorIs(t, err, apperrors.ErrDiscountInvalid)
	assert.Equal(t, 5, h.available(t, "tea"))
}

func TestCheckout_ConcurrentFinalizeForLastUnit(t *testing.T) {
	h := newHarness(t)
	h.seedVariant(t, "lamp", "home", 9000, 1)
	cartA := h.seedCart(t, "alice", "", map[string]int{"lamp": 1})
	cartB := h.seedCart(t, "bob", "", map[string]int{"lamp": 1})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	results := make([]*services.FinalizeResult, 2)
	for i, req := range []services.FinalizeRequest{
		{UserID: "alice", CartID: cartA.ID, AddressID: "a", Gateway: "capture"},
		{UserID: "bob", CartID: cartB.ID, AddressID: "b", Gateway: "capture"},
	} {
		wg.Add(1)
		go func(i int, req services.FinalizeRequest) {
			defer wg.Done()
			results[i], errs[i] = h.checkout.Finalize(h.ctx, req)
		}(i, req)
	}
	wg.Wait()

	var winner *services.FinalizeResult
	var ok, outOfStock int
	for i, err := range errs {
		switch {
		case err == nil:
			ok++
			winner = results[i]
		case errors.Is(err, apperrors.ErrInsufficientStock):
			outOfStock++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	assert.Equal(t, 1, outOfStock)
	assert.Equal(t, 0, h.available(t, "lamp"))

	out, err := h.reconciler.HandleCallback(h.ctx, h.callback("capture", h.txn(t, winner.TransactionID).TokenValue()))
	require.NoError(t, err)
	assert.Equal(t, services.ResultSettled, out.Result)
	assert.Equal(t, models.OrderPaid, h.order(t, winner.OrderID).Status)
	assert.Equal(t, models.StockCommitted, h.order(t, winner.OrderID).StockState)
	assert.Equal(t, 0, h.available(t, "lamp"))

	var paid int
	for _, user := range []string{"alice", "bob"} {
		orders, err := h.orders.ListByUser(h.ctx, user)
		require.NoError(t, err)
		for _, o := range orders {
			if o.Status == models.OrderPaid {
				paid++
			}
		}
	}
	assert.Equal(t, 1, paid, "the last unit is sold once")
	assert.Equal(t, 1, countKey(h.bus.Keys(), services.EventOrderPaid))
}

func TestCheckout_InitiateFailureReleasesStock(t *testing.T) {
	h := newHarness(t)
	h.seedVariant(t, "tea", "drinks", 1000, 5)
	h.deferred.set(func(f *fakeGateway) { f.initiateErr = errProviderDown })
	cart := h.seedCart(t, "u1", "", map[string]int{"tea": 2})

	_, err := h.checkout.Finalize(h.ctx, services.FinalizeRequest{UserID: "u1", CartID: cart.ID, AddressID: "a", Gateway: "deferred"})
	assert.ErrorIs(t, err, apperrors.ErrTransientProvider)
	assert.Equal(t, 5, h.available(t, "tea"))

	orders, err := h.orders.ListByUser(h.ctx, "u1")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, models.OrderPaymentFailed, orders[0].Status)
	txns, err := h.ledger.ListTransactions(h.ctx, orders[0].ID)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, models.TxnFailed, txns[0].Status)
	assert.Equal(t, "initiate_failed", txns[0].FailureReason)
	assert.Contains(t, h.bus.Keys(), services.EventTransactionFailed)

	// The failed order can be paid again once the provider is back.
	h.deferred.set(func(f *fakeGateway) { f.initiateErr = nil })
	res, err := h.checkout.RetryPayment(h.ctx, "u1", orders[0].ID, "deferred", "")
	require.NoError(t, err)
	assert.Equal(t, orders[0].ID, res.OrderID)
	assert.Equal(t, 3, h.available(t, "tea"))
	assert.Equal(t, models.OrderAwaitingPayment, h.order(t, res.OrderID).Status)

	_, err = h.checkout.RetryPayment(h.ctx, "u1", orders[0].ID, "deferred", "")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotPayable, "an attempt is still open")
	_, err = h.checkout.RetryPayment(h.ctx, "intruder", orders[0].ID, "deferred", "")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
}

func TestCheckout_ConcurrentRetriesOpenOneAttempt(t *testing.T) {
	h := newHarness(t)
	h.seedVariant(t, "tea", "drinks", 1000, 5)
	h.deferred.set(func(f *fakeGateway) { f.initiateErr = errProviderDown })
	cart := h.seedCart(t, "u1", "", map[string]int{"tea": 2})
	_, err := h.checkout.Finalize(h.ctx, services.FinalizeRequest{UserID: "u1", CartID: cart.ID, AddressID: "a", Gateway: "deferred"})
	require.ErrorIs(t, err, apperrors.ErrTransientProvider)
	orders, err := h.orders.ListByUser(h.ctx, "u1")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	orderID := orders[0].ID
	h.deferred.set(func(f *fakeGateway) { f.initiateErr = nil })

	const workers = 6
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.checkout.RetryPayment(h.ctx, "u1", orderID, "deferred", "")
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, apperrors.ErrOrderNotPayable)
	}
	assert.Equal(t, 1, ok)

	txns, err := h.ledger.ListTransactions(h.ctx, orderID)
	require.NoError(t, err)
	var open int
	for _, txn := range txns {
		if txn.Status.IsOpen() {
			open++
		}
	}
	assert.Equal(t, 1, open, "one open attempt per order")
	assert.Len(t, txns, 2)
	assert.Equal(t, 3, h.available(t, "tea"), "stock is reserved once")
	assert.Equal(t, 2, h.deferred.Calls("initiate"))
}

func TestCheckout_WalletPayment(t *testing.T) {
	h := newHarness(t)
	h.seedVariant(t, "tea", "drinks", 1000, 5)
	require.NoError(t, h.wallets.Credit(h.ctx, "u1", 5000))

	res := h.finalize(t, "u1", "wallet", map[string]int{"tea": 3})
	assert.Contains(t, res.Redirect.URL, "https://shop.example/api/v1/payments/wallet/callback?token=")

	txn := h.txn(t, res.TransactionID)
	out, err := h.reconciler.HandleCallback(h.ctx, walletEnvelope(txn.TokenValue()))
	require.NoError(t, err)
	assert.Equal(t, services.ResultSettled, out.Result)

	w, err := h.wallets.Get(h.ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 2000, w.Balance)
	assert.Equal(t, models.OrderPaid, h.order(t, res.OrderID).Status)
}
