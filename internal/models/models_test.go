package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOrderStatusTransitions(t *testing.T) {
	legal := []struct{ from, to OrderStatus }{
		{OrderDraft, OrderAwaitingPayment},
		{OrderAwaitingPayment, OrderPaid},
		{OrderPaid, OrderFulfilling},
		{OrderFulfilling, OrderCompleted},
		{OrderAwaitingPayment, OrderPaymentFailed},
		{OrderPaymentFailed, OrderAwaitingPayment},
		{OrderDraft, OrderCancelled},
		{OrderPaid, OrderCancelled},
		{OrderFulfilling, OrderCancelled},
	}
	for _, tc := range legal {
		assert.True(t, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}

	illegal := []struct{ from, to OrderStatus }{
		{OrderDraft, OrderPaid},
		{OrderCompleted, OrderCancelled},
		{OrderCancelled, OrderAwaitingPayment},
		{OrderPaid, OrderAwaitingPayment},
		{OrderAwaitingPayment, OrderCompleted},
	}
	for _, tc := range illegal {
		assert.False(t, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}

	assert.True(t, OrderCompleted.IsTerminal())
	assert.True(t, OrderPaymentFailed.IsTerminal())
	assert.False(t, OrderPaid.IsTerminal())
	assert.True(t, OrderPaymentFailed.IsPayable())
	assert.False(t, OrderPaid.IsPayable())
}

func TestParseOrderStatus(t *testing.T) {
	s, ok := ParseOrderStatus("fulfilling")
	assert.True(t, ok)
	assert.Equal(t, OrderFulfilling, s)

	_, ok = ParseOrderStatus("shipped")
	assert.False(t, ok)
}

func TestTransactionStatusTransitions(t *testing.T) {
	assert.True(t, TxnInitiated.CanTransitionTo(TxnRedirected))
	assert.True(t, TxnRedirected.CanTransitionTo(TxnVerified))
	assert.True(t, TxnVerified.CanTransitionTo(TxnSettled))
	assert.True(t, TxnVerified.CanTransitionTo(TxnReverted))
	assert.True(t, TxnSettled.CanTransitionTo(TxnCancelled))
	assert.True(t, TxnInitiated.CanTransitionTo(TxnFailed))

	assert.False(t, TxnRedirected.CanTransitionTo(TxnSettled))
	assert.False(t, TxnSettled.CanTransitionTo(TxnReverted))
	assert.False(t, TxnVerified.CanTransitionTo(TxnCancelled))
	assert.False(t, TxnVerified.CanTransitionTo(TxnFailed))
	assert.False(t, TxnFailed.CanTransitionTo(TxnRedirected))

	for _, s := range []TransactionStatus{TxnSettled, TxnFailed, TxnReverted, TxnCancelled} {
		assert.True(t, s.IsTerminal(), s.String())
	}
	assert.False(t, TxnVerified.IsTerminal())
	assert.True(t, TxnRedirected.IsOpen())
}

func TestComputeTotals(t *testing.T) {
	order := Order{
		Items: []OrderItem{
			{VariantID: "a", Quantity: 2, UnitPrice: 100, LineDiscount: 20},
			{VariantID: "b", Quantity: 1, UnitPrice: 50},
		},
		ShippingCost: 30,
	}
	order.ComputeTotals()

	assert.Equal(t, int64(250), order.Subtotal)
	assert.Equal(t, int64(20), order.DiscountTotal)
	assert.Equal(t, int64(260), order.Total)
	assert.True(t, order.TotalsConsistent())

	order.Total++
	assert.False(t, order.TotalsConsistent())
}

func TestStampStatus(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var txn Transaction
	txn.StampStatus(TxnVerified, now)

	if assert.NotNil(t, txn.VerifiedAt) {
		assert.Equal(t, now, *txn.VerifiedAt)
	}
	assert.Nil(t, txn.SettledAt)
	assert.Equal(t, "", txn.TokenValue())
}

func TestDiscountRuleMatches(t *testing.T) {
	rule := DiscountRule{Scope: ScopeCategories}
	rule.SetCategoryIDs("shoes", "bags")

	assert.True(t, rule.Matches("v1", "bags"))
	assert.False(t, rule.Matches("v1", "hats"))
	assert.False(t, rule.Matches("v1", ""))

	rule = DiscountRule{Scope: ScopeVariants, UsageLimit: 1, UsageCount: 1}
	rule.SetVariantIDs("v1")
	assert.True(t, rule.Matches("v1", ""))
	assert.True(t, rule.Exhausted())

	rule.UsageLimit = 0
	assert.False(t, rule.Exhausted())
}
