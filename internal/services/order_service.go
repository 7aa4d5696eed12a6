package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tokopay/internal/apperrors"
	"tokopay/internal/models"
	"tokopay/internal/repositories"
	"tokopay/pkg/logger"
)

// OrderLedger owns the order and transaction state machines. Every transition is checked
// here against the current stored state; callers cannot force an illegal one.
type OrderLedger struct {
	orders repositories.OrderRepository
	txns   repositories.TransactionRepository
	stock  *StockLedger
	tx     repositories.Transactor
	log    *zap.Logger
	now    func() time.Time
}

// NewOrderLedger creates a new OrderLedger.
func NewOrderLedger(orders repositories.OrderRepository, txns repositories.TransactionRepository,
	stock *StockLedger, tx repositories.Transactor, log *zap.Logger) *OrderLedger {
	return &OrderLedger{
		orders: orders,
		txns:   txns,
		stock:  stock,
		tx:     tx,
		log:    logger.OrNop(log).Named("ledger"),
		now:    time.Now,
	}
}

// NewOrder is a priced cart ready to become an order.
type NewOrder struct {
	UserID       string
	CartID       string
	AddressID    string
	Currency     string
	Lines        []PricedLine
	Adjustment   *PriceAdjustment
	ShippingCost int64
}

// GetOrder retrieves an order with its items.
func (l *OrderLedger) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return l.orders.GetByID(ctx, id)
}

// ListOrders returns the orders of a user, newest first.
func (l *OrderLedger) ListOrders(ctx context.Context, userID string) ([]models.Order, error) {
	return l.orders.ListByUser(ctx, userID)
}

// GetTransaction retrieves a transaction.
func (l *OrderLedger) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	return l.txns.GetByID(ctx, id)
}

// ListTransactions returns the payment attempts of an order.
func (l *OrderLedger) ListTransactions(ctx context.Context, orderID string) ([]models.Transaction, error) {
	return l.txns.ListByOrder(ctx, orderID)
}

// CreateOrderFromCart snapshots the priced lines into a draft order. Stock is checked, not
// reserved, so a concurrent finalize can still take the last unit before ReserveStock.
func (l *OrderLedger) CreateOrderFromCart(ctx context.Context, in NewOrder) (*models.Order, error) {
	if len(in.Lines) == 0 {
		return nil, apperrors.ErrEmptyCart
	}
	for _, line := range in.Lines {
		available, err := l.stock.Available(ctx, line.VariantID)
		if err != nil {
			return nil, err
		}
		if available < line.Quantity {
			return nil, fmt.Errorf("%w: variant %s has %d, requested %d",
				apperrors.ErrInsufficientStock, line.VariantID, available, line.Quantity)
		}
	}

	now := l.now()
	order := &models.Order{
		ID:           uuid.New().String(),
		UserID:       in.UserID,
		CartID:       in.CartID,
		AddressID:    in.AddressID,
		Currency:     in.Currency,
		ShippingCost: in.ShippingCost,
		Status:       models.OrderDraft,
		StockState:   models.StockNone,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, line := range in.Lines {
		item := models.OrderItem{
			OrderID:   order.ID,
			VariantID: line.VariantID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		}
		if in.Adjustment != nil {
			item.LineDiscount = in.Adjustment.Lines[line.VariantID]
		}
		order.Items = append(order.Items, item)
	}
	if in.Adjustment != nil {
		order.DiscountRuleID = in.Adjustment.RuleID
		order.DiscountCode = in.Adjustment.Code
	}
	order.ComputeTotals()
	if order.Total <= 0 {
		return nil, fmt.Errorf("%w: order total must be positive", apperrors.ErrInvalidInput)
	}

	if err := l.orders.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create order in repository: %w", err)
	}
	l.log.Info("order created", zap.String("order_id", order.ID), zap.Int64("total", order.Total))
	return order, nil
}

// ReserveStock takes the stock of every order item, all or nothing.
func (l *OrderLedger) ReserveStock(ctx context.Context, orderID string) error {
	return l.tx.WithinTx(ctx, func(ctx context.Context) error {
		order, err := l.orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		switch order.StockState {
		case models.StockReserved, models.StockCommitted:
			return nil
		}
		if err := l.stock.ReserveAll(ctx, order.Items); err != nil {
			return err
		}
		ok, err := l.orders.SwapStockState(ctx, orderID, order.StockState, models.StockReserved)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: stock state of order %s", apperrors.ErrConcurrentUpdate, orderID)
		}
		return nil
	})
}

// ReleaseStock gives reserved stock back. It reports false when the order held no
// reservation, which makes release exactly-once per reservation.
func (l *OrderLedger) ReleaseStock(ctx context.Context, orderID string) (bool, error) {
	return l.swapAndRestock(ctx, orderID, models.StockReserved)
}

// RestockCommitted returns the stock of a paid order that is being cancelled.
func (l *OrderLedger) RestockCommitted(ctx context.Context, orderID string) (bool, error) {
	return l.swapAndRestock(ctx, orderID, models.StockCommitted)
}

func (l *OrderLedger) swapAndRestock(ctx context.Context, orderID string, from models.StockState) (bool, error) {
	var released bool
	err := l.tx.WithinTx(ctx, func(ctx context.Context) error {
		order, err := l.orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		ok, err := l.orders.SwapStockState(ctx, orderID, from, models.StockReleased)
		if err != nil || !ok {
			return err
		}
		if err := l.stock.ReleaseAll(ctx, order.Items); err != nil {
			return err
		}
		released = true
		return nil
	})
	if released {
		l.log.Info("stock released", zap.String("order_id", orderID), zap.String("from", string(from)))
	}
	return released, err
}

// CommitStock marks reserved stock as sold.
func (l *OrderLedger) CommitStock(ctx context.Context, orderID string) (bool, error) {
	return l.orders.SwapStockState(ctx, orderID, models.StockReserved, models.StockCommitted)
}

// OpenTransaction starts a payment attempt for the order and moves it to AwaitingPayment.
// An order has at most one attempt that is open or verified; the check and the insert
// happen under the order's row lock.
func (l *OrderLedger) OpenTransaction(ctx context.Context, orderID, gateway string) (*models.Transaction, error) {
	var txn *models.Transaction
	err := l.tx.WithinTx(ctx, func(ctx context.Context) error {
		order, err := l.orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if !order.Status.IsPayable() {
			return fmt.Errorf("%w: order %s is %s", apperrors.ErrOrderNotPayable, orderID, order.Status)
		}
		existing, err := l.txns.ListByOrder(ctx, orderID)
		if err != nil {
			return fmt.Errorf("failed to list transactions of order %s: %w", orderID, err)
		}
		for _, t := range existing {
			if t.Status.IsOpen() || t.Status == models.TxnVerified {
				return fmt.Errorf("%w: transaction %s of order %s is still %s",
					apperrors.ErrOrderNotPayable, t.ID, orderID, t.Status)
			}
		}
		if order.Status != models.OrderAwaitingPayment {
			from := order.Status
			order.Status = models.OrderAwaitingPayment
			order.UpdatedAt = l.now()
			if err := l.orders.Update(ctx, order, from); err != nil {
				return err
			}
		}
		txn, err = l.createTransaction(ctx, &models.Transaction{
			OrderID:  order.ID,
			UserID:   order.UserID,
			Purpose:  models.PurposeOrderPayment,
			Gateway:  gateway,
			Amount:   order.Total,
			Currency: order.Currency,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// OpenTopUp starts a wallet top-up payment attempt.
func (l *OrderLedger) OpenTopUp(ctx context.Context, userID string, amount int64, currency, gateway string) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: top-up amount must be positive", apperrors.ErrInvalidInput)
	}
	var txn *models.Transaction
	err := l.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		txn, err = l.createTransaction(ctx, &models.Transaction{
			UserID:   userID,
			Purpose:  models.PurposeWalletTopUp,
			Gateway:  gateway,
			Amount:   amount,
			Currency: currency,
		})
		return err
	})
	return txn, err
}

func (l *OrderLedger) createTransaction(ctx context.Context, txn *models.Transaction) (*models.Transaction, error) {
	now := l.now()
	txn.ID = uuid.New().String()
	txn.Gateway = strings.ToLower(txn.Gateway)
	txn.Status = models.TxnInitiated
	txn.InitiatedAt = now
	txn.CreatedAt = now
	txn.UpdatedAt = now
	if err := l.txns.Create(ctx, txn); err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	if err := l.appendEvent(ctx, txn.ID, "", models.TxnInitiated, "opened on "+txn.Gateway, nil); err != nil {
		return nil, err
	}
	return txn, nil
}

// RecordRedirect stores the gateway token and moves the transaction to Redirected.
func (l *OrderLedger) RecordRedirect(ctx context.Context, txnID, token, providerReference string, raw []byte) (*models.Transaction, error) {
	return l.transition(ctx, txnID, models.TxnRedirected, "redirect issued", raw, func(t *models.Transaction) error {
		if token != "" {
			t.Token = &token
		}
		t.ProviderReference = providerReference
		return nil
	})
}

// RecordCallback keeps the callback payload of an open transaction for replay and inquiry.
func (l *OrderLedger) RecordCallback(ctx context.Context, txnID string, raw []byte) error {
	return l.tx.WithinTx(ctx, func(ctx context.Context) error {
		txn, err := l.txns.GetForUpdate(ctx, txnID)
		if err != nil {
			return err
		}
		if !txn.Status.IsOpen() || txn.CallbackPayload == string(raw) {
			return nil
		}
		txn.CallbackPayload = string(raw)
		txn.UpdatedAt = l.now()
		return l.txns.Update(ctx, txn, txn.Status)
	})
}

// ApplyVerification records the provider-confirmed amount. A different amount than the
// transaction was opened with fails with ErrAmountMismatch and changes nothing.
func (l *OrderLedger) ApplyVerification(ctx context.Context, txnID string, verifiedAmount int64, providerStatus string, raw []byte) (*models.Transaction, error) {
	return l.transition(ctx, txnID, models.TxnVerified, "verified", raw, func(t *models.Transaction) error {
		if verifiedAmount != t.Amount {
			return fmt.Errorf("%w: transaction %s expects %d, provider verified %d",
				apperrors.ErrAmountMismatch, t.ID, t.Amount, verifiedAmount)
		}
		t.VerifiedAmount = verifiedAmount
		t.ProviderStatus = providerStatus
		return nil
	})
}

// MarkSettled moves a verified transaction to Settled.
func (l *OrderLedger) MarkSettled(ctx context.Context, txnID, providerStatus string, raw []byte) (*models.Transaction, error) {
	return l.transition(ctx, txnID, models.TxnSettled, "settled", raw, func(t *models.Transaction) error {
		if providerStatus != "" {
			t.ProviderStatus = providerStatus
		}
		return nil
	})
}

// MarkReverted moves a verified transaction to Reverted.
func (l *OrderLedger) MarkReverted(ctx context.Context, txnID string, raw []byte) (*models.Transaction, error) {
	return l.transition(ctx, txnID, models.TxnReverted, "reverted", raw, nil)
}

// MarkCancelled moves a settled transaction to Cancelled.
func (l *OrderLedger) MarkCancelled(ctx context.Context, txnID string, raw []byte) (*models.Transaction, error) {
	return l.transition(ctx, txnID, models.TxnCancelled, "cancelled", raw, nil)
}

// MarkFailed moves an open transaction to Failed with reason.
func (l *OrderLedger) MarkFailed(ctx context.Context, txnID, reason string, raw []byte) (*models.Transaction, error) {
	return l.transition(ctx, txnID, models.TxnFailed, "failed: "+reason, raw, func(t *models.Transaction) error {
		t.FailureReason = reason
		return nil
	})
}

// Flag marks a transaction for operator reconciliation without changing its status.
func (l *OrderLedger) Flag(ctx context.Context, txnID, reason string) error {
	return l.tx.WithinTx(ctx, func(ctx context.Context) error {
		txn, err := l.txns.GetForUpdate(ctx, txnID)
		if err != nil {
			return err
		}
		txn.NeedsReconciliation = true
		txn.ReconcileReason = reason
		txn.UpdatedAt = l.now()
		if err := l.txns.Update(ctx, txn, txn.Status); err != nil {
			return err
		}
		return l.appendEvent(ctx, txn.ID, txn.Status, txn.Status, "flagged: "+reason, nil)
	})
}

// transition checks and applies one transaction status change. apply runs before anything is
// written; an error from it leaves the stored transaction untouched.
func (l *OrderLedger) transition(ctx context.Context, txnID string, to models.TransactionStatus, note string,
	raw []byte, apply func(*models.Transaction) error) (*models.Transaction, error) {
	var out *models.Transaction
	err := l.tx.WithinTx(ctx, func(ctx context.Context) error {
		txn, err := l.txns.GetForUpdate(ctx, txnID)
		if err != nil {
			return err
		}
		from := txn.Status
		if from == models.TxnSettled && to == models.TxnSettled {
			return fmt.Errorf("%w: %s", apperrors.ErrDuplicateSettlement, txnID)
		}
		if !from.CanTransitionTo(to) {
			return fmt.Errorf("%w: transaction %s cannot move from %s to %s", apperrors.ErrInvalidTransition, txnID, from, to)
		}
		if apply != nil {
			if err := apply(txn); err != nil {
				return err
			}
		}
		now := l.now()
		txn.Status = to
		txn.StampStatus(to, now)
		txn.UpdatedAt = now
		txn.NeedsReconciliation = false
		txn.ReconcileReason = ""
		if raw != nil {
			txn.RawPayload = string(raw)
		}
		if err := l.txns.Update(ctx, txn, from); err != nil {
			return err
		}
		if err := l.appendEvent(ctx, txn.ID, from, to, note, raw); err != nil {
			return err
		}
		out = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.Debug("transaction transition", zap.String("transaction_id", txnID), zap.String("to", string(to)))
	return out, nil
}

func (l *OrderLedger) appendEvent(ctx context.Context, txnID string, from, to models.TransactionStatus, note string, raw []byte) error {
	err := l.txns.AppendEvent(ctx, &models.TransactionEvent{
		TransactionID: txnID,
		FromStatus:    from,
		ToStatus:      to,
		Note:          note,
		RawPayload:    string(raw),
		CreatedAt:     l.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to append event of transaction %s: %w", txnID, err)
	}
	return nil
}

// MarkOrderPaid moves an order awaiting payment to Paid.
func (l *OrderLedger) MarkOrderPaid(ctx context.Context, orderID string) (*models.Order, error) {
	return l.transitionOrder(ctx, orderID, models.OrderPaid, nil)
}

// MarkOrderPaymentFailed records that the payment of an order failed.
func (l *OrderLedger) MarkOrderPaymentFailed(ctx context.Context, orderID string) (*models.Order, error) {
	return l.transitionOrder(ctx, orderID, models.OrderPaymentFailed, nil)
}

// MarkFulfilling starts fulfilment of a paid order.
func (l *OrderLedger) MarkFulfilling(ctx context.Context, orderID string) (*models.Order, error) {
	return l.transitionOrder(ctx, orderID, models.OrderFulfilling, nil)
}

// MarkCompleted closes a fulfilled order.
func (l *OrderLedger) MarkCompleted(ctx context.Context, orderID string) (*models.Order, error) {
	return l.transitionOrder(ctx, orderID, models.OrderCompleted, nil)
}

// CancelOrder moves the order to Cancelled. It does not touch stock or payments.
func (l *OrderLedger) CancelOrder(ctx context.Context, orderID, reason string) (*models.Order, error) {
	return l.transitionOrder(ctx, orderID, models.OrderCancelled, func(o *models.Order) error {
		o.CancelReason = reason
		return nil
	})
}

// MarkDiscountConsumed records that the order took a usage slot of its discount.
func (l *OrderLedger) MarkDiscountConsumed(ctx context.Context, orderID string) error {
	return l.tx.WithinTx(ctx, func(ctx context.Context) error {
		order, err := l.orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		order.DiscountConsumed = true
		order.UpdatedAt = l.now()
		return l.orders.Update(ctx, order, order.Status)
	})
}

func (l *OrderLedger) transitionOrder(ctx context.Context, orderID string, to models.OrderStatus,
	apply func(*models.Order) error) (*models.Order, error) {
	var out *models.Order
	err := l.tx.WithinTx(ctx, func(ctx context.Context) error {
		order, err := l.orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		from := order.Status
		if !from.CanTransitionTo(to) {
			return fmt.Errorf("%w: order %s cannot move from %s to %s", apperrors.ErrInvalidTransition, orderID, from, to)
		}
		if apply != nil {
			if err := apply(order); err != nil {
				return err
			}
		}
		now := l.now()
		order.Status = to
		order.UpdatedAt = now
		switch to {
		case models.OrderPaid:
			order.PaidAt = &now
		case models.OrderCancelled:
			order.CancelledAt = &now
		}
		if err := l.orders.Update(ctx, order, from); err != nil {
			return err
		}
		out = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("order transition", zap.String("order_id", orderID), zap.String("to", string(to)))
	return out, nil
}
