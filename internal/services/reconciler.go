package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"tokopay/internal/apperrors"
	"tokopay/internal/gateways"
	"tokopay/internal/models"
	"tokopay/internal/repositories"
	"tokopay/pkg/locker"
	"tokopay/pkg/logger"
	"tokopay/pkg/metrics"
	"tokopay/pkg/retry"
)

// Callback results reported in an Outcome.
const (
	ResultSettled  = "settled"
	ResultVerified = "verified"
	ResultFailed   = "failed"
	ResultPending  = "pending"
)

// Reconciliation flag reasons.
const (
	ReasonVerifyUnavailable  = "verify_unavailable"
	ReasonSettleUnavailable  = "settle_unavailable"
	ReasonSettleDeclined     = "settle_declined"
	ReasonAmountMismatch     = "amount_mismatch"
	ReasonSettledAfterCancel = "settled_after_cancel"
	ReasonStockShortfall     = "stock_shortfall"
	ReasonMissingAmount      = "inquiry_without_amount"
	ReasonInquiryUnavailable = "inquiry_unavailable"
	ReasonDuplicatePayment   = "duplicate_payment"
)

// Outcome is the result of processing a callback or an operator action on a transaction.
type Outcome struct {
	TransactionID string                   `json:"transaction_id"`
	OrderID       string                   `json:"order_id,omitempty"`
	Status        models.TransactionStatus `json:"status"`
	Result        string                   `json:"result"`
	Reason        string                   `json:"reason,omitempty"`
	// Replayed is set when the transaction had already been processed and nothing changed.
	Replayed bool `json:"replayed"`
}

// StatusReport pairs the local transaction with the provider's view of it.
type StatusReport struct {
	Transaction *models.Transaction `json:"transaction"`
	Provider    gateways.Inquiry    `json:"provider"`
}

// SweepSettings bounds the reconciliation sweep.
type SweepSettings struct {
	// StaleAfter is how long an open transaction may wait for its callback before being inquired.
	StaleAfter time.Duration
	// AbandonAfter is how long an unresolved transaction or draft order lives before it is failed.
	AbandonAfter time.Duration
	BatchSize    int
}

// ReconcilerDeps are the collaborators of a Reconciler.
type ReconcilerDeps struct {
	Ledger       *OrderLedger
	Orders       repositories.OrderRepository
	Transactions repositories.TransactionRepository
	Carts        repositories.CartRepository
	Discounts    repositories.DiscountRepository
	Wallets      repositories.WalletRepository
	Gateways     *gateways.Registry
	Locker       locker.Locker
	Transactor   repositories.Transactor
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithRetryPolicy sets the backoff applied to provider calls. Only transient errors are retried.
func WithRetryPolicy(p retry.Policy) ReconcilerOption {
	return func(r *Reconciler) { r.retry = p }
}

// WithAutoSettle makes the named deferred-settlement gateways settle right after verification.
func WithAutoSettle(names ...string) ReconcilerOption {
	return func(r *Reconciler) {
		for _, name := range names {
			r.autoSettle[name] = true
		}
	}
}

// WithEvents sets the lifecycle event publisher.
func WithEvents(p EventPublisher) ReconcilerOption {
	return func(r *Reconciler) { r.events = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

// WithSweep sets the sweep bounds.
func WithSweep(s SweepSettings) ReconcilerOption {
	return func(r *Reconciler) { r.sweep = s }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

// Reconciler turns provider callbacks, inquiries and operator actions into ledger
// transitions. All work on one transaction is serialized through the locker.
type Reconciler struct {
	ledger     *OrderLedger
	orders     repositories.OrderRepository
	txns       repositories.TransactionRepository
	carts      repositories.CartRepository
	discounts  repositories.DiscountRepository
	wallets    repositories.WalletRepository
	gateways   *gateways.Registry
	locker     locker.Locker
	tx         repositories.Transactor
	retry      retry.Policy
	autoSettle map[string]bool
	events     EventPublisher
	metrics    *metrics.Metrics
	sweep      SweepSettings
	log        *zap.Logger
	now        func() time.Time
}

// NewReconciler creates a new Reconciler.
func NewReconciler(deps ReconcilerDeps, log *zap.Logger, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		ledger:     deps.Ledger,
		orders:     deps.Orders,
		txns:       deps.Transactions,
		carts:      deps.Carts,
		discounts:  deps.Discounts,
		wallets:    deps.Wallets,
		gateways:   deps.Gateways,
		locker:     deps.Locker,
		tx:         deps.Transactor,
		retry:      retry.DefaultPolicy(),
		autoSettle: make(map[string]bool),
		sweep: SweepSettings{
			StaleAfter:   15 * time.Minute,
			AbandonAfter: 2 * time.Hour,
			BatchSize:    100,
		},
		log: logger.OrNop(log).Named("reconciler"),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.retry.Retryable = apperrors.IsTransient
	r.retry.OnRetry = func(err error, attempt uint, next time.Duration) {
		r.log.Warn("provider call failed, retrying",
			zap.Uint("attempt", attempt), zap.Duration("next", next), zap.Error(err))
	}
	return r
}

func (r *Reconciler) lock(ctx context.Context, txnID string) (func(), error) {
	release, err := r.locker.Acquire(ctx, "txn:"+txnID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock transaction %s: %w", txnID, err)
	}
	return release, nil
}

// HandleCallback processes a normalized gateway callback. Repeated callbacks for a
// transaction that already reached a final state return the recorded outcome unchanged.
func (r *Reconciler) HandleCallback(ctx context.Context, env gateways.Envelope) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "reconciler.handle_callback")
	defer span.End()
	span.SetAttributes(attribute.String("gateway", env.Gateway))

	txn, err := r.txns.GetByToken(ctx, env.Gateway, env.Token)
	if err != nil {
		r.metrics.ObserveCallback(env.Gateway, "unknown_token")
		r.log.Warn("callback for unknown token", zap.String("gateway", env.Gateway), zap.Error(err))
		span.SetStatus(codes.Error, apperrors.CodeOf(err))
		return nil, err
	}
	span.SetAttributes(attribute.String("transaction_id", txn.ID))

	release, err := r.lock(ctx, txn.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	out, err := r.processCallback(ctx, txn.ID, env.Raw)
	result := "error"
	if out != nil {
		result = out.Result
		if out.Replayed {
			result = "replayed"
		}
	}
	r.metrics.ObserveCallback(env.Gateway, result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperrors.CodeOf(err))
	}
	return out, err
}

// processCallback runs with the transaction lock held.
func (r *Reconciler) processCallback(ctx context.Context, txnID string, raw []byte) (*Outcome, error) {
	txn, err := r.ledger.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	switch {
	case txn.Status.IsTerminal():
		return outcomeOf(txn, true), nil
	case txn.Status == models.TxnVerified:
		if r.autoSettle[txn.Gateway] {
			return r.settleLocked(ctx, txn.ID)
		}
		return outcomeOf(txn, true), nil
	}

	if err := r.ledger.RecordCallback(ctx, txn.ID, raw); err != nil {
		return nil, err
	}
	return r.verify(ctx, txn, raw)
}

// verify asks the provider to confirm raw and applies the answer.
func (r *Reconciler) verify(ctx context.Context, txn *models.Transaction, raw []byte) (*Outcome, error) {
	log := r.log.With(zap.String("transaction_id", txn.ID), zap.String("gateway", txn.Gateway))

	v, err := retry.Do(ctx, r.retry, func(ctx context.Context) (gateways.Verification, error) {
		return r.gateways.Verify(ctx, txn, raw)
	})
	switch {
	case err == nil:
	case apperrors.IsTransient(err):
		log.Warn("verification unavailable, flagging for reconciliation", zap.Error(err))
		if ferr := r.flag(ctx, txn.ID, ReasonVerifyUnavailable); ferr != nil {
			return nil, ferr
		}
		return &Outcome{TransactionID: txn.ID, OrderID: txn.OrderID, Status: txn.Status, Result: ResultPending, Reason: ReasonVerifyUnavailable}, nil
	case errors.Is(err, apperrors.ErrPaymentDeclined):
		log.Info("payment declined", zap.Error(err))
		return r.failPayment(ctx, txn.ID, "declined", raw)
	default:
		return nil, err
	}
	return r.applyVerification(ctx, txn, v, false)
}

// applyVerification records v and, for gateways that capture on verify or when the provider
// already reports the money captured, settles in the same unit of work.
func (r *Reconciler) applyVerification(ctx context.Context, txn *models.Transaction, v gateways.Verification, providerSettled bool) (*Outcome, error) {
	gw, err := r.gateways.Get(txn.Gateway)
	if err != nil {
		return nil, err
	}
	settle := gw.SettlesOnVerify() || providerSettled

	var events []pendingEvent
	err = r.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := r.ledger.ApplyVerification(ctx, txn.ID, v.Amount, v.ProviderStatus, v.Raw); err != nil {
			return err
		}
		if !settle {
			return nil
		}
		settled, err := r.ledger.MarkSettled(ctx, txn.ID, "", nil)
		if err != nil {
			return err
		}
		events, err = r.settlementEffects(ctx, settled)
		return err
	})
	if errors.Is(err, apperrors.ErrAmountMismatch) {
		r.log.Error("verified amount does not match",
			zap.String("transaction_id", txn.ID), zap.Int64("expected", txn.Amount), zap.Int64("verified", v.Amount))
		if ferr := r.flag(ctx, txn.ID, ReasonAmountMismatch); ferr != nil {
			r.log.Error("failed to flag transaction", zap.String("transaction_id", txn.ID), zap.Error(ferr))
		}
		return &Outcome{TransactionID: txn.ID, OrderID: txn.OrderID, Status: txn.Status, Result: ResultFailed, Reason: ReasonAmountMismatch}, err
	}
	if err != nil {
		return nil, err
	}
	publishAll(ctx, r.events, r.log, events)

	if !settle && r.autoSettle[gw.Name()] {
		return r.settleLocked(ctx, txn.ID)
	}
	return r.currentOutcome(ctx, txn.ID)
}

// settlementEffects applies what a captured payment means for its order or wallet. It runs
// inside the unit of work that marked the transaction settled.
func (r *Reconciler) settlementEffects(ctx context.Context, txn *models.Transaction) ([]pendingEvent, error) {
	now := r.now()
	log := r.log.With(zap.String("transaction_id", txn.ID))

	if txn.Purpose == models.PurposeWalletTopUp {
		if err := r.wallets.Credit(ctx, txn.UserID, txn.Amount); err != nil {
			return nil, fmt.Errorf("failed to credit wallet of %s: %w", txn.UserID, err)
		}
		log.Info("wallet credited", zap.String("user_id", txn.UserID), zap.Int64("amount", txn.Amount))
		return []pendingEvent{{key: EventWalletCredited, payload: TransactionEvent{
			TransactionID: txn.ID,
			UserID:        txn.UserID,
			Gateway:       txn.Gateway,
			Amount:        txn.Amount,
			OccurredAt:    now,
		}}}, nil
	}

	order, err := r.ledger.GetOrder(ctx, txn.OrderID)
	if err != nil {
		return nil, err
	}
	if !order.Status.CanTransitionTo(models.OrderPaid) {
		reason := ReasonSettledAfterCancel
		switch order.Status {
		case models.OrderPaid, models.OrderFulfilling, models.OrderCompleted:
			reason = ReasonDuplicatePayment
		}
		log.Error("payment settled for an order that cannot be paid",
			zap.String("order_id", order.ID), zap.String("order_status", string(order.Status)),
			zap.String("reason", reason))
		return nil, r.flag(ctx, txn.ID, reason)
	}
	if _, err := r.ledger.MarkOrderPaid(ctx, order.ID); err != nil {
		return nil, err
	}

	committed, err := r.ledger.CommitStock(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	if !committed {
		// The reservation was given back earlier; take it again for the paid order.
		if rerr := r.ledger.ReserveStock(ctx, order.ID); rerr != nil {
			log.Error("paid order lacks stock", zap.String("order_id", order.ID), zap.Error(rerr))
			if err := r.flag(ctx, txn.ID, ReasonStockShortfall); err != nil {
				return nil, err
			}
		} else if _, err := r.ledger.CommitStock(ctx, order.ID); err != nil {
			return nil, err
		}
	}

	if order.CartID != "" {
		if err := r.carts.Clear(ctx, order.CartID); err != nil {
			return nil, fmt.Errorf("failed to clear cart %s: %w", order.CartID, err)
		}
	}

	if order.DiscountRuleID != "" && !order.DiscountConsumed {
		ok, err := r.discounts.Consume(ctx, order.DiscountRuleID)
		if err != nil {
			return nil, err
		}
		if ok {
			if err := r.ledger.MarkDiscountConsumed(ctx, order.ID); err != nil {
				return nil, err
			}
		} else {
			log.Warn("discount usage limit reached by a paid order",
				zap.String("order_id", order.ID), zap.String("discount_code", order.DiscountCode))
		}
	}

	return []pendingEvent{{key: EventOrderPaid, payload: OrderEvent{
		OrderID:       order.ID,
		UserID:        order.UserID,
		TransactionID: txn.ID,
		Total:         order.Total,
		Currency:      order.Currency,
		OccurredAt:    now,
	}}}, nil
}

// failPayment closes an open transaction as failed. Its order becomes PaymentFailed and the
// reserved stock is given back.
func (r *Reconciler) failPayment(ctx context.Context, txnID, reason string, raw []byte) (*Outcome, error) {
	var failed *models.Transaction
	err := r.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		failed, err = r.ledger.MarkFailed(ctx, txnID, reason, raw)
		if err != nil {
			return err
		}
		return r.unwindOrder(ctx, failed.OrderID)
	})
	if err != nil {
		return nil, err
	}
	r.publishFailure(ctx, failed, reason)
	return outcomeOf(failed, false), nil
}

// unwindOrder marks the order of a failed or reverted payment as PaymentFailed and releases its stock.
func (r *Reconciler) unwindOrder(ctx context.Context, orderID string) error {
	if orderID == "" {
		return nil
	}
	order, err := r.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status.CanTransitionTo(models.OrderPaymentFailed) {
		if _, err := r.ledger.MarkOrderPaymentFailed(ctx, orderID); err != nil {
			return err
		}
	}
	_, err = r.ledger.ReleaseStock(ctx, orderID)
	return err
}

func (r *Reconciler) publishFailure(ctx context.Context, txn *models.Transaction, reason string) {
	publishAll(ctx, r.events, r.log, []pendingEvent{{key: EventTransactionFailed, payload: TransactionEvent{
		TransactionID: txn.ID,
		OrderID:       txn.OrderID,
		UserID:        txn.UserID,
		Gateway:       txn.Gateway,
		Amount:        txn.Amount,
		Reason:        reason,
		OccurredAt:    r.now(),
	}}})
}

func (r *Reconciler) flag(ctx context.Context, txnID, reason string) error {
	if err := r.ledger.Flag(ctx, txnID, reason); err != nil {
		return err
	}
	r.metrics.Flagged(reason)
	return nil
}

// Settle captures a verified deferred-settlement transaction.
func (r *Reconciler) Settle(ctx context.Context, txnID string) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "reconciler.settle")
	defer span.End()
	span.SetAttributes(attribute.String("transaction_id", txnID))

	release, err := r.lock(ctx, txnID)
	if err != nil {
		return nil, err
	}
	defer release()
	return r.settleLocked(ctx, txnID)
}

func (r *Reconciler) settleLocked(ctx context.Context, txnID string) (*Outcome, error) {
	txn, err := r.ledger.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if txn.Status == models.TxnSettled {
		return outcomeOf(txn, true), nil
	}

	receipt, err := retry.Do(ctx, r.retry, func(ctx context.Context) (gateways.Receipt, error) {
		return r.gateways.Settle(ctx, txn)
	})
	switch {
	case err == nil:
	case apperrors.IsTransient(err):
		r.log.Warn("settlement unavailable, flagging for reconciliation", zap.String("transaction_id", txnID), zap.Error(err))
		if ferr := r.flag(ctx, txnID, ReasonSettleUnavailable); ferr != nil {
			return nil, ferr
		}
		return &Outcome{TransactionID: txn.ID, OrderID: txn.OrderID, Status: txn.Status, Result: ResultPending, Reason: ReasonSettleUnavailable}, nil
	case errors.Is(err, apperrors.ErrPaymentDeclined):
		r.log.Error("provider refused settlement", zap.String("transaction_id", txnID), zap.Error(err))
		if ferr := r.flag(ctx, txnID, ReasonSettleDeclined); ferr != nil {
			return nil, ferr
		}
		return nil, err
	default:
		return nil, err
	}

	var events []pendingEvent
	err = r.tx.WithinTx(ctx, func(ctx context.Context) error {
		settled, err := r.ledger.MarkSettled(ctx, txnID, receipt.ProviderStatus, receipt.Raw)
		if err != nil {
			return err
		}
		events, err = r.settlementEffects(ctx, settled)
		return err
	})
	if err != nil {
		return nil, err
	}
	publishAll(ctx, r.events, r.log, events)
	r.log.Info("transaction settled", zap.String("transaction_id", txnID))
	return r.currentOutcome(ctx, txnID)
}

// Revert reverses a verified, unsettled payment. The order becomes PaymentFailed and its
// stock is released.
func (r *Reconciler) Revert(ctx context.Context, txnID string) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "reconciler.revert")
	defer span.End()
	span.SetAttributes(attribute.String("transaction_id", txnID))

	release, err := r.lock(ctx, txnID)
	if err != nil {
		return nil, err
	}
	defer release()

	txn, err := r.ledger.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if txn.Status == models.TxnReverted {
		return outcomeOf(txn, true), nil
	}
	receipt, err := retry.Do(ctx, r.retry, func(ctx context.Context) (gateways.Receipt, error) {
		return r.gateways.Revert(ctx, txn)
	})
	if err != nil {
		span.SetStatus(codes.Error, apperrors.CodeOf(err))
		return nil, err
	}

	var reverted *models.Transaction
	err = r.tx.WithinTx(ctx, func(ctx context.Context) error {
		reverted, err = r.ledger.MarkReverted(ctx, txnID, receipt.Raw)
		if err != nil {
			return err
		}
		return r.unwindOrder(ctx, reverted.OrderID)
	})
	if err != nil {
		return nil, err
	}
	r.publishFailure(ctx, reverted, "reverted")
	r.log.Info("transaction reverted", zap.String("transaction_id", txnID))
	return outcomeOf(reverted, false), nil
}

// Cancel cancels a settled payment at the provider, cancels its order and restocks it.
func (r *Reconciler) Cancel(ctx context.Context, txnID string) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "reconciler.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("transaction_id", txnID))

	release, err := r.lock(ctx, txnID)
	if err != nil {
		return nil, err
	}
	defer release()

	txn, err := r.ledger.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if txn.Status == models.TxnCancelled {
		return outcomeOf(txn, true), nil
	}
	if txn.Purpose == models.PurposeWalletTopUp {
		return nil, fmt.Errorf("%w: a settled top-up cannot be cancelled", apperrors.ErrUnsupportedOperation)
	}
	if txn.OrderID != "" {
		order, err := r.ledger.GetOrder(ctx, txn.OrderID)
		if err != nil {
			return nil, err
		}
		if order.Status != models.OrderCancelled && !order.Status.CanTransitionTo(models.OrderCancelled) {
			return nil, fmt.Errorf("%w: order %s is %s", apperrors.ErrInvalidTransition, order.ID, order.Status)
		}
	}

	receipt, err := retry.Do(ctx, r.retry, func(ctx context.Context) (gateways.Receipt, error) {
		return r.gateways.Cancel(ctx, txn)
	})
	if err != nil {
		span.SetStatus(codes.Error, apperrors.CodeOf(err))
		return nil, err
	}

	var cancelled *models.Transaction
	var order *models.Order
	err = r.tx.WithinTx(ctx, func(ctx context.Context) error {
		cancelled, err = r.ledger.MarkCancelled(ctx, txnID, receipt.Raw)
		if err != nil {
			return err
		}
		order, err = r.ledger.GetOrder(ctx, cancelled.OrderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderCancelled {
			if order, err = r.ledger.CancelOrder(ctx, order.ID, "payment_cancelled"); err != nil {
				return err
			}
		}
		_, err = r.ledger.RestockCommitted(ctx, order.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.publishOrderCancelled(ctx, order, cancelled.ID, "payment_cancelled")
	r.log.Info("transaction cancelled", zap.String("transaction_id", txnID), zap.String("order_id", order.ID))
	return outcomeOf(cancelled, false), nil
}

// CancelOrder cancels an order and unwinds every payment attempt on it: verified payments are
// reverted, settled ones cancelled and open ones failed. When any payment cannot be unwound
// on its gateway nothing is changed.
func (r *Reconciler) CancelOrder(ctx context.Context, orderID, reason string) (*models.Order, error) {
	ctx, span := tracer.Start(ctx, "reconciler.cancel_order")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", orderID))

	order, err := r.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status == models.OrderCancelled {
		return order, nil
	}
	if !order.Status.CanTransitionTo(models.OrderCancelled) {
		return nil, fmt.Errorf("%w: order %s is %s", apperrors.ErrInvalidTransition, orderID, order.Status)
	}

	txns, err := r.ledger.ListTransactions(ctx, orderID)
	if err != nil {
		return nil, err
	}
	for _, t := range txns {
		gw, err := r.gateways.Get(t.Gateway)
		if err != nil {
			return nil, err
		}
		switch {
		case t.Status == models.TxnVerified && !gateways.Supports(gw, gateways.CapRevert):
			return nil, fmt.Errorf("%w: %s cannot revert transaction %s", apperrors.ErrUnsupportedOperation, gw.Name(), t.ID)
		case t.Status == models.TxnSettled && !gateways.Supports(gw, gateways.CapCancel):
			return nil, fmt.Errorf("%w: %s cannot cancel settled transaction %s", apperrors.ErrUnsupportedOperation, gw.Name(), t.ID)
		}
	}

	for _, t := range txns {
		switch {
		case t.Status == models.TxnVerified:
			_, err = r.Revert(ctx, t.ID)
		case t.Status == models.TxnSettled:
			_, err = r.Cancel(ctx, t.ID)
		case t.Status.IsOpen():
			err = r.failOpen(ctx, t.ID, "order_cancelled")
		}
		if err != nil {
			return nil, err
		}
	}

	var cancelled *models.Order
	err = r.tx.WithinTx(ctx, func(ctx context.Context) error {
		current, err := r.ledger.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		cancelled = current
		if current.Status != models.OrderCancelled {
			if cancelled, err = r.ledger.CancelOrder(ctx, orderID, reason); err != nil {
				return err
			}
		}
		_, err = r.ledger.ReleaseStock(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.publishOrderCancelled(ctx, cancelled, "", reason)
	return r.ledger.GetOrder(ctx, orderID)
}

// failOpen fails an open attempt under its lock, leaving it alone if it moved on meanwhile.
func (r *Reconciler) failOpen(ctx context.Context, txnID, reason string) error {
	release, err := r.lock(ctx, txnID)
	if err != nil {
		return err
	}
	defer release()
	txn, err := r.ledger.GetTransaction(ctx, txnID)
	if err != nil {
		return err
	}
	if !txn.Status.IsOpen() {
		return nil
	}
	_, err = r.failPayment(ctx, txnID, reason, nil)
	return err
}

func (r *Reconciler) publishOrderCancelled(ctx context.Context, order *models.Order, txnID, reason string) {
	publishAll(ctx, r.events, r.log, []pendingEvent{{key: EventOrderCancelled, payload: OrderEvent{
		OrderID:       order.ID,
		UserID:        order.UserID,
		TransactionID: txnID,
		Total:         order.Total,
		Currency:      order.Currency,
		Reason:        reason,
		OccurredAt:    r.now(),
	}}})
}

// InquireStatus asks the provider for the state of a transaction. Local state is not changed.
func (r *Reconciler) InquireStatus(ctx context.Context, txnID string) (*StatusReport, error) {
	txn, err := r.ledger.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	inq, err := retry.Do(ctx, r.retry, func(ctx context.Context) (gateways.Inquiry, error) {
		return r.gateways.InquireStatus(ctx, txn)
	})
	if err != nil {
		return nil, err
	}
	return &StatusReport{Transaction: txn, Provider: inq}, nil
}

func (r *Reconciler) currentOutcome(ctx context.Context, txnID string) (*Outcome, error) {
	txn, err := r.ledger.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	return outcomeOf(txn, false), nil
}

func outcomeOf(txn *models.Transaction, replayed bool) *Outcome {
	out := &Outcome{
		TransactionID: txn.ID,
		OrderID:       txn.OrderID,
		Status:        txn.Status,
		Replayed:      replayed,
		Reason:        txn.ReconcileReason,
	}
	switch txn.Status {
	case models.TxnSettled:
		out.Result = ResultSettled
	case models.TxnVerified:
		out.Result = ResultVerified
	case models.TxnFailed, models.TxnReverted, models.TxnCancelled:
		out.Result = ResultFailed
		out.Reason = txn.FailureReason
		if out.Reason == "" {
			out.Reason = string(txn.Status)
		}
	default:
		out.Result = ResultPending
	}
	return out
}
