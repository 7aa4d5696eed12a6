package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"tokopay/internal/apperrors"
	"tokopay/internal/gateways"
	"tokopay/internal/models"
	"tokopay/pkg/logger"
	"tokopay/pkg/metrics"
)

var tracer = otel.Tracer("tokopay/internal/services")

// FinalizeRequest turns a cart into a payable order on one gateway.
type FinalizeRequest struct {
	UserID    string
	CartID    string
	AddressID string
	Gateway   string
	Mobile    string
}

// FinalizeResult is what the client needs to continue the payment.
type FinalizeResult struct {
	OrderID       string                       `json:"order_id"`
	TransactionID string                       `json:"transaction_id"`
	Total         int64                        `json:"total"`
	Currency      string                       `json:"currency"`
	Redirect      gateways.RedirectInstruction `json:"redirect"`
}

// CheckoutService finalizes carts into orders and starts their payments.
type CheckoutService struct {
	carts         *CartAggregator
	ledger        *OrderLedger
	gateways      *gateways.Registry
	shipping      ShippingQuoter
	events        EventPublisher
	metrics       *metrics.Metrics
	log           *zap.Logger
	publicBaseURL string
	currency      string
	now           func() time.Time
}

// CheckoutOption configures a CheckoutService.
type CheckoutOption func(*CheckoutService)

// WithShipping sets the shipping quoter. The default charges nothing.
func WithShipping(q ShippingQuoter) CheckoutOption {
	return func(s *CheckoutService) { s.shipping = q }
}

// WithCheckoutEvents sets the publisher of transaction.failed events.
func WithCheckoutEvents(p EventPublisher) CheckoutOption {
	return func(s *CheckoutService) { s.events = p }
}

// WithCheckoutMetrics sets the metrics sink.
func WithCheckoutMetrics(m *metrics.Metrics) CheckoutOption {
	return func(s *CheckoutService) { s.metrics = m }
}

// NewCheckoutService creates a new CheckoutService. Callback URLs are built under publicBaseURL.
func NewCheckoutService(carts *CartAggregator, ledger *OrderLedger, registry *gateways.Registry,
	publicBaseURL, currency string, log *zap.Logger, opts ...CheckoutOption) *CheckoutService {
	s := &CheckoutService{
		carts:         carts,
		ledger:        ledger,
		gateways:      registry,
		shipping:      FlatRateShipping{},
		log:           logger.OrNop(log).Named("checkout"),
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		currency:      currency,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CallbackURL is where gateway redirects the customer back to.
func (s *CheckoutService) CallbackURL(gateway string) string {
	return s.publicBaseURL + "/api/v1/payments/" + strings.ToLower(gateway) + "/callback"
}

// Finalize prices the cart, snapshots it into an order, reserves its stock and initiates
// payment on the chosen gateway.
func (s *CheckoutService) Finalize(ctx context.Context, req FinalizeRequest) (*FinalizeResult, error) {
	ctx, span := tracer.Start(ctx, "checkout.finalize")
	defer span.End()
	span.SetAttributes(attribute.String("gateway", req.Gateway), attribute.String("cart_id", req.CartID))

	result, err := s.finalize(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperrors.CodeOf(err))
		return nil, err
	}
	span.SetAttributes(attribute.String("order_id", result.OrderID))
	return result, nil
}

func (s *CheckoutService) finalize(ctx context.Context, req FinalizeRequest) (*FinalizeResult, error) {
	if strings.TrimSpace(req.AddressID) == "" {
		return nil, fmt.Errorf("%w: address is required", apperrors.ErrInvalidInput)
	}
	gw, err := s.gateways.Get(req.Gateway)
	if err != nil {
		return nil, err
	}

	cart, err := s.carts.GetCart(ctx, req.UserID, req.CartID)
	if err != nil {
		return nil, err
	}
	priced, err := s.carts.Price(ctx, cart)
	if err != nil {
		return nil, err
	}
	adj, err := s.carts.ApplyDiscount(ctx, priced, cart.DiscountCode, s.now())
	if err != nil {
		return nil, err
	}
	merchandise := priced.Subtotal
	if adj != nil {
		merchandise -= adj.Total
	}

	order, err := s.ledger.CreateOrderFromCart(ctx, NewOrder{
		UserID:       req.UserID,
		CartID:       cart.ID,
		AddressID:    req.AddressID,
		Currency:     s.currency,
		Lines:        priced.Lines,
		Adjustment:   adj,
		ShippingCost: s.shipping.Quote(req.AddressID, merchandise),
	})
	if err != nil {
		return nil, err
	}

	if err := s.ledger.ReserveStock(ctx, order.ID); err != nil {
		s.metrics.StockReserveFailed()
		if _, cerr := s.ledger.CancelOrder(ctx, order.ID, "insufficient_stock"); cerr != nil {
			s.log.Error("failed to cancel unreservable order", zap.String("order_id", order.ID), zap.Error(cerr))
		}
		return nil, err
	}

	result, err := s.startPayment(ctx, order, gw.Name(), req.Mobile, priced.Lines)
	if err != nil {
		return nil, err
	}
	s.metrics.OrderFinalized(gw.Name())
	s.log.Info("order finalized",
		zap.String("order_id", order.ID),
		zap.String("transaction_id", result.TransactionID),
		zap.String("gateway", gw.Name()),
		zap.Int64("total", order.Total))
	return result, nil
}

// RetryPayment opens a new payment attempt for an unpaid order of userID.
func (s *CheckoutService) RetryPayment(ctx context.Context, userID, orderID, gateway, mobile string) (*FinalizeResult, error) {
	ctx, span := tracer.Start(ctx, "checkout.retry_payment")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", orderID), attribute.String("gateway", gateway))

	gw, err := s.gateways.Get(gateway)
	if err != nil {
		return nil, err
	}
	order, err := s.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, fmt.Errorf("%w: order with ID %s", apperrors.ErrOrderNotFound, orderID)
	}
	if !order.Status.IsPayable() {
		return nil, fmt.Errorf("%w: order %s is %s", apperrors.ErrOrderNotPayable, orderID, order.Status)
	}
	if err := s.ledger.ReserveStock(ctx, order.ID); err != nil {
		s.metrics.StockReserveFailed()
		return nil, err
	}
	ids := make([]string, 0, len(order.Items))
	for _, item := range order.Items {
		ids = append(ids, item.VariantID)
	}
	variants, err := s.carts.Variants(ctx, ids)
	if err != nil {
		return nil, err
	}
	lines := make([]PricedLine, 0, len(order.Items))
	for _, item := range order.Items {
		v := variants[item.VariantID]
		lines = append(lines, PricedLine{
			VariantID:   item.VariantID,
			ProductName: v.ProductName,
			CategoryID:  v.CategoryID,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
		})
	}

	result, err := s.startPayment(ctx, order, gw.Name(), mobile, lines)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperrors.CodeOf(err))
		return nil, err
	}
	return result, nil
}

// startPayment opens a transaction and asks the gateway for a redirect. A failed initiate
// fails the attempt, marks the order PaymentFailed and gives the stock back.
func (s *CheckoutService) startPayment(ctx context.Context, order *models.Order, gateway, mobile string, lines []PricedLine) (*FinalizeResult, error) {
	txn, err := s.ledger.OpenTransaction(ctx, order.ID, gateway)
	if err != nil {
		return nil, err
	}

	items := make([]gateways.LineItem, 0, len(lines))
	for _, line := range lines {
		items = append(items, gateways.LineItem{
			VariantID: line.VariantID,
			Name:      line.ProductName,
			Category:  line.CategoryID,
			Quantity:  line.Quantity,
			Amount:    line.UnitPrice,
		})
	}
	redirect, err := s.gateways.Initiate(ctx, gateway, gateways.PaymentRequest{
		TransactionID: txn.ID,
		OrderID:       order.ID,
		UserID:        order.UserID,
		Purpose:       txn.Purpose,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		CallbackURL:   s.CallbackURL(gateway),
		Mobile:        mobile,
		ShippingCost:  order.ShippingCost,
		DiscountTotal: order.DiscountTotal,
		Items:         items,
	})
	if err != nil {
		s.abandonAttempt(ctx, order, txn, err)
		return nil, err
	}

	if _, err := s.ledger.RecordRedirect(ctx, txn.ID, redirect.Token, redirect.ProviderReference, redirect.Raw); err != nil {
		return nil, fmt.Errorf("failed to record redirect of transaction %s: %w", txn.ID, err)
	}
	return &FinalizeResult{
		OrderID:       order.ID,
		TransactionID: txn.ID,
		Total:         order.Total,
		Currency:      order.Currency,
		Redirect:      redirect,
	}, nil
}

func (s *CheckoutService) abandonAttempt(ctx context.Context, order *models.Order, txn *models.Transaction, cause error) {
	log := s.log.With(zap.String("order_id", order.ID), zap.String("transaction_id", txn.ID))
	log.Warn("gateway initiate failed", zap.String("gateway", txn.Gateway), zap.Error(cause))

	if _, err := s.ledger.MarkFailed(ctx, txn.ID, "initiate_failed", nil); err != nil {
		log.Error("failed to fail transaction", zap.Error(err))
	}
	if _, err := s.ledger.MarkOrderPaymentFailed(ctx, order.ID); err != nil {
		log.Error("failed to mark order payment failed", zap.Error(err))
	}
	if _, err := s.ledger.ReleaseStock(ctx, order.ID); err != nil {
		log.Error("failed to release stock", zap.Error(err))
	}
	publishAll(ctx, s.events, s.log, []pendingEvent{{
		key: EventTransactionFailed,
		payload: TransactionEvent{
			TransactionID: txn.ID,
			OrderID:       order.ID,
			UserID:        order.UserID,
			Gateway:       txn.Gateway,
			Amount:        txn.Amount,
			Reason:        "initiate_failed",
			OccurredAt:    s.now(),
		},
	}})
}
