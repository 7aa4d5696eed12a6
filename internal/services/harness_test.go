package services_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"tokopay/internal/apperrors"
	"tokopay/internal/gateways"
	"tokopay/internal/models"
	"tokopay/internal/repositories"
	"tokopay/internal/services"
	"tokopay/pkg/locker"
	"tokopay/pkg/metrics"
	"tokopay/pkg/retry"
)

// fakeGateway is a scriptable provider. Without settlesOnVerify it behaves like a
// deferred-settlement gateway; it never implements cancel.
type fakeGateway struct {
	mu              sync.Mutex
	name            string
	settlesOnVerify bool
	verifyAmount    int64 // overrides the verified amount when non-zero
	verifyErr       error
	settleErr       error
	revertErr       error
	initiateErr     error
	inquiryErr      error
	inquiry         gateways.Inquiry
	calls           map[string]int
}

func newFakeGateway(name string, settlesOnVerify bool) *fakeGateway {
	return &fakeGateway{name: name, settlesOnVerify: settlesOnVerify, calls: make(map[string]int)}
}

func (f *fakeGateway) count(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
}

func (f *fakeGateway) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeGateway) set(fn func(f *fakeGateway)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeGateway) Name() string          { return f.name }
func (f *fakeGateway) SettlesOnVerify() bool { return f.settlesOnVerify }

func (f *fakeGateway) Initiate(_ context.Context, req gateways.PaymentRequest) (gateways.RedirectInstruction, error) {
	f.count("initiate")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initiateErr != nil {
		return gateways.RedirectInstruction{}, f.initiateErr
	}
	token := "tok-" + req.TransactionID
	return gateways.RedirectInstruction{
		Token:             token,
		ProviderReference: "ref-" + req.TransactionID,
		URL:               "https://pay.example/" + token,
		Method:            "GET",
	}, nil
}

func (f *fakeGateway) Verify(_ context.Context, txn *models.Transaction, _ []byte) (gateways.Verification, error) {
	f.count("verify")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.verifyErr != nil {
		return gateways.Verification{}, f.verifyErr
	}
	amount := txn.Amount
	if f.verifyAmount != 0 {
		amount = f.verifyAmount
	}
	return gateways.Verification{Amount: amount, ProviderStatus: "OK"}, nil
}

func (f *fakeGateway) Settle(_ context.Context, _ *models.Transaction) (gateways.Receipt, error) {
	f.count("settle")
	f.mu.Lock()
	defer f.mu.Unlock()
	return gateways.Receipt{ProviderStatus: "SETTLE"}, f.settleErr
}

func (f *fakeGateway) Revert(_ context.Context, _ *models.Transaction) (gateways.Receipt, error) {
	f.count("revert")
	f.mu.Lock()
	defer f.mu.Unlock()
	return gateways.Receipt{ProviderStatus: "REVERT"}, f.revertErr
}

func (f *fakeGateway) InquireStatus(_ context.Context, _ *models.Transaction) (gateways.Inquiry, error) {
	f.count("inquire")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inquiry, f.inquiryErr
}

// recordingBus keeps published events in memory.
type recordingBus struct {
	mu     sync.Mutex
	events []string
	bodies [][]byte
}

func (b *recordingBus) Publish(_ context.Context, routingKey string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, routingKey)
	b.bodies = append(b.bodies, body)
	return nil
}

func (b *recordingBus) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

// Last returns the most recent body published under key.
func (b *recordingBus) Last(key string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.events) - 1; i >= 0; i-- {
		if b.events[i] == key {
			return b.bodies[i]
		}
	}
	return nil
}

type harness struct {
	ctx        context.Context
	orders     *repositories.MockOrderRepository
	txns       *repositories.MockTransactionRepository
	variants   *repositories.MockVariantRepository
	stock      *repositories.MockStockRepository
	carts      *repositories.MockCartRepository
	discounts  *repositories.MockDiscountRepository
	wallets    *repositories.MockWalletRepository
	ledger     *services.OrderLedger
	aggregator *services.CartAggregator
	registry   *gateways.Registry
	checkout   *services.CheckoutService
	reconciler *services.Reconciler
	wallet     *services.WalletService
	deferred   *fakeGateway
	capture    *fakeGateway
	bus        *recordingBus
	metrics    *metrics.Metrics
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	reconcilerOpts []services.ReconcilerOption
}

func withReconcilerOptions(opts ...services.ReconcilerOption) harnessOption {
	return func(c *harnessConfig) { c.reconcilerOpts = append(c.reconcilerOpts, opts...) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	var cfg harnessConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &harness{
		ctx:       context.Background(),
		orders:    repositories.NewMockOrderRepository(),
		txns:      repositories.NewMockTransactionRepository(),
		variants:  repositories.NewMockVariantRepository(),
		stock:     repositories.NewMockStockRepository(),
		carts:     repositories.NewMockCartRepository(),
		discounts: repositories.NewMockDiscountRepository(),
		wallets:   repositories.NewMockWalletRepository(),
		deferred:  newFakeGateway("deferred", false),
		capture:   newFakeGateway("capture", true),
		bus:       &recordingBus{},
		metrics:   metrics.New(prometheus.NewRegistry()),
	}
	tx := repositories.NewMemoryTransactor()
	stockLedger := services.NewStockLedger(h.stock, nil)
	h.ledger = services.NewOrderLedger(h.orders, h.txns, stockLedger, tx, nil)
	h.aggregator = services.NewCartAggregator(h.carts, h.variants, h.discounts, nil)
	h.registry = gateways.NewRegistry(h.metrics,
		h.deferred,
		capturingOnly{h.capture},
		gateways.NewWallet(h.wallets),
	)
	h.checkout = services.NewCheckoutService(h.aggregator, h.ledger, h.registry, "https://shop.example/", "IRR", nil,
		services.WithCheckoutEvents(h.bus), services.WithCheckoutMetrics(h.metrics))

	reconcilerOpts := append([]services.ReconcilerOption{
		services.WithRetryPolicy(retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1}),
		services.WithEvents(h.bus),
		services.WithMetrics(h.metrics),
	}, cfg.reconcilerOpts...)
	h.reconciler = services.NewReconciler(services.ReconcilerDeps{
		Ledger:       h.ledger,
		Orders:       h.orders,
		Transactions: h.txns,
		Carts:        h.carts,
		Discounts:    h.discounts,
		Wallets:      h.wallets,
		Gateways:     h.registry,
		Locker:       locker.NewKeyedMutex(),
		Transactor:   tx,
	}, nil, reconcilerOpts...)
	h.wallet = services.NewWalletService(h.wallets, h.ledger, h.registry, h.checkout, "IRR", nil)
	return h
}

// capturingOnly hides the settle, revert and inquiry methods of a fake so it only verifies.
type capturingOnly struct {
	f *fakeGateway
}

func (c capturingOnly) Name() string          { return c.f.Name() }
func (c capturingOnly) SettlesOnVerify() bool { return true }
func (c capturingOnly) Initiate(ctx context.Context, req gateways.PaymentRequest) (gateways.RedirectInstruction, error) {
	return c.f.Initiate(ctx, req)
}
func (c capturingOnly) Verify(ctx context.Context, txn *models.Transaction, raw []byte) (gateways.Verification, error) {
	return c.f.Verify(ctx, txn, raw)
}

func (h *harness) seedVariant(t *testing.T, id, category string, price int64, count int) {
	t.Helper()
	require.NoError(t, h.variants.Create(h.ctx, &models.Variant{ID: id, ProductName: "Product " + id, CategoryID: category, Price: price}))
	require.NoError(t, h.stock.Set(h.ctx, id, count))
}

func (h *harness) seedCart(t *testing.T, userID, discountCode string, lines map[string]int) *models.Cart {
	t.Helper()
	cart := &models.Cart{ID: fmt.Sprintf("cart-%s-%d", userID, time.Now().UnixNano()), UserID: userID, DiscountCode: discountCode}
	for variantID, qty := range lines {
		cart.Items = append(cart.Items, models.CartItem{VariantID: variantID, Quantity: qty})
	}
	require.NoError(t, h.carts.Create(h.ctx, cart))
	return cart
}

func (h *harness) available(t *testing.T, variantID string) int {
	t.Helper()
	rec, err := h.stock.Get(h.ctx, variantID)
	require.NoError(t, err)
	return rec.Count
}

func (h *harness) finalize(t *testing.T, userID, gateway string, lines map[string]int) *services.FinalizeResult {
	t.Helper()
	cart := h.seedCart(t, userID, "", lines)
	res, err := h.checkout.Finalize(h.ctx, services.FinalizeRequest{UserID: userID, CartID: cart.ID, AddressID: "addr-1", Gateway: gateway})
	require.NoError(t, err)
	return res
}

func (h *harness) callback(gateway, token string) gateways.Envelope {
	return gateways.Envelope{Gateway: gateway, Token: token, Raw: []byte(`{"state":"OK"}`)}
}

func (h *harness) txn(t *testing.T, id string) *models.Transaction {
	t.Helper()
	txn, err := h.txns.GetByID(h.ctx, id)
	require.NoError(t, err)
	return txn
}

func (h *harness) order(t *testing.T, id string) *models.Order {
	t.Helper()
	order, err := h.orders.GetByID(h.ctx, id)
	require.NoError(t, err)
	return order
}

var errProviderDown = apperrors.Wrap(apperrors.ErrTransientProvider, fmt.Errorf("connection reset"))
