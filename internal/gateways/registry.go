package gateways

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"tokopay/internal/apperrors"
	"tokopay/internal/models"
	"tokopay/pkg/metrics"
)

// Registry resolves gateways by name and guards every provider call with the
// transaction-state rules that hold for all providers.
type Registry struct {
	gateways map[string]Gateway
	metrics  *metrics.Metrics
}

// NewRegistry creates a registry over gws. m may be nil.
func NewRegistry(m *metrics.Metrics, gws ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gws)), metrics: m}
	for _, g := range gws {
		r.Register(g)
	}
	return r
}

// Register adds or replaces a gateway.
func (r *Registry) Register(g Gateway) {
	r.gateways[strings.ToLower(g.Name())] = g
}

// Get returns the gateway registered under name, matched case-insensitively.
func (r *Registry) Get(name string) (Gateway, error) {
	g, ok := r.gateways[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnsupportedGateway, name)
	}
	return g, nil
}

// Names lists the registered gateways in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Initiate starts a payment on the named gateway.
func (r *Registry) Initiate(ctx context.Context, name string, req PaymentRequest) (RedirectInstruction, error) {
	g, err := r.Get(name)
	if err != nil {
		return RedirectInstruction{}, err
	}
	start := time.Now()
	out, err := g.Initiate(ctx, req)
	r.observe(g.Name(), "initiate", err, start)
	return out, err
}

// Verify verifies a callback. A transaction that already passed verification returns the
// recorded result without contacting the provider again.
func (r *Registry) Verify(ctx context.Context, txn *models.Transaction, raw []byte) (Verification, error) {
	g, err := r.Get(txn.Gateway)
	if err != nil {
		return Verification{}, err
	}
	if txn.VerifiedAt != nil && (txn.Status == models.TxnVerified || txn.Status == models.TxnSettled) {
		return Verification{Amount: txn.VerifiedAmount, ProviderStatus: txn.ProviderStatus, Cached: true}, nil
	}
	if !txn.Status.IsOpen() {
		return Verification{}, fmt.Errorf("%w: cannot verify a %s transaction", apperrors.ErrInvalidTransition, txn.Status)
	}
	start := time.Now()
	out, err := g.Verify(ctx, txn, raw)
	r.observe(g.Name(), "verify", err, start)
	return out, err
}

// InquireStatus polls the provider. Gateways without inquiry support report unknown.
func (r *Registry) InquireStatus(ctx context.Context, txn *models.Transaction) (Inquiry, error) {
	g, err := r.Get(txn.Gateway)
	if err != nil {
		return Inquiry{}, err
	}
	inquirer, ok := g.(StatusInquirer)
	if !ok {
		return Inquiry{State: StateUnknown}, nil
	}
	start := time.Now()
	out, err := inquirer.InquireStatus(ctx, txn)
	r.observe(g.Name(), "inquire_status", err, start)
	return out, err
}

// Settle captures a verified deferred-settlement payment.
func (r *Registry) Settle(ctx context.Context, txn *models.Transaction) (Receipt, error) {
	g, err := r.Get(txn.Gateway)
	if err != nil {
		return Receipt{}, err
	}
	if txn.Status != models.TxnVerified {
		return Receipt{}, fmt.Errorf("%w: settle requires a verified transaction, got %s", apperrors.ErrInvalidTransition, txn.Status)
	}
	settler, ok := g.(Settler)
	if !ok {
		return Receipt{}, fmt.Errorf("%w: %s does not settle separately", apperrors.ErrUnsupportedOperation, g.Name())
	}
	start := time.Now()
	out, err := settler.Settle(ctx, txn)
	r.observe(g.Name(), "settle", err, start)
	return out, err
}

// Revert reverses a payment before settlement. Only a verified transaction can be reverted.
func (r *Registry) Revert(ctx context.Context, txn *models.Transaction) (Receipt, error) {
	g, err := r.Get(txn.Gateway)
	if err != nil {
		return Receipt{}, err
	}
	if txn.Status != models.TxnVerified {
		return Receipt{}, fmt.Errorf("%w: revert is only possible before settlement, transaction is %s", apperrors.ErrUnsupportedOperation, txn.Status)
	}
	reverter, ok := g.(Reverter)
	if !ok {
		return Receipt{}, fmt.Errorf("%w: %s cannot revert", apperrors.ErrUnsupportedOperation, g.Name())
	}
	start := time.Now()
	out, err := reverter.Revert(ctx, txn)
	r.observe(g.Name(), "revert", err, start)
	return out, err
}

// Cancel cancels a payment after settlement. Only a settled transaction can be cancelled.
func (r *Registry) Cancel(ctx context.Context, txn *models.Transaction) (Receipt, error) {
	g, err := r.Get(txn.Gateway)
	if err != nil {
		return Receipt{}, err
	}
	if txn.Status != models.TxnSettled {
		return Receipt{}, fmt.Errorf("%w: cancel is only possible after settlement, transaction is %s", apperrors.ErrUnsupportedOperation, txn.Status)
	}
	canceller, ok := g.(Canceller)
	if !ok {
		return Receipt{}, fmt.Errorf("%w: %s cannot cancel", apperrors.ErrUnsupportedOperation, g.Name())
	}
	start := time.Now()
	out, err := canceller.Cancel(ctx, txn)
	r.observe(g.Name(), "cancel", err, start)
	return out, err
}

func (r *Registry) observe(gateway, op string, err error, start time.Time) {
	result := "ok"
	if err != nil {
		result = string(apperrors.KindOf(err))
	}
	r.metrics.ObserveGatewayCall(gateway, op, result, time.Since(start))
}
