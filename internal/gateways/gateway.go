// Package gateways adapts external payment providers to one capability-based contract.
package gateways

import (
	"context"

	"tokopay/internal/models"
)

// PaymentRequest is what a gateway needs to start collecting money for a transaction.
type PaymentRequest struct {
	TransactionID string
	OrderID       string
	UserID        string
	Purpose       models.Purpose
	Amount        int64
	Currency      string
	CallbackURL   string
	Mobile        string
	ShippingCost  int64
	DiscountTotal int64
	Items         []LineItem
}

// LineItem is an order line as reported to providers that want the basket.
type LineItem struct {
	VariantID string
	Name      string
	Category  string
	Quantity  int
	Amount    int64
}

// RedirectInstruction tells the client where to continue the payment.
// Token is the value the provider echoes back on callback.
type RedirectInstruction struct {
	Token             string            `json:"-"`
	ProviderReference string            `json:"-"`
	URL               string            `json:"url"`
	Method            string            `json:"method"`
	Params            map[string]string `json:"params,omitempty"`
	Raw               []byte            `json:"-"`
}

// Verification is the provider-confirmed outcome of a payment.
type Verification struct {
	Amount            int64
	ProviderStatus    string
	ProviderReference string
	Raw               []byte
	Cached            bool
}

// Receipt is the provider answer to a settle, revert or cancel call.
type Receipt struct {
	ProviderStatus string
	Raw            []byte
}

// ProviderState is a provider-reported state normalised across gateways.
type ProviderState string

const (
	StatePending   ProviderState = "pending"
	StateVerified  ProviderState = "verified"
	StateSettled   ProviderState = "settled"
	StateFailed    ProviderState = "failed"
	StateReverted  ProviderState = "reverted"
	StateCancelled ProviderState = "cancelled"
	StateUnknown   ProviderState = "unknown"
)

// Inquiry is an out-of-band status report. It never changes local state.
type Inquiry struct {
	State          ProviderState `json:"state"`
	ProviderStatus string        `json:"provider_status,omitempty"`
	Amount         int64         `json:"amount,omitempty"`
	Raw            []byte        `json:"-"`
}

// Gateway is the capability every provider has.
type Gateway interface {
	Name() string
	// SettlesOnVerify reports whether a successful Verify already captured the funds.
	SettlesOnVerify() bool
	Initiate(ctx context.Context, req PaymentRequest) (RedirectInstruction, error)
	Verify(ctx context.Context, txn *models.Transaction, raw []byte) (Verification, error)
}

// StatusInquirer polls the provider for the state of a transaction.
type StatusInquirer interface {
	InquireStatus(ctx context.Context, txn *models.Transaction) (Inquiry, error)
}

// Settler finalises a verified deferred-settlement payment.
type Settler interface {
	Settle(ctx context.Context, txn *models.Transaction) (Receipt, error)
}

// Reverter reverses a verified payment before settlement.
type Reverter interface {
	Revert(ctx context.Context, txn *models.Transaction) (Receipt, error)
}

// Canceller cancels a settled payment.
type Canceller interface {
	Cancel(ctx context.Context, txn *models.Transaction) (Receipt, error)
}

// Capability names one operation a gateway may support.
type Capability string

const (
	CapInitiate Capability = "initiate"
	CapVerify   Capability = "verify"
	CapInquire  Capability = "inquire_status"
	CapSettle   Capability = "settle"
	CapRevert   Capability = "revert"
	CapCancel   Capability = "cancel"
)

// Capabilities lists the operations g implements.
func Capabilities(g Gateway) []Capability {
	caps := []Capability{CapInitiate, CapVerify}
	if _, ok := g.(StatusInquirer); ok {
		caps = append(caps, CapInquire)
	}
	if _, ok := g.(Settler); ok {
		caps = append(caps, CapSettle)
	}
	if _, ok := g.(Reverter); ok {
		caps = append(caps, CapRevert)
	}
	if _, ok := g.(Canceller); ok {
		caps = append(caps, CapCancel)
	}
	return caps
}

// Supports reports whether g implements c.
func Supports(g Gateway, c Capability) bool {
	for _, have := range Capabilities(g) {
		if have == c {
			return true
		}
	}
	return false
}
