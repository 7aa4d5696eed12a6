// Package apperrors defines the error taxonomy shared by the payment core.
package apperrors

import "errors"

// Kind classifies an error for propagation and retry decisions.
type Kind string

const (
	// KindValidation is bad caller input. Never retried.
	KindValidation Kind = "validation"
	// KindNotFound is a missing entity referenced by the caller.
	KindNotFound Kind = "not_found"
	// KindConflict is a state conflict; the caller must change input before retrying.
	KindConflict Kind = "conflict"
	// KindTransient is a network or availability failure talking to a payment provider.
	KindTransient Kind = "transient_provider"
	// KindIntegrity is an unknown callback token or a duplicate settlement attempt.
	KindIntegrity Kind = "integrity"
	// KindDeclined is an explicit failure reported by a payment provider.
	KindDeclined Kind = "declined"
	// KindInternal is anything else.
	KindInternal Kind = "internal"
)

// Error is a classified error. Sentinels are compared by Code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a sentinel error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap attaches a cause to a copy of the sentinel so errors.Is still matches it.
func Wrap(sentinel *Error, cause error) error {
	if cause == nil {
		return sentinel
	}
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Message: sentinel.Message, Err: cause}
}

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of the first classified error in the chain, or "internal_error".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal_error"
}

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

var (
	ErrInvalidInput    = New(KindValidation, "invalid_input", "invalid input")
	ErrEmptyCart       = New(KindValidation, "empty_cart", "cart has no items")
	ErrCartNotFound    = New(KindNotFound, "cart_not_found", "cart not found")
	ErrVariantNotFound = New(KindNotFound, "variant_not_found", "variant not found")
	ErrOrderNotFound   = New(KindNotFound, "order_not_found", "order not found")

	ErrDiscountInvalid       = New(KindValidation, "discount_invalid", "discount code is not valid")
	ErrDiscountExpired       = New(KindValidation, "discount_expired", "discount code has expired")
	ErrDiscountScopeMismatch = New(KindValidation, "discount_scope_mismatch", "discount does not apply to any cart item")
	ErrUnsupportedGateway    = New(KindValidation, "unsupported_gateway", "payment gateway is not available")

	ErrInsufficientStock    = New(KindConflict, "insufficient_stock", "insufficient stock")
	ErrInsufficientBalance  = New(KindConflict, "insufficient_balance", "insufficient wallet balance")
	ErrOrderNotPayable      = New(KindConflict, "order_not_payable", "order is not payable in its current state")
	ErrAmountMismatch       = New(KindConflict, "amount_mismatch", "verified amount does not match transaction amount")
	ErrInvalidTransition    = New(KindConflict, "invalid_transition", "illegal status transition")
	ErrUnsupportedOperation = New(KindConflict, "unsupported_operation", "operation is not supported for this transaction")
	ErrConcurrentUpdate     = New(KindConflict, "concurrent_update", "record was modified concurrently")

	ErrTransactionNotFound = New(KindIntegrity, "transaction_not_found", "transaction not found")
	ErrDuplicateSettlement = New(KindIntegrity, "duplicate_settlement", "transaction already settled")

	ErrTransientProvider = New(KindTransient, "provider_unavailable", "payment provider unavailable")
	ErrPaymentDeclined   = New(KindDeclined, "payment_declined", "payment declined by provider")
)
