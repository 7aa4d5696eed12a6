package gateways

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"tokopay/internal/apperrors"
)

// Gateway names as used in routes and on persisted transactions.
const (
	MellatName   = "mellat"
	SnappPayName = "snapppay"
	WalletName   = "wallet"
)

// Callback is one provider's callback payload. The set of implementations is closed.
type Callback interface {
	gatewayName() string
	token() string
}

// MellatCallback is the form Behpardakht posts back after the bank page.
type MellatCallback struct {
	RefID           string `json:"RefId" validate:"required"`
	ResCode         string `json:"ResCode" validate:"required"`
	SaleOrderID     int64  `json:"SaleOrderId"`
	SaleReferenceID int64  `json:"SaleReferenceId"`
	CardHolderPan   string `json:"CardHolderPan,omitempty"`
	FinalAmount     int64  `json:"FinalAmount,omitempty"`
}

func (MellatCallback) gatewayName() string { return MellatName }
func (c MellatCallback) token() string     { return c.RefID }

// SnappPayCallback is the redirect SnappPay sends after the installment page.
type SnappPayCallback struct {
	TransactionID string `json:"transactionId" validate:"required"`
	State         string `json:"state" validate:"required"`
	Amount        int64  `json:"amount,omitempty"`
}

func (SnappPayCallback) gatewayName() string { return SnappPayName }
func (c SnappPayCallback) token() string     { return c.TransactionID }

// WalletCallback confirms an internal wallet payment.
type WalletCallback struct {
	Token string `json:"token" validate:"required"`
}

func (WalletCallback) gatewayName() string { return WalletName }
func (c WalletCallback) token() string     { return c.Token }

// Envelope is the provider-agnostic form of a callback.
type Envelope struct {
	Gateway string
	Token   string
	Raw     []byte
}

var validate = validator.New()

// Normalize validates cb and turns it into an Envelope.
func Normalize(cb Callback) (Envelope, error) {
	if cb == nil {
		return Envelope{}, fmt.Errorf("%w: empty callback", apperrors.ErrInvalidInput)
	}
	if err := validate.Struct(cb); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s callback: %v", apperrors.ErrInvalidInput, cb.gatewayName(), err)
	}
	raw, err := json.Marshal(cb)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s callback: %w", cb.gatewayName(), err)
	}
	return Envelope{Gateway: cb.gatewayName(), Token: strings.TrimSpace(cb.token()), Raw: raw}, nil
}

// DecodeCallback builds the typed callback of gateway from flat request parameters
// (query string, form fields or a flat JSON object).
func DecodeCallback(gateway string, params map[string]string) (Callback, error) {
	get := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := params[k]; ok {
				return strings.TrimSpace(v)
			}
		}
		return ""
	}
	switch strings.ToLower(strings.TrimSpace(gateway)) {
	case MellatName:
		cb := MellatCallback{
			RefID:         get("RefId", "refId"),
			ResCode:       get("ResCode", "resCode"),
			CardHolderPan: get("CardHolderPan"),
		}
		var err error
		if cb.SaleOrderID, err = parseOptionalInt(get("SaleOrderId", "saleOrderId")); err != nil {
			return nil, err
		}
		if cb.SaleReferenceID, err = parseOptionalInt(get("SaleReferenceId", "saleReferenceId")); err != nil {
			return nil, err
		}
		if cb.FinalAmount, err = parseOptionalInt(get("FinalAmount", "finalAmount")); err != nil {
			return nil, err
		}
		return cb, nil
	case SnappPayName:
		amount, err := parseOptionalInt(get("amount"))
		if err != nil {
			return nil, err
		}
		return SnappPayCallback{
			TransactionID: get("transactionId"),
			State:         get("state"),
			Amount:        amount,
		}, nil
	case WalletName:
		return WalletCallback{Token: get("token")}, nil
	}
	return nil, fmt.Errorf("%w: %s", apperrors.ErrUnsupportedGateway, gateway)
}

func parseOptionalInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(strings.ReplaceAll(s, ",", ""), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", apperrors.ErrInvalidInput, s)
	}
	return n, nil
}

func decodeRaw[T any](gateway string, raw []byte) (T, error) {
	var cb T
	if len(raw) == 0 {
		return cb, fmt.Errorf("%w: missing %s callback payload", apperrors.ErrInvalidInput, gateway)
	}
	if err := json.Unmarshal(raw, &cb); err != nil {
		return cb, fmt.Errorf("%w: malformed %s callback payload", apperrors.ErrInvalidInput, gateway)
	}
	return cb, nil
}
