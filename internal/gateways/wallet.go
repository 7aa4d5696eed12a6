package gateways

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"tokopay/internal/apperrors"
	"tokopay/internal/models"
)

// WalletStore is the balance store the wallet gateway pays from. Debits and refunds are
// keyed by the paying transaction, so repeating either for a transaction changes nothing.
type WalletStore interface {
	Debit(ctx context.Context, userID, transactionID string, amount int64) error
	Refund(ctx context.Context, userID, transactionID string) error
}

// Wallet pays orders from the customer's internal balance.
type Wallet struct {
	store WalletStore
}

// NewWallet creates the internal wallet gateway.
func NewWallet(store WalletStore) *Wallet {
	return &Wallet{store: store}
}

func (w *Wallet) Name() string          { return WalletName }
func (w *Wallet) SettlesOnVerify() bool { return true }

// Initiate issues a one-time token; the customer confirms by following the callback URL.
func (w *Wallet) Initiate(_ context.Context, req PaymentRequest) (RedirectInstruction, error) {
	if req.Purpose == models.PurposeWalletTopUp {
		return RedirectInstruction{}, fmt.Errorf("%w: a wallet cannot fund its own top-up", apperrors.ErrUnsupportedOperation)
	}
	if req.Amount <= 0 {
		return RedirectInstruction{}, fmt.Errorf("%w: amount must be positive", apperrors.ErrInvalidInput)
	}
	token := uuid.New().String()
	target, err := url.Parse(req.CallbackURL)
	if err != nil {
		return RedirectInstruction{}, fmt.Errorf("%w: bad callback url", apperrors.ErrInvalidInput)
	}
	q := target.Query()
	q.Set("token", token)
	target.RawQuery = q.Encode()
	return RedirectInstruction{
		Token:  token,
		URL:    target.String(),
		Method: "GET",
	}, nil
}

// Verify debits the wallet by the transaction amount. An uncovered amount is a decline.
// Verifying a transaction again after its debit went through reports the same debit.
func (w *Wallet) Verify(ctx context.Context, txn *models.Transaction, raw []byte) (Verification, error) {
	cb, err := decodeRaw[WalletCallback](WalletName, raw)
	if err != nil {
		return Verification{}, err
	}
	if cb.Token != txn.TokenValue() {
		return Verification{}, fmt.Errorf("%w: wallet token does not belong to transaction %s", apperrors.ErrPaymentDeclined, txn.ID)
	}
	if err := w.store.Debit(ctx, txn.UserID, txn.ID, txn.Amount); err != nil {
		if apperrors.KindOf(err) == apperrors.KindConflict {
			return Verification{ProviderStatus: "insufficient_balance"}, fmt.Errorf("%w: %w", apperrors.ErrPaymentDeclined, err)
		}
		return Verification{}, fmt.Errorf("failed to debit wallet: %w", err)
	}
	return Verification{Amount: txn.Amount, ProviderStatus: "debited"}, nil
}

// Cancel refunds a settled wallet payment back to the balance.
func (w *Wallet) Cancel(ctx context.Context, txn *models.Transaction) (Receipt, error) {
	if err := w.store.Refund(ctx, txn.UserID, txn.ID); err != nil {
		return Receipt{}, fmt.Errorf("failed to refund wallet: %w", err)
	}
	return Receipt{ProviderStatus: "refunded"}, nil
}
