package gateways

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokopay/internal/apperrors"
	"tokopay/internal/models"
	"tokopay/internal/repositories"
)

func TestWalletPaymentLifecycle(t *testing.T) {
	ctx := context.Background()
	store := repositories.NewMockWalletRepository()
	require.NoError(t, store.Credit(ctx, "u1", 1000))
	w := NewWallet(store)

	out, err := w.Initiate(ctx, PaymentRequest{Amount: 600, CallbackURL: "https://shop/api/v1/payments/wallet/callback?x=1"})
	require.NoError(t, err)
	target, err := url.Parse(out.URL)
	require.NoError(t, err)
	assert.Equal(t, out.Token, target.Query().Get("token"))
	assert.Equal(t, "1", target.Query().Get("x"))

	token := out.Token
	txn := &models.Transaction{ID: "t1", UserID: "u1", Amount: 600, Token: &token}
	env, err := Normalize(WalletCallback{Token: token})
	require.NoError(t, err)

	v, err := w.Verify(ctx, txn, env.Raw)
	require.NoError(t, err)
	assert.Equal(t, int64(600), v.Amount)

	// A repeated verification of the same payment does not charge again.
	v, err = w.Verify(ctx, txn, env.Raw)
	require.NoError(t, err)
	assert.Equal(t, int64(600), v.Amount)
	wallet, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(400), wallet.Balance)

	other := &models.Transaction{ID: "t2", UserID: "u1", Amount: 600, Token: &token}
	_, err = w.Verify(ctx, other, env.Raw)
	assert.ErrorIs(t, err, apperrors.ErrPaymentDeclined)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientBalance)

	_, err = w.Cancel(ctx, txn)
	require.NoError(t, err)
	_, err = w.Cancel(ctx, txn)
	require.NoError(t, err)
	wallet, err = store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), wallet.Balance, "refunded once")
}

func TestWalletRejectsTopUpAndForeignToken(t *testing.T) {
	w := NewWallet(repositories.NewMockWalletRepository())
	_, err := w.Initiate(context.Background(), PaymentRequest{Amount: 5, Purpose: models.PurposeWalletTopUp})
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedOperation)

	token := "mine"
	env, err := Normalize(WalletCallback{Token: "other"})
	require.NoError(t, err)
	_, err = w.Verify(context.Background(), &models.Transaction{Token: &token, Amount: 1}, env.Raw)
	assert.ErrorIs(t, err, apperrors.ErrPaymentDeclined)
}

func TestDecodeCallback(t *testing.T) {
	cb, err := DecodeCallback("Mellat", map[string]string{
		"RefId": "ref", "ResCode": "0", "SaleOrderId": "12", "SaleReferenceId": "34", "FinalAmount": "1,000",
	})
	require.NoError(t, err)
	assert.Equal(t, MellatCallback{RefID: "ref", ResCode: "0", SaleOrderID: 12, SaleReferenceID: 34, FinalAmount: 1000}, cb)

	env, err := Normalize(cb)
	require.NoError(t, err)
	assert.Equal(t, Envelope{Gateway: MellatName, Token: "ref", Raw: env.Raw}, env)

	cb, err = DecodeCallback("snapppay", map[string]string{"transactionId": "t1", "state": "OK"})
	require.NoError(t, err)
	env, err = Normalize(cb)
	require.NoError(t, err)
	assert.Equal(t, "t1", env.Token)

	_, err = DecodeCallback("mellat", map[string]string{"RefId": "r", "ResCode": "0", "SaleOrderId": "abc"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = DecodeCallback("paypal", nil)
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedGateway)
}

func TestNormalizeRejectsMissingToken(t *testing.T) {
	_, err := Normalize(WalletCallback{})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = Normalize(SnappPayCallback{TransactionID: "t1"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}
