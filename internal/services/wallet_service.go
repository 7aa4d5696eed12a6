package services

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"tokopay/internal/apperrors"
	"tokopay/internal/gateways"
	"tokopay/internal/models"
	"tokopay/internal/repositories"
	"tokopay/pkg/logger"
)

// TopUpResult is what the client needs to fund a wallet top-up.
type TopUpResult struct {
	TransactionID string                       `json:"transaction_id"`
	Amount        int64                        `json:"amount"`
	Redirect      gateways.RedirectInstruction `json:"redirect"`
}

// WalletService reads balances and starts top-up payments. The balance itself only changes
// through settlement and wallet payments.
type WalletService struct {
	wallets  repositories.WalletRepository
	ledger   *OrderLedger
	gateways *gateways.Registry
	checkout *CheckoutService
	currency string
	log      *zap.Logger
}

// NewWalletService creates a new WalletService. Top-up callbacks share the checkout callback URLs.
func NewWalletService(wallets repositories.WalletRepository, ledger *OrderLedger, registry *gateways.Registry,
	checkout *CheckoutService, currency string, log *zap.Logger) *WalletService {
	return &WalletService{
		wallets:  wallets,
		ledger:   ledger,
		gateways: registry,
		checkout: checkout,
		currency: currency,
		log:      logger.OrNop(log).Named("wallet"),
	}
}

// Balance returns the wallet of userID.
func (s *WalletService) Balance(ctx context.Context, userID string) (*models.Wallet, error) {
	return s.wallets.Get(ctx, userID)
}

// TopUp opens a top-up transaction and initiates it on gateway.
func (s *WalletService) TopUp(ctx context.Context, userID string, amount int64, gateway, mobile string) (*TopUpResult, error) {
	gw, err := s.gateways.Get(gateway)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(gw.Name(), gateways.WalletName) {
		return nil, fmt.Errorf("%w: a wallet cannot fund its own top-up", apperrors.ErrUnsupportedOperation)
	}

	txn, err := s.ledger.OpenTopUp(ctx, userID, amount, s.currency, gw.Name())
	if err != nil {
		return nil, err
	}
	redirect, err := s.gateways.Initiate(ctx, gw.Name(), gateways.PaymentRequest{
		TransactionID: txn.ID,
		UserID:        userID,
		Purpose:       models.PurposeWalletTopUp,
		Amount:        amount,
		Currency:      s.currency,
		CallbackURL:   s.checkout.CallbackURL(gw.Name()),
		Mobile:        mobile,
	})
	if err != nil {
		s.log.Warn("top-up initiate failed", zap.String("transaction_id", txn.ID), zap.Error(err))
		if _, ferr := s.ledger.MarkFailed(ctx, txn.ID, "initiate_failed", nil); ferr != nil {
			s.log.Error("failed to fail top-up", zap.String("transaction_id", txn.ID), zap.Error(ferr))
		}
		return nil, err
	}
	if _, err := s.ledger.RecordRedirect(ctx, txn.ID, redirect.Token, redirect.ProviderReference, redirect.Raw); err != nil {
		return nil, err
	}
	s.log.Info("top-up started", zap.String("transaction_id", txn.ID), zap.String("user_id", userID), zap.Int64("amount", amount))
	return &TopUpResult{TransactionID: txn.ID, Amount: amount, Redirect: redirect}, nil
}
