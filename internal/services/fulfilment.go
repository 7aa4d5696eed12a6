package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tokopay/internal/apperrors"
	"tokopay/internal/models"
	"tokopay/pkg/logger"
)

// FulfilmentStarter moves paid orders into fulfilment when their order.paid event arrives.
type FulfilmentStarter struct {
	ledger *OrderLedger
	log    *zap.Logger
}

// NewFulfilmentStarter creates a new FulfilmentStarter.
func NewFulfilmentStarter(ledger *OrderLedger, log *zap.Logger) *FulfilmentStarter {
	return &FulfilmentStarter{ledger: ledger, log: logger.OrNop(log).Named("fulfilment")}
}

// HandleOrderPaid consumes one order.paid body. Redelivered events are acknowledged without effect.
func (f *FulfilmentStarter) HandleOrderPaid(ctx context.Context, body []byte) error {
	var ev OrderEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("failed to unmarshal order.paid: %w", err)
	}
	if ev.OrderID == "" {
		return fmt.Errorf("%w: order.paid without order_id", apperrors.ErrInvalidInput)
	}

	_, err := f.ledger.MarkFulfilling(ctx, ev.OrderID)
	if errors.Is(err, apperrors.ErrInvalidTransition) {
		order, gerr := f.ledger.GetOrder(ctx, ev.OrderID)
		if gerr == nil && (order.Status == models.OrderFulfilling || order.Status == models.OrderCompleted || order.Status == models.OrderCancelled) {
			f.log.Debug("order.paid already handled", zap.String("order_id", ev.OrderID), zap.String("status", string(order.Status)))
			return nil
		}
	}
	if err != nil {
		return err
	}
	f.log.Info("fulfilment started", zap.String("order_id", ev.OrderID))
	return nil
}
