package services

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// Routing keys of the payment lifecycle events.
const (
	EventOrderPaid         = "order.paid"
	EventOrderCancelled    = "order.cancelled"
	EventTransactionFailed = "transaction.failed"
	EventWalletCredited    = "wallet.credited"
)

// EventPublisher sends a message to the event bus. pkg/rabbitmq and pkg/kafkabus implement it.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// OrderEvent is the body of order.paid and order.cancelled.
type OrderEvent struct {
	OrderID       string    `json:"order_id"`
	UserID        string    `json:"user_id"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Total         int64     `json:"total"`
	Currency      string    `json:"currency"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// TransactionEvent is the body of transaction.failed and wallet.credited.
type TransactionEvent struct {
	TransactionID string    `json:"transaction_id"`
	OrderID       string    `json:"order_id,omitempty"`
	UserID        string    `json:"user_id"`
	Gateway       string    `json:"gateway"`
	Amount        int64     `json:"amount"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type pendingEvent struct {
	key     string
	payload any
}

// publishAll sends events after the unit of work that produced them committed.
// A publish failure is logged; the state change it reports already happened.
func publishAll(ctx context.Context, pub EventPublisher, log *zap.Logger, events []pendingEvent) {
	if pub == nil {
		return
	}
	for _, ev := range events {
		body, err := json.Marshal(ev.payload)
		if err != nil {
			log.Error("failed to marshal event", zap.String("routing_key", ev.key), zap.Error(err))
			continue
		}
		if err := pub.Publish(ctx, ev.key, body); err != nil {
			log.Warn("failed to publish event", zap.String("routing_key", ev.key), zap.Error(err))
			continue
		}
		log.Debug("published event", zap.String("routing_key", ev.key))
	}
}
