// Package kafkabus publishes and consumes payment events on a Kafka topic.
package kafkabus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"tokopay/pkg/logger"
)

// Config holds Kafka connection details.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes events keyed by routing key.
type Publisher struct {
	writer messageWriter
	log    *zap.Logger
}

// NewPublisher creates a Publisher writing to cfg.Topic.
func NewPublisher(cfg Config, log *zap.Logger) *Publisher {
	log = logger.OrNop(log)
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		Logger:       logger.NewPrintfAdapter(log.Named("kafka")),
		ErrorLogger:  logger.NewErrorPrintfAdapter(log.Named("kafka")),
	}
	return &Publisher{writer: w, log: log}
}

// Publish writes one event. The routing key becomes the message key and a header.
func (p *Publisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	msg := kafka.Message{
		Key:     []byte(routingKey),
		Value:   body,
		Time:    time.Now(),
		Headers: []kafka.Header{{Key: "routing_key", Value: []byte(routingKey)}},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish %s: %w", routingKey, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Handler processes one event. A returned error leaves the message uncommitted.
type Handler func(ctx context.Context, routingKey string, body []byte) error

// Consumer reads events from a consumer group and dispatches those matching its routing key.
type Consumer struct {
	reader     messageReader
	routingKey string
	handler    Handler
	log        *zap.Logger
}

// NewConsumer creates a Consumer for events carrying routingKey.
func NewConsumer(cfg Config, routingKey string, handler Handler, log *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{reader: r, routingKey: routingKey, handler: handler, log: logger.OrNop(log)}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.processMessage(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn("kafka message not processed", zap.Error(err))
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context) error {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return fmt.Errorf("fetch message: %w", err)
	}

	key := routingKeyOf(m)
	if key == c.routingKey {
		if err := c.handler(ctx, key, m.Value); err != nil {
			return fmt.Errorf("handle %s at offset %d: %w", key, m.Offset, err)
		}
	}

	if err := c.reader.CommitMessages(ctx, m); err != nil {
		return fmt.Errorf("commit offset %d: %w", m.Offset, err)
	}
	return nil
}

// Close closes the reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

func routingKeyOf(m kafka.Message) string {
	for _, h := range m.Headers {
		if h.Key == "routing_key" {
			return string(h.Value)
		}
	}
	return string(m.Key)
}
