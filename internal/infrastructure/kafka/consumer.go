package kafka

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/segmentio/kafka-go"
	"github.com/studyraid/packledger/internal/models"
)

// PurchaseCreator is the slice of the pack service the payment consumer needs.
type PurchaseCreator interface {
	CreatePurchase(ctx context.Context, in models.PurchaseInput) (*models.Purchase, error)
}

// Consumer ingests payment-confirmation events from the gateway and turns
// them into purchases. Duplicate deliveries are absorbed downstream by the
// source_payment_id uniqueness, so redelivery is safe.
type Consumer struct {
	reader  *kafka.Reader
	service PurchaseCreator
}

func NewConsumer(brokers []string, topic, groupID string, service PurchaseCreator) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 10e3,
			MaxBytes: 10e6,
		}),
		service: service,
	}
}

type paymentEvent struct {
	EventType       string  `json:"event_type"`
	UserID          int64   `json:"user_id"`
	Quantity        int32   `json:"quantity"`
	Amount          float64 `json:"amount"`
	Currency        string  `json:"currency"`
	SourcePaymentID string  `json:"payment_id"`
}

func (c *Consumer) Consume(ctx context.Context) {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("failed to read Kafka message", "topic", c.reader.Config().Topic, "error", err)
			continue
		}

		var event paymentEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			slog.Error("failed to unmarshal payment event", "error", err)
			continue
		}

		if event.EventType != "payment_confirmed" {
			continue
		}
		if event.UserID == 0 || event.SourcePaymentID == "" {
			slog.Error("invalid payment event: missing user_id or payment_id")
			continue
		}

		purchase, err := c.service.CreatePurchase(ctx, models.PurchaseInput{
			UserID:          event.UserID,
			Quantity:        event.Quantity,
			AmountPaid:      event.Amount,
			Currency:        event.Currency,
			SourcePaymentID: event.SourcePaymentID,
		})
		if err != nil {
			slog.Error("failed to create purchase from payment event",
				"user_id", event.UserID,
				"payment_id", event.SourcePaymentID,
				"error", err)
			// TODO: send to dead-letter queue once one exists for payments
			continue
		}

		slog.Info("payment processed",
			"user_id", event.UserID,
			"payment_id", event.SourcePaymentID,
			"purchase_id", purchase.ID)
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
