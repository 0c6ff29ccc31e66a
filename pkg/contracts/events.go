package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope written to the outbox and carried on the bus.
// It is immutable once built.
type Event struct {
	EventID     string          `json:"event_id"`
	Type        string          `json:"type"`
	AggregateID string          `json:"aggregate_id"`
	OrderID     string          `json:"order_id"`
	Payload     json.RawMessage `json:"payload"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

const (
	EventOrderCreated         = "order.created"
	EventOrderCancelled       = "order.cancelled"
	EventPaymentCompleted     = "payment.completed"
	EventPaymentFailed        = "payment.failed"
	EventStockDeducted        = "stock.deducted"
	EventStockDeductionFailed = "stock.deduction_failed"
	EventRefundSucceeded      = "payment.refund_succeeded"
	EventRefundFailed         = "payment.refund_failed"
)

// Topic is the single Kafka topic all saga events travel on.
const Topic = "checkout.saga.events"

type OrderCreated struct {
	OrderID string `json:"orderId"`
	Amount  int64  `json:"amount"`
}

type OrderCancelled struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

type PaymentCompleted struct {
	OrderID    string `json:"orderId"`
	PaymentKey string `json:"paymentKey"`
	Amount     int64  `json:"amount"`
}

type PaymentFailed struct {
	OrderID     string `json:"orderId"`
	PaymentKey  string `json:"paymentKey"`
	Amount      int64  `json:"amount"`
	FailCode    string `json:"failCode"`
	FailMessage string `json:"failMessage"`
}

type StockItem struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId,omitempty"`
	Quantity  int64  `json:"quantity"`
}

type StockDeducted struct {
	OrderID string      `json:"orderId"`
	Items   []StockItem `json:"items"`
}

type StockDeductionFailed struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

type RefundSucceeded struct {
	OrderID         string `json:"orderId"`
	PaymentKey      string `json:"paymentKey"`
	CancelAmount    int64  `json:"cancelAmount"`
	RemainingAmount int64  `json:"remainingAmount"`
}

type RefundFailed struct {
	OrderID      string `json:"orderId"`
	PaymentKey   string `json:"paymentKey"`
	CancelAmount int64  `json:"cancelAmount"`
	FailCode     string `json:"failCode"`
	FailMessage  string `json:"failMessage"`
}

// New builds an envelope with a fresh event id.
func New(eventType, aggregateID, orderID string, payload any, at time.Time) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Event{
		EventID:     uuid.NewString(),
		Type:        eventType,
		AggregateID: aggregateID,
		OrderID:     orderID,
		Payload:     data,
		OccurredAt:  at.UTC(),
	}, nil
}

// Decode unmarshals the payload into dst.
func (e Event) Decode(dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
