// Package events publishes order and inventory changes after they commit.
package events

import (
	"context"
	"time"
)

type Type string

const (
	OrderCreated       Type = "order.created"
	OrderProcessing    Type = "order.processing"
	OrderCancelled     Type = "order.cancelled"
	OrderPaid          Type = "order.paid"
	OrderPaymentFailed Type = "order.payment_failed"
	OrderFulfilled     Type = "order.fulfilled"
	OrderReceived      Type = "order.received"
	InventoryRestocked Type = "inventory.restocked"
	InventoryAdjusted  Type = "inventory.adjusted"
)

type Event struct {
	Type       Type      `json:"type"`
	Key        string    `json:"key"`
	Actor      string    `json:"actor"`
	OccurredAt time.Time `json:"occurredAt"`
	Payload    any       `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(_ context.Context, _ Event) error {
	return nil
}

func (NoopPublisher) Close() error {
	return nil
}
