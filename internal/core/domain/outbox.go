package domain

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventTypeOrderPlaced    EventType = "OrderPlaced"
	EventTypeOrderCancelled EventType = "OrderCancelled"
)

type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "PENDING"
	OutboxStatusDispatched OutboxStatus = "DISPATCHED"
	OutboxStatusDeadLetter OutboxStatus = "DEAD_LETTER"
)

// OutboxEvent is written in the same transaction as the state change it
// describes and published asynchronously by the dispatcher. EventID is the
// idempotency key downstream consumers de-duplicate on.
type OutboxEvent struct {
	EventID   string
	Type      EventType
	OrderID   string
	ProductID string
	Quantity  int
	Status    OutboxStatus
	Attempts  int
	LastError string
	CreatedAt time.Time
}

func NewOutboxEvent(eventType EventType, orderID, productID string, qty int) *OutboxEvent {
	return &OutboxEvent{
		EventID:   uuid.NewString(),
		Type:      eventType,
		OrderID:   orderID,
		ProductID: productID,
		Quantity:  qty,
		Status:    OutboxStatusPending,
		CreatedAt: time.Now(),
	}
}

// ChannelMessage is the wire format consumed by the notification system and
// the external inventory sync.
type ChannelMessage struct {
	EventID   string    `json:"eventId"`
	Type      EventType `json:"type"`
	OrderID   string    `json:"orderId"`
	ProductID string    `json:"productId"`
	Quantity  int       `json:"qty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *OutboxEvent) Message() ChannelMessage {
	return ChannelMessage{
		EventID:   e.EventID,
		Type:      e.Type,
		OrderID:   e.OrderID,
		ProductID: e.ProductID,
		Quantity:  e.Quantity,
		Timestamp: e.CreatedAt,
	}
}
