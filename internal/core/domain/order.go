package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusReserved   OrderStatus = "RESERVED"
	OrderStatusConfirmed  OrderStatus = "CONFIRMED"
	OrderStatusCancelling OrderStatus = "CANCELLING"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusConfirmed || s == OrderStatusCancelled
}

type LineItem struct {
	ProductID string
	Quantity  int
}

type Order struct {
	ID         string
	CustomerID string
	Items      []LineItem
	Status     OrderStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Version    int
}

func NewOrder(customerID string, items []LineItem) *Order {
	now := time.Now()
	return &Order{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		Items:      items,
		Status:     OrderStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// MarkReserved records that stock for every line item has been reserved.
func (o *Order) MarkReserved() error {
	if o.Status != OrderStatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, OrderStatusReserved)
	}
	o.Status = OrderStatusReserved
	o.UpdatedAt = time.Now()
	return nil
}

// Confirm finalizes the order after an approved payment. Confirming an
// already confirmed order is a no-op so duplicate callbacks stay harmless.
func (o *Order) Confirm() error {
	if o.Status == OrderStatusConfirmed {
		return nil
	}
	if o.Status != OrderStatusReserved {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, OrderStatusConfirmed)
	}
	o.Status = OrderStatusConfirmed
	o.UpdatedAt = time.Now()
	return nil
}

// BeginCancel moves the order into the compensating state. Idempotent for
// orders already cancelling or cancelled.
func (o *Order) BeginCancel() error {
	switch o.Status {
	case OrderStatusCancelling, OrderStatusCancelled:
		return nil
	case OrderStatusReserved:
		o.Status = OrderStatusCancelling
		o.UpdatedAt = time.Now()
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, OrderStatusCancelling)
}

// CompleteCancel marks the order cancelled once all reserved stock has been
// released.
func (o *Order) CompleteCancel() error {
	if o.Status == OrderStatusCancelled {
		return nil
	}
	if o.Status != OrderStatusCancelling {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, OrderStatusCancelled)
	}
	o.Status = OrderStatusCancelled
	o.UpdatedAt = time.Now()
	return nil
}
