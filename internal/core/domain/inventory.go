package domain

import (
	"fmt"
	"time"
)

// InventoryRecord tracks stock for a single product. Invariant:
// 0 <= Reserved <= Total. Available-for-sale stock is Total - Reserved.
type InventoryRecord struct {
	ProductID string
	Total     int
	Reserved  int
	Version   int // optimistic locking
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r *InventoryRecord) Available() int {
	return r.Total - r.Reserved
}

// Reserve holds qty units for an order. Fails without mutation when
// available stock is insufficient.
func (r *InventoryRecord) Reserve(qty int) error {
	if qty <= 0 {
		return fmt.Errorf("%w: reserve quantity must be positive", ErrValidation)
	}
	if r.Available() < qty {
		return ErrInsufficientStock
	}
	r.Reserved += qty
	r.UpdatedAt = time.Now()
	return nil
}

// Release returns qty previously reserved units to the available pool.
// Reserved never goes below zero.
func (r *InventoryRecord) Release(qty int) error {
	if qty <= 0 {
		return fmt.Errorf("%w: release quantity must be positive", ErrValidation)
	}
	if r.Reserved < qty {
		return fmt.Errorf("%w: release of %d exceeds reserved %d for product %s",
			ErrConflict, qty, r.Reserved, r.ProductID)
	}
	r.Reserved -= qty
	r.UpdatedAt = time.Now()
	return nil
}

// Confirm converts qty reserved units into a permanent sale. Irreversible.
func (r *InventoryRecord) Confirm(qty int) error {
	if qty <= 0 {
		return fmt.Errorf("%w: confirm quantity must be positive", ErrValidation)
	}
	if r.Reserved < qty {
		return fmt.Errorf("%w: confirm of %d exceeds reserved %d for product %s",
			ErrConflict, qty, r.Reserved, r.ProductID)
	}
	r.Total -= qty
	r.Reserved -= qty
	r.UpdatedAt = time.Now()
	return nil
}
