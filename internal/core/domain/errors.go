package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrValidation marks malformed client input. Surfaced before any
	// storage access.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientStock is a business outcome, not a bug: at least one
	// line item could not be reserved.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrConflict is returned after bounded internal retries of a
	// transient concurrency conflict.
	ErrConflict = errors.New("concurrency conflict")

	// ErrDuplicateRequest means the request idempotency key was already
	// consumed.
	ErrDuplicateRequest = errors.New("duplicate request")

	ErrOrderNotFound     = errors.New("order not found")
	ErrProductNotFound   = errors.New("product not found")
	ErrInvalidTransition = errors.New("invalid order state transition")
)

// PersistenceError wraps a storage-layer failure. Only the correlation id
// is surfaced to clients; the cause is logged server-side.
type PersistenceError struct {
	CorrelationID string
	Err           error
}

func NewPersistenceError(err error) *PersistenceError {
	return &PersistenceError{CorrelationID: uuid.NewString(), Err: err}
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure [%s]: %v", e.CorrelationID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
