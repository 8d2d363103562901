package domain

import "time"

type CompensationReason string

const (
	ReasonPaymentDeclined   CompensationReason = "PAYMENT_DECLINED"
	ReasonDownstreamTimeout CompensationReason = "DOWNSTREAM_TIMEOUT"
)

type CompensationStatus string

const (
	CompensationStatusPending    CompensationStatus = "PENDING"
	CompensationStatusDone       CompensationStatus = "DONE"
	CompensationStatusDeadLetter CompensationStatus = "DEAD_LETTER"
)

// CompensationTask records an asynchronous failure that must drive the
// order to a terminal state. Retired once it reaches Done or DeadLetter.
type CompensationTask struct {
	OrderID   string
	Reason    CompensationReason
	Status    CompensationStatus
	Attempts  int
	LastError string
	CreatedAt time.Time
}

func NewCompensationTask(orderID string, reason CompensationReason) *CompensationTask {
	return &CompensationTask{
		OrderID:   orderID,
		Reason:    reason,
		Status:    CompensationStatusPending,
		CreatedAt: time.Now(),
	}
}
