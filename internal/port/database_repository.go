package port

import (
	"context"
	"time"

	"github.com/rl1809/order-pipeline/internal/core/domain"
)

// UnitOfWork is the transactional surface of the durable store. Every
// method runs inside the transaction the unit was opened with; nothing is
// visible to other actors until the whole unit commits.
type UnitOfWork interface {
	// ReserveStock atomically checks available stock and increments the
	// reserved counter. Returns domain.ErrInsufficientStock without
	// mutation when total - reserved < qty.
	ReserveStock(ctx context.Context, productID string, qty int) error

	// ReleaseStock returns qty units from reserved to available. The
	// reserved counter never goes below zero.
	ReleaseStock(ctx context.Context, productID string, qty int) error

	// ConfirmStock converts qty reserved units into a permanent sale,
	// decrementing total and reserved together.
	ConfirmStock(ctx context.Context, productID string, qty int) error

	InsertOrder(ctx context.Context, order *domain.Order) error

	// UpdateOrderStatus transitions an order from one status to another.
	// Returns false (and no error) when the order was not in the expected
	// status, which callers use for idempotent transitions.
	UpdateOrderStatus(ctx context.Context, orderID string, from, to domain.OrderStatus) (bool, error)

	InsertOutboxEvent(ctx context.Context, event *domain.OutboxEvent) error
}

// Store is the durable ledger/outbox store. All coordination between
// concurrent service instances goes through its atomicity and versioning.
type Store interface {
	// WithinTx runs fn inside a single transaction; any error rolls the
	// whole unit back.
	WithinTx(ctx context.Context, fn func(uow UnitOfWork) error) error

	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	GetInventory(ctx context.Context, productID string) (*domain.InventoryRecord, error)

	// ReservedOrdersOlderThan lists orders still RESERVED whose creation
	// time precedes cutoff, for downstream-timeout compensation.
	ReservedOrdersOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]string, error)

	// PendingOutboxEvents returns undispatched events in creation order.
	PendingOutboxEvents(ctx context.Context, limit int) ([]*domain.OutboxEvent, error)
	MarkEventDispatched(ctx context.Context, eventID string) error
	RecordEventFailure(ctx context.Context, eventID string, lastError string) error
	MarkEventDeadLettered(ctx context.Context, eventID string, lastError string) error

	InsertCompensationTask(ctx context.Context, task *domain.CompensationTask) error
	PendingCompensationTasks(ctx context.Context, limit int) ([]*domain.CompensationTask, error)
	MarkTaskDone(ctx context.Context, orderID string) error
	RecordTaskFailure(ctx context.Context, orderID string, lastError string) error
	MarkTaskDeadLettered(ctx context.Context, orderID string, lastError string) error
}
