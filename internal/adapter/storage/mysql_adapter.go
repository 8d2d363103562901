package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rl1809/order-pipeline/internal/core/domain"
	"github.com/rl1809/order-pipeline/internal/port"
)

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

func (m *MySQLAdapter) WithinTx(ctx context.Context, fn func(uow port.UnitOfWork) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&unitOfWork{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// unitOfWork runs ledger and order mutations inside a single transaction.
type unitOfWork struct {
	tx *sql.Tx
}

func (u *unitOfWork) ReserveStock(ctx context.Context, productID string, qty int) error {
	result, err := u.tx.ExecContext(ctx, `
		UPDATE inventory
		SET reserved = reserved + ?, version = version + 1, updated_at = NOW()
		WHERE product_id = ? AND total - reserved >= ?`,
		qty, productID, qty,
	)
	if err != nil {
		return fmt.Errorf("reserve stock: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		var exists int
		err := u.tx.QueryRowContext(ctx,
			`SELECT 1 FROM inventory WHERE product_id = ?`, productID,
		).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrProductNotFound
		}
		if err != nil {
			return fmt.Errorf("check inventory row: %w", err)
		}
		return domain.ErrInsufficientStock
	}
	return nil
}

func (u *unitOfWork) ReleaseStock(ctx context.Context, productID string, qty int) error {
	result, err := u.tx.ExecContext(ctx, `
		UPDATE inventory
		SET reserved = reserved - ?, version = version + 1, updated_at = NOW()
		WHERE product_id = ? AND reserved >= ?`,
		qty, productID, qty,
	)
	if err != nil {
		return fmt.Errorf("release stock: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: release of %d for product %s", domain.ErrConflict, qty, productID)
	}
	return nil
}

func (u *unitOfWork) ConfirmStock(ctx context.Context, productID string, qty int) error {
	result, err := u.tx.ExecContext(ctx, `
		UPDATE inventory
		SET total = total - ?, reserved = reserved - ?, version = version + 1, updated_at = NOW()
		WHERE product_id = ? AND reserved >= ?`,
		qty, qty, productID, qty,
	)
	if err != nil {
		return fmt.Errorf("confirm stock: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: confirm of %d for product %s", domain.ErrConflict, qty, productID)
	}
	return nil
}

func (u *unitOfWork) InsertOrder(ctx context.Context, order *domain.Order) error {
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO orders (id, customer_id, status, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		order.ID, order.CustomerID, order.Status, order.Version,
		order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for _, item := range order.Items {
		_, err := u.tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity)
			VALUES (?, ?, ?)`,
			order.ID, item.ProductID, item.Quantity,
		)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return nil
}

func (u *unitOfWork) UpdateOrderStatus(ctx context.Context, orderID string, from, to domain.OrderStatus) (bool, error) {
	result, err := u.tx.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, version = version + 1, updated_at = NOW()
		WHERE id = ? AND status = ?`,
		to, orderID, from,
	)
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}

	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (u *unitOfWork) InsertOutboxEvent(ctx context.Context, event *domain.OutboxEvent) error {
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO outbox_events
			(event_id, event_type, order_id, product_id, quantity, status, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, event.Type, event.OrderID, event.ProductID, event.Quantity,
		event.Status, event.Attempts, event.LastError, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var order domain.Order
	err := m.db.QueryRowContext(ctx, `
		SELECT id, customer_id, status, version, created_at, updated_at
		FROM orders WHERE id = ?`, orderID,
	).Scan(&order.ID, &order.CustomerID, &order.Status, &order.Version,
		&order.CreatedAt, &order.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT product_id, quantity FROM order_items WHERE order_id = ?`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.LineItem
		if err := rows.Scan(&item.ProductID, &item.Quantity); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		order.Items = append(order.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}
	return &order, nil
}

func (m *MySQLAdapter) GetInventory(ctx context.Context, productID string) (*domain.InventoryRecord, error) {
	var inv domain.InventoryRecord
	err := m.db.QueryRowContext(ctx, `
		SELECT product_id, total, reserved, version, created_at, updated_at
		FROM inventory WHERE product_id = ?`, productID,
	).Scan(&inv.ProductID, &inv.Total, &inv.Reserved, &inv.Version,
		&inv.CreatedAt, &inv.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query inventory: %w", err)
	}
	return &inv, nil
}

// SeedInventory creates an inventory row when none exists. Existing rows
// are left untouched so restarts never reset live counters.
func (m *MySQLAdapter) SeedInventory(ctx context.Context, productID string, total int) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO inventory (product_id, total, reserved, version, created_at, updated_at)
		VALUES (?, ?, 0, 0, NOW(), NOW())
		ON DUPLICATE KEY UPDATE product_id = product_id`,
		productID, total,
	)
	if err != nil {
		return fmt.Errorf("seed inventory: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) ReservedOrdersOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id FROM orders
		WHERE status = ? AND created_at < ?
		ORDER BY created_at ASC
		LIMIT ?`, domain.OrderStatusReserved, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale reserved orders: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan order id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale reserved orders: %w", err)
	}
	return ids, nil
}

func (m *MySQLAdapter) PendingOutboxEvents(ctx context.Context, limit int) ([]*domain.OutboxEvent, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT event_id, event_type, order_id, product_id, quantity, status, attempts, last_error, created_at
		FROM outbox_events
		WHERE status = ?
		ORDER BY seq ASC
		LIMIT ?`, domain.OutboxStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending outbox events: %w", err)
	}
	defer rows.Close()

	var events []*domain.OutboxEvent
	for rows.Next() {
		var ev domain.OutboxEvent
		if err := rows.Scan(&ev.EventID, &ev.Type, &ev.OrderID, &ev.ProductID,
			&ev.Quantity, &ev.Status, &ev.Attempts, &ev.LastError, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox events: %w", err)
	}
	return events, nil
}

func (m *MySQLAdapter) MarkEventDispatched(ctx context.Context, eventID string) error {
	_, err := m.db.ExecContext(ctx, `
		UPDATE outbox_events SET status = ? WHERE event_id = ? AND status = ?`,
		domain.OutboxStatusDispatched, eventID, domain.OutboxStatusPending,
	)
	if err != nil {
		return fmt.Errorf("mark event dispatched: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) RecordEventFailure(ctx context.Context, eventID string, lastError string) error {
	_, err := m.db.ExecContext(ctx, `
		UPDATE outbox_events SET attempts = attempts + 1, last_error = ? WHERE event_id = ?`,
		lastError, eventID,
	)
	if err != nil {
		return fmt.Errorf("record event failure: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) MarkEventDeadLettered(ctx context.Context, eventID string, lastError string) error {
	_, err := m.db.ExecContext(ctx, `
		UPDATE outbox_events SET status = ?, last_error = ? WHERE event_id = ?`,
		domain.OutboxStatusDeadLetter, lastError, eventID,
	)
	if err != nil {
		return fmt.Errorf("mark event dead-lettered: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) InsertCompensationTask(ctx context.Context, task *domain.CompensationTask) error {
	// One task per order; a duplicate callback must not reset attempt
	// counters on an in-flight task.
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO compensation_tasks (order_id, reason, status, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE order_id = order_id`,
		task.OrderID, task.Reason, task.Status, task.Attempts, task.LastError, task.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert compensation task: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) PendingCompensationTasks(ctx context.Context, limit int) ([]*domain.CompensationTask, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT order_id, reason, status, attempts, last_error, created_at
		FROM compensation_tasks
		WHERE status = ?
		ORDER BY created_at ASC
		LIMIT ?`, domain.CompensationStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending compensation tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.CompensationTask
	for rows.Next() {
		var task domain.CompensationTask
		if err := rows.Scan(&task.OrderID, &task.Reason, &task.Status,
			&task.Attempts, &task.LastError, &task.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan compensation task: %w", err)
		}
		tasks = append(tasks, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate compensation tasks: %w", err)
	}
	return tasks, nil
}

func (m *MySQLAdapter) MarkTaskDone(ctx context.Context, orderID string) error {
	_, err := m.db.ExecContext(ctx, `
		UPDATE compensation_tasks SET status = ? WHERE order_id = ?`,
		domain.CompensationStatusDone, orderID,
	)
	if err != nil {
		return fmt.Errorf("mark task done: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) RecordTaskFailure(ctx context.Context, orderID string, lastError string) error {
	_, err := m.db.ExecContext(ctx, `
		UPDATE compensation_tasks SET attempts = attempts + 1, last_error = ? WHERE order_id = ?`,
		lastError, orderID,
	)
	if err != nil {
		return fmt.Errorf("record task failure: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) MarkTaskDeadLettered(ctx context.Context, orderID string, lastError string) error {
	_, err := m.db.ExecContext(ctx, `
		UPDATE compensation_tasks SET status = ?, last_error = ? WHERE order_id = ?`,
		domain.CompensationStatusDeadLetter, lastError, orderID,
	)
	if err != nil {
		return fmt.Errorf("mark task dead-lettered: %w", err)
	}
	return nil
}
