package service

import (
	"context"
	"sync"
	"time"

	"github.com/rl1809/order-pipeline/internal/core/domain"
	"github.com/rl1809/order-pipeline/internal/port"
)

// mockStore is an in-memory port.Store with transactional semantics: a
// failed unit of work restores the pre-transaction snapshot, and a global
// mutex serializes units like row locks would.
type mockStore struct {
	mu        sync.Mutex
	inventory map[string]*domain.InventoryRecord
	orders    map[string]*domain.Order
	outbox    []*domain.OutboxEvent
	tasks     map[string]*domain.CompensationTask

	// txErrs injects one error per queued entry, returned by WithinTx
	// before running the unit.
	txErrs []error

	// onGetOrder runs after each read, under the store lock, so tests can
	// stage a concurrent mutation between a read and its transaction.
	onGetOrder func()
}

func newMockStore() *mockStore {
	return &mockStore{
		inventory: make(map[string]*domain.InventoryRecord),
		orders:    make(map[string]*domain.Order),
		tasks:     make(map[string]*domain.CompensationTask),
	}
}

func (m *mockStore) addInventory(productID string, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inventory[productID] = &domain.InventoryRecord{ProductID: productID, Total: total}
}

func (m *mockStore) snapshot() *mockStore {
	snap := newMockStore()
	for id, inv := range m.inventory {
		cp := *inv
		snap.inventory[id] = &cp
	}
	for id, o := range m.orders {
		cp := *o
		cp.Items = append([]domain.LineItem(nil), o.Items...)
		snap.orders[id] = &cp
	}
	for _, ev := range m.outbox {
		cp := *ev
		snap.outbox = append(snap.outbox, &cp)
	}
	for id, task := range m.tasks {
		cp := *task
		snap.tasks[id] = &cp
	}
	return snap
}

func (m *mockStore) restore(snap *mockStore) {
	m.inventory = snap.inventory
	m.orders = snap.orders
	m.outbox = snap.outbox
	m.tasks = snap.tasks
}

func (m *mockStore) WithinTx(ctx context.Context, fn func(uow port.UnitOfWork) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.txErrs) > 0 {
		err := m.txErrs[0]
		m.txErrs = m.txErrs[1:]
		if err != nil {
			return err
		}
	}

	snap := m.snapshot()
	if err := fn(&mockUow{store: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type mockUow struct {
	store *mockStore
}

func (u *mockUow) ReserveStock(ctx context.Context, productID string, qty int) error {
	rec, ok := u.store.inventory[productID]
	if !ok {
		return domain.ErrProductNotFound
	}
	return rec.Reserve(qty)
}

func (u *mockUow) ReleaseStock(ctx context.Context, productID string, qty int) error {
	rec, ok := u.store.inventory[productID]
	if !ok {
		return domain.ErrProductNotFound
	}
	return rec.Release(qty)
}

func (u *mockUow) ConfirmStock(ctx context.Context, productID string, qty int) error {
	rec, ok := u.store.inventory[productID]
	if !ok {
		return domain.ErrProductNotFound
	}
	return rec.Confirm(qty)
}

func (u *mockUow) InsertOrder(ctx context.Context, order *domain.Order) error {
	cp := *order
	cp.Items = append([]domain.LineItem(nil), order.Items...)
	u.store.orders[order.ID] = &cp
	return nil
}

func (u *mockUow) UpdateOrderStatus(ctx context.Context, orderID string, from, to domain.OrderStatus) (bool, error) {
	order, ok := u.store.orders[orderID]
	if !ok || order.Status != from {
		return false, nil
	}
	order.Status = to
	order.Version++
	return true, nil
}

func (u *mockUow) InsertOutboxEvent(ctx context.Context, event *domain.OutboxEvent) error {
	cp := *event
	u.store.outbox = append(u.store.outbox, &cp)
	return nil
}

func (m *mockStore) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	cp := *order
	cp.Items = append([]domain.LineItem(nil), order.Items...)
	if m.onGetOrder != nil {
		m.onGetOrder()
	}
	return &cp, nil
}

func (m *mockStore) GetInventory(ctx context.Context, productID string) (*domain.InventoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.inventory[productID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *mockStore) ReservedOrdersOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, order := range m.orders {
		if order.Status == domain.OrderStatusReserved && order.CreatedAt.Before(cutoff) {
			ids = append(ids, id)
			if len(ids) == limit {
				break
			}
		}
	}
	return ids, nil
}

func (m *mockStore) PendingOutboxEvents(ctx context.Context, limit int) ([]*domain.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var events []*domain.OutboxEvent
	for _, ev := range m.outbox {
		if ev.Status != domain.OutboxStatusPending {
			continue
		}
		cp := *ev
		events = append(events, &cp)
		if len(events) == limit {
			break
		}
	}
	return events, nil
}

func (m *mockStore) MarkEventDispatched(ctx context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.outbox {
		if ev.EventID == eventID && ev.Status == domain.OutboxStatusPending {
			ev.Status = domain.OutboxStatusDispatched
		}
	}
	return nil
}

func (m *mockStore) RecordEventFailure(ctx context.Context, eventID string, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.outbox {
		if ev.EventID == eventID {
			ev.Attempts++
			ev.LastError = lastError
		}
	}
	return nil
}

func (m *mockStore) MarkEventDeadLettered(ctx context.Context, eventID string, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.outbox {
		if ev.EventID == eventID {
			ev.Status = domain.OutboxStatusDeadLetter
			ev.LastError = lastError
		}
	}
	return nil
}

func (m *mockStore) InsertCompensationTask(ctx context.Context, task *domain.CompensationTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.OrderID]; ok {
		return nil
	}
	cp := *task
	m.tasks[task.OrderID] = &cp
	return nil
}

func (m *mockStore) PendingCompensationTasks(ctx context.Context, limit int) ([]*domain.CompensationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var tasks []*domain.CompensationTask
	for _, task := range m.tasks {
		if task.Status != domain.CompensationStatusPending {
			continue
		}
		cp := *task
		tasks = append(tasks, &cp)
		if len(tasks) == limit {
			break
		}
	}
	return tasks, nil
}

func (m *mockStore) MarkTaskDone(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task, ok := m.tasks[orderID]; ok {
		task.Status = domain.CompensationStatusDone
	}
	return nil
}

func (m *mockStore) RecordTaskFailure(ctx context.Context, orderID string, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task, ok := m.tasks[orderID]; ok {
		task.Attempts++
		task.LastError = lastError
	}
	return nil
}

func (m *mockStore) MarkTaskDeadLettered(ctx context.Context, orderID string, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task, ok := m.tasks[orderID]; ok {
		task.Status = domain.CompensationStatusDeadLetter
		task.LastError = lastError
	}
	return nil
}

// mockCacheRepo mirrors the Redis idempotency adapter.
type mockCacheRepo struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newMockCacheRepo() *mockCacheRepo {
	return &mockCacheRepo{keys: make(map[string]bool)}
}

func (m *mockCacheRepo) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[key] {
		return false, nil
	}
	m.keys[key] = true
	return true, nil
}

func (m *mockCacheRepo) ClearIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}
