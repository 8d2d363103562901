package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rl1809/order-pipeline/internal/core/domain"
	"github.com/rl1809/order-pipeline/internal/port"
)

type mockOutboxStore struct {
	mu     sync.Mutex
	events []*domain.OutboxEvent

	// markFailures makes the next n MarkEventDispatched calls fail,
	// simulating a crash between publish and status update.
	markFailures int
}

func (m *mockOutboxStore) add(eventType domain.EventType, orderID, productID string, qty int) *domain.OutboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := domain.NewOutboxEvent(eventType, orderID, productID, qty)
	m.events = append(m.events, ev)
	return ev
}

func (m *mockOutboxStore) PendingOutboxEvents(ctx context.Context, limit int) ([]*domain.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []*domain.OutboxEvent
	for _, ev := range m.events {
		if ev.Status != domain.OutboxStatusPending {
			continue
		}
		cp := *ev
		pending = append(pending, &cp)
		if len(pending) == limit {
			break
		}
	}
	return pending, nil
}

func (m *mockOutboxStore) MarkEventDispatched(ctx context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markFailures > 0 {
		m.markFailures--
		return errors.New("status update lost")
	}
	for _, ev := range m.events {
		if ev.EventID == eventID {
			ev.Status = domain.OutboxStatusDispatched
		}
	}
	return nil
}

func (m *mockOutboxStore) RecordEventFailure(ctx context.Context, eventID string, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.EventID == eventID {
			ev.Attempts++
			ev.LastError = lastError
		}
	}
	return nil
}

func (m *mockOutboxStore) MarkEventDeadLettered(ctx context.Context, eventID string, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.EventID == eventID {
			ev.Status = domain.OutboxStatusDeadLetter
			ev.LastError = lastError
		}
	}
	return nil
}

func (m *mockOutboxStore) statusOf(eventID string) domain.OutboxStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.EventID == eventID {
			return ev.Status
		}
	}
	return ""
}

// Unused port.Store methods.
func (m *mockOutboxStore) WithinTx(ctx context.Context, fn func(uow port.UnitOfWork) error) error {
	return nil
}
func (m *mockOutboxStore) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return nil, domain.ErrOrderNotFound
}
func (m *mockOutboxStore) GetInventory(ctx context.Context, productID string) (*domain.InventoryRecord, error) {
	return nil, nil
}
func (m *mockOutboxStore) ReservedOrdersOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	return nil, nil
}
func (m *mockOutboxStore) InsertCompensationTask(ctx context.Context, task *domain.CompensationTask) error {
	return nil
}
func (m *mockOutboxStore) PendingCompensationTasks(ctx context.Context, limit int) ([]*domain.CompensationTask, error) {
	return nil, nil
}
func (m *mockOutboxStore) MarkTaskDone(ctx context.Context, orderID string) error {
	return nil
}
func (m *mockOutboxStore) RecordTaskFailure(ctx context.Context, orderID string, lastError string) error {
	return nil
}
func (m *mockOutboxStore) MarkTaskDeadLettered(ctx context.Context, orderID string, lastError string) error {
	return nil
}

type mockPublisher struct {
	mu        sync.Mutex
	published map[string][]string // product id -> event ids in publish order
	failures  map[string]int      // event id -> remaining injected failures
}

func newMockPublisher() *mockPublisher {
	return &mockPublisher{
		published: make(map[string][]string),
		failures:  make(map[string]int),
	}
}

func (p *mockPublisher) failTimes(eventID string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[eventID] = n
}

func (p *mockPublisher) Publish(ctx context.Context, event *domain.OutboxEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures[event.EventID] > 0 {
		p.failures[event.EventID]--
		return errors.New("broker unavailable")
	}
	p.published[event.ProductID] = append(p.published[event.ProductID], event.EventID)
	return nil
}

func (p *mockPublisher) publishedFor(productID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.published[productID]...)
}

func testConfig() Config {
	return Config{
		PollInterval: time.Millisecond,
		BatchSize:    100,
		MaxAttempts:  3,
		BackoffBase:  time.Millisecond,
		BackoffCap:   5 * time.Millisecond,
	}
}

func TestDispatch_MarksEventsDispatched(t *testing.T) {
	store := &mockOutboxStore{}
	ev1 := store.add(domain.EventTypeOrderPlaced, "order-1", "item-1", 1)
	ev2 := store.add(domain.EventTypeOrderPlaced, "order-2", "item-2", 2)

	d := New(store, newMockPublisher(), testConfig())
	if err := d.drainOnce(context.Background()); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	if store.statusOf(ev1.EventID) != domain.OutboxStatusDispatched {
		t.Errorf("expected ev1 dispatched")
	}
	if store.statusOf(ev2.EventID) != domain.OutboxStatusDispatched {
		t.Errorf("expected ev2 dispatched")
	}
}

func TestDispatch_PartitionOrderPreserved(t *testing.T) {
	store := &mockOutboxStore{}
	pub := newMockPublisher()
	var want []string
	for i := 0; i < 5; i++ {
		ev := store.add(domain.EventTypeOrderPlaced, "order", "item-1", 1)
		want = append(want, ev.EventID)
	}

	d := New(store, pub, testConfig())
	if err := d.drainOnce(context.Background()); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	got := pub.publishedFor("item-1")
	if len(got) != len(want) {
		t.Fatalf("expected %d publishes, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d out of order: got %s want %s", i, got[i], want[i])
		}
	}
}

func TestDispatch_RetriesTransientFailure(t *testing.T) {
	store := &mockOutboxStore{}
	pub := newMockPublisher()
	ev := store.add(domain.EventTypeOrderPlaced, "order", "item-1", 1)
	pub.failTimes(ev.EventID, 2)

	d := New(store, pub, testConfig())
	if err := d.drainOnce(context.Background()); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	if store.statusOf(ev.EventID) != domain.OutboxStatusDispatched {
		t.Errorf("expected event dispatched after retries")
	}
}

func TestDispatch_DeadLetterUnblocksPartition(t *testing.T) {
	store := &mockOutboxStore{}
	pub := newMockPublisher()
	poisoned := store.add(domain.EventTypeOrderPlaced, "order-1", "item-1", 1)
	healthy := store.add(domain.EventTypeOrderCancelled, "order-2", "item-1", 1)
	pub.failTimes(poisoned.EventID, 100)

	d := New(store, pub, testConfig())
	if err := d.drainOnce(context.Background()); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	if store.statusOf(poisoned.EventID) != domain.OutboxStatusDeadLetter {
		t.Errorf("expected poisoned event dead-lettered, got %s", store.statusOf(poisoned.EventID))
	}
	if store.statusOf(healthy.EventID) != domain.OutboxStatusDispatched {
		t.Errorf("expected healthy event dispatched after dead-letter, got %s", store.statusOf(healthy.EventID))
	}
}

func TestDispatch_FailingPartitionDoesNotBlockOthers(t *testing.T) {
	store := &mockOutboxStore{}
	pub := newMockPublisher()
	stuck := store.add(domain.EventTypeOrderPlaced, "order-1", "item-1", 1)
	other := store.add(domain.EventTypeOrderPlaced, "order-2", "item-2", 1)
	pub.failTimes(stuck.EventID, 100)

	d := New(store, pub, testConfig())
	if err := d.drainOnce(context.Background()); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	if store.statusOf(other.EventID) != domain.OutboxStatusDispatched {
		t.Errorf("expected independent partition dispatched")
	}
}

func TestDispatch_RepublishesWhenStatusUpdateLost(t *testing.T) {
	store := &mockOutboxStore{markFailures: 1}
	pub := newMockPublisher()
	ev := store.add(domain.EventTypeOrderPlaced, "order", "item-1", 1)

	d := New(store, pub, testConfig())
	// First drain publishes but loses the status update.
	_ = d.drainOnce(context.Background())
	if store.statusOf(ev.EventID) != domain.OutboxStatusPending {
		t.Fatalf("expected event still pending after lost status update")
	}

	// Second drain republishes; consumers de-duplicate on the event id.
	if err := d.drainOnce(context.Background()); err != nil {
		t.Fatalf("second drain failed: %v", err)
	}
	if store.statusOf(ev.EventID) != domain.OutboxStatusDispatched {
		t.Errorf("expected event dispatched after republish")
	}
	if got := len(pub.publishedFor("item-1")); got != 2 {
		t.Errorf("expected at-least-once delivery (2 publishes), got %d", got)
	}
}
