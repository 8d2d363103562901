package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rl1809/order-pipeline/internal/core/domain"
	"github.com/rl1809/order-pipeline/internal/metrics"
	"github.com/rl1809/order-pipeline/internal/port"
)

type CompensationConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int

	// ReservationTimeout is how long an order may stay RESERVED before the
	// watchdog treats the downstream processing as timed out and cancels
	// it. Zero disables the watchdog.
	ReservationTimeout time.Duration
}

// CompensationService reacts to asynchronous payment outcomes and drives
// reserved orders to a terminal state. It is the only component allowed to
// move an order out of RESERVED.
type CompensationService struct {
	store port.Store
	cfg   CompensationConfig
}

func NewCompensationService(store port.Store, cfg CompensationConfig) *CompensationService {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &CompensationService{store: store, cfg: cfg}
}

// HandlePaymentOutcome processes the payment provider callback. Approved
// payments confirm the order; declined payments schedule and immediately
// attempt a compensating cancellation.
func (s *CompensationService) HandlePaymentOutcome(ctx context.Context, orderID string, approved bool) error {
	if approved {
		return s.Confirm(ctx, orderID)
	}
	return s.schedule(ctx, orderID, domain.ReasonPaymentDeclined)
}

// HandleDownstreamTimeout cancels an order whose downstream processing
// never completed.
func (s *CompensationService) HandleDownstreamTimeout(ctx context.Context, orderID string) error {
	return s.schedule(ctx, orderID, domain.ReasonDownstreamTimeout)
}

func (s *CompensationService) schedule(ctx context.Context, orderID string, reason domain.CompensationReason) error {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	switch order.Status {
	case domain.OrderStatusConfirmed:
		// Conflicting callback on the other terminal kind; mirror the
		// approved-on-cancelled rejection instead of queueing a task that
		// can only dead-letter.
		return fmt.Errorf("%w: cannot cancel confirmed order %s",
			domain.ErrInvalidTransition, orderID)
	case domain.OrderStatusCancelled:
		return nil
	}

	task := domain.NewCompensationTask(orderID, reason)
	if err := s.store.InsertCompensationTask(ctx, task); err != nil {
		return err
	}
	// First attempt runs inline; the retry worker picks it up on failure.
	s.resolve(ctx, task)
	return nil
}

// Confirm finalizes an order after an approved payment, converting every
// reservation into a sale. A duplicate approval for an already confirmed
// order is a no-op.
func (s *CompensationService) Confirm(ctx context.Context, orderID string) error {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}

	switch order.Status {
	case domain.OrderStatusConfirmed:
		return nil
	case domain.OrderStatusCancelling, domain.OrderStatusCancelled:
		return fmt.Errorf("%w: payment approved for %s order %s",
			domain.ErrInvalidTransition, order.Status, orderID)
	case domain.OrderStatusReserved:
	default:
		return fmt.Errorf("%w: confirm from %s", domain.ErrInvalidTransition, order.Status)
	}

	err = s.store.WithinTx(ctx, func(uow port.UnitOfWork) error {
		applied, err := uow.UpdateOrderStatus(ctx, orderID, domain.OrderStatusReserved, domain.OrderStatusConfirmed)
		if err != nil {
			return err
		}
		if !applied {
			// Another actor changed the status since the read; nothing in
			// this unit may commit.
			return fmt.Errorf("%w: order %s left RESERVED concurrently", domain.ErrConflict, orderID)
		}
		for _, item := range order.Items {
			if err := uow.ConfirmStock(ctx, item.ProductID, item.Quantity); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, domain.ErrConflict) {
		// Re-read: a concurrent duplicate approval may already have won.
		current, getErr := s.store.GetOrder(ctx, orderID)
		if getErr == nil && current.Status == domain.OrderStatusConfirmed {
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}

	metrics.Compensations.WithLabelValues("confirmed").Inc()
	log.Info().Str("order_id", orderID).Msg("order confirmed")
	return nil
}

// Cancel drives an order through RESERVED -> CANCELLING -> CANCELLED,
// releasing every reserved line item and emitting an OrderCancelled event
// in the same transaction that marks the order cancelled. Safe to retry:
// the conditional status update makes the release exactly-once-effective.
func (s *CompensationService) Cancel(ctx context.Context, orderID string) error {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}

	switch order.Status {
	case domain.OrderStatusCancelled:
		return nil
	case domain.OrderStatusConfirmed:
		return fmt.Errorf("%w: cannot cancel confirmed order %s",
			domain.ErrInvalidTransition, orderID)
	case domain.OrderStatusReserved:
		err := s.store.WithinTx(ctx, func(uow port.UnitOfWork) error {
			_, err := uow.UpdateOrderStatus(ctx, orderID, domain.OrderStatusReserved, domain.OrderStatusCancelling)
			return err
		})
		if err != nil {
			return err
		}
	case domain.OrderStatusCancelling:
		// Resuming an interrupted cancellation.
	default:
		return fmt.Errorf("%w: cancel from %s", domain.ErrInvalidTransition, order.Status)
	}

	var applied bool
	err = s.store.WithinTx(ctx, func(uow port.UnitOfWork) error {
		var err error
		applied, err = uow.UpdateOrderStatus(ctx, orderID, domain.OrderStatusCancelling, domain.OrderStatusCancelled)
		if err != nil {
			return err
		}
		if !applied {
			// Releasing without winning the status update would
			// double-decrement, so this unit commits nothing.
			return nil
		}
		for _, item := range order.Items {
			if err := uow.ReleaseStock(ctx, item.ProductID, item.Quantity); err != nil {
				return err
			}
			event := domain.NewOutboxEvent(domain.EventTypeOrderCancelled, orderID, item.ProductID, item.Quantity)
			if err := uow.InsertOutboxEvent(ctx, event); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !applied {
		// Either another worker finished the cancellation, or a concurrent
		// approval confirmed the order after the status was read.
		current, err := s.store.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if current.Status == domain.OrderStatusCancelled {
			return nil
		}
		return fmt.Errorf("%w: cancel of order %s lost to concurrent %s",
			domain.ErrInvalidTransition, orderID, current.Status)
	}

	metrics.Compensations.WithLabelValues("cancelled").Inc()
	log.Info().Str("order_id", orderID).Msg("order cancelled, reserved stock released")
	return nil
}

// Run drains pending compensation tasks until ctx is cancelled. An order
// never stays in CANCELLING indefinitely: each task either completes or is
// dead-lettered for operator attention.
func (s *CompensationService) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := s.drainOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("compensation drain failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *CompensationService) drainOnce(ctx context.Context) error {
	if err := s.sweepTimeouts(ctx); err != nil {
		return err
	}

	tasks, err := s.store.PendingCompensationTasks(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		s.resolve(ctx, task)
	}
	return nil
}

// sweepTimeouts schedules cancellation for orders that stayed RESERVED
// past the configured deadline without a payment outcome.
func (s *CompensationService) sweepTimeouts(ctx context.Context) error {
	if s.cfg.ReservationTimeout <= 0 {
		return nil
	}

	cutoff := time.Now().Add(-s.cfg.ReservationTimeout)
	orderIDs, err := s.store.ReservedOrdersOlderThan(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, orderID := range orderIDs {
		log.Warn().Str("order_id", orderID).Msg("reservation timed out, scheduling cancellation")
		task := domain.NewCompensationTask(orderID, domain.ReasonDownstreamTimeout)
		if err := s.store.InsertCompensationTask(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

func (s *CompensationService) resolve(ctx context.Context, task *domain.CompensationTask) {
	err := s.Cancel(ctx, task.OrderID)
	if err == nil {
		if err := s.store.MarkTaskDone(ctx, task.OrderID); err != nil {
			log.Error().Err(err).Str("order_id", task.OrderID).Msg("failed to retire compensation task")
		}
		return
	}

	if errors.Is(err, domain.ErrInvalidTransition) {
		// The order reached a conflicting terminal state; retrying cannot
		// help, a human has to look at it.
		s.deadLetter(ctx, task, err)
		return
	}

	task.Attempts++
	if recErr := s.store.RecordTaskFailure(ctx, task.OrderID, err.Error()); recErr != nil {
		log.Error().Err(recErr).Str("order_id", task.OrderID).Msg("failed to record compensation attempt")
	}
	if task.Attempts >= s.cfg.MaxAttempts {
		s.deadLetter(ctx, task, err)
		return
	}

	log.Warn().
		Err(err).
		Str("order_id", task.OrderID).
		Str("reason", string(task.Reason)).
		Int("attempts", task.Attempts).
		Msg("compensation attempt failed, will retry")
}

func (s *CompensationService) deadLetter(ctx context.Context, task *domain.CompensationTask, cause error) {
	if err := s.store.MarkTaskDeadLettered(ctx, task.OrderID, cause.Error()); err != nil {
		log.Error().Err(err).Str("order_id", task.OrderID).Msg("failed to dead-letter compensation task")
		return
	}
	metrics.CompensationsDeadLettered.Inc()
	log.Error().
		Str("order_id", task.OrderID).
		Str("reason", string(task.Reason)).
		Str("last_error", cause.Error()).
		Msg("compensation task moved to dead-letter, operator attention required")
}
