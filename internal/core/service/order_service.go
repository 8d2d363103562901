package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/rl1809/order-pipeline/internal/core/domain"
	"github.com/rl1809/order-pipeline/internal/metrics"
	"github.com/rl1809/order-pipeline/internal/port"
)

// maxConflictRetries bounds internal retries of transient concurrency
// conflicts before they surface as a conflict response.
const maxConflictRetries = 3

type OrderResult struct {
	OrderID string
	Status  domain.OrderStatus
}

// OrderService is the order coordinator: it validates placement requests
// and commits stock reservation, the order row, and the outbox events as
// one atomic unit.
type OrderService struct {
	store port.Store
	cache port.CacheRepository
}

func NewOrderService(store port.Store, cache port.CacheRepository) *OrderService {
	return &OrderService{store: store, cache: cache}
}

// PlaceOrder reserves stock for every line item and records the order with
// status RESERVED. All-or-nothing: a single unavailable item aborts the
// whole order. Confirmation happens asynchronously once the payment
// outcome arrives.
func (s *OrderService) PlaceOrder(ctx context.Context, requestID, customerID string, items []domain.LineItem) (*OrderResult, error) {
	if err := validateRequest(customerID, items); err != nil {
		metrics.OrdersRejected.WithLabelValues("validation").Inc()
		return nil, err
	}

	idempotencyKey := ""
	if requestID != "" {
		idempotencyKey = "order:request:" + requestID
		ok, err := s.cache.SetIdempotency(ctx, idempotencyKey)
		if err != nil {
			return nil, s.persistence(fmt.Errorf("idempotency check: %w", err))
		}
		if !ok {
			metrics.OrdersRejected.WithLabelValues("duplicate").Inc()
			return nil, domain.ErrDuplicateRequest
		}
	}

	result, err := s.placeOnce(ctx, customerID, items)
	if err != nil {
		// Free the request key so the client can retry after a rejection.
		if idempotencyKey != "" {
			if clearErr := s.cache.ClearIdempotency(ctx, idempotencyKey); clearErr != nil {
				log.Warn().Err(clearErr).Str("key", idempotencyKey).Msg("failed to clear idempotency key")
			}
		}
		return nil, err
	}

	metrics.OrdersPlaced.Inc()
	return result, nil
}

func (s *OrderService) placeOnce(ctx context.Context, customerID string, items []domain.LineItem) (*OrderResult, error) {
	// Unknown products are a validation failure, checked before the
	// reservation unit so a doomed request mutates nothing.
	for _, item := range items {
		inv, err := s.store.GetInventory(ctx, item.ProductID)
		if err != nil {
			return nil, s.persistence(err)
		}
		if inv == nil {
			metrics.OrdersRejected.WithLabelValues("validation").Inc()
			return nil, fmt.Errorf("%w: unknown product %s", domain.ErrValidation, item.ProductID)
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		order := domain.NewOrder(customerID, items)

		err := s.store.WithinTx(ctx, func(uow port.UnitOfWork) error {
			for _, item := range order.Items {
				if err := uow.ReserveStock(ctx, item.ProductID, item.Quantity); err != nil {
					return err
				}
			}
			if err := order.MarkReserved(); err != nil {
				return err
			}
			if err := uow.InsertOrder(ctx, order); err != nil {
				return err
			}
			for _, item := range order.Items {
				event := domain.NewOutboxEvent(domain.EventTypeOrderPlaced, order.ID, item.ProductID, item.Quantity)
				if err := uow.InsertOutboxEvent(ctx, event); err != nil {
					return err
				}
			}
			return nil
		})

		switch {
		case err == nil:
			return &OrderResult{OrderID: order.ID, Status: order.Status}, nil
		case errors.Is(err, domain.ErrInsufficientStock):
			metrics.OrdersRejected.WithLabelValues("insufficient_stock").Inc()
			return nil, err
		case errors.Is(err, domain.ErrProductNotFound):
			metrics.OrdersRejected.WithLabelValues("validation").Inc()
			return nil, fmt.Errorf("%w: unknown product", domain.ErrValidation)
		case errors.Is(err, domain.ErrConflict):
			lastErr = err
			continue
		default:
			metrics.OrdersRejected.WithLabelValues("internal").Inc()
			return nil, s.persistence(err)
		}
	}

	metrics.OrdersRejected.WithLabelValues("conflict").Inc()
	return nil, fmt.Errorf("%w: retries exhausted: %v", domain.ErrConflict, lastErr)
}

func (s *OrderService) persistence(err error) error {
	perr := domain.NewPersistenceError(err)
	log.Error().
		Err(err).
		Str("correlation_id", perr.CorrelationID).
		Msg("storage failure during order placement")
	return perr
}

func validateRequest(customerID string, items []domain.LineItem) error {
	if customerID == "" {
		return fmt.Errorf("%w: customer id is required", domain.ErrValidation)
	}
	if len(items) == 0 {
		return fmt.Errorf("%w: order must contain at least one item", domain.ErrValidation)
	}
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if item.ProductID == "" {
			return fmt.Errorf("%w: product id is required", domain.ErrValidation)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: quantity must be a positive integer", domain.ErrValidation)
		}
		if seen[item.ProductID] {
			return fmt.Errorf("%w: duplicate product %s", domain.ErrValidation, item.ProductID)
		}
		seen[item.ProductID] = true
	}
	return nil
}
