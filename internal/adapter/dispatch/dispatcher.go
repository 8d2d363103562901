package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rl1809/order-pipeline/internal/core/domain"
	"github.com/rl1809/order-pipeline/internal/metrics"
	"github.com/rl1809/order-pipeline/internal/port"
)

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

// Dispatcher drains pending outbox events and publishes them to the message
// channel. Delivery is at-least-once: an event is marked dispatched only
// after the publish is acknowledged, so a crash in between causes a
// redundant republish, never a loss. Events are partitioned by product id;
// partitions run in parallel, each partition strictly in creation order.
type Dispatcher struct {
	store     port.Store
	publisher port.EventPublisher
	cfg       Config
}

func New(store port.Store, publisher port.EventPublisher, cfg Config) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 100 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 5 * time.Second
	}
	return &Dispatcher{store: store, publisher: publisher, cfg: cfg}
}

// Run polls the outbox until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := d.drainOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("outbox drain failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) drainOnce(ctx context.Context) error {
	events, err := d.store.PendingOutboxEvents(ctx, d.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	// Group by product id, preserving creation order within each group.
	partitions := make(map[string][]*domain.OutboxEvent)
	for _, ev := range events {
		partitions[ev.ProductID] = append(partitions[ev.ProductID], ev)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, partition := range partitions {
		partition := partition
		g.Go(func() error {
			return d.drainPartition(gctx, partition)
		})
	}
	return g.Wait()
}

// drainPartition publishes one partition's events sequentially. A
// dead-lettered event unblocks the partition; any other failure stops the
// partition for this cycle so later events never overtake earlier ones.
func (d *Dispatcher) drainPartition(ctx context.Context, events []*domain.OutboxEvent) error {
	for _, ev := range events {
		ok, err := d.dispatch(ctx, ev)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	return nil
}

// dispatch publishes a single event, retrying with exponential backoff.
// Returns (true, nil) when the partition may proceed (event dispatched or
// dead-lettered) and (false, nil) when the retry budget for this cycle is
// exhausted without reaching the attempt cap.
func (d *Dispatcher) dispatch(ctx context.Context, ev *domain.OutboxEvent) (bool, error) {
	attempts := ev.Attempts
	for {
		err := d.publisher.Publish(ctx, ev)
		if err == nil {
			if err := d.store.MarkEventDispatched(ctx, ev.EventID); err != nil {
				// The publish succeeded but the status update did not;
				// the event will be republished, which consumers absorb
				// by de-duplicating on the event id.
				return false, err
			}
			metrics.EventsDispatched.Inc()
			return true, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		attempts++
		log.Warn().
			Err(err).
			Str("event_id", ev.EventID).
			Str("product_id", ev.ProductID).
			Int("attempts", attempts).
			Msg("event publish failed")

		if recErr := d.store.RecordEventFailure(ctx, ev.EventID, err.Error()); recErr != nil {
			return false, recErr
		}

		if attempts >= d.cfg.MaxAttempts {
			if dlErr := d.store.MarkEventDeadLettered(ctx, ev.EventID, err.Error()); dlErr != nil {
				return false, dlErr
			}
			metrics.EventsDeadLettered.Inc()
			log.Error().
				Str("event_id", ev.EventID).
				Str("order_id", ev.OrderID).
				Str("last_error", err.Error()).
				Msg("event moved to dead-letter, operator attention required")
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(d.backoff(attempts)):
		}
	}
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.BackoffBase << (attempt - 1)
	if delay > d.cfg.BackoffCap || delay <= 0 {
		delay = d.cfg.BackoffCap
	}
	return delay
}
