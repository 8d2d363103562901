package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/rl1809/order-pipeline/internal/core/domain"
	"github.com/rl1809/order-pipeline/internal/port"
)

const seenKeyPrefix = "event:seen:"

// MessageHandler processes one channel message. Handlers see each event id
// at most once per consumer group; redundant deliveries are filtered out
// before the handler runs.
type MessageHandler func(ctx context.Context, msg domain.ChannelMessage) error

// fetcher is the slice of kafka.Reader the consumer needs.
type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaConsumer reads the event channel on behalf of a downstream system
// (notification, external inventory sync). Delivery from the dispatcher is
// at-least-once, so the consumer claims each event id in the cache before
// handling; a duplicate claim means the event was already processed and is
// committed without re-running the handler.
type KafkaConsumer struct {
	reader  fetcher
	cache   port.CacheRepository
	handler MessageHandler
	closer  io.Closer
}

func NewKafkaConsumer(brokers []string, topic, groupID string, cache port.CacheRepository, handler MessageHandler) *KafkaConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return &KafkaConsumer{reader: reader, cache: cache, handler: handler, closer: reader}
}

// Run consumes until ctx is cancelled.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return ctx.Err()
			}
			log.Error().Err(err).Msg("fetch message failed")
			continue
		}

		// Committing a later message moves the group offset past this one,
		// so the loop must not fetch ahead of a failed message: retry it in
		// place until the handler succeeds.
		for attempt := 1; ; attempt++ {
			err := c.process(ctx, msg)
			if err == nil {
				break
			}
			log.Error().Err(err).Int("attempts", attempt).Msg("message handling failed")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoff(attempt)):
			}
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Msg("commit failed")
		}
	}
}

func retryBackoff(attempt int) time.Duration {
	delay := 50 * time.Millisecond << (attempt - 1)
	if delay > 5*time.Second || delay <= 0 {
		delay = 5 * time.Second
	}
	return delay
}

func (c *KafkaConsumer) process(ctx context.Context, msg kafka.Message) error {
	var channelMsg domain.ChannelMessage
	if err := json.Unmarshal(msg.Value, &channelMsg); err != nil {
		// Malformed payloads are dropped, not retried.
		log.Error().Err(err).Str("key", string(msg.Key)).Msg("malformed channel message")
		return nil
	}

	fresh, err := c.cache.SetIdempotency(ctx, seenKeyPrefix+channelMsg.EventID)
	if err != nil {
		return fmt.Errorf("claim event %s: %w", channelMsg.EventID, err)
	}
	if !fresh {
		log.Debug().
			Str("event_id", channelMsg.EventID).
			Msg("duplicate delivery skipped")
		return nil
	}

	if err := c.handler(ctx, channelMsg); err != nil {
		// Free the claim so the retry can run the handler again.
		if clearErr := c.cache.ClearIdempotency(ctx, seenKeyPrefix+channelMsg.EventID); clearErr != nil {
			log.Warn().Err(clearErr).Str("event_id", channelMsg.EventID).Msg("failed to release event claim")
		}
		return err
	}
	return nil
}

func (c *KafkaConsumer) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}
