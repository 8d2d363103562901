// Demo downstream consumer. Reads the order event channel, de-duplicates
// redundant deliveries on the event id, and logs what a notification or
// external inventory sync would act on.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rl1809/order-pipeline/internal/adapter/messaging"
	"github.com/rl1809/order-pipeline/internal/adapter/storage"
	"github.com/rl1809/order-pipeline/internal/config"
	"github.com/rl1809/order-pipeline/internal/core/domain"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(os.Stderr).With().Str("service", "order-consumer").Logger()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	groupID := os.Getenv("CONSUMER_GROUP")
	if groupID == "" {
		groupID = "notification"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	cache := storage.NewRedisAdapter(rdb)

	consumer := messaging.NewKafkaConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, groupID, cache,
		func(ctx context.Context, msg domain.ChannelMessage) error {
			log.Info().
				Str("event_id", msg.EventID).
				Str("type", string(msg.Type)).
				Str("order_id", msg.OrderID).
				Str("product_id", msg.ProductID).
				Int("qty", msg.Quantity).
				Msg("event received")
			return nil
		})

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info().Msg("shutting down...")
		cancel()
	}()

	log.Info().Str("group", groupID).Str("topic", cfg.Kafka.Topic).Msg("consumer started")
	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("consumer stopped")
	}

	if err := consumer.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close reader")
	}
	rdb.Close()
}
