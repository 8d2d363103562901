package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rl1809/order-pipeline/internal/adapter/dispatch"
	"github.com/rl1809/order-pipeline/internal/adapter/handler"
	"github.com/rl1809/order-pipeline/internal/adapter/messaging"
	"github.com/rl1809/order-pipeline/internal/adapter/storage"
	"github.com/rl1809/order-pipeline/internal/config"
	"github.com/rl1809/order-pipeline/internal/core/service"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(os.Stderr).With().Str("service", "order-pipeline").Logger()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// MySQL
	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open mysql")
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping mysql")
	}
	log.Info().Msg("connected to mysql")

	// Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		PoolSize: 100,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	log.Info().Msg("connected to redis")

	// Adapters
	store := storage.NewMySQLAdapter(db)
	cache := storage.NewRedisAdapter(rdb)
	publisher := messaging.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)

	for productID, total := range cfg.SeedStock {
		if err := store.SeedInventory(ctx, productID, total); err != nil {
			log.Fatal().Err(err).Str("product_id", productID).Msg("failed to seed inventory")
		}
	}

	// Services
	orderService := service.NewOrderService(store, cache)
	compensationService := service.NewCompensationService(store, service.CompensationConfig{
		PollInterval:       cfg.Compensation.PollInterval(),
		BatchSize:          cfg.Compensation.BatchSize,
		MaxAttempts:        cfg.Compensation.MaxAttempts,
		ReservationTimeout: cfg.Compensation.ReservationTimeout(),
	})
	dispatcher := dispatch.New(store, publisher, dispatch.Config{
		PollInterval: cfg.Dispatcher.PollInterval(),
		BatchSize:    cfg.Dispatcher.BatchSize,
		MaxAttempts:  cfg.Dispatcher.MaxAttempts,
		BackoffBase:  cfg.Dispatcher.BackoffBase(),
		BackoffCap:   cfg.Dispatcher.BackoffCap(),
	})

	// Background workers
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("dispatcher stopped")
		}
	}()
	go func() {
		defer wg.Done()
		if err := compensationService.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("compensation worker stopped")
		}
	}()
	log.Info().Msg("dispatcher and compensation worker started")

	// HTTP server
	httpHandler := handler.NewHTTPHandler(orderService, compensationService)
	mux := http.NewServeMux()
	httpHandler.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	log.Info().Msg("HTTP server stopped")

	// Stop workers after the HTTP surface so in-flight requests can still
	// enqueue work, then let the workers finish their current batch.
	cancel()
	wg.Wait()
	log.Info().Msg("workers stopped")

	if err := publisher.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close kafka writer")
	}
	rdb.Close()
	db.Close()
	log.Info().Msg("connections closed")
}
