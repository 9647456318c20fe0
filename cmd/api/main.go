package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/jpark-fin/bankops/internal/api"
	"github.com/jpark-fin/bankops/internal/config"
	"github.com/jpark-fin/bankops/internal/events"
	"github.com/jpark-fin/bankops/internal/idempotency"
	"github.com/jpark-fin/bankops/internal/lock"
	"github.com/jpark-fin/bankops/internal/service"
	"github.com/jpark-fin/bankops/internal/store"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := store.New(ctx, cfg.DBSource)
	if err != nil {
		logger.Fatal().Err(err).Msg("unable to connect to database")
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("unable to connect to redis")
	}
	defer redisClient.Close()

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.AMQPURL != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.AMQPURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("unable to connect to message broker")
		}
		defer amqpPublisher.Close()
		publisher = amqpPublisher
	} else {
		logger.Warn().Msg("AMQP_URL not set, events will be dropped")
	}

	ledger := service.NewLedgerEngine(db, publisher, logger)
	transfers := service.NewTransferEngine(
		db,
		lock.New(redisClient),
		idempotency.New(redisClient, cfg.IdempotencyTTL),
		ledger,
		publisher,
		logger,
		cfg.LockTTL,
		cfg.LockMaxWait,
	)
	accounts := service.NewAccountService(db, ledger, publisher, logger)
	handler := api.NewHandler(accounts, transfers, ledger, logger)

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", handler.HealthCheckHandler).Methods("GET")
	handler.Register(r)

	logger.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("server starting")
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}
