package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries all runtime settings, loaded from the environment. A .env
// file in the working directory is honored for local development.
type Config struct {
	DBSource string
	Port     string
	Env      string
	LogLevel string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// AMQPURL is optional; when empty, events are dropped.
	AMQPURL string

	LockTTL        time.Duration
	LockMaxWait    time.Duration
	IdempotencyTTL time.Duration
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR environment variable is required")
	}

	redisDB, err := intEnv("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}

	lockTTL, err := durationEnv("LOCK_TTL", 30*time.Second)
	if err != nil {
		return nil, err
	}
	lockMaxWait, err := durationEnv("LOCK_MAX_WAIT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	idemTTL, err := durationEnv("IDEMPOTENCY_TTL", 24*time.Hour)
	if err != nil {
		return nil, err
	}

	return &Config{
		DBSource:       dbSource,
		Port:           stringEnv("SERVER_PORT", "8080"),
		Env:            stringEnv("ENVIRONMENT", "development"),
		LogLevel:       stringEnv("LOG_LEVEL", "info"),
		RedisAddr:      redisAddr,
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisDB:        redisDB,
		AMQPURL:        os.Getenv("AMQP_URL"),
		LockTTL:        lockTTL,
		LockMaxWait:    lockMaxWait,
		IdempotencyTTL: idemTTL,
	}, nil
}

func stringEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return d, nil
}
