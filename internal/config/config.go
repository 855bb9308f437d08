// Package config loads service configuration from the environment, with a
// .env file picked up in development.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Redis   RedisConfig
	Saga    SagaConfig
	Relay   RelayConfig
}

type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type StorageConfig struct {
	OrderDBPath       string
	IdempotencyDBPath string
}

type RedisConfig struct {
	Addr    string
	Channel string
}

type SagaConfig struct {
	ChargeTimeout     time.Duration
	ChargeRetries     int
	IdempotencyTTL    time.Duration
	StaleAfter        time.Duration
	ReconcileInterval time.Duration
	ReconcileMaxAge   time.Duration
}

type RelayConfig struct {
	Interval  time.Duration
	BatchSize int
}

// Load reads the environment. Every value has a conservative default, so a
// bare process starts with local paths and the documented saga timings.
func Load() (*Config, error) {
	godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Addr:         getEnv("SERVER_ADDR", ":8080"),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
		},
		Storage: StorageConfig{
			OrderDBPath:       getEnv("ORDER_DB_PATH", "./data/orders.db"),
			IdempotencyDBPath: getEnv("IDEMPOTENCY_DB_PATH", "./data/idempotency.db"),
		},
		Redis: RedisConfig{
			Addr:    getEnv("REDIS_ADDR", "localhost:6379"),
			Channel: getEnv("EVENT_CHANNEL", "orders.events"),
		},
		Saga: SagaConfig{
			ChargeTimeout:     getEnvDuration("CHARGE_TIMEOUT", 5*time.Second),
			ChargeRetries:     getEnvInt("CHARGE_RETRIES", 2),
			IdempotencyTTL:    getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
			StaleAfter:        getEnvDuration("IDEMPOTENCY_STALE_AFTER", 2*time.Minute),
			ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 30*time.Second),
			ReconcileMaxAge:   getEnvDuration("RECONCILE_MAX_AGE", 24*time.Hour),
		},
		Relay: RelayConfig{
			Interval:  getEnvDuration("RELAY_INTERVAL", time.Second),
			BatchSize: getEnvInt("RELAY_BATCH_SIZE", 100),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
