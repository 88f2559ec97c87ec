package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// StorageDriver выбирает реализацию хранилищ приложения.
type StorageDriver string

const (
	StorageDriverMemory   StorageDriver = "memory"
	StorageDriverPostgres StorageDriver = "postgres"
)

// Config описывает настройки запуска приложения.
type Config struct {
	MetricsAddr string

	StorageDriver       StorageDriver
	PostgresDSN         string
	PostgresAutoMigrate bool

	KafkaBrokers  string
	ConsumerGroup string

	SettlementWorkers int
	SettlementDelay   time.Duration
	RefundWorkers     int
	RefundDelay       time.Duration

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
}

// DefaultConfig возвращает базовые настройки для локального запуска.
func DefaultConfig() Config {
	return Config{
		MetricsAddr:         ":9090",
		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		ConsumerGroup:       "opc-coordinator",
		SettlementWorkers:   4,
		SettlementDelay:     time.Second,
		RefundWorkers:       2,
		RefundDelay:         1500 * time.Millisecond,
		OutboxPollInterval:  time.Second,
		OutboxBatchSize:     100,
		OutboxMaxAttempts:   3,
		OutboxRetryDelay:    50 * time.Millisecond,
	}
}

// ConfigFromEnv строит конфигурацию из переменных окружения OPC_*,
// начиная с DefaultConfig.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	cfg.MetricsAddr = envString("OPC_METRICS_ADDR", cfg.MetricsAddr)
	if driver := strings.ToLower(envString("OPC_STORAGE_DRIVER", string(cfg.StorageDriver))); driver != "" {
		cfg.StorageDriver = StorageDriver(driver)
	}
	cfg.PostgresDSN = envString("OPC_POSTGRES_DSN", cfg.PostgresDSN)
	cfg.PostgresAutoMigrate = envBool("OPC_POSTGRES_AUTO_MIGRATE", cfg.PostgresAutoMigrate)

	cfg.KafkaBrokers = envString("OPC_KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.ConsumerGroup = envString("OPC_CONSUMER_GROUP", cfg.ConsumerGroup)

	cfg.SettlementWorkers = envInt("OPC_SETTLEMENT_WORKERS", cfg.SettlementWorkers)
	cfg.SettlementDelay = envDuration("OPC_SETTLEMENT_DELAY", cfg.SettlementDelay)
	cfg.RefundWorkers = envInt("OPC_REFUND_WORKERS", cfg.RefundWorkers)
	cfg.RefundDelay = envDuration("OPC_REFUND_DELAY", cfg.RefundDelay)

	cfg.OutboxPollInterval = envDuration("OPC_OUTBOX_POLL_INTERVAL", cfg.OutboxPollInterval)
	cfg.OutboxBatchSize = envInt("OPC_OUTBOX_BATCH_SIZE", cfg.OutboxBatchSize)
	cfg.OutboxMaxAttempts = envInt("OPC_OUTBOX_MAX_ATTEMPTS", cfg.OutboxMaxAttempts)
	cfg.OutboxRetryDelay = envDuration("OPC_OUTBOX_RETRY_DELAY", cfg.OutboxRetryDelay)

	return cfg
}

func envString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}
