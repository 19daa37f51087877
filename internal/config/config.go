package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendBadger   = "badger"
)

type Config struct {
	DBSource string
	Port     string
	Env      string
	LogLevel string

	StoreBackend string
	CacheBackend string
	CachePath    string

	IdempotencyTTL        time.Duration
	IdempotencyStaleAfter time.Duration

	JWTSecret string

	PayrollInterval          time.Duration
	PayrollBatchSize         int
	PayrollTenantConcurrency int
	PayrollLockID            int64

	RelayInterval   time.Duration
	RelayRatePerSec float64
}

// Load reads the environment, after an optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBSource: os.Getenv("DB_SOURCE"),
		Port:     getEnv("SERVER_PORT", "8080"),
		Env:      getEnv("ENVIRONMENT", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		StoreBackend: getEnv("STORE_BACKEND", BackendPostgres),
		CacheBackend: getEnv("CACHE_BACKEND", BackendBadger),
		CachePath:    os.Getenv("CACHE_PATH"),

		JWTSecret: os.Getenv("JWT_SECRET"),
	}

	var err error
	if cfg.IdempotencyTTL, err = getDuration("IDEMPOTENCY_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.IdempotencyStaleAfter, err = getDuration("IDEMPOTENCY_STALE_AFTER", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.PayrollInterval, err = getDuration("PAYROLL_INTERVAL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.PayrollBatchSize, err = getInt("PAYROLL_BATCH_SIZE", 100); err != nil {
		return nil, err
	}
	if cfg.PayrollTenantConcurrency, err = getInt("PAYROLL_TENANT_CONCURRENCY", 5); err != nil {
		return nil, err
	}
	if cfg.PayrollLockID, err = getInt64("PAYROLL_LOCK_ID", 727001); err != nil {
		return nil, err
	}
	if cfg.RelayInterval, err = getDuration("RELAY_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.RelayRatePerSec, err = getFloat("RELAY_RATE_PER_SEC", 10); err != nil {
		return nil, err
	}

	switch cfg.StoreBackend {
	case BackendPostgres:
		if cfg.DBSource == "" {
			return nil, fmt.Errorf("DB_SOURCE environment variable is required")
		}
	case BackendMemory:
	default:
		return nil, fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendPostgres, BackendMemory, cfg.StoreBackend)
	}
	switch cfg.CacheBackend {
	case BackendMemory, BackendBadger:
	default:
		return nil, fmt.Errorf("CACHE_BACKEND must be %q or %q, got %q", BackendMemory, BackendBadger, cfg.CacheBackend)
	}
	if cfg.PayrollBatchSize <= 0 || cfg.PayrollTenantConcurrency <= 0 {
		return nil, fmt.Errorf("PAYROLL_BATCH_SIZE and PAYROLL_TENANT_CONCURRENCY must be positive")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
