package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Passphrase string
	DBDriver   string
	DBDSN      string
	DataDir    string
	Port       int
	DevMode    bool

	// TargetPollInterval is how often each account should effectively be
	// polled; WorkerTickInterval is how often the poll trigger actually runs
	// and must not exceed the target interval.
	TargetPollIntervalMinutes int
	WorkerTickIntervalMinutes int
	AutomationIntervalMinutes int

	CleanupRetentionDays    int
	EstimatedActiveAccounts int
	MaxConcurrentFetches    int
	FetchTimeoutSeconds     int
	ExternalAPIBaseURL      string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Passphrase: os.Getenv("TORBOARD_PASSPHRASE"),
		DBDriver:   getEnvOrDefault("TORBOARD_DB_DRIVER", "sqlite"),
		DBDSN:      os.Getenv("TORBOARD_DB_DSN"),
		DataDir:    getEnvOrDefault("TORBOARD_DATA_DIR", "./data"),
		Port:       getEnvIntOrDefault("TORBOARD_PORT", 8080),
		DevMode:    os.Getenv("TORBOARD_DEV_MODE") == "true",

		TargetPollIntervalMinutes: getEnvIntOrDefault("TORBOARD_TARGET_POLL_INTERVAL", 30),
		WorkerTickIntervalMinutes: getEnvIntOrDefault("TORBOARD_WORKER_TICK_INTERVAL", 2),
		AutomationIntervalMinutes: getEnvIntOrDefault("TORBOARD_AUTOMATION_INTERVAL", 5),

		CleanupRetentionDays:    getEnvIntOrDefault("TORBOARD_CLEANUP_RETENTION_DAYS", 30),
		EstimatedActiveAccounts: getEnvIntOrDefault("TORBOARD_ESTIMATED_ACCOUNTS", 100),
		MaxConcurrentFetches:    getEnvIntOrDefault("TORBOARD_MAX_CONCURRENT_FETCHES", 5),
		FetchTimeoutSeconds:     getEnvIntOrDefault("TORBOARD_FETCH_TIMEOUT", 30),
		ExternalAPIBaseURL:      getEnvOrDefault("TORBOARD_API_BASE_URL", "https://api.torbox.app/v1"),
	}

	if cfg.WorkerTickIntervalMinutes < 1 {
		return nil, fmt.Errorf("worker tick interval must be at least 1 minute")
	}
	if cfg.TargetPollIntervalMinutes < cfg.WorkerTickIntervalMinutes {
		return nil, fmt.Errorf("target poll interval (%dm) must not be shorter than the worker tick interval (%dm)",
			cfg.TargetPollIntervalMinutes, cfg.WorkerTickIntervalMinutes)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	return cfg, nil
}

func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "torboard.db")
}

func (c *Config) TargetPollInterval() time.Duration {
	return time.Duration(c.TargetPollIntervalMinutes) * time.Minute
}

func (c *Config) WorkerTickInterval() time.Duration {
	return time.Duration(c.WorkerTickIntervalMinutes) * time.Minute
}

func (c *Config) AutomationInterval() time.Duration {
	return time.Duration(c.AutomationIntervalMinutes) * time.Minute
}

func (c *Config) CleanupRetention() time.Duration {
	return time.Duration(c.CleanupRetentionDays) * 24 * time.Hour
}

func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}
