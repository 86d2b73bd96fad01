package store

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

const (
	ModeDryRun = "DRY_RUN"
	ModeLive   = "LIVE"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is read from YAML first; environment variables override individual
// keys, then defaults fill whatever is still zero.
type Config struct {
	Mode string `yaml:"mode" env:"SYNC_MODE"`
	HTTP struct {
		Addr string `yaml:"addr" env:"HTTP_ADDR"`
	} `yaml:"http"`
	Storage struct {
		Driver string `yaml:"driver" env:"STORAGE_DRIVER"`
		DSN    string `yaml:"dsn" env:"STORAGE_DSN"`
	} `yaml:"storage"`
	Reconcile struct {
		BatchSize int `yaml:"batch_size" env:"RECONCILE_BATCH_SIZE"`
	} `yaml:"reconcile"`
	Pool struct {
		IdleTimeout   time.Duration `yaml:"idle_timeout" env:"POOL_IDLE_TIMEOUT"`
		SweepInterval time.Duration `yaml:"sweep_interval" env:"POOL_SWEEP_INTERVAL"`
	} `yaml:"pool"`
	Health struct {
		Interval time.Duration `yaml:"interval" env:"HEALTH_INTERVAL"`
	} `yaml:"health"`
	Queue struct {
		Concurrency   int           `yaml:"concurrency" env:"QUEUE_CONCURRENCY"`
		MaxRetries    *int          `yaml:"max_retries" env:"QUEUE_MAX_RETRIES"`
		RetryDelay    time.Duration `yaml:"retry_delay" env:"QUEUE_RETRY_DELAY"`
		RatePerSecond float64       `yaml:"rate_per_second" env:"QUEUE_RATE_PER_SECOND"`
	} `yaml:"queue"`
	Events struct {
		KafkaBrokers []string `yaml:"kafka_brokers" env:"KAFKA_BROKERS"`
		KafkaTopic   string   `yaml:"kafka_topic" env:"KAFKA_TOPIC"`
		// ConsumeMetrics moves metric recomputation to a Kafka consumer.
		// Otherwise events go to Kafka and to the in-process dispatcher.
		ConsumeMetrics bool          `yaml:"consume_metrics" env:"KAFKA_CONSUME_METRICS"`
		Workers        int           `yaml:"workers" env:"EVENTS_WORKERS"`
		DrainTimeout   time.Duration `yaml:"drain_timeout" env:"EVENTS_DRAIN_TIMEOUT"`
	} `yaml:"events"`
	Cache struct {
		TTL time.Duration `yaml:"ttl" env:"CACHE_TTL"`
	} `yaml:"cache"`
	Kite struct {
		APIKey       string            `yaml:"api_key" env:"KITE_API_KEY"`
		AccessTokens map[string]string `yaml:"access_tokens" env:"KITE_ACCESS_TOKENS"`
		Stream       bool              `yaml:"stream" env:"KITE_STREAM"`
	} `yaml:"kite"`
	AuditLog struct {
		Dir           string `yaml:"dir" env:"AUDITLOG_DIR"`
		RetentionDays int    `yaml:"retention_days" env:"AUDITLOG_RETENTION_DAYS"`
	} `yaml:"auditlog"`
}

func (c *Config) Validate() error {
	if c.Mode != ModeDryRun && c.Mode != ModeLive {
		return fmt.Errorf("invalid mode '%s': must be 'DRY_RUN' or 'LIVE'", c.Mode)
	}
	if c.Storage.Driver != DriverSQLite && c.Storage.Driver != DriverPostgres {
		return fmt.Errorf("storage.driver must be 'sqlite' or 'postgres', got '%s'", c.Storage.Driver)
	}
	if c.Storage.Driver == DriverPostgres && c.Storage.DSN == "" {
		return errors.New("storage.dsn is required for postgres")
	}
	if c.Reconcile.BatchSize <= 0 {
		return fmt.Errorf("reconcile.batch_size must be positive, got %d", c.Reconcile.BatchSize)
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue.concurrency must be positive, got %d", c.Queue.Concurrency)
	}
	if c.Queue.MaxRetries != nil && *c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries cannot be negative, got %d", *c.Queue.MaxRetries)
	}
	if c.Queue.RatePerSecond < 0 {
		return fmt.Errorf("queue.rate_per_second cannot be negative, got %.2f", c.Queue.RatePerSecond)
	}
	if c.Pool.IdleTimeout < time.Second {
		return fmt.Errorf("pool.idle_timeout too small: %s", c.Pool.IdleTimeout)
	}
	if c.Mode == ModeLive && c.Kite.APIKey == "" {
		return errors.New("kite.api_key is required in LIVE mode")
	}
	if len(c.Events.KafkaBrokers) > 0 && c.Events.KafkaTopic == "" {
		return errors.New("events.kafka_topic is required when kafka_brokers is set")
	}
	return nil
}

// RetryLimit returns the configured retry count, defaulting to 3. Zero is a
// valid setting that disables retries.
func (c *Config) RetryLimit() int {
	if c.Queue.MaxRetries == nil {
		return 3
	}
	return *c.Queue.MaxRetries
}

// LoadConfig reads path (a missing file is allowed), applies environment
// overrides and defaults, and validates the result.
func LoadConfig(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &c); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}

	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}

	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeDryRun
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverSQLite
	}
	if c.Storage.Driver == DriverSQLite && c.Storage.DSN == "" {
		c.Storage.DSN = "trades.db"
	}
	if c.Reconcile.BatchSize == 0 {
		c.Reconcile.BatchSize = 100
	}
	if c.Pool.IdleTimeout == 0 {
		c.Pool.IdleTimeout = 5 * time.Minute
	}
	if c.Pool.SweepInterval == 0 {
		c.Pool.SweepInterval = 60 * time.Second
	}
	if c.Health.Interval == 0 {
		c.Health.Interval = 30 * time.Second
	}
	if c.Queue.Concurrency == 0 {
		c.Queue.Concurrency = 5
	}
	if c.Queue.RetryDelay == 0 {
		c.Queue.RetryDelay = time.Second
	}
	if c.Events.Workers == 0 {
		c.Events.Workers = 2
	}
	if c.Events.DrainTimeout == 0 {
		c.Events.DrainTimeout = 30 * time.Second
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 30 * time.Second
	}
	if c.AuditLog.Dir == "" {
		c.AuditLog.Dir = "auditlog"
	}
	if c.AuditLog.RetentionDays == 0 {
		c.AuditLog.RetentionDays = 7
	}
}
