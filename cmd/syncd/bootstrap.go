package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"trade-sync/internal/auditlog"
	"trade-sync/internal/cache"
	"trade-sync/internal/events"
	"trade-sync/internal/interfaces"
	"trade-sync/internal/logger"
	"trade-sync/internal/storage/postgres"
	"trade-sync/internal/storage/sqlite"
	"trade-sync/internal/store"
	"trade-sync/internal/terminal/kite"
	"trade-sync/internal/terminal/sim"
	"trade-sync/internal/terminal/terminalobs"
	"trade-sync/internal/trace"
)

const (
	consumerGroup = "trade-sync-metrics"
	cacheMaxCost  = 10_000
)

// initializeSystem loads .env and sets up logging and tracing.
func initializeSystem() error {
	_ = godotenv.Load()

	if err := logger.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	if err := trace.Init(trace.ConfigFromEnv(version)); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize tracer: %v\n", err)
	}
	return nil
}

func loadConfig(ctx context.Context, path string) (*store.Config, error) {
	cfg, err := store.LoadConfig(path)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to load config", err, "path", path)
		return nil, err
	}
	return cfg, nil
}

// openStore opens the configured trade store, behind a read cache when a
// cache TTL is set.
func openStore(ctx context.Context, cfg *store.Config) (interfaces.JournalStore, error) {
	var (
		st  interfaces.JournalStore
		err error
	)
	switch cfg.Storage.Driver {
	case store.DriverPostgres:
		st, err = postgres.Open(ctx, cfg.Storage.DSN)
	default:
		st, err = sqlite.Open(ctx, cfg.Storage.DSN)
	}
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "Trade store ready", "driver", cfg.Storage.Driver, "dsn", cfg.Storage.DSN)

	if cfg.Cache.TTL <= 0 {
		return st, nil
	}
	c, err := cache.New(cacheMaxCost, cfg.Cache.TTL)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create trade cache: %w", err)
	}
	return cache.NewStore(st, c), nil
}

// initializeEvents returns the publisher the reconciler emits to. Metrics are
// computed either by the in-process dispatcher or, with consume_metrics, by a
// Kafka consumer of the same topic, never by both.
func initializeEvents(ctx context.Context, cfg *store.Config, metrics interfaces.MetricsComputer) (interfaces.EventPublisher, *events.KafkaConsumer) {
	drain := events.WithDrainTimeout(cfg.Events.DrainTimeout)
	if len(cfg.Events.KafkaBrokers) == 0 {
		logger.Info(ctx, "Trade closed events handled in process", "workers", cfg.Events.Workers)
		return events.NewDispatcher(metrics, cfg.Events.Workers, drain), nil
	}
	logger.Info(ctx, "Trade closed events published to Kafka",
		"brokers", cfg.Events.KafkaBrokers,
		"topic", cfg.Events.KafkaTopic,
		"consume_metrics", cfg.Events.ConsumeMetrics,
	)
	pub := events.Detach(events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic), drain)
	if !cfg.Events.ConsumeMetrics {
		return events.Fanout{events.NewDispatcher(metrics, cfg.Events.Workers, drain), pub}, nil
	}
	consumer := events.NewKafkaConsumer(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic, consumerGroup, metrics)
	return pub, consumer
}

// initializeDialer picks the terminal backend for the mode and wraps it with
// observability.
func initializeDialer(ctx context.Context, cfg *store.Config) interfaces.Dialer {
	if cfg.Mode == store.ModeDryRun {
		logger.Warn(ctx, "Running in DRY_RUN mode - terminals are simulated")
		return terminalobs.WrapDialer(sim.New().Dial)
	}
	logger.Info(ctx, "Using Kite terminal sessions", "accounts", len(cfg.Kite.AccessTokens), "stream", cfg.Kite.Stream)
	d := kite.NewDialer(kite.Params{
		APIKey:       cfg.Kite.APIKey,
		AccessTokens: cfg.Kite.AccessTokens,
		Stream:       cfg.Kite.Stream,
	})
	return terminalobs.WrapDialer(d.Dial)
}

// scheduleAuditCompression compresses old audit files now and then daily.
func scheduleAuditCompression(ctx context.Context, cfg *store.Config, audit *auditlog.Log) (*cron.Cron, error) {
	compress := func() {
		n, err := audit.CompressOlder(cfg.AuditLog.RetentionDays)
		if err != nil {
			logger.Warn(ctx, "Failed to compress old audit logs", "error", err.Error())
			return
		}
		if n > 0 {
			logger.Info(ctx, "Compressed old audit logs", "files", n, "dir", audit.Dir())
		}
	}
	compress()

	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc("@daily", compress); err != nil {
		return nil, fmt.Errorf("schedule audit compression: %w", err)
	}
	c.Start()
	return c, nil
}
