package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gin "github.com/gin-gonic/gin"

	"trade-sync/internal/api"
	"trade-sync/internal/auditlog"
	"trade-sync/internal/health"
	"trade-sync/internal/logger"
	"trade-sync/internal/queue"
	"trade-sync/internal/reconcile"
	"trade-sync/internal/report"
	"trade-sync/internal/session"
	"trade-sync/internal/syncer"
	"trade-sync/internal/trace"
)

var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	if err := initializeSystem(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(*configPath); err != nil {
		logger.ErrorWithErr(context.Background(), "syncd stopped with error", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx, configPath)
	if err != nil {
		return err
	}
	logger.Info(ctx, "Starting syncd", "version", version, "mode", cfg.Mode, "addr", cfg.HTTP.Addr)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	publisher, consumer := initializeEvents(ctx, cfg, st)
	defer publisher.Close()
	if consumer != nil {
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.ErrorWithErr(ctx, "Kafka consumer stopped", err)
			}
		}()
	}

	audit := auditlog.New(cfg.AuditLog.Dir)
	auditCron, err := scheduleAuditCompression(ctx, cfg, audit)
	if err != nil {
		return err
	}
	defer func() { <-auditCron.Stop().Done() }()

	pool := session.NewPool(
		session.WithIdleTimeout(cfg.Pool.IdleTimeout),
		session.WithSweepInterval(cfg.Pool.SweepInterval),
	)
	if err := pool.Start(ctx); err != nil {
		return err
	}
	defer pool.Close(context.Background())

	monitor := health.NewMonitor(pool, health.WithInterval(cfg.Health.Interval))
	if err := monitor.Start(ctx); err != nil {
		return err
	}
	defer monitor.Stop()

	q := queue.New(
		queue.WithConcurrency(cfg.Queue.Concurrency),
		queue.WithMaxRetries(cfg.RetryLimit()),
		queue.WithRetryDelay(cfg.Queue.RetryDelay),
		queue.WithRateLimit(cfg.Queue.RatePerSecond),
	)
	q.Start()
	defer q.Close()

	reconciler := reconcile.New(st, publisher, reconcile.WithBatchSize(cfg.Reconcile.BatchSize))
	importer := syncer.NewImporter(report.NewParser(), reconciler, audit)
	svc := syncer.NewService(pool, initializeDialer(ctx, cfg), monitor, q, reconciler, audit)

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewServer(importer, svc, st, api.WithStreamInterval(cfg.Health.Interval)).R,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info(ctx, "HTTP server listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "Shutting down...")
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.ErrorWithErr(shutdownCtx, "HTTP shutdown failed", err)
	}
	if err := trace.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "Tracer shutdown failed", "error", err.Error())
	}
	return nil
}
