// Command importer imports one broker report for a user, either straight into
// the configured store or through a running syncd.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"trade-sync/internal/api"
	"trade-sync/internal/auditlog"
	"trade-sync/internal/events"
	"trade-sync/internal/interfaces"
	"trade-sync/internal/logger"
	"trade-sync/internal/reconcile"
	"trade-sync/internal/report"
	"trade-sync/internal/reportfetch"
	"trade-sync/internal/storage/postgres"
	"trade-sync/internal/storage/sqlite"
	"trade-sync/internal/store"
	"trade-sync/internal/syncer"
)

type options struct {
	user       string
	file       string
	url        string
	format     string
	configPath string
	server     string
	timeout    time.Duration
}

func main() {
	var o options
	flag.StringVar(&o.user, "user", "", "user id the trades belong to (required)")
	flag.StringVar(&o.file, "file", "", "path of a report export")
	flag.StringVar(&o.url, "url", "", "URL of a report export")
	flag.StringVar(&o.format, "format", "", "report format: html or csv (default: detect)")
	flag.StringVar(&o.configPath, "config", "config.yaml", "path to the YAML config file")
	flag.StringVar(&o.server, "server", "", "base URL of a running syncd; imports locally when empty")
	flag.DurationVar(&o.timeout, "timeout", 2*time.Minute, "overall timeout")
	flag.Parse()

	_ = godotenv.Load()
	if err := logger.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	res, err := run(ctx, o)
	if err != nil {
		fmt.Fprintf(os.Stderr, "import failed: %v\n", err)
		logger.Sync()
		os.Exit(1)
	}
	fmt.Println(res.Message)
}

func run(ctx context.Context, o options) (syncer.ImportResult, error) {
	if strings.TrimSpace(o.user) == "" {
		return syncer.ImportResult{}, errors.New("-user is required")
	}
	data, format, err := readReport(ctx, o)
	if err != nil {
		return syncer.ImportResult{}, err
	}

	if o.server != "" {
		return api.NewClient(strings.TrimRight(o.server, "/")).Import(ctx, o.user, format, data)
	}
	return importLocally(ctx, o, data, format)
}

func readReport(ctx context.Context, o options) ([]byte, report.Format, error) {
	var (
		data     []byte
		detected report.Format
		err      error
	)
	switch {
	case o.file != "" && o.url != "":
		return nil, "", errors.New("use either -file or -url")
	case o.file != "":
		data, err = os.ReadFile(o.file)
		detected = reportfetch.DetectFormat("", o.file)
	case o.url != "":
		data, detected, err = reportfetch.New(0, 0).Fetch(ctx, o.url)
	default:
		return nil, "", errors.New("-file or -url is required")
	}
	if err != nil {
		return nil, "", err
	}

	if o.format == "" {
		return data, detected, nil
	}
	format, err := report.ParseFormat(o.format)
	if err != nil {
		return nil, "", err
	}
	return data, format, nil
}

func importLocally(ctx context.Context, o options, data []byte, format report.Format) (syncer.ImportResult, error) {
	cfg, err := store.LoadConfig(o.configPath)
	if err != nil {
		return syncer.ImportResult{}, fmt.Errorf("load config: %w", err)
	}

	var st interfaces.TradeStore
	switch cfg.Storage.Driver {
	case store.DriverPostgres:
		st, err = postgres.Open(ctx, cfg.Storage.DSN)
	default:
		st, err = sqlite.Open(ctx, cfg.Storage.DSN)
	}
	if err != nil {
		return syncer.ImportResult{}, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	dispatcher := events.NewDispatcher(st, cfg.Events.Workers, events.WithDrainTimeout(cfg.Events.DrainTimeout))
	defer dispatcher.Close()

	reconciler := reconcile.New(st, dispatcher, reconcile.WithBatchSize(cfg.Reconcile.BatchSize))
	importer := syncer.NewImporter(report.NewParser(), reconciler, auditlog.New(cfg.AuditLog.Dir))
	return importer.Import(ctx, o.user, data, format)
}
