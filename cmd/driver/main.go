package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alejandrodnm/batchsettler/config"
	"github.com/alejandrodnm/batchsettler/internal/adapters/notify"
	"github.com/alejandrodnm/batchsettler/internal/adapters/onchain"
	"github.com/alejandrodnm/batchsettler/internal/adapters/solver"
	"github.com/alejandrodnm/batchsettler/internal/adapters/storage"
	"github.com/alejandrodnm/batchsettler/internal/adapters/stream"
	"github.com/alejandrodnm/batchsettler/internal/application/driver"
	naive "github.com/alejandrodnm/batchsettler/internal/application/solver"
	"github.com/alejandrodnm/batchsettler/internal/observability"
	"github.com/alejandrodnm/batchsettler/internal/ports"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	once := flag.Bool("once", false, "handle one epoch and exit")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	table := flag.Bool("table", false, "print the attempt table after each epoch")
	history := flag.Int("history", 0, "print the last N submission attempts and exit")
	solverMode := flag.String("solver", "", "solver: naive|http (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if *solverMode != "" {
		cfg.Solver.Mode = *solverMode
	}
	setupLogger(cfg.Log)

	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	console := notify.NewConsole(*table)

	if *history > 0 {
		printHistory(store, console, *history)
		return
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	slog.Info("batchsettler starting",
		"config", *configPath,
		"contract", cfg.Ledger.Contract,
		"chain_id", cfg.Ledger.ChainID,
		"solver", cfg.Solver.Mode,
		"events", cfg.Events.Driver,
		"once", *once,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ledger, err := onchain.Dial(cfg.Ledger.RPCURL, cfg.Ledger.Contract, cfg.Ledger.ChainID, cfg.Ledger.PrivateKey)
	if err != nil {
		slog.Error("failed to connect to ledger", "err", err)
		os.Exit(1)
	}
	slog.Info("ledger: submitting as", "address", ledger.Address().Hex())

	events, err := storage.OpenEventLog(cfg.Events.Driver, cfg.Events.DSN)
	if err != nil {
		slog.Error("failed to open event log", "err", err, "driver", cfg.Events.Driver)
		os.Exit(1)
	}
	defer events.Close()

	metrics := observability.NewMetrics()
	notifiers := []ports.Notifier{console}

	if cfg.NATS.URL != "" && (cfg.NATS.Index || cfg.NATS.PublishReports) {
		nc, js, err := stream.Connect(cfg.NATS.URL)
		if err != nil {
			slog.Error("failed to connect to nats", "err", err, "url", cfg.NATS.URL)
			os.Exit(1)
		}
		defer nc.Drain()

		if err := stream.EnsureStreams(ctx, js); err != nil {
			slog.Error("failed to ensure streams", "err", err)
			os.Exit(1)
		}
		if cfg.NATS.Index {
			indexer := stream.NewIndexer(events, metrics)
			if err := indexer.Start(ctx, js, cfg.NATS.Consumer); err != nil {
				slog.Error("failed to start indexer", "err", err)
				os.Exit(1)
			}
			defer indexer.Stop()
		}
		if cfg.NATS.PublishReports {
			notifiers = append(notifiers, stream.NewPublisher(js))
		}
	}

	var solve ports.Solver
	switch cfg.Solver.Mode {
	case "http":
		solve = solver.NewHTTPClient(cfg.Solver.URL)
	default:
		solve = naive.NewNaive()
	}

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metrics.Handler(cfg.MetricsStaleAfter()),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			srv.Shutdown(shutdownCtx)
		}()
		slog.Info("metrics listening", "addr", cfg.Metrics.Addr)
	}

	loop := driver.New(driver.Config{
		PollInterval:        cfg.PollInterval(),
		SafetyMargin:        cfg.SafetyMargin(),
		IndexRetryDelay:     cfg.IndexRetryDelay(),
		MaxSolveAttempts:    cfg.Driver.MaxSolveAttempts,
		MaxResubmits:        cfg.Driver.MaxResubmits,
		FinalityTimeout:     cfg.FinalityTimeout(),
		ReceiptPollInterval: cfg.ReceiptPollInterval(),
		LedgerBackoffMax:    cfg.LedgerBackoffMax(),
		Once:                *once,
	}, driver.Deps{
		Ledger:    ledger,
		Ingestor:  events,
		Solver:    solve,
		Store:     store,
		Notifiers: notifiers,
		Metrics:   metrics,
	})

	if err := loop.Run(ctx); err != nil {
		slog.Error("driver exited with error", "err", err)
		os.Exit(1)
	}

	slog.Info("batchsettler stopped cleanly")
}

func printHistory(store *storage.SQLiteStorage, console *notify.Console, n int) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	attempts, err := store.Attempts(ctx, 0, n)
	if err != nil {
		slog.Error("failed to read history", "err", err)
		os.Exit(1)
	}
	console.PrintHistory(attempts)
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
