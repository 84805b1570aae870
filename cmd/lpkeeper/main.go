package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alejandrodnm/lpkeeper/config"
	"github.com/alejandrodnm/lpkeeper/internal/adapters/ledger"
	"github.com/alejandrodnm/lpkeeper/internal/adapters/notify"
	"github.com/alejandrodnm/lpkeeper/internal/adapters/onchain"
	"github.com/alejandrodnm/lpkeeper/internal/adapters/storage"
	"github.com/alejandrodnm/lpkeeper/internal/application/fees"
	"github.com/alejandrodnm/lpkeeper/internal/application/rangeorder"
	"github.com/alejandrodnm/lpkeeper/internal/application/rebalance"
	"github.com/alejandrodnm/lpkeeper/internal/application/registry"
	"github.com/alejandrodnm/lpkeeper/internal/ports"
	"github.com/alejandrodnm/lpkeeper/internal/retry"
	"golang.org/x/sync/errgroup"
)

// dex es lo que el keeper necesita del DEX: operaciones de liquidez y precios USD.
type dex interface {
	ports.LedgerClient
	ports.PriceOracle
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	paperMode := flag.Bool("paper", false, "simulate the DEX in memory using the paper section of the config")
	once := flag.Bool("once", false, "run one reconcile/evaluate/execute cycle and exit")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	table := flag.Bool("table", false, "print full portfolio tables (default: compact 1-line)")
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
	setupLogger(cfg.Log)

	slog.Info("lpkeeper starting",
		"config", *configPath,
		"paper", *paperMode,
		"once", *once,
		"owner", cfg.Ledger.Owner,
		"reconcile_interval", cfg.ReconcileInterval(),
	)

	var (
		client dex
		gas    ports.GasEstimator
	)
	if *paperMode {
		client, gas = newPaperLedger(cfg.Paper)
		cfg.Storage.DSN = ":memory:"
	} else {
		client = ledger.NewClient(cfg.Ledger.BaseURL,
			ledger.WithRateLimits(cfg.Ledger.ReadRatePerSec, cfg.Ledger.WriteRatePerSec),
		)
		if cfg.Chain.RPCURL != "" {
			est, err := onchain.Dial(cfg.Chain.RPCURL, client, cfg.Chain.NativeToken, onchain.WithGasLimit(cfg.Chain.GasLimit))
			if err != nil {
				slog.Warn("gas estimator unavailable, using default cost", "err", err, "default_usd", cfg.Fees.DefaultGasCostUSD)
			} else {
				gas = est
			}
		}
	}

	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	strategies, err := cfg.StrategyRegistry()
	if err != nil {
		slog.Error("invalid strategies", "err", err)
		os.Exit(1)
	}

	reg := registry.New(client, registry.Config{
		Owner:           cfg.Ledger.Owner,
		DefaultSlippage: cfg.Registry.DefaultSlippage,
		Deadline:        time.Duration(cfg.Registry.DeadlineSeconds) * time.Second,
		PageSize:        cfg.Registry.PageSize,
		MaxPages:        cfg.Registry.MaxPages,
		Retry: retry.Policy{
			MaxAttempts: cfg.Ledger.RetryAttempts,
			BaseDelay:   cfg.RetryBaseDelay(),
			MaxDelay:    10 * time.Second,
		},
	}, registry.WithRepository(store))

	feeOpts := []fees.Option{}
	if gas != nil {
		feeOpts = append(feeOpts, fees.WithGasEstimator(gas))
	}
	optimizer := fees.New(reg, client, fees.Config{
		DefaultGasCostUSD: cfg.Fees.DefaultGasCostUSD,
		Workers:           cfg.Fees.Workers,
		HistoryCap:        cfg.Fees.HistoryCap,
	}, feeOpts...)

	orders := rangeorder.New(reg, rangeorder.Config{
		Retention:     time.Duration(cfg.RangeOrders.RetentionHours) * time.Hour,
		MaxOrders:     cfg.RangeOrders.MaxOrders,
		FillTolerance: cfg.RangeOrders.FillTolerance,
		Slippage:      cfg.RangeOrders.Slippage,
	})

	rebalancer := rebalance.New(reg, optimizer, strategies, rebalance.Config{
		ExecutionInterval: time.Duration(cfg.Rebalance.ExecutionIntervalSeconds) * time.Second,
		QueueCap:          cfg.Rebalance.QueueCap,
		HistoryCap:        cfg.Rebalance.HistoryCap,
		SignalRetention:   time.Duration(cfg.Rebalance.SignalRetentionMinutes) * time.Minute,
		SignalCap:         cfg.Rebalance.SignalCap,
	}, rebalance.WithExclude(orders.OwnsPosition))

	notifier := notify.NewConsole(*table || cfg.Report.Table)
	k := &keeper{
		registry:   reg,
		optimizer:  optimizer,
		orders:     orders,
		rebalancer: rebalancer,
		notifier:   notifier,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	n, err := reg.Load(ctx)
	if err != nil {
		slog.Error("failed to load positions", "err", err)
		os.Exit(1)
	}
	slog.Info("positions restored", "count", n)

	if *once {
		if err := k.runOnce(ctx); err != nil {
			slog.Error("cycle failed", "err", err)
			os.Exit(1)
		}
		return
	}

	if err := rebalancer.Start(ctx); err != nil {
		slog.Error("failed to start rebalancer", "err", err)
		os.Exit(1)
	}
	defer rebalancer.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reg.Run(gctx, cfg.ReconcileInterval()) })
	g.Go(func() error { return orders.Run(gctx, cfg.OrderUpdateInterval()) })
	g.Go(func() error { return k.report(gctx, cfg.ReportInterval()) })

	if err := g.Wait(); err != nil {
		slog.Error("keeper exited with error", "err", err)
		os.Exit(1)
	}

	slog.Info("lpkeeper stopped cleanly")
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
