package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"tradewind/internal/alert"
	"tradewind/internal/api"
	"tradewind/internal/config"
	"tradewind/internal/engine"
	"tradewind/internal/gateway"
	"tradewind/internal/ledger"
	"tradewind/internal/orders"
	"tradewind/internal/reconcile"
	"tradewind/internal/store"
	"tradewind/internal/strategy"
	"tradewind/internal/strategy/builtins"
	"tradewind/internal/util"
)

// paperSeed is the quote balance deposited into a fresh paper-mode ledger.
var paperSeed = decimal.NewFromInt(100_000)

func main() {
	cfgFlag := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	// Local development keeps credentials in a .env file; absence is fine.
	_ = godotenv.Load()

	cfgPath := "config/tradewind.yaml"
	if p := os.Getenv("TRADEWIND_CONFIG"); p != "" {
		cfgPath = p
	}
	if *cfgFlag != "" {
		cfgPath = *cfgFlag
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level)
	util.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		log.Fatalf("tradewind: %v", err)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return err
	}
	defer st.Close()
	journal := store.NewParquetJournal(cfg.Storage.DataDir)

	ldg := ledger.New(st, st)
	if err := ldg.Rehydrate(ctx); err != nil {
		return err
	}

	gw, err := buildGateway(ctx, cfg, ldg)
	if err != nil {
		return err
	}
	logger.Info("gateway ready", "venue", gw.Name(), "paper_mode", cfg.Trading.PaperMode)

	var notifier alert.Notifier = alert.NewSlogNotifier(logger)
	if cfg.Alerting.TelegramToken != "" && cfg.Alerting.TelegramChatID != "" {
		notifier = alert.Fanout{
			notifier,
			alert.NewTelegramNotifier(cfg.Alerting.TelegramToken, cfg.Alerting.TelegramChatID, logger),
		}
	}
	sink := alert.Sink(notifier)

	cooldown := gateway.NewCooldown(cfg.Gateway.Cooldown.Std())
	manager := orders.NewManager(orders.Options{
		Gateway: gw,
		Ledger:  ldg,
		Orders:  st,
		Journal: journal,
		Policy: gateway.RetryPolicy{
			MaxAttempts: cfg.Gateway.MaxAttempts,
			BaseDelay:   cfg.Gateway.BaseDelay.Std(),
			MaxDelay:    cfg.Gateway.MaxDelay.Std(),
		},
		Cooldown:   cooldown,
		QuoteAsset: cfg.Trading.QuoteAsset,
		Events:     sink,
		Log:        logger,
	})

	registry := strategy.NewRegistry()
	for _, sc := range cfg.Strategies {
		strat, err := builtins.New(sc, cfg.Trading)
		if err != nil {
			return err
		}
		registry.Register(strat)
	}

	eng, err := engine.New(engine.Options{
		Descriptors: cfg.Strategies,
		Registry:    registry,
		Gateway:     gw,
		Ledger:      ldg,
		Manager:     manager,
		Risk:        engine.NewRiskManager(cfg.Trading),
		Events:      sink,
		Log:         logger,
	})
	if err != nil {
		return err
	}

	rec := reconcile.New(reconcile.Options{
		Gateway:      gw,
		Ledger:       ldg,
		Manager:      manager,
		Journal:      journal,
		Events:       sink,
		Interval:     cfg.Reconcile.Interval.Std(),
		DriftEpsilon: cfg.Reconcile.DriftEpsilon,
		Log:          logger,
	})

	// Before any loop runs, bring local state up to date with the venue.
	if err := rec.ReconcileOnce(ctx); err != nil {
		return err
	}

	srv := api.NewServer(cfg.Server.Host, cfg.Server.GRPCPort, logger)
	go func() {
		if err := srv.ListenAndServe(ctx); err != nil {
			logger.Error("grpc server failed", "err", err)
			cancel()
		}
	}()
	go rec.Run(ctx)

	srv.SetServing(true)
	for _, sc := range cfg.Strategies {
		srv.SetServiceServing(sc.ID, true)
	}
	logger.Info("engine starting", "strategies", registry.List())
	eng.Run(ctx)
	srv.SetServing(false)
	logger.Info("engine stopped")
	return nil
}

// buildGateway selects the venue: the in-memory simulator in paper mode,
// Alpaca otherwise. A fresh paper ledger gets seeded with quote funds on
// both sides so reconciliation starts consistent.
func buildGateway(ctx context.Context, cfg *config.Config, ldg *ledger.Ledger) (gateway.Gateway, error) {
	if !cfg.Trading.PaperMode {
		return gateway.NewAlpacaGateway(cfg.Alpaca, cfg.Gateway, cfg.Trading.QuoteAsset), nil
	}

	sim := gateway.NewSimGateway()
	quote := cfg.Trading.QuoteAsset
	view := ldg.Snapshot()
	if view.Balance(quote).Total().IsZero() {
		if err := ldg.Deposit(ctx, quote, paperSeed); err != nil {
			return nil, err
		}
	}
	sim.SetBalance(quote, ldg.Snapshot().Balance(quote).Total())
	for _, p := range view.Positions {
		sim.SetPosition(p)
	}
	return sim, nil
}
