// marlin-trader runs the trading loop: gather market data for the
// watchlist, evaluate the strategy, and execute resulting orders through
// the precheck/disclaimer/placement/reconciliation pipeline.
//
// Usage:
//
//	marlin-trader -config config/marlin.yaml [-dry-run] [-single-cycle]
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marlin/internal/broker"
	"marlin/internal/config"
	"marlin/internal/domain"
	"marlin/internal/engine"
	"marlin/internal/execution"
	"marlin/internal/gather"
	"marlin/internal/httpapi"
	"marlin/internal/store"
	"marlin/internal/strategy"
	_ "marlin/internal/strategy/builtins"
	"marlin/internal/util"
)

func main() {
	cfgPath := flag.String("config", defaultConfigPath(), "path to the YAML config file")
	dryRun := flag.Bool("dry-run", false, "stop each order after precheck, never place")
	singleCycle := flag.Bool("single-cycle", false, "run one trading cycle and exit")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *dryRun {
		cfg.Execution.DryRun = true
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	logger.Info("marlin-trader starting",
		"environment", cfg.Broker.Environment,
		"dry_run", cfg.Execution.DryRun,
		"watchlist", len(cfg.Trading.Watchlist),
		"strategy", cfg.Strategy.Name,
		"token", util.MaskSecret(cfg.Broker.AccessToken))

	st, err := store.OpenSQLite(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open state store: %v", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := buildBroker(cfg, logger)
	if err := resolveWatchlist(ctx, cfg, b, logger); err != nil {
		log.Fatalf("failed to resolve watchlist: %v", err)
	}

	positions := execution.NewPositionManager(b, cfg.Execution.DuplicateBuyPolicy,
		cfg.Execution.AllowShortCovering, cfg.Trading.MaxPositions, logger)
	executor := execution.NewExecutor(execution.ExecutorOptions{
		Positions:   positions,
		Prechecker:  execution.NewPrechecker(b, cfg.Execution.PrecheckRetries, cfg.Execution.PrecheckBackoff.Std(), logger),
		Disclaimers: execution.NewDisclaimerResolver(b, cfg.Execution.DisclaimerCacheTTL.Std(), logger),
		Placer:      execution.NewPlacer(b, st, logger),
		Reconciler:  execution.NewReconciler(b, st, cfg.Execution.ReconcileMaxAttempts, cfg.Execution.ReconcilePollInterval.Std(), logger),
		Outcomes:    st,
		Counters:    st,
		DryRun:      cfg.Execution.DryRun,
		Logger:      logger,
	})

	strat, err := strategy.New(cfg.Strategy)
	if err != nil {
		log.Fatalf("failed to build strategy: %v", err)
	}

	if cfg.API.ListenAddr != "" {
		startStatusAPI(ctx, cfg, st, b, logger)
	}

	archive := store.NewParquetStore(cfg.Storage.DataDir)
	gatherer := gather.NewGatherer(b, archive, cfg.Trading.MaxQuoteAge.Std(),
		cfg.Strategy.BarMinutes, cfg.Strategy.LongWindow+2, logger)
	if cfg.Trading.HoursMode == "instrument" {
		gatherer.RequireMarketState(true)
	}

	eng, err := engine.New(engine.Options{
		Config:    cfg,
		Gatherer:  gatherer,
		Strategy:  strat,
		Executor:  executor,
		Positions: positions,
		Counters:  st,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("failed to build engine: %v", err)
	}

	if *singleCycle {
		if err := eng.RunCycle(ctx); err != nil {
			log.Fatalf("cycle failed: %v", err)
		}
		return
	}
	if err := eng.Run(ctx); err != nil {
		log.Fatalf("engine stopped: %v", err)
	}
	logger.Info("marlin-trader stopped")
}

func defaultConfigPath() string {
	if p := os.Getenv("MARLIN_CONFIG"); p != "" {
		return p
	}
	return "config/marlin.yaml"
}

// buildBroker returns the venue client, or the in-memory simulator when the
// environment is PAPER.
func buildBroker(cfg *config.Config, logger *slog.Logger) broker.Broker {
	if cfg.Broker.Environment == "PAPER" {
		logger.Warn("PAPER environment: using in-memory simulator, no real orders")
		return broker.NewSimulator()
	}
	return broker.NewSaxoClient(broker.SaxoOptions{
		BaseURL:        cfg.Broker.BaseURL,
		AccessToken:    cfg.Broker.AccessToken,
		AccountKey:     cfg.Broker.AccountKey,
		ClientKey:      cfg.Broker.ClientKey,
		RequestsPerMin: cfg.Broker.RequestsPerMin,
		RequestTimeout: cfg.Broker.RequestTimeout.Std(),
		Logger:         logger,
	})
}

// startStatusAPI serves the read-only status API in the background and
// shuts it down when ctx is cancelled.
func startStatusAPI(ctx context.Context, cfg *config.Config, st *store.SQLiteStore, b broker.Broker, logger *slog.Logger) {
	srv := &http.Server{
		Addr:    cfg.API.ListenAddr,
		Handler: httpapi.NewStatusServer(st, b, cfg.Broker.Environment, logger).Handler(),
	}
	go func() {
		logger.Info("status API listening", "addr", cfg.API.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status API stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}

// resolveWatchlist fills in missing UICs through instrument search.
func resolveWatchlist(ctx context.Context, cfg *config.Config, b broker.Broker, logger *slog.Logger) error {
	for i, entry := range cfg.Trading.Watchlist {
		if entry.UIC != 0 {
			continue
		}
		matches, err := b.SearchInstruments(ctx, entry.Symbol, domain.AssetType(entry.AssetType))
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			log.Fatalf("watchlist symbol %q (%s) not found at venue", entry.Symbol, entry.AssetType)
		}
		cfg.Trading.Watchlist[i].UIC = matches[0].ID.UIC
		logger.Info("resolved watchlist symbol",
			"symbol", entry.Symbol, "uic", matches[0].ID.UIC, "description", matches[0].Description)
	}
	return nil
}
