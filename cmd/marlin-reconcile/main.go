// marlin-reconcile settles every pending RECONCILIATION_NEEDED record
// against the venue and exits. Useful after an outage, without waiting for
// the next trading cycle.
//
// Usage:
//
//	marlin-reconcile -config config/marlin.yaml
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"marlin/internal/broker"
	"marlin/internal/config"
	"marlin/internal/execution"
	"marlin/internal/store"
	"marlin/internal/util"
)

func main() {
	cfgPath := flag.String("config", defaultConfigPath(), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	st, err := store.OpenSQLite(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open state store: %v", err)
	}
	defer st.Close()

	b := broker.NewSaxoClient(broker.SaxoOptions{
		BaseURL:        cfg.Broker.BaseURL,
		AccessToken:    cfg.Broker.AccessToken,
		AccountKey:     cfg.Broker.AccountKey,
		ClientKey:      cfg.Broker.ClientKey,
		RequestsPerMin: cfg.Broker.RequestsPerMin,
		RequestTimeout: cfg.Broker.RequestTimeout.Std(),
		Logger:         logger,
	})

	ctx := context.Background()
	pending, err := st.PendingReconciliations(ctx)
	if err != nil {
		log.Fatalf("failed to list pending reconciliations: %v", err)
	}
	if len(pending) == 0 {
		logger.Info("no pending reconciliations")
		return
	}
	logger.Info("resolving pending reconciliations", "count", len(pending))

	reconciler := execution.NewReconciler(b, st,
		cfg.Execution.ReconcileMaxAttempts, cfg.Execution.ReconcilePollInterval.Std(), logger)
	if err := execution.ResolveAllPending(ctx, st, st, reconciler, logger); err != nil {
		log.Fatalf("reconciliation failed: %v", err)
	}

	remaining, err := st.PendingReconciliations(ctx)
	if err != nil {
		log.Fatalf("failed to re-list pending reconciliations: %v", err)
	}
	logger.Info("reconciliation pass complete",
		"resolved", len(pending)-len(remaining), "still_pending", len(remaining))
	if len(remaining) > 0 {
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("MARLIN_CONFIG"); p != "" {
		return p
	}
	return "config/marlin.yaml"
}
