// Package engine drives the trading loop: each cycle resolves pending
// reconciliations, refreshes account state, gathers market data for the
// watchlist, evaluates the strategy, and hands resulting intents to the
// execution pipeline under a bounded worker pool.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"marlin/internal/config"
	"marlin/internal/domain"
	"marlin/internal/execution"
	"marlin/internal/gather"
	"marlin/internal/store"
	"marlin/internal/strategy"
	"marlin/internal/util"
)

// Engine runs trading cycles.
type Engine struct {
	cfg       *config.Config
	gatherer  *gather.Gatherer
	strat     strategy.Strategy
	executor  *execution.Executor
	positions *execution.PositionManager
	counters  store.CounterStore
	window    *util.TradingWindow
	quantity  decimal.Decimal
	logger    *slog.Logger

	clock func() time.Time
}

// Options wires an Engine together.
type Options struct {
	Config    *config.Config
	Gatherer  *gather.Gatherer
	Strategy  strategy.Strategy
	Executor  *execution.Executor
	Positions *execution.PositionManager
	Counters  store.CounterStore
	Logger    *slog.Logger
}

// New builds an engine. The trading window is only consulted when
// hours_mode is "fixed".
func New(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	qty, err := opts.Config.DefaultQuantityDecimal()
	if err != nil {
		return nil, fmt.Errorf("default quantity: %w", err)
	}

	var window *util.TradingWindow
	if opts.Config.Trading.HoursMode == "fixed" {
		window = &util.TradingWindow{
			Start:    opts.Config.Trading.TradingStart,
			End:      opts.Config.Trading.TradingEnd,
			Timezone: opts.Config.Trading.Timezone,
		}
	}

	return &Engine{
		cfg:       opts.Config,
		gatherer:  opts.Gatherer,
		strat:     opts.Strategy,
		executor:  opts.Executor,
		positions: opts.Positions,
		counters:  opts.Counters,
		window:    window,
		quantity:  qty,
		logger:    logger,
		clock:     time.Now,
	}, nil
}

// Run executes cycles every cycle_interval until ctx is cancelled. The
// first cycle runs immediately.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.cfg.Trading.CycleInterval.Std()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := e.RunCycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			e.logger.Error("cycle failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// CycleStats summarizes one cycle.
type CycleStats struct {
	CycleID   string
	Evaluated int
	Skipped   int
	Intents   int
	Placed    int
	Blocked   int
	Failed    int
	Reconcile int
}

// RunCycle executes exactly one trading cycle.
func (e *Engine) RunCycle(ctx context.Context) error {
	now := e.clock().UTC()
	cycleID := now.Format("20060102T150405Z")
	logger := e.logger.With("cycle", cycleID)

	// Unresolved reconciliations are settled before any new order runs, even
	// outside trading hours.
	if err := e.executor.ResolvePending(ctx); err != nil {
		logger.Warn("resolving pending reconciliations", "err", err)
	}

	if e.window != nil {
		open, err := e.window.Contains(now)
		if err != nil {
			return fmt.Errorf("trading window: %w", err)
		}
		if !open {
			logger.Info("outside trading window, skipping cycle")
			return nil
		}
	}

	if err := e.positions.Refresh(ctx); err != nil {
		return fmt.Errorf("refreshing positions: %w", err)
	}

	day := now.Format("2006-01-02")
	used, err := e.counters.TradesOn(ctx, day)
	if err != nil {
		return fmt.Errorf("reading trade counter: %w", err)
	}
	budget := newTradeBudget(e.cfg.Trading.MaxDailyTrades - used)

	cycleCtx, cancel := context.WithTimeout(ctx, e.cfg.Execution.CycleDeadline.Std())
	defer cancel()

	var (
		statsMu sync.Mutex
		stats   = CycleStats{CycleID: cycleID}
	)

	g, gctx := errgroup.WithContext(cycleCtx)
	g.SetLimit(e.cfg.Trading.MaxWorkers)
	for _, entry := range e.cfg.Trading.Watchlist {
		g.Go(func() error {
			result := e.runInstrument(gctx, entry, now, cycleID, day, budget, logger)
			statsMu.Lock()
			stats.Evaluated++
			switch result {
			case resultSkipped:
				stats.Skipped++
			case resultIntent:
				stats.Intents++
			case resultPlaced:
				stats.Intents++
				stats.Placed++
			case resultBlocked:
				stats.Intents++
				stats.Blocked++
			case resultFailed:
				stats.Intents++
				stats.Failed++
			case resultReconcile:
				stats.Intents++
				stats.Reconcile++
			}
			statsMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("cycle complete",
		"evaluated", stats.Evaluated, "skipped", stats.Skipped,
		"placed", stats.Placed, "blocked", stats.Blocked,
		"failed", stats.Failed, "reconciling", stats.Reconcile)
	return ctx.Err()
}

type instrumentResult int

const (
	resultSkipped instrumentResult = iota
	resultIntent
	resultPlaced
	resultBlocked
	resultFailed
	resultReconcile
)

func (e *Engine) runInstrument(ctx context.Context, entry config.WatchlistEntry, now time.Time, cycleID, day string, budget *tradeBudget, logger *slog.Logger) instrumentResult {
	id := domain.InstrumentID{AssetType: domain.AssetType(entry.AssetType), UIC: entry.UIC}
	ilog := logger.With("instrument", id.String(), "symbol", entry.Symbol)

	snap, err := e.gatherer.Collect(ctx, id, now)
	if err != nil {
		if errors.Is(err, gather.ErrMarketClosed) || errors.Is(err, gather.ErrStaleQuote) {
			ilog.Debug("skipping instrument", "reason", err)
		} else {
			ilog.Warn("gathering market data", "err", err)
		}
		return resultSkipped
	}

	decision, err := e.strat.Evaluate(id, snap.Bars, now)
	if err != nil {
		ilog.Warn("strategy evaluation failed", "err", err)
		return resultSkipped
	}
	if decision.Action == domain.ActionHold {
		ilog.Debug("holding", "reason", decision.Reason)
		return resultSkipped
	}
	ilog.Info("signal", "action", decision.Action, "reason", decision.Reason)

	intent, err := execution.BuildIntent(decision, e.quantity)
	if err != nil {
		ilog.Warn("building intent", "err", err)
		return resultSkipped
	}

	if !budget.reserve() {
		ilog.Info("daily trade limit reached, dropping intent")
		return resultBlocked
	}

	out := e.executor.Execute(ctx, intent, cycleID)
	switch out.State {
	case store.OutcomeSuccess:
		if _, err := e.counters.IncrementTrades(ctx, day); err != nil {
			ilog.Error("incrementing trade counter", "err", err)
		}
		return resultPlaced
	case store.OutcomeBlocked:
		budget.release()
		return resultBlocked
	case store.OutcomeFailed:
		budget.release()
		return resultFailed
	case store.OutcomeReconciliationNeeded:
		// The order may exist; the reservation stands until reconciliation
		// says otherwise.
		return resultReconcile
	}
	return resultIntent
}

// tradeBudget hands out the day's remaining trade slots to concurrent
// workers.
type tradeBudget struct {
	mu        sync.Mutex
	remaining int
}

func newTradeBudget(remaining int) *tradeBudget {
	if remaining < 0 {
		remaining = 0
	}
	return &tradeBudget{remaining: remaining}
}

func (b *tradeBudget) reserve() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining <= 0 {
		return false
	}
	b.remaining--
	return true
}

func (b *tradeBudget) release() {
	b.mu.Lock()
	b.remaining++
	b.mu.Unlock()
}
