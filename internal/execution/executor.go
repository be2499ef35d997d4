package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"marlin/internal/store"
)

// Executor runs the full pipeline for one intent: position guards,
// precheck, disclaimer resolution, placement, and, when placement is
// ambiguous, reconciliation. Every run ends in exactly one journaled
// outcome.
type Executor struct {
	positions   *PositionManager
	prechecker  *Prechecker
	disclaimers *DisclaimerResolver
	placer      *Placer
	reconciler  *Reconciler
	outcomes    store.OutcomeStore
	counters    store.CounterStore
	dryRun      bool
	logger      *slog.Logger
}

// ExecutorOptions wires the pipeline stages together.
type ExecutorOptions struct {
	Positions   *PositionManager
	Prechecker  *Prechecker
	Disclaimers *DisclaimerResolver
	Placer      *Placer
	Reconciler  *Reconciler
	Outcomes    store.OutcomeStore
	Counters    store.CounterStore
	DryRun      bool
	Logger      *slog.Logger
}

// NewExecutor builds an executor from its stages.
func NewExecutor(opts ExecutorOptions) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		positions:   opts.Positions,
		prechecker:  opts.Prechecker,
		disclaimers: opts.Disclaimers,
		placer:      opts.Placer,
		reconciler:  opts.Reconciler,
		outcomes:    opts.Outcomes,
		counters:    opts.Counters,
		dryRun:      opts.DryRun,
		logger:      logger,
	}
}

// Execute runs the pipeline for one intent and journals the terminal
// outcome under the given cycle id.
func (e *Executor) Execute(ctx context.Context, intent OrderIntent, cycleID string) Outcome {
	logger := e.logger.With("ref", intent.CorrelationRef,
		"instrument", intent.Instrument.String(), "side", intent.Side, "cycle", cycleID)
	logger.Info("executing intent", "amount", intent.Amount, "strategy", intent.StrategyID)

	outcome := e.run(ctx, intent, logger)
	e.journal(ctx, intent, cycleID, outcome, logger)

	logger.Info("intent finished", "outcome", outcome.String())
	return outcome
}

func (e *Executor) run(ctx context.Context, intent OrderIntent, logger *slog.Logger) Outcome {
	if err := ctx.Err(); err != nil {
		return failed(fmt.Sprintf("cycle deadline before guards: %v", err), true)
	}
	if out := e.positions.Check(intent); out.Terminal() {
		logger.Info("blocked by position guard", "reason", out.Reason)
		return out
	}

	if err := ctx.Err(); err != nil {
		return failed(fmt.Sprintf("cycle deadline before precheck: %v", err), true)
	}
	result, out := e.prechecker.Run(ctx, intent)
	if out.Terminal() {
		return out
	}

	if e.dryRun {
		// Dry-run stops after a clean precheck; no order, no success claim.
		logger.Info("dry run, skipping placement")
		return blocked("dry run: precheck passed, order not placed")
	}

	if err := ctx.Err(); err != nil {
		return failed(fmt.Sprintf("cycle deadline before disclaimers: %v", err), true)
	}
	if out := e.disclaimers.Resolve(ctx, intent.CorrelationRef, result.Disclaimers); out.Terminal() {
		return out
	}

	if err := ctx.Err(); err != nil {
		return failed(fmt.Sprintf("cycle deadline before placement: %v", err), true)
	}
	out = e.placer.Place(ctx, intent)
	if out.State == store.OutcomeReconciliationNeeded {
		logger.Info("placement ambiguous, reconciling", "reason", out.Reason)
		out = e.reconciler.Resolve(ctx, intent.CorrelationRef)
	}
	return out
}

// journal records the outcome. RECONCILIATION_NEEDED rows stay pending in
// the journal; ResolvePending picks them up in later cycles.
func (e *Executor) journal(ctx context.Context, intent OrderIntent, cycleID string, out Outcome, logger *slog.Logger) {
	rec := store.OutcomeRecord{
		CorrelationRef: intent.CorrelationRef,
		Instrument:     intent.Instrument,
		Side:           intent.Side,
		Amount:         intent.Amount.String(),
		State:          out.State,
		Reason:         out.Reason,
		OrderID:        out.OrderID,
		Retryable:      out.Retryable,
		CycleID:        cycleID,
	}
	if out.State != store.OutcomeReconciliationNeeded {
		now := time.Now().UTC()
		rec.ResolvedAt = &now
	}
	if err := e.outcomes.RecordOutcome(ctx, rec); err != nil {
		logger.Error("journaling outcome", "err", err)
	}
}

// ResolvePending re-resolves all journaled RECONCILIATION_NEEDED outcomes.
// Called at the start of each cycle, before any new intents run.
func (e *Executor) ResolvePending(ctx context.Context) error {
	return ResolveAllPending(ctx, e.outcomes, e.counters, e.reconciler, e.logger)
}

// ResolveAllPending walks every pending RECONCILIATION_NEEDED record and
// attempts to settle it against the venue. Records the venue still cannot
// answer for stay pending. A record that settles as SUCCESS counts against
// the daily trade limit for the day the attempt was made.
func ResolveAllPending(ctx context.Context, outcomes store.OutcomeStore, counters store.CounterStore, r *Reconciler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	pending, err := outcomes.PendingReconciliations(ctx)
	if err != nil {
		return fmt.Errorf("listing pending reconciliations: %w", err)
	}
	// A reference observed pending in several cycles has one journal row
	// per cycle; resolve each reference once.
	seen := make(map[string]bool, len(pending))
	for _, rec := range pending {
		if seen[rec.CorrelationRef] {
			continue
		}
		seen[rec.CorrelationRef] = true
		out := r.Resolve(ctx, rec.CorrelationRef)
		if out.State == store.OutcomeReconciliationNeeded {
			logger.Info("reconciliation still pending",
				"ref", rec.CorrelationRef, "reason", out.Reason)
			continue
		}
		if err := outcomes.ResolveReconciliation(ctx, rec.CorrelationRef, out.State, out.Reason, out.OrderID); err != nil {
			return fmt.Errorf("resolving %s: %w", rec.CorrelationRef, err)
		}
		if out.State == store.OutcomeSuccess && counters != nil {
			day := rec.CreatedAt.UTC().Format("2006-01-02")
			if _, err := counters.IncrementTrades(ctx, day); err != nil {
				logger.Error("incrementing trade counter", "ref", rec.CorrelationRef, "err", err)
			}
		}
		logger.Info("pending reconciliation resolved",
			"ref", rec.CorrelationRef, "outcome", out.String())
	}
	return nil
}
