package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"marlin/internal/broker"
	"marlin/internal/domain"
	"marlin/internal/store"
)

// Reconciler resolves ambiguous placement attempts against the venue's
// authoritative order records. It polls a bounded number of times; if the
// venue cannot give a definite answer the intent stays in
// RECONCILIATION_NEEDED rather than being guessed at.
type Reconciler struct {
	broker       broker.Broker
	attempts     store.AttemptStore
	maxAttempts  int
	pollInterval time.Duration
	logger       *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewReconciler builds a reconciler that polls up to maxAttempts times,
// doubling pollInterval between polls.
func NewReconciler(b broker.Broker, attempts store.AttemptStore, maxAttempts int, pollInterval time.Duration, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Reconciler{
		broker:       b,
		attempts:     attempts,
		maxAttempts:  maxAttempts,
		pollInterval: pollInterval,
		logger:       logger,
		sleep:        sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Resolve determines the fate of the order identified by ref. SUCCESS when
// the venue confirms an order, FAILED when the venue definitively shows
// none (the correlation key is re-armed), RECONCILIATION_NEEDED when no
// definite answer could be obtained within the poll budget.
func (r *Reconciler) Resolve(ctx context.Context, ref string) Outcome {
	interval := r.pollInterval
	var lastErr error

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		orders, err := r.broker.OrdersByReference(ctx, ref)
		lastErr = err
		if err != nil {
			r.logger.Warn("reconciliation poll failed",
				"ref", ref, "attempt", attempt, "err", err)
		} else if len(orders) > 0 {
			return r.orderFound(ctx, ref, orders[0])
		} else {
			r.logger.Debug("no order at venue", "ref", ref, "attempt", attempt)
		}

		if attempt < r.maxAttempts {
			if err := r.sleep(ctx, interval); err != nil {
				return reconciliationNeeded(fmt.Sprintf("reconciliation interrupted: %v", err))
			}
			interval *= 2
		}
	}

	if lastErr != nil {
		return reconciliationNeeded(fmt.Sprintf("venue unreachable during reconciliation: %v", lastErr))
	}

	// The venue definitively reports no order for this reference. The
	// placement never happened; re-arm the key so a later cycle may retry.
	if err := r.attempts.ClearAttempt(ctx, ref); err != nil {
		return reconciliationNeeded(fmt.Sprintf("clearing attempt after not-found: %v", err))
	}
	r.logger.Info("reconciliation: order never reached venue", "ref", ref, "polls", r.maxAttempts)
	return failed(fmt.Sprintf("order not found at venue after %d checks", r.maxAttempts), true)
}

// orderFound maps a venue order record to a terminal outcome and records it
// in the attempt log.
func (r *Reconciler) orderFound(ctx context.Context, ref string, o domain.BrokerOrder) Outcome {
	switch {
	case o.Confirmed():
		if err := r.attempts.UpdateAttemptStatus(ctx, ref, store.AttemptPlaced, o.OrderID); err != nil {
			r.logger.Error("recording reconciled placement", "ref", ref, "err", err)
		}
		r.logger.Info("reconciliation: order confirmed",
			"ref", ref, "order_id", o.OrderID, "status", o.Status)
		return success(o.OrderID)
	case o.Status == domain.OrderStatusRejected:
		if err := r.attempts.UpdateAttemptStatus(ctx, ref, store.AttemptRejected, o.OrderID); err != nil {
			r.logger.Error("recording reconciled rejection", "ref", ref, "err", err)
		}
		return failed("order rejected at venue", false)
	case o.Status == domain.OrderStatusCancelled:
		if err := r.attempts.UpdateAttemptStatus(ctx, ref, store.AttemptRejected, o.OrderID); err != nil {
			r.logger.Error("recording reconciled cancellation", "ref", ref, "err", err)
		}
		return failed("order cancelled at venue", false)
	}
	// An order exists but its state is unreadable; keep the key locked.
	return reconciliationNeeded(fmt.Sprintf("order %s in unrecognized state %q", o.OrderID, o.Status))
}
