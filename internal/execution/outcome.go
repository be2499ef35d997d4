// Package execution implements the order execution pipeline: intent
// building, precheck, disclaimer resolution, idempotent placement, and
// reconciliation. Every run of the pipeline ends in exactly one terminal
// outcome, and at most one broker order ever exists per intent.
package execution

import (
	"fmt"

	"marlin/internal/store"
)

// Outcome is the terminal result of one pipeline run.
type Outcome struct {
	State   store.OutcomeState
	Reason  string
	OrderID string
	// Retryable marks FAILED outcomes where a later cycle may try again
	// with a fresh intent. BLOCKED and non-retryable FAILED outcomes must
	// not be retried for the same decision.
	Retryable bool
}

func (o Outcome) String() string {
	switch o.State {
	case store.OutcomeSuccess:
		return fmt.Sprintf("SUCCESS(order=%s)", o.OrderID)
	case store.OutcomeFailed:
		return fmt.Sprintf("FAILED(%s, retryable=%t)", o.Reason, o.Retryable)
	default:
		return fmt.Sprintf("%s(%s)", o.State, o.Reason)
	}
}

// Terminal reports whether the outcome needs no further action this cycle.
// RECONCILIATION_NEEDED is terminal for the cycle but stays pending in the
// outcome journal until resolved.
func (o Outcome) Terminal() bool { return o.State != "" }

func success(orderID string) Outcome {
	return Outcome{State: store.OutcomeSuccess, OrderID: orderID}
}

func blocked(reason string) Outcome {
	return Outcome{State: store.OutcomeBlocked, Reason: reason}
}

func failed(reason string, retryable bool) Outcome {
	return Outcome{State: store.OutcomeFailed, Reason: reason, Retryable: retryable}
}

func reconciliationNeeded(reason string) Outcome {
	return Outcome{State: store.OutcomeReconciliationNeeded, Reason: reason}
}
