// Package store defines persistence interfaces for the trading client and
// provides SQLite (trade state) and Parquet (market data archive)
// implementations.
package store

import (
	"context"
	"time"

	"marlin/internal/domain"
)

// ---------------------------------------------------------------------------
// Record types
// ---------------------------------------------------------------------------

// AttemptStatus is the lifecycle state of one placement attempt.
type AttemptStatus string

const (
	// AttemptPending is recorded before the placement request is sent.
	AttemptPending AttemptStatus = "pending"
	// AttemptPlaced means the broker confirmed the order.
	AttemptPlaced AttemptStatus = "placed"
	// AttemptRejected means the broker definitively rejected the order.
	AttemptRejected AttemptStatus = "rejected"
	// AttemptUnknown means the placement outcome is ambiguous and must be
	// reconciled before any retry.
	AttemptUnknown AttemptStatus = "unknown"
)

// Attempt is one row of the placement attempt log, keyed by the
// deterministic correlation reference. The log is written before the
// placement request goes out, so a crash between send and response leaves a
// pending row behind instead of silence.
type Attempt struct {
	CorrelationRef string
	Instrument     domain.InstrumentID
	Side           domain.Side
	Amount         string
	Status         AttemptStatus
	OrderID        string
	RequestID      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OutcomeState is the terminal state of one execution pipeline run.
type OutcomeState string

const (
	OutcomeSuccess              OutcomeState = "SUCCESS"
	OutcomeBlocked              OutcomeState = "BLOCKED"
	OutcomeFailed               OutcomeState = "FAILED"
	OutcomeReconciliationNeeded OutcomeState = "RECONCILIATION_NEEDED"
)

// OutcomeRecord journals the terminal outcome of one intent. Records in
// state RECONCILIATION_NEEDED stay pending until a later reconciliation
// resolves them.
type OutcomeRecord struct {
	CorrelationRef string
	Instrument     domain.InstrumentID
	Side           domain.Side
	Amount         string
	State          OutcomeState
	Reason         string
	OrderID        string
	Retryable      bool
	CycleID        string
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

// ---------------------------------------------------------------------------
// Interfaces
// ---------------------------------------------------------------------------

// AttemptStore is the durable placement attempt log.
type AttemptStore interface {
	// GetAttempt returns the attempt for the given correlation reference, or
	// nil when none exists.
	GetAttempt(ctx context.Context, ref string) (*Attempt, error)
	// RecordAttempt inserts or replaces the attempt row.
	RecordAttempt(ctx context.Context, a Attempt) error
	// UpdateAttemptStatus moves an attempt to a new status, recording the
	// broker order id when one is known.
	UpdateAttemptStatus(ctx context.Context, ref string, status AttemptStatus, orderID string) error
	// ClearAttempt removes the attempt row, re-arming the correlation
	// reference for a fresh placement.
	ClearAttempt(ctx context.Context, ref string) error
}

// OutcomeStore journals execution outcomes and tracks unresolved
// reconciliations across process restarts.
type OutcomeStore interface {
	RecordOutcome(ctx context.Context, rec OutcomeRecord) error
	// PendingReconciliations returns all outcomes still in
	// RECONCILIATION_NEEDED, oldest first.
	PendingReconciliations(ctx context.Context) ([]OutcomeRecord, error)
	// ResolveReconciliation moves a pending reconciliation to its final
	// state.
	ResolveReconciliation(ctx context.Context, ref string, state OutcomeState, reason, orderID string) error
}

// CounterStore tracks the number of orders placed per trading day, enforced
// against the configured daily limit.
type CounterStore interface {
	// TradesOn returns the count for the given day (format 2006-01-02).
	TradesOn(ctx context.Context, day string) (int, error)
	// IncrementTrades bumps the counter for the day and returns the new
	// value.
	IncrementTrades(ctx context.Context, day string) (int, error)
}

// BarStore archives OHLCV bars for offline strategy research.
type BarStore interface {
	WriteBars(ctx context.Context, bars []domain.Bar) error
	ReadBars(ctx context.Context, id domain.InstrumentID, start, end time.Time) ([]domain.Bar, error)
	// ListInstruments lists all instruments with archived bars.
	ListInstruments(ctx context.Context) ([]domain.InstrumentID, error)
}
