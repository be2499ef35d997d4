package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"marlin/internal/domain"
)

// Compile-time interface checks.
var _ AttemptStore = (*SQLiteStore)(nil)
var _ OutcomeStore = (*SQLiteStore)(nil)
var _ CounterStore = (*SQLiteStore)(nil)

// SQLiteStore holds all durable trade state: the placement attempt log, the
// outcome journal, and daily trade counters. One file, WAL mode, safe for
// the engine's concurrent workers.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS placement_attempts (
	correlation_ref TEXT PRIMARY KEY,
	asset_type      TEXT NOT NULL,
	uic             INTEGER NOT NULL,
	side            TEXT NOT NULL,
	amount          TEXT NOT NULL,
	status          TEXT NOT NULL,
	order_id        TEXT NOT NULL DEFAULT '',
	request_id      TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS outcomes (
	correlation_ref TEXT NOT NULL,
	asset_type      TEXT NOT NULL,
	uic             INTEGER NOT NULL,
	side            TEXT NOT NULL,
	amount          TEXT NOT NULL,
	state           TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	order_id        TEXT NOT NULL DEFAULT '',
	retryable       INTEGER NOT NULL DEFAULT 0,
	cycle_id        TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	resolved_at     INTEGER,
	PRIMARY KEY (correlation_ref, cycle_id)
);
CREATE INDEX IF NOT EXISTS idx_outcomes_state ON outcomes(state);

CREATE TABLE IF NOT EXISTS trade_counters (
	day   TEXT PRIMARY KEY,
	count INTEGER NOT NULL DEFAULT 0
);
`

// OpenSQLite opens (creating if needed) the trade state database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating state dir: %w", err)
		}
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite at %s: %w", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// AttemptStore
// ---------------------------------------------------------------------------

func (s *SQLiteStore) GetAttempt(ctx context.Context, ref string) (*Attempt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT correlation_ref, asset_type, uic, side, amount, status, order_id, request_id, created_at, updated_at
		FROM placement_attempts WHERE correlation_ref = ?`, ref)

	var a Attempt
	var assetType string
	var created, updated int64
	err := row.Scan(&a.CorrelationRef, &assetType, &a.Instrument.UIC, &a.Side,
		&a.Amount, &a.Status, &a.OrderID, &a.RequestID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading attempt %s: %w", ref, err)
	}
	a.Instrument.AssetType = domain.AssetType(assetType)
	a.CreatedAt = time.Unix(created, 0).UTC()
	a.UpdatedAt = time.Unix(updated, 0).UTC()
	return &a, nil
}

func (s *SQLiteStore) RecordAttempt(ctx context.Context, a Attempt) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO placement_attempts
			(correlation_ref, asset_type, uic, side, amount, status, order_id, request_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(correlation_ref) DO UPDATE SET
			status = excluded.status,
			order_id = excluded.order_id,
			request_id = excluded.request_id,
			updated_at = excluded.updated_at`,
		a.CorrelationRef, string(a.Instrument.AssetType), a.Instrument.UIC,
		string(a.Side), a.Amount, string(a.Status), a.OrderID, a.RequestID,
		a.CreatedAt.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("recording attempt %s: %w", a.CorrelationRef, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateAttemptStatus(ctx context.Context, ref string, status AttemptStatus, orderID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE placement_attempts
		SET status = ?, order_id = CASE WHEN ? != '' THEN ? ELSE order_id END, updated_at = ?
		WHERE correlation_ref = ?`,
		string(status), orderID, orderID, time.Now().UTC().Unix(), ref)
	if err != nil {
		return fmt.Errorf("updating attempt %s: %w", ref, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating attempt %s: no such attempt", ref)
	}
	return nil
}

func (s *SQLiteStore) ClearAttempt(ctx context.Context, ref string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM placement_attempts WHERE correlation_ref = ?`, ref); err != nil {
		return fmt.Errorf("clearing attempt %s: %w", ref, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// OutcomeStore
// ---------------------------------------------------------------------------

// RecordOutcome journals one pipeline outcome. The journal keeps one row
// per (correlation_ref, cycle_id): re-running a reference in a later cycle
// appends a new record instead of rewriting the earlier one.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, rec OutcomeRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	var resolved any
	if rec.ResolvedAt != nil {
		resolved = rec.ResolvedAt.Unix()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outcomes
			(correlation_ref, asset_type, uic, side, amount, state, reason, order_id, retryable, cycle_id, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(correlation_ref, cycle_id) DO UPDATE SET
			state = excluded.state,
			reason = excluded.reason,
			order_id = excluded.order_id,
			retryable = excluded.retryable,
			resolved_at = excluded.resolved_at`,
		rec.CorrelationRef, string(rec.Instrument.AssetType), rec.Instrument.UIC,
		string(rec.Side), rec.Amount, string(rec.State), rec.Reason, rec.OrderID,
		boolInt(rec.Retryable), rec.CycleID, rec.CreatedAt.Unix(), resolved)
	if err != nil {
		return fmt.Errorf("recording outcome %s: %w", rec.CorrelationRef, err)
	}
	return nil
}

func (s *SQLiteStore) PendingReconciliations(ctx context.Context) ([]OutcomeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT correlation_ref, asset_type, uic, side, amount, state, reason, order_id, retryable, cycle_id, created_at, resolved_at
		FROM outcomes WHERE state = ? ORDER BY created_at ASC`,
		string(OutcomeReconciliationNeeded))
	if err != nil {
		return nil, fmt.Errorf("listing pending reconciliations: %w", err)
	}
	defer rows.Close()

	var out []OutcomeRecord
	for rows.Next() {
		rec, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecentOutcomes returns the most recent outcome records, newest first.
func (s *SQLiteStore) RecentOutcomes(ctx context.Context, limit int) ([]OutcomeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT correlation_ref, asset_type, uic, side, amount, state, reason, order_id, retryable, cycle_id, created_at, resolved_at
		FROM outcomes ORDER BY created_at DESC, correlation_ref LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent outcomes: %w", err)
	}
	defer rows.Close()

	var out []OutcomeRecord
	for rows.Next() {
		rec, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ResolveReconciliation(ctx context.Context, ref string, state OutcomeState, reason, orderID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outcomes
		SET state = ?, reason = ?, order_id = CASE WHEN ? != '' THEN ? ELSE order_id END, resolved_at = ?
		WHERE correlation_ref = ? AND state = ?`,
		string(state), reason, orderID, orderID, time.Now().UTC().Unix(),
		ref, string(OutcomeReconciliationNeeded))
	if err != nil {
		return fmt.Errorf("resolving reconciliation %s: %w", ref, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("resolving reconciliation %s: no pending record", ref)
	}
	return nil
}

func scanOutcome(rows *sql.Rows) (OutcomeRecord, error) {
	var rec OutcomeRecord
	var assetType string
	var retryable int
	var created int64
	var resolved sql.NullInt64
	err := rows.Scan(&rec.CorrelationRef, &assetType, &rec.Instrument.UIC,
		&rec.Side, &rec.Amount, &rec.State, &rec.Reason, &rec.OrderID,
		&retryable, &rec.CycleID, &created, &resolved)
	if err != nil {
		return rec, fmt.Errorf("scanning outcome: %w", err)
	}
	rec.Instrument.AssetType = domain.AssetType(assetType)
	rec.Retryable = retryable != 0
	rec.CreatedAt = time.Unix(created, 0).UTC()
	if resolved.Valid {
		t := time.Unix(resolved.Int64, 0).UTC()
		rec.ResolvedAt = &t
	}
	return rec, nil
}

// ---------------------------------------------------------------------------
// CounterStore
// ---------------------------------------------------------------------------

func (s *SQLiteStore) TradesOn(ctx context.Context, day string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM trade_counters WHERE day = ?`, day).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading trade counter for %s: %w", day, err)
	}
	return count, nil
}

func (s *SQLiteStore) IncrementTrades(ctx context.Context, day string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO trade_counters (day, count) VALUES (?, 1)
		ON CONFLICT(day) DO UPDATE SET count = count + 1
		RETURNING count`, day).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("incrementing trade counter for %s: %w", day, err)
	}
	return count, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
