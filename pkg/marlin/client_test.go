package marlin_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marlin/internal/broker"
	"marlin/internal/domain"
	"marlin/internal/httpapi"
	"marlin/internal/store"
	"marlin/pkg/marlin"
)

func newClient(t *testing.T) (*marlin.Client, *store.SQLiteStore) {
	t.Helper()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "marlin.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	srv := httpapi.NewStatusServer(db, broker.NewSimulator(), "PAPER", nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return marlin.NewClient(ts.URL), db
}

func TestClientHealth(t *testing.T) {
	c, _ := newClient(t)

	health, err := c.Health(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", health.Status)
	require.Equal(t, "simulator", health.Broker)
}

func TestClientOutcomesAndPending(t *testing.T) {
	c, db := newClient(t)
	ctx := context.Background()

	require.NoError(t, db.RecordOutcome(ctx, store.OutcomeRecord{
		CorrelationRef: "ml-cccc",
		Instrument:     domain.InstrumentID{AssetType: domain.AssetTypeStock, UIC: 211},
		Side:           domain.SideBuy,
		Amount:         "5",
		State:          store.OutcomeReconciliationNeeded,
		Reason:         "venue unreachable",
		Retryable:      true,
		CycleID:        "20260828T150000Z",
		CreatedAt:      time.Date(2026, 8, 28, 15, 0, 0, 0, time.UTC),
	}))

	outcomes, err := c.Outcomes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, "ml-cccc", outcomes[0].CorrelationRef)

	pending, err := c.PendingReconciliations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "RECONCILIATION_NEEDED", pending[0].State)
}

func TestClientTradesBadDay(t *testing.T) {
	c, _ := newClient(t)

	_, err := c.Trades(context.Background(), "not-a-day")
	require.Error(t, err)

	count, err := c.Trades(context.Background(), "2026-08-28")
	require.NoError(t, err)
	require.Equal(t, 0, count)
}
