package execution

import (
	"context"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marlin/internal/broker"
	"marlin/internal/domain"
	"marlin/internal/store"
)

var testInstrument = domain.InstrumentID{AssetType: domain.AssetTypeStock, UIC: 211}

// fakeBroker scripts individual venue calls for pipeline tests.
type fakeBroker struct {
	precheck   func(req broker.OrderRequest) (*broker.PrecheckResponse, error)
	place      func(req broker.OrderRequest) (*broker.PlaceOrderResponse, error)
	orders     func(ref string) ([]domain.BrokerOrder, error)
	positions  func() ([]domain.Position, error)
	disclaimer func(token string) (*broker.DisclaimerDetail, error)
	accept     func(dc, token string) error

	precheckCalls int
	placeCalls    int
	orderCalls    int
	acceptCalls   int
}

func (f *fakeBroker) Name() string { return "fake" }

func (f *fakeBroker) Precheck(_ context.Context, req broker.OrderRequest) (*broker.PrecheckResponse, error) {
	f.precheckCalls++
	if f.precheck != nil {
		return f.precheck(req)
	}
	return &broker.PrecheckResponse{HTTPStatus: 200}, nil
}

func (f *fakeBroker) PlaceOrder(_ context.Context, req broker.OrderRequest) (*broker.PlaceOrderResponse, error) {
	f.placeCalls++
	if f.place != nil {
		return f.place(req)
	}
	return &broker.PlaceOrderResponse{HTTPStatus: 200, OrderID: "order-1"}, nil
}

func (f *fakeBroker) OrdersByReference(_ context.Context, ref string) ([]domain.BrokerOrder, error) {
	f.orderCalls++
	if f.orders != nil {
		return f.orders(ref)
	}
	return nil, nil
}

func (f *fakeBroker) NetPositions(context.Context) ([]domain.Position, error) {
	if f.positions != nil {
		return f.positions()
	}
	return nil, nil
}

func (f *fakeBroker) DisclaimerDetails(_ context.Context, token string) (*broker.DisclaimerDetail, error) {
	if f.disclaimer != nil {
		return f.disclaimer(token)
	}
	return &broker.DisclaimerDetail{Token: token}, nil
}

func (f *fakeBroker) AcceptDisclaimer(_ context.Context, dc, token string) error {
	f.acceptCalls++
	if f.accept != nil {
		return f.accept(dc, token)
	}
	return nil
}

func (f *fakeBroker) SearchInstruments(context.Context, string, domain.AssetType) ([]domain.Instrument, error) {
	return nil, nil
}

func (f *fakeBroker) LatestQuote(context.Context, domain.InstrumentID) (*domain.Quote, error) {
	return nil, nil
}

func (f *fakeBroker) RecentBars(context.Context, domain.InstrumentID, int, int, time.Time) ([]domain.Bar, error) {
	return nil, nil
}

// newPipeline wires an executor over the fake broker and a real SQLite
// state store.
func newPipeline(t *testing.T, fb *fakeBroker, dryRun bool) (*Executor, *store.SQLiteStore) {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	positions := NewPositionManager(fb, DuplicateBuyBlock, false, 0, nil)
	require.NoError(t, positions.Refresh(context.Background()))

	reconciler := NewReconciler(fb, st, 3, time.Millisecond, nil)
	reconciler.sleep = func(context.Context, time.Duration) error { return nil }

	exec := NewExecutor(ExecutorOptions{
		Positions:   positions,
		Prechecker:  NewPrechecker(fb, 1, time.Millisecond, nil),
		Disclaimers: NewDisclaimerResolver(fb, time.Minute, nil),
		Placer:      NewPlacer(fb, st, nil),
		Reconciler:  reconciler,
		Outcomes:    st,
		Counters:    st,
		DryRun:      dryRun,
	})
	return exec, st
}

func testIntent(t *testing.T) OrderIntent {
	t.Helper()
	intent, err := BuildIntent(domain.Decision{
		Instrument:   testInstrument,
		Action:       domain.ActionBuy,
		DecisionTime: time.Date(2026, 8, 28, 14, 30, 0, 0, time.UTC),
		StrategyID:   "ma_cross",
	}, decimal.NewFromInt(5))
	require.NoError(t, err)
	return intent
}

func transportErr() error {
	return &url.Error{Op: "Post", URL: "https://gateway/trade/v2/orders", Err: context.DeadlineExceeded}
}

// ---------------------------------------------------------------------------
// Intent building
// ---------------------------------------------------------------------------

func TestCorrelationRefDeterministic(t *testing.T) {
	ts := time.Date(2026, 8, 28, 14, 30, 12, 0, time.UTC)

	a := CorrelationRef(testInstrument, domain.SideBuy, ts)
	b := CorrelationRef(testInstrument, domain.SideBuy, ts.Add(20*time.Second))
	assert.Equal(t, a, b, "same instrument/side/minute must share one ref")
	assert.LessOrEqual(t, len(a), 50)

	assert.NotEqual(t, a, CorrelationRef(testInstrument, domain.SideSell, ts))
	assert.NotEqual(t, a, CorrelationRef(domain.InstrumentID{AssetType: domain.AssetTypeStock, UIC: 212}, domain.SideBuy, ts))
	assert.NotEqual(t, a, CorrelationRef(testInstrument, domain.SideBuy, ts.Add(time.Minute)))
}

func TestBuildIntentRejectsInvalid(t *testing.T) {
	d := domain.Decision{Instrument: testInstrument, Action: domain.ActionHold, DecisionTime: time.Now()}
	_, err := BuildIntent(d, decimal.NewFromInt(5))
	assert.Error(t, err, "HOLD carries no order")

	d.Action = domain.ActionBuy
	_, err = BuildIntent(d, decimal.Zero)
	assert.Error(t, err, "zero amount")

	d.DecisionTime = time.Time{}
	_, err = BuildIntent(d, decimal.NewFromInt(5))
	assert.Error(t, err, "missing decision time")
}

// ---------------------------------------------------------------------------
// Pipeline
// ---------------------------------------------------------------------------

func TestPipelineSuccess(t *testing.T) {
	fb := &fakeBroker{}
	exec, st := newPipeline(t, fb, false)
	intent := testIntent(t)

	out := exec.Execute(context.Background(), intent, "cycle-1")
	assert.Equal(t, store.OutcomeSuccess, out.State)
	assert.Equal(t, "order-1", out.OrderID)
	assert.Equal(t, 1, fb.placeCalls)

	a, err := st.GetAttempt(context.Background(), intent.CorrelationRef)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, store.AttemptPlaced, a.Status)
	assert.Equal(t, "order-1", a.OrderID)
}

func TestPrecheckRejectionFailsWithoutPlacement(t *testing.T) {
	fb := &fakeBroker{
		precheck: func(broker.OrderRequest) (*broker.PrecheckResponse, error) {
			return &broker.PrecheckResponse{
				HTTPStatus: 200,
				ErrorInfo:  &broker.ErrorInfo{ErrorCode: "InsufficientFunds", Message: "not enough cash"},
			}, nil
		},
	}
	exec, _ := newPipeline(t, fb, false)

	out := exec.Execute(context.Background(), testIntent(t), "cycle-1")
	assert.Equal(t, store.OutcomeFailed, out.State)
	assert.False(t, out.Retryable, "business rejections are deterministic")
	assert.Contains(t, out.Reason, "InsufficientFunds")
	assert.Zero(t, fb.placeCalls, "rejected intents must never reach placement")
}

func TestPrecheckRetriesTransientOnce(t *testing.T) {
	calls := 0
	fb := &fakeBroker{
		precheck: func(broker.OrderRequest) (*broker.PrecheckResponse, error) {
			calls++
			if calls == 1 {
				return nil, &broker.APIError{StatusCode: 503, Message: "gateway busy"}
			}
			return &broker.PrecheckResponse{HTTPStatus: 200}, nil
		},
	}
	exec, _ := newPipeline(t, fb, false)

	out := exec.Execute(context.Background(), testIntent(t), "cycle-1")
	assert.Equal(t, store.OutcomeSuccess, out.State)
	assert.Equal(t, 2, calls)
}

func TestPrecheckHardErrorFailsWithoutRetry(t *testing.T) {
	fb := &fakeBroker{
		precheck: func(broker.OrderRequest) (*broker.PrecheckResponse, error) {
			return nil, &broker.APIError{StatusCode: 400, ErrorCode: "InvalidModelState"}
		},
	}
	exec, _ := newPipeline(t, fb, false)

	out := exec.Execute(context.Background(), testIntent(t), "cycle-1")
	assert.Equal(t, store.OutcomeFailed, out.State)
	assert.False(t, out.Retryable)
	assert.Equal(t, 1, fb.precheckCalls)
}

func TestDryRunStopsAfterPrecheck(t *testing.T) {
	fb := &fakeBroker{}
	exec, _ := newPipeline(t, fb, true)

	out := exec.Execute(context.Background(), testIntent(t), "cycle-1")
	assert.Equal(t, store.OutcomeBlocked, out.State)
	assert.Contains(t, out.Reason, "dry run")
	assert.Equal(t, 1, fb.precheckCalls)
	assert.Zero(t, fb.placeCalls)
	assert.Zero(t, fb.acceptCalls)
}

// ---------------------------------------------------------------------------
// Disclaimers
// ---------------------------------------------------------------------------

func precheckWithDisclaimer(token string) func(broker.OrderRequest) (*broker.PrecheckResponse, error) {
	return func(broker.OrderRequest) (*broker.PrecheckResponse, error) {
		return &broker.PrecheckResponse{
			HTTPStatus: 200,
			PreTradeDisclaimers: &broker.PreTradeDisclaimers{
				DisclaimerContext: "dc-1",
				DisclaimerTokens:  []string{token},
			},
		}, nil
	}
}

func TestBlockingDisclaimerBlocks(t *testing.T) {
	fb := &fakeBroker{
		precheck: precheckWithDisclaimer("tok-kid"),
		disclaimer: func(token string) (*broker.DisclaimerDetail, error) {
			return &broker.DisclaimerDetail{Token: token, IsBlocking: true, Title: "KID missing"}, nil
		},
	}
	exec, _ := newPipeline(t, fb, false)

	out := exec.Execute(context.Background(), testIntent(t), "cycle-1")
	assert.Equal(t, store.OutcomeBlocked, out.State)
	assert.Contains(t, out.Reason, "KID missing")
	assert.Zero(t, fb.placeCalls)
}

func TestDisclaimerLookupFailureBlocks(t *testing.T) {
	fb := &fakeBroker{
		precheck: precheckWithDisclaimer("tok-x"),
		disclaimer: func(string) (*broker.DisclaimerDetail, error) {
			return nil, transportErr()
		},
	}
	exec, _ := newPipeline(t, fb, false)

	out := exec.Execute(context.Background(), testIntent(t), "cycle-1")
	assert.Equal(t, store.OutcomeBlocked, out.State)
	assert.Zero(t, fb.placeCalls, "unclassifiable disclaimers must never be ignored")
}

func TestNonBlockingDisclaimerAcceptedThenPlaced(t *testing.T) {
	fb := &fakeBroker{precheck: precheckWithDisclaimer("tok-info")}
	exec, _ := newPipeline(t, fb, false)

	out := exec.Execute(context.Background(), testIntent(t), "cycle-1")
	assert.Equal(t, store.OutcomeSuccess, out.State)
	assert.Equal(t, 1, fb.acceptCalls)
	assert.Equal(t, 1, fb.placeCalls)
}

// ---------------------------------------------------------------------------
// Idempotent placement
// ---------------------------------------------------------------------------

func TestDuplicateIntentReplaysOrder(t *testing.T) {
	fb := &fakeBroker{}
	exec, _ := newPipeline(t, fb, false)
	intent := testIntent(t)

	first := exec.Execute(context.Background(), intent, "cycle-1")
	second := exec.Execute(context.Background(), intent, "cycle-2")

	assert.Equal(t, store.OutcomeSuccess, first.State)
	assert.Equal(t, store.OutcomeSuccess, second.State)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, 1, fb.placeCalls, "one intent, at most one order")
}

func TestEmbeddedPlacementErrorFails(t *testing.T) {
	fb := &fakeBroker{
		place: func(broker.OrderRequest) (*broker.PlaceOrderResponse, error) {
			return &broker.PlaceOrderResponse{
				HTTPStatus: 200,
				ErrorInfo:  &broker.ErrorInfo{ErrorCode: "OrderRejected", Message: "market closed"},
			}, nil
		},
	}
	exec, st := newPipeline(t, fb, false)
	intent := testIntent(t)

	out := exec.Execute(context.Background(), intent, "cycle-1")
	assert.Equal(t, store.OutcomeFailed, out.State)
	assert.False(t, out.Retryable)
	assert.Zero(t, fb.orderCalls, "definite rejections need no reconciliation")

	a, _ := st.GetAttempt(context.Background(), intent.CorrelationRef)
	require.NotNil(t, a)
	assert.Equal(t, store.AttemptRejected, a.Status)
}

// ---------------------------------------------------------------------------
// Reconciliation
// ---------------------------------------------------------------------------

func TestAmbiguousPlacementReconcilesToSuccess(t *testing.T) {
	fb := &fakeBroker{
		place: func(broker.OrderRequest) (*broker.PlaceOrderResponse, error) {
			return nil, transportErr()
		},
	}
	fb.orders = func(ref string) ([]domain.BrokerOrder, error) {
		return []domain.BrokerOrder{{
			OrderID:           "order-9",
			ExternalReference: ref,
			Status:            domain.OrderStatusWorking,
			Instrument:        testInstrument,
		}}, nil
	}
	exec, st := newPipeline(t, fb, false)
	intent := testIntent(t)

	out := exec.Execute(context.Background(), intent, "cycle-1")
	assert.Equal(t, store.OutcomeSuccess, out.State)
	assert.Equal(t, "order-9", out.OrderID)
	assert.Equal(t, 1, fb.placeCalls, "ambiguity is resolved by lookup, never by re-placing")

	a, _ := st.GetAttempt(context.Background(), intent.CorrelationRef)
	require.NotNil(t, a)
	assert.Equal(t, store.AttemptPlaced, a.Status)
}

func TestAmbiguousPlacementNotFoundClearsKey(t *testing.T) {
	fb := &fakeBroker{
		place: func(broker.OrderRequest) (*broker.PlaceOrderResponse, error) {
			return nil, transportErr()
		},
	}
	exec, st := newPipeline(t, fb, false)
	intent := testIntent(t)

	out := exec.Execute(context.Background(), intent, "cycle-1")
	assert.Equal(t, store.OutcomeFailed, out.State)
	assert.True(t, out.Retryable)
	assert.Equal(t, 3, fb.orderCalls)

	a, _ := st.GetAttempt(context.Background(), intent.CorrelationRef)
	assert.Nil(t, a, "not-found must re-arm the correlation key")
}

func TestVenueUnreachableStaysPendingThenResolves(t *testing.T) {
	unreachable := true
	fb := &fakeBroker{
		place: func(broker.OrderRequest) (*broker.PlaceOrderResponse, error) {
			return nil, transportErr()
		},
	}
	fb.orders = func(ref string) ([]domain.BrokerOrder, error) {
		if unreachable {
			return nil, transportErr()
		}
		return []domain.BrokerOrder{{
			OrderID: "order-7", ExternalReference: ref, Status: domain.OrderStatusFilled,
		}}, nil
	}
	exec, st := newPipeline(t, fb, false)
	intent := testIntent(t)
	ctx := context.Background()

	out := exec.Execute(ctx, intent, "cycle-1")
	assert.Equal(t, store.OutcomeReconciliationNeeded, out.State)

	pending, err := st.PendingReconciliations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1, "unresolved reconciliations persist across cycles")

	// Still unreachable: the record must stay pending.
	require.NoError(t, exec.ResolvePending(ctx))
	pending, _ = st.PendingReconciliations(ctx)
	require.Len(t, pending, 1)

	unreachable = false
	require.NoError(t, exec.ResolvePending(ctx))
	pending, _ = st.PendingReconciliations(ctx)
	assert.Empty(t, pending)

	a, _ := st.GetAttempt(ctx, intent.CorrelationRef)
	require.NotNil(t, a)
	assert.Equal(t, store.AttemptPlaced, a.Status)
	assert.Equal(t, "order-7", a.OrderID)
}

func TestPendingResolvedToSuccessCountsTrade(t *testing.T) {
	unreachable := true
	fb := &fakeBroker{
		place: func(broker.OrderRequest) (*broker.PlaceOrderResponse, error) {
			return nil, transportErr()
		},
	}
	fb.orders = func(ref string) ([]domain.BrokerOrder, error) {
		if unreachable {
			return nil, transportErr()
		}
		return []domain.BrokerOrder{{
			OrderID: "order-8", ExternalReference: ref, Status: domain.OrderStatusFilled,
		}}, nil
	}
	exec, st := newPipeline(t, fb, false)
	intent := testIntent(t)
	ctx := context.Background()

	out := exec.Execute(ctx, intent, "cycle-1")
	require.Equal(t, store.OutcomeReconciliationNeeded, out.State)

	day := time.Now().UTC().Format("2006-01-02")
	n, err := st.TradesOn(ctx, day)
	require.NoError(t, err)
	assert.Zero(t, n, "unsettled attempts must not count yet")

	unreachable = false
	require.NoError(t, exec.ResolvePending(ctx))

	n, err = st.TradesOn(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "an order confirmed at the venue counts against the daily limit")

	// A second pass has nothing pending and must not double-count.
	require.NoError(t, exec.ResolvePending(ctx))
	n, _ = st.TradesOn(ctx, day)
	assert.Equal(t, 1, n)
}

func TestTradeNotCompletedReconciles(t *testing.T) {
	fb := &fakeBroker{
		place: func(broker.OrderRequest) (*broker.PlaceOrderResponse, error) {
			return &broker.PlaceOrderResponse{
				HTTPStatus: 200,
				ErrorInfo:  &broker.ErrorInfo{ErrorCode: "TradeNotCompleted", Message: "order status unknown"},
			}, nil
		},
	}
	fb.orders = func(ref string) ([]domain.BrokerOrder, error) {
		return []domain.BrokerOrder{{
			OrderID: "order-3", ExternalReference: ref, Status: domain.OrderStatusWorking,
		}}, nil
	}
	exec, _ := newPipeline(t, fb, false)

	out := exec.Execute(context.Background(), testIntent(t), "cycle-1")
	assert.Equal(t, store.OutcomeSuccess, out.State)
	assert.Equal(t, "order-3", out.OrderID)
}

func TestReconciledRejectionIsFinal(t *testing.T) {
	fb := &fakeBroker{
		place: func(broker.OrderRequest) (*broker.PlaceOrderResponse, error) {
			return nil, &broker.APIError{StatusCode: 502, Message: "bad gateway"}
		},
	}
	fb.orders = func(ref string) ([]domain.BrokerOrder, error) {
		return []domain.BrokerOrder{{
			OrderID: "order-4", ExternalReference: ref, Status: domain.OrderStatusRejected,
		}}, nil
	}
	exec, _ := newPipeline(t, fb, false)

	out := exec.Execute(context.Background(), testIntent(t), "cycle-1")
	assert.Equal(t, store.OutcomeFailed, out.State)
	assert.False(t, out.Retryable)
}

// ---------------------------------------------------------------------------
// Position guards
// ---------------------------------------------------------------------------

func TestPositionGuards(t *testing.T) {
	held := domain.Position{
		Instrument:  testInstrument,
		NetQuantity: decimal.NewFromInt(5),
		CanBeClosed: true,
	}
	sellIntent := OrderIntent{Instrument: testInstrument, Side: domain.SideSell}
	buyIntent := OrderIntent{Instrument: testInstrument, Side: domain.SideBuy}

	t.Run("sell without position blocked", func(t *testing.T) {
		m := NewPositionManager(&fakeBroker{}, DuplicateBuyBlock, false, 0, nil)
		require.NoError(t, m.Refresh(context.Background()))
		out := m.Check(sellIntent)
		assert.Equal(t, store.OutcomeBlocked, out.State)
	})

	t.Run("duplicate buy blocked under block policy", func(t *testing.T) {
		fb := &fakeBroker{positions: func() ([]domain.Position, error) {
			return []domain.Position{held}, nil
		}}
		m := NewPositionManager(fb, DuplicateBuyBlock, false, 0, nil)
		require.NoError(t, m.Refresh(context.Background()))
		assert.Equal(t, store.OutcomeBlocked, m.Check(buyIntent).State)
		assert.False(t, m.Check(sellIntent).Terminal(), "held position may be sold")
	})

	t.Run("duplicate buy allowed under warn policy", func(t *testing.T) {
		fb := &fakeBroker{positions: func() ([]domain.Position, error) {
			return []domain.Position{held}, nil
		}}
		m := NewPositionManager(fb, DuplicateBuyWarn, false, 0, nil)
		require.NoError(t, m.Refresh(context.Background()))
		assert.False(t, m.Check(buyIntent).Terminal())
	})

	t.Run("position cap blocks new buys", func(t *testing.T) {
		other := held
		other.Instrument = domain.InstrumentID{AssetType: domain.AssetTypeStock, UIC: 999}
		fb := &fakeBroker{positions: func() ([]domain.Position, error) {
			return []domain.Position{other}, nil
		}}
		m := NewPositionManager(fb, DuplicateBuyBlock, false, 1, nil)
		require.NoError(t, m.Refresh(context.Background()))
		out := m.Check(buyIntent)
		assert.Equal(t, store.OutcomeBlocked, out.State)
		assert.Contains(t, out.Reason, "position cap")
	})

	t.Run("unloaded snapshot blocks everything", func(t *testing.T) {
		m := NewPositionManager(&fakeBroker{}, DuplicateBuyBlock, false, 0, nil)
		assert.Equal(t, store.OutcomeBlocked, m.Check(buyIntent).State)
	})
}

func TestCancelledContextFailsRetryable(t *testing.T) {
	fb := &fakeBroker{}
	exec, _ := newPipeline(t, fb, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := exec.Execute(ctx, testIntent(t), "cycle-1")
	assert.Equal(t, store.OutcomeFailed, out.State)
	assert.True(t, out.Retryable)
	assert.Zero(t, fb.placeCalls)
}
