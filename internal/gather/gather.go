// Package gather collects the market data one trading cycle needs: a fresh
// quote and recent bar history per watchlist instrument. Collected bars are
// archived for offline research.
package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"marlin/internal/broker"
	"marlin/internal/domain"
	"marlin/internal/store"
)

// Sentinel errors the engine uses to distinguish "skip this instrument"
// from real failures.
var (
	ErrMarketClosed = errors.New("market not open for trading")
	ErrStaleQuote   = errors.New("quote too old")
)

// Snapshot is the market data for one instrument in one cycle.
type Snapshot struct {
	Instrument domain.InstrumentID
	Quote      domain.Quote
	// Bars are closed candles, oldest first.
	Bars []domain.Bar
}

// Gatherer collects snapshots from the broker and archives bars.
type Gatherer struct {
	broker       broker.Broker
	archive      store.BarStore
	maxQuoteAge  time.Duration
	requireState bool
	barMinutes   int
	history      int
	logger       *slog.Logger
}

// NewGatherer builds a gatherer. history is the number of bars each
// snapshot carries; archive may be nil to disable archiving.
func NewGatherer(b broker.Broker, archive store.BarStore, maxQuoteAge time.Duration, barMinutes, history int, logger *slog.Logger) *Gatherer {
	if logger == nil {
		logger = slog.Default()
	}
	if barMinutes <= 0 {
		barMinutes = 1
	}
	return &Gatherer{
		broker:      b,
		archive:     archive,
		maxQuoteAge: maxQuoteAge,
		barMinutes:  barMinutes,
		history:     history,
		logger:      logger,
	}
}

// RequireMarketState makes the gatherer demand an affirmatively tradable
// venue state, skipping instruments whose state is unknown. Used for the
// per-instrument trading-hours mode; other modes only skip states the venue
// explicitly reports as not tradable.
func (g *Gatherer) RequireMarketState(on bool) { g.requireState = on }

// Collect gathers one instrument's snapshot. Returns ErrMarketClosed or
// ErrStaleQuote (wrapped) when the instrument should be skipped this cycle.
func (g *Gatherer) Collect(ctx context.Context, id domain.InstrumentID, now time.Time) (*Snapshot, error) {
	quote, err := g.broker.LatestQuote(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("quote for %s: %w", id, err)
	}
	if !g.stateTradable(quote.State) {
		return nil, fmt.Errorf("%s in state %s: %w", id, quote.State, ErrMarketClosed)
	}
	if g.maxQuoteAge > 0 && !quote.ServerTime.IsZero() {
		if age := quote.Age(now); age > g.maxQuoteAge {
			return nil, fmt.Errorf("%s quote is %s old: %w", id, age.Round(time.Second), ErrStaleQuote)
		}
	}

	bars, err := g.broker.RecentBars(ctx, id, g.barMinutes, g.history, now)
	if err != nil {
		return nil, fmt.Errorf("bars for %s: %w", id, err)
	}

	if g.archive != nil && len(bars) > 0 {
		// Archiving failures never block trading.
		if err := g.archive.WriteBars(ctx, bars); err != nil {
			g.logger.Warn("archiving bars", "instrument", id.String(), "err", err)
		}
	}

	return &Snapshot{Instrument: id, Quote: *quote, Bars: bars}, nil
}

// stateTradable applies the market-state gate. Venues that omit the state
// field report Unknown; that only blocks when an affirmative state is
// required.
func (g *Gatherer) stateTradable(s domain.MarketState) bool {
	if g.requireState {
		return s.Tradable()
	}
	return s == "" || s == domain.MarketStateUnknown || s.Tradable()
}
