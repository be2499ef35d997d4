// Package builtins holds the strategies shipped with the trading client.
// Importing the package registers them.
package builtins

import (
	"fmt"
	"sync"
	"time"

	"marlin/internal/config"
	"marlin/internal/domain"
	"marlin/internal/strategy"
)

func init() {
	strategy.Register("ma_cross", newMACross)
}

// maCross is a moving-average crossover strategy. A buy fires when the
// short average crosses above the long average by at least the configured
// threshold; a sell fires on the inverse cross. Signals are suppressed for
// a cooldown window after each one to keep choppy markets from whipsawing
// the account.
type maCross struct {
	short        int
	long         int
	thresholdBps int
	cooldown     time.Duration

	mu         sync.Mutex
	lastSignal map[domain.InstrumentID]time.Time
}

func newMACross(cfg config.StrategyConfig) (strategy.Strategy, error) {
	if cfg.ShortWindow <= 0 || cfg.LongWindow <= 0 {
		return nil, fmt.Errorf("ma_cross: windows must be positive, got short=%d long=%d", cfg.ShortWindow, cfg.LongWindow)
	}
	if cfg.ShortWindow >= cfg.LongWindow {
		return nil, fmt.Errorf("ma_cross: short window %d must be below long window %d", cfg.ShortWindow, cfg.LongWindow)
	}
	barMinutes := cfg.BarMinutes
	if barMinutes <= 0 {
		barMinutes = 1
	}
	return &maCross{
		short:        cfg.ShortWindow,
		long:         cfg.LongWindow,
		thresholdBps: cfg.ThresholdBps,
		cooldown:     time.Duration(cfg.CooldownBars*barMinutes) * time.Minute,
		lastSignal:   make(map[domain.InstrumentID]time.Time),
	}, nil
}

func (s *maCross) Name() string { return "ma_cross" }

func (s *maCross) Evaluate(id domain.InstrumentID, bars []domain.Bar, now time.Time) (domain.Decision, error) {
	// One extra bar so the previous averages exist for cross detection.
	need := s.long + 1
	if len(bars) < need {
		return strategy.Hold(id, s.Name(), fmt.Sprintf("need %d bars, have %d", need, len(bars)), now), nil
	}

	curShort := sma(bars, s.short, 0)
	curLong := sma(bars, s.long, 0)
	prevShort := sma(bars, s.short, 1)
	prevLong := sma(bars, s.long, 1)
	if curLong == 0 || prevLong == 0 {
		return strategy.Hold(id, s.Name(), "degenerate price history", now), nil
	}

	threshold := float64(s.thresholdBps) / 10000.0
	crossUp := prevShort <= prevLong && curShort > curLong*(1+threshold)
	crossDown := prevShort >= prevLong && curShort < curLong*(1-threshold)

	if !crossUp && !crossDown {
		return strategy.Hold(id, s.Name(), "no cross", now), nil
	}

	if s.inCooldown(id, now) {
		return strategy.Hold(id, s.Name(), "cooldown active", now), nil
	}

	action := domain.ActionBuy
	reason := fmt.Sprintf("short SMA %.4f crossed above long SMA %.4f", curShort, curLong)
	if crossDown {
		action = domain.ActionSell
		reason = fmt.Sprintf("short SMA %.4f crossed below long SMA %.4f", curShort, curLong)
	}
	s.markSignal(id, now)

	return domain.Decision{
		Instrument:   id,
		Action:       action,
		Reason:       reason,
		DecisionTime: now,
		StrategyID:   s.Name(),
	}, nil
}

func (s *maCross) inCooldown(id domain.InstrumentID, now time.Time) bool {
	if s.cooldown <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastSignal[id]
	return ok && now.Sub(last) < s.cooldown
}

func (s *maCross) markSignal(id domain.InstrumentID, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSignal[id] = now
}

// sma averages the closes of the n most recent bars, skipping `back` bars
// from the end.
func sma(bars []domain.Bar, n, back int) float64 {
	end := len(bars) - back
	start := end - n
	if start < 0 {
		return 0
	}
	var sum float64
	for _, b := range bars[start:end] {
		sum += b.Close
	}
	return sum / float64(n)
}
