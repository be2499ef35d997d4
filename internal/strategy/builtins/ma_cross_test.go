package builtins

import (
	"testing"
	"time"

	"marlin/internal/config"
	"marlin/internal/domain"
	"marlin/internal/strategy"
)

var testID = domain.InstrumentID{AssetType: domain.AssetTypeStock, UIC: 211}

func newTestStrategy(t *testing.T, cooldownBars int) strategy.Strategy {
	t.Helper()
	s, err := strategy.New(config.StrategyConfig{
		Name:         "ma_cross",
		ShortWindow:  2,
		LongWindow:   4,
		ThresholdBps: 0,
		CooldownBars: cooldownBars,
		BarMinutes:   1,
	})
	if err != nil {
		t.Fatalf("strategy.New: %v", err)
	}
	return s
}

// barsFromCloses builds one-minute bars ending just before now.
func barsFromCloses(now time.Time, closes ...float64) []domain.Bar {
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{
			Instrument: testID,
			Timestamp:  now.Add(-time.Duration(len(closes)-i) * time.Minute),
			Open:       c, High: c, Low: c, Close: c,
			Volume: 100,
		}
	}
	return bars
}

func TestRegistryRejectsUnknown(t *testing.T) {
	_, err := strategy.New(config.StrategyConfig{Name: "nope"})
	if err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestMACrossValidation(t *testing.T) {
	_, err := strategy.New(config.StrategyConfig{Name: "ma_cross", ShortWindow: 5, LongWindow: 3})
	if err == nil {
		t.Fatal("expected error when short window >= long window")
	}
}

func TestMACrossInsufficientHistoryHolds(t *testing.T) {
	s := newTestStrategy(t, 0)
	now := time.Date(2026, 8, 28, 14, 30, 0, 0, time.UTC)

	d, err := s.Evaluate(testID, barsFromCloses(now, 100, 101, 102), now)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Action != domain.ActionHold {
		t.Errorf("Action = %q, want HOLD", d.Action)
	}
}

func TestMACrossBuySignal(t *testing.T) {
	s := newTestStrategy(t, 0)
	now := time.Date(2026, 8, 28, 14, 30, 0, 0, time.UTC)

	// Flat then a sharp rise: short average crosses above long.
	d, err := s.Evaluate(testID, barsFromCloses(now, 100, 100, 100, 100, 100, 110), now)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Action != domain.ActionBuy {
		t.Errorf("Action = %q, want BUY", d.Action)
	}
	if !d.DecisionTime.Equal(now) {
		t.Errorf("DecisionTime = %v, want %v", d.DecisionTime, now)
	}
}

func TestMACrossSellSignal(t *testing.T) {
	s := newTestStrategy(t, 0)
	now := time.Date(2026, 8, 28, 14, 30, 0, 0, time.UTC)

	d, err := s.Evaluate(testID, barsFromCloses(now, 100, 100, 100, 100, 100, 90), now)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Action != domain.ActionSell {
		t.Errorf("Action = %q, want SELL", d.Action)
	}
}

func TestMACrossFlatMarketHolds(t *testing.T) {
	s := newTestStrategy(t, 0)
	now := time.Date(2026, 8, 28, 14, 30, 0, 0, time.UTC)

	d, err := s.Evaluate(testID, barsFromCloses(now, 100, 100, 100, 100, 100, 100), now)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Action != domain.ActionHold {
		t.Errorf("Action = %q, want HOLD", d.Action)
	}
}

func TestMACrossCooldownSuppressesSecondSignal(t *testing.T) {
	s := newTestStrategy(t, 10)
	now := time.Date(2026, 8, 28, 14, 30, 0, 0, time.UTC)
	rising := barsFromCloses(now, 100, 100, 100, 100, 100, 110)

	d, _ := s.Evaluate(testID, rising, now)
	if d.Action != domain.ActionBuy {
		t.Fatalf("first signal = %q, want BUY", d.Action)
	}

	// A fresh cross two minutes later lands inside the cooldown window.
	later := now.Add(2 * time.Minute)
	falling := barsFromCloses(later, 110, 110, 110, 110, 110, 100)
	d, _ = s.Evaluate(testID, falling, later)
	if d.Action != domain.ActionHold {
		t.Errorf("signal during cooldown = %q, want HOLD", d.Action)
	}

	// After the cooldown the same cross fires.
	after := now.Add(11 * time.Minute)
	d, _ = s.Evaluate(testID, barsFromCloses(after, 110, 110, 110, 110, 110, 100), after)
	if d.Action != domain.ActionSell {
		t.Errorf("signal after cooldown = %q, want SELL", d.Action)
	}
}
