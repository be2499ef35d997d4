// Package strategy defines the trading strategy interface and the registry
// named strategies are constructed through.
package strategy

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"marlin/internal/config"
	"marlin/internal/domain"
)

// Strategy turns market history into a decision for one instrument. Bars
// arrive oldest first and contain only closed candles. Evaluate must be
// safe for concurrent use across instruments.
type Strategy interface {
	Name() string
	Evaluate(id domain.InstrumentID, bars []domain.Bar, now time.Time) (domain.Decision, error)
}

// Factory constructs a strategy from its configuration.
type Factory func(cfg config.StrategyConfig) (Strategy, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a strategy constructible by name. Builtins register from
// their init functions; duplicate names panic at startup.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("strategy %q registered twice", name))
	}
	registry[name] = f
}

// New constructs the named strategy.
func New(cfg config.StrategyConfig) (Strategy, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (registered: %v)", cfg.Name, Names())
	}
	return f(cfg)
}

// Names lists all registered strategies.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Hold is a convenience constructor for a no-action decision.
func Hold(id domain.InstrumentID, strategyName, reason string, now time.Time) domain.Decision {
	return domain.Decision{
		Instrument:   id,
		Action:       domain.ActionHold,
		Reason:       reason,
		DecisionTime: now,
		StrategyID:   strategyName,
	}
}
