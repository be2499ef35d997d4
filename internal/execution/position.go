package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"marlin/internal/broker"
	"marlin/internal/domain"
)

// PositionManager caches the account's net positions for one cycle and
// enforces the position guards: no duplicate buys, no sells without a
// holding, no opening beyond the position cap.
type PositionManager struct {
	broker             broker.Broker
	duplicateBuyPolicy string
	allowShortCovering bool
	maxPositions       int
	logger             *slog.Logger

	mu        sync.Mutex
	positions map[domain.InstrumentID]domain.Position
	loaded    bool
}

// Duplicate buy policies. Block refuses a buy for an instrument already
// held; warn logs and lets the order through.
const (
	DuplicateBuyBlock = "block"
	DuplicateBuyWarn  = "warn"
)

// NewPositionManager builds a manager. maxPositions <= 0 disables the cap.
func NewPositionManager(b broker.Broker, duplicateBuyPolicy string, allowShortCovering bool, maxPositions int, logger *slog.Logger) *PositionManager {
	if logger == nil {
		logger = slog.Default()
	}
	if duplicateBuyPolicy == "" {
		duplicateBuyPolicy = DuplicateBuyBlock
	}
	return &PositionManager{
		broker:             b,
		duplicateBuyPolicy: duplicateBuyPolicy,
		allowShortCovering: allowShortCovering,
		maxPositions:       maxPositions,
		logger:             logger,
		positions:          make(map[domain.InstrumentID]domain.Position),
	}
}

// Refresh reloads positions from the broker. Called once at the start of
// each cycle; the snapshot then serves all guards in that cycle.
func (m *PositionManager) Refresh(ctx context.Context) error {
	positions, err := m.broker.NetPositions(ctx)
	if err != nil {
		return fmt.Errorf("loading net positions: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = make(map[domain.InstrumentID]domain.Position, len(positions))
	for _, p := range positions {
		m.positions[p.Instrument] = p
	}
	m.loaded = true
	m.logger.Debug("positions refreshed", "count", len(positions))
	return nil
}

// Get returns the cached position for an instrument.
func (m *PositionManager) Get(id domain.InstrumentID) (domain.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	return p, ok
}

// Count returns the number of open positions in the snapshot.
func (m *PositionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions)
}

// Check applies the position guards to an intent. A zero outcome means the
// intent may proceed. Guards run against the cycle snapshot; if the
// snapshot was never loaded the intent is blocked rather than guessed at.
func (m *PositionManager) Check(intent OrderIntent) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loaded {
		return blocked("position snapshot unavailable")
	}

	pos, held := m.positions[intent.Instrument]
	switch intent.Side {
	case domain.SideBuy:
		if held && pos.NetQuantity.IsPositive() {
			if m.duplicateBuyPolicy == DuplicateBuyBlock {
				return blocked(fmt.Sprintf("position already held in %s", intent.Instrument))
			}
			m.logger.Warn("buying into an existing position",
				"instrument", intent.Instrument.String(), "held", pos.NetQuantity)
		}
		if held && pos.NetQuantity.IsNegative() && !m.allowShortCovering {
			return blocked(fmt.Sprintf("short position held in %s", intent.Instrument))
		}
		if !held && m.maxPositions > 0 && len(m.positions) >= m.maxPositions {
			return blocked(fmt.Sprintf("position cap %d reached", m.maxPositions))
		}
	case domain.SideSell:
		if !held || !pos.NetQuantity.IsPositive() {
			return blocked(fmt.Sprintf("no position to sell in %s", intent.Instrument))
		}
		if !pos.CanBeClosed {
			return blocked(fmt.Sprintf("position in %s cannot be closed", intent.Instrument))
		}
	}
	return Outcome{}
}
