package execution

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"marlin/internal/broker"
	"marlin/internal/domain"
)

// OrderIntent is a fully specified, not-yet-submitted market order. The
// correlation reference is derived deterministically from the identity of
// the decision, so re-running the pipeline for the same decision always
// names the same intent.
type OrderIntent struct {
	Instrument     domain.InstrumentID
	Side           domain.Side
	Amount         decimal.Decimal
	DecisionTime   time.Time
	StrategyID     string
	CorrelationRef string
}

// maxExternalReferenceLen is the venue's limit on ExternalReference.
const maxExternalReferenceLen = 50

// CorrelationRef derives the idempotency key for an order: a stable digest
// of instrument, side, and the decision timestamp truncated to the minute.
// Two decisions for the same instrument and side within the same minute are
// the same logical order.
func CorrelationRef(id domain.InstrumentID, side domain.Side, decisionTime time.Time) string {
	basis := fmt.Sprintf("%s|%s|%s", id, side, decisionTime.UTC().Truncate(time.Minute).Format(time.RFC3339))
	sum := sha256.Sum256([]byte(basis))
	ref := "ml-" + hex.EncodeToString(sum[:])[:20]
	if len(ref) > maxExternalReferenceLen {
		ref = ref[:maxExternalReferenceLen]
	}
	return ref
}

// BuildIntent turns a non-HOLD decision into an order intent.
func BuildIntent(d domain.Decision, amount decimal.Decimal) (OrderIntent, error) {
	var side domain.Side
	switch d.Action {
	case domain.ActionBuy:
		side = domain.SideBuy
	case domain.ActionSell:
		side = domain.SideSell
	default:
		return OrderIntent{}, fmt.Errorf("decision %s for %s carries no order", d.Action, d.Instrument)
	}
	if !amount.IsPositive() {
		return OrderIntent{}, fmt.Errorf("order amount must be positive, got %s", amount)
	}
	if d.DecisionTime.IsZero() {
		return OrderIntent{}, fmt.Errorf("decision for %s has no decision time", d.Instrument)
	}
	return OrderIntent{
		Instrument:     d.Instrument,
		Side:           side,
		Amount:         amount,
		DecisionTime:   d.DecisionTime,
		StrategyID:     d.StrategyID,
		CorrelationRef: CorrelationRef(d.Instrument, side, d.DecisionTime),
	}, nil
}

// orderRequest renders the intent as the broker wire request.
func (i OrderIntent) orderRequest() broker.OrderRequest {
	return broker.OrderRequest{
		Amount:            i.Amount.InexactFloat64(),
		AssetType:         string(i.Instrument.AssetType),
		BuySell:           string(i.Side),
		OrderType:         "Market",
		UIC:               i.Instrument.UIC,
		ExternalReference: i.CorrelationRef,
		OrderDuration:     broker.OrderDuration{DurationType: "DayOrder"},
	}
}
