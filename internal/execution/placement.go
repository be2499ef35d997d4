package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"marlin/internal/broker"
	"marlin/internal/store"
)

// Placer submits orders idempotently. Every placement is journaled in the
// attempt log before the request leaves the process, so no intent can ever
// produce a second order while its first attempt is unresolved.
type Placer struct {
	broker   broker.Broker
	attempts store.AttemptStore
	logger   *slog.Logger
}

// NewPlacer builds a placer backed by the given attempt log.
func NewPlacer(b broker.Broker, attempts store.AttemptStore, logger *slog.Logger) *Placer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Placer{broker: b, attempts: attempts, logger: logger}
}

// Place submits the intent. Possible outcomes: SUCCESS with the broker
// order id, FAILED on definite rejection, or RECONCILIATION_NEEDED whenever
// the attempt's fate is not provably known.
func (p *Placer) Place(ctx context.Context, intent OrderIntent) Outcome {
	ref := intent.CorrelationRef

	existing, err := p.attempts.GetAttempt(ctx, ref)
	if err != nil {
		// Cannot prove there is no prior attempt; placing now could
		// duplicate an order.
		return failed(fmt.Sprintf("attempt log unavailable: %v", err), true)
	}
	if existing != nil {
		switch existing.Status {
		case store.AttemptPlaced:
			p.logger.Info("placement replayed from attempt log", "ref", ref, "order_id", existing.OrderID)
			return success(existing.OrderID)
		case store.AttemptPending, store.AttemptUnknown:
			return reconciliationNeeded("prior placement attempt unresolved")
		case store.AttemptRejected:
			// A definite rejection left no order behind; re-arm the key.
			if err := p.attempts.ClearAttempt(ctx, ref); err != nil {
				return failed(fmt.Sprintf("clearing rejected attempt: %v", err), true)
			}
		}
	}

	requestID := uuid.NewString()
	attempt := store.Attempt{
		CorrelationRef: ref,
		Instrument:     intent.Instrument,
		Side:           intent.Side,
		Amount:         intent.Amount.String(),
		Status:         store.AttemptPending,
		RequestID:      requestID,
	}
	if err := p.attempts.RecordAttempt(ctx, attempt); err != nil {
		// The attempt must be durable before the request goes out.
		return failed(fmt.Sprintf("journaling attempt: %v", err), true)
	}

	resp, err := p.broker.PlaceOrder(ctx, intent.orderRequest())
	if err != nil {
		return p.placementError(ctx, ref, err)
	}

	if resp.ErrorInfo != nil {
		// TradeNotCompleted means the venue accepted the request but cannot
		// say whether an order resulted.
		if resp.ErrorInfo.ErrorCode == "TradeNotCompleted" {
			p.markUnknown(ctx, ref)
			return reconciliationNeeded(fmt.Sprintf("venue reported %s", resp.ErrorInfo.ErrorCode))
		}
		if err := p.attempts.UpdateAttemptStatus(ctx, ref, store.AttemptRejected, ""); err != nil {
			p.logger.Error("recording rejection", "ref", ref, "err", err)
		}
		p.logger.Info("placement rejected", "ref", ref,
			"error_code", resp.ErrorInfo.ErrorCode, "message", resp.ErrorInfo.Message)
		return failed(fmt.Sprintf("placement: %s: %s", resp.ErrorInfo.ErrorCode, resp.ErrorInfo.Message), false)
	}

	orderID := resp.ResolvedOrderID()
	if orderID == "" {
		// A success body without an order id proves nothing.
		p.markUnknown(ctx, ref)
		return reconciliationNeeded("placement response carried no order id")
	}

	if err := p.attempts.UpdateAttemptStatus(ctx, ref, store.AttemptPlaced, orderID); err != nil {
		p.logger.Error("recording placement", "ref", ref, "order_id", orderID, "err", err)
	}
	p.logger.Info("order placed", "ref", ref, "order_id", orderID,
		"instrument", intent.Instrument.String(), "side", intent.Side, "amount", intent.Amount)
	return success(orderID)
}

// placementError classifies a transport or HTTP error from PlaceOrder.
func (p *Placer) placementError(ctx context.Context, ref string, err error) Outcome {
	if broker.IsAmbiguous(err) {
		p.markUnknown(ctx, ref)
		return reconciliationNeeded(fmt.Sprintf("placement outcome unknown: %v", err))
	}

	// Definite failures: the venue answered and no order exists.
	var apiErr *broker.APIError
	if errors.As(err, &apiErr) && !broker.IsTransientStatus(apiErr.StatusCode) {
		if uerr := p.attempts.UpdateAttemptStatus(ctx, ref, store.AttemptRejected, ""); uerr != nil {
			p.logger.Error("recording rejection", "ref", ref, "err", uerr)
		}
		return failed(fmt.Sprintf("placement rejected: %v", err), false)
	}

	// Throttled before processing; the key may be re-armed.
	if clearErr := p.attempts.ClearAttempt(ctx, ref); clearErr != nil {
		p.logger.Error("clearing throttled attempt", "ref", ref, "err", clearErr)
	}
	return failed(fmt.Sprintf("placement throttled: %v", err), true)
}

func (p *Placer) markUnknown(ctx context.Context, ref string) {
	if err := p.attempts.UpdateAttemptStatus(ctx, ref, store.AttemptUnknown, ""); err != nil {
		p.logger.Error("marking attempt unknown", "ref", ref, "err", err)
	}
}
