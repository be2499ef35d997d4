package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"marlin/internal/broker"
	"marlin/internal/util"
)

// PrecheckResult carries the venue's cost and margin estimate plus any
// disclaimers that must be resolved before placement.
type PrecheckResult struct {
	EstimatedCost *broker.MoneyAmount
	MarginImpact  *broker.MoneyAmount
	Disclaimers   *broker.PreTradeDisclaimers
}

// Prechecker validates an intent against the venue without placing it.
type Prechecker struct {
	broker  broker.Broker
	retries int
	backoff time.Duration
	logger  *slog.Logger
}

// NewPrechecker builds a prechecker. retries is the number of additional
// attempts after a transient failure; deterministic rejections never retry.
func NewPrechecker(b broker.Broker, retries int, backoff time.Duration, logger *slog.Logger) *Prechecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prechecker{broker: b, retries: retries, backoff: backoff, logger: logger}
}

// Run prechecks the intent. A zero outcome means the intent may proceed to
// disclaimer resolution; a terminal outcome ends the pipeline.
func (p *Prechecker) Run(ctx context.Context, intent OrderIntent) (*PrecheckResult, Outcome) {
	var resp *broker.PrecheckResponse
	err := util.Retry(ctx, p.retries+1, p.backoff, broker.IsTransient, func() error {
		var callErr error
		resp, callErr = p.broker.Precheck(ctx, intent.orderRequest())
		return callErr
	})
	if err != nil {
		if broker.IsTransient(err) {
			return nil, failed(fmt.Sprintf("precheck unavailable: %v", err), true)
		}
		return nil, failed(fmt.Sprintf("precheck rejected by gateway: %v", err), false)
	}

	// The venue reports business rejections inside HTTP 200 bodies.
	if resp.ErrorInfo != nil {
		p.logger.Info("precheck rejected order",
			"ref", intent.CorrelationRef,
			"error_code", resp.ErrorInfo.ErrorCode,
			"message", resp.ErrorInfo.Message)
		return nil, failed(fmt.Sprintf("precheck: %s: %s", resp.ErrorInfo.ErrorCode, resp.ErrorInfo.Message), false)
	}

	result := &PrecheckResult{
		EstimatedCost: resp.EstimatedCost,
		MarginImpact:  resp.MarginImpactBuySell,
		Disclaimers:   resp.PreTradeDisclaimers,
	}
	// Some venue environments still return the legacy margin field.
	if result.MarginImpact == nil {
		result.MarginImpact = resp.MarginImpact
	}

	attrs := []any{"ref", intent.CorrelationRef}
	if result.EstimatedCost != nil {
		attrs = append(attrs, "estimated_cost", result.EstimatedCost.Amount, "currency", result.EstimatedCost.Currency)
	}
	if result.MarginImpact != nil {
		attrs = append(attrs, "margin_impact", result.MarginImpact.Amount)
	}
	p.logger.Debug("precheck passed", attrs...)
	return result, Outcome{}
}
