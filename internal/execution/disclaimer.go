package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"marlin/internal/broker"
)

// DisclaimerResolver classifies and accepts pre-trade disclaimers. Blocking
// disclaimers stop the order; non-blocking ones are accepted automatically.
// Any failure to classify or accept is treated as blocking, never as
// permission to proceed.
type DisclaimerResolver struct {
	broker broker.Broker
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedDisclaimer

	now func() time.Time
}

type cachedDisclaimer struct {
	detail    broker.DisclaimerDetail
	fetchedAt time.Time
}

// NewDisclaimerResolver builds a resolver whose token classifications are
// cached for ttl.
func NewDisclaimerResolver(b broker.Broker, ttl time.Duration, logger *slog.Logger) *DisclaimerResolver {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &DisclaimerResolver{
		broker: b,
		ttl:    ttl,
		logger: logger,
		cache:  make(map[string]cachedDisclaimer),
		now:    time.Now,
	}
}

// Resolve handles the disclaimers attached to a precheck. A zero outcome
// means all disclaimers are cleared and placement may proceed.
func (r *DisclaimerResolver) Resolve(ctx context.Context, ref string, pre *broker.PreTradeDisclaimers) Outcome {
	if pre == nil || len(pre.DisclaimerTokens) == 0 {
		return Outcome{}
	}

	for _, token := range pre.DisclaimerTokens {
		detail, err := r.lookup(ctx, token)
		if err != nil {
			r.logger.Warn("disclaimer lookup failed, blocking order",
				"ref", ref, "token", token, "err", err)
			return blocked(fmt.Sprintf("disclaimer %s could not be classified", token))
		}
		if detail.IsBlocking {
			r.logger.Info("blocking disclaimer",
				"ref", ref, "token", token, "title", detail.Title)
			return blocked(fmt.Sprintf("blocking disclaimer: %s", detail.Title))
		}
		if err := r.broker.AcceptDisclaimer(ctx, pre.DisclaimerContext, token); err != nil {
			r.logger.Warn("disclaimer acceptance failed, blocking order",
				"ref", ref, "token", token, "err", err)
			return blocked(fmt.Sprintf("disclaimer %s could not be accepted", token))
		}
		r.logger.Debug("disclaimer accepted", "ref", ref, "token", token)
	}
	return Outcome{}
}

// lookup returns the classification for a token, served from cache while
// fresh.
func (r *DisclaimerResolver) lookup(ctx context.Context, token string) (broker.DisclaimerDetail, error) {
	r.mu.Lock()
	if c, ok := r.cache[token]; ok && r.now().Sub(c.fetchedAt) < r.ttl {
		r.mu.Unlock()
		return c.detail, nil
	}
	r.mu.Unlock()

	detail, err := r.broker.DisclaimerDetails(ctx, token)
	if err != nil {
		return broker.DisclaimerDetail{}, err
	}

	r.mu.Lock()
	r.cache[token] = cachedDisclaimer{detail: *detail, fetchedAt: r.now()}
	r.mu.Unlock()
	return *detail, nil
}
