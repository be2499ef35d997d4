package broker

import (
	"context"
	"sync"
	"time"
)

// RateBudget is a token bucket sized to the venue's per-minute request
// allowance. Callers Wait before every outbound request; Observe feeds the
// venue's X-RateLimit response headers back in so the local budget never
// drifts ahead of the server's.
type RateBudget struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	last       time.Time
	blockUntil time.Time

	now func() time.Time
}

// NewRateBudget returns a budget allowing requestsPerMin calls per minute.
func NewRateBudget(requestsPerMin int) *RateBudget {
	if requestsPerMin <= 0 {
		requestsPerMin = 60
	}
	cap := float64(requestsPerMin)
	return &RateBudget{
		capacity:   cap,
		tokens:     cap,
		refillRate: cap / 60.0,
		last:       time.Now(),
		now:        time.Now,
	}
}

// Wait blocks until a token is available or ctx is done.
func (b *RateBudget) Wait(ctx context.Context) error {
	for {
		d := b.reserve()
		if d <= 0 {
			return nil
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// reserve takes a token if one is available, otherwise returns how long to
// wait before trying again.
func (b *RateBudget) reserve() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if until := b.blockUntil; now.Before(until) {
		return until.Sub(now)
	}

	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	if b.tokens >= 1 {
		b.tokens--
		return 0
	}
	deficit := 1 - b.tokens
	return time.Duration(deficit / b.refillRate * float64(time.Second))
}

// Observe records the server's view of the remaining allowance. When the
// server reports the window exhausted, all callers block until reset.
func (b *RateBudget) Observe(remaining int, reset time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if remaining <= 0 && reset > 0 {
		until := b.now().Add(reset)
		if until.After(b.blockUntil) {
			b.blockUntil = until
		}
		b.tokens = 0
		return
	}
	// Clamp the local bucket to the server's count so we never think we
	// have more headroom than the venue does.
	if r := float64(remaining); r < b.tokens {
		b.tokens = r
	}
}
