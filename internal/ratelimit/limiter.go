// Package ratelimit implements the token-bucket rate limiter gating IMAP
// connection acquisition per upstream provider host (§4.A). Adapted from
// the teacher's per-key Registry (internal/ratelimit/limiter.go), but the
// limiter itself is rewritten from a sliding-window counter to a blocking
// token bucket: acquirers wait for replenishment instead of being denied.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is a token bucket: rate tokens/sec regenerate continuously, up to
// burst capacity. Acquire blocks the caller until enough tokens exist.
//
// The wait-and-clear policy (§4.A): when a caller must wait, it waits for
// exactly the time implied by the current shortfall, and upon waking the
// bucket is set to zero rather than to whatever a second refill computation
// would yield. This bounds expected wait under contention and prevents
// starvation — a waiter is never re-queued behind a fresher arrival.
type Limiter struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	burst      float64
	tokens     float64
	lastUpdate time.Time
}

// New creates a token bucket with the given steady-state rate and burst
// capacity. If burst <= 0, it defaults to 2*rate.
func New(rate float64, burst float64) *Limiter {
	if burst <= 0 {
		burst = rate * 2
	}
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     burst,
		lastUpdate: time.Now(),
	}
}

// Acquire blocks until n tokens are available, or ctx is cancelled.
//
// The bucket's mutex is held for the full duration of a wait, the same
// locking discipline as the original single-threaded event-loop
// implementation: this serializes overlapping acquirers in roughly arrival
// order (§4.A "ordering is FIFO per provider") rather than letting a
// late-arriving request with a smaller n jump ahead of an already-waiting
// one.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()

	need := float64(n)
	if l.tokens >= need {
		l.tokens -= need
		return nil
	}

	wait := (need - l.tokens) / l.rate
	timer := time.NewTimer(time.Duration(wait * float64(time.Second)))
	defer timer.Stop()

	select {
	case <-timer.C:
		l.tokens = 0
		l.lastUpdate = time.Now()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Limiter) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(l.lastUpdate).Seconds()
	l.tokens += elapsed * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.lastUpdate = now
}

// Registry manages one Limiter per provider host, created lazily with the
// registry's default rate/burst.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	rate     float64
	burst    float64
}

// NewRegistry creates a registry whose limiters use the given default rate
// and burst.
func NewRegistry(rate float64, burst float64) *Registry {
	return &Registry{
		limiters: make(map[string]*Limiter),
		rate:     rate,
		burst:    burst,
	}
}

// Get returns the limiter for the given provider host, creating one if
// needed.
func (r *Registry) Get(provider string) *Limiter {
	r.mu.RLock()
	lim, ok := r.limiters[provider]
	r.mu.RUnlock()
	if ok {
		return lim
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if lim, ok = r.limiters[provider]; ok {
		return lim
	}
	lim = New(r.rate, r.burst)
	r.limiters[provider] = lim
	return lim
}

// Acquire waits for n tokens under the given provider's limiter.
func (r *Registry) Acquire(ctx context.Context, provider string, n int) error {
	return r.Get(provider).Acquire(ctx, n)
}
