// Package ratelimit serializes calls against a destination account.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// defaultMinInterval applies when a gate is registered without an interval.
const defaultMinInterval = 500 * time.Millisecond

// WaitObserver receives how long a caller waited at a gate.
type WaitObserver func(account string, waited time.Duration)

// Gate admits one call per interval. Callers over budget wait; they are
// never rejected.
type Gate struct {
	account string
	limiter *rate.Limiter
	observe WaitObserver
	now     func() time.Time

	mu        sync.Mutex
	notBefore time.Time
}

func newGate(account string, minInterval time.Duration, observe WaitObserver) *Gate {
	if minInterval <= 0 {
		minInterval = defaultMinInterval
	}
	return &Gate{
		account: account,
		limiter: rate.NewLimiter(rate.Every(minInterval), 1),
		observe: observe,
		now:     time.Now,
	}
}

// Account returns the account the gate guards.
func (g *Gate) Account() string {
	return g.account
}

// Wait blocks until the caller may issue its call. It only fails when ctx ends.
func (g *Gate) Wait(ctx context.Context) error {
	start := g.now()

	if pause := g.pauseRemaining(); pause > 0 {
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	if g.observe != nil {
		g.observe(g.account, g.now().Sub(start))
	}
	return nil
}

// Pause holds every caller for d, e.g. after the destination signalled
// throttling. Overlapping pauses keep the later deadline.
func (g *Gate) Pause(d time.Duration) {
	if d <= 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	until := g.now().Add(d)
	if until.After(g.notBefore) {
		g.notBefore = until
	}
}

func (g *Gate) pauseRemaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.notBefore.Sub(g.now())
}

// Registry hands out one process-wide gate per account.
type Registry struct {
	mu       sync.Mutex
	gates    map[string]*Gate
	fallback time.Duration
	observe  WaitObserver
}

// NewRegistry creates a registry. fallback is the interval of accounts
// registered without one.
func NewRegistry(fallback time.Duration, observe WaitObserver) *Registry {
	return &Registry{
		gates:    make(map[string]*Gate),
		fallback: fallback,
		observe:  observe,
	}
}

// Register sets the interval of an account. The first registration wins so
// gates already handed out keep their limiter.
func (r *Registry) Register(account string, minInterval time.Duration) *Gate {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.gates[account]; ok {
		return g
	}
	g := newGate(account, minInterval, r.observe)
	r.gates[account] = g
	return g
}

// Gate returns the gate of account, creating it with the fallback interval.
func (r *Registry) Gate(account string) *Gate {
	return r.Register(account, r.fallback)
}
