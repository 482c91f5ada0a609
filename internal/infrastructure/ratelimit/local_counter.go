package ratelimit

import (
	"sync"
	"time"

	"github.com/custodia-io/custodia/internal/domain/models"
	"github.com/custodia-io/custodia/internal/domain/service"
)

// localWindow is one key's in-process fixed-window counter.
type localWindow struct {
	windowStart time.Time
	count       int
	lastSeen    time.Time
}

// localCounterPool is the in-process fallback used when Redis is down. It
// mirrors the fixed-window semantics of the Lua script but only sees this
// instance's traffic.
type localCounterPool struct {
	mu      sync.Mutex
	windows map[string]*localWindow
}

func newLocalCounterPool() *localCounterPool {
	return &localCounterPool{windows: make(map[string]*localWindow)}
}

// Allow performs a locked check-and-increment against the local window.
func (p *localCounterPool) Allow(keyID string, limit models.RateLimit, now time.Time) *service.RateLimitResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	windowStart := now.Truncate(limit.Window)
	w, ok := p.windows[keyID]
	if !ok || w.windowStart != windowStart {
		w = &localWindow{windowStart: windowStart}
		p.windows[keyID] = w
	}
	w.lastSeen = now

	resetAt := windowStart.Add(limit.Window)
	if w.count >= limit.Requests {
		return &service.RateLimitResult{
			Allowed: false, Limit: limit.Requests, Remaining: 0, ResetAt: resetAt,
		}
	}
	w.count++
	return &service.RateLimitResult{
		Allowed:   true,
		Limit:     limit.Requests,
		Remaining: limit.Requests - w.count,
		ResetAt:   resetAt,
	}
}

// Remove drops a key's counter.
func (p *localCounterPool) Remove(keyID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.windows, keyID)
}

// Cleanup evicts counters idle longer than maxIdle and returns the number
// removed. Called from a janitor tick.
func (p *localCounterPool) Cleanup(maxIdle time.Duration, now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for key, w := range p.windows {
		if now.Sub(w.lastSeen) > maxIdle {
			delete(p.windows, key)
			removed++
		}
	}
	return removed
}
