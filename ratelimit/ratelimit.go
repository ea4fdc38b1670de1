// Package ratelimit bounds how much attention a single remote endpoint (or
// the process as a whole) can demand. A passive crawler listens on the open
// internet; without this, a single noisy or hostile peer hammering our
// socket could starve the main loop's ability to service legitimate DHT
// traffic.
package ratelimit

import (
	"net"
	"sync"

	"github.com/golang/groupcache/lru"
	"golang.org/x/time/rate"
)

// DefaultMaxTrackedClients bounds how many distinct client IPs get their own
// limiter at once. Past this, the least recently used client's limiter is
// evicted and, if it reappears, starts fresh. The goal is protecting the
// process, not perfectly metering every historical peer.
const DefaultMaxTrackedClients = 8192

// PerClientLimiter hands out a rate.Limiter per client IP, backed by an
// LRU-bounded cache so the set of tracked clients can't grow without bound.
type PerClientLimiter struct {
	mu    sync.Mutex
	cache *lru.Cache
	rate  rate.Limit
	burst int
}

// NewPerClientLimiter creates a limiter allowing each distinct client IP up
// to r events per second with burst headroom, tracking at most maxClients
// clients at a time.
func NewPerClientLimiter(r rate.Limit, burst int, maxClients int) *PerClientLimiter {
	if maxClients <= 0 {
		maxClients = DefaultMaxTrackedClients
	}
	return &PerClientLimiter{
		cache: lru.New(maxClients),
		rate:  r,
		burst: burst,
	}
}

// Allow reports whether a packet from ip should be processed right now. It
// is safe to call from multiple goroutines.
func (p *PerClientLimiter) Allow(ip net.IP) bool {
	key := ip.String()

	p.mu.Lock()
	var limiter *rate.Limiter
	if v, ok := p.cache.Get(key); ok {
		limiter = v.(*rate.Limiter)
	} else {
		limiter = rate.NewLimiter(p.rate, p.burst)
		p.cache.Add(key, limiter)
	}
	p.mu.Unlock()

	return limiter.Allow()
}

// TrackedClients reports how many distinct client IPs currently have a
// limiter, mainly for diagnostics.
func (p *PerClientLimiter) TrackedClients() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.Len()
}

// GlobalBudget is a single process-wide token bucket, gating total inbound
// packet processing regardless of source. It sits in front of
// PerClientLimiter in the receive path: a packet must clear both to be
// handled.
type GlobalBudget struct {
	limiter *rate.Limiter
}

// NewGlobalBudget creates a process-wide budget of r events per second with
// the given burst.
func NewGlobalBudget(r rate.Limit, burst int) *GlobalBudget {
	return &GlobalBudget{limiter: rate.NewLimiter(r, burst)}
}

// Allow reports whether the global budget has room for one more packet.
func (g *GlobalBudget) Allow() bool {
	return g.limiter.Allow()
}
