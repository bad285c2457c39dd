// Package flood throttles connection churn per peer address before the
// admission core ever runs.
//
// The device guard keys on a fingerprint that honors forwarded headers, so
// a client willing to forge those headers can spread itself across device
// buckets. This limiter sits in front of it keyed on the resolved peer
// address (trusted-hop XFF handling happens in httpmw, not here) and uses a
// token bucket, so it caps how fast any single peer can open connections or
// issue requests at all.
//
// In-memory and process-local, same as the rest of the gate. It does not
// protect against distributed floods; upstream filtering owns that.
package flood

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// peer tracks one address's bucket and last activity.
type peer struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// logged tracks whether the first-denial hook has fired for this peer;
	// resets when the entry is evicted and re-created
	logged bool
}

// Limiter holds per-peer token buckets with background eviction and a hard
// cap on tracked peers so the map itself cannot be grown without bound.
type Limiter struct {
	mu    sync.Mutex
	peers map[string]*peer

	perSecond rate.Limit
	burst     int

	ttl      time.Duration
	maxPeers int

	capacityLogged bool

	// OnFirstDenied fires once per tracked peer on its first denial,
	// OnDenied on every denial. Split so callers can log once but count
	// every rejection in metrics.
	OnFirstDenied func(addr string)
	OnDenied      func(addr string)

	// OnCapacity fires once when the peer map first fills.
	OnCapacity func()
}

type Option func(*Limiter)

// WithRate sets the bucket refill rate and burst ceiling.
func WithRate(perSecond float64, burst int) Option {
	return func(l *Limiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL controls how long an idle peer stays tracked before eviction.
func WithTTL(d time.Duration) Option {
	return func(l *Limiter) {
		l.ttl = d
	}
}

// WithMaxPeers caps the tracked-peer map; 0 disables the cap.
func WithMaxPeers(n int) Option {
	return func(l *Limiter) {
		l.maxPeers = n
	}
}

func WithOnFirstDenied(fn func(addr string)) Option {
	return func(l *Limiter) {
		l.OnFirstDenied = fn
	}
}

func WithOnDenied(fn func(addr string)) Option {
	return func(l *Limiter) {
		l.OnDenied = fn
	}
}

func WithOnCapacity(fn func()) Option {
	return func(l *Limiter) {
		l.OnCapacity = fn
	}
}

// New creates a Limiter and starts its eviction goroutine, which exits when
// ctx is cancelled.
func New(ctx context.Context, opts ...Option) *Limiter {
	l := &Limiter{
		peers:     make(map[string]*peer),
		perSecond: 5,
		burst:     20,
		ttl:       5 * time.Minute,
		maxPeers:  100000,
	}
	for _, o := range opts {
		o(l)
	}
	go l.evict(ctx)
	return l
}

// Allow reports whether the peer may proceed, creating its bucket on first
// sight. A new peer is rejected outright when the map is at capacity.
func (l *Limiter) Allow(addr string) bool {
	l.mu.Lock()
	p, exists := l.peers[addr]
	if !exists {
		if l.maxPeers > 0 && len(l.peers) >= l.maxPeers {
			fireCapacity := !l.capacityLogged
			l.capacityLogged = true
			l.mu.Unlock()
			if fireCapacity && l.OnCapacity != nil {
				l.OnCapacity()
			}
			if l.OnDenied != nil {
				l.OnDenied(addr)
			}
			return false
		}
		p = &peer{
			limiter: rate.NewLimiter(l.perSecond, l.burst),
		}
		l.peers[addr] = p
	}
	p.lastSeen = time.Now()
	allowed := p.limiter.Allow()

	if !allowed && !p.logged {
		p.logged = true
		// hooks may do slow work; never hold the lock across them
		l.mu.Unlock()
		if l.OnFirstDenied != nil {
			l.OnFirstDenied(addr)
		}
		if l.OnDenied != nil {
			l.OnDenied(addr)
		}
		return false
	}

	l.mu.Unlock()

	if !allowed && l.OnDenied != nil {
		l.OnDenied(addr)
	}

	return allowed
}

// evict periodically drops peers idle past the TTL. Runs every TTL/2 so
// stale entries do not outlive the TTL by much.
func (l *Limiter) evict(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.mu.Lock()
			for addr, p := range l.peers {
				if now.Sub(p.lastSeen) > l.ttl {
					delete(l.peers, addr)
				}
			}
			if l.maxPeers > 0 && len(l.peers) < l.maxPeers {
				l.capacityLogged = false
			}
			l.mu.Unlock()
		}
	}
}
