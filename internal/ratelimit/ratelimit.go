package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	ratelib "golang.org/x/time/rate"
)

// Limiter manages token bucket limiters for routes that configure one.
type Limiter struct {
	// mu protects the limiters map.
	mu sync.RWMutex
	// limiters is keyed by "protocol/source".
	limiters map[string]*entry

	now func() time.Time
}

type entry struct {
	lim *ratelib.Limiter
	// lastSeen is unix nanoseconds, written under the read lock.
	lastSeen atomic.Int64
}

func NewLimiter() *Limiter {
	return &Limiter{
		limiters: make(map[string]*entry),
		now:      time.Now,
	}
}

// Allow checks if a request is allowed for the given key, updating the limiter's
// configuration (rps/burst) if the route policy changed since the last call.
func (l *Limiter) Allow(key string, rps float64, burst int) bool {
	l.mu.RLock()
	e, ok := l.limiters[key]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		// Double-check
		e, ok = l.limiters[key]
		if !ok {
			e = &entry{lim: ratelib.NewLimiter(ratelib.Limit(rps), burst)}
			l.limiters[key] = e
		}
		l.mu.Unlock()
	}
	now := l.now()
	e.lastSeen.Store(now.UnixNano())

	// exact comparison: we only care whether the configured value changed
	if e.lim.Limit() != ratelib.Limit(rps) {
		e.lim.SetLimitAt(now, ratelib.Limit(rps))
	}
	if e.lim.Burst() != burst {
		e.lim.SetBurstAt(now, burst)
	}
	return e.lim.AllowN(now, 1)
}

// Remove drops the limiter for key, e.g. when its route is deleted.
func (l *Limiter) Remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}

// Prune removes limiters not used for longer than idle and returns how many went away.
func (l *Limiter) Prune(idle time.Duration) int {
	cutoff := l.now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, e := range l.limiters {
		if e.lastSeen.Load() < cutoff.UnixNano() {
			delete(l.limiters, k)
			n++
		}
	}
	return n
}

// Len is the number of live limiters.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}
