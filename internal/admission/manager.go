package admission

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWindow is the tumbling rate-limit window.
const DefaultWindow = time.Minute

// Config bounds the manager.
type Config struct {
	// MaxConnections caps concurrently admitted connections. 0 means unlimited.
	MaxConnections int64
	// MaxRequestsPerMinute caps requests per source IP within one window. 0 disables.
	MaxRequestsPerMinute int
	// Window overrides DefaultWindow, mostly for tests.
	Window time.Duration
}

type rateEntry struct {
	count       int
	windowStart time.Time
}

// Manager performs connection admission control and per-IP rate limiting.
type Manager struct {
	maxConns  int64
	maxPerWin int
	window    time.Duration

	active atomic.Int64
	total  atomic.Uint64
	start  time.Time

	mu    sync.RWMutex
	rates map[string]*rateEntry

	now func() time.Time
}

func New(cfg Config) *Manager {
	w := cfg.Window
	if w <= 0 {
		w = DefaultWindow
	}
	return &Manager{
		maxConns:  cfg.MaxConnections,
		maxPerWin: cfg.MaxRequestsPerMinute,
		window:    w,
		start:     time.Now(),
		rates:     make(map[string]*rateEntry),
		now:       time.Now,
	}
}

// Permit is one admitted connection. Release is idempotent.
type Permit struct {
	m        *Manager
	released atomic.Bool
}

// Release gives the slot back. Only the first call has an effect.
func (p *Permit) Release() {
	if p == nil || !p.released.CompareAndSwap(false, true) {
		return
	}
	p.m.active.Add(-1)
}

// TryAcquire admits one connection, or returns nil when at capacity.
func (m *Manager) TryAcquire() *Permit {
	for {
		cur := m.active.Load()
		if m.maxConns > 0 && cur >= m.maxConns {
			return nil
		}
		if m.active.CompareAndSwap(cur, cur+1) {
			return &Permit{m: m}
		}
	}
}

// CheckRateLimit records one request from ip and reports whether it is within budget.
func (m *Manager) CheckRateLimit(ip string) bool {
	ok, _ := m.Allow(ip)
	return ok
}

// Allow is CheckRateLimit that also returns how long until the window of ip resets
// when the request is rejected.
func (m *Manager) Allow(ip string) (bool, time.Duration) {
	if m.maxPerWin <= 0 {
		return true, 0
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rates[ip]
	if !ok || now.Sub(e.windowStart) >= m.window {
		m.rates[ip] = &rateEntry{count: 1, windowStart: now}
		return true, 0
	}
	if e.count >= m.maxPerWin {
		return false, e.windowStart.Add(m.window).Sub(now)
	}
	e.count++
	return true, 0
}

// PruneRateLimits drops entries whose window has already elapsed and returns
// how many were removed.
func (m *Manager) PruneRateLimits() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for ip, e := range m.rates {
		if now.Sub(e.windowStart) >= m.window {
			delete(m.rates, ip)
			n++
		}
	}
	return n
}

// TrackedIPs is the number of rate-limit entries currently held.
func (m *Manager) TrackedIPs() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rates)
}

func (m *Manager) IncrementTotalRequests() { m.total.Add(1) }

func (m *Manager) TotalRequests() uint64 { return m.total.Load() }

func (m *Manager) ActiveConnections() int64 { return m.active.Load() }

func (m *Manager) MaxConnections() int64 { return m.maxConns }

// RequestsPerSecond is an advisory average since the manager was created.
func (m *Manager) RequestsPerSecond() float64 {
	secs := m.now().Sub(m.start).Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(m.total.Load()) / secs
}
