// Package ratelimit throttles clients that keep failing authentication.
package ratelimit

import (
	"net"
	"sync"
	"time"
)

// Limiter tracks failed authentication attempts per client host. A host
// that reaches MaxFailures within Window is blocked for BlockDuration.
type Limiter struct {
	mu       sync.Mutex
	attempts map[string]*attemptInfo
	now      func() time.Time

	maxFailures   int
	window        time.Duration
	blockDuration time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

type attemptInfo struct {
	count     int
	firstTime time.Time
	blockedAt time.Time
}

// Config configures a Limiter.
type Config struct {
	MaxFailures   int
	Window        time.Duration
	BlockDuration time.Duration
}

// DefaultConfig allows 5 failures per 15 minutes, then blocks for 30 minutes.
func DefaultConfig() Config {
	return Config{
		MaxFailures:   5,
		Window:        15 * time.Minute,
		BlockDuration: 30 * time.Minute,
	}
}

// New creates a limiter and starts its cleanup goroutine. Call Close to
// stop it.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = def.BlockDuration
	}

	l := &Limiter{
		attempts:      make(map[string]*attemptInfo),
		now:           time.Now,
		maxFailures:   cfg.MaxFailures,
		window:        cfg.Window,
		blockDuration: cfg.BlockDuration,
		stop:          make(chan struct{}),
	}
	go l.cleanup(5 * time.Minute)
	return l
}

// Key reduces a remote address to the host used for counting, so that
// reconnecting from a new source port does not reset the count.
func Key(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// IsBlocked reports whether key is currently blocked.
func (l *Limiter) IsBlocked(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, exists := l.attempts[key]
	if !exists || info.blockedAt.IsZero() {
		return false
	}
	return l.now().Sub(info.blockedAt) < l.blockDuration
}

// RecordFailure records a failed attempt and returns true if key is now
// blocked.
func (l *Limiter) RecordFailure(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	info, exists := l.attempts[key]
	if !exists || l.stale(info, now) {
		l.attempts[key] = &attemptInfo{count: 1, firstTime: now}
		if l.maxFailures <= 1 {
			l.attempts[key].blockedAt = now
			return true
		}
		return false
	}

	info.count++
	if info.count >= l.maxFailures {
		info.blockedAt = now
		return true
	}
	return false
}

// stale reports whether info should start over: the block it led to has
// run out, or it was never blocked and its counting window has passed.
func (l *Limiter) stale(info *attemptInfo, now time.Time) bool {
	if !info.blockedAt.IsZero() {
		return now.Sub(info.blockedAt) >= l.blockDuration
	}
	return now.Sub(info.firstTime) > l.window
}

// RecordSuccess clears the failures of key.
func (l *Limiter) RecordSuccess(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, key)
}

// RemainingAttempts returns how many failures key may still make before
// being blocked.
func (l *Limiter) RemainingAttempts(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, exists := l.attempts[key]
	if !exists || l.stale(info, l.now()) {
		return l.maxFailures
	}
	return max(l.maxFailures-info.count, 0)
}

// BlockedUntil returns when the block on key expires, or the zero time.
func (l *Limiter) BlockedUntil(key string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, exists := l.attempts[key]
	if !exists || info.blockedAt.IsZero() {
		return time.Time{}
	}
	return info.blockedAt.Add(l.blockDuration)
}

// Stats returns the number of tracked and currently blocked keys.
func (l *Limiter) Stats() (tracked, blocked int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for _, info := range l.attempts {
		tracked++
		if !info.blockedAt.IsZero() && now.Sub(info.blockedAt) < l.blockDuration {
			blocked++
		}
	}
	return tracked, blocked
}

// Close stops the cleanup goroutine.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.prune()
		}
	}
}

// prune drops entries whose window and block have both run out.
func (l *Limiter) prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	maxAge := l.window + l.blockDuration
	for key, info := range l.attempts {
		if now.Sub(info.firstTime) > maxAge {
			delete(l.attempts, key)
		}
	}
}
