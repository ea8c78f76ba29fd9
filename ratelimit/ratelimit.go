// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// Config holds rate limiting configuration.
type Config struct {
	// Poll limits receive cycles of the consumer.
	Poll PollConfig `yaml:"poll"`
	// Publish limits publish API requests per client IP.
	Publish PublishConfig `yaml:"publish"`
}

// PollConfig holds the poll budget settings.
type PollConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Limit    int           `yaml:"limit"`    // cycles allowed per interval
	Interval time.Duration `yaml:"interval"` // refill interval
}

// PublishConfig holds per-IP publish rate limiting settings.
type PublishConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`             // requests per second per IP
	Burst           int           `yaml:"burst"`            // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // cleanup interval for stale entries
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Poll: PollConfig{
			Enabled:  true,
			Limit:    10,
			Interval: time.Second,
		},
		Publish: PublishConfig{
			Enabled:         false,
			Rate:            100,
			Burst:           20,
			CleanupInterval: 5 * time.Minute,
		},
	}
}

// Budget is a token bucket gating poll cycles. A disabled budget always
// allows.
type Budget struct {
	limiter *rate.Limiter
	clock   clockwork.Clock
}

// NewBudget creates a budget refilling cfg.Limit tokens every cfg.Interval,
// with a burst of cfg.Limit. A nil clock uses the real clock.
func NewBudget(cfg PollConfig, clock clockwork.Clock) *Budget {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if !cfg.Enabled || cfg.Limit <= 0 {
		return &Budget{clock: clock}
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}

	every := rate.Every(interval / time.Duration(cfg.Limit))
	return &Budget{
		limiter: rate.NewLimiter(every, cfg.Limit),
		clock:   clock,
	}
}

// Allow takes one token if available.
func (b *Budget) Allow() bool {
	if b == nil || b.limiter == nil {
		return true
	}
	return b.limiter.AllowN(b.clock.Now(), 1)
}

// IPRateLimiter manages rate limiting per client IP address.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	clock    clockwork.Clock
	stopCh   chan struct{}
	stopOnce sync.Once
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a new IP-based rate limiter and starts its
// cleanup goroutine. Call Stop to release it.
func NewIPRateLimiter(cfg PublishConfig, clock clockwork.Clock) *IPRateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	cleanup := cfg.CleanupInterval
	if cleanup <= 0 {
		cleanup = 5 * time.Minute
	}

	l := &IPRateLimiter{
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(cfg.Rate),
		burst:    cfg.Burst,
		cleanup:  cleanup,
		clock:    clock,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow checks if a request from remoteAddr (host:port or bare host) is
// allowed.
func (l *IPRateLimiter) Allow(remoteAddr string) bool {
	ip := extractIP(remoteAddr)
	if ip == "" {
		return true
	}

	now := l.clock.Now()

	l.mu.Lock()
	entry, exists := l.limiters[ip]
	if !exists {
		entry = &ipEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.AllowN(now, 1)
}

// Len returns the number of tracked IPs.
func (l *IPRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := l.clock.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			l.removeStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *IPRateLimiter) removeStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := l.clock.Now().Add(-l.cleanup * 2)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, ip)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *IPRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func extractIP(addr string) string {
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
