// Package ratelimit provides token buckets for inbound websocket frames and
// HTTP API callers.
package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Config configures rate limiting behavior.
type Config struct {
	// RequestsPerSecond is the sustained rate.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// BurstSize is the maximum number of requests allowed in a burst.
	BurstSize int `yaml:"burst_size"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default per-connection frame limit.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10.0,
		BurstSize:         20,
		Enabled:           true,
	}
}

// Bucket implements token bucket rate limiting.
type Bucket struct {
	mu         sync.Mutex
	clock      clock.Clock
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewBucket creates a full token bucket. A nil clock uses wall time.
func NewBucket(config Config, clk clock.Clock) *Bucket {
	if clk == nil {
		clk = clock.New()
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 10.0
	}
	if config.BurstSize <= 0 {
		config.BurstSize = int(config.RequestsPerSecond * 2)
	}

	return &Bucket{
		clock:      clk,
		tokens:     float64(config.BurstSize),
		maxTokens:  float64(config.BurstSize),
		refillRate: config.RequestsPerSecond,
		lastRefill: clk.Now(),
	}
}

// Allow consumes a token if one is available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// refill adds tokens based on time elapsed (must be called with lock held).
func (b *Bucket) refill() {
	now := b.clock.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

// WaitTime returns how long until a request would be allowed.
func (b *Bucket) WaitTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - b.tokens) / b.refillRate * float64(time.Second))
}

// Limiter keeps one bucket per key (API caller, connection).
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
	config  Config
	clock   clock.Clock
	maxKeys int
}

// NewLimiter creates a keyed limiter.
func NewLimiter(config Config, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	return &Limiter{
		buckets: make(map[string]*Bucket),
		config:  config,
		clock:   clk,
		maxKeys: 10000,
	}
}

// Allow checks and consumes a token for key.
func (l *Limiter) Allow(key string) bool {
	if !l.config.Enabled {
		return true
	}
	return l.bucket(key).Allow()
}

// WaitTime returns how long key must wait.
func (l *Limiter) WaitTime(key string) time.Duration {
	if !l.config.Enabled {
		return 0
	}
	return l.bucket(key).WaitTime()
}

func (l *Limiter) bucket(key string) *Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[key]; ok {
		return b
	}
	if len(l.buckets) >= l.maxKeys {
		l.prune()
	}
	b := NewBucket(l.config, l.clock)
	l.buckets[key] = b
	return b
}

// prune drops buckets that have refilled, i.e. keys that went idle.
func (l *Limiter) prune() {
	for key, b := range l.buckets {
		b.mu.Lock()
		b.refill()
		full := b.tokens >= b.maxTokens
		b.mu.Unlock()
		if full {
			delete(l.buckets, key)
		}
	}
}
