// Package cache provides a time-windowed index used to merge repeated
// observations of the same entity.
package cache

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// WindowOptions configures a Window.
type WindowOptions struct {
	// TTL is how long an entry stays visible after Put. Zero keeps entries
	// until they are removed or evicted by MaxSize.
	TTL time.Duration
	// MaxSize bounds the number of entries; the oldest are evicted first.
	// Zero means unbounded.
	MaxSize int
}

type windowEntry[V any] struct {
	value  V
	stored time.Time
}

// Window maps keys to values that expire a fixed time after they were stored.
type Window[V any] struct {
	mu      sync.Mutex
	entries map[string]windowEntry[V]
	ttl     time.Duration
	maxSize int
	clock   clock.Clock
}

// NewWindow creates a window. A nil clock uses wall time.
func NewWindow[V any](opts WindowOptions, clk clock.Clock) *Window[V] {
	if clk == nil {
		clk = clock.New()
	}
	if opts.TTL < 0 {
		opts.TTL = 0
	}
	if opts.MaxSize < 0 {
		opts.MaxSize = 0
	}
	return &Window[V]{
		entries: make(map[string]windowEntry[V]),
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
		clock:   clk,
	}
}

// Get returns the value stored under key if it is still inside the window.
// Reads never extend the window.
func (w *Window[V]) Get(key string) (V, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var zero V
	entry, ok := w.entries[key]
	if !ok {
		return zero, false
	}
	if w.expired(entry, w.clock.Now()) {
		delete(w.entries, key)
		return zero, false
	}
	return entry.value, true
}

// Put stores value under key and starts its window.
func (w *Window[V]) Put(key string, value V) {
	if key == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	w.entries[key] = windowEntry[V]{value: value, stored: now}
	w.prune(now)
}

// Remove drops key.
func (w *Window[V]) Remove(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entries, key)
}

// Len returns the number of entries, including expired ones not yet pruned.
func (w *Window[V]) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

func (w *Window[V]) expired(entry windowEntry[V], now time.Time) bool {
	return w.ttl > 0 && now.Sub(entry.stored) >= w.ttl
}

// prune removes expired entries and then the oldest entries beyond maxSize
// (must be called with lock held).
func (w *Window[V]) prune(now time.Time) {
	for key, entry := range w.entries {
		if w.expired(entry, now) {
			delete(w.entries, key)
		}
	}
	if w.maxSize <= 0 {
		return
	}
	for len(w.entries) > w.maxSize {
		var oldestKey string
		var oldest time.Time
		for key, entry := range w.entries {
			if oldestKey == "" || entry.stored.Before(oldest) {
				oldestKey, oldest = key, entry.stored
			}
		}
		delete(w.entries, oldestKey)
	}
}
