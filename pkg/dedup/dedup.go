// Package dedup suppresses repeated logical notifications inside a trailing window.
package dedup

import (
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const sweepEvery = 256

// Cache answers "was this key already handled within the window".
//
// Keys live in a ttlcache bounded by maxEntries; the least recently inserted
// key is evicted first. Each entry stores its first sighting so the window is
// measured from that instant, and repeats never extend it.
type Cache struct {
	window     time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	entries *ttlcache.Cache[string, time.Time]
	inserts uint64
}

// Option customizes a Cache.
type Option func(*Cache)

// WithClock replaces time.Now; used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMaxEntries caps the number of tracked keys.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

func New(window time.Duration, opts ...Option) *Cache {
	if window <= 0 {
		window = 5 * time.Second
	}
	c := &Cache{
		window:     window,
		maxEntries: 5000,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.entries = ttlcache.New[string, time.Time](
		ttlcache.WithTTL[string, time.Time](window),
		ttlcache.WithCapacity[string, time.Time](uint64(c.maxEntries)),
		ttlcache.WithDisableTouchOnHit[string, time.Time](),
	)
	return c
}

// Seen reports whether key was first seen less than one window ago. A miss
// records the key with the current time.
func (c *Cache) Seen(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if item := c.entries.Get(key); item != nil && now.Sub(item.Value()) < c.window {
		return true
	}

	c.entries.Set(key, now, ttlcache.DefaultTTL)
	c.inserts++
	if c.inserts%sweepEvery == 0 {
		c.sweepLocked(now)
	}
	return false
}

// Sweep drops expired entries now.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(c.now())
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

func (c *Cache) sweepLocked(now time.Time) {
	c.entries.DeleteExpired()
	for key, item := range c.entries.Items() {
		if now.Sub(item.Value()) >= c.window {
			c.entries.Delete(key)
		}
	}
}
