// Package memcache is an in-process cache.Cache. It tracks per-key access
// times and byte usage the way a Redis server reports them, which makes it
// suitable for single-process use and for exercising compaction in tests.
package memcache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rcliao/memcompact/internal/cache"
)

type entry struct {
	val        []byte
	expiresAt  time.Time // zero means no expiry
	lastAccess time.Time
}

// Cache is a mutex-guarded map. The zero value is not usable; call New.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	now      func() time.Time
	maxBytes int64
	usage    func() (cache.Usage, error)
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for deterministic idle times.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithMaxBytes sets the capacity reported by MemoryUsage.
func WithMaxBytes(n int64) Option {
	return func(c *Cache) { c.maxBytes = n }
}

// WithUsage overrides MemoryUsage, e.g. to simulate pressure or an
// unreachable server.
func WithUsage(fn func() (cache.Usage, error)) Option {
	return func(c *Cache) { c.usage = fn }
}

// New returns an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: map[string]*entry{},
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// live returns the entry for key, dropping it when expired. Callers hold mu.
func (c *Cache) live(key string, now time.Time) *entry {
	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
		delete(c.entries, key)
		return nil
	}
	return e
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	e := c.live(key, now)
	if e == nil {
		return nil, false, nil
	}
	e.lastAccess = now
	return append([]byte(nil), e.val...), true, nil
}

func (c *Cache) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	e := &entry{val: append([]byte(nil), val...), lastAccess: now}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	c.entries[key] = e
	return nil
}

func (c *Cache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *Cache) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	e := c.live(key, now)
	if e == nil || e.expiresAt.IsZero() {
		return 0, false, nil
	}
	return e.expiresAt.Sub(now), true, nil
}

func (c *Cache) IdleTime(_ context.Context, key string) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	e := c.live(key, now)
	if e == nil {
		return 0, nil
	}
	return now.Sub(e.lastAccess), nil
}

func (c *Cache) ScanPrefix(_ context.Context, prefix string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var keys []string
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) && c.live(k, now) != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// MemoryUsage reports the summed key and value sizes against WithMaxBytes.
func (c *Cache) MemoryUsage(_ context.Context) (cache.Usage, error) {
	if c.usage != nil {
		return c.usage()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return cache.Usage{Used: c.usedLocked(), Max: c.maxBytes}, nil
}

func (c *Cache) usedLocked() int64 {
	var n int64
	for k, e := range c.entries {
		n += int64(len(k) + len(e.val))
	}
	return n
}

// UsedBytes reports the real byte usage, ignoring any WithUsage override.
func (c *Cache) UsedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usedLocked()
}

func (c *Cache) AcquireLock(_ context.Context, name, token string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	key := cache.LockPrefix + name
	if c.live(key, now) != nil {
		return false, nil
	}
	e := &entry{val: []byte(token), lastAccess: now}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	c.entries[key] = e
	return true, nil
}

func (c *Cache) ReleaseLock(_ context.Context, name, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cache.LockPrefix + name
	if e := c.live(key, c.now()); e != nil && string(e.val) == token {
		delete(c.entries, key)
	}
	return nil
}

var (
	_ cache.Cache  = (*Cache)(nil)
	_ cache.Locker = (*Cache)(nil)
)
