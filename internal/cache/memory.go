package cache

import (
	"strings"
	"sync"
	"time"

	"hearth/internal/observability"
)

// DefaultTTL applies when Set is called without a TTL.
const DefaultTTL = 5 * time.Minute

type memoryEntry struct {
	value     any
	expiresAt time.Time
}

// MemoryConfig configures a MemoryCache.
type MemoryConfig struct {
	DefaultTTL time.Duration
	Now        func() time.Time
}

// MemoryCache is a process-local TTL cache. Entries expire only by TTL;
// there is no size bound or LRU eviction.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	defaultTTL time.Duration
	now        func() time.Time
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache(cfg MemoryConfig) *MemoryCache {
	c := &MemoryCache{
		entries:    make(map[string]memoryEntry),
		defaultTTL: DefaultTTL,
		now:        time.Now,
	}
	if cfg.DefaultTTL > 0 {
		c.defaultTTL = cfg.DefaultTTL
	}
	if cfg.Now != nil {
		c.now = cfg.Now
	}
	return c
}

// Get returns the value under key. Expired entries are evicted and reported as absent.
func (c *MemoryCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		observability.CacheLookups.WithLabelValues("memory", "miss").Inc()
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		observability.CacheLookups.WithLabelValues("memory", "expired").Inc()
		return nil, false
	}
	observability.CacheLookups.WithLabelValues("memory", "hit").Inc()
	return e.value, true
}

// Set stores value under key. A non-positive ttl means the default TTL.
func (c *MemoryCache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	c.entries[key] = memoryEntry{value: value, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
}

// Invalidate removes key.
func (c *MemoryCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidatePrefix removes every key starting with prefix.
func (c *MemoryCache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
