// Package cache implements the read-mostly, populated-on-miss in-process
// cache described in spec §5 for workflow definitions, running executions,
// and triggers. Entries are immutable once loaded: callers must Set a new
// key (e.g. a new definition version/id) rather than mutate an existing one.
package cache

import (
	"sync"
	"time"
)

// Entry holds a cached value with its expiration time.
type Entry struct {
	Value      interface{}
	Expiration time.Time
}

// Config configures a Cache.
type Config struct {
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{DefaultTTL: 5 * time.Minute, CleanupInterval: 10 * time.Minute}
}

// Cache is a TTL-based in-memory cache with a background janitor.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	config  Config
	stopCh  chan struct{}
}

// New creates a new Cache and starts its background cleanup loop.
func New(cfg Config) *Cache {
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}
	c := &Cache{
		entries: make(map[string]*Entry),
		config:  cfg,
		stopCh:  make(chan struct{}),
	}
	go c.janitor()
	return c
}

func (c *Cache) janitor() {
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Cache) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for key, entry := range c.entries {
		if now.After(entry.Expiration) {
			delete(c.entries, key)
		}
	}
}

// Close stops the background janitor.
func (c *Cache) Close() {
	close(c.stopCh)
}

// Get returns the cached value for key if present and unexpired.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.Expiration) {
		return nil, false
	}
	return entry.Value, true
}

// Set stores value under key with the given TTL (0 uses the default TTL).
// Immutable-once-loaded is a caller contract: Set should only be called on
// cache miss or when the underlying identity (e.g. definition version) has
// genuinely changed.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.config.DefaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &Entry{Value: value, Expiration: time.Now().Add(ttl)}
}

// Invalidate removes key from the cache.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of entries currently cached (including expired,
// not-yet-swept ones).
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
