// Package cache provides the shared caching contract and its in-memory and
// Redis-backed implementations.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/shellhost/shellhost/infrastructure/registry"
)

// Contract resolves to a Cache in the root scope.
const Contract = registry.ContractID("host.cache")

// Cache is the contract modules consume. Values are opaque bytes; a zero
// TTL applies the backend default.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Ping(ctx context.Context) error
}

// Config tunes the in-memory implementation.
type Config struct {
	DefaultTTL      time.Duration
	MaxEntries      int
	CleanupInterval time.Duration
}

// DefaultConfig returns the standard in-memory settings.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:      5 * time.Minute,
		MaxEntries:      10000,
		CleanupInterval: 10 * time.Minute,
	}
}

type memoryEntry struct {
	value      []byte
	expiration time.Time
}

// Memory is the process-local Cache used when no Redis backend is
// configured.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	cfg     Config

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewMemory creates an in-memory cache and starts its cleanup loop.
func NewMemory(cfg Config) *Memory {
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = 10000
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}

	c := &Memory{
		entries: make(map[string]*memoryEntry),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

func (c *Memory) cleanupLoop() {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

func (c *Memory) cleanup() {
	now := time.Now()
	c.mu.Lock()
	for key, entry := range c.entries {
		if now.After(entry.expiration) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

// Get implements Cache.
func (c *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiration) {
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Set implements Cache.
func (c *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.cfg.DefaultTTL
	}
	c.mu.Lock()
	if len(c.entries) >= c.cfg.MaxEntries {
		// Full table: drop expired entries before insertion.
		now := time.Now()
		for k, e := range c.entries {
			if now.After(e.expiration) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[key] = &memoryEntry{value: value, expiration: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Delete implements Cache.
func (c *Memory) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// DeletePrefix implements Cache.
func (c *Memory) DeletePrefix(_ context.Context, prefix string) error {
	c.mu.Lock()
	for key := range c.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
	return nil
}

// Ping implements Cache.
func (c *Memory) Ping(context.Context) error { return nil }

// Size returns the entry count, including not-yet-collected expired
// entries.
func (c *Memory) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the cleanup loop.
func (c *Memory) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	return nil
}
