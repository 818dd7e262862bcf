package rules

import (
	"context"
	"sync"
	"time"
)

type cacheEntry struct {
	rules    []*ExpenseRule
	cachedAt time.Time
}

// InMemoryRulesCache is a process-local RulesCache. Thread-safe.
type InMemoryRulesCache struct {
	entries  map[string]cacheEntry
	versions map[string]uint64
	config   CacheConfig
	now      func() time.Time
	mu       sync.RWMutex
}

// NewInMemoryRulesCache creates a new in-memory rules cache
func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{
		entries:  make(map[string]cacheEntry),
		versions: make(map[string]uint64),
		config:   config,
		now:      time.Now,
	}
}

// Get returns a copy of the cached snapshot
func (c *InMemoryRulesCache) Get(_ context.Context, companyID string) ([]*ExpenseRule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[companyID]
	if !ok {
		return nil, false
	}

	if c.config.TTL > 0 && c.now().Sub(entry.cachedAt) > c.config.TTL {
		return nil, false
	}

	return cloneRules(entry.rules), true
}

// Version returns the number of invalidations seen for companyID
func (c *InMemoryRulesCache) Version(_ context.Context, companyID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.versions[companyID]
}

// Set stores a copy of rules for companyID unless it was invalidated since version
func (c *InMemoryRulesCache) Set(_ context.Context, companyID string, version uint64, rules []*ExpenseRule) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.versions[companyID] != version {
		return false
	}
	c.entries[companyID] = cacheEntry{
		rules:    cloneRules(rules),
		cachedAt: c.now(),
	}
	return true
}

// Invalidate clears the snapshot for companyID and bumps its version
func (c *InMemoryRulesCache) Invalidate(_ context.Context, companyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, companyID)
	c.versions[companyID]++
}

// Len returns the number of cached companies, expired entries included
func (c *InMemoryRulesCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
