package rules

import (
	"context"
	"time"
)

// RulesCache caches active-rule snapshots per company.
// This allows swapping between in-memory and Redis implementations.
type RulesCache interface {
	// Get returns the cached snapshot for companyID; ok is false on a miss or expiry
	Get(ctx context.Context, companyID string) (rules []*ExpenseRule, ok bool)

	// Version returns the invalidation generation of companyID. Read it
	// before loading a snapshot from the store and hand it back to Set.
	Version(ctx context.Context, companyID string) uint64

	// Set stores a snapshot loaded at version. The snapshot is dropped, and
	// false returned, when companyID was invalidated after version was read.
	Set(ctx context.Context, companyID string, version uint64, rules []*ExpenseRule) bool

	// Invalidate drops the snapshot for companyID and advances its version
	Invalidate(ctx context.Context, companyID string)
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached snapshots.
	// Set to 0 for no expiration (manual invalidation only)
	TTL time.Duration

	// KeyPrefix namespaces keys in shared caches such as Redis
	KeyPrefix string
}

// DefaultCacheConfig returns the default caching behaviour: invalidate on mutations only
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:       0,
		KeyPrefix: "expense-policy:rules:",
	}
}

func cloneRules(list []*ExpenseRule) []*ExpenseRule {
	out := make([]*ExpenseRule, len(list))
	for i, r := range list {
		out[i] = r.Clone()
	}
	return out
}
