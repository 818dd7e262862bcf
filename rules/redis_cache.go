package rules

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/liamcoop/expensepolicy/internal/logger"
	"github.com/redis/go-redis/v9"
)

// RedisRulesCache implements RulesCache using Redis so that several service
// instances share snapshots and invalidations.
// Redis failures degrade to cache misses; the store remains the source of truth.
type RedisRulesCache struct {
	client *redis.Client
	config CacheConfig
}

// NewRedisRulesCache creates a cache on top of an existing Redis client
func NewRedisRulesCache(client *redis.Client, config CacheConfig) *RedisRulesCache {
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultCacheConfig().KeyPrefix
	}
	return &RedisRulesCache{
		client: client,
		config: config,
	}
}

var errSnapshotSuperseded = errors.New("snapshot superseded by invalidation")

func (c *RedisRulesCache) key(companyID string) string {
	return c.config.KeyPrefix + companyID
}

// '#' never appears in a company ID, so version keys cannot collide with snapshot keys
func (c *RedisRulesCache) versionKey(companyID string) string {
	return c.key(companyID) + "#version"
}

// Version reads the shared invalidation counter. An unreachable Redis reports 0;
// Set then fails the same way and nothing stale is written.
func (c *RedisRulesCache) Version(ctx context.Context, companyID string) uint64 {
	v, err := c.client.Get(ctx, c.versionKey(companyID)).Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		logger.Warn("redis rules cache version read failed", "company_id", companyID, "error", err)
	}
	return v
}

// Get loads and decodes the snapshot for companyID
func (c *RedisRulesCache) Get(ctx context.Context, companyID string) ([]*ExpenseRule, bool) {
	data, err := c.client.Get(ctx, c.key(companyID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		logger.Warn("redis rules cache get failed", "company_id", companyID, "error", err)
		return nil, false
	}

	var list []*ExpenseRule
	if err := json.Unmarshal(data, &list); err != nil {
		logger.Warn("redis rules cache holds undecodable snapshot", "company_id", companyID, "error", err)
		return nil, false
	}
	if list == nil {
		list = []*ExpenseRule{}
	}
	return list, true
}

// Set encodes and stores the snapshot with the configured TTL (0 = no expiry).
// The write runs in a WATCH transaction on the version key, so an invalidation
// from any instance after version was read discards it.
func (c *RedisRulesCache) Set(ctx context.Context, companyID string, version uint64, rules []*ExpenseRule) bool {
	if rules == nil {
		rules = []*ExpenseRule{}
	}
	data, err := json.Marshal(rules)
	if err != nil {
		logger.Warn("failed to encode rules snapshot", "company_id", companyID, "error", err)
		return false
	}

	versionKey := c.versionKey(companyID)
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, versionKey).Uint64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != version {
			return errSnapshotSuperseded
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, c.key(companyID), data, c.config.TTL)
			return nil
		})
		return err
	}, versionKey)

	switch {
	case err == nil:
		return true
	case errors.Is(err, errSnapshotSuperseded), errors.Is(err, redis.TxFailedErr):
		return false
	default:
		logger.Warn("redis rules cache set failed", "company_id", companyID, "error", err)
		return false
	}
}

// Invalidate deletes the snapshot key and bumps the version in one transaction
func (c *RedisRulesCache) Invalidate(ctx context.Context, companyID string) {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.versionKey(companyID))
		pipe.Del(ctx, c.key(companyID))
		return nil
	})
	if err != nil {
		logger.Warn("redis rules cache invalidate failed", "company_id", companyID, "error", err)
	}
}
