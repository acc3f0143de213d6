package database

import (
	"context"
	"encoding/json"
	"time"
)

const (
	// Cache key prefixes
	CacheKeyDashboardStats = "proxyfleet:dashboard:stats"
	CacheKeyServerStats    = "proxyfleet:server:stats:"
	CacheKeySyncStatus     = "proxyfleet:sync:status"

	// Cache TTLs
	CacheTTLDashboard  = 30 * time.Second
	CacheTTLSyncStatus = 10 * time.Second
)

// CacheGet retrieves a value from Redis cache and unmarshals it into dest
func CacheGet(key string, dest interface{}) error {
	ctx := context.Background()
	data, err := Redis.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// CacheSet stores a value in Redis cache with TTL
func CacheSet(key string, value interface{}, ttl time.Duration) error {
	ctx := context.Background()
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return Redis.Set(ctx, key, data, ttl).Err()
}

// CacheDelete removes a key from Redis cache
func CacheDelete(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx := context.Background()
	return Redis.Del(ctx, keys...).Err()
}

// CacheDeletePattern deletes all keys matching a pattern (use with caution)
func CacheDeletePattern(pattern string) error {
	ctx := context.Background()
	iter := Redis.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) > 0 {
		return Redis.Del(ctx, keys...).Err()
	}
	return nil
}

// InvalidateStatsCaches clears dashboard and per-server stat caches.
// Called after a sync pass mutates key usage.
func InvalidateStatsCaches() {
	if Redis == nil {
		return
	}
	CacheDelete(CacheKeyDashboardStats)
	CacheDeletePattern(CacheKeyServerStats + "*")
}
