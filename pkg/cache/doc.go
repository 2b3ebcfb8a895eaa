// Package cache provides the in-memory query cache store, deterministic
// cache keys, and an optional Redis second level.
//
// The store keeps one entry per key with a TTL:
//
// - Get serves a value only while it is fresh
// - GetStale serves it regardless of expiry (stale-while-revalidate)
// - Expired entries are dropped by Clear, ClearAll, ClearExpired or a pattern
// - Every store is constructed explicitly; there is no package-level cache
//
// # Basic Usage
//
//	store := cache.NewStore(cache.WithDefaultTTL(5 * time.Minute))
//
//	key := cache.GenerateKey("users", cache.Params{"limit": 10, "offset": 0})
//	// users:limit:10|offset:0
//
//	store.SetWithTTL(key, page, 2*time.Minute)
//
//	if v, ok := store.Get(key); ok {
//		// fresh hit
//	} else if v, ok := store.GetStale(key); ok {
//		// expired, show it and refetch in the background
//	}
//
// # Invalidation
//
//	store.Clear(key)                  // one key
//	store.InvalidatePattern("^users:") // every users list
//	store.ClearAll()
//
// # Second Level
//
// RedisBackend implements Backend and lets several processes share cached
// values. Records are kept in Redis past their expiry for a retention
// window so stale reads still work after a restart:
//
//	backend := cache.NewRedisBackend(redisClient)
//
// # Metrics
//
//   - querycache_cache_hits_total{mode} - hits by read mode (fresh, stale, redis)
//   - querycache_cache_misses_total - misses
//   - querycache_cache_entries - entries held in memory
//   - querycache_cache_evictions_total{reason} - removed entries
//   - querycache_cache_errors_total{operation} - Redis errors
package cache
