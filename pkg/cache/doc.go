// Package cache provides the bounded in-memory cache used by the API client.
//
// The cache implements the following features:
//
// - Per-entry TTL with lazy expiry on read and a periodic background sweep
// - Bounded size with LRU, FIFO or TTL eviction
// - Hit statistics and approximate memory usage
// - Prometheus metrics for observability
// - Deterministic request cache keys
//
// # Basic Usage
//
//	c := cache.New[string](cache.Config{
//		Name:     "products",
//		TTL:      5 * time.Minute,
//		MaxSize:  500,
//		Strategy: cache.StrategyLRU,
//	}, logger)
//	defer c.Close()
//
//	c.Set("product:42", "sneakers")
//	if v, ok := c.Get("product:42"); ok {
//		// hit
//	}
//
// # Expiry
//
// An entry older than its TTL is treated as absent by Get and Has, and is
// removed at that moment. Has is a Get in disguise: it counts a hit and refreshes
// recency. Use Peek for a read without side effects.
//
// # Eviction
//
// Eviction happens only in Set, when the cache is full and the key is new:
//
//   - lru: evict the least recently read or written key
//   - fifo: evict the oldest inserted (or rewritten) key; reads do not reorder
//   - ttl: evict the entry with the oldest timestamp
//
// # Metrics
//
//   - marketplace_cache_hits_total{cache}
//   - marketplace_cache_misses_total{cache}
//   - marketplace_cache_evictions_total{cache, reason}
//   - marketplace_cache_entries{cache}
package cache
