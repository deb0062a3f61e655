// Package cache provides the in-memory response cache used by the
// orchestrator.
//
// The store implements the following features:
//
// - Bounded capacity with least-recently-used eviction
// - Per-entry TTL evaluated lazily on read (a read after expiry is a miss and purges the entry)
// - Recency refresh on every successful read
// - Deterministic fingerprints from method, target, sorted query and canonical body
// - Prometheus metrics for observability
//
// # Basic Usage
//
//	store := cache.NewStore(cache.Config{Capacity: 100, DefaultTTL: 5 * time.Minute}, logger)
//
//	key := cache.Fingerprint(request.Descriptor{
//		URL:   "https://api.example.com/items",
//		Query: url.Values{"page": []string{"1"}},
//	})
//
//	resp, err := store.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// Cache miss - fetch from upstream, then:
//		_ = store.Set(ctx, key, fresh, 0)
//	}
//
// Returned responses are clones with FromCache set; callers may modify them
// freely.
//
// # Metrics
//
//   - reqflow_cache_hits_total - Cache hits
//   - reqflow_cache_misses_total - Cache misses (expired reads included)
//   - reqflow_cache_evictions_total - LRU evictions
//   - reqflow_cache_entries - Stored entries
//   - reqflow_cache_errors_total{operation} - Cache operation errors
//
// Whether a request is cacheable at all (method and cache mode) is decided by
// the orchestrator, not by the store.
package cache
