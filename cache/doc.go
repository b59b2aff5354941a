// Package cache provides a persistent, embedded key/blob cache with absolute
// expiry, sliding expiry, dependency invalidation and post-eviction callbacks.
//
// Design
//
//   - Storage: entries live in a table reached through the storage.Cursor
//     contract. The default store is a single SQLite file (storage/sqlite).
//     Keys are case-insensitive; the spelling passed to Set is kept and is
//     what callbacks receive.
//
//   - Concurrency: mutations of one key are serialized by a key lock picked
//     by hashing the normalized key (31 shards by default) and applied in a
//     single storage transaction. Different keys proceed in parallel. Close
//     waits for operations in flight.
//
//   - Expiry: an entry has at most one expiry. Absolute expiry fires at a
//     fixed instant; sliding expiry fires once the entry has not been read
//     for its window, and every read renews it. Expired entries are removed
//     by background scans, started at most once per ScanInterval by Set or
//     on demand with StartScanForExpiredItems(true).
//
//   - Dependencies: entries may carry tags. RemoveByDependency(tag) removes
//     every entry carrying tag.
//
//   - Callbacks: EntryOptions.RegisterPostEvictionCallback attaches named
//     callbacks. They run on the Scheduler after the entry is removed
//     (Removed, Replaced, Expired or Dependency). Clear runs none. Records
//     store callback names as tokens, so callbacks registered again under the
//     same name after a restart still fire.
//
//   - Metrics: Options.Metrics receives Hit/Miss/Evict/Scan signals.
//     By default NoopMetrics is used; plug a Prometheus adapter to export metrics.
//
// Basic usage
//
//	c, err := cache.Open(cache.Options{Path: "cache.db"})
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	_ = c.Set("a", []byte("1"), nil)
//	if v, ok, _ := c.TryGetData("a"); ok {
//	    _ = v // use value
//	}
//
// Expiry, dependencies and callbacks
//
//	evicted := cache.NewCallback("audit", func(key string, data []byte, r cache.EvictionReason) {
//	    log.Printf("%s evicted: %s", key, r)
//	})
//	opts := cache.NewEntryOptions().
//	    SetSlidingExpiration(10 * time.Minute).
//	    AddDependency("user:42").
//	    RegisterPostEvictionCallback(evicted)
//	_ = c.Set("session:abc", payload, opts)
//	_ = c.RemoveByDependency("user:42") // "audit" runs with Dependency
//
// Exporting metrics (Prometheus adapter)
//
//	m := prom.New(nil, "diskcache", "demo") // implements Metrics
//	c, err := cache.Open(cache.Options{Path: "cache.db", Metrics: m})
package cache
