package cache

import "time"

// Cache is a persistent key/blob cache.
// All methods are safe for concurrent use by multiple goroutines.
//
// Mutations of one key are serialized by a key lock and applied in a single
// storage transaction; different keys proceed in parallel.
type Cache interface {
	// Set inserts or replaces key. Replacing an entry that had callbacks
	// dispatches them with Replaced and the old data. opts may be nil.
	Set(key string, data []byte, opts *EntryOptions) error
	// SetInt64 is Set with the decimal form of a non-zero integer key.
	SetInt64(key int64, data []byte, opts *EntryOptions) error

	// GetData returns the data stored under key, or ErrNotFound.
	// Reading an entry with sliding expiration renews it.
	GetData(key string) ([]byte, error)
	// TryGetData is GetData reporting a miss through ok.
	TryGetData(key string) (data []byte, ok bool, err error)
	GetDataInt64(key int64) ([]byte, error)
	TryGetDataInt64(key int64) (data []byte, ok bool, err error)
	// Get returns the whole entry. It renews sliding entries like GetData.
	Get(key string) (Entry, bool, error)

	// Remove deletes key and dispatches Removed. It reports whether key existed.
	Remove(key string) (bool, error)
	// RemoveByDependency deletes every entry tagged with tag and dispatches
	// Dependency for each.
	RemoveByDependency(tag string) error
	// StartScanForExpiredItems schedules a scan for expired entries unless
	// one ran within the scan interval. force skips the interval check.
	StartScanForExpiredItems(force bool)
	// Clear deletes every entry. No callbacks run.
	Clear() error

	// RegisterCallback makes cb resolvable before any Set names it, so entries
	// persisted by an earlier process can still be dispatched.
	RegisterCallback(cb Callback) error
	// Len returns the number of stored entries.
	Len() (int, error)
	// Close waits for in-flight operations, releases the store and, with the
	// default scheduler, waits for queued callbacks.
	Close() error
}

// Entry is a stored cache entry.
type Entry struct {
	Key  string
	Data []byte
	// Dependencies in the order they were added.
	Dependencies []string
	// LastAccessed is the last read (or write) of a sliding entry; zero otherwise.
	LastAccessed time.Time
	// SlidingExpiration is zero unless the entry slides.
	SlidingExpiration time.Duration
	// AbsoluteExpiration is zero unless the entry expires at a fixed instant.
	AbsoluteExpiration time.Time
}
