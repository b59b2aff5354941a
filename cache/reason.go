package cache

// EvictionReason explains why an entry left the cache.
type EvictionReason int

const (
	// None is the zero value; it is never passed to a callback.
	None EvictionReason = iota
	// Removed: deleted explicitly with Remove.
	Removed
	// Replaced: overwritten by Set. The callback receives the old data.
	Replaced
	// Expired: removed by an expiration scan.
	Expired
	// Dependency: removed by RemoveByDependency.
	Dependency
	// Capacity is reserved for size-bounded eviction and never produced.
	Capacity
)

// String returns a stable lower-case label, suitable for metric labels.
func (r EvictionReason) String() string {
	switch r {
	case None:
		return "none"
	case Removed:
		return "removed"
	case Replaced:
		return "replaced"
	case Expired:
		return "expired"
	case Dependency:
		return "dependency"
	case Capacity:
		return "capacity"
	default:
		return "unknown"
	}
}
