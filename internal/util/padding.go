// Package util contains internal helpers (hashing, sharding, padding).
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import (
	"sync/atomic"
	"unsafe"
)

// CacheLineSize is a reasonable default for most modern CPUs.
// std has runtime/internal/sys.CacheLineSize but it's unexported.
const CacheLineSize = 64

// CacheLinePad separates hot fields into distinct cache lines.
type CacheLinePad struct{ _ [CacheLineSize]byte }

// PaddedAtomicUint64 is an atomic uint64 padded to exactly one cache line.
// Use for counters bumped from many goroutines (hits, misses, contention).
type PaddedAtomicUint64 struct {
	atomic.Uint64
	_ [CacheLineSize - 8]byte
}

// Compile-time size check (must be exactly one cache line).
var _ [CacheLineSize - int(unsafe.Sizeof(PaddedAtomicUint64{}))]byte
