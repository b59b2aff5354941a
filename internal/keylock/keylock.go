// Package keylock serializes mutations per key without a global lock.
//
// A Table owns a fixed set of mutexes ("shards"). A normalized key is hashed
// and the hash picks the shard, so two different keys may share a shard and
// serialize unnecessarily; that collision cost is accepted in exchange for a
// bounded lock set.
package keylock

import (
	"sync"

	"github.com/IvanBrykalov/diskcache/internal/util"
)

// Hasher maps a normalized key to a 32-bit hash.
type Hasher func(normalizedKey []byte) uint32

// shard is one mutex on its own cache line so that neighbouring shards
// don't false-share under contention.
type shard struct {
	mu sync.Mutex
	_  util.CacheLinePad
}

// Table is a fixed pool of key lock shards.
// All methods are safe for concurrent use.
type Table struct {
	shards []shard
	hash   Hasher

	contended util.PaddedAtomicUint64
	onContend func()
}

// New builds a table with n shards. n <= 0 selects util.DefaultShards and a
// nil hasher selects util.RotateXor.
func New(n int, h Hasher) *Table {
	if n <= 0 {
		n = util.DefaultShards
	}
	if h == nil {
		h = util.RotateXor
	}
	return &Table{shards: make([]shard, n), hash: h}
}

// Len returns the number of shards.
func (t *Table) Len() int { return len(t.shards) }

// Shard returns the shard index for a normalized key.
// A nil key always maps to shard 0.
func (t *Table) Shard(normalizedKey []byte) int {
	if normalizedKey == nil {
		return 0
	}
	return util.ShardIndex(uint64(t.hash(normalizedKey)), len(t.shards))
}

// Lock acquires the shard guarding normalizedKey and returns its unlock func.
// Lock is not reentrant: locking two keys of the same shard from one goroutine
// deadlocks.
func (t *Table) Lock(normalizedKey []byte) (unlock func()) {
	s := &t.shards[t.Shard(normalizedKey)]
	t.acquire(s)
	return s.mu.Unlock
}

// LockAll acquires every shard in ascending order and returns a func that
// releases them all. Used by bulk operations that must exclude every writer.
func (t *Table) LockAll() (unlock func()) {
	for i := range t.shards {
		t.acquire(&t.shards[i])
	}
	return func() {
		for i := len(t.shards) - 1; i >= 0; i-- {
			t.shards[i].mu.Unlock()
		}
	}
}

// Contended returns how many acquisitions had to wait for another holder.
func (t *Table) Contended() uint64 { return t.contended.Load() }

// OnContended registers fn to run each time an acquisition has to wait.
// It must be called before the table is shared.
func (t *Table) OnContended(fn func()) { t.onContend = fn }

func (t *Table) acquire(s *shard) {
	if s.mu.TryLock() {
		return
	}
	t.contended.Add(1)
	if t.onContend != nil {
		t.onContend()
	}
	s.mu.Lock()
}
