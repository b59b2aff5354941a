package cache

import (
	"log/slog"
	"time"

	"github.com/IvanBrykalov/diskcache/storage"
	"github.com/IvanBrykalov/diskcache/storage/sqlite"
)

// Metrics exposes cache-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Hit()
	Miss()
	Evict(reason EvictionReason)
	// Scan reports one finished expiration scan.
	Scan(removed int, took time.Duration)
	// CallbackFailed counts callbacks that panicked or could not be decoded.
	CallbackFailed()
	// LockContended counts key-lock acquisitions that had to wait.
	LockContended()
}

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// Scheduler runs background work: expiration scans and eviction callbacks.
// Submit must not block indefinitely and reports whether task was accepted.
type Scheduler interface {
	Submit(task func()) bool
}

// InlineScheduler runs every task on the submitting goroutine. With it,
// scans and callbacks have finished when the triggering call returns.
type InlineScheduler struct{}

func (InlineScheduler) Submit(task func()) bool {
	task()
	return true
}

// Options configures the engine. Zero values are safe;
// defaults are applied in Open():
//   - nil Store     => SQLite file at Path (or SQLite.Path)
//   - Shards <= 0   => 31
//   - nil Hasher    => rotate-xor
//   - nil Scheduler => worker pool of Workers goroutines
//   - nil Metrics   => NoopMetrics
type Options struct {
	// Path of the SQLite database. Shorthand for SQLite.Path.
	Path string
	// SQLite tunes the built-in store; ignored when Store is set.
	SQLite sqlite.Config
	// Store replaces the built-in SQLite store. The engine does not close it.
	Store storage.Opener

	// Shards is the number of key lock shards (default 31).
	Shards int
	// Hasher maps a normalized key to a lock shard (default rotate-xor).
	Hasher func(normalizedKey []byte) uint32

	// MaxCursors caps the idle cursor pool (default 64).
	MaxCursors int

	// ScanInterval is the minimum time between unforced expiration scans
	// (default 1 minute).
	ScanInterval time.Duration

	// Scheduler runs scans and callbacks. Nil => internal worker pool with
	// Workers goroutines (default 4) and a QueueSize backlog (default 1024).
	Scheduler Scheduler
	Workers   int
	QueueSize int

	// DurableWrites flushes Set and Remove to stable storage before they
	// return. Default is lazy commit; bulk removals always commit lazily.
	DurableWrites bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Metrics defaults to NoopMetrics.
	Metrics Metrics
	// Clock allows overriding time source (tests). Nil => time.Now().
	Clock Clock
}

const (
	defaultScanInterval = time.Minute
	defaultWorkers      = 4
	defaultQueueSize    = 1024
)

type systemClock struct{}

func (systemClock) NowUnixNano() int64 { return time.Now().UnixNano() }
