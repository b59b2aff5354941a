package cache

import (
	"math/rand"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"gorm.io/gorm/logger"

	"github.com/IvanBrykalov/diskcache/storage/sqlite"
)

// benchmarkMix exercises a read/write mix against a warm cache.
// It uses parallel workers (RunParallel spawns GOMAXPROCS goroutines).
// Every write is a storage transaction, so this measures the whole path
// through SQLite rather than the lock table alone.
func benchmarkMix(b *testing.B, readsPct int, opts *EntryOptions) {
	c, err := Open(Options{
		Path:   filepath.Join(b.TempDir(), "bench.db"),
		SQLite: sqlite.Config{LogLevel: logger.Silent},
		Logger: quietLogger(),
	})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = c.Close() })

	const keys = 4096
	for i := 0; i < keys; i++ {
		if err := c.Set("k:"+strconv.Itoa(i), []byte("v"), opts); err != nil {
			b.Fatal(err)
		}
	}

	b.ReportAllocs()
	b.ResetTimer()

	var seed int64 = 1
	b.RunParallel(func(pb *testing.PB) {
		// Independent RNG stream for each worker.
		r := rand.New(rand.NewSource(atomic.AddInt64(&seed, 1)))
		for pb.Next() {
			k := "k:" + strconv.Itoa(r.Intn(keys))
			if r.Intn(100) < readsPct {
				_, _, _ = c.TryGetData(k)
			} else {
				_ = c.Set(k, []byte("v"), opts)
			}
		}
	})
}

func BenchmarkCache_90r10w(b *testing.B) { benchmarkMix(b, 90, nil) }
func BenchmarkCache_50r50w(b *testing.B) { benchmarkMix(b, 50, nil) }

// Sliding entries pay for a second write transaction on every read.
func BenchmarkCache_Sliding_90r10w(b *testing.B) {
	benchmarkMix(b, 90, NewEntryOptions().SetSlidingExpiration(3600e9))
}
