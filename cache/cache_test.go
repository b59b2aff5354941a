package cache

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	perrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm/logger"

	"github.com/IvanBrykalov/diskcache/storage"
	"github.com/IvanBrykalov/diskcache/storage/sqlite"
)

type fakeClock struct{ t atomic.Int64 }

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.t.Store(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (f *fakeClock) NowUnixNano() int64  { return f.t.Load() }
func (f *fakeClock) add(d time.Duration) { f.t.Add(int64(d)) }

type eviction struct {
	key    string
	data   string
	reason EvictionReason
}

// evictionLog records callback invocations.
type evictionLog struct {
	mu     sync.Mutex
	events []eviction
}

func (l *evictionLog) callback(name string) Callback {
	return NewCallback(name, func(key string, data []byte, reason EvictionReason) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.events = append(l.events, eviction{key: key, data: string(data), reason: reason})
	})
}

func (l *evictionLog) all() []eviction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]eviction(nil), l.events...)
}

// countingMetrics records every Metrics signal.
type countingMetrics struct {
	hits, misses, scans, failed, contended atomic.Int64

	mu     sync.Mutex
	evicts map[EvictionReason]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{evicts: make(map[EvictionReason]int)}
}

func (m *countingMetrics) Hit()                    { m.hits.Add(1) }
func (m *countingMetrics) Miss()                   { m.misses.Add(1) }
func (m *countingMetrics) Scan(int, time.Duration) { m.scans.Add(1) }
func (m *countingMetrics) CallbackFailed()         { m.failed.Add(1) }
func (m *countingMetrics) LockContended()          { m.contended.Add(1) }
func (m *countingMetrics) Evict(r EvictionReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evicts[r]++
}

func (m *countingMetrics) evicted(r EvictionReason) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evicts[r]
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// openTest opens an engine on a fresh database with a fake clock and inline
// scheduling, so scans and callbacks finish before the triggering call
// returns.
func openTest(t *testing.T, mut ...func(*Options)) (*Engine, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	opt := Options{
		Path:      filepath.Join(t.TempDir(), "cache.db"),
		SQLite:    sqlite.Config{LogLevel: logger.Silent},
		Clock:     clk,
		Scheduler: InlineScheduler{},
		Logger:    quietLogger(),
	}
	for _, m := range mut {
		m(&opt)
	}
	c, err := Open(opt)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, clk
}

func TestCache_RoundTrip(t *testing.T) {
	t.Parallel()
	c, _ := openTest(t)

	require.NoError(t, c.Set("alpha", []byte("one"), nil))
	got, err := c.GetData("alpha")
	require.NoError(t, err)
	require.Equal(t, []byte("one"), got)

	got, err = c.GetData("ALPHA")
	require.NoError(t, err, "keys are case-insensitive")
	require.Equal(t, []byte("one"), got)

	require.NoError(t, c.Set("empty", []byte{}, nil))
	got, ok, err := c.TryGetData("empty")
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, got)

	_, err = c.GetData("missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, perrors.CodeNotFound, perrors.GetCode(err))

	_, ok, err = c.TryGetData("missing")
	require.NoError(t, err)
	require.False(t, ok)

	n, err := c.Len()
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestCache_Int64Keys(t *testing.T) {
	t.Parallel()
	c, _ := openTest(t)

	require.NoError(t, c.SetInt64(42, []byte("x"), nil))
	got, err := c.GetDataInt64(42)
	require.NoError(t, err)
	require.Equal(t, []byte("x"), got)

	got, err = c.GetData("42")
	require.NoError(t, err, "integer keys share the string key space")
	require.Equal(t, []byte("x"), got)

	_, ok, err := c.TryGetDataInt64(-7)
	require.NoError(t, err)
	require.False(t, ok)

	require.ErrorIs(t, c.SetInt64(0, []byte("x"), nil), ErrInvalidArgument)
	_, err = c.GetDataInt64(0)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, _, err = c.TryGetDataInt64(0)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCache_InvalidArguments(t *testing.T) {
	t.Parallel()
	c, _ := openTest(t)

	cases := map[string]error{
		"empty key":        c.Set("", []byte("x"), nil),
		"nil data":         c.Set("k", nil, nil),
		"negative sliding": c.Set("k", []byte("x"), NewEntryOptions().SetSlidingExpiration(-time.Second)),
		"zero relative":    c.Set("k", []byte("x"), NewEntryOptions().SetAbsoluteExpirationRelativeToNow(0)),
		"empty tag":        c.Set("k", []byte("x"), NewEntryOptions().AddDependency("")),
		"anonymous cb":     c.Set("k", []byte("x"), NewEntryOptions().RegisterPostEvictionCallback(NewCallback("", func(string, []byte, EvictionReason) {}))),
		"empty get":        func() error { _, err := c.GetData(""); return err }(),
		"empty remove":     func() error { _, err := c.Remove(""); return err }(),
		"empty dependency": c.RemoveByDependency(""),
	}
	for name, err := range cases {
		require.ErrorIs(t, err, ErrInvalidArgument, name)
		require.Equal(t, perrors.CodeInvalidInput, perrors.GetCode(err), name)
	}

	n, err := c.Len()
	require.NoError(t, err)
	require.Zero(t, n, "rejected writes never reach storage")
}

func TestCache_NilOptionsEqualEmptyOptions(t *testing.T) {
	t.Parallel()
	c, _ := openTest(t)

	require.NoError(t, c.Set("a", []byte("v"), nil))
	require.NoError(t, c.Set("b", []byte("v"), NewEntryOptions()))

	a, ok, err := c.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	b, ok, err := c.Get("b")
	require.NoError(t, err)
	require.True(t, ok)

	b.Key = a.Key
	require.Equal(t, a, b)
	require.Empty(t, a.Dependencies)
	require.Zero(t, a.SlidingExpiration)
	require.True(t, a.AbsoluteExpiration.IsZero())
	require.True(t, a.LastAccessed.IsZero())
}

func TestCache_ReplaceDispatchesOnce(t *testing.T) {
	t.Parallel()
	m := newCountingMetrics()
	c, _ := openTest(t, func(o *Options) { o.Metrics = m })
	var log evictionLog

	require.NoError(t, c.Set("k", []byte("d1"), NewEntryOptions().RegisterPostEvictionCallback(log.callback("cb1"))))
	require.NoError(t, c.Set("k", []byte("d2"), NewEntryOptions().RegisterPostEvictionCallback(log.callback("cb2"))))

	require.Equal(t, []eviction{{key: "k", data: "d1", reason: Replaced}}, log.all())
	got, err := c.GetData("k")
	require.NoError(t, err)
	require.Equal(t, []byte("d2"), got)

	// d2 names cb2, so the next replace reaches cb2 only.
	require.NoError(t, c.Set("K", []byte("d3"), nil))
	require.Equal(t, eviction{key: "k", data: "d2", reason: Replaced}, log.all()[1])

	// d3 has no callbacks: replacing it dispatches nothing.
	require.NoError(t, c.Set("k", []byte("d4"), nil))
	require.Len(t, log.all(), 2)
	require.Equal(t, 3, m.evicted(Replaced))
}

func TestCache_ReplaceClearsExpiryAndDependencies(t *testing.T) {
	t.Parallel()
	c, clk := openTest(t)

	require.NoError(t, c.Set("k", []byte("v1"), NewEntryOptions().
		SetAbsoluteExpirationRelativeToNow(time.Second).
		AddDependency("x").AddDependency("y")))
	require.NoError(t, c.Set("k", []byte("v2"), NewEntryOptions().AddDependency("y")))

	e, ok, err := c.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"y"}, e.Dependencies)
	require.True(t, e.AbsoluteExpiration.IsZero())

	require.NoError(t, c.RemoveByDependency("x"))
	_, ok, err = c.TryGetData("k")
	require.NoError(t, err)
	require.True(t, ok, "stale tag x must not survive the replace")

	clk.add(time.Hour)
	c.StartScanForExpiredItems(true)
	_, ok, err = c.TryGetData("k")
	require.NoError(t, err)
	require.True(t, ok, "stale absolute expiry must not survive the replace")
}

func TestCache_DependencyInvalidation(t *testing.T) {
	t.Parallel()
	m := newCountingMetrics()
	c, _ := openTest(t, func(o *Options) { o.Metrics = m })
	var log evictionLog
	cb := log.callback("deps")

	require.NoError(t, c.Set("k1", []byte("a"), NewEntryOptions().AddDependency("x").RegisterPostEvictionCallback(cb)))
	require.NoError(t, c.Set("k2", []byte("b"), NewEntryOptions().AddDependency("y").AddDependency("x")))
	require.NoError(t, c.Set("k3", []byte("c"), NewEntryOptions().AddDependency("y").RegisterPostEvictionCallback(cb)))

	require.NoError(t, c.RemoveByDependency("x"))
	_, err := c.GetData("k1")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = c.GetData("k2")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = c.GetData("k3")
	require.NoError(t, err)

	require.Equal(t, []eviction{{key: "k1", data: "a", reason: Dependency}}, log.all(),
		"only entries with callbacks are dispatched")
	require.Equal(t, 2, m.evicted(Dependency))

	require.NoError(t, c.RemoveByDependency("x"), "second call is a no-op")
	require.Len(t, log.all(), 1)
	require.NoError(t, c.RemoveByDependency("never-used"))
}

func TestCache_AbsoluteExpiry(t *testing.T) {
	t.Parallel()
	c, clk := openTest(t)
	var log evictionLog
	cb := log.callback("exp")

	require.NoError(t, c.Set("rel", []byte("r"), NewEntryOptions().
		SetAbsoluteExpirationRelativeToNow(time.Second).RegisterPostEvictionCallback(cb)))
	at := time.Unix(0, clk.NowUnixNano()).Add(10 * time.Second)
	require.NoError(t, c.Set("abs", []byte("a"), NewEntryOptions().
		SetAbsoluteExpiration(at).RegisterPostEvictionCallback(cb)))
	require.NoError(t, c.Set("forever", []byte("f"), nil))

	c.StartScanForExpiredItems(true)
	require.Empty(t, log.all(), "nothing is due yet")

	clk.add(2 * time.Second)
	c.StartScanForExpiredItems(true)
	_, err := c.GetData("rel")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = c.GetData("abs")
	require.NoError(t, err)
	require.Equal(t, []eviction{{key: "rel", data: "r", reason: Expired}}, log.all())

	clk.add(10 * time.Second)
	c.StartScanForExpiredItems(true)
	_, err = c.GetData("abs")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = c.GetData("forever")
	require.NoError(t, err)
	require.Len(t, log.all(), 2)
}

func TestCache_SlidingExpiryRenewal(t *testing.T) {
	t.Parallel()
	c, clk := openTest(t)
	var log evictionLog

	require.NoError(t, c.Set("s", []byte("v"), NewEntryOptions().
		SetSlidingExpiration(5*time.Second).RegisterPostEvictionCallback(log.callback("slide"))))

	for range 10 {
		clk.add(4 * time.Second)
		_, err := c.GetData("s")
		require.NoError(t, err)
		c.StartScanForExpiredItems(true)
	}
	require.Empty(t, log.all(), "reads under the window keep the entry alive")

	clk.add(6 * time.Second)
	c.StartScanForExpiredItems(true)
	_, err := c.GetData("s")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, []eviction{{key: "s", data: "v", reason: Expired}}, log.all())
}

func TestCache_GetRenewsSlidingEntry(t *testing.T) {
	t.Parallel()
	c, clk := openTest(t)

	require.NoError(t, c.Set("s", []byte("v"), NewEntryOptions().
		SetSlidingExpiration(1500*time.Millisecond).AddDependency("a").AddDependency("b")))
	e, ok, err := c.Get("s")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2*time.Second, e.SlidingExpiration, "windows round up to whole seconds")
	require.Equal(t, []string{"a", "b"}, e.Dependencies)
	first := e.LastAccessed

	clk.add(3 * time.Second)
	e, _, err = c.Get("s")
	require.NoError(t, err)
	require.Equal(t, first.Add(3*time.Second), e.LastAccessed)
}

func TestCache_Remove(t *testing.T) {
	t.Parallel()
	c, _ := openTest(t)
	var log evictionLog

	require.NoError(t, c.Set("k", []byte("v"), NewEntryOptions().RegisterPostEvictionCallback(log.callback("rm"))))
	ok, err := c.Remove("K")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []eviction{{key: "k", data: "v", reason: Removed}}, log.all())

	ok, err = c.Remove("k")
	require.NoError(t, err)
	require.False(t, ok)
	require.Len(t, log.all(), 1)
}

func TestCache_ClearIsSilent(t *testing.T) {
	t.Parallel()
	c, _ := openTest(t)
	var log evictionLog
	cb := log.callback("clear")

	for i := range 40 {
		opts := NewEntryOptions().RegisterPostEvictionCallback(cb).AddDependency("all")
		require.NoError(t, c.Set(fmt.Sprintf("k%03d", i), []byte("v"), opts))
	}
	require.NoError(t, c.Clear())

	n, err := c.Len()
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, log.all())

	require.NoError(t, c.RemoveByDependency("all"))
	require.Empty(t, log.all(), "dependency rows went with their records")
}

func TestCache_CallbackPanicIsIsolated(t *testing.T) {
	t.Parallel()
	m := newCountingMetrics()
	c, _ := openTest(t, func(o *Options) { o.Metrics = m })
	var log evictionLog

	boom := NewCallback("boom", func(string, []byte, EvictionReason) { panic("callback bug") })
	opts := NewEntryOptions().RegisterPostEvictionCallback(boom).RegisterPostEvictionCallback(log.callback("after"))
	require.NoError(t, c.Set("k", []byte("v"), opts))

	ok, err := c.Remove("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, log.all(), 1, "callbacks after a panicking one still run")
	require.EqualValues(t, 1, m.failed.Load())
}

func TestCache_CallbacksSurviveRestart(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "restart.db")
	var log evictionLog

	c, _ := openTest(t, func(o *Options) { o.Path = path })
	require.NoError(t, c.Set("k", []byte("v"), NewEntryOptions().AddDependency("x").RegisterPostEvictionCallback(log.callback("audit"))))
	require.NoError(t, c.Set("k2", []byte("v2"), NewEntryOptions().AddDependency("x").RegisterPostEvictionCallback(log.callback("unknown"))))
	require.NoError(t, c.Close())

	c, _ = openTest(t, func(o *Options) { o.Path = path })
	require.NoError(t, c.RegisterCallback(log.callback("audit")))
	require.NoError(t, c.RemoveByDependency("x"))

	require.Equal(t, []eviction{{key: "k", data: "v", reason: Dependency}}, log.all(),
		"unregistered tokens are skipped")
}

func TestCache_ScanThrottle(t *testing.T) {
	t.Parallel()
	m := newCountingMetrics()
	c, clk := openTest(t, func(o *Options) {
		o.Metrics = m
		o.ScanInterval = time.Minute
	})

	require.NoError(t, c.Set("a", []byte("v"), nil))
	require.EqualValues(t, 1, m.scans.Load(), "first write scans")

	require.NoError(t, c.Set("b", []byte("v"), nil))
	clk.add(30 * time.Second)
	require.NoError(t, c.Set("c", []byte("v"), nil))
	require.EqualValues(t, 1, m.scans.Load(), "throttled within the interval")

	c.StartScanForExpiredItems(true)
	require.EqualValues(t, 2, m.scans.Load(), "force skips the interval")

	clk.add(61 * time.Second)
	require.NoError(t, c.Set("d", []byte("v"), nil))
	require.EqualValues(t, 3, m.scans.Load())
}

func TestCache_StaleCandidateIsNotDeleted(t *testing.T) {
	t.Parallel()
	c, clk := openTest(t)
	var log evictionLog

	require.NoError(t, c.Set("k", []byte("old"), NewEntryOptions().
		SetAbsoluteExpirationRelativeToNow(time.Second).RegisterPostEvictionCallback(log.callback("stale"))))
	clk.add(5 * time.Second)
	epoch := c.nowSeconds()

	// Collect the expired key, then replace the entry before deleting.
	collect := func(cur storage.Cursor) ([]string, error) {
		keys, err := collectAbsolute(epoch)(cur)
		require.NoError(t, err)
		require.Equal(t, []string{"k"}, keys)
		require.NoError(t, c.Set("k", []byte("fresh"), nil))
		return keys, nil
	}
	removed, err := c.removeBy("test", collect, absoluteExpired(epoch))
	require.NoError(t, err)
	require.Empty(t, removed)

	got, err := c.GetData("k")
	require.NoError(t, err)
	require.Equal(t, []byte("fresh"), got)
}

func TestCache_HitMissMetrics(t *testing.T) {
	t.Parallel()
	m := newCountingMetrics()
	c, _ := openTest(t, func(o *Options) { o.Metrics = m })

	require.NoError(t, c.Set("k", []byte("v"), nil))
	_, _ = c.GetData("k")
	_, _ = c.GetData("k")
	_, _ = c.GetData("nope")
	require.EqualValues(t, 2, m.hits.Load())
	require.EqualValues(t, 1, m.misses.Load())
}

func TestCache_Closed(t *testing.T) {
	t.Parallel()
	c, _ := openTest(t)
	require.NoError(t, c.Set("k", []byte("v"), nil))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "Close is idempotent")

	require.ErrorIs(t, c.Set("k", []byte("v"), nil), ErrEngineClosed)
	_, err := c.GetData("k")
	require.ErrorIs(t, err, ErrEngineClosed)
	require.Equal(t, perrors.CodeUnavailable, perrors.GetCode(err))
	_, err = c.Remove("k")
	require.ErrorIs(t, err, ErrEngineClosed)
	require.ErrorIs(t, c.RemoveByDependency("x"), ErrEngineClosed)
	require.ErrorIs(t, c.Clear(), ErrEngineClosed)
	_, err = c.Len()
	require.ErrorIs(t, err, ErrEngineClosed)
	require.ErrorIs(t, c.RegisterCallback(NewCallback("x", func(string, []byte, EvictionReason) {})), ErrEngineClosed)
	c.StartScanForExpiredItems(true) // must not panic
}

func TestCache_OpenRequiresStore(t *testing.T) {
	t.Parallel()
	_, err := Open(Options{Logger: quietLogger()})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

// Concurrent writers of one key never leave a mix of two payloads.
func TestCache_SameKeyWritesDoNotInterleave(t *testing.T) {
	t.Parallel()
	c, _ := openTest(t)

	const writers = 8
	var g errgroup.Group
	for w := range writers {
		payload := bytes.Repeat([]byte{byte('a' + w)}, 4096)
		g.Go(func() error {
			for range 10 {
				if err := c.Set("contended", payload, nil); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	got, err := c.GetData("contended")
	require.NoError(t, err)
	require.Len(t, got, 4096)
	require.Equal(t, bytes.Repeat(got[:1], 4096), got)
}

// Writers of distinct keys proceed through different key locks.
func TestCache_DistinctKeysInParallel(t *testing.T) {
	t.Parallel()
	c, _ := openTest(t, func(o *Options) { o.Shards = 64 })

	const workers, perWorker = 8, 25
	var g errgroup.Group
	for w := range workers {
		g.Go(func() error {
			for i := range perWorker {
				if err := c.Set(fmt.Sprintf("w%d-%d", w, i), []byte("v"), nil); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	n, err := c.Len()
	require.NoError(t, err)
	require.Equal(t, workers*perWorker, n)

	seen := map[int]bool{}
	for w := range workers {
		seen[c.locks.Shard([]byte(fmt.Sprintf("w%d-0", w)))] = true
	}
	require.Greater(t, len(seen), 1, "keys spread over several shards")
}

// With the default worker pool, callbacks run off the caller's goroutine.
func TestCache_DefaultSchedulerDispatches(t *testing.T) {
	t.Parallel()
	c, _ := openTest(t, func(o *Options) {
		o.Scheduler = nil
		o.Workers = 2
	})

	fired := make(chan EvictionReason, 1)
	cb := NewCallback("async", func(_ string, _ []byte, r EvictionReason) { fired <- r })
	require.NoError(t, c.Set("k", []byte("v"), NewEntryOptions().RegisterPostEvictionCallback(cb)))
	_, err := c.Remove("k")
	require.NoError(t, err)

	select {
	case r := <-fired:
		require.Equal(t, Removed, r)
	case <-time.After(5 * time.Second):
		t.Fatal("callback never ran")
	}
}
