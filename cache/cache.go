package cache

import (
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/diskcache/internal/codec"
	"github.com/IvanBrykalov/diskcache/internal/keylock"
	"github.com/IvanBrykalov/diskcache/internal/singleflight"
	"github.com/IvanBrykalov/diskcache/internal/workpool"
	"github.com/IvanBrykalov/diskcache/storage"
	"github.com/IvanBrykalov/diskcache/storage/sqlite"
)

// Engine is the Cache implementation over a storage.Opener.
type Engine struct {
	store    storage.Opener
	ownStore bool
	cursors  *storage.Pool
	locks    *keylock.Table
	reg      *registry

	log     *slog.Logger
	metrics Metrics
	clock   Clock
	sched   Scheduler
	pool    *workpool.Pool // owned default scheduler; nil when injected

	scanInterval int64
	writeKind    storage.TxKind

	// life is held for reading by every operation and for writing by Close.
	life   sync.RWMutex
	closed bool

	lastScan atomic.Int64
	scans    singleflight.Group[string, int]
}

var _ Cache = (*Engine)(nil)

// Open builds an engine with the provided Options.
// Defaults:
//   - nil Store   -> SQLite database at Path
//   - nil Metrics -> NoopMetrics
//   - Shards <= 0 -> 31
func Open(opt Options) (*Engine, error) {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Clock == nil {
		opt.Clock = systemClock{}
	}
	if opt.ScanInterval <= 0 {
		opt.ScanInterval = defaultScanInterval
	}

	e := &Engine{
		store:        opt.Store,
		reg:          newRegistry(),
		log:          opt.Logger,
		metrics:      opt.Metrics,
		clock:        opt.Clock,
		sched:        opt.Scheduler,
		scanInterval: int64(opt.ScanInterval),
		writeKind:    storage.LazyCommit,
	}
	if opt.DurableWrites {
		e.writeKind = storage.DurableCommit
	}

	if e.store == nil {
		cfg := opt.SQLite
		if opt.Path != "" {
			cfg.Path = opt.Path
		}
		if cfg.Logger == nil {
			cfg.Logger = opt.Logger
		}
		if cfg.Path == "" {
			return nil, invalidArgument("a database path or a Store is required")
		}
		s, err := sqlite.Open(cfg)
		if err != nil {
			return nil, storageFault(err, "open %s", cfg.Path)
		}
		e.store, e.ownStore = s, true
	}

	e.cursors = storage.NewPool(e.store.OpenCursor, opt.MaxCursors)
	e.locks = keylock.New(opt.Shards, opt.Hasher)
	e.locks.OnContended(e.metrics.LockContended)

	if e.sched == nil {
		workers, queue := opt.Workers, opt.QueueSize
		if workers <= 0 {
			workers = defaultWorkers
		}
		if queue <= 0 {
			queue = defaultQueueSize
		}
		e.pool = workpool.New(workers, queue, e.log)
		e.sched = e.pool
	}

	e.log.Debug("cache engine opened", "shards", e.locks.Len(), "scan_interval", opt.ScanInterval)
	return e, nil
}

// ---- Cache implementation ----

// Set inserts or replaces key.
func (e *Engine) Set(key string, data []byte, opts *EntryOptions) error {
	if key == "" {
		return invalidArgument("key must not be empty")
	}
	if data == nil {
		return invalidArgument("data must not be nil")
	}
	if err := opts.Err(); err != nil {
		return err
	}
	tokens, err := e.reg.tokens(opts.Callbacks())
	if err != nil {
		return err
	}

	now := e.nowSeconds()
	rec := storage.Record{
		Key:          key,
		Data:         data,
		Dependencies: opts.Dependencies(),
		Callbacks:    codec.EncodeTokens(tokens),
	}
	rec.AbsoluteExpiration, rec.SlidingExpiration = opts.expiry(now)
	if rec.SlidingExpiration != 0 {
		rec.LastAccessed = now
	}

	prev, err := e.upsert(rec)
	if err != nil {
		return err
	}
	if prev != nil {
		e.dispatch(*prev, Replaced)
	}
	e.StartScanForExpiredItems(false)
	return nil
}

// SetInt64 stores data under the decimal form of key.
func (e *Engine) SetInt64(key int64, data []byte, opts *EntryOptions) error {
	k, err := intKey(key)
	if err != nil {
		return err
	}
	return e.Set(k, data, opts)
}

// GetData returns the data under key or ErrNotFound.
func (e *Engine) GetData(key string) ([]byte, error) {
	data, ok, err := e.TryGetData(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

// TryGetData returns the data under key; ok is false on a miss.
func (e *Engine) TryGetData(key string) ([]byte, bool, error) {
	rec, ok, err := e.read(key)
	if err != nil || !ok {
		return nil, false, err
	}
	return rec.Data, true, nil
}

// GetDataInt64 is GetData for the decimal form of key.
func (e *Engine) GetDataInt64(key int64) ([]byte, error) {
	k, err := intKey(key)
	if err != nil {
		return nil, err
	}
	return e.GetData(k)
}

// TryGetDataInt64 is TryGetData for the decimal form of key.
func (e *Engine) TryGetDataInt64(key int64) ([]byte, bool, error) {
	k, err := intKey(key)
	if err != nil {
		return nil, false, err
	}
	return e.TryGetData(k)
}

// Get returns the full entry under key.
func (e *Engine) Get(key string) (Entry, bool, error) {
	rec, ok, err := e.read(key)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	return toEntry(rec), true, nil
}

// Remove deletes key and reports whether it was present.
func (e *Engine) Remove(key string) (bool, error) {
	if key == "" {
		return false, invalidArgument("key must not be empty")
	}
	rec, ok, err := e.remove(key)
	if err != nil || !ok {
		return false, err
	}
	e.dispatch(rec, Removed)
	return true, nil
}

// Clear deletes every entry without running callbacks. Every key lock is
// held for the whole sweep.
func (e *Engine) Clear() error {
	done, err := e.enter()
	if err != nil {
		return err
	}
	defer done()

	c, put, err := e.cursor()
	if err != nil {
		return err
	}
	defer put()

	unlock := e.locks.LockAll()
	defer unlock()

	n := 0
	c.MoveBeforeFirst()
	for {
		ok, err := c.MoveNext()
		if err != nil {
			return storageFault(err, "clear")
		}
		if !ok {
			break
		}
		err = inTx(c, storage.LazyCommit, c.Delete)
		if errors.Is(err, storage.ErrNoCurrentRecord) {
			continue
		}
		if err != nil {
			return storageFault(err, "clear")
		}
		n++
	}
	e.log.Debug("cache cleared", "removed", n)
	return nil
}

// RegisterCallback makes cb resolvable by token.
func (e *Engine) RegisterCallback(cb Callback) error {
	done, err := e.enter()
	if err != nil {
		return err
	}
	defer done()
	_, err = e.reg.register(cb)
	return err
}

// Len returns the number of stored entries.
func (e *Engine) Len() (int, error) {
	done, err := e.enter()
	if err != nil {
		return 0, err
	}
	defer done()

	c, put, err := e.cursor()
	if err != nil {
		return 0, err
	}
	defer put()

	n, err := c.Count()
	if err != nil {
		return 0, storageFault(err, "count")
	}
	return n, nil
}

// Close waits for running operations, stops the default scheduler and
// closes the store when the engine opened it. Close is idempotent.
func (e *Engine) Close() error {
	e.life.Lock()
	if e.closed {
		e.life.Unlock()
		return nil
	}
	e.closed = true

	if e.pool != nil {
		e.pool.Close()
	}
	err := e.cursors.Close()
	if e.ownStore {
		err = errors.Join(err, e.store.Close())
	}
	e.life.Unlock()

	// Queued callbacks still run. Scans left in the queue see a closed engine.
	if e.pool != nil {
		e.pool.Wait()
	}
	if err != nil {
		return storageFault(err, "close")
	}
	e.log.Debug("cache engine closed")
	return nil
}

// ---- helpers ----

// enter takes the lifecycle read lock. The returned func releases it.
func (e *Engine) enter() (func(), error) {
	e.life.RLock()
	if e.closed {
		e.life.RUnlock()
		return nil, ErrEngineClosed
	}
	return e.life.RUnlock, nil
}

// cursor borrows a pooled cursor; put hands it back.
func (e *Engine) cursor() (c storage.Cursor, put func(), err error) {
	c, err = e.cursors.Get()
	if err != nil {
		return nil, nil, storageFault(err, "open cursor")
	}
	return c, func() {
		if err := e.cursors.Put(c); err != nil {
			e.log.Warn("cursor returned with an open transaction", "err", err)
		}
	}, nil
}

// upsert writes rec and returns the record it replaced, if any.
func (e *Engine) upsert(rec storage.Record) (*storage.Record, error) {
	done, err := e.enter()
	if err != nil {
		return nil, err
	}
	defer done()

	c, put, err := e.cursor()
	if err != nil {
		return nil, err
	}
	defer put()

	c.MakeKey(rec.Key)
	unlock := e.locks.Lock(c.NormalizedKey())
	defer unlock()

	var prev *storage.Record
	err = inTx(c, e.writeKind, func() error {
		found, err := c.Seek(storage.SeekEQ)
		if err != nil {
			return err
		}
		if !found {
			return c.Insert(rec)
		}
		old, err := c.Current()
		if err != nil {
			return err
		}
		prev = &old
		return c.Replace(rec)
	})
	if err != nil {
		return nil, storageFault(err, "set %q", rec.Key)
	}
	return prev, nil
}

// read looks key up in a read-only transaction, then renews a sliding entry
// in a separate write transaction under the key lock.
func (e *Engine) read(key string) (storage.Record, bool, error) {
	if key == "" {
		return storage.Record{}, false, invalidArgument("key must not be empty")
	}
	done, err := e.enter()
	if err != nil {
		return storage.Record{}, false, err
	}
	defer done()

	c, put, err := e.cursor()
	if err != nil {
		return storage.Record{}, false, err
	}
	defer put()

	var (
		rec   storage.Record
		found bool
	)
	c.MakeKey(key)
	err = inTx(c, storage.ReadOnly, func() error {
		ok, err := c.Seek(storage.SeekEQ)
		if err != nil || !ok {
			return err
		}
		rec, err = c.Current()
		if errors.Is(err, storage.ErrNoCurrentRecord) {
			return nil
		}
		found = err == nil
		return err
	})
	if err != nil {
		return storage.Record{}, false, storageFault(err, "get %q", key)
	}
	if !found {
		e.metrics.Miss()
		return storage.Record{}, false, nil
	}
	e.metrics.Hit()

	if rec.LastAccessed != 0 {
		now := e.nowSeconds()
		stamped, err := e.touch(c, key, now)
		if err != nil {
			return storage.Record{}, false, err
		}
		if stamped {
			rec.LastAccessed = now
		}
	}
	return rec, true, nil
}

// touch stamps the last-access time of a sliding entry. The entry may have
// been replaced or removed since it was read; touch then does nothing.
func (e *Engine) touch(c storage.Cursor, key string, now int64) (bool, error) {
	c.MakeKey(key)
	unlock := e.locks.Lock(c.NormalizedKey())
	defer unlock()

	var stamped bool
	err := inTx(c, storage.LazyCommit, func() error {
		ok, err := c.Seek(storage.SeekEQ)
		if err != nil || !ok {
			return err
		}
		stamped, err = c.SetLastAccessed(now)
		return err
	})
	if err != nil {
		return false, storageFault(err, "renew %q", key)
	}
	return stamped, nil
}

// remove deletes one key under its lock and returns the deleted record.
func (e *Engine) remove(key string) (storage.Record, bool, error) {
	done, err := e.enter()
	if err != nil {
		return storage.Record{}, false, err
	}
	defer done()

	c, put, err := e.cursor()
	if err != nil {
		return storage.Record{}, false, err
	}
	defer put()

	c.MakeKey(key)
	unlock := e.locks.Lock(c.NormalizedKey())
	defer unlock()

	var (
		rec     storage.Record
		removed bool
	)
	err = inTx(c, e.writeKind, func() error {
		ok, err := c.Seek(storage.SeekEQ)
		if err != nil || !ok {
			return err
		}
		if rec, err = c.Current(); err != nil {
			return err
		}
		if err := c.Delete(); err != nil {
			return err
		}
		removed = true
		return nil
	})
	if err != nil {
		return storage.Record{}, false, storageFault(err, "remove %q", key)
	}
	return rec, removed, nil
}

func (e *Engine) nowSeconds() int64 {
	return e.clock.NowUnixNano() / int64(time.Second)
}

// inTx runs fn in a transaction of the given kind; fn's error rolls it back.
func inTx(c storage.Cursor, kind storage.TxKind, fn func() error) error {
	tx, err := c.Begin(kind)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(); err != nil {
		return err
	}
	return tx.Commit()
}

func intKey(key int64) (string, error) {
	if key == 0 {
		return "", invalidArgument("integer key must not be zero")
	}
	return strconv.FormatInt(key, 10), nil
}

func toEntry(rec storage.Record) Entry {
	en := Entry{
		Key:          rec.Key,
		Data:         rec.Data,
		Dependencies: rec.Dependencies,
	}
	if rec.LastAccessed != 0 {
		en.LastAccessed = time.Unix(rec.LastAccessed, 0)
	}
	if rec.SlidingExpiration != 0 {
		en.SlidingExpiration = time.Duration(rec.SlidingExpiration) * time.Second
	}
	if rec.AbsoluteExpiration != 0 {
		en.AbsoluteExpiration = time.Unix(rec.AbsoluteExpiration, 0)
	}
	return en
}
