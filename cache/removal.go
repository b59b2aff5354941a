package cache

import (
	"errors"
	"slices"

	"github.com/IvanBrykalov/diskcache/storage"
)

// collector walks an index inside a read-only transaction and returns the
// keys of candidate records.
type collector func(c storage.Cursor) ([]string, error)

// qualifies re-checks a candidate at delete time. A record replaced since
// collection may no longer match and must survive.
type qualifies func(rec storage.Record) bool

// RemoveByDependency deletes every entry tagged with tag. Entries that had
// callbacks are dispatched with Dependency.
func (e *Engine) RemoveByDependency(tag string) error {
	if err := validateTag(tag); err != nil {
		return err
	}
	removed, err := e.removeBy("dependency", collectDependency(tag), func(rec storage.Record) bool {
		return slices.Contains(rec.Dependencies, tag)
	})
	for _, rec := range removed {
		e.dispatch(rec, Dependency)
	}
	return err
}

// removeBy collects candidates, then deletes each one under its own key
// lock and transaction. Records deleted before a failure are still returned.
func (e *Engine) removeBy(what string, collect collector, still qualifies) ([]storage.Record, error) {
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

	var keys []string
	err = inTx(c, storage.ReadOnly, func() error {
		keys, err = collect(c)
		return err
	})
	c.ClearIndex()
	if err != nil {
		return nil, storageFault(err, "collect by %s", what)
	}

	var removed []storage.Record
	for _, key := range keys {
		rec, ok, err := e.deleteIf(c, key, still)
		if err != nil {
			return removed, err
		}
		if ok {
			removed = append(removed, rec)
		}
	}
	return removed, nil
}

// deleteIf re-seeks key under its lock and deletes it if it still exists and
// still qualifies. A vanished or changed record is skipped silently.
func (e *Engine) deleteIf(c storage.Cursor, key string, still qualifies) (storage.Record, bool, error) {
	c.MakeKey(key)
	unlock := e.locks.Lock(c.NormalizedKey())
	defer unlock()

	var (
		rec     storage.Record
		deleted bool
	)
	err := inTx(c, storage.LazyCommit, func() error {
		ok, err := c.Seek(storage.SeekEQ)
		if err != nil || !ok {
			return err
		}
		rec, err = c.Current()
		if errors.Is(err, storage.ErrNoCurrentRecord) {
			return nil
		}
		if err != nil {
			return err
		}
		if !still(rec) {
			return nil
		}
		if err := c.Delete(); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return storage.Record{}, false, storageFault(err, "remove %q", key)
	}
	return rec, deleted, nil
}

// collectDependency ranges the dependency index over tag.
func collectDependency(tag string) collector {
	return func(c storage.Cursor) ([]string, error) {
		if err := c.SetIndex(storage.DependencyIndex); err != nil {
			return nil, err
		}
		c.MakeKey(tag)
		ok, err := c.Seek(storage.SeekEQ)
		if err != nil || !ok {
			return nil, err
		}
		c.MakeKey(tag)
		if ok, err = c.SetRange(true); err != nil || !ok {
			return nil, err
		}
		return collectRange(c, nil)
	}
}

// collectAbsolute ranges the absolute index from its start up to epoch
// inclusive. Entries without absolute expiry are not in the index.
func collectAbsolute(epoch int64) collector {
	return func(c storage.Cursor) ([]string, error) {
		if err := c.SetIndex(storage.AbsoluteIndex); err != nil {
			return nil, err
		}
		c.MakeKey(int64(1))
		ok, err := c.Seek(storage.SeekGE)
		if err != nil || !ok {
			return nil, err
		}
		c.MakeKey(epoch)
		if ok, err = c.SetRange(true); err != nil || !ok {
			return nil, err
		}
		return collectRange(c, nil)
	}
}

// collectSliding walks the whole sliding index: "last access + window is
// before epoch" is not a key range over (last access, window), so every
// sliding entry is visited.
func collectSliding(epoch int64) collector {
	return func(c storage.Cursor) ([]string, error) {
		if err := c.SetIndex(storage.SlidingIndex); err != nil {
			return nil, err
		}
		c.MakeKey(int64(1), int64(1))
		ok, err := c.Seek(storage.SeekGE)
		if err != nil || !ok {
			return nil, err
		}
		return collectRange(c, func(v []int64) bool {
			return len(v) == 2 && slidingExpired(v[0], v[1], epoch)
		})
	}
}

// collectRange reads the key of the current entry and every following one
// accepted by match (nil accepts all).
func collectRange(c storage.Cursor, match func(indexValues []int64) bool) ([]string, error) {
	var keys []string
	for {
		if match == nil || match(c.IndexValues()) {
			rec, err := c.Current()
			switch {
			case errors.Is(err, storage.ErrNoCurrentRecord):
			case err != nil:
				return nil, err
			default:
				keys = append(keys, rec.Key)
			}
		}
		ok, err := c.MoveNext()
		if err != nil {
			return nil, err
		}
		if !ok {
			return keys, nil
		}
	}
}

func absoluteExpired(epoch int64) qualifies {
	return func(rec storage.Record) bool {
		return rec.AbsoluteExpiration != 0 && rec.AbsoluteExpiration <= epoch
	}
}

func slidingExpiredRecord(epoch int64) qualifies {
	return func(rec storage.Record) bool {
		return rec.SlidingExpiration != 0 && slidingExpired(rec.LastAccessed, rec.SlidingExpiration, epoch)
	}
}

func slidingExpired(lastAccessed, window, epoch int64) bool {
	return lastAccessed+window < epoch
}
