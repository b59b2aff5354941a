package sqlite

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"gorm.io/gorm"

	"github.com/IvanBrykalov/diskcache/internal/codec"
	"github.com/IvanBrykalov/diskcache/storage"
)

// entry is one index tuple: int64 values for the integer columns followed by
// strings, ending with norm_key.
type entry []any

// cursor walks an index in keyset-paginated pages. Only the index tuples are
// buffered; records are read on demand by Current.
type cursor struct {
	s    *Store
	fold cases.Caser

	idx storage.Index
	def indexDef

	key     []any
	keyErr  error
	rawKey  string
	normKey string

	page      []entry
	pos       int
	exhausted bool
	on        bool
	cur       entry

	upper     []any
	upperIncl bool
	hasUpper  bool

	tx     *gorm.DB
	txKind storage.TxKind
	closed bool
}

var _ storage.Cursor = (*cursor)(nil)

func newCursor(s *Store) *cursor {
	c := &cursor{s: s, fold: cases.Fold()}
	c.ClearIndex()
	return c
}

func (c *cursor) SetIndex(idx storage.Index) error {
	def, ok := indexDefs[idx]
	if !ok {
		return fmt.Errorf("sqlite: unknown index %q", idx)
	}
	c.idx, c.def = idx, def
	c.key, c.keyErr = nil, nil
	c.MoveBeforeFirst()
	return nil
}

func (c *cursor) ClearIndex() { _ = c.SetIndex(storage.PrimaryIndex) }

func (c *cursor) MakeKey(values ...any) {
	c.key, c.keyErr = nil, nil
	cols := c.def.keyCols()
	if len(values) == 0 || len(values) > len(cols) {
		c.keyErr = fmt.Errorf("%w: %s takes 1..%d values, got %d", storage.ErrBadKey, c.idx, len(cols), len(values))
		return
	}
	key := make([]any, len(values))
	for i, v := range values {
		if i < c.def.ints {
			n, ok := toInt64(v)
			if !ok {
				c.keyErr = fmt.Errorf("%w: %s wants an integer, got %T", storage.ErrBadKey, cols[i], v)
				return
			}
			key[i] = n
			continue
		}
		s, ok := v.(string)
		if !ok {
			c.keyErr = fmt.Errorf("%w: %s wants a string, got %T", storage.ErrBadKey, cols[i], v)
			return
		}
		if c.idx == storage.PrimaryIndex {
			c.rawKey = s
			s = c.fold.String(s)
			c.normKey = s
		}
		key[i] = s
	}
	c.key = key
}

func (c *cursor) NormalizedKey() []byte { return []byte(c.normKey) }

func (c *cursor) Seek(op storage.SeekOp) (bool, error) {
	if err := c.checkKey(); err != nil {
		return false, err
	}
	c.MoveBeforeFirst()
	cond, args := compare(c.def.keyCols()[:len(c.key)], ">=", c.key)
	if err := c.fetch(cond, args); err != nil {
		return false, err
	}
	if !c.advance() {
		return false, nil
	}
	if op == storage.SeekEQ && comparePrefix(c.cur, c.key) != 0 {
		c.off()
		return false, nil
	}
	return true, nil
}

func (c *cursor) SetRange(inclusive bool) (bool, error) {
	if err := c.checkKey(); err != nil {
		return false, err
	}
	if !c.on {
		return false, nil
	}
	c.upper, c.upperIncl, c.hasUpper = c.key, inclusive, true
	for i := c.pos; i < len(c.page); i++ {
		if !c.inRange(c.page[i]) {
			c.page = c.page[:i]
			c.exhausted = true
			break
		}
	}
	if c.pos >= len(c.page) {
		c.off()
		return false, nil
	}
	return true, nil
}

func (c *cursor) MoveBeforeFirst() {
	c.page, c.pos, c.cur = nil, -1, nil
	c.on, c.exhausted = false, false
	c.upper, c.hasUpper = nil, false
}

func (c *cursor) MoveNext() (bool, error) {
	if c.pos+1 >= len(c.page) {
		if c.exhausted {
			c.off()
			return false, nil
		}
		var (
			cond string
			args []any
		)
		if n := len(c.page); n > 0 {
			cond, args = compare(c.def.cols, ">", c.page[n-1])
		}
		if err := c.fetch(cond, args); err != nil {
			return false, err
		}
	}
	return c.advance(), nil
}

func (c *cursor) IndexValues() []int64 {
	if !c.on || c.def.ints == 0 {
		return nil
	}
	out := make([]int64, c.def.ints)
	for i := range out {
		out[i] = c.cur[i].(int64)
	}
	return out
}

func (c *cursor) Current() (storage.Record, error) {
	nk, err := c.currentKey()
	if err != nil {
		return storage.Record{}, err
	}
	var row cacheRow
	if err := c.db().Where("norm_key = ?", nk).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return storage.Record{}, storage.ErrNoCurrentRecord
		}
		return storage.Record{}, err
	}
	deps, err := codec.DecodeTags(row.Dependencies)
	if err != nil {
		return storage.Record{}, fmt.Errorf("sqlite: dependencies of %q: %w", row.EntryKey, err)
	}
	return storage.Record{
		Key:                row.EntryKey,
		Data:               row.Data,
		Dependencies:       deps,
		Callbacks:          row.Callbacks,
		LastAccessed:       deref(row.LastAccessed),
		SlidingExpiration:  deref(row.SlidingExpiration),
		AbsoluteExpiration: deref(row.AbsoluteExpiration),
	}, nil
}

func (c *cursor) Count() (int, error) {
	var n int64
	if err := c.db().Model(&cacheRow{}).Count(&n).Error; err != nil {
		return 0, err
	}
	return int(n), nil
}

func (c *cursor) Insert(rec storage.Record) error {
	if c.idx != storage.PrimaryIndex {
		return fmt.Errorf("%w: insert needs the primary index", storage.ErrBadKey)
	}
	if err := c.checkKey(); err != nil {
		return err
	}
	nk := c.normKey
	row := cacheRow{
		NormKey:            nk,
		EntryKey:           rec.Key,
		Data:               rec.Data,
		Dependencies:       codec.EncodeTags(rec.Dependencies),
		Callbacks:          rec.Callbacks,
		LastAccessed:       nullable(rec.LastAccessed),
		SlidingExpiration:  nullable(rec.SlidingExpiration),
		AbsoluteExpiration: nullable(rec.AbsoluteExpiration),
	}
	if row.EntryKey == "" {
		row.EntryKey = c.rawKey
	}
	return c.write(func(db *gorm.DB) error {
		if err := db.Create(&row).Error; err != nil {
			return err
		}
		return insertDependencies(db, nk, rec.Dependencies)
	})
}

func (c *cursor) Replace(rec storage.Record) error {
	nk, err := c.currentKey()
	if err != nil {
		return err
	}
	cols := map[string]any{
		"data":                rec.Data,
		"dependencies":        codec.EncodeTags(rec.Dependencies),
		"callbacks":           rec.Callbacks,
		"last_accessed":       nullable(rec.LastAccessed),
		"sliding_expiration":  nullable(rec.SlidingExpiration),
		"absolute_expiration": nullable(rec.AbsoluteExpiration),
	}
	if rec.Key != "" {
		cols["entry_key"] = rec.Key
	}
	return c.write(func(db *gorm.DB) error {
		res := db.Model(&cacheRow{}).Where("norm_key = ?", nk).Updates(cols)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return storage.ErrNoCurrentRecord
		}
		if err := db.Where("norm_key = ?", nk).Delete(&dependencyRow{}).Error; err != nil {
			return err
		}
		return insertDependencies(db, nk, rec.Dependencies)
	})
}

func (c *cursor) SetLastAccessed(epoch int64) (bool, error) {
	nk, err := c.currentKey()
	if err != nil {
		return false, err
	}
	var stamped bool
	err = c.write(func(db *gorm.DB) error {
		res := db.Model(&cacheRow{}).
			Where("norm_key = ? AND sliding_expiration IS NOT NULL", nk).
			Update("last_accessed", epoch)
		stamped = res.RowsAffected > 0
		return res.Error
	})
	return stamped, err
}

func (c *cursor) Delete() error {
	nk, err := c.currentKey()
	if err != nil {
		return err
	}
	return c.write(func(db *gorm.DB) error {
		if err := db.Where("norm_key = ?", nk).Delete(&dependencyRow{}).Error; err != nil {
			return err
		}
		res := db.Where("norm_key = ?", nk).Delete(&cacheRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return storage.ErrNoCurrentRecord
		}
		return nil
	})
}

func (c *cursor) Begin(kind storage.TxKind) (storage.Tx, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if c.tx != nil {
		return nil, storage.ErrTxActive
	}
	h := c.s.writer
	if kind == storage.ReadOnly {
		h = c.s.reader
	}
	db := h.Begin()
	if db.Error != nil {
		return nil, db.Error
	}
	c.tx, c.txKind = db, kind
	return &tx{c: c, db: db, kind: kind}, nil
}

func (c *cursor) InTransaction() bool { return c.tx != nil }

func (c *cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.off()
	if c.tx != nil {
		err := c.tx.Rollback().Error
		c.tx = nil
		return err
	}
	return nil
}

// db is the handle statements run on: the open transaction, or the read pool.
func (c *cursor) db() *gorm.DB {
	if c.tx != nil {
		return c.tx
	}
	return c.s.reader
}

// write runs fn in the open write transaction, or in its own transaction on
// the writer when none is open.
func (c *cursor) write(fn func(*gorm.DB) error) error {
	if c.tx != nil {
		if c.txKind == storage.ReadOnly {
			return storage.ErrReadOnlyTx
		}
		return fn(c.tx)
	}
	return c.s.writer.Transaction(fn)
}

func (c *cursor) checkKey() error {
	if c.keyErr != nil {
		return c.keyErr
	}
	if c.key == nil {
		return fmt.Errorf("%w: no key made", storage.ErrBadKey)
	}
	return nil
}

func (c *cursor) currentKey() (string, error) {
	if !c.on {
		return "", storage.ErrNoCurrentRecord
	}
	return c.cur[len(c.cur)-1].(string), nil
}

func (c *cursor) advance() bool {
	if c.pos+1 < len(c.page) {
		c.pos++
		c.cur, c.on = c.page[c.pos], true
		return true
	}
	c.off()
	return false
}

// off leaves the cursor unpositioned; MoveNext keeps returning false until
// the next Seek or MoveBeforeFirst.
func (c *cursor) off() {
	c.page, c.pos, c.cur = nil, -1, nil
	c.on, c.exhausted = false, true
}

func (c *cursor) inRange(e entry) bool {
	n := comparePrefix(e, c.upper)
	return n < 0 || (n == 0 && c.upperIncl)
}

// fetch loads the next page of index tuples satisfying lower and the range.
func (c *cursor) fetch(lower string, lowerArgs []any) error {
	var (
		conds []string
		args  []any
	)
	if c.def.where != "" {
		conds = append(conds, c.def.where)
	}
	if lower != "" {
		conds = append(conds, lower)
		args = append(args, lowerArgs...)
	}
	if c.hasUpper {
		op := "<"
		if c.upperIncl {
			op = "<="
		}
		cond, a := compare(c.def.keyCols()[:len(c.upper)], op, c.upper)
		conds = append(conds, cond)
		args = append(args, a...)
	}

	cols := strings.Join(c.def.cols, ", ")
	q := "SELECT " + cols + " FROM " + c.def.table
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY " + cols + " LIMIT ?"
	args = append(args, c.s.cfg.ScanPageSize)

	rows, err := c.db().Raw(q, args...).Rows()
	if err != nil {
		return err
	}
	defer rows.Close()

	page := make([]entry, 0, c.s.cfg.ScanPageSize)
	ints := make([]int64, c.def.ints)
	strs := make([]string, len(c.def.cols)-c.def.ints)
	dest := make([]any, len(c.def.cols))
	for i := range dest {
		if i < c.def.ints {
			dest[i] = &ints[i]
		} else {
			dest[i] = &strs[i-c.def.ints]
		}
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return err
		}
		e := make(entry, len(dest))
		for i := range e {
			if i < c.def.ints {
				e[i] = ints[i]
			} else {
				e[i] = strs[i-c.def.ints]
			}
		}
		page = append(page, e)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	c.page, c.pos = page, -1
	c.exhausted = len(page) < c.s.cfg.ScanPageSize
	return nil
}

type tx struct {
	c    *cursor
	db   *gorm.DB
	kind storage.TxKind
	done bool
}

func (t *tx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.c.tx = nil
	if err := t.db.Commit().Error; err != nil {
		return err
	}
	if t.kind == storage.DurableCommit {
		return t.c.s.Checkpoint()
	}
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.c.tx = nil
	return t.db.Rollback().Error
}

func insertDependencies(db *gorm.DB, normKey string, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	rows := make([]dependencyRow, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for i, tag := range tags {
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		rows = append(rows, dependencyRow{NormKey: normKey, Tag: tag, Seq: i})
	}
	return db.Create(&rows).Error
}

// compare renders "(a, b) op (?, ?)" over the first len(vals) columns.
func compare(cols []string, op string, vals []any) (string, []any) {
	cols = cols[:len(vals)]
	if len(cols) == 1 {
		return cols[0] + " " + op + " ?", vals
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return "(" + strings.Join(cols, ", ") + ") " + op + " (" + marks + ")", vals
}

// comparePrefix orders e against key over len(key) leading columns, using
// the same ordering SQLite applies (integers numerically, text bytewise).
func comparePrefix(e entry, key []any) int {
	for i, k := range key {
		switch kv := k.(type) {
		case int64:
			ev := e[i].(int64)
			if ev < kv {
				return -1
			}
			if ev > kv {
				return 1
			}
		case string:
			if n := strings.Compare(e[i].(string), kv); n != 0 {
				return n
			}
		}
	}
	return 0
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint32:
		return int64(n), true
	default:
		return 0, false
	}
}
