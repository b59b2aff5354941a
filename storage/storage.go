// Package storage defines the cursor contract the cache engine consumes from
// a durable table, plus a bounded pool of open cursors.
//
// A cursor is positioned on at most one record at a time. Positioning is done
// ISAM style: pick an index, make a search key, seek, optionally set an upper
// range limit, then walk with MoveNext. Writes apply to the record the cursor
// is on (Replace, SetLastAccessed, Delete) or to the key last made (Insert).
package storage

import "errors"

// TxKind selects the durability of a transaction.
type TxKind int

const (
	// ReadOnly transactions observe a consistent snapshot and never write.
	ReadOnly TxKind = iota
	// LazyCommit transactions commit without waiting for the log to be flushed.
	LazyCommit
	// DurableCommit transactions are flushed to stable storage before Commit returns.
	DurableCommit
)

func (k TxKind) String() string {
	switch k {
	case ReadOnly:
		return "read-only"
	case LazyCommit:
		return "lazy"
	case DurableCommit:
		return "durable"
	default:
		return "unknown"
	}
}

// Index names one of the four orderings over the record set.
type Index string

const (
	// PrimaryIndex orders records by normalized key; keys are unique.
	PrimaryIndex Index = "idx_primary"
	// DependencyIndex orders (tag, record) pairs by tag; a record appears once
	// per dependency tag it carries.
	DependencyIndex Index = "idx_dependency"
	// SlidingIndex orders sliding records by (last accessed, sliding seconds).
	// Records without sliding expiry are not in the index.
	SlidingIndex Index = "idx_sliding"
	// AbsoluteIndex orders records by absolute expiry epoch.
	// Records without absolute expiry are not in the index.
	AbsoluteIndex Index = "idx_absolute"
)

// SeekOp is the comparison used by Cursor.Seek.
type SeekOp int

const (
	// SeekEQ positions on the first index entry equal to the search key.
	SeekEQ SeekOp = iota
	// SeekGE positions on the first index entry greater than or equal to it.
	SeekGE
)

// Record is one cache row. Zero integer fields are stored as NULL.
type Record struct {
	Key                string
	Data               []byte
	Dependencies       []string
	Callbacks          []byte
	LastAccessed       int64
	SlidingExpiration  int64
	AbsoluteExpiration int64
}

// Tx is a transaction scope. Rollback after Commit is a no-op, so
//
//	tx, err := c.Begin(storage.LazyCommit)
//	...
//	defer tx.Rollback()
//
// rolls back on every path that did not commit.
type Tx interface {
	Commit() error
	Rollback() error
}

// Cursor is a positioned view over the cache table.
// A cursor is not safe for concurrent use; the Pool hands each one to a
// single goroutine at a time.
type Cursor interface {
	// SetIndex switches the current index and invalidates the position.
	SetIndex(idx Index) error
	// ClearIndex switches back to the primary index.
	ClearIndex()

	// MakeKey builds the search key for the current index: a string for the
	// primary and dependency indexes, int64 values for the expiry indexes
	// (a prefix of the composite sliding key is allowed).
	MakeKey(values ...any)
	// NormalizedKey returns the normalized form of the last primary key made.
	NormalizedKey() []byte

	// Seek positions the cursor using the last key made.
	Seek(op SeekOp) (bool, error)
	// SetRange limits iteration to entries <= (or < when !inclusive) the last
	// key made. It reports whether the cursor still sits inside the range.
	SetRange(inclusive bool) (bool, error)
	// MoveBeforeFirst positions before the first entry of the current index.
	MoveBeforeFirst()
	// MoveNext advances to the next entry; false at the end of the index or range.
	MoveNext() (bool, error)

	// IndexValues returns the integer index columns of the current entry
	// without reading the record.
	IndexValues() []int64
	// Current reads the full record under the cursor.
	Current() (Record, error)
	// Count returns the number of records in the table.
	Count() (int, error)

	// Insert adds a record under the last primary key made.
	Insert(rec Record) error
	// Replace overwrites the record under the cursor. Stale dependency tags
	// and expiry columns are cleared before the new values are written.
	Replace(rec Record) error
	// SetLastAccessed stamps the sliding record under the cursor. It reports
	// false if the record no longer has sliding expiry.
	SetLastAccessed(epoch int64) (bool, error)
	// Delete removes the record under the cursor.
	Delete() error

	// Begin opens a transaction on this cursor.
	Begin(kind TxKind) (Tx, error)
	// InTransaction reports whether a transaction is open.
	InTransaction() bool

	// Close releases the cursor's session.
	Close() error
}

// Opener opens cursors over one table.
type Opener interface {
	OpenCursor() (Cursor, error)
	Close() error
}

var (
	// ErrNoCurrentRecord is returned by record operations when the cursor is
	// not positioned on a record.
	ErrNoCurrentRecord = errors.New("storage: cursor is not on a record")
	// ErrTxActive is returned by Begin when a transaction is already open.
	ErrTxActive = errors.New("storage: transaction already open")
	// ErrReadOnlyTx is returned by writes attempted inside a ReadOnly transaction.
	ErrReadOnlyTx = errors.New("storage: write in read-only transaction")
	// ErrBadKey is returned when MakeKey values don't fit the current index.
	ErrBadKey = errors.New("storage: key does not match index")
	// ErrCursorInTransaction is returned by Pool.Put for a cursor that still
	// has an open transaction.
	ErrCursorInTransaction = errors.New("storage: cursor returned with an open transaction")
)
