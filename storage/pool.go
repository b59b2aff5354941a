package storage

import "sync"

// DefaultMaxCursors is the idle-cursor capacity used when none is configured.
const DefaultMaxCursors = 64

// Pool caches idle cursors to amortize session-open cost.
// It is a cache, not a semaphore: Get opens a new cursor when none is idle and
// Put closes the cursor when the pool is already full. Neither blocks.
type Pool struct {
	open func() (Cursor, error)

	mu     sync.Mutex
	idle   []Cursor
	max    int
	closed bool
}

// NewPool builds a pool holding at most max idle cursors (<= 0 selects
// DefaultMaxCursors).
func NewPool(open func() (Cursor, error), max int) *Pool {
	if max <= 0 {
		max = DefaultMaxCursors
	}
	return &Pool{open: open, max: max, idle: make([]Cursor, 0, max)}
}

// Get returns an idle cursor or opens a new one.
func (p *Pool) Get() (Cursor, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()
	return p.open()
}

// Put hands a cursor back. The cursor is reset to the primary index.
// A cursor with an open transaction is rolled back and closed rather than
// cached, and ErrCursorInTransaction is returned so the leak gets noticed.
func (p *Pool) Put(c Cursor) error {
	if c == nil {
		return nil
	}
	if c.InTransaction() {
		_ = c.Close()
		return ErrCursorInTransaction
	}
	c.ClearIndex()

	p.mu.Lock()
	if !p.closed && len(p.idle) < p.max {
		p.idle = append(p.idle, c)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return c.Close()
}

// Idle returns the number of cached cursors.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close closes every idle cursor. Cursors handed back afterwards are closed
// immediately.
func (p *Pool) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()

	var first error
	for _, c := range idle {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
