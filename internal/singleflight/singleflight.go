// Package singleflight coalesces concurrent calls that share a key.
package singleflight

import "sync"

// Group runs fn at most once per key at any moment. Callers that arrive while
// a call is in flight wait for it and receive the same result.
//
// Concurrency notes:
//   - The first caller for a key becomes the leader and runs fn.
//   - Followers wait on c.done. Publishing (val, err) happens-before
//     close(c.done), so reads after <-done observe the final values.
//   - Once the leader returns, the key is forgotten: the next caller starts a
//     fresh call instead of reusing a stale result.
type Group[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]*call[V]
}

type call[V any] struct {
	done chan struct{} // closed when val/err are published
	val  V
	err  error
}

// Do runs fn for key unless a call for key is already in flight, in which case
// it waits for that call. shared reports whether the result came from another
// caller's run.
func (g *Group[K, V]) Do(key K, fn func() (V, error)) (v V, err error, shared bool) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[K]*call[V])
	}
	if c, ok := g.m[key]; ok {
		g.mu.Unlock()
		<-c.done
		return c.val, c.err, true
	}

	c := &call[V]{done: make(chan struct{})}
	g.m[key] = c
	g.mu.Unlock()

	// The marker must be removed even if fn panics, otherwise every later
	// caller for key would block forever.
	defer func() {
		g.mu.Lock()
		delete(g.m, key)
		g.mu.Unlock()
		close(c.done)
	}()

	c.val, c.err = fn()
	return c.val, c.err, false
}

// InFlight reports whether a call for key is currently running.
func (g *Group[K, V]) InFlight(key K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.m[key]
	return ok
}
