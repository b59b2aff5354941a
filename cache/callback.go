package cache

import (
	"sync"

	"github.com/IvanBrykalov/diskcache/internal/util"
)

// EvictionFunc is called after an entry leaves the cache, on a background
// worker. Panics are recovered and logged.
type EvictionFunc func(key string, data []byte, reason EvictionReason)

// Callback is a named EvictionFunc. Records store a token derived from the
// name, not the function, so a process that registers the same name again
// after a restart receives evictions of entries written before it.
type Callback struct {
	Name string
	Fn   EvictionFunc
}

// NewCallback pairs a stable name with fn.
func NewCallback(name string, fn EvictionFunc) Callback {
	return Callback{Name: name, Fn: fn}
}

// Token is the value persisted in records that reference this callback.
func (c Callback) Token() uint32 { return util.Fnv32a(c.Name) }

func (c Callback) validate() error {
	if c.Name == "" {
		return invalidArgument("callback name must not be empty")
	}
	if c.Fn == nil {
		return invalidArgument("callback %q has no function", c.Name)
	}
	return nil
}

// registry maps callback tokens to callbacks. Entries are never removed.
type registry struct {
	mu      sync.RWMutex
	byToken map[uint32]Callback
}

func newRegistry() *registry {
	return &registry{byToken: make(map[uint32]Callback)}
}

// register adds cb if its token is new and returns the token. The first
// function registered under a name is kept.
func (r *registry) register(cb Callback) (uint32, error) {
	if err := cb.validate(); err != nil {
		return 0, err
	}
	tok := cb.Token()

	r.mu.RLock()
	have, ok := r.byToken[tok]
	r.mu.RUnlock()
	if ok {
		return tok, sameName(have, cb)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if have, ok := r.byToken[tok]; ok {
		return tok, sameName(have, cb)
	}
	r.byToken[tok] = cb
	return tok, nil
}

func (r *registry) tokens(cbs []Callback) ([]uint32, error) {
	if len(cbs) == 0 {
		return nil, nil
	}
	out := make([]uint32, 0, len(cbs))
	for _, cb := range cbs {
		tok, err := r.register(cb)
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return out, nil
}

func (r *registry) lookup(tok uint32) (Callback, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.byToken[tok]
	return cb, ok
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byToken)
}

func sameName(have, cb Callback) error {
	if have.Name != cb.Name {
		return invalidArgument("callback %q collides with %q", cb.Name, have.Name)
	}
	return nil
}
