package cache

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// EntryOptions configures one Set call. Build it with the setters, which
// can be chained:
//
//	opts := cache.NewEntryOptions().
//		SetSlidingExpiration(5 * time.Minute).
//		AddDependency("user:42")
//
// A setter given an invalid value leaves the option unset and records the
// error; Set returns it before touching storage. A nil *EntryOptions is the
// same as an empty one.
type EntryOptions struct {
	absolute     time.Time
	relative     time.Duration
	sliding      time.Duration
	dependencies []string
	callbacks    []Callback
	err          error
}

// NewEntryOptions returns empty options: no expiry, no dependencies and no
// callbacks.
func NewEntryOptions() *EntryOptions { return &EntryOptions{} }

// SetAbsoluteExpiration expires the entry at t.
func (o *EntryOptions) SetAbsoluteExpiration(t time.Time) *EntryOptions {
	if t.Unix() <= 0 {
		o.fail(invalidArgument("absolute expiration %v must be after the Unix epoch", t))
		return o
	}
	o.absolute = t
	return o
}

// SetAbsoluteExpirationRelativeToNow expires the entry d after Set runs.
// It wins over SetAbsoluteExpiration and SetSlidingExpiration.
func (o *EntryOptions) SetAbsoluteExpirationRelativeToNow(d time.Duration) *EntryOptions {
	if d <= 0 {
		o.fail(invalidArgument("relative expiration must be positive, got %v", d))
		return o
	}
	o.relative = d
	return o
}

// SetSlidingExpiration expires the entry once it has not been read for d.
// It only applies when no absolute expiration is set.
func (o *EntryOptions) SetSlidingExpiration(d time.Duration) *EntryOptions {
	if d <= 0 {
		o.fail(invalidArgument("sliding expiration must be positive, got %v", d))
		return o
	}
	o.sliding = d
	return o
}

// AddDependency tags the entry; RemoveByDependency(tag) evicts it.
// Tags are non-empty ASCII strings and are kept once, in insertion order.
func (o *EntryOptions) AddDependency(tag string) *EntryOptions {
	if err := validateTag(tag); err != nil {
		o.fail(err)
		return o
	}
	if !slices.Contains(o.dependencies, tag) {
		o.dependencies = append(o.dependencies, tag)
	}
	return o
}

// RegisterPostEvictionCallback asks for cb to run when the entry is evicted.
// A callback is kept once per name; callbacks run in registration order.
func (o *EntryOptions) RegisterPostEvictionCallback(cb Callback) *EntryOptions {
	if err := cb.validate(); err != nil {
		o.fail(err)
		return o
	}
	if !slices.ContainsFunc(o.callbacks, func(c Callback) bool { return c.Name == cb.Name }) {
		o.callbacks = append(o.callbacks, cb)
	}
	return o
}

// Err returns the first validation error, if any.
func (o *EntryOptions) Err() error {
	if o == nil {
		return nil
	}
	return o.err
}

// AbsoluteExpiration returns the absolute instant, if set.
func (o *EntryOptions) AbsoluteExpiration() (time.Time, bool) {
	if o == nil || o.absolute.IsZero() {
		return time.Time{}, false
	}
	return o.absolute, true
}

// AbsoluteExpirationRelativeToNow returns the relative expiry, if set.
func (o *EntryOptions) AbsoluteExpirationRelativeToNow() (time.Duration, bool) {
	if o == nil || o.relative == 0 {
		return 0, false
	}
	return o.relative, true
}

// SlidingExpiration returns the sliding window, if set.
func (o *EntryOptions) SlidingExpiration() (time.Duration, bool) {
	if o == nil || o.sliding == 0 {
		return 0, false
	}
	return o.sliding, true
}

// Dependencies returns a copy of the dependency tags.
func (o *EntryOptions) Dependencies() []string {
	if o == nil {
		return nil
	}
	return slices.Clone(o.dependencies)
}

// Callbacks returns a copy of the registered callbacks.
func (o *EntryOptions) Callbacks() []Callback {
	if o == nil {
		return nil
	}
	return slices.Clone(o.callbacks)
}

func (o *EntryOptions) fail(err error) {
	if o.err == nil {
		o.err = err
	}
}

var errTag = errors.New("dependency tag must be non-empty ASCII")

func validateTag(tag string) error {
	if tag == "" {
		return invalidArgument("%v", errTag)
	}
	for i := 0; i < len(tag); i++ {
		if tag[i] >= 0x80 {
			return invalidArgument("%v: %q", errTag, tag)
		}
	}
	return nil
}

// expiry resolves the single active expiry of an entry written at now
// (epoch seconds). Relative absolute wins over an absolute instant, which
// wins over sliding.
func (o *EntryOptions) expiry(now int64) (absolute, sliding int64) {
	switch {
	case o == nil:
		return 0, 0
	case o.relative > 0:
		return now + ceilSeconds(o.relative), 0
	case !o.absolute.IsZero():
		return o.absolute.Unix(), 0
	case o.sliding > 0:
		return 0, ceilSeconds(o.sliding)
	default:
		return 0, 0
	}
}

// ceilSeconds rounds d up to whole seconds so a positive duration never
// collapses to "no expiry".
func ceilSeconds(d time.Duration) int64 {
	s := int64(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}

func (o *EntryOptions) String() string {
	if o == nil {
		return "EntryOptions{}"
	}
	return fmt.Sprintf("EntryOptions{absolute:%v relative:%v sliding:%v deps:%v callbacks:%d}",
		o.absolute, o.relative, o.sliding, o.dependencies, len(o.callbacks))
}
