package cache

import (
	"testing"
	"time"

	perrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/require"
)

func TestEntryOptions_InvalidValuesAreNotStored(t *testing.T) {
	t.Parallel()

	o := NewEntryOptions().
		SetSlidingExpiration(-time.Second).
		SetAbsoluteExpirationRelativeToNow(0).
		SetAbsoluteExpiration(time.Unix(0, 0)).
		AddDependency("").
		AddDependency("ünicode").
		RegisterPostEvictionCallback(Callback{Name: "nofn"})

	require.ErrorIs(t, o.Err(), ErrInvalidArgument)
	require.Equal(t, perrors.CodeInvalidInput, perrors.GetCode(o.Err()))
	require.Contains(t, o.Err().Error(), "sliding", "the first error sticks")

	_, ok := o.SlidingExpiration()
	require.False(t, ok)
	_, ok = o.AbsoluteExpirationRelativeToNow()
	require.False(t, ok)
	_, ok = o.AbsoluteExpiration()
	require.False(t, ok)
	require.Empty(t, o.Dependencies())
	require.Empty(t, o.Callbacks())
}

func TestEntryOptions_Dedupe(t *testing.T) {
	t.Parallel()
	fn := func(string, []byte, EvictionReason) {}

	o := NewEntryOptions().
		AddDependency("b").AddDependency("a").AddDependency("b").
		RegisterPostEvictionCallback(NewCallback("x", fn)).
		RegisterPostEvictionCallback(NewCallback("y", fn)).
		RegisterPostEvictionCallback(NewCallback("x", fn))

	require.NoError(t, o.Err())
	require.Equal(t, []string{"b", "a"}, o.Dependencies())
	cbs := o.Callbacks()
	require.Len(t, cbs, 2)
	require.Equal(t, "x", cbs[0].Name)
	require.Equal(t, "y", cbs[1].Name)

	// Accessors hand out copies.
	deps := o.Dependencies()
	deps[0] = "z"
	require.Equal(t, "b", o.Dependencies()[0])
}

func TestEntryOptions_ExpiryPriority(t *testing.T) {
	t.Parallel()
	const now = int64(1_700_000_000)
	at := time.Unix(now+500, 0)

	cases := []struct {
		name             string
		opts             *EntryOptions
		absolute, window int64
	}{
		{"nil", nil, 0, 0},
		{"empty", NewEntryOptions(), 0, 0},
		{"sliding", NewEntryOptions().SetSlidingExpiration(90 * time.Second), 0, 90},
		{"instant over sliding", NewEntryOptions().SetSlidingExpiration(time.Minute).SetAbsoluteExpiration(at), now + 500, 0},
		{"relative over instant", NewEntryOptions().SetAbsoluteExpiration(at).SetAbsoluteExpirationRelativeToNow(10 * time.Second), now + 10, 0},
		{"relative rounds up", NewEntryOptions().SetAbsoluteExpirationRelativeToNow(time.Millisecond), now + 1, 0},
		{"sliding rounds up", NewEntryOptions().SetSlidingExpiration(1500 * time.Millisecond), 0, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			abs, win := tc.opts.expiry(now)
			require.Equal(t, tc.absolute, abs)
			require.Equal(t, tc.window, win)
		})
	}
}

func TestEntryOptions_NilSafe(t *testing.T) {
	t.Parallel()
	var o *EntryOptions

	require.NoError(t, o.Err())
	require.Nil(t, o.Dependencies())
	require.Nil(t, o.Callbacks())
	_, ok := o.SlidingExpiration()
	require.False(t, ok)
	require.Equal(t, "EntryOptions{}", o.String())
}

func TestCeilSeconds(t *testing.T) {
	t.Parallel()
	require.Equal(t, int64(0), ceilSeconds(0))
	require.Equal(t, int64(1), ceilSeconds(time.Nanosecond))
	require.Equal(t, int64(1), ceilSeconds(time.Second))
	require.Equal(t, int64(2), ceilSeconds(time.Second+1))
}

func TestEvictionReason_String(t *testing.T) {
	t.Parallel()
	want := map[EvictionReason]string{
		None:               "none",
		Removed:            "removed",
		Replaced:           "replaced",
		Expired:            "expired",
		Dependency:         "dependency",
		Capacity:           "capacity",
		EvictionReason(99): "unknown",
	}
	for r, s := range want {
		require.Equal(t, s, r.String())
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := newRegistry()
	first := NewCallback("audit", func(string, []byte, EvictionReason) {})
	calls := 0
	second := NewCallback("audit", func(string, []byte, EvictionReason) { calls++ })

	tok, err := r.register(first)
	require.NoError(t, err)
	require.Equal(t, first.Token(), tok)

	tok2, err := r.register(second)
	require.NoError(t, err)
	require.Equal(t, tok, tok2)
	require.Equal(t, 1, r.len())

	got, ok := r.lookup(tok)
	require.True(t, ok)
	got.Fn("k", nil, Removed)
	require.Zero(t, calls, "the first function under a name is kept")

	_, ok = r.lookup(tok + 1)
	require.False(t, ok)

	_, err = r.register(Callback{Name: "", Fn: first.Fn})
	require.ErrorIs(t, err, ErrInvalidArgument)

	toks, err := r.tokens(nil)
	require.NoError(t, err)
	require.Nil(t, toks)
}

func TestRegistry_TokenCollision(t *testing.T) {
	t.Parallel()
	r := newRegistry()
	cb := NewCallback("real", func(string, []byte, EvictionReason) {})

	// Plant a different name at cb's token to simulate an FNV collision.
	r.byToken[cb.Token()] = NewCallback("impostor", cb.Fn)

	_, err := r.register(cb)
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.Contains(t, err.Error(), "collides")
}
