package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRotateXor_OrderSensitive(t *testing.T) {
	t.Parallel()

	require.NotEqual(t, RotateXor([]byte("abc")), RotateXor([]byte("cba")))
	require.NotEqual(t, RotateXor([]byte("ab")), RotateXor([]byte("ba")))
	require.Equal(t, RotateXor([]byte("page:1")), RotateXor([]byte("page:1")))
}

func TestRotateXor_LengthSeeded(t *testing.T) {
	t.Parallel()

	require.Equal(t, uint32(0), RotateXor(nil))
	// A single zero byte differs from the empty key only by the length seed.
	require.NotEqual(t, RotateXor(nil), RotateXor([]byte{0}))
}

func TestFnv32a_KnownVectors(t *testing.T) {
	t.Parallel()

	require.Equal(t, uint32(0x811c9dc5), Fnv32a(""))
	require.Equal(t, uint32(0xe40c292c), Fnv32a("a"))
}

func TestShardIndex(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, ShardIndex(12345, 1))
	require.Equal(t, 0, ShardIndex(12345, 0))
	require.Equal(t, int(12345%31), ShardIndex(12345, 31))
	require.Equal(t, int(12345&15), ShardIndex(12345, 16))
	for h := uint64(0); h < 1000; h++ {
		idx := ShardIndex(h, DefaultShards)
		require.GreaterOrEqual(t, idx, 0)
		require.Less(t, idx, DefaultShards)
	}
}
