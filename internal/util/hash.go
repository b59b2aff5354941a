// Package util contains internal helpers (hashing, sharding, padding).
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import "math/bits"

// RotateXor hashes a normalized key by XOR-ing each byte into the state and
// rotating it left by one bit. The rotation makes the hash order-sensitive,
// so keys that are anagrams of each other land on different shards.
// The state is seeded with the key length.
func RotateXor(b []byte) uint32 {
	h := uint32(len(b))
	for _, c := range b {
		h ^= uint32(c)
		h = bits.RotateLeft32(h, 1)
	}
	return h
}

const (
	fnvOffset32 = 2166136261
	fnvPrime32  = 16777619
)

// Fnv32a hashes s using 32-bit FNV-1a.
// Used to derive stable callback tokens from callback names.
func Fnv32a(s string) uint32 {
	h := uint32(fnvOffset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime32
	}
	return h
}
