package util

// DefaultShards is the number of key lock shards used when none is configured.
// A prime count spreads the rotate-xor hash better than a power of two.
const DefaultShards = 31

// ShardIndex maps a hash to a shard index.
// Power-of-two shard counts take the mask path; anything else uses modulo.
func ShardIndex(hash uint64, shards int) int {
	if shards <= 1 {
		return 0
	}
	if IsPowerOfTwo(uint64(shards)) {
		return int(hash & uint64(shards-1))
	}
	return int(hash % uint64(shards))
}
