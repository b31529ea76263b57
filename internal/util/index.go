package util

import (
	"math/bits"
	"runtime"
)

// ReasonableShardCount picks a default partition count for stripes and
// tracker shards: NextPow2(2*GOMAXPROCS), at most 256.
func ReasonableShardCount() int {
	p := max(runtime.GOMAXPROCS(0), 1)
	return min(int(NextPow2(uint64(p*2))), 256)
}

// ShardIndex maps a 64-bit hash to a partition index in [0, n).
// The result is always hash mod n; power-of-two counts use a mask.
func ShardIndex(hash uint64, n int) int {
	if n <= 1 {
		return 0
	}
	if IsPowerOfTwo(uint64(n)) {
		return int(hash & uint64(n-1))
	}
	return int(hash % uint64(n))
}

// IsPowerOfTwo reports whether x is a power of two (> 0).
func IsPowerOfTwo(x uint64) bool {
	return x != 0 && x&(x-1) == 0
}

// NextPow2 returns the smallest power of two >= x, with 0 -> 1. Values above
// 1<<63 clamp to 1<<63.
func NextPow2(x uint64) uint64 {
	switch {
	case x <= 1:
		return 1
	case x > 1<<63:
		return 1 << 63
	}
	return 1 << bits.Len64(x-1)
}
